package protocol

// Message types. Every request has a matching response type with the Res suffix.
const (
	TypeSessionSetupReq             = "SessionSetupReq"
	TypeSessionSetupRes             = "SessionSetupRes"
	TypeServiceDiscoveryReq         = "ServiceDiscoveryReq"
	TypeServiceDiscoveryRes         = "ServiceDiscoveryRes"
	TypePaymentServiceSelectionReq  = "PaymentServiceSelectionReq"
	TypePaymentServiceSelectionRes  = "PaymentServiceSelectionRes"
	TypePaymentDetailsReq           = "PaymentDetailsReq"
	TypePaymentDetailsRes           = "PaymentDetailsRes"
	TypeAuthorizationReq            = "AuthorizationReq"
	TypeAuthorizationRes            = "AuthorizationRes"
	TypeChargeParameterDiscoveryReq = "ChargeParameterDiscoveryReq"
	TypeChargeParameterDiscoveryRes = "ChargeParameterDiscoveryRes"
	TypePowerDeliveryReq            = "PowerDeliveryReq"
	TypePowerDeliveryRes            = "PowerDeliveryRes"
	TypeChargingStatusReq           = "ChargingStatusReq"
	TypeChargingStatusRes           = "ChargingStatusRes"
	TypeSessionStopReq              = "SessionStopReq"
	TypeSessionStopRes              = "SessionStopRes"

	// TypeUnknownRes answers a request whose type is not recognised at all.
	TypeUnknownRes = "UnknownRes"
)

// Response codes.
const (
	ResponseOK                            = "OK"
	ResponseOKNewSessionEstablished       = "OK_NewSessionEstablished"
	ResponseOKOldSessionJoined            = "OK_OldSessionJoined"
	ResponseFailed                        = "FAILED"
	ResponseFailedSequenceError           = "FAILED_SequenceError"
	ResponseFailedUnknownSession          = "FAILED_UnknownSession"
	ResponseFailedServiceSelectionInvalid = "FAILED_ServiceSelectionInvalid"
	ResponseFailedPaymentSelectionInvalid = "FAILED_PaymentSelectionInvalid"
	ResponseFailedCertChainError          = "FAILED_CertChainError"
	ResponseFailedSignatureError          = "FAILED_SignatureError"
	ResponseFailedChallengeInvalid        = "FAILED_ChallengeInvalid"
	ResponseFailedWrongEnergyTransferMode = "FAILED_WrongEnergyTransferMode"
	ResponseFailedTariffSelectionInvalid  = "FAILED_TariffSelectionInvalid"
	ResponseFailedContractNotAuthorized   = "FAILED_ContractNotAuthorized"
)

// Payment options.
const (
	PaymentContract        = "Contract"
	PaymentExternalPayment = "ExternalPayment"
)

// EVSEProcessing values.
const (
	ProcessingFinished = "Finished"
	ProcessingOngoing  = "Ongoing"
)

// Charge progress values carried by PowerDelivery.
const (
	ChargeProgressStart = "Start"
	ChargeProgressStop  = "Stop"
)

// EVSE notifications carried by ChargingStatus.
const (
	NotificationNone         = "None"
	NotificationStopCharging = "StopCharging"
)

// Energy transfer modes.
const (
	EnergyACSinglePhase = "AC_single_phase_core"
	EnergyACThreePhase  = "AC_three_phase_core"
)

// ChargingServiceID identifies the single AC charge service offered.
const ChargingServiceID = 1

// SessionStop modes.
const (
	SessionTerminate = "Terminate"
	SessionPause     = "Pause"
)

// IsOK reports whether a response code signals success.
func IsOK(code string) bool {
	return code == ResponseOK || code == ResponseOKNewSessionEstablished || code == ResponseOKOldSessionJoined
}

// ResponseType maps a request type to its response type. ok is false when the
// type does not name a request.
func ResponseType(requestType string) (string, bool) {
	const suffix = "Req"
	if len(requestType) <= len(suffix) || requestType[len(requestType)-len(suffix):] != suffix {
		return "", false
	}
	return requestType[:len(requestType)-len(suffix)] + "Res", true
}
