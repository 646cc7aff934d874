package protocol

import (
	"encoding/json"
	"time"
)

// Message is the envelope exchanged between EVCC and SECC. Body holds the
// type-specific payload.
type Message struct {
	SessionID string          `json:"sessionId,omitempty"`
	Type      string          `json:"type"`
	Body      json.RawMessage `json:"body,omitempty"`
}

// Status is embedded in every response body.
type Status struct {
	ResponseCode string `json:"responseCode"`
}

// Code returns the response code.
func (s Status) Code() string {
	return s.ResponseCode
}

// Coded is implemented by every response body.
type Coded interface {
	Code() string
}

// SessionSetupReq opens a session.
type SessionSetupReq struct {
	EVCCID string `json:"evccId"`
}

// SessionSetupRes carries the session identifier in the envelope.
type SessionSetupRes struct {
	Status
	EVSEID    string    `json:"evseId"`
	Timestamp time.Time `json:"timestamp"`
}

// ServiceDiscoveryReq asks for offered services.
type ServiceDiscoveryReq struct {
	ServiceCategory string `json:"serviceCategory,omitempty"`
}

// ChargeService describes the energy transfer service.
type ChargeService struct {
	ServiceID           int      `json:"serviceId"`
	FreeService         bool     `json:"freeService"`
	EnergyTransferModes []string `json:"energyTransferModes"`
}

// ServiceDiscoveryRes lists payment options and the charge service.
type ServiceDiscoveryRes struct {
	Status
	PaymentOptions []string      `json:"paymentOptions"`
	ChargeService  ChargeService `json:"chargeService"`
}

// PaymentServiceSelectionReq selects payment option and services.
type PaymentServiceSelectionReq struct {
	SelectedPaymentOption string `json:"selectedPaymentOption"`
	SelectedServices      []int  `json:"selectedServices"`
}

// PaymentServiceSelectionRes acknowledges the selection.
type PaymentServiceSelectionRes struct {
	Status
}

// PaymentDetailsReq carries the contract certificate chain, leaf first, DER encoded.
type PaymentDetailsReq struct {
	EMAID         string   `json:"emaid"`
	ContractChain [][]byte `json:"contractChain"`
}

// PaymentDetailsRes returns the challenge to be signed during authorization.
type PaymentDetailsRes struct {
	Status
	GenChallenge []byte    `json:"genChallenge,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// AuthorizationReq carries the signed challenge for contract payment.
type AuthorizationReq struct {
	GenChallenge []byte `json:"genChallenge,omitempty"`
	Signature    []byte `json:"signature,omitempty"`
}

// AuthorizationRes reports whether the SECC finished authorizing.
type AuthorizationRes struct {
	Status
	EVSEProcessing string `json:"evseProcessing"`
}

// ACEVChargeParameter describes the vehicle's AC charging limits.
type ACEVChargeParameter struct {
	DepartureTime uint32  `json:"departureTime,omitempty"`
	EAmountWh     float64 `json:"eAmountWh"`
	EVMaxVoltage  float64 `json:"evMaxVoltage"`
	EVMaxCurrent  float64 `json:"evMaxCurrent"`
	EVMinCurrent  float64 `json:"evMinCurrent"`
}

// ChargeParameterDiscoveryReq negotiates the energy transfer.
type ChargeParameterDiscoveryReq struct {
	RequestedEnergyTransferMode string              `json:"requestedEnergyTransferMode"`
	ACEVChargeParameter         ACEVChargeParameter `json:"acEvChargeParameter"`
}

// SAScheduleTuple is one offered power schedule.
type SAScheduleTuple struct {
	ID       int     `json:"id"`
	PMaxW    float64 `json:"pMaxW"`
	Duration uint32  `json:"durationSeconds"`
}

// ACEVSEChargeParameter describes the station's AC limits.
type ACEVSEChargeParameter struct {
	NominalVoltage float64 `json:"nominalVoltage"`
	MaxCurrent     float64 `json:"maxCurrent"`
}

// ChargeParameterDiscoveryRes offers schedules once processing has finished.
type ChargeParameterDiscoveryRes struct {
	Status
	EVSEProcessing        string                `json:"evseProcessing"`
	SAScheduleList        []SAScheduleTuple     `json:"saScheduleList,omitempty"`
	ACEVSEChargeParameter ACEVSEChargeParameter `json:"acEvseChargeParameter"`
}

// EVSEStatus is reported with power delivery and charging status.
type EVSEStatus struct {
	NotificationMaxDelay uint32 `json:"notificationMaxDelay"`
	Notification         string `json:"notification"`
	RCD                  bool   `json:"rcd"`
}

// PowerDeliveryReq starts energy transfer on the selected schedule.
type PowerDeliveryReq struct {
	ChargeProgress    string `json:"chargeProgress"`
	SAScheduleTupleID int    `json:"saScheduleTupleId"`
}

// PowerDeliveryRes acknowledges power delivery.
type PowerDeliveryRes struct {
	Status
	EVSEStatus EVSEStatus `json:"evseStatus"`
}

// ChargingStatusReq polls the ongoing charge.
type ChargingStatusReq struct{}

// MeterInfo is the station meter reading.
type MeterInfo struct {
	MeterID        string  `json:"meterId"`
	MeterReadingWh float64 `json:"meterReadingWh"`
}

// ChargingStatusRes reports progress of the ongoing charge.
type ChargingStatusRes struct {
	Status
	EVSEID            string     `json:"evseId"`
	SAScheduleTupleID int        `json:"saScheduleTupleId"`
	EVSEMaxCurrent    float64    `json:"evseMaxCurrent"`
	MeterInfo         MeterInfo  `json:"meterInfo"`
	ReceiptRequired   bool       `json:"receiptRequired"`
	EVSEStatus        EVSEStatus `json:"evseStatus"`
}

// SessionStopReq ends the session.
type SessionStopReq struct {
	ChargingSession string `json:"chargingSession"`
}

// SessionStopRes acknowledges the stop.
type SessionStopRes struct {
	Status
}

// Pending reports whether the SECC is still processing the authorization.
func (r AuthorizationRes) Pending() bool {
	return r.EVSEProcessing == ProcessingOngoing
}

// Pending reports whether the SECC is still computing schedules.
func (r ChargeParameterDiscoveryRes) Pending() bool {
	return r.EVSEProcessing == ProcessingOngoing
}
