package session

// Phase is a step of the charging session. Values are ordered; transitions only
// move forward, except that PhaseCharging may repeat.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseDiscovered
	PhaseConnected
	PhaseSessionEstablished
	PhaseServiceDiscovered
	PhasePaymentSelected
	PhasePaymentDetailsProvided
	PhaseAuthorized
	PhaseParametersNegotiated
	PhasePowerDelivering
	PhaseCharging
	PhaseStopped
	PhaseClosed
)

var phaseNames = [...]string{
	PhaseIdle:                   "Idle",
	PhaseDiscovered:             "Discovered",
	PhaseConnected:              "Connected",
	PhaseSessionEstablished:     "SessionEstablished",
	PhaseServiceDiscovered:      "ServiceDiscovered",
	PhasePaymentSelected:        "PaymentSelected",
	PhasePaymentDetailsProvided: "PaymentDetailsProvided",
	PhaseAuthorized:             "Authorized",
	PhaseParametersNegotiated:   "ParametersNegotiated",
	PhasePowerDelivering:        "PowerDelivering",
	PhaseCharging:               "Charging",
	PhaseStopped:                "Stopped",
	PhaseClosed:                 "Closed",
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return "Unknown"
	}
	return phaseNames[p]
}
