package handlers

import (
	"go.uber.org/zap"

	"v2gcharge/backend/services/v2g-node/internal/linepower"
	"v2gcharge/backend/services/v2g-node/internal/session"
	"v2gcharge/backend/services/v2g-node/internal/trust"
	"v2gcharge/backend/services/v2g-node/internal/v2g"
	"v2gcharge/backend/services/v2g-node/internal/v2g/protocol"
)

// Deps are the collaborators of the SECC handlers.
type Deps struct {
	EVSEID       string
	MeterID      string
	FreeCharging bool
	StopAfter    int
	Limits       Limits
	Anchors      *trust.AnchorSet
	Authorizer   Authorizer
	Line         *linepower.Line
	Logger       *zap.Logger
}

// Register attaches every request handler together with the phase it leads to.
func Register(router *v2g.Router, deps Deps) {
	router.Register(protocol.TypeSessionSetupReq, session.PhaseSessionEstablished, NewSessionSetupHandler(deps.EVSEID, deps.Logger))
	router.Register(protocol.TypeServiceDiscoveryReq, session.PhaseServiceDiscovered, NewServiceDiscoveryHandler(deps.FreeCharging, deps.Limits.Modes))
	router.Register(protocol.TypePaymentServiceSelectionReq, session.PhasePaymentSelected, NewPaymentServiceSelectionHandler(deps.FreeCharging))
	router.Register(protocol.TypePaymentDetailsReq, session.PhasePaymentDetailsProvided, NewPaymentDetailsHandler(deps.Anchors, deps.Logger))
	router.Register(protocol.TypeAuthorizationReq, session.PhaseAuthorized, NewAuthorizationHandler(deps.Authorizer, deps.Logger))
	router.Register(protocol.TypeChargeParameterDiscoveryReq, session.PhaseParametersNegotiated, NewChargeParameterDiscoveryHandler(deps.Limits))
	router.Register(protocol.TypePowerDeliveryReq, session.PhasePowerDelivering, NewPowerDeliveryHandler(deps.Line, deps.Logger))
	router.Register(protocol.TypeChargingStatusReq, session.PhaseCharging, NewChargingStatusHandler(deps.EVSEID, deps.MeterID, deps.StopAfter))
	router.Register(protocol.TypeSessionStopReq, session.PhaseStopped, NewSessionStopHandler(deps.Line, deps.Logger))
}
