package handlers

import (
	"context"
	"fmt"
	"math"

	"v2gcharge/backend/services/v2g-node/internal/session"
	"v2gcharge/backend/services/v2g-node/internal/v2g"
	"v2gcharge/backend/services/v2g-node/internal/v2g/protocol"
)

// Limits are the AC capabilities of the charging point.
type Limits struct {
	NominalVoltage   float64
	MaxCurrent       float64
	Modes            []string
	ScheduleDuration uint32
}

// NewChargeParameterDiscoveryHandler checks the requested transfer mode and
// offers a single schedule capped by both sides' current limits.
func NewChargeParameterDiscoveryHandler(limits Limits) v2g.HandlerFunc {
	return func(ctx context.Context, req *v2g.Request) (interface{}, error) {
		body, err := v2g.Decode[protocol.ChargeParameterDiscoveryReq](req.Message.Body)
		if err != nil {
			return nil, err
		}
		if !contains(limits.Modes, body.RequestedEnergyTransferMode) {
			return nil, v2g.Fail(protocol.ResponseFailedWrongEnergyTransferMode,
				fmt.Errorf("energy transfer mode %q not supported", body.RequestedEnergyTransferMode))
		}

		ev := body.ACEVChargeParameter
		current := limits.MaxCurrent
		if ev.EVMaxCurrent > 0 {
			current = math.Min(current, ev.EVMaxCurrent)
		}
		if ev.EVMinCurrent > current {
			return nil, v2g.Fail(protocol.ResponseFailed,
				fmt.Errorf("vehicle minimum current %.1f A above offer %.1f A", ev.EVMinCurrent, current))
		}
		phases := 1.0
		if body.RequestedEnergyTransferMode == protocol.EnergyACThreePhase {
			phases = 3
		}
		tuple := protocol.SAScheduleTuple{
			ID:       1,
			PMaxW:    current * limits.NominalVoltage * phases,
			Duration: limits.ScheduleDuration,
		}

		req.Session.Parameters = session.ChargeParameters{
			EnergyTransferMode: body.RequestedEnergyTransferMode,
			EAmountWh:          ev.EAmountWh,
			EVMaxVoltage:       ev.EVMaxVoltage,
			EVMaxCurrent:       ev.EVMaxCurrent,
			EVMinCurrent:       ev.EVMinCurrent,
			EVSENominalVoltage: limits.NominalVoltage,
			EVSEMaxCurrent:     current,
			SAScheduleTupleID:  tuple.ID,
			PMaxW:              tuple.PMaxW,
		}
		return protocol.ChargeParameterDiscoveryRes{
			Status:         protocol.Status{ResponseCode: protocol.ResponseOK},
			EVSEProcessing: protocol.ProcessingFinished,
			SAScheduleList: []protocol.SAScheduleTuple{tuple},
			ACEVSEChargeParameter: protocol.ACEVSEChargeParameter{
				NominalVoltage: limits.NominalVoltage,
				MaxCurrent:     current,
			},
		}, nil
	}
}
