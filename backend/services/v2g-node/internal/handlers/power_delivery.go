package handlers

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"v2gcharge/backend/services/v2g-node/internal/linepower"
	"v2gcharge/backend/services/v2g-node/internal/v2g"
	"v2gcharge/backend/services/v2g-node/internal/v2g/protocol"
)

// NewPowerDeliveryHandler energizes the line for the negotiated schedule.
func NewPowerDeliveryHandler(line *linepower.Line, logger *zap.Logger) v2g.HandlerFunc {
	return func(ctx context.Context, req *v2g.Request) (interface{}, error) {
		body, err := v2g.Decode[protocol.PowerDeliveryReq](req.Message.Body)
		if err != nil {
			return nil, err
		}
		if body.ChargeProgress != protocol.ChargeProgressStart {
			return nil, v2g.Fail(protocol.ResponseFailed,
				fmt.Errorf("charge progress %q not accepted here", body.ChargeProgress))
		}
		if body.SAScheduleTupleID != req.Session.Parameters.SAScheduleTupleID {
			return nil, v2g.Fail(protocol.ResponseFailedTariffSelectionInvalid,
				fmt.Errorf("schedule %d was not offered", body.SAScheduleTupleID))
		}
		if err := line.Hold(ctx, req.Session.ID); err != nil {
			return nil, v2g.Fail(protocol.ResponseFailed, err)
		}
		logger.Info("power delivery started",
			zap.String("session_id", req.Session.ID),
			zap.Float64("pmax_w", req.Session.Parameters.PMaxW),
		)
		return protocol.PowerDeliveryRes{
			Status:     protocol.Status{ResponseCode: protocol.ResponseOK},
			EVSEStatus: protocol.EVSEStatus{Notification: protocol.NotificationNone},
		}, nil
	}
}
