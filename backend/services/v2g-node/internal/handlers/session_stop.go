package handlers

import (
	"context"

	"go.uber.org/zap"

	"v2gcharge/backend/services/v2g-node/internal/linepower"
	"v2gcharge/backend/services/v2g-node/internal/v2g"
	"v2gcharge/backend/services/v2g-node/internal/v2g/protocol"
)

// NewSessionStopHandler releases the session's hold on the line and
// acknowledges the stop.
func NewSessionStopHandler(line *linepower.Line, logger *zap.Logger) v2g.HandlerFunc {
	return func(ctx context.Context, req *v2g.Request) (interface{}, error) {
		body, err := v2g.Decode[protocol.SessionStopReq](req.Message.Body)
		if err != nil {
			return nil, err
		}
		if err := line.Drop(ctx, req.Session.ID); err != nil {
			logger.Error("failed to de-energize line", zap.String("session_id", req.Session.ID), zap.Error(err))
			return nil, v2g.Fail(protocol.ResponseFailed, err)
		}
		logger.Info("session stopped",
			zap.String("session_id", req.Session.ID),
			zap.String("mode", body.ChargingSession),
			zap.Float64("meter_wh", req.Session.MeterReadingWh),
			zap.Int("status_exchanges", req.Session.StatusExchanges),
		)
		return protocol.SessionStopRes{
			Status: protocol.Status{ResponseCode: protocol.ResponseOK},
		}, nil
	}
}
