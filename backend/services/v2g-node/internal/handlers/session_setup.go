package handlers

import (
	"context"
	"time"

	"go.uber.org/zap"

	"v2gcharge/backend/services/v2g-node/internal/v2g"
	"v2gcharge/backend/services/v2g-node/internal/v2g/protocol"
)

// NewSessionSetupHandler records the EVCC id on the new session.
func NewSessionSetupHandler(evseID string, logger *zap.Logger) v2g.HandlerFunc {
	return func(ctx context.Context, req *v2g.Request) (interface{}, error) {
		body, err := v2g.Decode[protocol.SessionSetupReq](req.Message.Body)
		if err != nil {
			return nil, err
		}
		req.Session.EVCCID = body.EVCCID
		req.Session.EVSEID = evseID

		logger.Info("session established",
			zap.String("session_id", req.Session.ID),
			zap.String("evcc_id", body.EVCCID),
			zap.Bool("tls", req.Secure),
		)
		return protocol.SessionSetupRes{
			Status:    protocol.Status{ResponseCode: protocol.ResponseOKNewSessionEstablished},
			EVSEID:    evseID,
			Timestamp: time.Now().UTC(),
		}, nil
	}
}
