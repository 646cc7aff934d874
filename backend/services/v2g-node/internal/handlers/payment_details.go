package handlers

import (
	"context"
	"crypto/rand"
	"fmt"
	"time"

	"go.uber.org/zap"

	"v2gcharge/backend/services/v2g-node/internal/trust"
	"v2gcharge/backend/services/v2g-node/internal/v2g"
	"v2gcharge/backend/services/v2g-node/internal/v2g/protocol"
)

const challengeLen = 16

// NewPaymentDetailsHandler verifies the contract chain against the trust
// anchors and issues the challenge the EV signs during authorization.
func NewPaymentDetailsHandler(anchors *trust.AnchorSet, logger *zap.Logger) v2g.HandlerFunc {
	return func(ctx context.Context, req *v2g.Request) (interface{}, error) {
		body, err := v2g.Decode[protocol.PaymentDetailsReq](req.Message.Body)
		if err != nil {
			return nil, err
		}
		now := time.Now().UTC()
		leaf, err := anchors.VerifyChain(body.ContractChain, now)
		if err != nil {
			return nil, v2g.Fail(protocol.ResponseFailedCertChainError, err)
		}
		if body.EMAID != "" && body.EMAID != leaf.Subject.CommonName {
			return nil, v2g.Fail(protocol.ResponseFailedCertChainError,
				fmt.Errorf("emaid %q does not match certificate %q", body.EMAID, leaf.Subject.CommonName))
		}

		challenge := make([]byte, challengeLen)
		if _, err := rand.Read(challenge); err != nil {
			return nil, err
		}
		req.Session.Credential = &trust.Credential{
			Chain: body.ContractChain,
			Leaf:  leaf,
			EMAID: leaf.Subject.CommonName,
		}
		req.Session.EMAID = leaf.Subject.CommonName
		req.Session.GenChallenge = challenge

		logger.Info("contract chain verified", zap.String("session_id", req.Session.ID), zap.String("emaid", req.Session.EMAID))
		return protocol.PaymentDetailsRes{
			Status:       protocol.Status{ResponseCode: protocol.ResponseOK},
			GenChallenge: challenge,
			Timestamp:    now,
		}, nil
	}
}
