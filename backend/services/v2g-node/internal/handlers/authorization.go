package handlers

import (
	"bytes"
	"context"
	"errors"

	"go.uber.org/zap"

	"v2gcharge/backend/services/v2g-node/internal/repository"
	"v2gcharge/backend/services/v2g-node/internal/trust"
	"v2gcharge/backend/services/v2g-node/internal/v2g"
	"v2gcharge/backend/services/v2g-node/internal/v2g/protocol"
)

// Authorizer decides whether a contract may charge.
type Authorizer interface {
	Authorize(ctx context.Context, emaid string) (repository.Decision, error)
}

type usageRecorder interface {
	RecordUse(ctx context.Context, emaid, evseID string) error
}

// NewAuthorizationHandler checks the signed challenge for contract payment and
// consults the authorizer. A pending decision answers Ongoing and the EV asks again.
func NewAuthorizationHandler(authorizer Authorizer, logger *zap.Logger) v2g.HandlerFunc {
	return func(ctx context.Context, req *v2g.Request) (interface{}, error) {
		body, err := v2g.Decode[protocol.AuthorizationReq](req.Message.Body)
		if err != nil {
			return nil, err
		}
		rec := req.Session
		status := protocol.Status{ResponseCode: protocol.ResponseOK}

		if rec.PaymentOption != protocol.PaymentContract {
			return protocol.AuthorizationRes{Status: status, EVSEProcessing: protocol.ProcessingFinished}, nil
		}

		if rec.Credential == nil || rec.Credential.Leaf == nil {
			return nil, v2g.Fail(protocol.ResponseFailedSequenceError, errors.New("no verified contract"))
		}
		if len(rec.GenChallenge) > 0 {
			if !bytes.Equal(body.GenChallenge, rec.GenChallenge) {
				return nil, v2g.Fail(protocol.ResponseFailedChallengeInvalid, errors.New("challenge mismatch"))
			}
			if err := trust.VerifySignature(rec.Credential.Leaf, body.GenChallenge, body.Signature); err != nil {
				return nil, v2g.Fail(protocol.ResponseFailedSignatureError, err)
			}
			// signature proven; repeated polls while pending need no new proof
			rec.GenChallenge = nil
		}

		decision, err := authorizer.Authorize(ctx, rec.EMAID)
		if err != nil {
			return nil, v2g.Fail(protocol.ResponseFailed, err)
		}
		logger.Info("contract authorization",
			zap.String("session_id", rec.ID),
			zap.String("emaid", rec.EMAID),
			zap.String("decision", decision.String()),
		)
		switch decision {
		case repository.DecisionPending:
			return protocol.AuthorizationRes{Status: status, EVSEProcessing: protocol.ProcessingOngoing}, nil
		case repository.DecisionAccepted:
			if recorder, ok := authorizer.(usageRecorder); ok {
				if err := recorder.RecordUse(ctx, rec.EMAID, rec.EVSEID); err != nil {
					logger.Warn("record contract use failed", zap.String("emaid", rec.EMAID), zap.Error(err))
				}
			}
			return protocol.AuthorizationRes{Status: status, EVSEProcessing: protocol.ProcessingFinished}, nil
		default:
			return nil, v2g.Fail(protocol.ResponseFailedContractNotAuthorized, errors.New("contract rejected"))
		}
	}
}
