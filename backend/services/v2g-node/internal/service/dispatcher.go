package service

import (
	"context"

	"go.uber.org/zap"

	"v2gcharge/backend/services/v2g-node/internal/events"
	"v2gcharge/backend/services/v2g-node/internal/linepower"
	"v2gcharge/backend/services/v2g-node/internal/transport"
	"v2gcharge/backend/services/v2g-node/internal/v2g"
	"v2gcharge/backend/services/v2g-node/internal/v2g/protocol"
)

// dispatcher holds what both transport modes share: one processor and one table.
type dispatcher struct {
	processor *v2g.Processor
	table     *SessionTable
	line      *linepower.Line
	publisher v2g.Publisher
	logger    *zap.Logger
}

func (d *dispatcher) dispatch(ctx context.Context, peer transport.Peer, payload []byte, options []string) ([]byte, error) {
	return d.processor.Process(ctx, v2g.Origin{
		ConnID:         peer.ID,
		Remote:         peer.Remote,
		Secure:         peer.Secure,
		PaymentOptions: options,
	}, payload)
}

// Release destroys the session of a closed connection and drops its hold on
// the line. Other sessions still charging keep the line energized.
func (d *dispatcher) Release(ctx context.Context, peer transport.Peer) {
	rec, last := d.table.Remove(peer.ID)
	if rec == nil {
		return
	}
	if d.line != nil {
		if err := d.line.Drop(ctx, rec.ID); err != nil {
			d.logger.Error("failed to de-energize line", zap.String("session_id", rec.ID), zap.Error(err))
		}
	}
	d.logger.Info("session released",
		zap.String("session_id", rec.ID),
		zap.String("last_phase", last.String()),
		zap.String("conn_id", peer.ID),
	)
	if d.publisher != nil {
		d.publisher.Publish(ctx, events.Event{
			Type:      events.TypeSessionClosed,
			SessionID: rec.ID,
			EVSEID:    rec.EVSEID,
			EVCCID:    rec.EVCCID,
			Phase:     rec.Phase().String(),
			Secure:    peer.Secure,
			Remote:    peer.Remote,
			Detail:    last.String(),
		})
	}
}

// SecureDispatcher answers requests on the TLS listener. Contract payment is
// only offered here.
type SecureDispatcher struct {
	*dispatcher
}

// Dispatch implements transport.Dispatcher.
func (d *SecureDispatcher) Dispatch(ctx context.Context, peer transport.Peer, payload []byte) ([]byte, error) {
	return d.dispatch(ctx, peer, payload, []string{protocol.PaymentContract, protocol.PaymentExternalPayment})
}

// PlainDispatcher answers requests on the unencrypted listener. It never
// offers Contract payment: the contract chain and the signed challenge must
// not cross an unauthenticated link, so paid charging on this listener ends
// with FAILED_PaymentSelectionInvalid.
type PlainDispatcher struct {
	*dispatcher
}

// Dispatch implements transport.Dispatcher.
func (d *PlainDispatcher) Dispatch(ctx context.Context, peer transport.Peer, payload []byte) ([]byte, error) {
	return d.dispatch(ctx, peer, payload, []string{protocol.PaymentExternalPayment})
}

// NewDispatchers builds the TLS and plain dispatchers over one processor and table.
func NewDispatchers(processor *v2g.Processor, table *SessionTable, line *linepower.Line, publisher v2g.Publisher, logger *zap.Logger) (*SecureDispatcher, *PlainDispatcher) {
	shared := &dispatcher{
		processor: processor,
		table:     table,
		line:      line,
		publisher: publisher,
		logger:    logger,
	}
	return &SecureDispatcher{shared}, &PlainDispatcher{shared}
}
