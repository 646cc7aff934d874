package v2g

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"v2gcharge/backend/services/v2g-node/internal/events"
	"v2gcharge/backend/services/v2g-node/internal/session"
	"v2gcharge/backend/services/v2g-node/internal/v2g/protocol"
)

var (
	ErrUnknownSession = errors.New("v2g: unknown session")
	ErrSessionBound   = errors.New("v2g: connection already bound to a session")
)

// Origin describes the connection a request arrived on.
type Origin struct {
	ConnID         string
	Remote         string
	Secure         bool
	PaymentOptions []string
}

// Request is a decoded request together with its locked session record.
type Request struct {
	Origin
	Message *protocol.Message
	Session *session.ChargingSession
}

// HandlerFunc processes a request and returns the response body.
type HandlerFunc func(ctx context.Context, req *Request) (interface{}, error)

// Route binds a handler to the phase a successful response moves the session into.
type Route struct {
	Target  session.Phase
	Handler HandlerFunc
}

// Router dispatches request types to handlers.
type Router struct {
	routes map[string]Route
}

// NewRouter returns router.
func NewRouter() *Router {
	return &Router{routes: make(map[string]Route)}
}

// Register attaches handler to a request type.
func (r *Router) Register(messageType string, target session.Phase, handler HandlerFunc) {
	r.routes[messageType] = Route{Target: target, Handler: handler}
}

// Lookup returns the route for a request type.
func (r *Router) Lookup(messageType string) (Route, bool) {
	route, ok := r.routes[messageType]
	return route, ok
}

// Failure makes the processor answer with a negative response code.
type Failure struct {
	Code   string
	Reason error
}

func (f *Failure) Error() string {
	if f.Reason == nil {
		return f.Code
	}
	return fmt.Sprintf("%s: %v", f.Code, f.Reason)
}

func (f *Failure) Unwrap() error {
	return f.Reason
}

// Fail returns a Failure carrying code.
func Fail(code string, reason error) error {
	return &Failure{Code: code, Reason: reason}
}

// SessionStore resolves requests to session records. Returned records stay
// locked until release is called. Discard unbinds a record opened by a
// SessionSetup that did not succeed; the caller still holds its lock.
type SessionStore interface {
	Open(connID string) (rec *session.ChargingSession, release func(), err error)
	Acquire(sessionID, connID string) (rec *session.ChargingSession, release func(), err error)
	Discard(sessionID string)
}

// Publisher receives session events.
type Publisher interface {
	Publish(ctx context.Context, ev events.Event)
}

type pending interface {
	Pending() bool
}

// Processor ties together parsing, session lookup, routing and response encoding.
type Processor struct {
	parser    *Parser
	router    *Router
	sessions  SessionStore
	publisher Publisher
	logger    *zap.Logger
}

// NewProcessor builds Processor. publisher may be nil.
func NewProcessor(parser *Parser, router *Router, sessions SessionStore, publisher Publisher, logger *zap.Logger) *Processor {
	return &Processor{
		parser:    parser,
		router:    router,
		sessions:  sessions,
		publisher: publisher,
		logger:    logger,
	}
}

// Process handles one request payload and returns the response payload.
func (p *Processor) Process(ctx context.Context, origin Origin, raw []byte) ([]byte, error) {
	msg, err := p.parser.Parse(raw)
	if err != nil {
		p.logger.Warn("undecodable request", zap.String("conn_id", origin.ConnID), zap.Error(err))
		return Encode(BuildFailure("", "", protocol.ResponseFailed))
	}

	route, ok := p.router.Lookup(msg.Type)
	if !ok {
		p.logger.Warn("unsupported request", zap.String("conn_id", origin.ConnID), zap.String("type", msg.Type))
		return Encode(BuildFailure(msg.SessionID, msg.Type, protocol.ResponseFailedSequenceError))
	}

	var (
		rec     *session.ChargingSession
		release func()
	)
	opening := msg.Type == protocol.TypeSessionSetupReq
	if opening {
		rec, release, err = p.sessions.Open(origin.ConnID)
	} else {
		rec, release, err = p.sessions.Acquire(msg.SessionID, origin.ConnID)
	}
	if err != nil {
		code := protocol.ResponseFailed
		switch {
		case errors.Is(err, ErrSessionBound):
			code = protocol.ResponseFailedSequenceError
		case errors.Is(err, ErrUnknownSession):
			code = protocol.ResponseFailedUnknownSession
		}
		p.reject(ctx, origin, msg, "", code, err)
		return Encode(BuildFailure(msg.SessionID, msg.Type, code))
	}
	defer release()

	if !rec.CanAdvance(route.Target) {
		err := fmt.Errorf("%w: %s in phase %s", session.ErrInvalidTransition, msg.Type, rec.Phase())
		p.reject(ctx, origin, msg, rec.ID, protocol.ResponseFailedSequenceError, err)
		return Encode(BuildFailure(rec.ID, msg.Type, protocol.ResponseFailedSequenceError))
	}

	body, err := route.Handler(ctx, &Request{Origin: origin, Message: msg, Session: rec})
	if err != nil {
		code := protocol.ResponseFailed
		var failure *Failure
		if errors.As(err, &failure) {
			code = failure.Code
		}
		p.reject(ctx, origin, msg, rec.ID, code, err)
		sessionID := rec.ID
		if opening {
			p.sessions.Discard(rec.ID)
			sessionID = ""
		}
		return Encode(BuildFailure(sessionID, msg.Type, code))
	}

	responseID := rec.ID
	if p.advances(body) {
		if err := rec.Advance(route.Target); err != nil {
			return nil, Local("advance session", err)
		}
		kind := events.TypePhaseChanged
		if msg.Type == protocol.TypeSessionSetupReq {
			kind = events.TypeSessionOpened
		}
		p.publish(ctx, origin, rec, kind, msg.Type)
	} else if opening {
		p.sessions.Discard(rec.ID)
		responseID = ""
	}

	responseType, _ := protocol.ResponseType(msg.Type)
	resp, err := BuildMessage(responseID, responseType, body)
	if err != nil {
		p.logger.Error("encode v2g response failed", zap.String("type", responseType), zap.Error(err))
		return nil, Local("encode response", err)
	}
	return Encode(resp)
}

func (p *Processor) advances(body interface{}) bool {
	if coded, ok := body.(protocol.Coded); ok && !protocol.IsOK(coded.Code()) {
		return false
	}
	if waiting, ok := body.(pending); ok && waiting.Pending() {
		return false
	}
	return true
}

func (p *Processor) reject(ctx context.Context, origin Origin, msg *protocol.Message, sessionID, code string, err error) {
	p.logger.Info("request rejected",
		zap.String("conn_id", origin.ConnID),
		zap.String("session_id", sessionID),
		zap.String("type", msg.Type),
		zap.String("code", code),
		zap.Error(err),
	)
	if p.publisher == nil || sessionID == "" {
		return
	}
	p.publisher.Publish(ctx, events.Event{
		Type:      events.TypeRequestFailed,
		SessionID: sessionID,
		Secure:    origin.Secure,
		Remote:    origin.Remote,
		Detail:    msg.Type + ": " + code,
	})
}

func (p *Processor) publish(ctx context.Context, origin Origin, rec *session.ChargingSession, kind events.Type, detail string) {
	if p.publisher == nil {
		return
	}
	p.publisher.Publish(ctx, events.Event{
		Type:      kind,
		SessionID: rec.ID,
		EVSEID:    rec.EVSEID,
		EVCCID:    rec.EVCCID,
		Phase:     rec.Phase().String(),
		Secure:    origin.Secure,
		Remote:    origin.Remote,
		Detail:    detail,
	})
}
