package session

import (
	"errors"
	"fmt"
	"time"

	"v2gcharge/backend/services/v2g-node/internal/trust"
)

var (
	ErrInvalidTransition = errors.New("session: invalid phase transition")
	ErrClosed            = errors.New("session: closed")
)

// ChargeParameters holds the values negotiated during charge parameter discovery.
type ChargeParameters struct {
	EnergyTransferMode string
	EAmountWh          float64
	EVMaxVoltage       float64
	EVMaxCurrent       float64
	EVMinCurrent       float64
	EVSENominalVoltage float64
	EVSEMaxCurrent     float64
	SAScheduleTupleID  int
	PMaxW              float64
}

// ChargingSession is the record of one EV-to-EVSE pairing. It is not safe for
// concurrent use; the EV state machine owns it exclusively and the SECC session
// table serializes access per session.
type ChargingSession struct {
	ID     string
	EVCCID string
	EVSEID string

	// Credential is the contract credential: with its key on the EV, the verified
	// chain only on the SECC. Nil after Close.
	Credential *trust.Credential
	EMAID      string

	PaymentOption  string
	ChargingIsFree bool
	GenChallenge   []byte

	Parameters      ChargeParameters
	MeterReadingWh  float64
	StatusExchanges int

	CreatedAt time.Time
	UpdatedAt time.Time

	phase   Phase
	history []Phase
}

// New returns an empty session in PhaseIdle.
func New() *ChargingSession {
	return newAt(PhaseIdle)
}

// Accepted returns a session for a freshly accepted connection, in PhaseConnected.
func Accepted(id string) *ChargingSession {
	s := newAt(PhaseConnected)
	s.ID = id
	return s
}

func newAt(phase Phase) *ChargingSession {
	now := time.Now().UTC()
	return &ChargingSession{
		phase:     phase,
		history:   []Phase{phase},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Phase returns the current phase.
func (s *ChargingSession) Phase() Phase {
	return s.phase
}

// History returns every phase entered so far, in order.
func (s *ChargingSession) History() []Phase {
	out := make([]Phase, len(s.history))
	copy(out, s.history)
	return out
}

// CanAdvance reports whether next is a legal successor of the current phase.
func (s *ChargingSession) CanAdvance(next Phase) bool {
	for _, p := range s.successors() {
		if p == next {
			return true
		}
	}
	return false
}

// Advance moves the session to next. PaymentDetailsProvided is required unless
// charging is free, and only Charging may repeat.
func (s *ChargingSession) Advance(next Phase) error {
	if s.phase == PhaseClosed {
		return ErrClosed
	}
	if next == PhaseClosed {
		s.Close()
		return nil
	}
	if !s.CanAdvance(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.phase, next)
	}
	s.enter(next)
	return nil
}

// Close moves the session to PhaseClosed and drops session-scoped secrets. It
// reports whether this call performed the close.
func (s *ChargingSession) Close() bool {
	if s.phase == PhaseClosed {
		return false
	}
	s.enter(PhaseClosed)
	if s.Credential != nil {
		s.Credential.Release()
		s.Credential = nil
	}
	for i := range s.GenChallenge {
		s.GenChallenge[i] = 0
	}
	s.GenChallenge = nil
	return true
}

func (s *ChargingSession) enter(p Phase) {
	s.phase = p
	s.history = append(s.history, p)
	s.UpdatedAt = time.Now().UTC()
}

func (s *ChargingSession) successors() []Phase {
	switch s.phase {
	case PhaseClosed:
		return nil
	case PhasePaymentSelected:
		if s.ChargingIsFree {
			return []Phase{PhaseAuthorized}
		}
		return []Phase{PhasePaymentDetailsProvided}
	case PhasePowerDelivering, PhaseCharging:
		return []Phase{PhaseCharging, PhaseStopped}
	default:
		return []Phase{s.phase + 1}
	}
}
