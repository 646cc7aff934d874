package service

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"v2gcharge/backend/services/v2g-node/internal/session"
	"v2gcharge/backend/services/v2g-node/internal/v2g"
)

type entry struct {
	mu      sync.Mutex
	connID  string
	record  *session.ChargingSession
	removed bool
}

// SessionView is a read-only copy of a session for monitoring.
type SessionView struct {
	ID              string    `json:"sessionId"`
	EVCCID          string    `json:"evccId"`
	EVSEID          string    `json:"evseId"`
	Phase           string    `json:"phase"`
	PaymentOption   string    `json:"paymentOption,omitempty"`
	ChargingIsFree  bool      `json:"chargingIsFree"`
	EMAID           string    `json:"emaid,omitempty"`
	MeterReadingWh  float64   `json:"meterReadingWh"`
	StatusExchanges int       `json:"statusExchanges"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// SessionTable keeps the live SECC sessions. Lookups are concurrent; each
// session is held by at most one request at a time.
type SessionTable struct {
	mu     sync.RWMutex
	byID   map[string]*entry
	byConn map[string]*entry
	evseID string
}

// NewSessionTable returns empty table.
func NewSessionTable(evseID string) *SessionTable {
	return &SessionTable{
		byID:   make(map[string]*entry),
		byConn: make(map[string]*entry),
		evseID: evseID,
	}
}

// Open creates a session bound to connID and returns it locked.
func (t *SessionTable) Open(connID string) (*session.ChargingSession, func(), error) {
	t.mu.Lock()
	if _, ok := t.byConn[connID]; ok {
		t.mu.Unlock()
		return nil, nil, v2g.ErrSessionBound
	}
	id, err := t.newID()
	if err != nil {
		t.mu.Unlock()
		return nil, nil, err
	}
	rec := session.Accepted(id)
	rec.EVSEID = t.evseID
	e := &entry{connID: connID, record: rec}
	e.mu.Lock()
	t.byID[id] = e
	t.byConn[connID] = e
	t.mu.Unlock()
	return rec, e.mu.Unlock, nil
}

// Acquire locks the session sessionID. It must be bound to connID.
func (t *SessionTable) Acquire(sessionID, connID string) (*session.ChargingSession, func(), error) {
	t.mu.RLock()
	e, ok := t.byID[sessionID]
	t.mu.RUnlock()
	if !ok || e.connID != connID {
		return nil, nil, v2g.ErrUnknownSession
	}
	e.mu.Lock()
	if e.removed {
		e.mu.Unlock()
		return nil, nil, v2g.ErrUnknownSession
	}
	return e.record, e.mu.Unlock, nil
}

// Discard unbinds sessionID from the table and closes its record. It is
// meant for a session whose setup failed, while the caller holds the lock
// returned by Open; requests waiting on that lock then see it as unknown.
func (t *SessionTable) Discard(sessionID string) {
	t.mu.Lock()
	e, ok := t.byID[sessionID]
	if ok {
		delete(t.byID, sessionID)
		delete(t.byConn, e.connID)
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	e.removed = true
	e.record.Close()
}

// Remove destroys the session bound to connID, waiting for any request in
// flight. It returns the closed record and the phase it was in, or nil when the
// connection never opened a session.
func (t *SessionTable) Remove(connID string) (*session.ChargingSession, session.Phase) {
	t.mu.Lock()
	e, ok := t.byConn[connID]
	if ok {
		delete(t.byConn, connID)
		delete(t.byID, e.record.ID)
	}
	t.mu.Unlock()
	if !ok {
		return nil, session.PhaseClosed
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.removed = true
	last := e.record.Phase()
	e.record.Close()
	return e.record, last
}

// Len returns the number of live sessions.
func (t *SessionTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byID)
}

// Snapshot copies every live session.
func (t *SessionTable) Snapshot() []SessionView {
	t.mu.RLock()
	entries := make([]*entry, 0, len(t.byID))
	for _, e := range t.byID {
		entries = append(entries, e)
	}
	t.mu.RUnlock()

	views := make([]SessionView, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.removed {
			views = append(views, view(e.record))
		}
		e.mu.Unlock()
	}
	return views
}

func view(rec *session.ChargingSession) SessionView {
	return SessionView{
		ID:              rec.ID,
		EVCCID:          rec.EVCCID,
		EVSEID:          rec.EVSEID,
		Phase:           rec.Phase().String(),
		PaymentOption:   rec.PaymentOption,
		ChargingIsFree:  rec.ChargingIsFree,
		EMAID:           rec.EMAID,
		MeterReadingWh:  rec.MeterReadingWh,
		StatusExchanges: rec.StatusExchanges,
		CreatedAt:       rec.CreatedAt,
		UpdatedAt:       rec.UpdatedAt,
	}
}

func (t *SessionTable) newID() (string, error) {
	for {
		buf := make([]byte, 8)
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		id := hex.EncodeToString(buf)
		if _, taken := t.byID[id]; !taken {
			return id, nil
		}
	}
}
