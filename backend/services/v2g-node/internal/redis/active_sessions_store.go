package redisstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"v2gcharge/backend/services/v2g-node/internal/events"
)

// ActiveSession is the mirror of a live SECC session.
type ActiveSession struct {
	SessionID string    `json:"session_id"`
	EVSEID    string    `json:"evse_id"`
	EVCCID    string    `json:"evcc_id"`
	Phase     string    `json:"phase"`
	Secure    bool      `json:"secure"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store mirrors active sessions into redis. Each session is a string key
// with a TTL; every station also keeps a set of its session ids.
type Store struct {
	client *redis.Client
	ttl    time.Duration
}

// NewStore returns redis-backed store.
func NewStore(client *redis.Client, ttl time.Duration) *Store {
	return &Store{client: client, ttl: ttl}
}

func sessionKey(sessionID string) string { return "v2g:session:" + sessionID }
func stationKey(evseID string) string    { return "v2g:evse:" + evseID + ":sessions" }

// Save writes the session and indexes it under its station.
func (s *Store) Save(ctx context.Context, session ActiveSession) error {
	data, err := json.Marshal(session)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, sessionKey(session.SessionID), data, s.ttl)
		pipe.SAdd(ctx, stationKey(session.EVSEID), session.SessionID)
		if s.ttl > 0 {
			pipe.Expire(ctx, stationKey(session.EVSEID), s.ttl)
		}
		return nil
	})
	return err
}

// Delete drops the session and its index entry.
func (s *Store) Delete(ctx context.Context, evseID, sessionID string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, sessionKey(sessionID))
		pipe.SRem(ctx, stationKey(evseID), sessionID)
		return nil
	})
	return err
}

// Name implements events.Sink.
func (s *Store) Name() string {
	return "redis"
}

// Handle implements events.Sink: phase changes refresh the mirror, closes drop it.
func (s *Store) Handle(ctx context.Context, ev events.Event) error {
	switch ev.Type {
	case events.TypeSessionClosed:
		return s.Delete(ctx, ev.EVSEID, ev.SessionID)
	case events.TypeSessionOpened, events.TypePhaseChanged:
		return s.Save(ctx, ActiveSession{
			SessionID: ev.SessionID,
			EVSEID:    ev.EVSEID,
			EVCCID:    ev.EVCCID,
			Phase:     ev.Phase,
			Secure:    ev.Secure,
			UpdatedAt: ev.At,
		})
	}
	return nil
}
