package handlers

import (
	"net/http"
	"time"
)

type healthBody struct {
	Status         string `json:"status"`
	Role           string `json:"role"`
	EVSEID         string `json:"evseId"`
	Uptime         string `json:"uptime"`
	ActiveSessions int    `json:"activeSessions"`
}

// NewHealthHandler returns the GET /health handler. It reports the number of
// live sessions next to the station identity.
func NewHealthHandler(role, evseID string, sessions SessionLister) http.HandlerFunc {
	started := time.Now()
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, healthBody{
			Status:         "ok",
			Role:           role,
			EVSEID:         evseID,
			Uptime:         time.Since(started).Truncate(time.Second).String(),
			ActiveSessions: len(sessions.Snapshot()),
		})
	}
}
