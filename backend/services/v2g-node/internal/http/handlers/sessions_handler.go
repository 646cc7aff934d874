package handlers

import (
	"net/http"
	"strings"

	"v2gcharge/backend/services/v2g-node/internal/service"
)

// SessionLister exposes the live SECC sessions.
type SessionLister interface {
	Snapshot() []service.SessionView
}

type sessionsBody struct {
	Sessions []service.SessionView `json:"sessions"`
	Count    int                   `json:"count"`
}

// NewSessionsHandler returns GET /api/sessions handler. An id query
// parameter narrows the answer to one session.
func NewSessionsHandler(sessions SessionLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		views := sessions.Snapshot()
		id := strings.TrimSpace(r.URL.Query().Get("id"))
		if id == "" {
			if views == nil {
				views = []service.SessionView{}
			}
			writeJSON(w, http.StatusOK, sessionsBody{Sessions: views, Count: len(views)})
			return
		}
		for _, v := range views {
			if strings.EqualFold(v.ID, id) {
				writeJSON(w, http.StatusOK, v)
				return
			}
		}
		writeError(w, http.StatusNotFound, "session not found")
	}
}
