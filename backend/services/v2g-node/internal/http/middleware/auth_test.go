package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestAuthMiddlewareExposesSubject(t *testing.T) {
	const secret = "monitor-secret"
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "operator-7",
		"exp": time.Now().Add(time.Minute).Unix(),
	}).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	var got string
	var found bool
	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, found = SubjectFromContext(r.Context())
	}), AuthMiddleware(secret))

	req := httptest.NewRequest(http.MethodGet, "/ws/sessions?access_token="+signed, nil)
	req.Header.Set("Upgrade", "websocket")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !found || got != "operator-7" {
		t.Fatalf("subject = %q (%v)", got, found)
	}
	if _, ok := SubjectFromContext(req.Context()); ok {
		t.Fatalf("unauthenticated context must not carry a subject")
	}
}
