package auth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/animus-labs/runengine/internal/platform/requestid"
)

type AuthorizeFunc func(r *http.Request, identity Identity) error

// DenyEvent describes a request the middleware turned away.
type DenyEvent struct {
	Time       time.Time
	Status     int
	Reason     string
	Error      string
	RequestID  string
	Method     string
	Path       string
	Subject    string
	Email      string
	Roles      []string
	RemoteAddr string
	UserAgent  string
}

type AuditFunc func(ctx context.Context, event DenyEvent) error

// Middleware authenticates every request, applies Authorize and stores the
// identity in the request context. Denials are logged and handed to Audit.
type Middleware struct {
	Logger        *slog.Logger
	Authenticator Authenticator
	Authorize     AuthorizeFunc
	Audit         AuditFunc
}

type denial struct {
	status   int
	reason   string
	err      error
	identity Identity
}

// Response codes per denial reason.
var denyCodes = map[string]string{
	"unauthenticated": "unauthorized",
	"invalid_token":   "invalid_token",
	"forbidden":       "forbidden",
}

func (m Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, denied := m.check(r)
		if denied != nil {
			m.reject(w, r, *denied)
			return
		}
		next.ServeHTTP(w, r.WithContext(ContextWithIdentity(r.Context(), identity)))
	})
}

func (m Middleware) check(r *http.Request) (Identity, *denial) {
	if m.Authenticator == nil {
		return Identity{}, &denial{status: http.StatusUnauthorized, reason: "unauthenticated", err: errors.New("no authenticator configured")}
	}
	identity, err := m.Authenticator.Authenticate(r.Context(), r)
	if err != nil {
		reason := "invalid_token"
		if errors.Is(err, ErrUnauthenticated) {
			reason = "unauthenticated"
		}
		return Identity{}, &denial{status: http.StatusUnauthorized, reason: reason, err: err}
	}
	if m.Authorize != nil {
		if err := m.Authorize(r, identity); err != nil {
			return identity, &denial{status: http.StatusForbidden, reason: "forbidden", err: err, identity: identity}
		}
	}
	return identity, nil
}

func (m Middleware) reject(w http.ResponseWriter, r *http.Request, d denial) {
	event := DenyEvent{
		Time:       time.Now().UTC(),
		Status:     d.status,
		Reason:     d.reason,
		Error:      d.err.Error(),
		RequestID:  r.Header.Get(requestid.Header),
		Method:     r.Method,
		Path:       r.URL.Path,
		Subject:    d.identity.Subject,
		Email:      d.identity.Email,
		Roles:      d.identity.Roles,
		RemoteAddr: r.RemoteAddr,
		UserAgent:  r.UserAgent(),
	}

	if m.Logger != nil {
		m.Logger.Warn("auth deny",
			"reason", event.Reason,
			"status", event.Status,
			"request_id", event.RequestID,
			"method", event.Method,
			"path", event.Path,
			"subject", event.Subject,
			"error", event.Error,
		)
	}
	if m.Audit != nil {
		if err := m.Audit(r.Context(), event); err != nil && m.Logger != nil {
			m.Logger.Warn("audit deny failed", "request_id", event.RequestID, "error", err)
		}
	}

	if d.status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="runengine"`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(d.status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":      denyCodes[d.reason],
		"request_id": event.RequestID,
	})
}
