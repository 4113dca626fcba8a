// Package auditlog records append-only, integrity-hashed audit events.
package auditlog

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// ActorSystem is the actor recorded for transitions driven by the engine itself.
const ActorSystem = "system"

type Event struct {
	OccurredAt time.Time
	Actor      string
	Action     string
	Resource   Resource
	Origin     Origin
	Payload    map[string]any
}

type Resource struct {
	Type string
	ID   string
}

// Origin describes the HTTP request behind an event, when there was one.
type Origin struct {
	RequestID string
	IP        net.IP
	UserAgent string
}

func (e Event) Validate() error {
	var errs []error
	if e.OccurredAt.IsZero() {
		errs = append(errs, errors.New("occurred_at is required"))
	}
	if strings.TrimSpace(e.Actor) == "" {
		errs = append(errs, errors.New("actor is required"))
	}
	if strings.TrimSpace(e.Action) == "" {
		errs = append(errs, errors.New("action is required"))
	}
	if strings.TrimSpace(e.Resource.Type) == "" || strings.TrimSpace(e.Resource.ID) == "" {
		errs = append(errs, errors.New("resource type and id are required"))
	}
	return errors.Join(errs...)
}

// Transition is a run status change as seen by the audit trail.
type Transition struct {
	RunID     string
	ProjectID string
	Pipeline  string
	From      string
	To        string
	Reason    string
}

// Event builds the "run.<to>" event, e.g. run.queued or run.failed.
func (t Transition) Event(at time.Time, actor string) Event {
	if strings.TrimSpace(actor) == "" {
		actor = ActorSystem
	}
	payload := map[string]any{
		"project_id": t.ProjectID,
		"pipeline":   t.Pipeline,
		"from":       t.From,
		"to":         t.To,
	}
	if t.Reason != "" {
		payload["reason"] = t.Reason
	}
	return Event{
		OccurredAt: at.UTC(),
		Actor:      actor,
		Action:     "run." + t.To,
		Resource:   Resource{Type: "run", ID: t.RunID},
		Payload:    payload,
	}
}

// Seal returns the stored payload and the digest over the whole event.
// The digest covers the canonical JSON of every column, so any later edit of
// a stored row is detectable.
func (e Event) Seal() ([]byte, string, error) {
	payload := e.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, "", fmt.Errorf("marshal payload: %w", err)
	}

	canonical, err := json.Marshal(struct {
		OccurredAt   time.Time       `json:"occurred_at"`
		Actor        string          `json:"actor"`
		Action       string          `json:"action"`
		ResourceType string          `json:"resource_type"`
		ResourceID   string          `json:"resource_id"`
		RequestID    string          `json:"request_id,omitempty"`
		IP           string          `json:"ip,omitempty"`
		UserAgent    string          `json:"user_agent,omitempty"`
		Payload      json.RawMessage `json:"payload"`
	}{
		OccurredAt:   e.OccurredAt.UTC(),
		Actor:        strings.TrimSpace(e.Actor),
		Action:       strings.TrimSpace(e.Action),
		ResourceType: strings.TrimSpace(e.Resource.Type),
		ResourceID:   strings.TrimSpace(e.Resource.ID),
		RequestID:    strings.TrimSpace(e.Origin.RequestID),
		IP:           ipText(e.Origin.IP),
		UserAgent:    strings.TrimSpace(e.Origin.UserAgent),
		Payload:      payloadJSON,
	})
	if err != nil {
		return nil, "", fmt.Errorf("marshal event: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return payloadJSON, hex.EncodeToString(sum[:]), nil
}

type QueryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const insertQuery = `INSERT INTO audit_events
	(occurred_at, actor, action, resource_type, resource_id, request_id, ip, user_agent, payload, integrity_sha256)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	RETURNING event_id`

// Insert writes event into audit_events and returns its id.
func Insert(ctx context.Context, q QueryRower, event Event) (int64, error) {
	if q == nil {
		return 0, errors.New("queryer is required")
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	if err := event.Validate(); err != nil {
		return 0, err
	}
	payloadJSON, digest, err := event.Seal()
	if err != nil {
		return 0, err
	}

	var id int64
	err = q.QueryRowContext(ctx, insertQuery,
		event.OccurredAt.UTC(),
		strings.TrimSpace(event.Actor),
		strings.TrimSpace(event.Action),
		strings.TrimSpace(event.Resource.Type),
		strings.TrimSpace(event.Resource.ID),
		optional(event.Origin.RequestID),
		optional(ipText(event.Origin.IP)),
		optional(event.Origin.UserAgent),
		payloadJSON,
		digest,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert audit event: %w", err)
	}
	return id, nil
}

func ipText(ip net.IP) string {
	if ip == nil {
		return ""
	}
	return ip.String()
}

func optional(value string) sql.NullString {
	value = strings.TrimSpace(value)
	return sql.NullString{String: value, Valid: value != ""}
}
