package auditlog

import (
	"net"
	"strings"

	"github.com/animus-labs/runengine/internal/platform/auth"
)

// AuthDeny converts a rejected API request into an "auth.<reason>" event.
func AuthDeny(service string, deny auth.DenyEvent) Event {
	actor := strings.TrimSpace(deny.Subject)
	if actor == "" {
		actor = "anonymous"
	}
	origin := Origin{RequestID: deny.RequestID, UserAgent: deny.UserAgent}
	if host, _, err := net.SplitHostPort(deny.RemoteAddr); err == nil {
		origin.IP = net.ParseIP(host)
	}
	payload := map[string]any{
		"service": service,
		"status":  deny.Status,
	}
	if deny.Error != "" {
		payload["error"] = deny.Error
	}
	if len(deny.Roles) > 0 {
		payload["roles"] = deny.Roles
	}
	return Event{
		OccurredAt: deny.Time,
		Actor:      actor,
		Action:     "auth." + strings.TrimSpace(deny.Reason),
		Resource:   Resource{Type: "http", ID: deny.Method + " " + deny.Path},
		Origin:     origin,
		Payload:    payload,
	}
}
