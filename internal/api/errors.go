package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/animus-labs/runengine/internal/domain"
	"github.com/animus-labs/runengine/internal/execution/scheduler"
	"github.com/animus-labs/runengine/internal/platform/requestid"
)

var errorCodes = []struct {
	err    error
	status int
	code   string
}{
	{domain.ErrNotFound, http.StatusNotFound, "not_found"},
	{domain.ErrUnknownPipeline, http.StatusUnprocessableEntity, "unknown_pipeline"},
	{domain.ErrAlreadyQueuedOrRunning, http.StatusConflict, "already_queued_or_running"},
	{domain.ErrInvalidTransition, http.StatusConflict, "invalid_transition"},
	{domain.ErrRunFinished, http.StatusConflict, "run_finished"},
	{domain.ErrRunNotAllowedToStart, http.StatusConflict, "run_not_allowed_to_start"},
	{domain.ErrRunNotSucceeded, http.StatusConflict, "run_not_succeeded"},
	{domain.ErrQueueFull, http.StatusServiceUnavailable, "queue_full"},
	{scheduler.ErrClosed, http.StatusServiceUnavailable, "shutting_down"},
}

// statusFor maps a service error to its HTTP status and error code.
func statusFor(err error) (int, string) {
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.status, c.code
		}
	}
	return http.StatusInternalServerError, "internal_error"
}

func (api *API) writeServiceError(w http.ResponseWriter, r *http.Request, err error, extra ...string) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		api.logger.Error("request failed", "request_id", r.Header.Get(requestid.Header), "path", r.URL.Path, "error", err)
	}
	body := map[string]any{
		"error":      code,
		"request_id": r.Header.Get(requestid.Header),
	}
	if status < http.StatusInternalServerError || status == http.StatusServiceUnavailable {
		body["message"] = err.Error()
	}
	for i := 0; i+1 < len(extra); i += 2 {
		body[extra[i]] = extra[i+1]
	}
	api.writeJSON(w, status, body)
}

func (api *API) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(body)
}

func (api *API) writeError(w http.ResponseWriter, r *http.Request, status int, code string) {
	api.writeJSON(w, status, map[string]any{
		"error":      code,
		"request_id": r.Header.Get(requestid.Header),
	})
}
