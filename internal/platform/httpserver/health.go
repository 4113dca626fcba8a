package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// CheckTimeout bounds a single readiness check.
const CheckTimeout = 2 * time.Second

type ReadinessCheck struct {
	Name  string
	Check func(context.Context) error
}

type checkResult struct {
	Name       string `json:"name"`
	Status     string `json:"status"`
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

type healthBody struct {
	Service string        `json:"service"`
	Status  string        `json:"status"`
	Checks  []checkResult `json:"checks,omitempty"`
}

func Healthz(service string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, healthBody{Service: service, Status: "ok"})
	}
}

// ReadyzWithChecks runs every check concurrently and answers 503 if any fails.
func ReadyzWithChecks(service string, checks ...ReadinessCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		results := make([]checkResult, len(checks))
		var wg sync.WaitGroup
		for i, check := range checks {
			wg.Add(1)
			go func() {
				defer wg.Done()
				results[i] = runCheck(r.Context(), check)
			}()
		}
		wg.Wait()

		body := healthBody{Service: service, Status: "ready", Checks: results}
		status := http.StatusOK
		for _, res := range results {
			if res.Status != "ok" {
				body.Status = "not_ready"
				status = http.StatusServiceUnavailable
				break
			}
		}
		writeJSON(w, status, body)
	}
}

func runCheck(ctx context.Context, check ReadinessCheck) checkResult {
	ctx, cancel := context.WithTimeout(ctx, CheckTimeout)
	defer cancel()
	start := time.Now()
	res := checkResult{Name: check.Name, Status: "ok"}
	if err := check.Check(ctx); err != nil {
		res.Status = "fail"
		res.Error = err.Error()
	}
	res.DurationMs = time.Since(start).Milliseconds()
	return res
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
