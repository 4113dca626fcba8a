// Package notify delivers run completion events to webhook subscribers.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/animus-labs/runengine/internal/domain"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	SignatureHeader  = "X-Runengine-Signature"
	EventHeader      = "X-Runengine-Event"
	eventRunFinished = "run.finished"
)

type OAuth2Config struct {
	TokenURL     string   `mapstructure:"token_url"`
	ClientID     string   `mapstructure:"client_id"`
	ClientSecret string   `mapstructure:"client_secret"`
	Scopes       []string `mapstructure:"scopes"`
}

func (c OAuth2Config) enabled() bool {
	return strings.TrimSpace(c.TokenURL) != ""
}

type Webhook struct {
	URL string `mapstructure:"url"`
	// Secret signs the body with HMAC-SHA256 when set.
	Secret      string        `mapstructure:"secret"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	OAuth2      OAuth2Config  `mapstructure:"oauth2"`
}

func (w Webhook) Validate() error {
	raw := strings.TrimSpace(w.URL)
	if raw == "" {
		return errors.New("webhook url is required")
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("webhook url %q must be an absolute http(s) url", raw)
	}
	if w.Timeout < 0 {
		return fmt.Errorf("webhook %s: timeout must be >= 0", raw)
	}
	if w.MaxAttempts < 0 {
		return fmt.Errorf("webhook %s: max_attempts must be >= 0", raw)
	}
	if w.OAuth2.enabled() && (strings.TrimSpace(w.OAuth2.ClientID) == "" || strings.TrimSpace(w.OAuth2.ClientSecret) == "") {
		return fmt.Errorf("webhook %s: oauth2 client_id and client_secret are required with token_url", raw)
	}
	return nil
}

// Payload is the JSON body POSTed for every finished run.
type Payload struct {
	Event            string           `json:"event"`
	RunID            string           `json:"run_id"`
	ProjectID        string           `json:"project_id"`
	Pipeline         string           `json:"pipeline"`
	Status           domain.RunStatus `json:"status"`
	Reason           string           `json:"reason,omitempty"`
	CurrentStepIndex int              `json:"current_step_index"`
	CurrentStep      string           `json:"current_step,omitempty"`
	StartedAt        *time.Time       `json:"started_at"`
	EndedAt          *time.Time       `json:"ended_at"`
	ExecutionSeconds float64          `json:"execution_seconds"`
}

func NewPayload(run domain.Run) Payload {
	return Payload{
		Event:            eventRunFinished,
		RunID:            run.ID,
		ProjectID:        run.ProjectID,
		Pipeline:         run.PipelineName,
		Status:           run.Status,
		Reason:           run.Reason,
		CurrentStepIndex: run.CurrentStepIndex,
		CurrentStep:      run.CurrentStep,
		StartedAt:        run.StartedAt,
		EndedAt:          run.EndedAt,
		ExecutionSeconds: run.ExecutionTime().Seconds(),
	}
}

type target struct {
	hook   Webhook
	client *http.Client
}

// Notifier posts in the background so workers never wait on subscribers.
type Notifier struct {
	targets []target
	logger  *slog.Logger
	backoff time.Duration
	wg      sync.WaitGroup
}

func New(hooks []Webhook, logger *slog.Logger) (*Notifier, error) {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	n := &Notifier{logger: logger.With("component", "notify"), backoff: time.Second}
	for _, hook := range hooks {
		if err := hook.Validate(); err != nil {
			return nil, err
		}
		if hook.Timeout == 0 {
			hook.Timeout = 10 * time.Second
		}
		if hook.MaxAttempts == 0 {
			hook.MaxAttempts = 3
		}
		client := &http.Client{Timeout: hook.Timeout}
		if hook.OAuth2.enabled() {
			cc := clientcredentials.Config{
				ClientID:     hook.OAuth2.ClientID,
				ClientSecret: hook.OAuth2.ClientSecret,
				TokenURL:     hook.OAuth2.TokenURL,
				Scopes:       hook.OAuth2.Scopes,
			}
			client = cc.Client(context.Background())
			client.Timeout = hook.Timeout
		}
		n.targets = append(n.targets, target{hook: hook, client: client})
	}
	return n, nil
}

func (n *Notifier) Len() int {
	if n == nil {
		return 0
	}
	return len(n.targets)
}

func (n *Notifier) RunFinished(ctx context.Context, run domain.Run) {
	if n == nil || len(n.targets) == 0 {
		return
	}
	body, err := json.Marshal(NewPayload(run))
	if err != nil {
		n.logger.Error("webhook payload encode failed", "run_id", run.ID, "error", err)
		return
	}
	ctx = context.WithoutCancel(ctx)
	for _, t := range n.targets {
		n.wg.Add(1)
		go func(t target) {
			defer n.wg.Done()
			if err := n.deliver(ctx, t, body); err != nil {
				n.logger.Warn("webhook delivery failed", "run_id", run.ID, "url", t.hook.URL, "error", err)
			}
		}(t)
	}
}

// Wait blocks until pending deliveries finish or ctx ends.
func (n *Notifier) Wait(ctx context.Context) error {
	if n == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *Notifier) deliver(ctx context.Context, t target, body []byte) error {
	var lastErr error
	for attempt := 1; attempt <= t.hook.MaxAttempts; attempt++ {
		retry, err := n.post(ctx, t, body)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry || attempt == t.hook.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(n.backoff * time.Duration(attempt)):
		}
	}
	return lastErr
}

func (n *Notifier) post(ctx context.Context, t target, body []byte) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.hook.URL, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(EventHeader, eventRunFinished)
	if t.hook.Secret != "" {
		req.Header.Set(SignatureHeader, "sha256="+Sign(t.hook.Secret, body))
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return true, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return false, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return true, fmt.Errorf("status %d", resp.StatusCode)
	default:
		return false, fmt.Errorf("status %d", resp.StatusCode)
	}
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
