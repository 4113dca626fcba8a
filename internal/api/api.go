// Package api serves the run engine over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/animus-labs/runengine/internal/domain"
	"github.com/animus-labs/runengine/internal/execution/scheduler"
	"github.com/animus-labs/runengine/internal/service/runs"
	store "github.com/animus-labs/runengine/internal/storage/objectstore"
	"github.com/go-chi/chi/v5"
)

const (
	defaultLogLimit = 1000
	maxLogLimit     = 10000
)

type RunService interface {
	Pipelines() []domain.PipelineInfo
	Create(ctx context.Context, projectID, pipelineName, description string) (domain.Run, error)
	Get(ctx context.Context, runID string) (domain.Run, error)
	List(ctx context.Context, projectID string, status domain.RunStatus) ([]domain.Run, error)
	Status(ctx context.Context, runID string) (runs.StatusView, error)
	Log(ctx context.Context, runID string, offset, limit int) ([]domain.LogEntry, error)
	Profile(ctx context.Context, runID string) ([]runs.StepTiming, error)
	RequestStop(ctx context.Context, runID string) (domain.Run, error)
}

type Dispatcher interface {
	Submit(ctx context.Context, runID string) (domain.Run, error)
	Delete(ctx context.Context, runID string) (domain.Run, error)
	Stats() scheduler.Stats
}

// LogArchive is optional; without it the archive route answers 404.
type LogArchive interface {
	Open(ctx context.Context, projectID, runID string) (io.ReadCloser, error)
}

type API struct {
	logger  *slog.Logger
	runs    RunService
	sched   Dispatcher
	archive LogArchive
}

func New(logger *slog.Logger, runService RunService, dispatcher Dispatcher, archive LogArchive) *API {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &API{
		logger:  logger.With("component", "api"),
		runs:    runService,
		sched:   dispatcher,
		archive: archive,
	}
}

func (api *API) Register(r chi.Router) {
	r.Get("/pipelines", api.handleListPipelines)
	r.Get("/engine/stats", api.handleStats)

	r.Route("/projects/{projectID}/runs", func(r chi.Router) {
		r.Get("/", api.handleListRuns)
		r.Post("/", api.handleCreateRun)
	})

	r.Route("/runs/{runID}", func(r chi.Router) {
		r.Get("/", api.handleGetRun)
		r.Delete("/", api.handleDeleteRun)
		r.Get("/log", api.handleGetLog)
		r.Get("/log/archive", api.handleGetArchivedLog)
		r.Get("/profile", api.handleGetProfile)
		r.Post("/submit", api.handleSubmitRun)
		r.Post("/stop", api.handleStopRun)
	})
}

type pipelineList struct {
	Pipelines []domain.PipelineInfo `json:"pipelines"`
}

func (api *API) handleListPipelines(w http.ResponseWriter, r *http.Request) {
	api.writeJSON(w, http.StatusOK, pipelineList{Pipelines: api.runs.Pipelines()})
}

func (api *API) handleStats(w http.ResponseWriter, r *http.Request) {
	api.writeJSON(w, http.StatusOK, api.sched.Stats())
}

type createRunRequest struct {
	Pipeline    string `json:"pipeline"`
	Description string `json:"description"`
	Submit      bool   `json:"submit"`
}

func (api *API) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	projectID := strings.TrimSpace(chi.URLParam(r, "projectID"))
	if projectID == "" {
		api.writeError(w, r, http.StatusBadRequest, "project_id_required")
		return
	}
	var req createRunRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	if strings.TrimSpace(req.Pipeline) == "" {
		api.writeError(w, r, http.StatusBadRequest, "pipeline_required")
		return
	}

	run, err := api.runs.Create(r.Context(), projectID, req.Pipeline, req.Description)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	if req.Submit {
		submitted, err := api.sched.Submit(r.Context(), run.ID)
		if err != nil {
			api.writeServiceError(w, r, err, "run_id", run.ID)
			return
		}
		run = submitted
	}
	w.Header().Set("Location", "/api/v1/runs/"+run.ID)
	api.writeJSON(w, http.StatusCreated, runs.NewStatusView(run))
}

type runList struct {
	Runs []runs.StatusView `json:"runs"`
}

func (api *API) handleListRuns(w http.ResponseWriter, r *http.Request) {
	projectID := strings.TrimSpace(chi.URLParam(r, "projectID"))
	var status domain.RunStatus
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		status = domain.NormalizeRunStatus(raw)
		if status == "" {
			api.writeError(w, r, http.StatusBadRequest, "invalid_status")
			return
		}
	}
	list, err := api.runs.List(r.Context(), projectID, status)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	out := runList{Runs: make([]runs.StatusView, 0, len(list))}
	for _, run := range list {
		out.Runs = append(out.Runs, runs.NewStatusView(run))
	}
	api.writeJSON(w, http.StatusOK, out)
}

func (api *API) handleGetRun(w http.ResponseWriter, r *http.Request) {
	view, err := api.runs.Status(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, view)
}

func (api *API) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	run, err := api.sched.Submit(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusAccepted, runs.NewStatusView(run))
}

func (api *API) handleStopRun(w http.ResponseWriter, r *http.Request) {
	run, err := api.runs.RequestStop(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusAccepted, runs.NewStatusView(run))
}

func (api *API) handleDeleteRun(w http.ResponseWriter, r *http.Request) {
	if _, err := api.sched.Delete(r.Context(), chi.URLParam(r, "runID")); err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type logEntry struct {
	Offset  int    `json:"offset"`
	Time    string `json:"time"`
	Message string `json:"message"`
}

type logPage struct {
	RunID      string     `json:"run_id"`
	Entries    []logEntry `json:"entries"`
	NextOffset int        `json:"next_offset"`
}

func (api *API) handleGetLog(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	offset, err := parseIntQuery(r, "offset", 0)
	if err != nil || offset < 0 {
		api.writeError(w, r, http.StatusBadRequest, "invalid_offset")
		return
	}
	limit, err := parseIntQuery(r, "limit", defaultLogLimit)
	if err != nil || limit < 1 {
		api.writeError(w, r, http.StatusBadRequest, "invalid_limit")
		return
	}
	limit = min(limit, maxLogLimit)

	entries, err := api.runs.Log(r.Context(), runID, offset, limit)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	page := logPage{RunID: runID, Entries: make([]logEntry, 0, len(entries)), NextOffset: offset}
	for _, entry := range entries {
		page.Entries = append(page.Entries, logEntry{
			Offset:  entry.Offset,
			Time:    entry.Time.UTC().Format("2006-01-02T15:04:05.000000Z07:00"),
			Message: entry.Message,
		})
		page.NextOffset = entry.Offset + 1
	}
	api.writeJSON(w, http.StatusOK, page)
}

func (api *API) handleGetArchivedLog(w http.ResponseWriter, r *http.Request) {
	if api.archive == nil {
		api.writeError(w, r, http.StatusNotFound, "archive_disabled")
		return
	}
	run, err := api.runs.Get(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	body, err := api.archive.Open(r.Context(), run.ProjectID, run.ID)
	if err != nil {
		if errors.Is(err, store.ErrObjectNotFound) {
			api.writeError(w, r, http.StatusNotFound, "not_archived")
			return
		}
		api.logger.Error("archive open failed", "run_id", run.ID, "error", err)
		api.writeError(w, r, http.StatusBadGateway, "archive_unavailable")
		return
	}
	defer body.Close()
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		api.logger.Warn("archive stream interrupted", "run_id", run.ID, "error", err)
	}
}

type profile struct {
	RunID string            `json:"run_id"`
	Steps []runs.StepTiming `json:"steps"`
}

func (api *API) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	steps, err := api.runs.Profile(r.Context(), runID)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, profile{RunID: runID, Steps: steps})
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("multiple JSON values")
	}
	return nil
}

func parseIntQuery(r *http.Request, key string, def int) (int, error) {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}
