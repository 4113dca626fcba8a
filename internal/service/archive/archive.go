// Package archive copies the log of every finished run into object storage.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/animus-labs/runengine/internal/domain"
	store "github.com/animus-labs/runengine/internal/storage/objectstore"
)

const pageSize = 500

// LogReader pages through a run log in append order.
type LogReader interface {
	Log(ctx context.Context, runID string, offset, limit int) ([]domain.LogEntry, error)
}

type Archiver struct {
	logs    LogReader
	bucket  store.Bucket
	logger  *slog.Logger
	timeout time.Duration
}

func New(logs LogReader, bucket store.Bucket, logger *slog.Logger) (*Archiver, error) {
	if logs == nil {
		return nil, errors.New("log reader is required")
	}
	if bucket == nil {
		return nil, errors.New("bucket is required")
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Archiver{
		logs:    logs,
		bucket:  bucket,
		logger:  logger.With("component", "archive"),
		timeout: 30 * time.Second,
	}, nil
}

// ObjectKey is where the log of run is stored.
func ObjectKey(projectID, runID string) string {
	return fmt.Sprintf("%s/%s.log", projectID, runID)
}

// RunFinished uploads the log. Failures are logged; the run outcome is already durable.
func (a *Archiver) RunFinished(ctx context.Context, run domain.Run) {
	if a == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.timeout)
	defer cancel()
	if err := a.Archive(ctx, run); err != nil {
		a.logger.Error("log archive failed", "run_id", run.ID, "error", err)
		return
	}
	a.logger.Debug("log archived", "run_id", run.ID, "key", ObjectKey(run.ProjectID, run.ID))
}

func (a *Archiver) Archive(ctx context.Context, run domain.Run) error {
	if a == nil || a.bucket == nil {
		return errors.New("archiver not initialized")
	}
	var buf bytes.Buffer
	offset := 0
	for {
		entries, err := a.logs.Log(ctx, run.ID, offset, pageSize)
		if err != nil {
			return fmt.Errorf("read log: %w", err)
		}
		for _, entry := range entries {
			buf.WriteString(FormatEntry(entry))
			buf.WriteByte('\n')
		}
		offset += len(entries)
		if len(entries) < pageSize {
			break
		}
	}
	key := ObjectKey(run.ProjectID, run.ID)
	if err := a.bucket.Put(ctx, key, buf.Bytes(), "text/plain; charset=utf-8"); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// Open returns the archived log of a run. It fails with store.ErrObjectNotFound
// when the run has not been archived.
func (a *Archiver) Open(ctx context.Context, projectID, runID string) (io.ReadCloser, error) {
	if a == nil || a.bucket == nil {
		return nil, errors.New("archiver not initialized")
	}
	return a.bucket.Open(ctx, ObjectKey(projectID, runID))
}

func FormatEntry(entry domain.LogEntry) string {
	return entry.Time.UTC().Format(time.RFC3339Nano) + " " + entry.Message
}
