package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/animus-labs/runengine/internal/domain"
	store "github.com/animus-labs/runengine/internal/storage/objectstore"
)

type fakeLogs struct {
	entries []domain.LogEntry
	err     error
	calls   int
}

func (f *fakeLogs) Log(ctx context.Context, runID string, offset, limit int) ([]domain.LogEntry, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if offset >= len(f.entries) {
		return nil, nil
	}
	end := offset + limit
	if end > len(f.entries) {
		end = len(f.entries)
	}
	return f.entries[offset:end], nil
}

type memObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	putErr  error
}

func newMemObjects() *memObjects {
	return &memObjects{objects: map[string][]byte{}, types: map[string]string{}}
}

func (m *memObjects) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if m.putErr != nil {
		return m.putErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = append([]byte(nil), data...)
	m.types[key] = contentType
	return nil
}

func (m *memObjects) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, store.ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func TestNewValidates(t *testing.T) {
	if _, err := New(nil, newMemObjects(), nil); err == nil {
		t.Fatalf("expected error without log reader")
	}
	if _, err := New(&fakeLogs{}, nil, nil); err == nil {
		t.Fatalf("expected error without bucket")
	}
}

func TestRunFinishedUploadsWholeLog(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	logs := &fakeLogs{}
	for i := 0; i < pageSize+3; i++ {
		logs.entries = append(logs.entries, domain.LogEntry{Offset: i, Time: base.Add(time.Duration(i) * time.Second), Message: fmt.Sprintf("line %d", i)})
	}
	objects := newMemObjects()
	a, err := New(logs, objects, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	run := domain.Run{ID: "run-1", ProjectID: "proj-1", Status: domain.RunStatusSucceeded}
	a.RunFinished(context.Background(), run)

	if logs.calls != 2 {
		t.Fatalf("expected 2 log pages, got %d", logs.calls)
	}
	data, ok := objects.objects["proj-1/run-1.log"]
	if !ok {
		t.Fatalf("archive not written, have %v", objects.objects)
	}
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	if len(lines) != pageSize+3 {
		t.Fatalf("expected %d lines, got %d", pageSize+3, len(lines))
	}
	if lines[0] != "2026-03-01T10:00:00Z line 0" {
		t.Fatalf("unexpected first line %q", lines[0])
	}
	if !strings.HasPrefix(objects.types["proj-1/run-1.log"], "text/plain") {
		t.Fatalf("unexpected content type %q", objects.types["proj-1/run-1.log"])
	}

	body, err := a.Open(context.Background(), "proj-1", "run-1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer body.Close()
	got, _ := io.ReadAll(body)
	if !bytes.Equal(got, data) {
		t.Fatalf("Open returned different content")
	}
}

func TestArchiveErrors(t *testing.T) {
	objects := newMemObjects()
	a, _ := New(&fakeLogs{err: domain.ErrNotFound}, objects, nil)
	if err := a.Archive(context.Background(), domain.Run{ID: "x", ProjectID: "p"}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err=%v, want ErrNotFound", err)
	}

	objects.putErr = errors.New("bucket gone")
	a, _ = New(&fakeLogs{}, objects, nil)
	if err := a.Archive(context.Background(), domain.Run{ID: "x", ProjectID: "p"}); err == nil {
		t.Fatalf("expected put error")
	}
	// RunFinished only logs.
	a.RunFinished(context.Background(), domain.Run{ID: "x", ProjectID: "p"})

	if _, err := a.Open(context.Background(), "p", "missing"); !errors.Is(err, store.ErrObjectNotFound) {
		t.Fatalf("err=%v, want ErrObjectNotFound", err)
	}
}
