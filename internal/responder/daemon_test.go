package responder

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/agentworkforce/cellphone/internal/retry"
	"github.com/agentworkforce/cellphone/internal/tracker"
)

func newTestDaemon(t *testing.T, outbox string) (*Daemon, *tracker.Tracker) {
	t.Helper()
	tr, err := tracker.New(tracker.Options{Backend: tracker.NewInMemoryStateBackend()})
	if err != nil {
		t.Fatalf("new tracker failed: %v", err)
	}
	daemon, err := NewDaemon(Options{
		OutboxDir:  outbox,
		Tracker:    tr,
		StaleAfter: time.Minute,
		// Near-zero backoff so multi-pass tests retry immediately.
		Retry: retry.NewPolicy(3, time.Nanosecond, time.Nanosecond),
	})
	if err != nil {
		t.Fatalf("new daemon failed: %v", err)
	}
	return daemon, tr
}

func writeArtifact(t *testing.T, dir, itemID, body string) string {
	t.Helper()
	path := filepath.Join(dir, itemID+".json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write artifact failed: %v", err)
	}
	return path
}

func TestRunOnceCompletesAndArchives(t *testing.T) {
	outbox := t.TempDir()
	daemon, tr := newTestDaemon(t, outbox)

	var mu sync.Mutex
	var handled []string
	if err := daemon.RegisterHandler("report", func(_ context.Context, item tracker.ResponseItem, artifact ResponseArtifact) error {
		mu.Lock()
		handled = append(handled, item.ItemID+":"+artifact.Response)
		mu.Unlock()
		return nil
	}); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	writeArtifact(t, outbox, "item-1", `{"status":"complete","kind":"report","response":"ok"}`)
	if err := daemon.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(handled) != 1 || handled[0] != "item-1:ok" {
		t.Fatalf("unexpected handler calls: %v", handled)
	}
	item, err := tr.Get("item-1")
	if err != nil || item.State != tracker.StateCompleted {
		t.Fatalf("expected completed item, got %+v (err %v)", item, err)
	}
	if _, err := os.Stat(filepath.Join(outbox, "archive", "item-1.json")); err != nil {
		t.Fatalf("expected artifact archived: %v", err)
	}
	if _, err := os.Stat(filepath.Join(outbox, "item-1.json")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("artifact must leave the outbox, stat err %v", err)
	}
}

func TestArchivedArtifactIsNotReadmitted(t *testing.T) {
	outbox := t.TempDir()
	daemon, tr := newTestDaemon(t, outbox)

	var calls int
	var mu sync.Mutex
	if err := daemon.RegisterHandler("", func(context.Context, tracker.ResponseItem, ResponseArtifact) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	}); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	writeArtifact(t, outbox, "item-1", `{"status":"complete"}`)
	if err := daemon.RunOnce(context.Background()); err != nil {
		t.Fatalf("first pass failed: %v", err)
	}
	if err := daemon.RunOnce(context.Background()); err != nil {
		t.Fatalf("second pass failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("expected exactly one handler call, got %d", calls)
	}
	item, err := tr.Get("item-1")
	if err != nil || item.State != tracker.StateCompleted || item.AttemptCount != 1 {
		t.Fatalf("unexpected item after rescans: %+v (err %v)", item, err)
	}
}

func TestHandlerFailureRetriesThenFails(t *testing.T) {
	outbox := t.TempDir()
	daemon, tr := newTestDaemon(t, outbox)

	var calls int
	var mu sync.Mutex
	if err := daemon.RegisterHandler("", func(context.Context, tracker.ResponseItem, ResponseArtifact) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return errors.New("downstream unavailable")
	}); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	writeArtifact(t, outbox, "item-1", `{"status":"complete"}`)
	for pass := 1; pass <= 4; pass++ {
		if err := daemon.RunOnce(context.Background()); err != nil {
			t.Fatalf("pass %d failed: %v", pass, err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if calls != 3 {
		t.Fatalf("expected 3 attempts before terminal failure, got %d", calls)
	}
	item, err := tr.Get("item-1")
	if err != nil || item.State != tracker.StateFailed || item.AttemptCount != 3 {
		t.Fatalf("unexpected terminal item: %+v (err %v)", item, err)
	}
	if item.LastError != "downstream unavailable" {
		t.Fatalf("expected last error recorded, got %q", item.LastError)
	}
	if _, err := os.Stat(filepath.Join(outbox, "failed", "item-1.json")); err != nil {
		t.Fatalf("expected artifact in failed dir: %v", err)
	}
}

func TestFailedItemBacksOffBetweenPasses(t *testing.T) {
	outbox := t.TempDir()
	tr, err := tracker.New(tracker.Options{Backend: tracker.NewInMemoryStateBackend()})
	if err != nil {
		t.Fatalf("new tracker failed: %v", err)
	}
	daemon, err := NewDaemon(Options{
		OutboxDir:  outbox,
		Tracker:    tr,
		StaleAfter: time.Minute,
		Retry:      retry.NewPolicy(3, time.Hour, time.Hour),
	})
	if err != nil {
		t.Fatalf("new daemon failed: %v", err)
	}

	var calls int
	var mu sync.Mutex
	if err := daemon.RegisterHandler("", func(context.Context, tracker.ResponseItem, ResponseArtifact) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return errors.New("downstream unavailable")
	}); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	writeArtifact(t, outbox, "item-1", `{"status":"complete"}`)
	if err := daemon.RunOnce(context.Background()); err != nil {
		t.Fatalf("first pass failed: %v", err)
	}
	if err := daemon.RunOnce(context.Background()); err != nil {
		t.Fatalf("second pass failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("item inside its backoff window must not be retried, got %d calls", calls)
	}
	item, err := tr.Get("item-1")
	if err != nil || item.State != tracker.StateQueued || item.AttemptCount != 1 {
		t.Fatalf("expected item still queued awaiting backoff, got %+v (err %v)", item, err)
	}
}

func TestMalformedArtifactFailsWithoutRetry(t *testing.T) {
	outbox := t.TempDir()
	daemon, tr := newTestDaemon(t, outbox)
	if err := daemon.RegisterHandler("", func(context.Context, tracker.ResponseItem, ResponseArtifact) error {
		t.Errorf("handler must not run for malformed artifacts")
		return nil
	}); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	writeArtifact(t, outbox, "broken", `{"status":"nonsense"}`)
	if err := daemon.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once failed: %v", err)
	}

	item, err := tr.Get("broken")
	if err != nil || item.State != tracker.StateFailed || item.AttemptCount != 1 {
		t.Fatalf("expected immediate failure, got %+v (err %v)", item, err)
	}
	if _, err := os.Stat(filepath.Join(outbox, "failed", "broken.json")); err != nil {
		t.Fatalf("expected artifact in failed dir: %v", err)
	}
}

func TestUnroutableKindFails(t *testing.T) {
	outbox := t.TempDir()
	daemon, tr := newTestDaemon(t, outbox)
	if err := daemon.RegisterHandler("report", func(context.Context, tracker.ResponseItem, ResponseArtifact) error {
		return nil
	}); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	writeArtifact(t, outbox, "item-1", `{"status":"complete","kind":"unknown"}`)
	if err := daemon.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once failed: %v", err)
	}

	item, err := tr.Get("item-1")
	if err != nil || item.State != tracker.StateFailed {
		t.Fatalf("expected failed item, got %+v (err %v)", item, err)
	}
}

func TestFallbackHandlerRoutesUnknownKinds(t *testing.T) {
	outbox := t.TempDir()
	daemon, tr := newTestDaemon(t, outbox)
	var got string
	var mu sync.Mutex
	if err := daemon.RegisterHandler("", func(_ context.Context, _ tracker.ResponseItem, artifact ResponseArtifact) error {
		mu.Lock()
		got = artifact.Kind
		mu.Unlock()
		return nil
	}); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	writeArtifact(t, outbox, "item-1", `{"status":"complete","kind":"mystery"}`)
	if err := daemon.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if got != "mystery" {
		t.Fatalf("fallback handler never saw the artifact, got %q", got)
	}
	item, err := tr.Get("item-1")
	if err != nil || item.State != tracker.StateCompleted {
		t.Fatalf("expected completed item, got %+v (err %v)", item, err)
	}
}

func TestHandlerPanicIsContained(t *testing.T) {
	outbox := t.TempDir()
	daemon, tr := newTestDaemon(t, outbox)
	if err := daemon.RegisterHandler("", func(context.Context, tracker.ResponseItem, ResponseArtifact) error {
		panic("boom")
	}); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	writeArtifact(t, outbox, "item-1", `{"status":"complete"}`)
	if err := daemon.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once failed: %v", err)
	}

	item, err := tr.Get("item-1")
	if err != nil || item.State != tracker.StateQueued {
		t.Fatalf("expected panic to count as a retryable failure, got %+v (err %v)", item, err)
	}
	if item.LastError == "" {
		t.Fatalf("expected panic message recorded")
	}
}

func TestScanIgnoresSubdirsAndTempFiles(t *testing.T) {
	outbox := t.TempDir()
	daemon, tr := newTestDaemon(t, outbox)
	if err := daemon.RegisterHandler("", func(context.Context, tracker.ResponseItem, ResponseArtifact) error {
		return nil
	}); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	if err := os.MkdirAll(filepath.Join(outbox, "archive"), 0o755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	writeArtifact(t, outbox, "item-1", `{"status":"complete"}`)
	if err := os.WriteFile(filepath.Join(outbox, "item-2.json.tmp"), []byte("{}"), 0o644); err != nil {
		t.Fatalf("write tmp failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(outbox, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write txt failed: %v", err)
	}

	if err := daemon.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once failed: %v", err)
	}
	if len(tr.Items("")) != 1 {
		t.Fatalf("expected only the artifact admitted, got %+v", tr.Items(""))
	}
}
