// Package responder runs the response loop: it watches an outbox
// directory for artifact files, admits them into the tracker, and drives
// each one through a handler under a bounded worker pool. Crash recovery
// comes from the tracker; the daemon itself keeps no state of its own.
package responder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/cellphone/internal/permits"
	"github.com/agentworkforce/cellphone/internal/retry"
	"github.com/agentworkforce/cellphone/internal/tracker"
)

const (
	DefaultPollInterval = 2 * time.Second
	DefaultStaleAfter   = 5 * time.Minute

	artifactSuffix = ".json"
)

var ErrNoHandler = errors.New("no handler for artifact kind")

// Handler processes one parsed artifact. Returning an error requeues the
// item until its attempt budget runs out.
type Handler func(ctx context.Context, item tracker.ResponseItem, artifact ResponseArtifact) error

type Options struct {
	OutboxDir string
	// ArchiveDir receives successfully handled artifacts. Failed ones go
	// to a failed/ sibling so they stay inspectable.
	ArchiveDir string
	FailedDir  string

	Tracker *tracker.Tracker
	Permits *permits.Manager
	Logger  *zap.Logger
	// Retry paces re-attempts of a failed item: a requeued item is skipped
	// on later passes until its backoff delay has elapsed. The tracker
	// still owns the attempt budget.
	Retry *retry.Policy

	PollInterval time.Duration
	StaleAfter   time.Duration
	// Watch enables filesystem notification between polls. Polling stays
	// on either way; the watcher only shortens latency.
	Watch bool
}

type Daemon struct {
	outboxDir  string
	archiveDir string
	failedDir  string

	tracker *tracker.Tracker
	permits *permits.Manager
	policy  *retry.Policy
	logger  *zap.Logger

	pollInterval time.Duration
	staleAfter   time.Duration
	watch        bool

	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewDaemon(opts Options) (*Daemon, error) {
	outboxDir := strings.TrimSpace(opts.OutboxDir)
	if outboxDir == "" || opts.Tracker == nil {
		return nil, tracker.ErrInvalidInput
	}
	archiveDir := strings.TrimSpace(opts.ArchiveDir)
	if archiveDir == "" {
		archiveDir = filepath.Join(outboxDir, "archive")
	}
	failedDir := strings.TrimSpace(opts.FailedDir)
	if failedDir == "" {
		failedDir = filepath.Join(outboxDir, "failed")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	mgr := opts.Permits
	if mgr == nil {
		mgr = permits.NewManager(permits.DefaultCapacity)
	}
	policy := opts.Retry
	if policy == nil {
		policy = retry.NewPolicy(retry.DefaultMaxAttempts, retry.DefaultBaseDelay, retry.DefaultMaxDelay)
	}
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	staleAfter := opts.StaleAfter
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Daemon{
		outboxDir:    outboxDir,
		archiveDir:   archiveDir,
		failedDir:    failedDir,
		tracker:      opts.Tracker,
		permits:      mgr,
		policy:       policy,
		logger:       logger,
		pollInterval: pollInterval,
		staleAfter:   staleAfter,
		watch:        opts.Watch,
		handlers:     map[string]Handler{},
	}, nil
}

// RegisterHandler binds a handler to an artifact kind. The empty kind is
// the fallback for artifacts that name no kind.
func (d *Daemon) RegisterHandler(kind string, handler Handler) error {
	if handler == nil {
		return tracker.ErrInvalidInput
	}
	kind = strings.TrimSpace(kind)
	d.mu.Lock()
	d.handlers[kind] = handler
	d.mu.Unlock()
	return nil
}

func (d *Daemon) handlerFor(kind string) (Handler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if handler, ok := d.handlers[strings.TrimSpace(kind)]; ok {
		return handler, true
	}
	handler, ok := d.handlers[""]
	return handler, ok
}

// Run blocks until the context ends, alternating reconciliation and
// outbox scans. Each scan is one pass: admit new artifacts, then process
// everything queued.
func (d *Daemon) Run(ctx context.Context) error {
	if err := os.MkdirAll(d.outboxDir, 0o755); err != nil {
		return fmt.Errorf("create outbox dir: %w", err)
	}

	wake := make(chan struct{}, 1)
	if d.watch {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			d.logger.Warn("filesystem watcher unavailable, polling only", zap.Error(err))
		} else {
			defer watcher.Close()
			if err := watcher.Add(d.outboxDir); err != nil {
				d.logger.Warn("cannot watch outbox dir, polling only", zap.Error(err))
			} else {
				go d.forwardWatchEvents(ctx, watcher, wake)
			}
		}
	}

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()
	for {
		if err := d.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Error("response pass failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-wake:
		}
	}
}

func (d *Daemon) forwardWatchEvents(ctx context.Context, watcher *fsnotify.Watcher, wake chan<- struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
				continue
			}
			select {
			case wake <- struct{}{}:
			default:
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			d.logger.Warn("watcher error", zap.Error(err))
		}
	}
}

// RunOnce performs a single reconcile-scan-process pass.
func (d *Daemon) RunOnce(ctx context.Context) error {
	recycled, err := d.tracker.Reconcile(d.staleAfter)
	if err != nil && !errors.Is(err, tracker.ErrInvalidInput) {
		return fmt.Errorf("reconcile: %w", err)
	}
	for _, itemID := range recycled {
		d.logger.Warn("stale attempt recycled", zap.String("item_id", itemID))
	}

	artifacts, err := d.scanOutbox()
	if err != nil {
		return fmt.Errorf("scan outbox: %w", err)
	}
	for itemID := range artifacts {
		if _, err := d.tracker.Admit(itemID); err != nil {
			d.logger.Error("admit failed", zap.String("item_id", itemID), zap.Error(err))
		}
	}

	group, groupCtx := errgroup.WithContext(ctx)
	for _, item := range d.tracker.Items(tracker.StateQueued) {
		path, ok := artifacts[item.ItemID]
		if !ok {
			// Queued but its file is gone. Recovery after a crash that
			// happened mid-archive; nothing left to process.
			continue
		}
		if delay := d.policy.NextDelay(item.ItemID); delay > 0 {
			// Requeued after a failure and still inside its backoff window.
			continue
		}
		item := item
		if err := d.permits.Acquire(groupCtx); err != nil {
			break
		}
		group.Go(func() error {
			defer d.permits.Release()
			d.processItem(groupCtx, item, path)
			return nil
		})
	}
	return group.Wait()
}

// scanOutbox maps item ids to artifact paths. The item id is the file
// name without its .json suffix.
func (d *Daemon) scanOutbox() (map[string]string, error) {
	entries, err := os.ReadDir(d.outboxDir)
	if err != nil {
		return nil, err
	}
	artifacts := map[string]string{}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, artifactSuffix) || strings.HasSuffix(name, ".tmp") {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		itemID := strings.TrimSuffix(name, artifactSuffix)
		if itemID == "" {
			continue
		}
		artifacts[itemID] = filepath.Join(d.outboxDir, name)
	}
	return artifacts, nil
}

// processItem drives one artifact through Begin, handler, Complete.
// Handler panics are contained here so one bad artifact never takes the
// pool down.
func (d *Daemon) processItem(ctx context.Context, item tracker.ResponseItem, path string) {
	claimed, err := d.tracker.Begin(item.ItemID)
	if err != nil {
		// Another worker or a previous pass claimed it first.
		if !errors.Is(err, tracker.ErrInvalidState) {
			d.logger.Error("begin failed", zap.String("item_id", item.ItemID), zap.Error(err))
		}
		return
	}
	logger := d.logger.With(
		zap.String("item_id", claimed.ItemID),
		zap.Int("attempt", claimed.AttemptCount))

	data, err := os.ReadFile(path)
	if err != nil {
		logger.Error("artifact unreadable", zap.Error(err))
		d.fail(claimed.ItemID, err, true, path, logger)
		return
	}
	artifact, err := ParseArtifact(data)
	if err != nil {
		logger.Error("artifact rejected", zap.Error(err))
		d.fail(claimed.ItemID, err, false, path, logger)
		return
	}
	handler, ok := d.handlerFor(artifact.Kind)
	if !ok {
		err := fmt.Errorf("%w: %q", ErrNoHandler, artifact.Kind)
		logger.Error("artifact unroutable", zap.Error(err))
		d.fail(claimed.ItemID, err, false, path, logger)
		return
	}

	if err := d.invoke(ctx, handler, claimed, artifact); err != nil {
		logger.Warn("handler failed", zap.Error(err))
		d.fail(claimed.ItemID, err, true, path, logger)
		return
	}
	if _, err := d.tracker.Complete(claimed.ItemID); err != nil {
		// Lost the race against staleness recycling; the next attempt
		// will redo the work, which handlers must tolerate.
		logger.Warn("completion lost", zap.Error(err))
		return
	}
	d.policy.Reset(claimed.ItemID)
	if err := d.moveArtifact(path, d.archiveDir); err != nil {
		logger.Error("archive failed", zap.Error(err))
		return
	}
	logger.Info("response completed", zap.String("status", artifact.Status))
}

func (d *Daemon) invoke(ctx context.Context, handler Handler, item tracker.ResponseItem, artifact ResponseArtifact) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, item, artifact)
}

// fail records the failure and, once the item is terminal, moves the
// artifact to the failed directory so it stops being rescanned. A
// requeued item gets a backoff window so later passes do not hammer it.
func (d *Daemon) fail(itemID string, cause error, retryable bool, path string, logger *zap.Logger) {
	item, err := d.tracker.Fail(itemID, cause, retryable)
	if err != nil {
		logger.Error("failure not recorded", zap.Error(err))
		return
	}
	if item.State != tracker.StateFailed {
		d.policy.RecordFailure(itemID, cause)
		return
	}
	d.policy.Reset(itemID)
	if err := d.moveArtifact(path, d.failedDir); err != nil {
		logger.Error("failed artifact not moved", zap.Error(err))
	}
}

func (d *Daemon) moveArtifact(path, destDir string) error {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return err
	}
	dest := filepath.Join(destDir, filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	return nil
}
