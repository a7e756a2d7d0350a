// Package tracker records the lifecycle of response items so a restart
// never loses track of in-flight work. Every transition is persisted
// before it is visible to callers.
package tracker

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/cellphone/internal/events"
)

type State string

const (
	StateQueued     State = "queued"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateStale      State = "stale"
)

var (
	ErrNotFound     = errors.New("response item not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrInvalidState = errors.New("invalid state transition")
)

const DefaultMaxAttempts = 3

// ResponseItem is one tracked unit of response work. AttemptCount
// increments each time processing begins and never decreases.
type ResponseItem struct {
	ItemID       string `json:"itemId"`
	State        State  `json:"state"`
	AttemptCount int    `json:"attemptCount"`
	LastError    string `json:"lastError,omitempty"`
	AdmittedAt   string `json:"admittedAt,omitempty"`
	StartedAt    string `json:"startedAt,omitempty"`
	CompletedAt  string `json:"completedAt,omitempty"`
}

type trackerSnapshot struct {
	Items []ResponseItem `json:"items"`
}

// StateBackend persists the full tracker snapshot. Load returns
// (nil, nil) when no state exists yet.
type StateBackend interface {
	Load() (*trackerSnapshot, error)
	Save(snapshot *trackerSnapshot) error
}

type Options struct {
	Backend StateBackend
	// MaxAttempts bounds retryable failures before an item goes Failed
	// (default 3).
	MaxAttempts int
	Notify      events.Sink
}

type Tracker struct {
	mu          sync.Mutex
	items       map[string]*ResponseItem
	backend     StateBackend
	maxAttempts int
	notify      events.Sink
}

func New(opts Options) (*Tracker, error) {
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	t := &Tracker{
		items:       map[string]*ResponseItem{},
		backend:     opts.Backend,
		maxAttempts: maxAttempts,
		notify:      opts.Notify,
	}
	if opts.Backend != nil {
		snapshot, err := opts.Backend.Load()
		if err != nil {
			return nil, fmt.Errorf("load tracker state: %w", err)
		}
		if snapshot != nil {
			for i := range snapshot.Items {
				item := snapshot.Items[i]
				t.items[item.ItemID] = &item
			}
		}
	}
	return t, nil
}

// Admit registers an item as Queued. Re-admitting a known item is a
// no-op returning its current state, so rescanning a directory is safe.
func (t *Tracker) Admit(itemID string) (ResponseItem, error) {
	itemID = strings.TrimSpace(itemID)
	if itemID == "" {
		return ResponseItem{}, ErrInvalidInput
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.items[itemID]; ok {
		return *existing, nil
	}
	item := &ResponseItem{
		ItemID:     itemID,
		State:      StateQueued,
		AdmittedAt: events.Now(),
	}
	t.items[itemID] = item
	if err := t.saveLocked(); err != nil {
		delete(t.items, itemID)
		return ResponseItem{}, err
	}
	t.emit(events.TypeResponseQueued, itemID, "")
	return *item, nil
}

// Begin claims an item for processing. Only Queued and Stale items can
// be claimed; a second Begin while Processing fails, which is what keeps
// concurrent workers off the same item.
func (t *Tracker) Begin(itemID string) (ResponseItem, error) {
	itemID = strings.TrimSpace(itemID)
	if itemID == "" {
		return ResponseItem{}, ErrInvalidInput
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	item, ok := t.items[itemID]
	if !ok {
		return ResponseItem{}, ErrNotFound
	}
	if item.State != StateQueued && item.State != StateStale {
		return ResponseItem{}, fmt.Errorf("%w: %s is %s", ErrInvalidState, itemID, item.State)
	}
	previous := *item
	item.State = StateProcessing
	item.AttemptCount++
	item.StartedAt = events.Now()
	if err := t.saveLocked(); err != nil {
		*item = previous
		return ResponseItem{}, err
	}
	t.emit(events.TypeResponseProcessing, itemID, "")
	return *item, nil
}

// Complete moves a Processing item to Completed. Completing an item in
// any other state is an ErrInvalidState; callers that lost a staleness
// race treat it as benign.
func (t *Tracker) Complete(itemID string) (ResponseItem, error) {
	return t.finish(itemID, StateCompleted, "")
}

// Fail records a failed attempt. Retryable failures below the attempt
// budget requeue the item; everything else is terminal.
func (t *Tracker) Fail(itemID string, cause error, retryable bool) (ResponseItem, error) {
	itemID = strings.TrimSpace(itemID)
	if itemID == "" {
		return ResponseItem{}, ErrInvalidInput
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	item, ok := t.items[itemID]
	if !ok {
		return ResponseItem{}, ErrNotFound
	}
	if item.State != StateProcessing {
		return ResponseItem{}, fmt.Errorf("%w: %s is %s", ErrInvalidState, itemID, item.State)
	}
	previous := *item
	if cause != nil {
		item.LastError = cause.Error()
	}
	if retryable && item.AttemptCount < t.maxAttempts {
		item.State = StateQueued
		if err := t.saveLocked(); err != nil {
			*item = previous
			return ResponseItem{}, err
		}
		t.emit(events.TypeResponseQueued, itemID, item.LastError)
		return *item, nil
	}
	item.State = StateFailed
	item.CompletedAt = events.Now()
	if err := t.saveLocked(); err != nil {
		*item = previous
		return ResponseItem{}, err
	}
	t.emit(events.TypeResponseFailed, itemID, item.LastError)
	return *item, nil
}

func (t *Tracker) finish(itemID string, state State, detail string) (ResponseItem, error) {
	itemID = strings.TrimSpace(itemID)
	if itemID == "" {
		return ResponseItem{}, ErrInvalidInput
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	item, ok := t.items[itemID]
	if !ok {
		return ResponseItem{}, ErrNotFound
	}
	if item.State != StateProcessing {
		return ResponseItem{}, fmt.Errorf("%w: %s is %s", ErrInvalidState, itemID, item.State)
	}
	previous := *item
	item.State = state
	item.CompletedAt = events.Now()
	if err := t.saveLocked(); err != nil {
		*item = previous
		return ResponseItem{}, err
	}
	t.emit(events.TypeResponseCompleted, itemID, detail)
	return *item, nil
}

// Reconcile recycles Processing items whose attempt started more than
// staleAfter ago. The Stale hop is persisted before the requeue, so a
// crash between the two steps leaves the item Stale on disk; Begin
// accepts Stale for exactly that reason, and the next Reconcile pass
// requeues any Stale item it finds.
func (t *Tracker) Reconcile(staleAfter time.Duration) ([]string, error) {
	if staleAfter <= 0 {
		return nil, ErrInvalidInput
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := time.Now().UTC().Add(-staleAfter)
	staled := make([]string, 0)
	previous := make(map[string]ResponseItem)
	for id, item := range t.items {
		if item.State != StateProcessing {
			continue
		}
		started, err := time.Parse(time.RFC3339Nano, item.StartedAt)
		if err != nil || !started.Before(cutoff) {
			continue
		}
		previous[id] = *item
		item.State = StateStale
		item.LastError = "attempt went stale"
		staled = append(staled, id)
	}
	if len(staled) > 0 {
		if err := t.saveLocked(); err != nil {
			for id, saved := range previous {
				restored := saved
				t.items[id] = &restored
			}
			return nil, err
		}
		sort.Strings(staled)
		for _, id := range staled {
			t.emit(events.TypeResponseStale, id, "")
		}
	}

	recycled := make([]string, 0)
	for id, item := range t.items {
		if item.State != StateStale {
			continue
		}
		item.State = StateQueued
		recycled = append(recycled, id)
	}
	if len(recycled) == 0 {
		return nil, nil
	}
	if err := t.saveLocked(); err != nil {
		// Leave them Stale; they stay claimable and the next pass
		// requeues them.
		for _, id := range recycled {
			if item, ok := t.items[id]; ok {
				item.State = StateStale
			}
		}
		return nil, err
	}
	sort.Strings(recycled)
	for _, id := range recycled {
		t.emit(events.TypeResponseQueued, id, "recycled after stale attempt")
	}
	return recycled, nil
}

func (t *Tracker) Get(itemID string) (ResponseItem, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	item, ok := t.items[strings.TrimSpace(itemID)]
	if !ok {
		return ResponseItem{}, ErrNotFound
	}
	return *item, nil
}

// Items returns every tracked item, optionally filtered by state,
// ordered by item id.
func (t *Tracker) Items(filter State) []ResponseItem {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]ResponseItem, 0, len(t.items))
	for _, item := range t.items {
		if filter != "" && item.State != filter {
			continue
		}
		out = append(out, *item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ItemID < out[j].ItemID })
	return out
}

// Counts reports how many items sit in each state.
func (t *Tracker) Counts() map[State]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	counts := map[State]int{}
	for _, item := range t.items {
		counts[item.State]++
	}
	return counts
}

func (t *Tracker) saveLocked() error {
	if t.backend == nil {
		return nil
	}
	snapshot := trackerSnapshot{Items: make([]ResponseItem, 0, len(t.items))}
	for _, item := range t.items {
		snapshot.Items = append(snapshot.Items, *item)
	}
	sort.Slice(snapshot.Items, func(i, j int) bool {
		return snapshot.Items[i].ItemID < snapshot.Items[j].ItemID
	})
	return t.backend.Save(&snapshot)
}

func (t *Tracker) emit(eventType, itemID, detail string) {
	if t.notify == nil {
		return
	}
	t.notify(events.Event{
		Type:      eventType,
		ItemID:    itemID,
		Detail:    detail,
		Timestamp: events.Now(),
	})
}
