package mailbox

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/agentworkforce/cellphone/internal/events"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrInvalidState = errors.New("invalid state")
	ErrQueueFull    = errors.New("queue full")
)

// mailboxSnapshot is the unit of persistence: one durable store per
// recipient identifier.
type mailboxSnapshot struct {
	Seq         uint64       `json:"seq"`
	Envelopes   []Envelope   `json:"envelopes"`
	DeadLetters []DeadLetter `json:"deadLetters,omitempty"`
}

// StateBackend persists a single mailbox snapshot. Load returns
// (nil, nil) when no state exists yet.
type StateBackend interface {
	Load() (*mailboxSnapshot, error)
	Save(snapshot *mailboxSnapshot) error
}

type stateBackendCloser interface {
	Close() error
}

// BackendFactory yields the durable store for one recipient. The store
// creates mailboxes lazily on first write, so factories must tolerate
// recipients they have never seen.
type BackendFactory func(recipient string) (StateBackend, error)

type StoreOptions struct {
	// Backends supplies per-recipient persistence. Nil means in-memory only.
	Backends BackendFactory
	// MaxEntries bounds acked envelopes retained per mailbox (default 1000).
	MaxEntries int
	// RetentionAge prunes acked envelopes older than this (default 72h).
	RetentionAge time.Duration
	// Notify, when set, receives store events. Must not block.
	Notify events.Sink
}

type Store struct {
	mu        sync.RWMutex
	mailboxes map[string]*mailboxState

	backends     BackendFactory
	maxEntries   int
	retentionAge time.Duration
	notify       events.Sink
}

// mailboxState serializes all mutation for one recipient. Unrelated
// recipients never contend on each other's lock.
type mailboxState struct {
	mu          sync.Mutex
	recipient   string
	seq         uint64
	envelopes   []Envelope
	deadLetters []DeadLetter
	backend     StateBackend
}

type MailboxStatus struct {
	Recipient              string `json:"recipient"`
	PendingTotal           int    `json:"pendingTotal"`
	AckedTotal             int    `json:"ackedTotal"`
	DeadLetterTotal        int    `json:"deadLetterTotal"`
	OldestPendingAgeSeconds int   `json:"oldestPendingAgeSeconds"`
	NextSeq                uint64 `json:"nextSeq"`
}

func NewStore(opts StoreOptions) *Store {
	maxEntries := opts.MaxEntries
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	retentionAge := opts.RetentionAge
	if retentionAge <= 0 {
		retentionAge = 72 * time.Hour
	}
	return &Store{
		mailboxes:    map[string]*mailboxState{},
		backends:     opts.Backends,
		maxEntries:   maxEntries,
		retentionAge: retentionAge,
		notify:       opts.Notify,
	}
}

func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, box := range s.mailboxes {
		box.mu.Lock()
		if closer, ok := box.backend.(stateBackendCloser); ok && closer != nil {
			_ = closer.Close()
		}
		box.mu.Unlock()
	}
}

// Append assigns the next sequence id for the recipient's mailbox, stamps
// delivery time, and persists. The returned envelope carries the assigned id.
func (s *Store) Append(env Envelope) (Envelope, error) {
	env.RecipientID = normalizeAgentID(env.RecipientID)
	env.SenderID = normalizeAgentID(env.SenderID)
	if env.RecipientID == "" || env.SenderID == "" {
		return Envelope{}, ErrInvalidInput
	}
	env.Priority = clampPriority(env.Priority)

	box, err := s.mailbox(env.RecipientID)
	if err != nil {
		return Envelope{}, err
	}
	box.mu.Lock()
	defer box.mu.Unlock()

	now := events.Now()
	box.seq++
	env.ID = box.seq
	if env.CreatedAt == "" {
		env.CreatedAt = now
	}
	delivered := now
	env.DeliveredAt = &delivered
	if env.AttemptCount <= 0 {
		env.AttemptCount = 1
	}
	box.envelopes = append(box.envelopes, env)
	if err := box.saveLocked(); err != nil {
		box.envelopes = box.envelopes[:len(box.envelopes)-1]
		box.seq--
		return Envelope{}, err
	}
	s.emit(events.Event{
		Type:       events.TypeMessageDelivered,
		Recipient:  env.RecipientID,
		EnvelopeID: env.ID,
		Timestamp:  now,
	})
	return env, nil
}

// Peek returns up to limit unacked envelopes ordered by
// (priority desc, id asc). Ties within a rank go to the earliest-created.
func (s *Store) Peek(recipient string, limit int) ([]Envelope, error) {
	recipient = normalizeAgentID(recipient)
	if recipient == "" {
		return nil, ErrInvalidInput
	}
	if limit <= 0 {
		limit = 100
	}
	box, err := s.mailbox(recipient)
	if err != nil {
		return nil, err
	}
	box.mu.Lock()
	defer box.mu.Unlock()

	pending := make([]Envelope, 0, len(box.envelopes))
	for _, env := range box.envelopes {
		if env.acked() {
			continue
		}
		pending = append(pending, env)
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].Priority != pending[j].Priority {
			return pending[i].Priority > pending[j].Priority
		}
		return pending[i].ID < pending[j].ID
	})
	if len(pending) > limit {
		pending = pending[:limit]
	}
	return append([]Envelope(nil), pending...), nil
}

// Get returns one envelope by sequence id, acked or not.
func (s *Store) Get(recipient string, id uint64) (Envelope, error) {
	recipient = normalizeAgentID(recipient)
	if recipient == "" || id == 0 {
		return Envelope{}, ErrInvalidInput
	}
	box, err := s.mailbox(recipient)
	if err != nil {
		return Envelope{}, err
	}
	box.mu.Lock()
	defer box.mu.Unlock()
	for _, env := range box.envelopes {
		if env.ID == id {
			return env, nil
		}
	}
	return Envelope{}, ErrNotFound
}

// Ack marks an envelope consumed. Acking twice is an ErrInvalidState,
// acking an unknown id an ErrNotFound.
func (s *Store) Ack(recipient string, id uint64) (Envelope, error) {
	recipient = normalizeAgentID(recipient)
	if recipient == "" || id == 0 {
		return Envelope{}, ErrInvalidInput
	}
	box, err := s.mailbox(recipient)
	if err != nil {
		return Envelope{}, err
	}
	box.mu.Lock()
	defer box.mu.Unlock()

	for i, env := range box.envelopes {
		if env.ID != id {
			continue
		}
		if env.acked() {
			return Envelope{}, ErrInvalidState
		}
		now := events.Now()
		env.AckedAt = &now
		box.envelopes[i] = env
		if err := box.saveLocked(); err != nil {
			env.AckedAt = nil
			box.envelopes[i] = env
			return Envelope{}, err
		}
		s.emit(events.Event{
			Type:       events.TypeMessageAcked,
			Recipient:  recipient,
			EnvelopeID: id,
			Timestamp:  now,
		})
		return env, nil
	}
	return Envelope{}, ErrNotFound
}

// Prune removes acked envelopes beyond the retention count or older than
// the retention window. Sequence numbers are never reused afterwards.
// Dead letters are exempt.
func (s *Store) Prune(recipient string) (int, error) {
	recipient = normalizeAgentID(recipient)
	if recipient == "" {
		return 0, ErrInvalidInput
	}
	box, err := s.mailbox(recipient)
	if err != nil {
		return 0, err
	}
	box.mu.Lock()
	defer box.mu.Unlock()

	cutoff := time.Now().UTC().Add(-s.retentionAge)
	kept := make([]Envelope, 0, len(box.envelopes))
	ackedKept := 0
	// Walk newest-first so the count limit keeps the most recent acked entries.
	for i := len(box.envelopes) - 1; i >= 0; i-- {
		env := box.envelopes[i]
		if !env.acked() {
			kept = append(kept, env)
			continue
		}
		if ackedKept >= s.maxEntries {
			continue
		}
		if ts, err := time.Parse(time.RFC3339Nano, *env.AckedAt); err == nil && ts.Before(cutoff) {
			continue
		}
		ackedKept++
		kept = append(kept, env)
	}
	removed := len(box.envelopes) - len(kept)
	if removed == 0 {
		return 0, nil
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].ID < kept[j].ID })
	previous := box.envelopes
	box.envelopes = kept
	if err := box.saveLocked(); err != nil {
		box.envelopes = previous
		return 0, err
	}
	return removed, nil
}

// AddDeadLetter retains an envelope that exhausted delivery. Envelopes
// that never reached Append are assigned a sequence id here so dead
// letters stay addressable.
func (s *Store) AddDeadLetter(env Envelope, attempts int, lastError string) (DeadLetter, error) {
	env.RecipientID = normalizeAgentID(env.RecipientID)
	if env.RecipientID == "" {
		return DeadLetter{}, ErrInvalidInput
	}
	box, err := s.mailbox(env.RecipientID)
	if err != nil {
		return DeadLetter{}, err
	}
	box.mu.Lock()
	defer box.mu.Unlock()

	if env.ID == 0 {
		box.seq++
		env.ID = box.seq
	}
	now := events.Now()
	dead := DeadLetter{
		Envelope:     env,
		FailedAt:     now,
		AttemptCount: attempts,
		LastError:    lastError,
	}
	box.deadLetters = append(box.deadLetters, dead)
	if err := box.saveLocked(); err != nil {
		box.deadLetters = box.deadLetters[:len(box.deadLetters)-1]
		return DeadLetter{}, err
	}
	s.emit(events.Event{
		Type:       events.TypeMessageDeadLettered,
		Recipient:  env.RecipientID,
		EnvelopeID: env.ID,
		Detail:     lastError,
		Timestamp:  now,
	})
	return dead, nil
}

func (s *Store) DeadLetters(recipient string) ([]DeadLetter, error) {
	recipient = normalizeAgentID(recipient)
	if recipient == "" {
		return nil, ErrInvalidInput
	}
	box, err := s.mailbox(recipient)
	if err != nil {
		return nil, err
	}
	box.mu.Lock()
	defer box.mu.Unlock()
	out := append([]DeadLetter(nil), box.deadLetters...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].FailedAt == out[j].FailedAt {
			return out[i].Envelope.ID < out[j].Envelope.ID
		}
		return out[i].FailedAt > out[j].FailedAt
	})
	return out, nil
}

// ReplayDeadLetter moves a dead letter back into the mailbox under its
// original sequence id for one fresh consumption cycle.
func (s *Store) ReplayDeadLetter(recipient string, id uint64) (Envelope, error) {
	recipient = normalizeAgentID(recipient)
	if recipient == "" || id == 0 {
		return Envelope{}, ErrInvalidInput
	}
	box, err := s.mailbox(recipient)
	if err != nil {
		return Envelope{}, err
	}
	box.mu.Lock()
	defer box.mu.Unlock()

	for i, dead := range box.deadLetters {
		if dead.Envelope.ID != id {
			continue
		}
		env := dead.Envelope
		now := events.Now()
		env.DeliveredAt = &now
		env.AckedAt = nil
		env.AttemptCount = dead.AttemptCount + 1
		previousDead := box.deadLetters
		box.deadLetters = append(box.deadLetters[:i:i], box.deadLetters[i+1:]...)
		box.envelopes = append(box.envelopes, env)
		if err := box.saveLocked(); err != nil {
			box.deadLetters = previousDead
			box.envelopes = box.envelopes[:len(box.envelopes)-1]
			return Envelope{}, err
		}
		s.emit(events.Event{
			Type:       events.TypeMessageReplayed,
			Recipient:  recipient,
			EnvelopeID: id,
			Timestamp:  now,
		})
		return env, nil
	}
	return Envelope{}, ErrNotFound
}

func (s *Store) AcknowledgeDeadLetter(recipient string, id uint64) error {
	recipient = normalizeAgentID(recipient)
	if recipient == "" || id == 0 {
		return ErrInvalidInput
	}
	box, err := s.mailbox(recipient)
	if err != nil {
		return err
	}
	box.mu.Lock()
	defer box.mu.Unlock()

	for i, dead := range box.deadLetters {
		if dead.Envelope.ID != id {
			continue
		}
		previous := box.deadLetters
		box.deadLetters = append(box.deadLetters[:i:i], box.deadLetters[i+1:]...)
		if err := box.saveLocked(); err != nil {
			box.deadLetters = previous
			return err
		}
		return nil
	}
	return ErrNotFound
}

func (s *Store) Status(recipient string) (MailboxStatus, error) {
	recipient = normalizeAgentID(recipient)
	if recipient == "" {
		return MailboxStatus{}, ErrInvalidInput
	}
	box, err := s.mailbox(recipient)
	if err != nil {
		return MailboxStatus{}, err
	}
	box.mu.Lock()
	defer box.mu.Unlock()

	status := MailboxStatus{Recipient: recipient, NextSeq: box.seq + 1}
	var oldestPending time.Time
	for _, env := range box.envelopes {
		if env.acked() {
			status.AckedTotal++
			continue
		}
		status.PendingTotal++
		if ts, err := time.Parse(time.RFC3339Nano, env.CreatedAt); err == nil {
			if oldestPending.IsZero() || ts.Before(oldestPending) {
				oldestPending = ts
			}
		}
	}
	status.DeadLetterTotal = len(box.deadLetters)
	if !oldestPending.IsZero() {
		if age := int(time.Since(oldestPending).Seconds()); age > 0 {
			status.OldestPendingAgeSeconds = age
		}
	}
	return status, nil
}

// Recipients lists mailboxes this store has touched since start.
func (s *Store) Recipients() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.mailboxes))
	for recipient := range s.mailboxes {
		out = append(out, recipient)
	}
	sort.Strings(out)
	return out
}

func (s *Store) mailbox(recipient string) (*mailboxState, error) {
	s.mu.RLock()
	box, ok := s.mailboxes[recipient]
	s.mu.RUnlock()
	if ok {
		return box, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if box, ok := s.mailboxes[recipient]; ok {
		return box, nil
	}
	box = &mailboxState{recipient: recipient}
	if s.backends != nil {
		backend, err := s.backends(recipient)
		if err != nil {
			return nil, err
		}
		box.backend = backend
		if backend != nil {
			snapshot, err := backend.Load()
			if err != nil {
				return nil, err
			}
			if snapshot != nil {
				box.seq = snapshot.Seq
				box.envelopes = append([]Envelope(nil), snapshot.Envelopes...)
				box.deadLetters = append([]DeadLetter(nil), snapshot.DeadLetters...)
			}
		}
	}
	s.mailboxes[recipient] = box
	return box, nil
}

func (b *mailboxState) saveLocked() error {
	if b.backend == nil {
		return nil
	}
	snapshot := mailboxSnapshot{
		Seq:         b.seq,
		Envelopes:   append([]Envelope(nil), b.envelopes...),
		DeadLetters: append([]DeadLetter(nil), b.deadLetters...),
	}
	return b.backend.Save(&snapshot)
}

func (s *Store) emit(event events.Event) {
	if s.notify == nil {
		return
	}
	s.notify(event)
}
