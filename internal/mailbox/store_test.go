package mailbox

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentworkforce/cellphone/internal/events"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(StoreOptions{Backends: NewMemoryBackendFactory()})
}

func appendMessage(t *testing.T, store *Store, sender, recipient string, priority int) Envelope {
	t.Helper()
	env, err := store.Append(Envelope{
		SenderID:    sender,
		RecipientID: recipient,
		Payload:     Payload{Kind: "task", Body: json.RawMessage(`{"n":1}`)},
		Priority:    priority,
	})
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	return env
}

func TestAppendAssignsSequentialIDs(t *testing.T) {
	store := newTestStore(t)
	first := appendMessage(t, store, "alice", "bob", PriorityNormal)
	second := appendMessage(t, store, "alice", "bob", PriorityNormal)
	if first.ID != 1 || second.ID != 2 {
		t.Fatalf("expected ids 1 and 2, got %d and %d", first.ID, second.ID)
	}
	if first.DeliveredAt == nil || first.AttemptCount != 1 {
		t.Fatalf("expected delivery stamp and attempt count 1, got %+v", first)
	}
}

func TestAppendRejectsMissingIdentifiers(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Append(Envelope{SenderID: "alice"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := store.Append(Envelope{RecipientID: "bob"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestPeekOrdersByPriorityThenSequence(t *testing.T) {
	store := newTestStore(t)
	first := appendMessage(t, store, "alice", "bob", PriorityNormal)
	second := appendMessage(t, store, "carol", "bob", PriorityNormal)
	urgent := appendMessage(t, store, "captain", "bob", PriorityUrgent)

	pending, err := store.Peek("bob", 0)
	if err != nil {
		t.Fatalf("peek failed: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("expected 3 pending, got %d", len(pending))
	}
	if pending[0].ID != urgent.ID {
		t.Fatalf("expected urgent message first, got id %d", pending[0].ID)
	}
	if pending[1].ID != first.ID || pending[2].ID != second.ID {
		t.Fatalf("expected FIFO within rank, got %d then %d", pending[1].ID, pending[2].ID)
	}
}

func TestUrgentTiesKeepSequenceOrder(t *testing.T) {
	store := newTestStore(t)
	a := appendMessage(t, store, "captain", "bob", PriorityUrgent)
	b := appendMessage(t, store, "captain", "bob", PriorityUrgent)
	pending, err := store.Peek("bob", 0)
	if err != nil {
		t.Fatalf("peek failed: %v", err)
	}
	if pending[0].ID != a.ID || pending[1].ID != b.ID {
		t.Fatalf("expected urgent FIFO %d,%d got %d,%d", a.ID, b.ID, pending[0].ID, pending[1].ID)
	}
}

func TestAckIsTerminal(t *testing.T) {
	store := newTestStore(t)
	env := appendMessage(t, store, "alice", "bob", PriorityNormal)

	acked, err := store.Ack("bob", env.ID)
	if err != nil {
		t.Fatalf("ack failed: %v", err)
	}
	if acked.AckedAt == nil {
		t.Fatalf("expected acked timestamp")
	}
	if _, err := store.Ack("bob", env.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on double ack, got %v", err)
	}
	if _, err := store.Ack("bob", 999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown id, got %v", err)
	}

	pending, err := store.Peek("bob", 0)
	if err != nil {
		t.Fatalf("peek failed: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected empty mailbox after ack, got %d", len(pending))
	}
}

func TestMailboxSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(StoreOptions{Backends: NewDirBackendFactory(dir)})
	env := appendMessage(t, store, "alice", "bob", PriorityHigh)
	appendMessage(t, store, "alice", "carol", PriorityNormal)

	reopened := NewStore(StoreOptions{Backends: NewDirBackendFactory(dir)})
	pending, err := reopened.Peek("bob", 0)
	if err != nil {
		t.Fatalf("peek after reopen failed: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != env.ID || pending[0].Priority != PriorityHigh {
		t.Fatalf("unexpected recovered mailbox: %+v", pending)
	}
	next := appendMessage(t, reopened, "alice", "bob", PriorityNormal)
	if next.ID != env.ID+1 {
		t.Fatalf("expected sequence to continue at %d, got %d", env.ID+1, next.ID)
	}
}

func TestPruneKeepsPendingAndSequence(t *testing.T) {
	store := NewStore(StoreOptions{
		Backends:   NewMemoryBackendFactory(),
		MaxEntries: 1,
	})
	first := appendMessage(t, store, "alice", "bob", PriorityNormal)
	second := appendMessage(t, store, "alice", "bob", PriorityNormal)
	pendingEnv := appendMessage(t, store, "alice", "bob", PriorityNormal)
	if _, err := store.Ack("bob", first.ID); err != nil {
		t.Fatalf("ack failed: %v", err)
	}
	if _, err := store.Ack("bob", second.ID); err != nil {
		t.Fatalf("ack failed: %v", err)
	}

	removed, err := store.Prune("bob")
	if err != nil {
		t.Fatalf("prune failed: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if _, err := store.Get("bob", first.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected oldest acked envelope gone, got %v", err)
	}
	if _, err := store.Get("bob", pendingEnv.ID); err != nil {
		t.Fatalf("pending envelope must survive prune: %v", err)
	}
	next := appendMessage(t, store, "alice", "bob", PriorityNormal)
	if next.ID != pendingEnv.ID+1 {
		t.Fatalf("sequence reused after prune: got %d", next.ID)
	}
}

func TestDeadLetterLifecycle(t *testing.T) {
	store := newTestStore(t)
	dead, err := store.AddDeadLetter(Envelope{
		SenderID:    "alice",
		RecipientID: "bob",
		Payload:     Payload{Kind: "task"},
	}, 3, "backend unavailable")
	if err != nil {
		t.Fatalf("add dead letter failed: %v", err)
	}
	if dead.Envelope.ID == 0 || dead.AttemptCount != 3 || dead.LastError != "backend unavailable" {
		t.Fatalf("unexpected dead letter: %+v", dead)
	}

	letters, err := store.DeadLetters("bob")
	if err != nil || len(letters) != 1 {
		t.Fatalf("expected 1 dead letter, got %d (err %v)", len(letters), err)
	}

	replayed, err := store.ReplayDeadLetter("bob", dead.Envelope.ID)
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if replayed.ID != dead.Envelope.ID {
		t.Fatalf("replay must keep envelope id, got %d", replayed.ID)
	}
	if replayed.AttemptCount != dead.AttemptCount+1 {
		t.Fatalf("expected attempt count %d, got %d", dead.AttemptCount+1, replayed.AttemptCount)
	}
	letters, err = store.DeadLetters("bob")
	if err != nil || len(letters) != 0 {
		t.Fatalf("expected dead letters drained after replay, got %d (err %v)", len(letters), err)
	}
	pending, err := store.Peek("bob", 0)
	if err != nil || len(pending) != 1 {
		t.Fatalf("expected replayed envelope pending, got %d (err %v)", len(pending), err)
	}
}

func TestAcknowledgeDeadLetterRemovesIt(t *testing.T) {
	store := newTestStore(t)
	dead, err := store.AddDeadLetter(Envelope{SenderID: "alice", RecipientID: "bob"}, 3, "boom")
	if err != nil {
		t.Fatalf("add dead letter failed: %v", err)
	}
	if err := store.AcknowledgeDeadLetter("bob", dead.Envelope.ID); err != nil {
		t.Fatalf("acknowledge failed: %v", err)
	}
	if err := store.AcknowledgeDeadLetter("bob", dead.Envelope.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second acknowledge, got %v", err)
	}
}

func TestStatusCountsMailbox(t *testing.T) {
	store := newTestStore(t)
	env := appendMessage(t, store, "alice", "bob", PriorityNormal)
	appendMessage(t, store, "alice", "bob", PriorityNormal)
	if _, err := store.Ack("bob", env.ID); err != nil {
		t.Fatalf("ack failed: %v", err)
	}
	if _, err := store.AddDeadLetter(Envelope{SenderID: "x", RecipientID: "bob"}, 3, "boom"); err != nil {
		t.Fatalf("add dead letter failed: %v", err)
	}

	status, err := store.Status("bob")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if status.PendingTotal != 1 || status.AckedTotal != 1 || status.DeadLetterTotal != 1 {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func TestStoreEmitsEvents(t *testing.T) {
	var got []events.Event
	store := NewStore(StoreOptions{
		Backends: NewMemoryBackendFactory(),
		Notify:   func(event events.Event) { got = append(got, event) },
	})
	env := appendMessage(t, store, "alice", "bob", PriorityNormal)
	if _, err := store.Ack("bob", env.ID); err != nil {
		t.Fatalf("ack failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[0].Type != events.TypeMessageDelivered || got[1].Type != events.TypeMessageAcked {
		t.Fatalf("unexpected event types: %s, %s", got[0].Type, got[1].Type)
	}
}

func TestBuildBackendFactoryFromDSN(t *testing.T) {
	dir := t.TempDir()
	factory, err := BuildBackendFactoryFromDSN("file://" + dir)
	if err != nil {
		t.Fatalf("file factory failed: %v", err)
	}
	backend, err := factory("bob")
	if err != nil {
		t.Fatalf("backend build failed: %v", err)
	}
	if err := backend.Save(&mailboxSnapshot{Seq: 7}); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if _, err := backend.Load(); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if _, statErr := os.Stat(filepath.Join(dir, "bob.json")); statErr != nil {
		t.Fatalf("expected per-recipient file: %v", statErr)
	}

	if _, err := BuildBackendFactoryFromDSN("bogus://x"); err == nil {
		t.Fatalf("expected error for unknown scheme")
	}
	if _, err := BuildBackendFactoryFromDSN(""); err != nil {
		t.Fatalf("empty DSN should fall back to memory: %v", err)
	}
}

func TestOldAckedEnvelopesExpire(t *testing.T) {
	store := NewStore(StoreOptions{
		Backends:     NewMemoryBackendFactory(),
		RetentionAge: time.Nanosecond,
	})
	env := appendMessage(t, store, "alice", "bob", PriorityNormal)
	if _, err := store.Ack("bob", env.ID); err != nil {
		t.Fatalf("ack failed: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	removed, err := store.Prune("bob")
	if err != nil {
		t.Fatalf("prune failed: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected expired envelope removed, got %d", removed)
	}
}
