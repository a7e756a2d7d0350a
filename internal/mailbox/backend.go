package mailbox

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

type JSONFileStateBackend struct {
	Path string
}

func NewJSONFileStateBackend(path string) *JSONFileStateBackend {
	return &JSONFileStateBackend{Path: strings.TrimSpace(path)}
}

func (b *JSONFileStateBackend) Load() (*mailboxSnapshot, error) {
	if b == nil || strings.TrimSpace(b.Path) == "" {
		return nil, nil
	}
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var snapshot mailboxSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (b *JSONFileStateBackend) Save(snapshot *mailboxSnapshot) error {
	if b == nil || strings.TrimSpace(b.Path) == "" || snapshot == nil {
		return nil
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	dir := filepath.Dir(b.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := b.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, b.Path)
}

type InMemoryStateBackend struct {
	mu       sync.Mutex
	snapshot *mailboxSnapshot
}

func NewInMemoryStateBackend() *InMemoryStateBackend {
	return &InMemoryStateBackend{}
}

func (b *InMemoryStateBackend) Load() (*mailboxSnapshot, error) {
	if b == nil {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.snapshot == nil {
		return nil, nil
	}
	return cloneSnapshot(b.snapshot)
}

func (b *InMemoryStateBackend) Save(snapshot *mailboxSnapshot) error {
	if b == nil || snapshot == nil {
		return nil
	}
	clone, err := cloneSnapshot(snapshot)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.snapshot = clone
	b.mu.Unlock()
	return nil
}

func cloneSnapshot(snapshot *mailboxSnapshot) (*mailboxSnapshot, error) {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return nil, err
	}
	var clone mailboxSnapshot
	if err := json.Unmarshal(data, &clone); err != nil {
		return nil, err
	}
	return &clone, nil
}

// mailboxFileName keeps one durable store per recipient under a data dir,
// flattening identifiers that would escape the directory.
func mailboxFileName(recipient string) string {
	replacer := strings.NewReplacer("/", "_", "\\", "_", " ", "_", "..", "_")
	safe := replacer.Replace(strings.TrimSpace(recipient))
	if safe == "" {
		safe = "mailbox"
	}
	return safe + ".json"
}

// NewDirBackendFactory stores each recipient's mailbox as
// <dir>/<recipient>.json.
func NewDirBackendFactory(dir string) BackendFactory {
	dir = strings.TrimSpace(dir)
	return func(recipient string) (StateBackend, error) {
		if dir == "" {
			return nil, ErrInvalidInput
		}
		return NewJSONFileStateBackend(filepath.Join(dir, mailboxFileName(recipient))), nil
	}
}

// NewMemoryBackendFactory gives every recipient its own in-memory snapshot.
func NewMemoryBackendFactory() BackendFactory {
	var mu sync.Mutex
	backends := map[string]*InMemoryStateBackend{}
	return func(recipient string) (StateBackend, error) {
		mu.Lock()
		defer mu.Unlock()
		backend, ok := backends[recipient]
		if !ok {
			backend = NewInMemoryStateBackend()
			backends[recipient] = backend
		}
		return backend, nil
	}
}
