package mailbox

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// DeliveryTask is a pending or retrying send. The envelope travels with
// the task because a failed append means the mailbox never stored it.
type DeliveryTask struct {
	TaskID   string   `json:"taskId"`
	Envelope Envelope `json:"envelope"`
	Attempt  int      `json:"attempt"`
	// NextAttemptAt is an RFC3339Nano time before which the task must not
	// be attempted. Empty means immediately eligible. It rides on the task
	// so a retry backoff survives a restart.
	NextAttemptAt string `json:"nextAttemptAt,omitempty"`
}

// DeliveryQueue is the durable FIFO the delivery service drains. Dequeue
// blocks until an item arrives or the context ends.
type DeliveryQueue interface {
	TryEnqueue(task DeliveryTask) bool
	Enqueue(ctx context.Context, task DeliveryTask) bool
	Dequeue(ctx context.Context) (DeliveryTask, bool)
	Depth() int
	Capacity() int
	Close() error
}

type deliveryQueueSnapshotter interface {
	SnapshotTasks() []DeliveryTask
}

type inMemoryDeliveryQueue struct {
	ch chan DeliveryTask
}

func NewInMemoryDeliveryQueue(capacity int) DeliveryQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &inMemoryDeliveryQueue{ch: make(chan DeliveryTask, capacity)}
}

func (q *inMemoryDeliveryQueue) TryEnqueue(task DeliveryTask) bool {
	if q == nil || task.TaskID == "" {
		return false
	}
	select {
	case q.ch <- task:
		return true
	default:
		return false
	}
}

func (q *inMemoryDeliveryQueue) Enqueue(ctx context.Context, task DeliveryTask) bool {
	if q == nil || task.TaskID == "" {
		return false
	}
	select {
	case q.ch <- task:
		return true
	case <-ctx.Done():
		return false
	}
}

func (q *inMemoryDeliveryQueue) Dequeue(ctx context.Context) (DeliveryTask, bool) {
	if q == nil {
		return DeliveryTask{}, false
	}
	select {
	case task := <-q.ch:
		return task, true
	case <-ctx.Done():
		return DeliveryTask{}, false
	}
}

func (q *inMemoryDeliveryQueue) Depth() int {
	if q == nil {
		return 0
	}
	return len(q.ch)
}

func (q *inMemoryDeliveryQueue) Capacity() int {
	if q == nil {
		return 0
	}
	return cap(q.ch)
}

func (q *inMemoryDeliveryQueue) Close() error {
	return nil
}

type fileDeliveryQueue struct {
	path         string
	capacity     int
	pollInterval time.Duration
	mu           sync.Mutex
	items        []DeliveryTask
}

type fileDeliveryQueueState struct {
	Items []DeliveryTask `json:"items"`
}

func NewFileDeliveryQueue(path string, capacity int) (DeliveryQueue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = 1024
	}
	q := &fileDeliveryQueue{
		path:         path,
		capacity:     capacity,
		pollInterval: 10 * time.Millisecond,
		items:        []DeliveryTask{},
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *fileDeliveryQueue) TryEnqueue(task DeliveryTask) bool {
	if strings.TrimSpace(task.TaskID) == "" {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		return false
	}
	q.items = append(q.items, task)
	if err := q.saveLocked(); err != nil {
		q.items = q.items[:len(q.items)-1]
		return false
	}
	return true
}

func (q *fileDeliveryQueue) Enqueue(ctx context.Context, task DeliveryTask) bool {
	for {
		if q.TryEnqueue(task) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *fileDeliveryQueue) Dequeue(ctx context.Context) (DeliveryTask, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items = q.items[1:]
			if err := q.saveLocked(); err != nil {
				q.items = append([]DeliveryTask{item}, q.items...)
				q.mu.Unlock()
				select {
				case <-ctx.Done():
					return DeliveryTask{}, false
				case <-time.After(q.pollInterval):
					continue
				}
			}
			q.mu.Unlock()
			return item, true
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return DeliveryTask{}, false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *fileDeliveryQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *fileDeliveryQueue) Capacity() int {
	return q.capacity
}

func (q *fileDeliveryQueue) SnapshotTasks() []DeliveryTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]DeliveryTask(nil), q.items...)
}

func (q *fileDeliveryQueue) Close() error {
	return nil
}

func (q *fileDeliveryQueue) load() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot fileDeliveryQueueState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	if len(snapshot.Items) > q.capacity {
		q.items = append([]DeliveryTask(nil), snapshot.Items[len(snapshot.Items)-q.capacity:]...)
		return q.saveLocked()
	}
	q.items = append([]DeliveryTask(nil), snapshot.Items...)
	return nil
}

func (q *fileDeliveryQueue) saveLocked() error {
	snapshot := fileDeliveryQueueState{
		Items: append([]DeliveryTask(nil), q.items...),
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}
