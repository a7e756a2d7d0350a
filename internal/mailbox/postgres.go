package mailbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresMailboxTableName       = "cellphone_mailboxes"
	postgresDeliveryQueueTableName = "cellphone_delivery_queue"
	postgresQueueKey               = "default"
	postgresOperationTimeout       = 5 * time.Second
	postgresQueuePollInterval      = 10 * time.Millisecond
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStateBackend keys each recipient's snapshot by mailbox_key, so
// a single table serves every mailbox.
type PostgresStateBackend struct {
	dsn        string
	tableName  string
	mailboxKey string
	openDB     sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStateBackend(dsn, recipient string) (StateBackend, error) {
	dsn = strings.TrimSpace(dsn)
	recipient = normalizeAgentID(recipient)
	if dsn == "" || recipient == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStateBackend{
		dsn:        dsn,
		tableName:  postgresMailboxTableName,
		mailboxKey: recipient,
		openDB:     sql.Open,
	}, nil
}

// NewPostgresBackendFactory shares one DSN across recipients; each gets
// its own row.
func NewPostgresBackendFactory(dsn string) BackendFactory {
	return func(recipient string) (StateBackend, error) {
		return NewPostgresStateBackend(dsn, recipient)
	}
}

func (b *PostgresStateBackend) Load() (*mailboxSnapshot, error) {
	if b == nil {
		return nil, nil
	}
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT snapshot FROM %s WHERE mailbox_key = $1", postgresQuoteIdentifier(b.tableName))
	var payload string
	err := b.db.QueryRowContext(ctx, query, b.mailboxKey).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snapshot mailboxSnapshot
	if err := json.Unmarshal([]byte(payload), &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (b *PostgresStateBackend) Save(snapshot *mailboxSnapshot) error {
	if b == nil || snapshot == nil {
		return nil
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (mailbox_key, snapshot, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (mailbox_key)
		DO UPDATE SET snapshot = EXCLUDED.snapshot, updated_at = NOW()`, postgresQuoteIdentifier(b.tableName))
	_, err = b.db.ExecContext(ctx, query, b.mailboxKey, string(payload))
	return err
}

func (b *PostgresStateBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *PostgresStateBackend) ensureReady() error {
	if b == nil {
		return ErrInvalidInput
	}
	b.initOnce.Do(func() {
		db, err := b.openDB("postgres", b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				mailbox_key TEXT PRIMARY KEY,
				snapshot TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(b.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			b.initErr = err
			return
		}
		b.db = db
	})
	return b.initErr
}

type postgresQueueCore struct {
	dsn          string
	tableName    string
	queueKey     string
	capacity     int
	pollInterval time.Duration
	openDB       sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func newPostgresQueueCore(dsn, tableName, queueKey string, capacity int) (*postgresQueueCore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" || strings.TrimSpace(tableName) == "" {
		return nil, ErrInvalidInput
	}
	if strings.TrimSpace(queueKey) == "" {
		queueKey = postgresQueueKey
	}
	if capacity <= 0 {
		capacity = 1024
	}
	return &postgresQueueCore{
		dsn:          dsn,
		tableName:    tableName,
		queueKey:     queueKey,
		capacity:     capacity,
		pollInterval: postgresQueuePollInterval,
		openDB:       sql.Open,
	}, nil
}

func (q *postgresQueueCore) ensureReady() error {
	if q == nil {
		return ErrInvalidInput
	}
	q.initOnce.Do(func() {
		db, err := q.openDB("postgres", q.dsn)
		if err != nil {
			q.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		createTableQuery := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id BIGSERIAL PRIMARY KEY,
				queue_key TEXT NOT NULL,
				payload TEXT NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(q.tableName))
		if _, err := db.ExecContext(ctx, createTableQuery); err != nil {
			_ = db.Close()
			q.initErr = err
			return
		}
		indexName := q.tableName + "_queue_key_id_idx"
		createIndexQuery := fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS %s ON %s (queue_key, id)",
			postgresQuoteIdentifier(indexName),
			postgresQuoteIdentifier(q.tableName),
		)
		if _, err := db.ExecContext(ctx, createIndexQuery); err != nil {
			_ = db.Close()
			q.initErr = err
			return
		}
		q.db = db
	})
	return q.initErr
}

func (q *postgresQueueCore) tryEnqueuePayload(payload string) bool {
	if strings.TrimSpace(payload) == "" {
		return false
	}
	if err := q.ensureReady(); err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return false
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	lockKey := postgresQueueLockKey(q.tableName, q.queueKey)
	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", lockKey); err != nil {
		return false
	}
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE queue_key = $1", postgresQuoteIdentifier(q.tableName))
	var depth int
	if err := tx.QueryRowContext(ctx, countQuery, q.queueKey).Scan(&depth); err != nil {
		return false
	}
	if depth >= q.capacity {
		return false
	}
	insertQuery := fmt.Sprintf("INSERT INTO %s (queue_key, payload, created_at) VALUES ($1, $2, NOW())", postgresQuoteIdentifier(q.tableName))
	if _, err := tx.ExecContext(ctx, insertQuery, q.queueKey, payload); err != nil {
		return false
	}
	if err := tx.Commit(); err != nil {
		return false
	}
	committed = true
	return true
}

func (q *postgresQueueCore) enqueuePayload(ctx context.Context, payload string) bool {
	for {
		if q.tryEnqueuePayload(payload) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *postgresQueueCore) dequeuePayload(ctx context.Context) (string, bool) {
	for {
		payload, ok := q.tryDequeuePayload(ctx)
		if ok {
			return payload, true
		}
		select {
		case <-ctx.Done():
			return "", false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *postgresQueueCore) tryDequeuePayload(ctx context.Context) (string, bool) {
	if err := q.ensureReady(); err != nil {
		return "", false
	}
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	query := fmt.Sprintf(`
		SELECT id, payload
		FROM %s
		WHERE queue_key = $1
		ORDER BY id ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`, postgresQuoteIdentifier(q.tableName))
	var id int64
	var payload string
	err = tx.QueryRowContext(ctx, query, q.queueKey).Scan(&id, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false
	}
	if err != nil {
		return "", false
	}
	deleteQuery := fmt.Sprintf("DELETE FROM %s WHERE id = $1", postgresQuoteIdentifier(q.tableName))
	if _, err := tx.ExecContext(ctx, deleteQuery, id); err != nil {
		return "", false
	}
	if err := tx.Commit(); err != nil {
		return "", false
	}
	committed = true
	return payload, true
}

func (q *postgresQueueCore) depth() int {
	if err := q.ensureReady(); err != nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE queue_key = $1", postgresQuoteIdentifier(q.tableName))
	var depth int
	if err := q.db.QueryRowContext(ctx, query, q.queueKey).Scan(&depth); err != nil {
		return 0
	}
	return depth
}

func (q *postgresQueueCore) snapshotPayloads() []string {
	if err := q.ensureReady(); err != nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT payload FROM %s WHERE queue_key = $1 ORDER BY id ASC", postgresQuoteIdentifier(q.tableName))
	rows, err := q.db.QueryContext(ctx, query, q.queueKey)
	if err != nil {
		return nil
	}
	defer rows.Close()

	items := make([]string, 0)
	for rows.Next() {
		var payload string
		if scanErr := rows.Scan(&payload); scanErr != nil {
			continue
		}
		items = append(items, payload)
	}
	return items
}

func (q *postgresQueueCore) close() error {
	if q == nil || q.db == nil {
		return nil
	}
	return q.db.Close()
}

type PostgresDeliveryQueue struct {
	core *postgresQueueCore
}

func NewPostgresDeliveryQueue(dsn string, capacity int) (DeliveryQueue, error) {
	core, err := newPostgresQueueCore(dsn, postgresDeliveryQueueTableName, postgresQueueKey, capacity)
	if err != nil {
		return nil, err
	}
	return &PostgresDeliveryQueue{core: core}, nil
}

func (q *PostgresDeliveryQueue) TryEnqueue(task DeliveryTask) bool {
	if q == nil || q.core == nil || strings.TrimSpace(task.TaskID) == "" {
		return false
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return false
	}
	return q.core.tryEnqueuePayload(string(payload))
}

func (q *PostgresDeliveryQueue) Enqueue(ctx context.Context, task DeliveryTask) bool {
	if q == nil || q.core == nil || strings.TrimSpace(task.TaskID) == "" {
		return false
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return false
	}
	return q.core.enqueuePayload(ctx, string(payload))
}

func (q *PostgresDeliveryQueue) Dequeue(ctx context.Context) (DeliveryTask, bool) {
	if q == nil || q.core == nil {
		return DeliveryTask{}, false
	}
	for {
		payload, ok := q.core.dequeuePayload(ctx)
		if !ok {
			return DeliveryTask{}, false
		}
		var task DeliveryTask
		if err := json.Unmarshal([]byte(payload), &task); err != nil || strings.TrimSpace(task.TaskID) == "" {
			continue
		}
		return task, true
	}
}

func (q *PostgresDeliveryQueue) Depth() int {
	if q == nil || q.core == nil {
		return 0
	}
	return q.core.depth()
}

func (q *PostgresDeliveryQueue) Capacity() int {
	if q == nil || q.core == nil {
		return 0
	}
	return q.core.capacity
}

func (q *PostgresDeliveryQueue) SnapshotTasks() []DeliveryTask {
	if q == nil || q.core == nil {
		return nil
	}
	payloads := q.core.snapshotPayloads()
	items := make([]DeliveryTask, 0, len(payloads))
	for _, payload := range payloads {
		var task DeliveryTask
		if err := json.Unmarshal([]byte(payload), &task); err != nil || strings.TrimSpace(task.TaskID) == "" {
			continue
		}
		items = append(items, task)
	}
	return items
}

func (q *PostgresDeliveryQueue) Close() error {
	if q == nil || q.core == nil {
		return nil
	}
	return q.core.close()
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

func postgresQueueLockKey(tableName, queueKey string) int64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(strings.TrimSpace(tableName)))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(strings.TrimSpace(queueKey)))
	return int64(hasher.Sum64())
}
