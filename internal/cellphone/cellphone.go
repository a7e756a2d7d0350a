// Package cellphone delivers envelopes between registered agents. Sends
// flow through a durable delivery queue drained by background workers;
// an envelope that exhausts its attempts lands in the recipient's dead
// letters instead of being dropped.
package cellphone

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentworkforce/cellphone/internal/mailbox"
	"github.com/agentworkforce/cellphone/internal/retry"
)

var (
	ErrUnknownAgent = errors.New("unknown agent")
	ErrAckTimeout   = errors.New("acknowledgement timed out")
	ErrClosed       = errors.New("delivery service closed")
)

const (
	RoleAgent   = "agent"
	RoleCaptain = "captain"

	defaultAckPollInterval = 50 * time.Millisecond
	defaultWorkers         = 2
)

// AgentInfo identifies one registered agent. Role decides priority
// handling: envelopes sent by a captain escalate to the urgent rank.
type AgentInfo struct {
	ID   string `json:"id"`
	Role string `json:"role"`
}

// Registry is the shared roster of agents allowed to send and receive.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]AgentInfo
}

func NewRegistry() *Registry {
	return &Registry{agents: map[string]AgentInfo{}}
}

func (r *Registry) Register(id, role string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return mailbox.ErrInvalidInput
	}
	role = strings.ToLower(strings.TrimSpace(role))
	if role == "" {
		role = RoleAgent
	}
	r.mu.Lock()
	r.agents[id] = AgentInfo{ID: id, Role: role}
	r.mu.Unlock()
	return nil
}

func (r *Registry) Lookup(id string) (AgentInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.agents[strings.TrimSpace(id)]
	return info, ok
}

func (r *Registry) IsCaptain(id string) bool {
	info, ok := r.Lookup(id)
	return ok && info.Role == RoleCaptain
}

func (r *Registry) Agents() []AgentInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]AgentInfo, 0, len(r.agents))
	for _, info := range r.agents {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Mailboxes is the slice of the store the delivery service needs.
type Mailboxes interface {
	Append(env mailbox.Envelope) (mailbox.Envelope, error)
	Get(recipient string, id uint64) (mailbox.Envelope, error)
	AddDeadLetter(env mailbox.Envelope, attempts int, lastError string) (mailbox.DeadLetter, error)
}

type Options struct {
	Store    Mailboxes
	Queue    mailbox.DeliveryQueue
	Registry *Registry
	Retry    *retry.Policy
	Logger   *zap.Logger
	// Workers drains the delivery queue concurrently (default 2).
	Workers int
	// AckPollInterval paces SendAndAwaitAck's polling (default 50ms).
	AckPollInterval time.Duration
}

type CellPhone struct {
	store    Mailboxes
	queue    mailbox.DeliveryQueue
	registry *Registry
	policy   *retry.Policy
	logger   *zap.Logger

	workers         int
	ackPollInterval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

func New(opts Options) (*CellPhone, error) {
	if opts.Store == nil {
		return nil, mailbox.ErrInvalidInput
	}
	policy := opts.Retry
	if policy == nil {
		policy = retry.NewPolicy(retry.DefaultMaxAttempts, retry.DefaultBaseDelay, retry.DefaultMaxDelay)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	ackPoll := opts.AckPollInterval
	if ackPoll <= 0 {
		ackPoll = defaultAckPollInterval
	}
	return &CellPhone{
		store:           opts.Store,
		queue:           opts.Queue,
		registry:        opts.Registry,
		policy:          policy,
		logger:          logger,
		workers:         workers,
		ackPollInterval: ackPoll,
	}, nil
}

// Start launches the queue workers. Without a queue there is nothing to
// drain and Start is a no-op; synchronous sends still work.
func (c *CellPhone) Start(ctx context.Context) {
	if c.queue == nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	for i := 0; i < c.workers; i++ {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.drain(ctx)
		}()
	}
}

func (c *CellPhone) Stop() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

func (c *CellPhone) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Send queues an envelope for asynchronous delivery and returns the task
// id. Delivery, retries, and dead-lettering happen on the workers.
func (c *CellPhone) Send(ctx context.Context, sender, recipient string, payload mailbox.Payload, priority int) (string, error) {
	env, err := c.buildEnvelope(sender, recipient, payload, priority)
	if err != nil {
		return "", err
	}
	if c.isClosed() {
		return "", ErrClosed
	}
	if c.queue == nil {
		_, err := c.deliverWithRetry(ctx, env)
		return "", err
	}
	task := mailbox.DeliveryTask{
		TaskID:   uuid.NewString(),
		Envelope: env,
		Attempt:  0,
	}
	if !c.queue.Enqueue(ctx, task) {
		return "", fmt.Errorf("%w: delivery queue rejected task", mailbox.ErrQueueFull)
	}
	c.logger.Debug("delivery queued",
		zap.String("task_id", task.TaskID),
		zap.String("recipient", env.RecipientID),
		zap.Int("priority", env.Priority))
	return task.TaskID, nil
}

// SendAndAwaitAck delivers synchronously, then polls the recipient's
// mailbox until the envelope is acked or the context ends.
func (c *CellPhone) SendAndAwaitAck(ctx context.Context, sender, recipient string, payload mailbox.Payload, priority int) (mailbox.Envelope, error) {
	env, err := c.buildEnvelope(sender, recipient, payload, priority)
	if err != nil {
		return mailbox.Envelope{}, err
	}
	delivered, err := c.deliverWithRetry(ctx, env)
	if err != nil {
		return mailbox.Envelope{}, err
	}
	ticker := time.NewTicker(c.ackPollInterval)
	defer ticker.Stop()
	for {
		current, err := c.store.Get(delivered.RecipientID, delivered.ID)
		if err == nil && current.AckedAt != nil {
			return current, nil
		}
		select {
		case <-ctx.Done():
			return delivered, fmt.Errorf("%w: envelope %d to %s", ErrAckTimeout, delivered.ID, delivered.RecipientID)
		case <-ticker.C:
		}
	}
}

// BroadcastResult reports one recipient's outcome. A failed recipient is
// dead-lettered; the broadcast continues to the rest.
type BroadcastResult struct {
	Recipient  string `json:"recipient"`
	EnvelopeID uint64 `json:"envelopeId,omitempty"`
	Error      string `json:"error,omitempty"`
}

func (c *CellPhone) Broadcast(ctx context.Context, sender string, recipients []string, payload mailbox.Payload, priority int) ([]BroadcastResult, error) {
	if len(recipients) == 0 {
		return nil, mailbox.ErrInvalidInput
	}
	results := make([]BroadcastResult, 0, len(recipients))
	for _, recipient := range recipients {
		env, err := c.buildEnvelope(sender, recipient, payload, priority)
		if err != nil {
			results = append(results, BroadcastResult{Recipient: strings.TrimSpace(recipient), Error: err.Error()})
			continue
		}
		delivered, err := c.deliverWithRetry(ctx, env)
		if err != nil {
			results = append(results, BroadcastResult{Recipient: env.RecipientID, Error: err.Error()})
			continue
		}
		results = append(results, BroadcastResult{Recipient: env.RecipientID, EnvelopeID: delivered.ID})
	}
	return results, nil
}

func (c *CellPhone) buildEnvelope(sender, recipient string, payload mailbox.Payload, priority int) (mailbox.Envelope, error) {
	sender = strings.TrimSpace(sender)
	recipient = strings.TrimSpace(recipient)
	if sender == "" || recipient == "" {
		return mailbox.Envelope{}, mailbox.ErrInvalidInput
	}
	if c.registry != nil {
		if _, ok := c.registry.Lookup(sender); !ok {
			return mailbox.Envelope{}, fmt.Errorf("%w: sender %q", ErrUnknownAgent, sender)
		}
		if _, ok := c.registry.Lookup(recipient); !ok {
			return mailbox.Envelope{}, fmt.Errorf("%w: recipient %q", ErrUnknownAgent, recipient)
		}
		// Captain traffic jumps to the urgent rank. Ordering inside the
		// rank is still sequence order, so earlier urgent messages keep
		// their place.
		if c.registry.IsCaptain(sender) {
			priority = mailbox.PriorityUrgent
		}
	}
	return mailbox.Envelope{
		SenderID:    sender,
		RecipientID: recipient,
		Payload:     payload,
		Priority:    priority,
	}, nil
}

// deliverWithRetry appends the envelope, retrying with backoff up to the
// policy's attempt budget and dead-lettering on exhaustion.
func (c *CellPhone) deliverWithRetry(ctx context.Context, env mailbox.Envelope) (mailbox.Envelope, error) {
	key := uuid.NewString()
	defer c.policy.Reset(key)
	for {
		env.AttemptCount = c.policy.Attempts(key) + 1
		delivered, err := c.store.Append(env)
		if err == nil {
			return delivered, nil
		}
		if !c.policy.RecordFailure(key, err) {
			return mailbox.Envelope{}, c.deadLetter(env, c.policy.Attempts(key), err)
		}
		c.logger.Warn("delivery attempt failed",
			zap.String("recipient", env.RecipientID),
			zap.Int("attempt", c.policy.Attempts(key)),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return mailbox.Envelope{}, ctx.Err()
		case <-time.After(c.policy.NextDelay(key)):
		}
	}
}

func (c *CellPhone) drain(ctx context.Context) {
	for {
		task, ok := c.queue.Dequeue(ctx)
		if !ok {
			return
		}
		c.process(ctx, task)
	}
}

// requeueThrottle paces a worker that keeps drawing a task whose
// next-attempt time has not arrived yet, so a lone waiting task does
// not spin the queue.
const requeueThrottle = 20 * time.Millisecond

// process makes one delivery attempt for a queued task. A failed task
// goes straight back on the queue with its next-attempt time, so a
// pending retry survives Stop and a process restart; exhausted tasks
// are dead-lettered. The attempt budget travels on the task itself.
func (c *CellPhone) process(ctx context.Context, task mailbox.DeliveryTask) {
	if wait := timeUntilNextAttempt(task.NextAttemptAt); wait > 0 {
		if !c.queue.TryEnqueue(task) {
			c.policy.Reset(task.TaskID)
			_ = c.deadLetter(task.Envelope, task.Attempt, errors.New("delivery queue full while awaiting retry"))
			return
		}
		throttle := requeueThrottle
		if wait < throttle {
			throttle = wait
		}
		select {
		case <-ctx.Done():
		case <-time.After(throttle):
		}
		return
	}
	env := task.Envelope
	attempt := task.Attempt + 1
	env.AttemptCount = attempt
	delivered, err := c.store.Append(env)
	if err == nil {
		c.policy.Reset(task.TaskID)
		c.logger.Debug("delivered",
			zap.String("task_id", task.TaskID),
			zap.String("recipient", delivered.RecipientID),
			zap.Uint64("envelope_id", delivered.ID),
			zap.Int("attempt", attempt))
		return
	}
	c.policy.RecordFailure(task.TaskID, err)
	if attempt >= c.policy.MaxAttempts {
		c.policy.Reset(task.TaskID)
		if dlErr := c.deadLetter(env, attempt, err); dlErr != nil {
			c.logger.Error("dead letter failed",
				zap.String("task_id", task.TaskID),
				zap.String("recipient", env.RecipientID),
				zap.Error(dlErr))
		}
		return
	}
	delay := c.policy.NextDelay(task.TaskID)
	c.logger.Warn("delivery attempt failed, requeueing",
		zap.String("task_id", task.TaskID),
		zap.String("recipient", env.RecipientID),
		zap.Int("attempt", attempt),
		zap.Duration("retry_in", delay),
		zap.Error(err))
	retryTask := mailbox.DeliveryTask{
		TaskID:        task.TaskID,
		Envelope:      task.Envelope,
		Attempt:       attempt,
		NextAttemptAt: time.Now().UTC().Add(delay).Format(time.RFC3339Nano),
	}
	if !c.queue.TryEnqueue(retryTask) {
		c.policy.Reset(task.TaskID)
		_ = c.deadLetter(retryTask.Envelope, attempt, errors.New("delivery queue full on retry"))
	}
}

func timeUntilNextAttempt(raw string) time.Duration {
	if raw == "" {
		return 0
	}
	at, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return 0
	}
	return time.Until(at)
}

func (c *CellPhone) deadLetter(env mailbox.Envelope, attempts int, cause error) error {
	lastError := ""
	if cause != nil {
		lastError = cause.Error()
	}
	if _, err := c.store.AddDeadLetter(env, attempts, lastError); err != nil {
		return err
	}
	c.logger.Error("delivery exhausted, envelope dead-lettered",
		zap.String("recipient", env.RecipientID),
		zap.Int("attempts", attempts),
		zap.String("last_error", lastError))
	if cause != nil {
		return fmt.Errorf("delivery exhausted after %d attempts: %w", attempts, cause)
	}
	return fmt.Errorf("delivery exhausted after %d attempts", attempts)
}
