// Package agentsync runs on an agent host and bridges its mailbox to
// the local filesystem: pulled messages land as JSON files in an inbox
// directory and are acked, queued outgoing files are posted back to the
// service.
package agentsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// Message is the wire shape of one mailbox envelope.
type Message struct {
	ID           uint64          `json:"id"`
	SenderID     string          `json:"senderId"`
	RecipientID  string          `json:"recipientId"`
	Payload      MessagePayload  `json:"payload"`
	Priority     int             `json:"priority"`
	CreatedAt    string          `json:"createdAt,omitempty"`
	AttemptCount int             `json:"attemptCount,omitempty"`
}

type MessagePayload struct {
	Kind string          `json:"kind"`
	Body json.RawMessage `json:"body,omitempty"`
}

// OutgoingMessage is the shape of a file dropped into the send
// directory by the local agent.
type OutgoingMessage struct {
	RecipientID string          `json:"recipientId"`
	Priority    int             `json:"priority"`
	Kind        string          `json:"kind"`
	Body        json.RawMessage `json:"body,omitempty"`
}

type RemoteClient interface {
	Peek(ctx context.Context, agentID string, limit int) ([]Message, error)
	Ack(ctx context.Context, agentID string, id uint64) error
	Send(ctx context.Context, msg OutgoingMessage) (string, error)
}

type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewHTTPClient(baseURL, token string, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

func (c *HTTPClient) Peek(ctx context.Context, agentID string, limit int) ([]Message, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out struct {
		Messages []Message `json:"messages"`
	}
	path := fmt.Sprintf("/v1/mailboxes/%s/messages?%s", url.PathEscape(agentID), q.Encode())
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

func (c *HTTPClient) Ack(ctx context.Context, agentID string, id uint64) error {
	path := fmt.Sprintf("/v1/mailboxes/%s/messages/%d/ack", url.PathEscape(agentID), id)
	return c.doJSON(ctx, http.MethodPost, path, nil, nil)
}

func (c *HTTPClient) Send(ctx context.Context, msg OutgoingMessage) (string, error) {
	var out struct {
		TaskID string `json:"taskId"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/messages", msg, &out); err != nil {
		return "", err
	}
	return out.TaskID, nil
}

func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath string, body any, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("X-Correlation-Id", correlationID())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

type Logger interface {
	Printf(format string, args ...any)
}

type BridgeOptions struct {
	AgentID   string
	InboxDir  string
	SendDir   string
	StateFile string
	PeekLimit int
	Logger    Logger
}

type Bridge struct {
	client    RemoteClient
	agentID   string
	inboxDir  string
	sendDir   string
	stateFile string
	peekLimit int
	logger    Logger
	state     bridgeState
	loaded    bool
}

type bridgeState struct {
	// LastMessageID guards against rewriting an inbox file when an ack
	// was recorded locally but lost server-side.
	LastMessageID uint64 `json:"lastMessageId"`
}

func NewBridge(client RemoteClient, opts BridgeOptions) (*Bridge, error) {
	if client == nil {
		return nil, fmt.Errorf("client is required")
	}
	agentID := strings.TrimSpace(opts.AgentID)
	if agentID == "" {
		return nil, fmt.Errorf("agent id is required")
	}
	inboxDir := strings.TrimSpace(opts.InboxDir)
	if inboxDir == "" {
		return nil, fmt.Errorf("inbox dir is required")
	}
	inboxDir = filepath.Clean(inboxDir)
	sendDir := strings.TrimSpace(opts.SendDir)
	if sendDir == "" {
		sendDir = filepath.Join(filepath.Dir(inboxDir), "send")
	}
	stateFile := strings.TrimSpace(opts.StateFile)
	if stateFile == "" {
		stateFile = filepath.Join(inboxDir, ".cellphone-agent-state.json")
	}
	peekLimit := opts.PeekLimit
	if peekLimit <= 0 {
		peekLimit = 100
	}
	for _, dir := range []string{inboxDir, sendDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return &Bridge{
		client:    client,
		agentID:   agentID,
		inboxDir:  inboxDir,
		sendDir:   sendDir,
		stateFile: stateFile,
		peekLimit: peekLimit,
		logger:    opts.Logger,
	}, nil
}

// SyncOnce pushes queued outgoing files, then pulls and acks pending
// mailbox messages. Each pulled message is durable on local disk before
// the ack goes out.
func (b *Bridge) SyncOnce(ctx context.Context) error {
	if err := b.loadState(); err != nil {
		return err
	}
	if err := b.pushOutgoing(ctx); err != nil {
		return err
	}
	if err := b.pullMessages(ctx); err != nil {
		return err
	}
	return b.saveState()
}

func (b *Bridge) pullMessages(ctx context.Context) error {
	messages, err := b.client.Peek(ctx, b.agentID, b.peekLimit)
	if err != nil {
		return err
	}
	for _, msg := range messages {
		if msg.ID == 0 {
			continue
		}
		if msg.ID > b.state.LastMessageID {
			data, err := json.MarshalIndent(msg, "", "  ")
			if err != nil {
				return err
			}
			localPath := filepath.Join(b.inboxDir, fmt.Sprintf("msg-%d.json", msg.ID))
			if err := writeFileAtomic(localPath, data, 0o644); err != nil {
				return err
			}
		}
		if err := b.client.Ack(ctx, b.agentID, msg.ID); err != nil {
			var httpErr *HTTPError
			// Conflict means another process acked it already.
			if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusConflict {
				continue
			}
			return err
		}
		if msg.ID > b.state.LastMessageID {
			b.state.LastMessageID = msg.ID
		}
		b.logf("received message %d from %s", msg.ID, msg.SenderID)
	}
	return nil
}

func (b *Bridge) pushOutgoing(ctx context.Context) error {
	entries, err := os.ReadDir(b.sendDir)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	sentDir := filepath.Join(b.sendDir, "sent")
	for _, name := range names {
		path := filepath.Join(b.sendDir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		var msg OutgoingMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			b.logf("skipping malformed outgoing file %s: %v", name, err)
			continue
		}
		taskID, err := b.client.Send(ctx, msg)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(sentDir, 0o755); err != nil {
			return err
		}
		if err := os.Rename(path, filepath.Join(sentDir, name)); err != nil {
			return err
		}
		b.logf("sent %s to %s (task %s)", name, msg.RecipientID, taskID)
	}
	return nil
}

func (b *Bridge) loadState() error {
	if b.loaded {
		return nil
	}
	b.loaded = true
	data, err := os.ReadFile(b.stateFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var state bridgeState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	b.state = state
	return nil
}

func (b *Bridge) saveState() error {
	data, err := json.Marshal(b.state)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(b.stateFile), 0o755); err != nil {
		return err
	}
	return writeFileAtomic(b.stateFile, data, 0o644)
}

func (b *Bridge) logf(format string, args ...any) {
	if b.logger == nil {
		return
	}
	b.logger.Printf(format, args...)
}

func correlationID() string {
	return fmt.Sprintf("agent_%d", time.Now().UnixNano())
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
