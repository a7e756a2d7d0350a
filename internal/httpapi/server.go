// Package httpapi exposes the mailbox store, delivery service, and
// response tracker over REST plus a websocket event stream.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/cellphone/internal/cellphone"
	"github.com/agentworkforce/cellphone/internal/mailbox"
	"github.com/agentworkforce/cellphone/internal/permits"
	"github.com/agentworkforce/cellphone/internal/tracker"
)

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
}

type Server struct {
	store       *mailbox.Store
	phone       *cellphone.CellPhone
	registry    *cellphone.Registry
	tracker     *tracker.Tracker
	queue       mailbox.DeliveryQueue
	permits     *permits.Manager
	hub         *EventHub
	cfg         ServerConfig
	rateLimiter *rateLimiter
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

type Deps struct {
	Store    *mailbox.Store
	Phone    *cellphone.CellPhone
	Registry *cellphone.Registry
	Tracker  *tracker.Tracker
	Queue    mailbox.DeliveryQueue
	Permits  *permits.Manager
	Hub      *EventHub
}

func NewServer(deps Deps) *Server {
	return NewServerWithConfig(deps, ServerConfig{})
}

func NewServerWithConfig(deps Deps, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		store:       deps.Store,
		phone:       deps.Phone,
		registry:    deps.Registry,
		tracker:     deps.Tracker,
		queue:       deps.Queue,
		permits:     deps.Permits,
		hub:         deps.Hub,
		cfg:         cfg,
		rateLimiter: limiter,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	var requiredScope string
	var agentScope string
	var route string
	switch {
	case len(parts) == 2 && parts[1] == "messages" && r.Method == http.MethodPost:
		requiredScope = "messages:send"
		route = "send"
	case len(parts) == 3 && parts[1] == "messages" && parts[2] == "broadcast" && r.Method == http.MethodPost:
		requiredScope = "messages:send"
		route = "broadcast"
	case len(parts) == 2 && parts[1] == "agents" && r.Method == http.MethodGet:
		requiredScope = "mailbox:read"
		route = "agents"
	case len(parts) == 4 && parts[1] == "mailboxes" && parts[3] == "messages" && r.Method == http.MethodGet:
		requiredScope = "mailbox:read"
		agentScope = parts[2]
		route = "peek"
	case len(parts) == 5 && parts[1] == "mailboxes" && parts[3] == "messages" && r.Method == http.MethodGet:
		requiredScope = "mailbox:read"
		agentScope = parts[2]
		route = "get_message"
	case len(parts) == 6 && parts[1] == "mailboxes" && parts[3] == "messages" && parts[5] == "ack" && r.Method == http.MethodPost:
		requiredScope = "mailbox:ack"
		agentScope = parts[2]
		route = "ack"
	case len(parts) == 4 && parts[1] == "mailboxes" && parts[3] == "status" && r.Method == http.MethodGet:
		requiredScope = "mailbox:read"
		agentScope = parts[2]
		route = "mailbox_status"
	case len(parts) == 4 && parts[1] == "mailboxes" && parts[3] == "dead-letters" && r.Method == http.MethodGet:
		requiredScope = "mailbox:read"
		agentScope = parts[2]
		route = "dead_letters"
	case len(parts) == 6 && parts[1] == "mailboxes" && parts[3] == "dead-letters" && parts[5] == "replay" && r.Method == http.MethodPost:
		requiredScope = "mailbox:replay"
		agentScope = parts[2]
		route = "dead_letter_replay"
	case len(parts) == 6 && parts[1] == "mailboxes" && parts[3] == "dead-letters" && parts[5] == "ack" && r.Method == http.MethodPost:
		requiredScope = "mailbox:replay"
		agentScope = parts[2]
		route = "dead_letter_ack"
	case len(parts) == 2 && parts[1] == "responses" && r.Method == http.MethodGet:
		requiredScope = "responses:read"
		route = "responses"
	case len(parts) == 3 && parts[1] == "responses" && r.Method == http.MethodGet:
		requiredScope = "responses:read"
		route = "response"
	case len(parts) == 2 && parts[1] == "status" && r.Method == http.MethodGet:
		requiredScope = "admin:read"
		route = "status"
	case len(parts) == 3 && parts[1] == "events" && parts[2] == "stream" && r.Method == http.MethodGet:
		requiredScope = "events:read"
		route = "events_stream"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, agentScope, requiredScope, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" && route != "events_stream" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	if s.rateLimiter != nil && route != "events_stream" {
		if !s.rateLimiter.allow(claims.AgentID, time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	switch route {
	case "send":
		s.handleSend(w, r, claims, correlationID)
	case "broadcast":
		s.handleBroadcast(w, r, claims, correlationID)
	case "agents":
		s.handleAgents(w, correlationID)
	case "peek":
		s.handlePeek(w, r, agentScope, correlationID)
	case "get_message":
		s.handleGetMessage(w, agentScope, parts[4], correlationID)
	case "ack":
		s.handleAck(w, agentScope, parts[4], correlationID)
	case "mailbox_status":
		s.handleMailboxStatus(w, agentScope, correlationID)
	case "dead_letters":
		s.handleDeadLetters(w, agentScope, correlationID)
	case "dead_letter_replay":
		s.handleDeadLetterReplay(w, agentScope, parts[4], correlationID)
	case "dead_letter_ack":
		s.handleDeadLetterAck(w, agentScope, parts[4], correlationID)
	case "responses":
		s.handleResponses(w, r, correlationID)
	case "response":
		s.handleResponse(w, parts[2], correlationID)
	case "status":
		s.handleStatus(w, correlationID)
	case "events_stream":
		s.handleEventsStream(w, r, correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

type sendRequest struct {
	RecipientID string          `json:"recipientId"`
	Priority    int             `json:"priority"`
	Kind        string          `json:"kind"`
	Body        json.RawMessage `json:"body,omitempty"`
	AwaitAck    bool            `json:"awaitAck,omitempty"`
	AckTimeout  string          `json:"ackTimeout,omitempty"`
}

// handleSend queues a message from the token's agent. awaitAck switches
// to synchronous delivery and blocks until the recipient acks.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request, claims tokenClaims, correlationID string) {
	var req sendRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	payload := mailbox.Payload{Kind: strings.TrimSpace(req.Kind), Body: req.Body}

	if req.AwaitAck {
		timeout := 30 * time.Second
		if req.AckTimeout != "" {
			parsed, err := time.ParseDuration(req.AckTimeout)
			if err != nil || parsed <= 0 {
				writeError(w, http.StatusBadRequest, "bad_request", "invalid ackTimeout", correlationID)
				return
			}
			timeout = parsed
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		env, err := s.phone.SendAndAwaitAck(ctx, claims.AgentID, req.RecipientID, payload, req.Priority)
		if err != nil {
			s.writeSendError(w, err, correlationID)
			return
		}
		writeJSON(w, http.StatusOK, env)
		return
	}

	taskID, err := s.phone.Send(r.Context(), claims.AgentID, req.RecipientID, payload, req.Priority)
	if err != nil {
		s.writeSendError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"taskId":        taskID,
		"correlationId": correlationID,
	})
}

type broadcastRequest struct {
	RecipientIDs []string        `json:"recipientIds"`
	Priority     int             `json:"priority"`
	Kind         string          `json:"kind"`
	Body         json.RawMessage `json:"body,omitempty"`
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request, claims tokenClaims, correlationID string) {
	var req broadcastRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	payload := mailbox.Payload{Kind: strings.TrimSpace(req.Kind), Body: req.Body}
	results, err := s.phone.Broadcast(r.Context(), claims.AgentID, req.RecipientIDs, payload, req.Priority)
	if err != nil {
		s.writeSendError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"results":       results,
		"correlationId": correlationID,
	})
}

func (s *Server) writeSendError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, cellphone.ErrUnknownAgent):
		writeError(w, http.StatusNotFound, "unknown_agent", err.Error(), correlationID)
	case errors.Is(err, cellphone.ErrAckTimeout):
		writeError(w, http.StatusGatewayTimeout, "ack_timeout", err.Error(), correlationID)
	case errors.Is(err, mailbox.ErrQueueFull):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "queue_full", err.Error(), correlationID)
	case errors.Is(err, mailbox.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func (s *Server) handleAgents(w http.ResponseWriter, correlationID string) {
	if s.registry == nil {
		writeJSON(w, http.StatusOK, map[string]any{"agents": []cellphone.AgentInfo{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"agents":        s.registry.Agents(),
		"correlationId": correlationID,
	})
}

func (s *Server) handlePeek(w http.ResponseWriter, r *http.Request, agentID, correlationID string) {
	limit := parseBoundedInt(r.URL.Query().Get("limit"), 100, 1, 1000)
	messages, err := s.store.Peek(agentID, limit)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

func (s *Server) handleGetMessage(w http.ResponseWriter, agentID, rawID, correlationID string) {
	id, ok := parseEnvelopeID(rawID)
	if !ok {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid message id", correlationID)
		return
	}
	env, err := s.store.Get(agentID, id)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, env)
}

func (s *Server) handleAck(w http.ResponseWriter, agentID, rawID, correlationID string) {
	id, ok := parseEnvelopeID(rawID)
	if !ok {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid message id", correlationID)
		return
	}
	env, err := s.store.Ack(agentID, id)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, env)
}

func (s *Server) handleMailboxStatus(w http.ResponseWriter, agentID, correlationID string) {
	status, err := s.store.Status(agentID)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, agentID, correlationID string) {
	deadLetters, err := s.store.DeadLetters(agentID)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deadLetters": deadLetters})
}

func (s *Server) handleDeadLetterReplay(w http.ResponseWriter, agentID, rawID, correlationID string) {
	id, ok := parseEnvelopeID(rawID)
	if !ok {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid message id", correlationID)
		return
	}
	env, err := s.store.ReplayDeadLetter(agentID, id)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, env)
}

func (s *Server) handleDeadLetterAck(w http.ResponseWriter, agentID, rawID, correlationID string) {
	id, ok := parseEnvelopeID(rawID)
	if !ok {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid message id", correlationID)
		return
	}
	if err := s.store.AcknowledgeDeadLetter(agentID, id); err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"acknowledged":  true,
		"correlationId": correlationID,
	})
}

func (s *Server) handleResponses(w http.ResponseWriter, r *http.Request, correlationID string) {
	if s.tracker == nil {
		writeError(w, http.StatusNotFound, "not_found", "response tracking not enabled", correlationID)
		return
	}
	filter := tracker.State(strings.TrimSpace(r.URL.Query().Get("state")))
	writeJSON(w, http.StatusOK, map[string]any{"items": s.tracker.Items(filter)})
}

func (s *Server) handleResponse(w http.ResponseWriter, itemID, correlationID string) {
	if s.tracker == nil {
		writeError(w, http.StatusNotFound, "not_found", "response tracking not enabled", correlationID)
		return
	}
	item, err := s.tracker.Get(itemID)
	if err != nil {
		if errors.Is(err, tracker.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleStatus(w http.ResponseWriter, correlationID string) {
	type mailboxLine struct {
		Recipient string `json:"recipient"`
		Pending   int    `json:"pending"`
		Acked     int    `json:"acked"`
		Dead      int    `json:"deadLetters"`
	}
	mailboxes := []mailboxLine{}
	for _, recipient := range s.store.Recipients() {
		status, err := s.store.Status(recipient)
		if err != nil {
			continue
		}
		mailboxes = append(mailboxes, mailboxLine{
			Recipient: recipient,
			Pending:   status.PendingTotal,
			Acked:     status.AckedTotal,
			Dead:      status.DeadLetterTotal,
		})
	}
	resp := map[string]any{
		"generatedAt":   time.Now().UTC().Format(time.RFC3339Nano),
		"mailboxes":     mailboxes,
		"correlationId": correlationID,
	}
	if s.queue != nil {
		resp["deliveryQueue"] = map[string]int{
			"depth":    s.queue.Depth(),
			"capacity": s.queue.Capacity(),
		}
	}
	if s.permits != nil {
		resp["workers"] = map[string]int{
			"capacity": s.permits.Capacity(),
			"inUse":    s.permits.InUse(),
		}
	}
	if s.tracker != nil {
		counts := map[string]int{}
		for state, n := range s.tracker.Counts() {
			counts[string(state)] = n
		}
		resp["responses"] = counts
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEventsStream(w http.ResponseWriter, r *http.Request, correlationID string) {
	if s.hub == nil {
		writeError(w, http.StatusNotFound, "not_found", "event stream not enabled", correlationID)
		return
	}
	s.hub.ServeHTTP(w, r)
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, mailbox.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, mailbox.ErrInvalidState):
		writeError(w, http.StatusConflict, "invalid_state", err.Error(), correlationID)
	case errors.Is(err, mailbox.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func parseEnvelopeID(raw string) (uint64, bool) {
	id, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return id, true
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}
