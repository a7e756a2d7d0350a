package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/agentworkforce/cellphone/internal/cellphone"
	"github.com/agentworkforce/cellphone/internal/mailbox"
	"github.com/agentworkforce/cellphone/internal/permits"
	"github.com/agentworkforce/cellphone/internal/retry"
	"github.com/agentworkforce/cellphone/internal/tracker"
)

const testSecret = "test-secret"

var allScopes = []string{
	"messages:send", "mailbox:read", "mailbox:ack", "mailbox:replay",
	"responses:read", "admin:read", "events:read",
}

func mintToken(t *testing.T, agentID string, scopes []string, exp time.Time) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	payload, err := json.Marshal(map[string]any{
		"agent_id": agentID,
		"aud":      "cellphone",
		"exp":      exp.Unix(),
		"scopes":   scopes,
	})
	if err != nil {
		t.Fatalf("marshal claims failed: %v", err)
	}
	body := header + "." + base64.RawURLEncoding.EncodeToString(payload)
	mac := hmac.New(sha256.New, []byte(testSecret))
	_, _ = mac.Write([]byte(body))
	return body + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

type testEnv struct {
	server *Server
	store  *mailbox.Store
	phone  *cellphone.CellPhone
}

func newTestEnv(t *testing.T, cfg ServerConfig) *testEnv {
	t.Helper()
	store := mailbox.NewStore(mailbox.StoreOptions{Backends: mailbox.NewMemoryBackendFactory()})
	registry := cellphone.NewRegistry()
	for _, agent := range []string{"alice", "bob", "carol"} {
		if err := registry.Register(agent, cellphone.RoleAgent); err != nil {
			t.Fatalf("register failed: %v", err)
		}
	}
	phone, err := cellphone.New(cellphone.Options{
		Store:           store,
		Registry:        registry,
		Retry:           retry.NewPolicy(3, time.Millisecond, 5*time.Millisecond),
		AckPollInterval: 5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new phone failed: %v", err)
	}
	tr, err := tracker.New(tracker.Options{Backend: tracker.NewInMemoryStateBackend()})
	if err != nil {
		t.Fatalf("new tracker failed: %v", err)
	}
	cfg.JWTSecret = testSecret
	server := NewServerWithConfig(Deps{
		Store:    store,
		Phone:    phone,
		Registry: registry,
		Tracker:  tr,
		Permits:  permits.NewManager(4),
	}, cfg)
	return &testEnv{server: server, store: store, phone: phone}
}

func (e *testEnv) request(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("X-Correlation-Id", "test-correlation")
	rec := httptest.NewRecorder()
	e.server.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("response is not JSON: %v (%s)", err, rec.Body.String())
	}
	return out
}

func TestHealthNeedsNoAuth(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestMissingTokenIsUnauthorized(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	rec := env.request(t, http.MethodGet, "/v1/agents", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["code"] != "unauthorized" {
		t.Fatalf("unexpected error code: %v", body["code"])
	}
}

func TestExpiredTokenIsUnauthorized(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	token := mintToken(t, "alice", allScopes, time.Now().Add(-time.Minute))
	rec := env.request(t, http.MethodGet, "/v1/agents", token, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestMissingScopeIsForbidden(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	token := mintToken(t, "alice", []string{"mailbox:read"}, time.Now().Add(time.Hour))
	rec := env.request(t, http.MethodPost, "/v1/messages", token, `{"recipientId":"bob","kind":"task"}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestAgentMismatchIsForbidden(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	token := mintToken(t, "alice", []string{"mailbox:read"}, time.Now().Add(time.Hour))
	rec := env.request(t, http.MethodGet, "/v1/mailboxes/bob/messages", token, "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for another agent's mailbox, got %d", rec.Code)
	}
}

func TestAdminScopeBypassesAgentPin(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	token := mintToken(t, "alice", []string{"mailbox:read", "admin:read"}, time.Now().Add(time.Hour))
	rec := env.request(t, http.MethodGet, "/v1/mailboxes/bob/messages", token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with admin scope, got %d", rec.Code)
	}
}

func TestMissingCorrelationIDIsRejected(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	token := mintToken(t, "alice", allScopes, time.Now().Add(time.Hour))
	req := httptest.NewRequest(http.MethodGet, "/v1/agents", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without correlation id, got %d", rec.Code)
	}
}

func TestSendDeliversToMailbox(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	token := mintToken(t, "alice", allScopes, time.Now().Add(time.Hour))
	rec := env.request(t, http.MethodPost, "/v1/messages", token,
		`{"recipientId":"bob","kind":"task","body":{"n":1},"priority":2}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d (%s)", rec.Code, rec.Body.String())
	}

	pending, err := env.store.Peek("bob", 0)
	if err != nil || len(pending) != 1 {
		t.Fatalf("expected delivered message, got %d (err %v)", len(pending), err)
	}
	if pending[0].SenderID != "alice" {
		t.Fatalf("sender must come from the token, got %q", pending[0].SenderID)
	}
}

func TestSendToUnknownAgentIs404(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	token := mintToken(t, "alice", allScopes, time.Now().Add(time.Hour))
	rec := env.request(t, http.MethodPost, "/v1/messages", token, `{"recipientId":"ghost","kind":"task"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["code"] != "unknown_agent" {
		t.Fatalf("unexpected error code: %v", body["code"])
	}
}

func TestSendAwaitAckRoundTrip(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	token := mintToken(t, "alice", allScopes, time.Now().Add(time.Hour))

	go func() {
		for i := 0; i < 200; i++ {
			pending, err := env.store.Peek("bob", 0)
			if err == nil && len(pending) > 0 {
				_, _ = env.store.Ack("bob", pending[0].ID)
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	rec := env.request(t, http.MethodPost, "/v1/messages", token,
		`{"recipientId":"bob","kind":"task","awaitAck":true,"ackTimeout":"2s"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	var env2 mailbox.Envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env2); err != nil {
		t.Fatalf("bad envelope body: %v", err)
	}
	if env2.AckedAt == nil {
		t.Fatalf("expected acked envelope, got %+v", env2)
	}
}

func TestSendAwaitAckTimesOut(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	token := mintToken(t, "alice", allScopes, time.Now().Add(time.Hour))
	rec := env.request(t, http.MethodPost, "/v1/messages", token,
		`{"recipientId":"bob","kind":"task","awaitAck":true,"ackTimeout":"30ms"}`)
	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d", rec.Code)
	}
}

func TestPeekAndAckFlow(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	aliceToken := mintToken(t, "alice", allScopes, time.Now().Add(time.Hour))
	bobToken := mintToken(t, "bob", allScopes, time.Now().Add(time.Hour))

	rec := env.request(t, http.MethodPost, "/v1/messages", aliceToken, `{"recipientId":"bob","kind":"task"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("send failed: %d", rec.Code)
	}

	rec = env.request(t, http.MethodGet, "/v1/mailboxes/bob/messages", bobToken, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("peek failed: %d", rec.Code)
	}
	var peeked struct {
		Messages []mailbox.Envelope `json:"messages"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &peeked); err != nil || len(peeked.Messages) != 1 {
		t.Fatalf("unexpected peek body: %s (err %v)", rec.Body.String(), err)
	}

	ackPath := fmt.Sprintf("/v1/mailboxes/bob/messages/%d/ack", peeked.Messages[0].ID)
	rec = env.request(t, http.MethodPost, ackPath, bobToken, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("ack failed: %d (%s)", rec.Code, rec.Body.String())
	}

	rec = env.request(t, http.MethodPost, ackPath, bobToken, "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 on double ack, got %d", rec.Code)
	}
}

func TestBroadcastReportsPerRecipient(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	token := mintToken(t, "alice", allScopes, time.Now().Add(time.Hour))
	rec := env.request(t, http.MethodPost, "/v1/messages/broadcast", token,
		`{"recipientIds":["bob","ghost"],"kind":"notice"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("broadcast failed: %d (%s)", rec.Code, rec.Body.String())
	}
	var body struct {
		Results []cellphone.BroadcastResult `json:"results"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || len(body.Results) != 2 {
		t.Fatalf("unexpected broadcast body: %s (err %v)", rec.Body.String(), err)
	}
	if body.Results[0].Error != "" || body.Results[1].Error == "" {
		t.Fatalf("expected bob ok and ghost failed, got %+v", body.Results)
	}
}

func TestDeadLetterReplayFlow(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	token := mintToken(t, "bob", allScopes, time.Now().Add(time.Hour))
	dead, err := env.store.AddDeadLetter(mailbox.Envelope{
		SenderID:    "alice",
		RecipientID: "bob",
		Payload:     mailbox.Payload{Kind: "task"},
	}, 3, "backend unavailable")
	if err != nil {
		t.Fatalf("seed dead letter failed: %v", err)
	}

	rec := env.request(t, http.MethodGet, "/v1/mailboxes/bob/dead-letters", token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list failed: %d", rec.Code)
	}
	var listed struct {
		DeadLetters []mailbox.DeadLetter `json:"deadLetters"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listed); err != nil || len(listed.DeadLetters) != 1 {
		t.Fatalf("unexpected list body: %s (err %v)", rec.Body.String(), err)
	}

	replayPath := fmt.Sprintf("/v1/mailboxes/bob/dead-letters/%d/replay", dead.Envelope.ID)
	rec = env.request(t, http.MethodPost, replayPath, token, "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("replay failed: %d (%s)", rec.Code, rec.Body.String())
	}

	pending, err := env.store.Peek("bob", 0)
	if err != nil || len(pending) != 1 {
		t.Fatalf("expected replayed envelope pending, got %d (err %v)", len(pending), err)
	}
}

func TestStatusAggregates(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	adminToken := mintToken(t, "admin", allScopes, time.Now().Add(time.Hour))
	agentToken := mintToken(t, "alice", []string{"messages:send"}, time.Now().Add(time.Hour))

	rec := env.request(t, http.MethodPost, "/v1/messages", mintToken(t, "alice", allScopes, time.Now().Add(time.Hour)), `{"recipientId":"bob","kind":"task"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("send failed: %d", rec.Code)
	}

	rec = env.request(t, http.MethodGet, "/v1/status", agentToken, "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without admin scope, got %d", rec.Code)
	}

	rec = env.request(t, http.MethodGet, "/v1/status", adminToken, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status failed: %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if _, ok := body["mailboxes"]; !ok {
		t.Fatalf("status missing mailboxes: %v", body)
	}
	if _, ok := body["workers"]; !ok {
		t.Fatalf("status missing workers: %v", body)
	}
	if _, ok := body["responses"]; !ok {
		t.Fatalf("status missing responses: %v", body)
	}
}

func TestRateLimitReturns429(t *testing.T) {
	env := newTestEnv(t, ServerConfig{RateLimitMax: 2, RateLimitWindow: time.Minute})
	token := mintToken(t, "alice", allScopes, time.Now().Add(time.Hour))
	for i := 0; i < 2; i++ {
		if rec := env.request(t, http.MethodGet, "/v1/agents", token, ""); rec.Code != http.StatusOK {
			t.Fatalf("request %d failed: %d", i, rec.Code)
		}
	}
	rec := env.request(t, http.MethodGet, "/v1/agents", token, "")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
}

func TestUnknownRouteIs404(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	token := mintToken(t, "alice", allScopes, time.Now().Add(time.Hour))
	rec := env.request(t, http.MethodGet, "/v1/nope", token, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestOversizedBodyIsRejected(t *testing.T) {
	env := newTestEnv(t, ServerConfig{MaxBodyBytes: 64})
	token := mintToken(t, "alice", allScopes, time.Now().Add(time.Hour))
	big := fmt.Sprintf(`{"recipientId":"bob","kind":"task","body":{"blob":%q}}`, strings.Repeat("x", 256))
	rec := env.request(t, http.MethodPost, "/v1/messages", token, big)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
}
