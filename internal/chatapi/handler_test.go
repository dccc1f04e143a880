package chatapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	extratelimit "github.com/vnmchuo/ratelimiter"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/tickerchat/chat-core/internal/orchestrator"
	"github.com/tickerchat/chat-core/internal/provider"
	"github.com/tickerchat/chat-core/internal/relay"
	"github.com/tickerchat/chat-core/pkg/ratelimit"
)

type mockProvider struct {
	name        string
	content     string
	tokens      []string
	completeErr error
}

func (m *mockProvider) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	if m.completeErr != nil {
		return nil, m.completeErr
	}
	return &provider.Response{
		Content:      m.content,
		Provider:     m.name,
		Model:        "mock-model",
		InputTokens:  5,
		OutputTokens: 7,
	}, nil
}

func (m *mockProvider) CompleteStream(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
	if m.completeErr != nil {
		return nil, m.completeErr
	}
	ch := make(chan *provider.Chunk, len(m.tokens)+1)
	for _, tok := range m.tokens {
		ch <- &provider.Chunk{Delta: tok}
	}
	ch <- &provider.Chunk{Done: true}
	close(ch)
	return ch, nil
}

func (m *mockProvider) Name() string         { return m.name }
func (m *mockProvider) DefaultModel() string { return "mock-model" }

type capturePublisher struct {
	messages [][]byte
}

func (p *capturePublisher) Publish(ctx context.Context, channel string, payload []byte) error {
	p.messages = append(p.messages, payload)
	return nil
}

type mockLimiterStore struct {
	allowed bool
}

func (m *mockLimiterStore) AllowN(ctx context.Context, key string, n int) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed}, nil
}

func (m *mockLimiterStore) Allow(ctx context.Context, key string) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed}, nil
}

func (m *mockLimiterStore) Status(ctx context.Context, key string) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed}, nil
}

type stubCharts struct {
	html string
}

func (s *stubCharts) Render(ctx context.Context, message string) (string, bool) {
	if s.html == "" {
		return "", false
	}
	return s.html, true
}

func setupHandler(primary, fallback provider.Provider, pub *capturePublisher) *Handler {
	orch := orchestrator.New(primary, fallback, []string{"GROQ_API_KEY", "AZURE_OPENAI_API_KEY"})
	var rl *relay.Relay
	if pub != nil {
		rl = relay.New(pub, "chat:stream")
	} else {
		rl = relay.New(nil, "chat:stream")
	}
	tracer := noop.NewTracerProvider().Tracer("test")
	return NewHandler(orch, rl, nil, nil, nil, tracer)
}

func postChat(t *testing.T, h *Handler, body map[string]any, accept string) *httptest.ResponseRecorder {
	t.Helper()
	payload, _ := json.Marshal(body)
	req := httptest.NewRequest("POST", "/api/chat/stream", bytes.NewReader(payload))
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	w := httptest.NewRecorder()
	h.HandleChat(w, req)
	return w
}

func TestHandleChat_NonStreamingHappyPath(t *testing.T) {
	primary := &mockProvider{name: "groq", content: "AAPL is trading higher today."}
	h := setupHandler(primary, nil, nil)

	w := postChat(t, h, map[string]any{"message": "What's AAPL doing?", "stream": false}, "")

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var resp chatResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Response == "" {
		t.Error("Expected non-empty response")
	}
	if resp.LLMProvider != "groq" {
		t.Errorf("Expected groq, got %s", resp.LLMProvider)
	}
	if resp.TraceID == "" {
		t.Error("Expected a traceId for channel subscription")
	}
	if resp.AssistantType != "general" {
		t.Errorf("Expected default assistantType general, got %s", resp.AssistantType)
	}
	if resp.HasChart {
		t.Error("Expected no chart without a renderer")
	}
}

func TestHandleChat_FallbackWhenPrimaryFails(t *testing.T) {
	primary := &mockProvider{name: "groq", completeErr: errors.New("upstream down")}
	fallback := &mockProvider{name: "azure-openai", content: "from fallback"}
	h := setupHandler(primary, fallback, nil)

	w := postChat(t, h, map[string]any{"message": "hi"}, "")

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 via fallback, got %d", w.Code)
	}
	var resp chatResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.LLMProvider != "azure-openai" {
		t.Errorf("Expected azure-openai, got %s", resp.LLMProvider)
	}
}

func TestHandleChat_MissingMessage(t *testing.T) {
	h := setupHandler(&mockProvider{name: "groq", content: "x"}, nil, nil)

	w := postChat(t, h, map[string]any{"message": "  "}, "")

	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", w.Code)
	}
}

func TestHandleChat_NoProviderConfigured(t *testing.T) {
	h := setupHandler(nil, nil, nil)

	w := postChat(t, h, map[string]any{"message": "hi"}, "")

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("Expected 500, got %d", w.Code)
	}
	var resp map[string]string
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["error"] != "no_llm_provider_configured" {
		t.Errorf("Unexpected error code %q", resp["error"])
	}
	if !strings.Contains(resp["message"], "GROQ_API_KEY") {
		t.Errorf("Expected remediation hint naming env keys, got %q", resp["message"])
	}
}

func TestHandleChat_SSE(t *testing.T) {
	// Streaming goes fallback-first; with only a primary configured it is
	// still attempted.
	primary := &mockProvider{name: "groq", tokens: []string{"The", " cat", " sat"}}
	h := setupHandler(primary, nil, nil)

	w := postChat(t, h, map[string]any{"message": "hi"}, "text/event-stream")

	if got := w.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("Expected SSE content type, got %q", got)
	}

	body := w.Body.String()
	var types []string
	var tokens []string
	for _, line := range strings.Split(body, "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev sseEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatalf("Bad SSE payload %q: %v", line, err)
		}
		types = append(types, ev.Type)
		if ev.Type == "token" {
			tokens = append(tokens, ev.Content)
		}
	}

	if len(types) == 0 || types[0] != "connected" {
		t.Fatalf("Expected connected event first, got %v", types)
	}
	if types[len(types)-1] != "done" {
		t.Errorf("Expected done event last, got %v", types)
	}
	want := []string{"The", " cat", " sat"}
	if len(tokens) != len(want) {
		t.Fatalf("Expected %d token events, got %d", len(want), len(tokens))
	}
	for i := range want {
		if tokens[i] != want[i] {
			t.Errorf("Token %d: expected %q, got %q", i, want[i], tokens[i])
		}
	}
}

func TestHandleChat_StreamFlagPublishesTokens(t *testing.T) {
	primary := &mockProvider{name: "groq", tokens: []string{"Hello", " there"}}
	pub := &capturePublisher{}
	h := setupHandler(primary, nil, pub)

	w := postChat(t, h, map[string]any{"message": "hi", "stream": true}, "")

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var resp chatResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Response != "Hello there" {
		t.Errorf("Expected accumulated snapshot, got %q", resp.Response)
	}

	// 2 token events + 1 complete
	if len(pub.messages) != 3 {
		t.Fatalf("Expected 3 published events, got %d", len(pub.messages))
	}
	var first relay.StreamMessage
	json.Unmarshal(pub.messages[0], &first)
	if first.Type != "token" || first.Content != "Hello" {
		t.Errorf("Unexpected first published event %+v", first)
	}
	if first.TraceID != resp.TraceID {
		t.Error("Published events must carry the response traceId")
	}
}

func TestHandleChat_RateLimited(t *testing.T) {
	primary := &mockProvider{name: "groq", content: "x"}
	orch := orchestrator.New(primary, nil, nil)
	limiter := ratelimit.NewTestLimiter(&mockLimiterStore{allowed: false})
	tracer := noop.NewTracerProvider().Tracer("test")
	h := NewHandler(orch, relay.New(nil, "chat:stream"), nil, limiter, nil, tracer)

	w := postChat(t, h, map[string]any{"message": "hi"}, "")

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("Expected 429, got %d", w.Code)
	}
}

func TestHandleChat_ChartOverlay(t *testing.T) {
	primary := &mockProvider{name: "groq", content: "AAPL looks strong."}
	orch := orchestrator.New(primary, nil, nil)
	tracer := noop.NewTracerProvider().Tracer("test")
	h := NewHandler(orch, relay.New(nil, "chat:stream"), nil, nil, &stubCharts{html: "<div>chart</div>"}, tracer)

	w := postChat(t, h, map[string]any{"message": "chart AAPL"}, "")

	var resp chatResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if !resp.HasChart || resp.ChartHTML == "" {
		t.Error("Expected chart overlay fields to be set")
	}
}
