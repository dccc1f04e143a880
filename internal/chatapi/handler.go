package chatapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tickerchat/chat-core/internal/orchestrator"
	"github.com/tickerchat/chat-core/internal/persona"
	"github.com/tickerchat/chat-core/internal/provider"
	"github.com/tickerchat/chat-core/internal/relay"
	"github.com/tickerchat/chat-core/internal/reqctx"
	"github.com/tickerchat/chat-core/internal/usage"
	"github.com/tickerchat/chat-core/pkg/ratelimit"
)

// ChartRenderer is the external charting collaborator. The core only decides
// whether a chart accompanies the answer; generating the HTML is out of scope.
type ChartRenderer interface {
	Render(ctx context.Context, message string) (html string, ok bool)
}

type chatRequest struct {
	Message       string           `json:"message"`
	AssistantType string           `json:"assistantType"`
	UserID        string           `json:"userId"`
	Context       map[string]any   `json:"context"`
	History       []historyMessage `json:"history"`
	Stream        bool             `json:"stream"`
}

type historyMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Response      string `json:"response"`
	AssistantType string `json:"assistantType"`
	LLMProvider   string `json:"llmProvider"`
	Model         string `json:"model"`
	TraceID       string `json:"traceId"`
	HasChart      bool   `json:"hasChart"`
	ChartHTML     string `json:"chartHtml,omitempty"`
}

type sseEvent struct {
	Type        string `json:"type"` // connected | token | provider_switch | done | error
	TraceID     string `json:"traceId,omitempty"`
	Content     string `json:"content,omitempty"`
	From        string `json:"from,omitempty"`
	To          string `json:"to,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Response    string `json:"response,omitempty"`
	LLMProvider string `json:"llmProvider,omitempty"`
	Model       string `json:"model,omitempty"`
	Error       string `json:"error,omitempty"`
}

const apologyMessage = "Sorry, I'm having trouble answering right now. Please try again in a moment."

type Handler struct {
	orch    *orchestrator.Orchestrator
	relay   *relay.Relay
	usage   usage.Store        // nil disables usage logging
	limiter *ratelimit.Limiter // nil disables rate limiting
	charts  ChartRenderer      // nil means no charts
	tracer  trace.Tracer
}

func NewHandler(orch *orchestrator.Orchestrator, rl *relay.Relay, store usage.Store, limiter *ratelimit.Limiter, charts ChartRenderer, tracer trace.Tracer) *Handler {
	return &Handler{
		orch:    orch,
		relay:   rl,
		usage:   store,
		limiter: limiter,
		charts:  charts,
		tracer:  tracer,
	}
}

// HandleChat serves POST /api/chat/stream. An Accept header of
// text/event-stream selects the SSE variant; everything else gets the JSON
// variant. Within JSON, the body's stream flag picks which orchestrator path
// runs: stream=true generates through the streaming path (publishing every
// token to the pub/sub channel keyed by traceId) and returns the accumulated
// snapshot, stream=false runs the plain non-streaming path.
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var body chatRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "request body must be JSON")
		return
	}
	if strings.TrimSpace(body.Message) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "message is required")
		return
	}
	if body.AssistantType == "" || !persona.Valid(body.AssistantType) {
		body.AssistantType = persona.General
	}

	userID := body.UserID
	if userID == "" {
		userID = reqctx.GetUserID(ctx)
	}
	if userID == "" {
		userID = uuid.New().String()
	}

	traceID := uuid.New().String()

	ctx, span := h.tracer.Start(ctx, "chat.completion")
	defer span.End()
	span.SetAttributes(
		attribute.String("trace_id", traceID),
		attribute.String("request_id", reqctx.GetRequestID(ctx)),
		attribute.String("user_id", userID),
		attribute.String("assistant_type", body.AssistantType),
		attribute.Bool("stream", body.Stream),
	)

	if h.limiter != nil {
		allowed, err := h.limiter.Allow(ctx, userID)
		if err != nil || !allowed {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "60")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]string{
				"error":       "rate_limit_exceeded",
				"retry_after": "60s",
			})
			return
		}
	}

	req := &orchestrator.Request{
		Message:       body.Message,
		AssistantType: body.AssistantType,
		History:       toMessages(body.History),
		TraceID:       traceID,
		UserID:        userID,
	}

	if r.Header.Get("Accept") == "text/event-stream" {
		h.serveSSE(ctx, w, req)
		return
	}
	h.serveJSON(ctx, w, req, body.Stream)
}

func (h *Handler) serveJSON(ctx context.Context, w http.ResponseWriter, req *orchestrator.Request, stream bool) {
	start := time.Now()

	var result *orchestrator.Result
	var err error
	if stream {
		// Generate through the streaming path so every token is duplicated
		// onto the pub/sub channel for subscribers watching this traceId.
		// The HTTP response itself is the accumulated snapshot.
		var events <-chan orchestrator.Event
		events, err = h.orch.CompleteStream(ctx, req)
		if err == nil {
			result, err = h.relay.Pipe(ctx, events, nil)
		}
	} else {
		result, err = h.orch.Complete(ctx, req, nil)
	}

	if err != nil {
		h.writeCompletionError(w, err)
		return
	}

	h.logUsage(req, result, time.Since(start), stream)

	resp := chatResponse{
		Response:      result.Content,
		AssistantType: req.AssistantType,
		LLMProvider:   result.Provider,
		Model:         result.Model,
		TraceID:       req.TraceID,
	}
	if h.charts != nil {
		if html, ok := h.charts.Render(ctx, req.Message); ok {
			resp.HasChart = true
			resp.ChartHTML = html
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(resp)
}

func (h *Handler) serveSSE(ctx context.Context, w http.ResponseWriter, req *orchestrator.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported", "streaming unsupported")
		return
	}

	events, err := h.orch.CompleteStream(ctx, req)
	if err != nil {
		h.writeCompletionError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	writeSSE(w, flusher, sseEvent{Type: "connected", TraceID: req.TraceID})

	start := time.Now()
	result, pipeErr := h.relay.Pipe(ctx, events, func(ev orchestrator.Event) error {
		switch ev.Type {
		case orchestrator.EventToken:
			return writeSSE(w, flusher, sseEvent{Type: "token", TraceID: ev.TraceID, Content: ev.Token})
		case orchestrator.EventProviderSwitch:
			return writeSSE(w, flusher, sseEvent{
				Type: "provider_switch", TraceID: ev.TraceID,
				From: ev.Switch.From, To: ev.Switch.To, Reason: ev.Switch.Reason,
			})
		case orchestrator.EventComplete:
			return writeSSE(w, flusher, sseEvent{
				Type: "done", TraceID: ev.TraceID,
				Response: ev.Result.Content, LLMProvider: ev.Result.Provider, Model: ev.Result.Model,
			})
		case orchestrator.EventError:
			return writeSSE(w, flusher, sseEvent{Type: "error", TraceID: ev.TraceID, Error: apologyMessage})
		}
		return nil
	})

	if pipeErr == nil && result != nil {
		h.logUsage(req, result, time.Since(start), true)
	}
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, ev sseEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// writeCompletionError maps orchestrator failures to the HTTP boundary. Total
// exhaustion is the only provider-level failure that ever reaches the caller,
// and it arrives as a friendly apology plus a remediation hint, never a raw
// provider error body.
func (h *Handler) writeCompletionError(w http.ResponseWriter, err error) {
	if errors.Is(err, orchestrator.ErrNoProviderConfigured) {
		var npe *orchestrator.NoProviderError
		message := apologyMessage
		if errors.As(err, &npe) && len(npe.MissingKeys) > 0 {
			message = fmt.Sprintf("%s (operators: set %s)", apologyMessage, strings.Join(npe.MissingKeys, ", "))
		}
		writeError(w, http.StatusInternalServerError, "no_llm_provider_configured", message)
		return
	}
	writeError(w, http.StatusInternalServerError, "completion_failed", apologyMessage)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error":   code,
		"message": message,
	})
}

func (h *Handler) logUsage(req *orchestrator.Request, result *orchestrator.Result, elapsed time.Duration, streamed bool) {
	if h.usage == nil {
		return
	}
	go func() {
		_ = h.usage.LogUsage(context.Background(), &usage.Record{
			TraceID:    req.TraceID,
			UserID:     req.UserID,
			Provider:   result.Provider,
			Model:      result.Model,
			TokensUsed: result.TokensUsed,
			LatencyMs:  elapsed.Milliseconds(),
			Streamed:   streamed,
		})
	}()
}

func toMessages(history []historyMessage) []provider.Message {
	if len(history) == 0 {
		return nil
	}
	out := make([]provider.Message, len(history))
	for i, m := range history {
		out[i] = provider.Message{Role: m.Role, Content: m.Content}
	}
	return out
}
