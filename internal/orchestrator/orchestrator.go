package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/tickerchat/chat-core/internal/persona"
	"github.com/tickerchat/chat-core/internal/provider"
)

// Sampling parameters are fixed constants, identical for every provider and
// persona. They are configuration, not derived state.
const (
	temperature     = 0.7
	maxOutputTokens = 1024

	// maxHistoryMessages caps how much prior conversation is sent upstream.
	// The system prompt is never counted against, or dropped by, this cap.
	maxHistoryMessages = 10
)

// Roles reported in Result.Role.
const (
	RolePrimary  = "primary"
	RoleFallback = "fallback"
	RoleMock     = "mock"
)

// ErrNoProviderConfigured is the terminal failure: no adapter was available
// or every available adapter failed.
var ErrNoProviderConfigured = errors.New("no LLM provider configured")

// NoProviderError wraps ErrNoProviderConfigured with a remediation hint
// naming the environment keys whose absence caused the exhaustion.
type NoProviderError struct {
	MissingKeys []string
}

func (e *NoProviderError) Error() string {
	if len(e.MissingKeys) == 0 {
		return "no LLM provider configured: all providers failed"
	}
	return fmt.Sprintf("no LLM provider configured: set %s", strings.Join(e.MissingKeys, ", "))
}

func (e *NoProviderError) Unwrap() error { return ErrNoProviderConfigured }

// Request is one inbound chat call. Constructed once, read-only thereafter.
type Request struct {
	Message       string
	AssistantType string
	History       []provider.Message
	TraceID       string
	UserID        string
}

// Result is the final, possibly accumulated, completion value. Produced
// exactly once per request.
type Result struct {
	Content    string
	Provider   string // vendor name, e.g. "groq"
	Role       string // primary | fallback | mock
	Model      string
	TokensUsed int // 0 when the vendor did not report usage
}

type EventType string

const (
	EventToken          EventType = "token"
	EventProviderSwitch EventType = "provider_switch"
	EventComplete       EventType = "complete"
	EventError          EventType = "error"
)

// Event is the typed stream element: zero or more token events, optional
// provider_switch events, then exactly one terminal complete or error.
type Event struct {
	TraceID string
	Type    EventType
	Token   string  // set for token events
	Switch  *Switch // set for provider_switch events
	Result  *Result // set for complete events
	Err     error   // set for error events
}

type Switch struct {
	From   string
	To     string
	Reason string
}

// SwitchFunc is the optional notification invoked when the non-streaming
// path falls back from one provider to the next.
type SwitchFunc func(Switch)

type entry struct {
	p    provider.Provider
	role string
}

// Orchestrator selects an ordering of providers, attempts each in turn, and
// normalizes the outcome into one Result. Provider handles are created once
// at construction and never mutated afterwards.
type Orchestrator struct {
	primary     *entry
	fallback    *entry
	breakers    map[string]*gobreaker.CircuitBreaker
	missingKeys []string
}

// New builds an orchestrator over whichever adapters resolved as available.
// Either may be nil; missingKeys feeds the remediation hint when every
// attempt is exhausted.
func New(primary, fallback provider.Provider, missingKeys []string) *Orchestrator {
	o := &Orchestrator{
		breakers:    make(map[string]*gobreaker.CircuitBreaker),
		missingKeys: missingKeys,
	}
	if primary != nil {
		o.primary = &entry{p: primary, role: RolePrimary}
		o.breakers[primary.Name()] = newBreaker(primary.Name())
	}
	if fallback != nil {
		o.fallback = &entry{p: fallback, role: RoleFallback}
		o.breakers[fallback.Name()] = newBreaker(fallback.Name())
	}
	return o
}

func newBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
}

// completeOrder is primary-first; streamOrder is fallback-first. The
// asymmetry is inherited behavior, kept on purpose rather than silently
// unified. See DESIGN.md.
func (o *Orchestrator) completeOrder() []*entry {
	return compact(o.primary, o.fallback)
}

func (o *Orchestrator) streamOrder() []*entry {
	return compact(o.fallback, o.primary)
}

func compact(entries ...*entry) []*entry {
	var out []*entry
	for _, e := range entries {
		if e != nil {
			out = append(out, e)
		}
	}
	return out
}

func (o *Orchestrator) noProviderErr() error {
	return &NoProviderError{MissingKeys: o.missingKeys}
}

// AssembleMessages builds the upstream message list: system prompt at index
// 0, the most recent maxHistoryMessages history entries, then the new user
// message.
func AssembleMessages(req *Request) []provider.Message {
	history := req.History
	if len(history) > maxHistoryMessages {
		history = history[len(history)-maxHistoryMessages:]
	}

	messages := make([]provider.Message, 0, len(history)+2)
	messages = append(messages, provider.Message{
		Role:    provider.RoleSystem,
		Content: persona.SystemPrompt(req.AssistantType),
	})
	messages = append(messages, history...)
	messages = append(messages, provider.Message{
		Role:    provider.RoleUser,
		Content: req.Message,
	})
	return messages
}

func (o *Orchestrator) providerRequest(req *Request, stream bool) *provider.Request {
	return &provider.Request{
		Messages:    AssembleMessages(req),
		MaxTokens:   maxOutputTokens,
		Temperature: temperature,
		Stream:      stream,
		TraceID:     req.TraceID,
		UserID:      req.UserID,
	}
}

// Complete runs the non-streaming path: primary first, then fallback,
// strictly sequentially (parallel attempts would double-bill). onSwitch, if
// non-nil, is invoked once per fallback transition.
func (o *Orchestrator) Complete(ctx context.Context, req *Request, onSwitch SwitchFunc) (*Result, error) {
	order := o.completeOrder()
	if len(order) == 0 {
		return nil, o.noProviderErr()
	}

	preq := o.providerRequest(req, false)

	var lastErr error
	for i, e := range order {
		cb := o.breakers[e.p.Name()]
		if cb.State() == gobreaker.StateOpen {
			lastErr = fmt.Errorf("circuit breaker open for %s", e.p.Name())
		} else {
			result, err := cb.Execute(func() (interface{}, error) {
				return e.p.Complete(ctx, preq)
			})
			if err == nil {
				resp := result.(*provider.Response)
				return &Result{
					Content:    resp.Content,
					Provider:   resp.Provider,
					Role:       e.role,
					Model:      resp.Model,
					TokensUsed: resp.InputTokens + resp.OutputTokens,
				}, nil
			}
			lastErr = err
		}

		if i+1 < len(order) && onSwitch != nil {
			onSwitch(Switch{
				From:   e.p.Name(),
				To:     order[i+1].p.Name(),
				Reason: lastErr.Error(),
			})
		}
	}

	return nil, fmt.Errorf("%w: last error: %v", o.noProviderErr(), lastErr)
}

// CompleteStream runs the streaming path and returns the typed event
// channel. With zero providers it fails synchronously without opening the
// channel. On a mid-stream provider failure the next provider restarts from
// an empty accumulator; the provider_switch event tells consumers to discard
// any partial content already rendered.
func (o *Orchestrator) CompleteStream(ctx context.Context, req *Request) (<-chan Event, error) {
	order := o.streamOrder()
	if len(order) == 0 {
		return nil, o.noProviderErr()
	}

	preq := o.providerRequest(req, true)
	events := make(chan Event)

	go func() {
		defer close(events)

		var lastErr error
		for i, e := range order {
			cb := o.breakers[e.p.Name()]
			if cb.State() == gobreaker.StateOpen {
				lastErr = fmt.Errorf("circuit breaker open for %s", e.p.Name())
			} else {
				result, err := o.attemptStream(ctx, e, preq, events)
				if err == nil {
					send(ctx, events, Event{TraceID: req.TraceID, Type: EventComplete, Result: result})
					return
				}
				lastErr = err
			}

			if i+1 < len(order) {
				send(ctx, events, Event{
					TraceID: req.TraceID,
					Type:    EventProviderSwitch,
					Switch: &Switch{
						From:   e.p.Name(),
						To:     order[i+1].p.Name(),
						Reason: lastErr.Error(),
					},
				})
			}
		}

		send(ctx, events, Event{
			TraceID: req.TraceID,
			Type:    EventError,
			Err:     fmt.Errorf("%w: last error: %v", o.noProviderErr(), lastErr),
		})
	}()

	return events, nil
}

// attemptStream drains one provider's chunk stream, forwarding tokens in
// order. Any chunk error fails the whole attempt, even after tokens were
// already forwarded.
func (o *Orchestrator) attemptStream(ctx context.Context, e *entry, preq *provider.Request, events chan<- Event) (*Result, error) {
	cb := o.breakers[e.p.Name()]

	ch, err := e.p.CompleteStream(ctx, preq)
	if err != nil {
		recordFailure(cb, err)
		return nil, err
	}

	var sb strings.Builder
	for chunk := range ch {
		if chunk.Err != nil {
			recordFailure(cb, chunk.Err)
			return nil, chunk.Err
		}
		if chunk.Done {
			break
		}
		sb.WriteString(chunk.Delta)
		send(ctx, events, Event{TraceID: preq.TraceID, Type: EventToken, Token: chunk.Delta})
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	return &Result{
		Content:  sb.String(),
		Provider: e.p.Name(),
		Role:     e.role,
		Model:    e.p.DefaultModel(),
	}, nil
}

// recordFailure feeds a streaming error into the breaker. Streaming attempts
// record only failures: a successful stream does not reset
// ConsecutiveFailures until the breaker's Interval rolls the counts over.
func recordFailure(cb *gobreaker.CircuitBreaker, err error) {
	_, _ = cb.Execute(func() (interface{}, error) {
		return nil, err
	})
}

func send(ctx context.Context, events chan<- Event, ev Event) {
	select {
	case events <- ev:
	case <-ctx.Done():
	}
}
