// Package chatclient is the consumer half of the stream relay: it issues a
// chat completion, subscribes to the multiplexed token channel for the
// returned traceId, and guarantees the caller always observes incremental
// rendering, falling back to simulated word-by-word streaming of the
// server's snapshot when no live tokens arrive in time.
package chatclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrStreamTimeout is returned when no terminal event arrives within the
// hard ceiling. Callers are expected to retry the whole request.
var ErrStreamTimeout = errors.New("timed out waiting for stream completion")

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Result struct {
	Content  string
	Provider string
	Model    string
	TraceID  string
}

// Subscriber opens a feed of raw channel messages. The feed is multiplexed:
// messages for other traceIds arrive interleaved and must be ignored.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error)
}

// streamMessage mirrors the relay's published wire shape.
type streamMessage struct {
	TraceID  string `json:"traceId"`
	Type     string `json:"type"`
	Content  string `json:"content"`
	Response string `json:"response"`
	Error    string `json:"error"`
}

type ackResponse struct {
	Response    string `json:"response"`
	LLMProvider string `json:"llmProvider"`
	Model       string `json:"model"`
	TraceID     string `json:"traceId"`
}

type Client struct {
	baseURL     string
	httpClient  *http.Client
	sub         Subscriber
	channel     string
	gracePeriod time.Duration
	hardTimeout time.Duration
	wordCadence time.Duration
}

type Option func(*Client)

func WithGracePeriod(d time.Duration) Option { return func(c *Client) { c.gracePeriod = d } }
func WithHardTimeout(d time.Duration) Option { return func(c *Client) { c.hardTimeout = d } }
func WithWordCadence(d time.Duration) Option { return func(c *Client) { c.wordCadence = d } }
func WithHTTPClient(h *http.Client) Option   { return func(c *Client) { c.httpClient = h } }

// New builds a client. sub may be nil, in which case every call renders via
// simulated streaming of the snapshot.
func New(baseURL, channel string, sub Subscriber, opts ...Option) *Client {
	c := &Client{
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		httpClient:  &http.Client{Timeout: 90 * time.Second},
		sub:         sub,
		channel:     channel,
		gracePeriod: 2 * time.Second,
		hardTimeout: 60 * time.Second,
		wordCadence: 40 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StreamMessage sends the chat request and streams the answer to onChunk.
// The returned result carries the full content. Abandoning the subscription
// (grace fallback, hard timeout) does not cancel the server-side call.
func (c *Client) StreamMessage(ctx context.Context, text, assistantType string, history []Message, onChunk func(string)) (*Result, error) {
	ack, err := c.post(ctx, text, assistantType, history)
	if err != nil {
		return nil, err
	}

	result := &Result{
		Content:  ack.Response,
		Provider: ack.LLMProvider,
		Model:    ack.Model,
		TraceID:  ack.TraceID,
	}

	if c.sub == nil {
		if err := c.simulateStream(ctx, ack.Response, onChunk); err != nil {
			return nil, err
		}
		return result, nil
	}

	feed, cancel, err := c.sub.Subscribe(ctx, c.channel)
	if err != nil {
		return nil, fmt.Errorf("subscribe failed: %w", err)
	}
	defer cancel()

	grace := time.NewTimer(c.gracePeriod)
	defer grace.Stop()
	hard := time.NewTimer(c.hardTimeout)
	defer hard.Stop()

	var acc strings.Builder
	sawToken := false

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case <-hard.C:
			return nil, ErrStreamTimeout

		case <-grace.C:
			if sawToken {
				continue
			}
			// No live tokens: abandon the subscription and synthesize a
			// stream from the snapshot so the caller still sees something
			// render incrementally.
			cancel()
			if err := c.simulateStream(ctx, ack.Response, onChunk); err != nil {
				return nil, err
			}
			return result, nil

		case raw, ok := <-feed:
			if !ok {
				return nil, errors.New("subscription closed before completion")
			}

			var msg streamMessage
			if err := json.Unmarshal(raw, &msg); err != nil {
				continue
			}
			if msg.TraceID != ack.TraceID {
				// Multiplexed channel: someone else's trace.
				continue
			}

			switch msg.Type {
			case "token":
				sawToken = true
				acc.WriteString(msg.Content)
				onChunk(msg.Content)
			case "provider_switch":
				// The server restarted emission from an empty accumulator;
				// discard what we rendered so far.
				acc.Reset()
			case "complete":
				if sawToken {
					result.Content = acc.String()
				}
				return result, nil
			case "error":
				return nil, fmt.Errorf("stream failed: %s", msg.Error)
			}
		}
	}
}

func (c *Client) post(ctx context.Context, text, assistantType string, history []Message) (*ackResponse, error) {
	payload, err := json.Marshal(map[string]any{
		"message":       text,
		"assistantType": assistantType,
		"history":       history,
		"stream":        true,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/chat/stream", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var body map[string]string
		_ = json.NewDecoder(resp.Body).Decode(&body)
		if msg := body["message"]; msg != "" {
			return nil, fmt.Errorf("chat request failed (status %d): %s", resp.StatusCode, msg)
		}
		return nil, fmt.Errorf("chat request failed (status %d)", resp.StatusCode)
	}

	var ack ackResponse
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

// simulateStream splits the snapshot into words and emits them at a fixed
// cadence, left to right.
func (c *Client) simulateStream(ctx context.Context, snapshot string, onChunk func(string)) error {
	words := strings.Fields(snapshot)
	for i, word := range words {
		chunk := word
		if i < len(words)-1 {
			chunk += " "
		}
		onChunk(chunk)

		if i < len(words)-1 {
			select {
			case <-time.After(c.wordCadence):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}
