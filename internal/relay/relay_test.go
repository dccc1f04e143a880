package relay

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/tickerchat/chat-core/internal/orchestrator"
)

type capturePublisher struct {
	messages [][]byte
	err      error
}

func (p *capturePublisher) Publish(ctx context.Context, channel string, payload []byte) error {
	if p.err != nil {
		return p.err
	}
	p.messages = append(p.messages, payload)
	return nil
}

func eventStream(events ...orchestrator.Event) <-chan orchestrator.Event {
	ch := make(chan orchestrator.Event, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return ch
}

func tokenEvents() []orchestrator.Event {
	return []orchestrator.Event{
		{TraceID: "t1", Type: orchestrator.EventToken, Token: "The"},
		{TraceID: "t1", Type: orchestrator.EventToken, Token: " cat"},
		{TraceID: "t1", Type: orchestrator.EventComplete, Result: &orchestrator.Result{
			Content: "The cat", Provider: "groq", Role: orchestrator.RolePrimary, Model: "m",
		}},
	}
}

func TestPipe_OrderPreserved(t *testing.T) {
	pub := &capturePublisher{}
	r := New(pub, "chat:stream")

	var sunk []orchestrator.Event
	result, err := r.Pipe(context.Background(), eventStream(tokenEvents()...), func(ev orchestrator.Event) error {
		sunk = append(sunk, ev)
		return nil
	})
	if err != nil {
		t.Fatalf("Pipe failed: %v", err)
	}
	if result.Content != "The cat" {
		t.Errorf("Expected final result content 'The cat', got %q", result.Content)
	}

	if len(sunk) != 3 {
		t.Fatalf("Expected 3 sunk events, got %d", len(sunk))
	}
	if sunk[0].Token != "The" || sunk[1].Token != " cat" {
		t.Error("Token order not preserved by sink")
	}

	if len(pub.messages) != 3 {
		t.Fatalf("Expected 3 published messages, got %d", len(pub.messages))
	}
	var first StreamMessage
	json.Unmarshal(pub.messages[0], &first)
	if first.TraceID != "t1" || first.Type != "token" || first.Content != "The" {
		t.Errorf("Unexpected first published message %+v", first)
	}
	var last StreamMessage
	json.Unmarshal(pub.messages[2], &last)
	if last.Type != "complete" || last.Response != "The cat" {
		t.Errorf("Unexpected terminal message %+v", last)
	}
}

func TestPipe_PublisherFailureSwallowed(t *testing.T) {
	pub := &capturePublisher{err: errors.New("redis unreachable")}
	r := New(pub, "chat:stream")

	var sunk int
	result, err := r.Pipe(context.Background(), eventStream(tokenEvents()...), func(ev orchestrator.Event) error {
		sunk++
		return nil
	})
	if err != nil {
		t.Fatalf("Publisher failure must not fail the primary path: %v", err)
	}
	if result == nil || result.Content != "The cat" {
		t.Error("Expected the full result despite publisher failure")
	}
	if sunk != 3 {
		t.Errorf("Expected sink to receive all events, got %d", sunk)
	}
}

func TestPipe_NilPublisher(t *testing.T) {
	r := New(nil, "chat:stream")
	result, err := r.Pipe(context.Background(), eventStream(tokenEvents()...), nil)
	if err != nil {
		t.Fatalf("Pipe failed: %v", err)
	}
	if result.Content != "The cat" {
		t.Errorf("Expected result without any transport, got %q", result.Content)
	}
}

func TestPipe_SinkErrorKeepsDraining(t *testing.T) {
	pub := &capturePublisher{}
	r := New(pub, "chat:stream")

	result, err := r.Pipe(context.Background(), eventStream(tokenEvents()...), func(ev orchestrator.Event) error {
		return errors.New("client went away")
	})
	if err != nil {
		t.Fatalf("Pipe failed: %v", err)
	}
	if result == nil {
		t.Fatal("Expected the result even after the sink died")
	}
	if len(pub.messages) != 3 {
		t.Errorf("Pub/sub copy should be complete, got %d messages", len(pub.messages))
	}
}

func TestPipe_ErrorTerminal(t *testing.T) {
	r := New(nil, "chat:stream")
	wantErr := errors.New("all providers down")

	_, err := r.Pipe(context.Background(), eventStream(orchestrator.Event{
		TraceID: "t1", Type: orchestrator.EventError, Err: wantErr,
	}), nil)
	if !errors.Is(err, wantErr) {
		t.Fatalf("Expected terminal error to propagate, got %v", err)
	}
}
