// Package relay bridges the orchestrator's event stream to downstream
// transports: an in-process sink (usually the SSE response) and the durable
// pub/sub channel for cross-process consumers.
package relay

import (
	"context"
	"encoding/json"
	"log"

	"github.com/tickerchat/chat-core/internal/orchestrator"
	"github.com/tickerchat/chat-core/internal/pubsub"
)

// StreamMessage is the wire shape published to the multiplexed channel.
// Consumers filter by traceId; everything else on the channel is noise.
type StreamMessage struct {
	TraceID     string `json:"traceId"`
	Type        string `json:"type"` // token | provider_switch | complete | error
	Content     string `json:"content,omitempty"`
	From        string `json:"from,omitempty"`
	To          string `json:"to,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Response    string `json:"response,omitempty"`
	LLMProvider string `json:"llmProvider,omitempty"`
	Model       string `json:"model,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Sink receives each event in order on the primary transport. A sink error
// marks the consumer as gone; the relay keeps draining so the provider call
// completes and the pub/sub copy stays intact.
type Sink func(ev orchestrator.Event) error

type Relay struct {
	pub     pubsub.Publisher // nil disables the secondary transport
	channel string
}

func New(pub pubsub.Publisher, channel string) *Relay {
	return &Relay{pub: pub, channel: channel}
}

// Pipe forwards events until the terminal one, returning the final result or
// error. Tokens are relayed strictly in the order received; exactly one
// terminal event is forwarded per trace.
func (r *Relay) Pipe(ctx context.Context, events <-chan orchestrator.Event, sink Sink) (*orchestrator.Result, error) {
	sinkAlive := sink != nil

	for ev := range events {
		r.publish(ctx, ev)

		if sinkAlive {
			if err := sink(ev); err != nil {
				log.Printf("relay: sink gone for trace %s: %v", ev.TraceID, err)
				sinkAlive = false
			}
		}

		switch ev.Type {
		case orchestrator.EventComplete:
			return ev.Result, nil
		case orchestrator.EventError:
			return nil, ev.Err
		}
	}

	return nil, ctx.Err()
}

// publish duplicates one event onto the pub/sub channel. Always best-effort:
// failures are logged and swallowed.
func (r *Relay) publish(ctx context.Context, ev orchestrator.Event) {
	if r.pub == nil {
		return
	}

	msg := StreamMessage{TraceID: ev.TraceID, Type: string(ev.Type)}
	switch ev.Type {
	case orchestrator.EventToken:
		msg.Content = ev.Token
	case orchestrator.EventProviderSwitch:
		msg.From = ev.Switch.From
		msg.To = ev.Switch.To
		msg.Reason = ev.Switch.Reason
	case orchestrator.EventComplete:
		msg.Response = ev.Result.Content
		msg.LLMProvider = ev.Result.Provider
		msg.Model = ev.Result.Model
	case orchestrator.EventError:
		msg.Error = ev.Err.Error()
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		log.Printf("relay: marshal failed for trace %s: %v", ev.TraceID, err)
		return
	}
	if err := r.pub.Publish(ctx, r.channel, payload); err != nil {
		log.Printf("relay: publish failed for trace %s: %v", ev.TraceID, err)
	}
}
