// Package pubsub is the durable secondary transport for stream events. It is
// strictly best-effort: a broken channel degrades to a no-op and can never
// fail the primary response path.
package pubsub

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"
)

// Publisher pushes one JSON payload to a named channel, fire-and-forget.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Subscriber opens a multiplexed message feed for a channel. The returned
// cancel func releases the subscription.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error)
}

const (
	outboxSize         = 256
	publishMaxTries    = 3
	maxPublishFailures = 5
)

type publishFunc func(ctx context.Context, channel string, payload []byte) error

type outboxItem struct {
	channel string
	payload []byte
}

// RedisPublisher publishes through Redis Pub/Sub via a non-blocking outbox:
// Publish enqueues and returns immediately, a single worker goroutine drains
// the queue with bounded retry. After maxPublishFailures consecutive failed
// publishes the publisher goes permanently quiet until process restart.
type RedisPublisher struct {
	publish      publishFunc
	retryInitial time.Duration
	outbox       chan outboxItem
	disabled     atomic.Bool
	failures     atomic.Int32
	done         chan struct{}
	once         sync.Once
}

func NewRedisPublisher(rdb *redis.Client) *RedisPublisher {
	return newPublisher(func(ctx context.Context, channel string, payload []byte) error {
		return rdb.Publish(ctx, channel, payload).Err()
	})
}

func newPublisher(fn publishFunc) *RedisPublisher {
	p := &RedisPublisher{
		publish:      fn,
		retryInitial: 100 * time.Millisecond,
		outbox:       make(chan outboxItem, outboxSize),
		done:         make(chan struct{}),
	}
	go p.drain()
	return p
}

// Publish enqueues the payload and never blocks. A full outbox drops the
// message (logged), matching the best-effort contract.
func (p *RedisPublisher) Publish(ctx context.Context, channel string, payload []byte) error {
	if p.disabled.Load() {
		return nil
	}
	select {
	case p.outbox <- outboxItem{channel: channel, payload: payload}:
	default:
		log.Printf("pubsub: outbox full, dropping message for %s", channel)
	}
	return nil
}

// Close stops the worker. Queued items are abandoned.
func (p *RedisPublisher) Close() {
	p.once.Do(func() { close(p.done) })
}

func (p *RedisPublisher) drain() {
	for {
		select {
		case <-p.done:
			return
		case item := <-p.outbox:
			p.deliver(item)
		}
	}
}

func (p *RedisPublisher) deliver(item outboxItem) {
	if p.disabled.Load() {
		return
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = p.retryInitial
	expo.MaxInterval = 2 * time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, p.publish(ctx, item.channel, item.payload)
	}, backoff.WithBackOff(expo), backoff.WithMaxTries(publishMaxTries))

	if err != nil {
		failures := p.failures.Add(1)
		log.Printf("pubsub: publish to %s failed (%d consecutive): %v", item.channel, failures, err)
		if failures >= maxPublishFailures {
			p.disabled.Store(true)
			log.Printf("pubsub: giving up on publishing until restart")
		}
		return
	}
	p.failures.Store(0)
}

// RedisSubscriber consumes the multiplexed channel on the client side.
type RedisSubscriber struct {
	rdb *redis.Client
}

func NewRedisSubscriber(rdb *redis.Client) *RedisSubscriber {
	return &RedisSubscriber{rdb: rdb}
}

func (s *RedisSubscriber) Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error) {
	sub := s.rdb.Subscribe(ctx, channel)
	// Confirm the subscription before handing back the feed.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, err
	}

	out := make(chan []byte)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			select {
			case out <- []byte(msg.Payload):
			case <-ctx.Done():
				return
			}
		}
	}()

	cancel := func() { _ = sub.Close() }
	return out, cancel, nil
}
