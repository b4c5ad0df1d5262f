// Package bus wraps the NATS connection behind the small transport surface
// the recorder and replayer need: wildcard subscriptions driving callbacks,
// declared publishers, and a best-effort "query latest values" primitive
// used to seed a recording from upstream storage.
package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// HeaderKey carries the original pub/sub key on query replies, where the
// NATS subject is a reply inbox rather than the key itself.
const HeaderKey = "Tape-Key"

// Sample is one message as observed on the bus: the key it arrived on and
// the raw encoded envelope. Consumed exactly once by the recorder.
type Sample struct {
	Topic string
	Data  []byte
}

// Conn is a bus connection. All methods are safe for concurrent use.
type Conn struct {
	nc *nats.Conn
}

// Connect opens a connection with automatic reconnection.
func Connect(url string, opts ...nats.Option) (*Conn, error) {
	defaults := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	}
	nc, err := nats.Connect(url, append(defaults, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("connecting to bus at %s: %w", url, err)
	}
	return &Conn{nc: nc}, nil
}

// Subscription is a live wildcard subscription.
type Subscription struct {
	sub *nats.Subscription
}

// Undeclare removes the subscription. No new callbacks start after it
// returns; an in-flight callback may still be executing.
func (s *Subscription) Undeclare() error {
	return s.sub.Unsubscribe()
}

// Subscribe invokes fn from the transport's own goroutines for every
// message matching pattern (NATS wildcards: "*" one token, ">" rest).
func (c *Conn) Subscribe(pattern string, fn func(Sample)) (*Subscription, error) {
	sub, err := c.nc.Subscribe(pattern, func(msg *nats.Msg) {
		fn(Sample{Topic: msg.Subject, Data: msg.Data})
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", pattern, err)
	}
	// Flush ensures the subscription is registered on the server before
	// returning, so messages published on other connections are routed.
	if err := c.nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("flushing subscription: %w", err)
	}
	return &Subscription{sub: sub}, nil
}

// Publisher is a declared publisher bound to one key.
type Publisher struct {
	nc    *nats.Conn
	topic string
}

// DeclarePublisher returns a publisher handle for topic.
func (c *Conn) DeclarePublisher(topic string) *Publisher {
	return &Publisher{nc: c.nc, topic: topic}
}

func (p *Publisher) Topic() string { return p.topic }

// Publish sends data on the publisher's key.
func (p *Publisher) Publish(data []byte) error {
	return p.nc.Publish(p.topic, data)
}

// Publish sends data on an arbitrary key.
func (c *Conn) Publish(topic string, data []byte) error {
	return c.nc.Publish(topic, data)
}

// Flush blocks until the server has processed everything sent so far.
func (c *Conn) Flush() error { return c.nc.Flush() }

// QueryLatest asks any responders holding state for pattern to reply with
// their latest values, invoking fn per reply until the context deadline
// passes or no more replies arrive. Replies carry the original key in the
// HeaderKey header; replies without it fall back to pattern when pattern
// has no wildcard and are skipped otherwise. Errors are returned for the
// caller to log; the whole operation is best-effort.
func (c *Conn) QueryLatest(ctx context.Context, pattern string, fn func(Sample)) error {
	inbox := nats.NewInbox()
	sub, err := c.nc.SubscribeSync(inbox)
	if err != nil {
		return fmt.Errorf("subscribing to query inbox: %w", err)
	}
	defer sub.Unsubscribe() //nolint:errcheck

	if err := c.nc.PublishRequest(pattern, inbox, nil); err != nil {
		return fmt.Errorf("publishing query for %s: %w", pattern, err)
	}
	if err := c.nc.Flush(); err != nil {
		return fmt.Errorf("flushing query: %w", err)
	}

	wildcard := strings.ContainsAny(pattern, "*>")
	for {
		msg, err := sub.NextMsgWithContext(ctx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("awaiting query replies for %s: %w", pattern, err)
		}
		topic := msg.Header.Get(HeaderKey)
		if topic == "" {
			if wildcard {
				continue
			}
			topic = pattern
		}
		fn(Sample{Topic: topic, Data: msg.Data})
	}
}

// Close drains and closes the connection.
func (c *Conn) Close() error {
	c.nc.Close()
	return nil
}
