package transport

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/banshee-data/jointbridge/internal/monitoring"
)

// NATSOptions configures DialNATS.
type NATSOptions struct {
	URL           string
	Name          string
	ReconnectWait time.Duration
	Timeout       time.Duration
	DrainTimeout  time.Duration
}

func (o NATSOptions) withDefaults() NATSOptions {
	if o.URL == "" {
		o.URL = nats.DefaultURL
	}
	if o.Name == "" {
		o.Name = "jointbridge"
	}
	if o.ReconnectWait <= 0 {
		o.ReconnectWait = 2 * time.Second
	}
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = 5 * time.Second
	}
	return o
}

// NATSBus is a Bus over a NATS connection. Topic "/a/b" is published on
// subject "a.b".
type NATSBus struct {
	nc     *nats.Conn
	owned  bool
	closed chan struct{}
	drain  time.Duration

	mu   sync.Mutex
	subs []*nats.Subscription
	done bool
}

// DialNATS connects to the server at opts.URL. The connection reconnects
// forever; Close drains it.
func DialNATS(opts NATSOptions) (*NATSBus, error) {
	opts = opts.withDefaults()
	log := monitoring.For("NATS")
	closed := make(chan struct{})

	nc, err := nats.Connect(opts.URL,
		nats.Name(opts.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(opts.ReconnectWait),
		nats.Timeout(opts.Timeout),
		nats.DrainTimeout(opts.DrainTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Printf("reconnected to %s", c.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			if sub != nil {
				log.Printf("error on %s: %v", sub.Subject, err)
				return
			}
			log.Printf("error: %v", err)
		}),
		nats.ClosedHandler(func(*nats.Conn) { close(closed) }),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", opts.URL, err)
	}
	log.Printf("connected to %s", nc.ConnectedUrl())

	return &NATSBus{nc: nc, owned: true, closed: closed, drain: opts.DrainTimeout}, nil
}

// NewNATSBus wraps an existing connection. Close unsubscribes but leaves the
// connection open.
func NewNATSBus(nc *nats.Conn) *NATSBus {
	return &NATSBus{nc: nc}
}

// Subscribe delivers messages on the subject for topic to h. nats.go runs
// each subscription's callbacks on one goroutine, preserving order.
func (b *NATSBus) Subscribe(topic string, h Handler) (Subscription, error) {
	subject, err := SubjectForTopic(topic)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done {
		return nil, ErrClosed
	}
	sub, err := b.nc.Subscribe(subject, func(m *nats.Msg) { h(m.Data) })
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	b.subs = append(b.subs, sub)
	return sub, nil
}

// Publish sends payload on the subject for topic.
func (b *NATSBus) Publish(topic string, payload []byte) error {
	subject, err := SubjectForTopic(topic)
	if err != nil {
		return err
	}
	if err := b.nc.Publish(subject, payload); err != nil {
		if errors.Is(err, nats.ErrConnectionClosed) {
			return ErrClosed
		}
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// Close drains the connection if the bus owns it, waiting up to the drain
// timeout for pending messages to be handled. Otherwise it drains only the
// bus's own subscriptions.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	if b.done {
		b.mu.Unlock()
		return nil
	}
	b.done = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	if !b.owned {
		var errs []error
		for _, s := range subs {
			if err := s.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}

	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
		return fmt.Errorf("failed to drain NATS connection: %w", err)
	}
	select {
	case <-b.closed:
	case <-time.After(b.drain + time.Second):
		b.nc.Close()
	}
	return nil
}
