// Package broker is the publish/subscribe dispatch layer. A Driver (Kafka,
// AMQP, or the in-memory loopback) moves raw payloads; the Dispatcher owns
// the subscription registry and the degraded-mode policy, so callers are
// backend-agnostic.
package broker

import (
	"context"
	"time"

	"github.com/r0hmer/relaykit"
	"github.com/r0hmer/relaykit/config"
)

// Sink receives every payload a driver consumes. Bound once, before Connect.
type Sink func(topic string, payload []byte)

// Driver is the transport contract. Implementations own the producer and
// consumer connection states and must deliver messages of one partition (or
// one queue) in order; cross-topic ordering is unspecified.
type Driver interface {
	// Bind installs the delivery sink. Must be called before Connect;
	// the Dispatcher does this in New.
	Bind(sink Sink)

	Connect(ctx context.Context) error

	// Publish sends one serialized message. Fire-and-forget semantics:
	// drivers may complete the send asynchronously and log failures.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe starts consuming topic. Safe before Connect; drivers buffer
	// the topic and begin consuming once connected.
	Subscribe(topic string) error

	ProducerState() relaykit.ConnState
	ConsumerState() relaykit.ConnState

	Close(ctx context.Context) error
}

// Connector implements the per-backend connection lifecycle shared by the
// drivers: bounded attempts, liveness dial, and the mode policy (development
// degrades, production fails fast). Drivers embed it and call Establish from
// their Connect.
type Connector struct {
	mode    config.Mode
	timeout time.Duration
	retries int
	log     relaykit.Logger

	producer relaykit.StateVar
	consumer relaykit.StateVar
}

func NewConnector(mode config.Mode, timeout time.Duration, retries int, log relaykit.Logger) *Connector {
	cfg := config.Config{Mode: mode}
	cfg.Broker.ConnectTimeout = timeout
	cfg.Broker.ConnectRetries = retries
	cfg.ApplyDefaults()
	return &Connector{
		mode:    cfg.Mode,
		timeout: cfg.Broker.ConnectTimeout,
		retries: cfg.Broker.ConnectRetries,
		log:     relaykit.OrNop(log),
	}
}

func (c *Connector) ProducerState() relaykit.ConnState { return c.producer.Load() }
func (c *Connector) ConsumerState() relaykit.ConnState { return c.consumer.Load() }

func (c *Connector) Log() relaykit.Logger { return c.log }

// Establish runs dial with a bounded timeout per attempt and moves both
// connection states. Returns nil when degraded in development mode; the
// caller must check Connected before starting loops that need a live client.
func (c *Connector) Establish(ctx context.Context, backend string, dial func(context.Context) error) error {
	c.producer.Store(relaykit.StateConnecting)
	c.consumer.Store(relaykit.StateConnecting)

	var lastErr error
	for attempt := 1; attempt <= c.retries; attempt++ {
		dctx, cancel := context.WithTimeout(ctx, c.timeout)
		err := dial(dctx)
		cancel()
		if err == nil {
			c.producer.Store(relaykit.StateConnected)
			c.consumer.Store(relaykit.StateConnected)
			c.log.Info("broker connected", relaykit.Fields{"backend": backend, "attempt": attempt})
			return nil
		}
		lastErr = err
		c.log.Warn("broker connect attempt failed", relaykit.Fields{
			"backend": backend, "attempt": attempt, "of": c.retries, "err": err,
		})
	}

	if c.mode == config.Development {
		c.producer.Store(relaykit.StateDegraded)
		c.consumer.Store(relaykit.StateDegraded)
		c.log.Warn("broker unavailable, continuing degraded", relaykit.Fields{
			"backend": backend, "err": lastErr,
		})
		return nil
	}
	c.producer.Store(relaykit.StateDisconnected)
	c.consumer.Store(relaykit.StateDisconnected)
	return &relaykit.ConnectionError{Backend: backend, Attempts: c.retries, Err: lastErr}
}

// Disconnect resets both states. Called from driver Close on every path.
func (c *Connector) Disconnect() {
	c.producer.Store(relaykit.StateDisconnected)
	c.consumer.Store(relaykit.StateDisconnected)
}
