package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/r0hmer/relaykit"
	"github.com/r0hmer/relaykit/config"
)

// Delivery is what a handler receives for each consumed message. Decoded is
// false when the payload was not a valid event document; the raw bytes are
// passed through unchanged rather than dropped.
type Delivery struct {
	Topic   string
	Raw     []byte
	Event   relaykit.Event
	Decoded bool
}

// Handler processes one delivery. A returned error (or a panic) is logged
// and isolated to that message; it never stops the subscription.
type Handler func(ctx context.Context, d Delivery) error

// Dispatcher fans published events out to the broker and consumed payloads
// out to an explicit topic -> ordered-handlers registry.
type Dispatcher struct {
	driver Driver
	log    relaykit.Logger
	mode   config.Mode

	mu   sync.RWMutex
	subs map[string][]Handler
}

type Options struct {
	Driver Driver
	Logger relaykit.Logger
	Mode   config.Mode
}

func NewDispatcher(opts Options) (*Dispatcher, error) {
	if opts.Driver == nil {
		return nil, fmt.Errorf("broker: driver is required")
	}
	if opts.Mode == "" {
		opts.Mode = config.Development
	}
	d := &Dispatcher{
		driver: opts.Driver,
		log:    relaykit.OrNop(opts.Logger),
		mode:   opts.Mode,
		subs:   make(map[string][]Handler),
	}
	d.driver.Bind(d.dispatch)
	return d, nil
}

func (d *Dispatcher) Connect(ctx context.Context) error { return d.driver.Connect(ctx) }

func (d *Dispatcher) Close(ctx context.Context) error { return d.driver.Close(ctx) }

// Publish serializes each event independently and hands it to the driver.
// When the producer connection is not usable: development mode logs the
// intended send and reports success; production mode fails with
// ErrConnection.
func (d *Dispatcher) Publish(ctx context.Context, topic string, events ...relaykit.Event) error {
	if d.driver.ProducerState() != relaykit.StateConnected {
		if d.mode == config.Development {
			for _, e := range events {
				d.log.Debug("publish skipped (producer not connected)", relaykit.Fields{
					"topic": topic, "type": e.Type,
				})
			}
			return nil
		}
		return fmt.Errorf("publish to %q: %w", topic, relaykit.ErrConnection)
	}

	var firstErr error
	for _, e := range events {
		payload, err := e.Marshal()
		if err != nil {
			d.log.Error("event serialization failed, skipping", relaykit.Fields{
				"topic": topic, "type": e.Type, "err": err,
			})
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := d.driver.Publish(ctx, topic, payload); err != nil {
			return err
		}
	}
	return firstErr
}

// Subscribe registers handler at the end of topic's handler list and starts
// consumption of the topic. Handlers run in registration order per message.
// The driver is told about a topic exactly once, on its first handler; the
// fan-out to later handlers happens in dispatch, so drivers whose Subscribe
// opens a new consumer per call still deliver each message once.
func (d *Dispatcher) Subscribe(topic string, h Handler) error {
	d.mu.Lock()
	d.subs[topic] = append(d.subs[topic], h)
	first := len(d.subs[topic]) == 1
	d.mu.Unlock()
	if !first {
		return nil
	}
	return d.driver.Subscribe(topic)
}

func (d *Dispatcher) ProducerState() relaykit.ConnState { return d.driver.ProducerState() }
func (d *Dispatcher) ConsumerState() relaykit.ConnState { return d.driver.ConsumerState() }

// Health derives the broker status document from the connection states.
func (d *Dispatcher) Health() map[string]string {
	return map[string]string{
		"producer": d.driver.ProducerState().String(),
		"consumer": d.driver.ConsumerState().String(),
	}
}

// dispatch is the driver sink: decode-or-raw, then fan out with per-handler
// isolation.
func (d *Dispatcher) dispatch(topic string, payload []byte) {
	delivery := Delivery{Topic: topic, Raw: payload}
	if ev, err := relaykit.DecodeEvent(payload); err == nil {
		delivery.Event = ev
		delivery.Decoded = true
	} else {
		d.log.Debug("payload is not an event document, passing raw", relaykit.Fields{
			"topic": topic, "err": err,
		})
	}

	d.mu.RLock()
	handlers := d.subs[topic]
	d.mu.RUnlock()

	ctx := context.Background()
	for i, h := range handlers {
		d.invoke(ctx, topic, i, h, delivery)
	}
}

func (d *Dispatcher) invoke(ctx context.Context, topic string, idx int, h Handler, delivery Delivery) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("handler panicked", relaykit.Fields{
				"topic": topic, "handler": idx, "panic": r,
			})
		}
	}()
	if err := h(ctx, delivery); err != nil {
		d.log.Error("handler failed", relaykit.Fields{
			"topic": topic, "handler": idx, "type": delivery.Event.Type, "err": err,
		})
	}
}
