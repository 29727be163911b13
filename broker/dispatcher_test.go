package broker

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/r0hmer/relaykit"
	"github.com/r0hmer/relaykit/config"
)

type capture struct {
	mu    sync.Mutex
	got   []Delivery
	calls int
}

func (c *capture) handler(_ context.Context, d Delivery) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, d)
	c.calls++
	return nil
}

func newLoopback(t *testing.T, mode config.Mode) (*Dispatcher, *MemoryDriver) {
	t.Helper()
	drv := NewMemoryDriver(mode, nil)
	d, err := NewDispatcher(Options{Driver: drv, Mode: mode})
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	return d, drv
}

func TestPublishSubscribeRoundTrip(t *testing.T) {
	ctx := context.Background()
	d, drv := newLoopback(t, config.Development)
	defer d.Close(ctx)

	var c capture
	if err := d.Subscribe("orders", c.handler); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := d.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	ev := relaykit.NewEvent("ORDER_PLACED")
	ev.UserID = "u1"
	ev.Data["total"] = 42.5
	if err := d.Publish(ctx, "orders", ev); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	drv.Drain()

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.got) != 1 {
		t.Fatalf("delivered %d messages, want 1", len(c.got))
	}
	got := c.got[0]
	if !got.Decoded || got.Event.Type != "ORDER_PLACED" || got.Event.UserID != "u1" {
		t.Fatalf("delivery = %+v, want decoded ORDER_PLACED for u1", got)
	}
	if got.Event.Data["total"] != 42.5 {
		t.Fatalf("domain field lost: %v", got.Event.Data)
	}
}

func TestHandlersRunInRegistrationOrder(t *testing.T) {
	ctx := context.Background()
	d, drv := newLoopback(t, config.Development)
	defer d.Close(ctx)

	var mu sync.Mutex
	var order []string
	add := func(name string) Handler {
		return func(context.Context, Delivery) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}
	_ = d.Subscribe("t", add("first"))
	_ = d.Subscribe("t", add("second"))
	if err := d.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	_ = d.Publish(ctx, "t", relaykit.NewEvent("E"))
	drv.Drain()

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("handler order = %v, want [first second]", order)
	}
}

// fanoutDriver models a queue-per-subscription broker: every Subscribe call
// opens another consumer for the topic, and a published message is delivered
// once per consumer.
type fanoutDriver struct {
	sink Sink

	mu        sync.Mutex
	consumers map[string]int
}

func newFanoutDriver() *fanoutDriver {
	return &fanoutDriver{consumers: map[string]int{}}
}

func (f *fanoutDriver) Bind(sink Sink)                    { f.sink = sink }
func (f *fanoutDriver) Connect(context.Context) error     { return nil }
func (f *fanoutDriver) Close(context.Context) error       { return nil }
func (f *fanoutDriver) ProducerState() relaykit.ConnState { return relaykit.StateConnected }
func (f *fanoutDriver) ConsumerState() relaykit.ConnState { return relaykit.StateConnected }

func (f *fanoutDriver) Subscribe(topic string) error {
	f.mu.Lock()
	f.consumers[topic]++
	f.mu.Unlock()
	return nil
}

func (f *fanoutDriver) Publish(_ context.Context, topic string, payload []byte) error {
	f.mu.Lock()
	n := f.consumers[topic]
	f.mu.Unlock()
	for i := 0; i < n; i++ {
		f.sink(topic, payload)
	}
	return nil
}

func TestSecondHandlerDoesNotOpenSecondConsumer(t *testing.T) {
	ctx := context.Background()
	drv := newFanoutDriver()
	d, err := NewDispatcher(Options{Driver: drv, Mode: config.Development})
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}

	var a, b capture
	_ = d.Subscribe("t", a.handler)
	_ = d.Subscribe("t", b.handler)

	drv.mu.Lock()
	n := drv.consumers["t"]
	drv.mu.Unlock()
	if n != 1 {
		t.Fatalf("driver has %d consumers for one topic, want 1", n)
	}

	if err := d.Publish(ctx, "t", relaykit.NewEvent("E")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	a.mu.Lock()
	aCalls := a.calls
	a.mu.Unlock()
	b.mu.Lock()
	bCalls := b.calls
	b.mu.Unlock()
	if aCalls != 1 || bCalls != 1 {
		t.Fatalf("one message invoked handlers %d and %d times, want once each", aCalls, bCalls)
	}
}

func TestPublishSkipsUnserializableEvent(t *testing.T) {
	ctx := context.Background()
	d, drv := newLoopback(t, config.Development)
	defer d.Close(ctx)

	var c capture
	_ = d.Subscribe("t", c.handler)
	if err := d.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	bad := relaykit.NewEvent("BAD")
	bad.Data["ch"] = make(chan int)
	good := relaykit.NewEvent("GOOD")

	err := d.Publish(ctx, "t", bad, good)
	if !errors.Is(err, relaykit.ErrSerialization) {
		t.Fatalf("Publish with unserializable event = %v, want ErrSerialization", err)
	}
	drv.Drain()

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.got) != 1 || c.got[0].Event.Type != "GOOD" {
		t.Fatalf("deliveries after bad event = %+v, want only GOOD", c.got)
	}
}

func TestHandlerFailureIsIsolated(t *testing.T) {
	ctx := context.Background()
	d, drv := newLoopback(t, config.Development)
	defer d.Close(ctx)

	var c capture
	_ = d.Subscribe("t", func(context.Context, Delivery) error {
		return errors.New("handler exploded")
	})
	_ = d.Subscribe("t", func(context.Context, Delivery) error {
		panic("handler panicked")
	})
	_ = d.Subscribe("t", c.handler)
	if err := d.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	_ = d.Publish(ctx, "t", relaykit.NewEvent("A"))
	_ = d.Publish(ctx, "t", relaykit.NewEvent("B"))
	drv.Drain()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.calls != 2 {
		t.Fatalf("surviving handler ran %d times, want 2 — failures must not stop the loop", c.calls)
	}
}

func TestUndecodablePayloadPassesRaw(t *testing.T) {
	ctx := context.Background()
	d, drv := newLoopback(t, config.Development)
	defer d.Close(ctx)

	var c capture
	_ = d.Subscribe("t", c.handler)
	if err := d.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	raw := []byte("not json at all")
	if err := drv.Publish(ctx, "t", raw); err != nil {
		t.Fatalf("driver publish: %v", err)
	}
	drv.Drain()

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.got) != 1 {
		t.Fatalf("delivered %d, want 1 — bad payloads are passed through, not dropped", len(c.got))
	}
	if c.got[0].Decoded {
		t.Fatalf("garbage payload reported as decoded")
	}
	if string(c.got[0].Raw) != string(raw) {
		t.Fatalf("raw payload mutated: %q", c.got[0].Raw)
	}
}

func TestDegradedPublishPolicy(t *testing.T) {
	ctx := context.Background()

	// development: producer never connected, publish is a logged no-op
	dev, _ := newLoopback(t, config.Development)
	if err := dev.Publish(ctx, "t", relaykit.NewEvent("E")); err != nil {
		t.Fatalf("development publish on dead producer = %v, want nil", err)
	}

	// production: same situation is a connection error
	prod, _ := newLoopback(t, config.Production)
	err := prod.Publish(ctx, "t", relaykit.NewEvent("E"))
	if !errors.Is(err, relaykit.ErrConnection) {
		t.Fatalf("production publish on dead producer = %v, want ErrConnection", err)
	}
}

func TestHealthReflectsStates(t *testing.T) {
	ctx := context.Background()
	d, _ := newLoopback(t, config.Development)

	h := d.Health()
	if h["producer"] != "disconnected" || h["consumer"] != "disconnected" {
		t.Fatalf("health before connect = %v", h)
	}

	if err := d.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer d.Close(ctx)
	h = d.Health()
	if h["producer"] != "connected" || h["consumer"] != "connected" {
		t.Fatalf("health after connect = %v", h)
	}
}
