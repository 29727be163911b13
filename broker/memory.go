package broker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/r0hmer/relaykit"
	"github.com/r0hmer/relaykit/config"
)

// MemoryDriver is an in-process loopback broker for development mode and
// tests: published payloads are delivered back through the sink by a single
// goroutine, so per-topic order is preserved the way a one-partition topic
// would.
type MemoryDriver struct {
	*Connector

	sink Sink

	mu     sync.Mutex
	topics map[string]struct{}

	queue   chan memMessage
	pending atomic.Int64
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

type memMessage struct {
	topic   string
	payload []byte
}

var _ Driver = (*MemoryDriver)(nil)

func NewMemoryDriver(mode config.Mode, log relaykit.Logger) *MemoryDriver {
	return &MemoryDriver{
		Connector: NewConnector(mode, 0, 0, log),
		topics:    make(map[string]struct{}),
		queue:     make(chan memMessage, 256),
		done:      make(chan struct{}),
	}
}

func (m *MemoryDriver) Bind(sink Sink) { m.sink = sink }

func (m *MemoryDriver) Connect(ctx context.Context) error {
	err := m.Establish(ctx, "broker-memory", func(context.Context) error { return nil })
	if err != nil {
		return err
	}
	m.wg.Add(1)
	go m.loop()
	return nil
}

func (m *MemoryDriver) loop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.done:
			return
		case msg := <-m.queue:
			m.mu.Lock()
			_, subscribed := m.topics[msg.topic]
			m.mu.Unlock()
			if subscribed && m.sink != nil {
				m.sink(msg.topic, msg.payload)
			}
			m.pending.Add(-1)
		}
	}
}

func (m *MemoryDriver) Publish(_ context.Context, topic string, payload []byte) error {
	m.pending.Add(1)
	select {
	case m.queue <- memMessage{topic: topic, payload: payload}:
		return nil
	case <-m.done:
		m.pending.Add(-1)
		return relaykit.ErrConnection
	}
}

func (m *MemoryDriver) Subscribe(topic string) error {
	m.mu.Lock()
	m.topics[topic] = struct{}{}
	m.mu.Unlock()
	return nil
}

// Drain blocks until every queued message has been dispatched. Test helper.
func (m *MemoryDriver) Drain() {
	for m.pending.Load() > 0 {
		select {
		case <-m.done:
			return
		default:
			time.Sleep(time.Millisecond)
		}
	}
}

func (m *MemoryDriver) Close(context.Context) error {
	m.once.Do(func() {
		close(m.done)
		m.wg.Wait()
		m.Disconnect()
	})
	return nil
}
