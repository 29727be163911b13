// Package realtime provides per-connection duplex channel handles for the
// front end. Each Conn owns its heartbeat timer and releases it
// deterministically on Close — there is no global map of live timers.
package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/r0hmer/relaykit"
	"github.com/r0hmer/relaykit/broker"
)

// Topics for connection traffic.
const (
	TopicHeartbeat   = "heartbeat"
	TopicUserMessage = "user-message"
)

// Peer is the outbound half of the duplex channel, supplied by the front end
// (typically a WebSocket write). Send must be safe for use from the
// heartbeat goroutine.
type Peer interface {
	Send(payload []byte) error
}

// Conn is one live client connection. Open starts the heartbeat; the front
// end calls HandleText for each inbound text frame and Close when the socket
// goes away.
type Conn struct {
	id         string
	peer       Peer
	dispatcher *broker.Dispatcher
	log        relaykit.Logger
	interval   time.Duration

	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

type Options struct {
	Peer       Peer
	Dispatcher *broker.Dispatcher
	Logger     relaykit.Logger

	// HeartbeatInterval between emitted heartbeats. 0 => 30s.
	HeartbeatInterval time.Duration
}

// Open registers a new connection handle and starts its heartbeat loop.
func Open(opts Options) *Conn {
	interval := opts.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	c := &Conn{
		id:         relaykit.NewID(),
		peer:       opts.Peer,
		dispatcher: opts.Dispatcher,
		log:        relaykit.OrNop(opts.Logger),
		interval:   interval,
		done:       make(chan struct{}),
	}
	c.wg.Add(1)
	go c.heartbeat()
	return c
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) heartbeat() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			ev := relaykit.NewEvent(TopicHeartbeat)
			ev.Data["connectionId"] = c.id

			payload, err := ev.Marshal()
			if err != nil {
				c.log.Error("heartbeat encode failed", relaykit.Fields{"conn": c.id, "err": err})
				continue
			}
			if err := c.peer.Send(payload); err != nil {
				c.log.Debug("heartbeat send failed", relaykit.Fields{"conn": c.id, "err": err})
			}
			if err := c.dispatcher.Publish(context.Background(), TopicHeartbeat, ev); err != nil {
				c.log.Debug("heartbeat publish failed", relaykit.Fields{"conn": c.id, "err": err})
			}
		}
	}
}

// HandleText forwards one inbound client text frame: echoed back to the peer
// and published as a user-message event.
func (c *Conn) HandleText(ctx context.Context, text string) error {
	if err := c.peer.Send([]byte("echo: " + text)); err != nil {
		c.log.Debug("echo send failed", relaykit.Fields{"conn": c.id, "err": err})
	}

	ev := relaykit.NewEvent(TopicUserMessage)
	ev.Data["connectionId"] = c.id
	ev.Data["message"] = text
	return c.dispatcher.Publish(ctx, TopicUserMessage, ev)
}

// Close stops the heartbeat exactly once and waits for the loop to exit.
// Safe to call multiple times and from any goroutine.
func (c *Conn) Close() {
	c.once.Do(func() {
		close(c.done)
		c.wg.Wait()
	})
}
