// Package amqp implements broker.Driver on RabbitMQ. Events are published to
// a topic exchange with the topic as routing key; each subscription gets its
// own server-named queue and channel, so deliveries of one queue arrive in
// order.
package amqp

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"

	"github.com/rabbitmq/amqp091-go"

	"github.com/r0hmer/relaykit"
	"github.com/r0hmer/relaykit/broker"
	"github.com/r0hmer/relaykit/config"
)

const defaultExchange = "relaykit.events"

type Driver struct {
	*broker.Connector

	cfg      config.BrokerConfig
	exchange string
	sink     broker.Sink

	mu      sync.Mutex
	conn    *amqp091.Connection
	pubCh   *amqp091.Channel
	pending []string

	wg   sync.WaitGroup
	once sync.Once
	done chan struct{}
}

var _ broker.Driver = (*Driver)(nil)

func New(cfg config.BrokerConfig, mode config.Mode, log relaykit.Logger) *Driver {
	ex := cfg.Exchange
	if ex == "" {
		ex = defaultExchange
	}
	return &Driver{
		Connector: broker.NewConnector(mode, cfg.ConnectTimeout, cfg.ConnectRetries, log),
		cfg:       cfg,
		exchange:  ex,
		done:      make(chan struct{}),
	}
}

func (d *Driver) Bind(sink broker.Sink) { d.sink = sink }

func (d *Driver) Connect(ctx context.Context) error {
	if err := d.Establish(ctx, "broker-amqp", d.dial); err != nil {
		return err
	}
	if d.ConsumerState() != relaykit.StateConnected {
		return nil
	}

	d.mu.Lock()
	pending := d.pending
	d.pending = nil
	d.mu.Unlock()
	for _, topic := range pending {
		if err := d.consume(topic); err != nil {
			return err
		}
	}
	return nil
}

func (d *Driver) dial(context.Context) error {
	var (
		conn *amqp091.Connection
		err  error
	)
	if d.cfg.TLS.Enabled {
		conn, err = amqp091.DialTLS(d.cfg.URL, &tls.Config{
			InsecureSkipVerify: d.cfg.TLS.InsecureSkipVerify,
		})
	} else {
		conn, err = amqp091.Dial(d.cfg.URL)
	}
	if err != nil {
		return fmt.Errorf("amqp dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(d.exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return fmt.Errorf("declare exchange %q: %w", d.exchange, err)
	}

	d.mu.Lock()
	d.conn = conn
	d.pubCh = ch
	d.mu.Unlock()
	return nil
}

func (d *Driver) Publish(ctx context.Context, topic string, payload []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pubCh == nil {
		return relaykit.ErrConnection
	}
	return d.pubCh.PublishWithContext(ctx, d.exchange, topic, false, false, amqp091.Publishing{
		ContentType: "application/json",
		Body:        payload,
	})
}

func (d *Driver) Subscribe(topic string) error {
	d.mu.Lock()
	connected := d.conn != nil
	if !connected {
		d.pending = append(d.pending, topic)
	}
	d.mu.Unlock()
	if !connected {
		return nil
	}
	return d.consume(topic)
}

// consume binds a fresh server-named queue to the exchange for topic and
// drains it on its own goroutine.
func (d *Driver) consume(topic string) error {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn == nil {
		return relaykit.ErrConnection
	}

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("amqp consume channel: %w", err)
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		ch.Close()
		return fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, topic, d.exchange, false, nil); err != nil {
		ch.Close()
		return fmt.Errorf("bind queue to %q: %w", topic, err)
	}
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		ch.Close()
		return fmt.Errorf("consume %q: %w", topic, err)
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer ch.Close()
		for {
			select {
			case <-d.done:
				return
			case msg, ok := <-deliveries:
				if !ok {
					return
				}
				d.sink(topic, msg.Body)
			}
		}
	}()
	return nil
}

func (d *Driver) Close(context.Context) error {
	d.once.Do(func() {
		close(d.done)
		d.mu.Lock()
		conn := d.conn
		d.conn = nil
		d.pubCh = nil
		d.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		d.wg.Wait()
		d.Disconnect()
	})
	return nil
}
