// Package kafka implements broker.Driver on franz-go. One kgo client serves
// both produce and consume; per-partition delivery order is preserved by
// dispatching partitions sequentially from the poll loop.
package kafka

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"sync"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl/plain"

	"github.com/r0hmer/relaykit"
	"github.com/r0hmer/relaykit/broker"
	"github.com/r0hmer/relaykit/config"
)

type Driver struct {
	*broker.Connector

	cfg  config.BrokerConfig
	sink broker.Sink

	mu      sync.Mutex
	client  *kgo.Client
	pending []string // topics subscribed before connect

	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

var _ broker.Driver = (*Driver)(nil)

func New(cfg config.BrokerConfig, mode config.Mode, log relaykit.Logger) *Driver {
	return &Driver{
		Connector: broker.NewConnector(mode, cfg.ConnectTimeout, cfg.ConnectRetries, log),
		cfg:       cfg,
	}
}

func (d *Driver) Bind(sink broker.Sink) { d.sink = sink }

func (d *Driver) Connect(ctx context.Context) error {
	err := d.Establish(ctx, "broker-kafka", d.dial)
	if err != nil {
		return err
	}
	if d.ProducerState() != relaykit.StateConnected {
		// degraded in development mode; no client, no loop
		return nil
	}

	d.mu.Lock()
	cl := d.client
	d.mu.Unlock()

	loopCtx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.wg.Add(1)
	go d.poll(loopCtx, cl)
	return nil
}

func (d *Driver) dial(ctx context.Context) error {
	d.mu.Lock()
	pending := append([]string(nil), d.pending...)
	d.mu.Unlock()

	opts := []kgo.Opt{
		kgo.SeedBrokers(d.cfg.Brokers...),
	}
	if d.cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(d.cfg.ClientID))
	}
	if d.cfg.GroupID != "" {
		opts = append(opts, kgo.ConsumerGroup(d.cfg.GroupID))
	}
	if len(pending) > 0 {
		opts = append(opts, kgo.ConsumeTopics(pending...))
	}
	if d.cfg.TLS.Enabled {
		opts = append(opts, kgo.DialTLSConfig(&tls.Config{
			InsecureSkipVerify: d.cfg.TLS.InsecureSkipVerify,
		}))
	}
	if d.cfg.SASL.Enabled {
		if !strings.EqualFold(d.cfg.SASL.Mechanism, "plain") {
			return fmt.Errorf("unsupported sasl mechanism %q", d.cfg.SASL.Mechanism)
		}
		opts = append(opts, kgo.SASL(plain.Auth{
			User: d.cfg.SASL.Username,
			Pass: d.cfg.SASL.Password,
		}.AsMechanism()))
	}

	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return fmt.Errorf("new kafka client: %w", err)
	}
	if err := cl.Ping(ctx); err != nil {
		cl.Close()
		return fmt.Errorf("kafka ping: %w", err)
	}

	d.mu.Lock()
	d.client = cl
	d.mu.Unlock()
	return nil
}

func (d *Driver) poll(ctx context.Context, cl *kgo.Client) {
	defer d.wg.Done()
	for {
		fetches := cl.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return
		}
		for _, fe := range fetches.Errors() {
			d.Log().Error("kafka fetch error", relaykit.Fields{
				"topic": fe.Topic, "partition": fe.Partition, "err": fe.Err,
			})
		}
		fetches.EachPartition(func(p kgo.FetchTopicPartition) {
			for _, rec := range p.Records {
				d.sink(rec.Topic, rec.Value)
			}
		})
	}
}

// Publish produces fire-and-forget; delivery failures are logged by the
// promise, not surfaced to the caller.
func (d *Driver) Publish(ctx context.Context, topic string, payload []byte) error {
	d.mu.Lock()
	cl := d.client
	d.mu.Unlock()
	if cl == nil {
		return relaykit.ErrConnection
	}
	rec := &kgo.Record{Topic: topic, Value: payload}
	cl.Produce(ctx, rec, func(r *kgo.Record, err error) {
		if err != nil {
			d.Log().Error("kafka produce failed", relaykit.Fields{"topic": r.Topic, "err": err})
		}
	})
	return nil
}

func (d *Driver) Subscribe(topic string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.client == nil {
		d.pending = append(d.pending, topic)
		return nil
	}
	d.client.AddConsumeTopics(topic)
	return nil
}

func (d *Driver) Close(context.Context) error {
	d.once.Do(func() {
		if d.cancel != nil {
			d.cancel()
		}
		d.mu.Lock()
		cl := d.client
		d.client = nil
		d.mu.Unlock()
		if cl != nil {
			cl.Close()
		}
		d.wg.Wait()
		d.Disconnect()
	})
	return nil
}
