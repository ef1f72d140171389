package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"crosstown/internal/bridge"

	"github.com/twmb/franz-go/pkg/kgo"
)

var ErrClosed = errors.New("kafka forwarder closed")

type Config struct {
	Brokers         []string
	Topic           string
	ClientID        string
	Database        string
	DeliveryTimeout time.Duration
	TLS             bridge.TLSConfig
}

func (c *Config) withDefaults() {
	if c.Topic == "" {
		c.Topic = "crosstown.bridge"
	}
	if c.ClientID == "" {
		c.ClientID = "crosstown-bridge"
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = 30 * time.Second
	}
}

func (c Config) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("kafka.brokers is required")
	}
	if c.Topic == "" {
		return errors.New("kafka.topic is required")
	}
	return nil
}

// Forwarder publishes bridge commands to a Kafka topic, keyed by publisher so
// one publisher's commands stay ordered within a partition.
type Forwarder struct {
	cfg    Config
	logger *slog.Logger
	closed atomic.Bool

	produce func(context.Context, *kgo.Record, func(*kgo.Record, error))
	flush   func(context.Context) error
	close   func()
}

const closeFlushTimeout = 5 * time.Second

func NewForwarder(cfg Config, logger *slog.Logger, opts ...kgo.Opt) (*Forwarder, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	kopts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.ClientID(cfg.ClientID),
		kgo.AllowAutoTopicCreation(),
		kgo.RecordDeliveryTimeout(cfg.DeliveryTimeout),
	}
	tlsCfg, err := cfg.TLS.ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("kafka tls: %w", err)
	}
	if tlsCfg != nil {
		kopts = append(kopts, kgo.DialTLSConfig(tlsCfg))
	}
	kopts = append(kopts, opts...)

	cl, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("new kafka client: %w", err)
	}
	f := newForwarder(cfg, logger)
	f.produce = cl.TryProduce
	f.flush = cl.Flush
	f.close = cl.Close
	return f, nil
}

func newForwarder(cfg Config, logger *slog.Logger) *Forwarder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Forwarder{cfg: cfg, logger: logger.With("component", "bridge", "mode", bridge.ModeKafka)}
}

// Forward enqueues the command without waiting on the broker. A full client
// buffer fails the record with kgo.ErrMaxBuffered; that and every other
// delivery failure is logged from the produce callback.
func (f *Forwarder) Forward(ctx context.Context, d bridge.Delivery) error {
	if f.closed.Load() {
		return ErrClosed
	}
	cmd, err := bridge.NewCommand(f.cfg.Database, d)
	if err != nil {
		return err
	}
	payload, err := bridge.MarshalCommand(cmd)
	if err != nil {
		return fmt.Errorf("marshal bridge command: %w", err)
	}
	rec := &kgo.Record{
		Topic: f.cfg.Topic,
		Key:   []byte(d.Event.Pubkey),
		Value: payload,
		Headers: []kgo.RecordHeader{
			{Key: "event_id", Value: []byte(d.Event.ID)},
			{Key: "reducer", Value: []byte(d.Packet.Reducer)},
		},
	}
	f.produce(context.WithoutCancel(ctx), rec, func(r *kgo.Record, err error) {
		if err != nil {
			f.logger.Warn("bridge command produce failed", "pubkey", d.RedactedPubkey, "reducer", d.Packet.Reducer, "error", err)
			return
		}
		f.logger.Debug("bridge command produced", "pubkey", d.RedactedPubkey, "reducer", d.Packet.Reducer, "partition", r.Partition, "offset", r.Offset)
	})
	return nil
}

// Close waits up to closeFlushTimeout for buffered records, then shuts the
// client down.
func (f *Forwarder) Close() error {
	if !f.closed.CompareAndSwap(false, true) {
		return nil
	}
	var err error
	if f.flush != nil {
		ctx, cancel := context.WithTimeout(context.Background(), closeFlushTimeout)
		err = f.flush(ctx)
		cancel()
	}
	if f.close != nil {
		f.close()
	}
	return err
}
