package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"crosstown/internal/bridge"

	"github.com/rabbitmq/amqp091-go"
)

var ErrNotStarted = errors.New("rabbitmq forwarder not started")

type Config struct {
	URL            string
	Exchange       string
	RoutingPrefix  string
	Database       string
	PublishTimeout time.Duration
	TLS            bridge.TLSConfig
	Auth           AuthConfig
}

type AuthConfig struct {
	Username string
	Password string
}

func (c *Config) withDefaults() {
	if c.Exchange == "" {
		c.Exchange = "crosstown.bridge"
	}
	if c.RoutingPrefix == "" {
		c.RoutingPrefix = "bridge"
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 5 * time.Second
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.URL) == "" {
		return fmt.Errorf("rabbitmq url is required")
	}
	if c.Exchange == "" {
		return fmt.Errorf("rabbitmq exchange is required")
	}
	return nil
}

type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
}

// Forwarder publishes bridge commands to a durable topic exchange with the
// routing key "<prefix>.<reducer>".
type Forwarder struct {
	cfg    Config
	logger *slog.Logger

	mu   sync.Mutex
	conn *amqp091.Connection
	ch   *amqp091.Channel
	pub  publisher
}

func NewForwarder(cfg Config, logger *slog.Logger) (*Forwarder, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Forwarder{cfg: cfg, logger: logger.With("component", "bridge", "mode", bridge.ModeRabbitMQ)}, nil
}

// Start dials the broker and declares the exchange.
func (f *Forwarder) Start(ctx context.Context) error {
	dialCfg, err := f.dialConfig()
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	conn, err := amqp091.DialConfig(f.cfg.URL, dialCfg)
	if err != nil {
		return fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open rabbitmq channel: %w", err)
	}
	if err := ch.ExchangeDeclare(f.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("declare exchange: %w", err)
	}
	f.mu.Lock()
	f.conn, f.ch, f.pub = conn, ch, ch
	f.mu.Unlock()
	f.logger.Info("bridge forwarder connected", "exchange", f.cfg.Exchange)
	return nil
}

// Forward publishes without holding f.mu; amqp091 channels accept concurrent
// publishes.
func (f *Forwarder) Forward(ctx context.Context, d bridge.Delivery) error {
	f.mu.Lock()
	pub := f.pub
	f.mu.Unlock()
	if pub == nil {
		return ErrNotStarted
	}
	cmd, err := bridge.NewCommand(f.cfg.Database, d)
	if err != nil {
		return err
	}
	payload, err := bridge.MarshalCommand(cmd)
	if err != nil {
		return fmt.Errorf("marshal bridge command: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, f.cfg.PublishTimeout)
	defer cancel()
	msg := amqp091.Publishing{
		ContentType:  "application/x-protobuf",
		DeliveryMode: amqp091.Persistent,
		MessageId:    d.Event.ID,
		Timestamp:    time.Now().UTC(),
		Headers:      amqp091.Table{"reducer": d.Packet.Reducer, "fee": d.Packet.Fee},
		Body:         payload,
	}
	if err := pub.PublishWithContext(ctx, f.cfg.Exchange, f.routingKey(d.Packet.Reducer), false, false, msg); err != nil {
		return fmt.Errorf("publish bridge command: %w", err)
	}
	f.logger.Debug("bridge command published", "pubkey", d.RedactedPubkey, "reducer", d.Packet.Reducer)
	return nil
}

func (f *Forwarder) routingKey(reducer string) string {
	if reducer == "" {
		reducer = "unknown"
	}
	return f.cfg.RoutingPrefix + "." + reducer
}

func (f *Forwarder) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pub = nil
	var errs []error
	if f.ch != nil {
		if err := f.ch.Close(); err != nil && !errors.Is(err, amqp091.ErrClosed) {
			errs = append(errs, err)
		}
		f.ch = nil
	}
	if f.conn != nil {
		if err := f.conn.Close(); err != nil && !errors.Is(err, amqp091.ErrClosed) {
			errs = append(errs, err)
		}
		f.conn = nil
	}
	return errors.Join(errs...)
}

func (f *Forwarder) dialConfig() (amqp091.Config, error) {
	cfg := amqp091.Config{Dial: amqp091.DefaultDial(f.cfg.PublishTimeout)}
	if f.cfg.Auth.Username != "" {
		cfg.SASL = []amqp091.Authentication{&amqp091.PlainAuth{Username: f.cfg.Auth.Username, Password: f.cfg.Auth.Password}}
	}
	tlsCfg, err := f.cfg.TLS.ClientConfig()
	if err != nil {
		return amqp091.Config{}, fmt.Errorf("rabbitmq tls: %w", err)
	}
	cfg.TLSClientConfig = tlsCfg
	return cfg, nil
}
