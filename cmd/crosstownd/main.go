package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"crosstown/internal/bridge"
	"crosstown/internal/bridge/kafka"
	"crosstown/internal/bridge/rabbitmq"
	"crosstown/internal/config"
	"crosstown/internal/httpapi"
	"crosstown/internal/relay"
	"crosstown/internal/storage/memory"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "crosstownd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfgPath := pflag.String("config", config.DefaultPath, "path to config file (TOML or YAML)")
	pflag.Parse()

	cfg, missing, err := config.Load(*cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	level, err := config.ParseLevel(cfg.Server.LogLevel)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	if missing {
		logger.Warn("config file not found, using defaults", "path", *cfgPath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mode := cfg.Bridge.PropagationMode
	logger.Info("bridge propagation mode", "mode", mode)
	fwd, closer, err := newForwarder(ctx, cfg.Bridge, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := closer.Close(); err != nil {
			logger.Warn("close bridge forwarder", "error", err)
		}
	}()

	store := memory.New()
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := relay.NewMetrics(reg, store)

	relaySrv := relay.NewServer(
		relay.Config{Address: fmt.Sprintf(":%d", cfg.Server.RelayPort)},
		store,
		bridge.New(fwd, logger),
		relay.WithLogger(logger),
		relay.WithMetrics(metrics),
	)
	apiSrv := httpapi.NewServer(
		httpapi.Config{Address: fmt.Sprintf(":%d", cfg.Server.HTTPPort)},
		mode,
		reg,
		logger,
	)

	// Either listener stopping takes the process down.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := relaySrv.Start(gctx); err != nil {
			return fmt.Errorf("relay: %w", err)
		}
		return errStopped
	})
	g.Go(func() error {
		if err := apiSrv.Start(gctx); err != nil {
			return fmt.Errorf("http api: %w", err)
		}
		return errStopped
	})
	if err := g.Wait(); err != nil && !errors.Is(err, errStopped) {
		return err
	}
	logger.Info("crosstownd stopped")
	return nil
}

var errStopped = errors.New("listener stopped")

// newForwarder selects the bridge strategy for mode. Unknown modes disable
// the bridge and return a nil forwarder.
func newForwarder(ctx context.Context, cfg config.BridgeConfig, logger *slog.Logger) (bridge.Forwarder, io.Closer, error) {
	switch cfg.PropagationMode {
	case bridge.ModeStub:
		return bridge.NewStubForwarder(logger), nopCloser{}, nil
	case bridge.ModeKafka:
		f, err := kafka.NewForwarder(kafka.Config{
			Brokers:  cfg.Kafka.Brokers,
			Topic:    cfg.Kafka.Topic,
			ClientID: cfg.Kafka.ClientID,
			Database: cfg.Database,
			TLS:      brokerTLS(cfg.Kafka.TLS),
		}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("kafka forwarder: %w", err)
		}
		return f, f, nil
	case bridge.ModeRabbitMQ:
		f, err := rabbitmq.NewForwarder(rabbitmq.Config{
			URL:           cfg.RabbitMQ.URL,
			Exchange:      cfg.RabbitMQ.Exchange,
			RoutingPrefix: cfg.RabbitMQ.RoutingPrefix,
			Database:      cfg.Database,
			TLS:           brokerTLS(cfg.RabbitMQ.TLS),
			Auth:          rabbitmq.AuthConfig{Username: cfg.RabbitMQ.Auth.Username, Password: cfg.RabbitMQ.Auth.Password},
		}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("rabbitmq forwarder: %w", err)
		}
		if err := f.Start(ctx); err != nil {
			return nil, nil, fmt.Errorf("rabbitmq forwarder: %w", err)
		}
		return f, f, nil
	default:
		logger.Warn("unknown propagation mode, bridge disabled", "mode", cfg.PropagationMode)
		return nil, nopCloser{}, nil
	}
}

func brokerTLS(c config.TLSConfig) bridge.TLSConfig {
	return bridge.TLSConfig{
		Enabled:            c.Enabled,
		InsecureSkipVerify: c.InsecureSkipVerify,
		ServerName:         c.ServerName,
		CAFile:             c.CAFile,
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
