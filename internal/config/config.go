package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/viper"
)

const DefaultPath = "/etc/crosstown/config.toml"

type Config struct {
	Relay  RelayConfig  `mapstructure:"relay"`
	Bridge BridgeConfig `mapstructure:"bridge"`
	Server ServerConfig `mapstructure:"server"`
}

// RelayConfig mirrors the deployment's relay section. MaxEvents and
// StoragePath are accepted but not enforced: the store is in-memory and
// unbounded.
type RelayConfig struct {
	AcceptedEventKinds string `mapstructure:"accepted_event_kinds"`
	RequireAuth        bool   `mapstructure:"require_auth"`
	MaxEvents          int    `mapstructure:"max_events"`
	StoragePath        string `mapstructure:"storage_path"`
}

type BridgeConfig struct {
	Database        string         `mapstructure:"database"`
	PropagationMode string         `mapstructure:"propagation_mode"`
	Kafka           KafkaConfig    `mapstructure:"kafka"`
	RabbitMQ        RabbitMQConfig `mapstructure:"rabbitmq"`
}

type KafkaConfig struct {
	Brokers  []string  `mapstructure:"brokers"`
	Topic    string    `mapstructure:"topic"`
	ClientID string    `mapstructure:"client_id"`
	TLS      TLSConfig `mapstructure:"tls"`
}

type RabbitMQConfig struct {
	URL           string     `mapstructure:"url"`
	Exchange      string     `mapstructure:"exchange"`
	RoutingPrefix string     `mapstructure:"routing_prefix"`
	TLS           TLSConfig  `mapstructure:"tls"`
	Auth          AuthConfig `mapstructure:"auth"`
}

type TLSConfig struct {
	Enabled            bool   `mapstructure:"enabled"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify"`
	ServerName         string `mapstructure:"server_name"`
	CAFile             string `mapstructure:"ca_file"`
}

type AuthConfig struct {
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

type ServerConfig struct {
	HTTPPort  int    `mapstructure:"http_port"`
	RelayPort int    `mapstructure:"relay_port"`
	LogLevel  string `mapstructure:"log_level"`
}

// Load reads path and applies CROSSTOWN_* environment overrides. A missing
// file is not an error: defaults are used and missing reports true. A file
// that exists but cannot be read or parsed is an error.
func Load(path string) (cfg Config, missing bool, err error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("crosstown")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnv(v)
	setDefaults(v)

	if _, statErr := os.Stat(path); errors.Is(statErr, fs.ErrNotExist) {
		missing = true
	} else if err := v.ReadInConfig(); err != nil {
		return Config{}, false, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, missing, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, missing, err
	}
	return cfg, missing, nil
}

// bindEnv maps the historical variable names onto server keys.
func bindEnv(v *viper.Viper) {
	_ = v.BindEnv("server.http_port", "CROSSTOWN_HTTP_PORT")
	_ = v.BindEnv("server.relay_port", "CROSSTOWN_NOSTR_PORT")
	_ = v.BindEnv("server.log_level", "CROSSTOWN_LOG_LEVEL")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("relay.accepted_event_kinds", "all")
	v.SetDefault("relay.require_auth", false)
	v.SetDefault("relay.max_events", 10000)
	v.SetDefault("relay.storage_path", "/var/lib/crosstown/events")
	v.SetDefault("bridge.database", "bitcraft")
	v.SetDefault("bridge.propagation_mode", "stub")
	v.SetDefault("bridge.kafka.topic", "crosstown.bridge")
	v.SetDefault("bridge.rabbitmq.exchange", "crosstown.bridge")
	v.SetDefault("bridge.rabbitmq.routing_prefix", "bridge")
	for _, broker := range []string{"kafka", "rabbitmq"} {
		v.SetDefault("bridge."+broker+".tls.enabled", false)
		v.SetDefault("bridge."+broker+".tls.insecure_skip_verify", false)
		v.SetDefault("bridge."+broker+".tls.server_name", "")
		v.SetDefault("bridge."+broker+".tls.ca_file", "")
	}
	v.SetDefault("bridge.rabbitmq.auth.username", "")
	v.SetDefault("bridge.rabbitmq.auth.password", "")
	v.SetDefault("server.http_port", 4041)
	v.SetDefault("server.relay_port", 4040)
	v.SetDefault("server.log_level", "info")
}

func (c Config) Validate() error {
	if err := validatePort("server.http_port", c.Server.HTTPPort); err != nil {
		return err
	}
	if err := validatePort("server.relay_port", c.Server.RelayPort); err != nil {
		return err
	}
	if _, err := ParseLevel(c.Server.LogLevel); err != nil {
		return err
	}
	switch c.Bridge.PropagationMode {
	case "kafka":
		if len(c.Bridge.Kafka.Brokers) == 0 {
			return fmt.Errorf("bridge.kafka.brokers is required when propagation_mode=kafka")
		}
	case "rabbitmq":
		if strings.TrimSpace(c.Bridge.RabbitMQ.URL) == "" {
			return fmt.Errorf("bridge.rabbitmq.url is required when propagation_mode=rabbitmq")
		}
	}
	return nil
}

// validatePort rejects privileged ports.
func validatePort(key string, port int) error {
	if port < 1024 || port > 65535 {
		return fmt.Errorf("%s must be between 1024 and 65535, got %d", key, port)
	}
	return nil
}

func ParseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return lvl, nil
}
