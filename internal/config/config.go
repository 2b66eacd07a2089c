package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/plain"
)

type Config struct {
	Service      ServiceConfig           `koanf:"service"`
	Kafka        KafkaConfig             `koanf:"kafka"`
	Postgres     PostgresConfig          `koanf:"postgres"`
	DataModel    DataModelConfig         `koanf:"data_model"`
	Gateway      GatewayConfig           `koanf:"gateway"`
	Provisioning ProvisioningConfig      `koanf:"provisioning"`
	Retention    RetentionConfig         `koanf:"retention"`
	Zones        map[string]ZoneSchedule `koanf:"zones"`
}

// ZoneSchedule binds one zone's cron table to the algorithm it runs per
// category. Missing categories are simply not scheduled for that zone.
type ZoneSchedule struct {
	TPCAlgorithmID             string            `koanf:"tpc_algorithm_id"`
	TPCCron                    string            `koanf:"tpc_cron"`
	TPCArgs                    map[string]string `koanf:"tpc_args"`
	ChannelAlgorithmID         string            `koanf:"channel_algorithm_id"`
	ChannelCron                string            `koanf:"channel_cron"`
	ChannelArgs                map[string]string `koanf:"channel_args"`
	ClientSteeringAlgorithmID  string            `koanf:"client_steering_algorithm_id"`
	ClientSteeringCron         string            `koanf:"client_steering_cron"`
	ClientSteeringArgs         map[string]string `koanf:"client_steering_args"`
	DryRun                     bool              `koanf:"dry_run"`
}

type ServiceConfig struct {
	InstanceID             string `koanf:"instance_id"`
	HTTPListen             string `koanf:"http_listen"`
	LogLevel               string `koanf:"log_level"`
	ShutdownTimeoutSeconds int    `koanf:"shutdown_timeout_seconds"`
}

type KafkaConfig struct {
	Brokers       []string       `koanf:"brokers"`
	ClientID      string         `koanf:"client_id"`
	TLS           TLSConfig      `koanf:"tls"`
	SASL          SASLConfig     `koanf:"sasl"`
	GroupIDPrefix string         `koanf:"group_id_prefix"`
	State         ConsumerConfig `koanf:"state"`
	WifiScan      ConsumerConfig `koanf:"wifiscan"`
	ServiceEvents ConsumerConfig `koanf:"service_events"`
	FetchMaxBytes int32          `koanf:"fetch_max_bytes"`
}

type TLSConfig struct {
	Enabled  bool   `koanf:"enabled"`
	CAFile   string `koanf:"ca_file"`
	CertFile string `koanf:"cert_file"`
	KeyFile  string `koanf:"key_file"`
}

type SASLConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Mechanism string `koanf:"mechanism"`
	Username  string `koanf:"username"`
	Password  string `koanf:"password"`
}

type ConsumerConfig struct {
	Topics []string `koanf:"topics"`
}

// PostgresConfig backs the optional HistoryArchive; DSN == "" disables it.
type PostgresConfig struct {
	DSN             string `koanf:"dsn"`
	MaxConns        int32  `koanf:"max_conns"`
	MinConns        int32  `koanf:"min_conns"`
	MigrationsDir   string `koanf:"migrations_dir"`
	CompressPayload bool   `koanf:"compress_payload"`
}

type DataModelConfig struct {
	StateBufferSize    int `koanf:"state_buffer_size"`
	WifiScanBufferSize int `koanf:"wifiscan_buffer_size"`
}

type GatewayConfig struct {
	// BaseURL seeds the gateway endpoint at startup, before the first
	// service_events record arrives, and is what `rrmd run-once` uses
	// since it never starts the Kafka consumers.
	BaseURL                string `koanf:"base_url"`
	OAuthTokenURL          string `koanf:"oauth_token_url"`
	ClientID               string `koanf:"client_id"`
	ClientSecret           string `koanf:"client_secret"`
	VerifySSL              bool   `koanf:"verify_ssl"`
	RequestTimeoutSeconds  int    `koanf:"request_timeout_seconds"`
	WifiScanTimeoutSeconds int    `koanf:"wifiscan_timeout_seconds"`
}

// ProvisioningConfig points ProvMonitor at the external provisioning
// service it reconciles the DeviceRegistry against.
type ProvisioningConfig struct {
	BaseURL        string        `koanf:"base_url"`
	APIKey         string        `koanf:"api_key"`
	TimeoutSeconds int           `koanf:"timeout_seconds"`
	Interval       time.Duration `koanf:"interval"`
}

type RetentionConfig struct {
	Days     int    `koanf:"days"`
	Timezone string `koanf:"timezone"`
}

func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// Overlay environment variables: RRMD_KAFKA__BROKERS → kafka.brokers
	if err := k.Load(env.Provider("RRMD_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "RRMD_")
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", ".")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}

	cfg := &Config{
		Service: ServiceConfig{
			InstanceID:             "rrmd-1",
			HTTPListen:             ":8080",
			LogLevel:               "info",
			ShutdownTimeoutSeconds: 30,
		},
		Kafka: KafkaConfig{
			ClientID:      "rrmd",
			GroupIDPrefix: "rrmd",
			FetchMaxBytes: 10485760,
		},
		Postgres: PostgresConfig{
			MaxConns:      10,
			MinConns:      1,
			MigrationsDir: "internal/history/migrations",
		},
		DataModel: DataModelConfig{
			StateBufferSize:    10,
			WifiScanBufferSize: 10,
		},
		Gateway: GatewayConfig{
			VerifySSL:              true,
			RequestTimeoutSeconds:  10,
			WifiScanTimeoutSeconds: 30,
		},
		Provisioning: ProvisioningConfig{
			TimeoutSeconds: 10,
			Interval:       5 * time.Minute,
		},
		Retention: RetentionConfig{
			Days:     30,
			Timezone: "UTC",
		},
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if len(cfg.Kafka.Brokers) == 1 && strings.Contains(cfg.Kafka.Brokers[0], ",") {
		cfg.Kafka.Brokers = strings.Split(cfg.Kafka.Brokers[0], ",")
	}
	if len(cfg.Kafka.State.Topics) == 1 && strings.Contains(cfg.Kafka.State.Topics[0], ",") {
		cfg.Kafka.State.Topics = strings.Split(cfg.Kafka.State.Topics[0], ",")
	}
	if len(cfg.Kafka.WifiScan.Topics) == 1 && strings.Contains(cfg.Kafka.WifiScan.Topics[0], ",") {
		cfg.Kafka.WifiScan.Topics = strings.Split(cfg.Kafka.WifiScan.Topics[0], ",")
	}
	if len(cfg.Kafka.ServiceEvents.Topics) == 1 && strings.Contains(cfg.Kafka.ServiceEvents.Topics[0], ",") {
		cfg.Kafka.ServiceEvents.Topics = strings.Split(cfg.Kafka.ServiceEvents.Topics[0], ",")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("config: kafka.brokers is required")
	}
	if len(c.Kafka.State.Topics) == 0 {
		return fmt.Errorf("config: kafka.state.topics is required")
	}
	if len(c.Kafka.WifiScan.Topics) == 0 {
		return fmt.Errorf("config: kafka.wifiscan.topics is required")
	}
	if len(c.Kafka.ServiceEvents.Topics) == 0 {
		return fmt.Errorf("config: kafka.service_events.topics is required")
	}
	if c.Gateway.OAuthTokenURL == "" {
		return fmt.Errorf("config: gateway.oauth_token_url is required")
	}
	if c.Provisioning.BaseURL == "" {
		return fmt.Errorf("config: provisioning.base_url is required")
	}
	if c.DataModel.StateBufferSize <= 0 {
		return fmt.Errorf("config: data_model.state_buffer_size must be > 0 (got %d)", c.DataModel.StateBufferSize)
	}
	if c.DataModel.WifiScanBufferSize <= 0 {
		return fmt.Errorf("config: data_model.wifiscan_buffer_size must be > 0 (got %d)", c.DataModel.WifiScanBufferSize)
	}
	if c.Retention.Days <= 0 {
		return fmt.Errorf("config: retention.days must be > 0 (got %d)", c.Retention.Days)
	}
	if c.Kafka.FetchMaxBytes <= 0 {
		return fmt.Errorf("config: kafka.fetch_max_bytes must be > 0 (got %d)", c.Kafka.FetchMaxBytes)
	}
	if c.Postgres.DSN != "" {
		if c.Postgres.MaxConns <= 0 {
			return fmt.Errorf("config: postgres.max_conns must be > 0 (got %d)", c.Postgres.MaxConns)
		}
		if c.Postgres.MinConns < 0 {
			return fmt.Errorf("config: postgres.min_conns must be >= 0 (got %d)", c.Postgres.MinConns)
		}
	}
	if c.Service.ShutdownTimeoutSeconds <= 0 {
		return fmt.Errorf("config: service.shutdown_timeout_seconds must be > 0 (got %d)", c.Service.ShutdownTimeoutSeconds)
	}
	if _, err := time.LoadLocation(c.Retention.Timezone); err != nil {
		return fmt.Errorf("config: retention.timezone is invalid: %w", err)
	}
	return nil
}

// BuildTLSConfig creates a *tls.Config from the Kafka TLS settings. Returns nil if TLS is disabled.
func (k *KafkaConfig) BuildTLSConfig() (*tls.Config, error) {
	if !k.TLS.Enabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{}
	if k.TLS.CAFile != "" {
		caPEM, err := os.ReadFile(k.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsCfg.RootCAs = pool
	}
	if k.TLS.CertFile != "" && k.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(k.TLS.CertFile, k.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}

// BuildSASLMechanism creates a SASL mechanism from the Kafka SASL settings. Returns nil if SASL is disabled.
func (k *KafkaConfig) BuildSASLMechanism() sasl.Mechanism {
	if !k.SASL.Enabled {
		return nil
	}
	switch strings.ToUpper(k.SASL.Mechanism) {
	case "PLAIN":
		return plain.Auth{User: k.SASL.Username, Pass: k.SASL.Password}.AsMechanism()
	default:
		return nil
	}
}
