// Package config loads engine configuration from the environment with an
// optional YAML file overlay.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Logging   LoggingConfig   `yaml:"logging"`
	Storage   StorageConfig   `yaml:"storage"`
	Catalog   CatalogConfig   `yaml:"catalog"`
	Runtime   RuntimeConfig   `yaml:"runtime"`
	HTTP      HTTPConfig      `yaml:"http"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	OnSpot    OnSpotConfig    `yaml:"onspot"`
	Meta      MetaConfig      `yaml:"meta"`
	Freewheel FreewheelConfig `yaml:"freewheel"`
	Email     EmailConfig     `yaml:"email"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

type LoggingConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

// StorageConfig configures the audience object store. The bucket URL is a
// gocloud.dev URL (file:///..., s3://bucket?region=..., mem://).
type StorageConfig struct {
	BucketURL string `yaml:"bucket_url"`
	Container string `yaml:"container"`
}

type CatalogConfig struct {
	PostgresDSN string `yaml:"postgres_dsn"`
}

type RuntimeConfig struct {
	HistoryDir string `yaml:"history_dir"`
	Workers    int    `yaml:"workers"`
	QueueSize  int    `yaml:"queue_size"`
}

type HTTPConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	// PublicBaseURL is the externally reachable base used to build OnSpot
	// callback URLs, e.g. https://engine.example.com
	PublicBaseURL string `yaml:"public_base_url"`
}

type PipelineConfig struct {
	StepFanout    int `yaml:"step_fanout"`    // concurrent sub-orchestrations per step
	FinalizeBatch int `yaml:"finalize_batch"` // max finalize activities (source grouping threshold)
	CountFanout   int `yaml:"count_fanout"`   // concurrent row-count activities
	// FootprintEndpoint is the external service that resolves address lists
	// into building-footprint polygons.
	FootprintEndpoint string `yaml:"footprint_endpoint"`
}

type OnSpotConfig struct {
	Endpoint string `yaml:"endpoint"`
	APIKey   string `yaml:"api_key"`
	// MaxInlineBytes is the request size above which the payload is persisted
	// to a blob and passed by URL.
	MaxInlineBytes int `yaml:"max_inline_bytes"`
}

type MetaConfig struct {
	GraphURL    string `yaml:"graph_url"`
	AccessToken string `yaml:"access_token"`
	AdAccountID string `yaml:"ad_account_id"`
	BatchSize   int    `yaml:"batch_size"`
}

type FreewheelConfig struct {
	BuzzURL    string `yaml:"buzz_url"`
	Email      string `yaml:"email"`
	Password   string `yaml:"password"`
	AccountID  int64  `yaml:"account_id"`
	Continent  string `yaml:"continent"`
	UserIDType string `yaml:"user_id_type"` // empty = AD_ID and IDFA
	// MaxAppendBlock caps a single staging append in bytes.
	MaxAppendBlock int `yaml:"max_append_block"`
}

type EmailConfig struct {
	Endpoint string `yaml:"endpoint"`
	From     string `yaml:"from"`
	To       string `yaml:"to"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// Load builds the configuration from defaults, an optional YAML file named by
// CONFIG_FILE, and environment variable overrides (highest precedence).
func Load() (Config, error) {
	cfg := defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

// MustLoad loads the configuration or exits.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func defaults() Config {
	return Config{
		Logging: LoggingConfig{Format: "text", Level: "info"},
		Storage: StorageConfig{
			BucketURL: "file://./data",
			Container: "audiences",
		},
		Runtime: RuntimeConfig{
			HistoryDir: "./history",
			Workers:    8,
			QueueSize:  64,
		},
		HTTP: HTTPConfig{
			ListenAddr:    ":8080",
			PublicBaseURL: "http://localhost:8080",
		},
		Pipeline: PipelineConfig{
			StepFanout:    10,
			FinalizeBatch: 200,
			CountFanout:   50,
		},
		OnSpot: OnSpotConfig{
			MaxInlineBytes: 256 * 1024,
		},
		Meta: MetaConfig{
			GraphURL:  "https://graph.facebook.com/v19.0",
			BatchSize: 5000,
		},
		Freewheel: FreewheelConfig{
			BuzzURL:        "https://stingersbx.api.beeswax.com",
			Continent:      "NAM",
			MaxAppendBlock: 4 * 1024 * 1024,
		},
		Metrics: MetricsConfig{Enabled: false, Address: ":9090"},
	}
}

func applyEnv(cfg *Config) {
	setString(&cfg.Logging.Format, "LOG_FORMAT")
	setString(&cfg.Logging.Level, "LOG_LEVEL")

	setString(&cfg.Storage.BucketURL, "STORAGE_BUCKET_URL")
	setString(&cfg.Storage.Container, "STORAGE_CONTAINER")

	setString(&cfg.Catalog.PostgresDSN, "CATALOG_DSN")

	setString(&cfg.Runtime.HistoryDir, "RUNTIME_HISTORY_DIR")
	setInt(&cfg.Runtime.Workers, "RUNTIME_WORKERS")
	setInt(&cfg.Runtime.QueueSize, "RUNTIME_QUEUE_SIZE")

	setString(&cfg.HTTP.ListenAddr, "HTTP_LISTEN_ADDR")
	setString(&cfg.HTTP.PublicBaseURL, "HTTP_PUBLIC_BASE_URL")

	setInt(&cfg.Pipeline.StepFanout, "PIPELINE_STEP_FANOUT")
	setInt(&cfg.Pipeline.FinalizeBatch, "PIPELINE_FINALIZE_BATCH")
	setInt(&cfg.Pipeline.CountFanout, "PIPELINE_COUNT_FANOUT")
	setString(&cfg.Pipeline.FootprintEndpoint, "PIPELINE_FOOTPRINT_ENDPOINT")

	setString(&cfg.OnSpot.Endpoint, "ONSPOT_ENDPOINT")
	setString(&cfg.OnSpot.APIKey, "ONSPOT_API_KEY")
	setInt(&cfg.OnSpot.MaxInlineBytes, "ONSPOT_MAX_INLINE_BYTES")

	setString(&cfg.Meta.GraphURL, "META_GRAPH_URL")
	setString(&cfg.Meta.AccessToken, "META_ACCESS_TOKEN")
	setString(&cfg.Meta.AdAccountID, "META_AD_ACCOUNT_ID")
	setInt(&cfg.Meta.BatchSize, "META_BATCH_SIZE")

	setString(&cfg.Freewheel.BuzzURL, "BUZZ_URL")
	setString(&cfg.Freewheel.Email, "BUZZ_EMAIL")
	setString(&cfg.Freewheel.Password, "BUZZ_PASSWORD")
	setInt64(&cfg.Freewheel.AccountID, "BUZZ_ACCOUNT_ID")
	setString(&cfg.Freewheel.Continent, "FREEWHEEL_CONTINENT")
	setString(&cfg.Freewheel.UserIDType, "FREEWHEEL_USER_ID_TYPE")
	setInt(&cfg.Freewheel.MaxAppendBlock, "FREEWHEEL_MAX_APPEND_BLOCK")

	setString(&cfg.Email.Endpoint, "EMAIL_ENDPOINT")
	setString(&cfg.Email.From, "EMAIL_FROM")
	setString(&cfg.Email.To, "EMAIL_TO")

	if v := os.Getenv("METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = v == "true"
	}
	setString(&cfg.Metrics.Address, "METRICS_ADDRESS")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			*dst = parsed
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = parsed
		}
	}
}
