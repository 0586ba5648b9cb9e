package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"realtime-stt-service/internal/audio/pcm"
)

// Config is the process configuration, parsed from the environment.
type Config struct {
	Service       ServiceConfig
	STT           STTConfig
	Classifier    ClassifierConfig
	Broker        BrokerConfig
	Storage       StorageConfig
	Journal       JournalConfig
	Relay         RelayConfig
	Agent         AgentConfig
	Viewer        ViewerConfig
	Observability ObservabilityConfig
}

type ServiceConfig struct {
	Env       string `env:"ENV" envDefault:"production"`
	Principal string `env:"SERVICE_PRINCIPAL" envDefault:"svc-realtime-stt"`
	HTTPPort  string `env:"HTTP_PORT" envDefault:"8000"`
	GRPCPort  string `env:"GRPC_PORT" envDefault:"50051"`
}

type STTConfig struct {
	Provider               string        `env:"STT_PROVIDER" envDefault:"mock"`
	Language               string        `env:"STT_LANGUAGE" envDefault:"ko-KR"`
	SampleRateHz           int           `env:"STT_SAMPLE_RATE_HZ" envDefault:"16000"`
	SilenceSensitivity     float64       `env:"STT_SILENCE_SENSITIVITY" envDefault:"0.4"`
	PostSpeechSilence      time.Duration `env:"STT_POST_SPEECH_SILENCE" envDefault:"700ms"`
	MinRecordingLength     time.Duration `env:"STT_MIN_RECORDING_LENGTH" envDefault:"500ms"`
	MockUtteranceDuration  time.Duration `env:"STT_MOCK_UTTERANCE_DURATION" envDefault:"1s"`
	MaxConsecutiveFailures int           `env:"STT_MAX_CONSECUTIVE_FAILURES" envDefault:"3"`
}

type ClassifierConfig struct {
	Provider     string        `env:"CLASSIFIER_PROVIDER" envDefault:"lexicon"`
	Endpoint     string        `env:"CLASSIFIER_ENDPOINT"`
	APIToken     string        `env:"CLASSIFIER_API_TOKEN"`
	LexiconPath  string        `env:"CLASSIFIER_LEXICON_PATH"`
	OpenAIAPIKey string        `env:"OPENAI_API_KEY"`
	Timeout      time.Duration `env:"CLASSIFIER_TIMEOUT" envDefault:"5s"`
}

type BrokerConfig struct {
	Backend        string        `env:"BROKER_BACKEND" envDefault:"redis"`
	Channel        string        `env:"BROKER_CHANNEL" envDefault:"stt:sentences"`
	ListKey        string        `env:"BROKER_LIST_KEY" envDefault:"stt:sentences"`
	PublishTimeout time.Duration `env:"BROKER_PUBLISH_TIMEOUT" envDefault:"3s"`

	RedisHost     string `env:"REDIS_HOST" envDefault:"localhost"`
	RedisPort     int    `env:"REDIS_PORT" envDefault:"6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB_STT" envDefault:"0"`

	KafkaBrokers   []string `env:"KAFKA_BROKERS" envSeparator:"," envDefault:"localhost:9092"`
	KafkaPrincipal string   `env:"KAFKA_PRINCIPAL" envDefault:"svc-realtime-stt"`

	NATSURL    string `env:"NATS_URL" envDefault:"nats://localhost:4222"`
	NATSStream string `env:"NATS_STREAM" envDefault:"STT_SENTENCES"`
}

type StorageConfig struct {
	AudioDir string `env:"AUDIO_SAVE_DIR" envDefault:"/app/audio"`
}

type JournalConfig struct {
	Driver string `env:"JOURNAL_DRIVER" envDefault:"none"`
	DSN    string `env:"JOURNAL_DSN"`
}

type RelayConfig struct {
	BackendURL string `env:"REALTIME_STT_URL" envDefault:"ws://localhost:8000/ws/stt"`
}

type AgentConfig struct {
	Model        string        `env:"AGENT_MODEL" envDefault:"gpt-4o-mini"`
	SystemPrompt string        `env:"AGENT_SYSTEM_PROMPT" envDefault:"You are a helpful assistant."`
	Timeout      time.Duration `env:"AGENT_TIMEOUT" envDefault:"30s"`
}

type ViewerConfig struct {
	Addr string `env:"VIEWER_ADDR" envDefault:":8090"`
}

type ObservabilityConfig struct {
	LogLevel     string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat    string `env:"LOG_FORMAT" envDefault:"json"`
	MetricsAddr  string `env:"METRICS_ADDR" envDefault:":9090"`
	OTLPEndpoint string `env:"OTLP_ENDPOINT"`
}

// Load parses the environment and validates the result.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("environment variables are invalid: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// IsDevelopment reports whether the service runs in a dev environment.
func (c *Config) IsDevelopment() bool {
	return c.Service.Env == "dev" || c.Service.Env == "development"
}

// Validate checks cross-field constraints that tags cannot express.
func (c *Config) Validate() error {
	var errs []error

	switch c.STT.Provider {
	case "mock", "google":
	default:
		errs = append(errs, fmt.Errorf("STT_PROVIDER must be mock or google, got %q", c.STT.Provider))
	}
	if c.STT.SampleRateHz != pcm.TargetRate {
		errs = append(errs, fmt.Errorf("STT_SAMPLE_RATE_HZ must be %d, the rate audio is resampled to", pcm.TargetRate))
	}
	if c.STT.MaxConsecutiveFailures <= 0 {
		errs = append(errs, errors.New("STT_MAX_CONSECUTIVE_FAILURES must be positive"))
	}
	if c.STT.MockUtteranceDuration <= 0 {
		errs = append(errs, errors.New("STT_MOCK_UTTERANCE_DURATION must be positive"))
	}

	switch c.Classifier.Provider {
	case "lexicon", "none":
	case "http":
		if c.Classifier.Endpoint == "" {
			errs = append(errs, errors.New("CLASSIFIER_ENDPOINT is required for the http classifier"))
		}
	case "openai":
		if c.Classifier.OpenAIAPIKey == "" {
			errs = append(errs, errors.New("OPENAI_API_KEY is required for the openai classifier"))
		}
	default:
		errs = append(errs, fmt.Errorf("CLASSIFIER_PROVIDER must be lexicon, http, openai or none, got %q", c.Classifier.Provider))
	}

	switch c.Broker.Backend {
	case "redis", "nats", "none":
	case "kafka":
		if len(c.Broker.KafkaBrokers) == 0 {
			errs = append(errs, errors.New("KAFKA_BROKERS is required for the kafka broker"))
		}
	default:
		errs = append(errs, fmt.Errorf("BROKER_BACKEND must be redis, kafka, nats or none, got %q", c.Broker.Backend))
	}
	if strings.TrimSpace(c.Broker.Channel) == "" || strings.TrimSpace(c.Broker.ListKey) == "" {
		errs = append(errs, errors.New("BROKER_CHANNEL and BROKER_LIST_KEY must not be empty"))
	}

	if strings.TrimSpace(c.Storage.AudioDir) == "" {
		errs = append(errs, errors.New("AUDIO_SAVE_DIR must not be empty"))
	}

	switch c.Journal.Driver {
	case "none":
	case "sqlite", "postgres":
		if c.Journal.DSN == "" {
			errs = append(errs, fmt.Errorf("JOURNAL_DSN is required for the %s journal", c.Journal.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("JOURNAL_DRIVER must be none, sqlite or postgres, got %q", c.Journal.Driver))
	}

	return errors.Join(errs...)
}
