// Package config loads runtime configuration from a YAML file with
// environment-variable overrides. A .env file, when present, is folded into
// the environment first, so local development needs no exported variables.
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// RouterConfig covers admission and queue behavior.
type RouterConfig struct {
	QueueCapacity   int           `yaml:"queue_capacity"`
	MessageTTL      time.Duration `yaml:"message_ttl"`
	MaxAttempts     int           `yaml:"max_attempts"`
	MaxPayloadBytes int           `yaml:"max_payload_bytes"`
	RetryBackoff    time.Duration `yaml:"retry_backoff_base"`
	FanoutLimit     int           `yaml:"fanout_limit"`
	InitialTopology string        `yaml:"initial_topology"`
	DedupTTL        time.Duration `yaml:"dedup_ttl"`
	DedupCapacity   int           `yaml:"dedup_capacity"`
}

// SwitchingConfig covers the switch engine and coordinator gates.
type SwitchingConfig struct {
	QuiesceDeadline time.Duration `yaml:"quiesce_deadline"`
	PrepareDeadline time.Duration `yaml:"prepare_deadline"`
	DwellMinSteps   int           `yaml:"dwell_min_steps"`
	CooldownSteps   int           `yaml:"cooldown_steps"`
	ProbeDeadline   time.Duration `yaml:"probe_deadline"`
	IntentLogPath   string        `yaml:"intent_log_path"`
}

// BudgetConfig covers the budget guard.
type BudgetConfig struct {
	SafetyFactor   float64       `yaml:"safety_factor"`
	ReservationTTL time.Duration `yaml:"reservation_ttl"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	DailyTokens    int64         `yaml:"daily_tokens"`
	DailyMillis    int64         `yaml:"daily_millis"`
	EpisodeTokens  int64         `yaml:"episode_tokens"`
	EpisodeMillis  int64         `yaml:"episode_millis"`
}

// ControllerConfig covers the switching policy.
type ControllerConfig struct {
	TickInterval  time.Duration `yaml:"tick_interval"`
	Lambda        float64       `yaml:"lambda"`
	EpsilonStart  float64       `yaml:"epsilon_start"`
	EpsilonEnd    float64       `yaml:"epsilon_end"`
	EpsilonSteps  int           `yaml:"epsilon_steps"`
	FeatureWindow int           `yaml:"feature_window"`
	Seed          int64         `yaml:"seed"`
}

// ServerConfig covers the HTTP/WebSocket surface.
type ServerConfig struct {
	ListenAddr   string        `yaml:"listen_addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// InfraConfig covers optional external services. Empty values disable the
// corresponding integration.
type InfraConfig struct {
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	PostgresDSN   string `yaml:"postgres_dsn"`
	PubSubProject string `yaml:"pubsub_project"`
	PubSubTopic   string `yaml:"pubsub_topic"`
}

// Config is the full apexd configuration.
type Config struct {
	Router     RouterConfig     `yaml:"router"`
	Switching  SwitchingConfig  `yaml:"switching"`
	Budget     BudgetConfig     `yaml:"budget"`
	Controller ControllerConfig `yaml:"controller"`
	Server     ServerConfig     `yaml:"server"`
	Infra      InfraConfig      `yaml:"infra"`
}

// Default returns the documented defaults.
func Default() *Config {
	return &Config{
		Router: RouterConfig{
			QueueCapacity:   10_000,
			MessageTTL:      60 * time.Second,
			MaxAttempts:     5,
			MaxPayloadBytes: 512 * 1024,
			RetryBackoff:    10 * time.Millisecond,
			FanoutLimit:     2,
			InitialTopology: "star",
			DedupTTL:        10 * time.Minute,
			DedupCapacity:   100_000,
		},
		Switching: SwitchingConfig{
			QuiesceDeadline: 50 * time.Millisecond,
			PrepareDeadline: 20 * time.Millisecond,
			DwellMinSteps:   2,
			CooldownSteps:   2,
			ProbeDeadline:   20 * time.Millisecond,
			IntentLogPath:   "apex-intents.log",
		},
		Budget: BudgetConfig{
			SafetyFactor:   1.2,
			ReservationTTL: 10 * time.Second,
			SweepInterval:  time.Second,
		},
		Controller: ControllerConfig{
			TickInterval:  100 * time.Millisecond,
			Lambda:        1e-2,
			EpsilonStart:  0.20,
			EpsilonEnd:    0.05,
			EpsilonSteps:  5000,
			FeatureWindow: 5,
			Seed:          1,
		},
		Server: ServerConfig{
			ListenAddr:   ":8080",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		},
	}
}

// Load builds a Config: defaults, then the YAML file at path (skipped when
// path is empty or missing), then environment overrides.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err == nil {
		log.Println("[CONFIG] loaded .env file")
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
			log.Printf("[CONFIG] %s not found, using defaults", path)
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays APEX_* environment variables on top of the file values.
func (c *Config) applyEnv() {
	envString("APEX_LISTEN_ADDR", &c.Server.ListenAddr)
	envString("APEX_INITIAL_TOPOLOGY", &c.Router.InitialTopology)
	envString("APEX_INTENT_LOG", &c.Switching.IntentLogPath)
	envString("APEX_REDIS_ADDR", &c.Infra.RedisAddr)
	envString("APEX_REDIS_PASSWORD", &c.Infra.RedisPassword)
	envString("APEX_POSTGRES_DSN", &c.Infra.PostgresDSN)
	envString("APEX_PUBSUB_PROJECT", &c.Infra.PubSubProject)
	envString("APEX_PUBSUB_TOPIC", &c.Infra.PubSubTopic)
	envInt("APEX_QUEUE_CAPACITY", &c.Router.QueueCapacity)
	envInt("APEX_MAX_ATTEMPTS", &c.Router.MaxAttempts)
	envInt("APEX_MAX_PAYLOAD_BYTES", &c.Router.MaxPayloadBytes)
	envInt("APEX_FANOUT_LIMIT", &c.Router.FanoutLimit)
	envInt("APEX_DWELL_MIN_STEPS", &c.Switching.DwellMinSteps)
	envInt("APEX_COOLDOWN_STEPS", &c.Switching.CooldownSteps)
	envInt64("APEX_DAILY_TOKENS", &c.Budget.DailyTokens)
	envInt64("APEX_DAILY_MILLIS", &c.Budget.DailyMillis)
	envInt64("APEX_EPISODE_TOKENS", &c.Budget.EpisodeTokens)
	envInt64("APEX_EPISODE_MILLIS", &c.Budget.EpisodeMillis)
	envInt64("APEX_SEED", &c.Controller.Seed)
	envDuration("APEX_MESSAGE_TTL", &c.Router.MessageTTL)
	envDuration("APEX_QUIESCE_DEADLINE", &c.Switching.QuiesceDeadline)
	envDuration("APEX_PREPARE_DEADLINE", &c.Switching.PrepareDeadline)
	envDuration("APEX_TICK_INTERVAL", &c.Controller.TickInterval)
	envFloat("APEX_SAFETY_FACTOR", &c.Budget.SafetyFactor)
	envFloat("APEX_EPSILON_START", &c.Controller.EpsilonStart)
	envFloat("APEX_EPSILON_END", &c.Controller.EpsilonEnd)
}

// Validate rejects configurations the runtime cannot honor.
func (c *Config) Validate() error {
	switch c.Router.InitialTopology {
	case "star", "chain", "flat":
	default:
		return fmt.Errorf("invalid initial_topology %q", c.Router.InitialTopology)
	}
	if c.Router.QueueCapacity <= 0 {
		return fmt.Errorf("queue_capacity must be positive, got %d", c.Router.QueueCapacity)
	}
	if c.Router.MaxAttempts <= 0 {
		return fmt.Errorf("max_attempts must be positive, got %d", c.Router.MaxAttempts)
	}
	if c.Router.FanoutLimit <= 0 {
		return fmt.Errorf("fanout_limit must be positive, got %d", c.Router.FanoutLimit)
	}
	if c.Switching.QuiesceDeadline <= 0 || c.Switching.PrepareDeadline <= 0 {
		return fmt.Errorf("switch deadlines must be positive")
	}
	if c.Budget.SafetyFactor < 1.0 {
		return fmt.Errorf("safety_factor must be >= 1.0, got %g", c.Budget.SafetyFactor)
	}
	if c.Controller.EpsilonStart < c.Controller.EpsilonEnd {
		return fmt.Errorf("epsilon_start %g below epsilon_end %g", c.Controller.EpsilonStart, c.Controller.EpsilonEnd)
	}
	return nil
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		} else {
			log.Printf("[CONFIG] ignoring %s=%q: %v", key, v, err)
		}
	}
}

func envInt64(key string, dst *int64) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		} else {
			log.Printf("[CONFIG] ignoring %s=%q: %v", key, v, err)
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		} else {
			log.Printf("[CONFIG] ignoring %s=%q: %v", key, v, err)
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		} else {
			log.Printf("[CONFIG] ignoring %s=%q: %v", key, v, err)
		}
	}
}
