// Package config
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/amirphl/sma-replay/internal/tfutils"
	"github.com/amirphl/sma-replay/internal/utils"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

/*
YAML config example:
log:
  level: info
  format: console
feed:
  source: breeze
  url: wss://livestream.icicidirect.com
  stock_token: "4.1!2885"
  interval: 1second
  max_reconnects: 5
strategy:
  policy: crossover
  fast: 5
  slow: 12
cycle:
  trigger: ticks
  every_ticks: 30
  mode: full
  max_ticks: 10000
report:
  csv_path: strategy_data.csv
  http_addr: ":8080"
  kafka:
    brokers: ["localhost:9092"]
    topic: sma-actions
storage:
  driver: sqlite
  dsn: "file:replay.db"
*/

type Config struct {
	Log      utils.LogConfig `yaml:"log"`
	Feed     FeedConfig      `yaml:"feed"`
	Strategy StrategyConfig  `yaml:"strategy"`
	Cycle    CycleConfig     `yaml:"cycle"`
	Report   ReportConfig    `yaml:"report"`
	Storage  StorageConfig   `yaml:"storage"`
	Replay   ReplayConfig    `yaml:"replay"`
}

type FeedConfig struct {
	Source        string        `yaml:"source" default:"breeze" validate:"oneof=breeze wallex"`
	URL           string        `yaml:"url" default:"wss://livestream.icicidirect.com" validate:"omitempty,url"`
	APIKey        string        `yaml:"api_key"`
	APISecret     string        `yaml:"api_secret"`
	SessionToken  string        `yaml:"session_token"`
	StockToken    string        `yaml:"stock_token" default:"4.1!2885"`
	Interval      string        `yaml:"interval" default:"1second"`
	MaxReconnects int           `yaml:"max_reconnects" validate:"min=0"`
	WallexAPIKey  string        `yaml:"wallex_api_key"`
	Symbol        string        `yaml:"symbol" default:"NIFTY" validate:"required"`
	PollInterval  time.Duration `yaml:"poll_interval" default:"1s" validate:"gt=0"`
}

type StrategyConfig struct {
	Policy      string `yaml:"policy" default:"crossover" validate:"required"`
	Fast        int    `yaml:"fast" default:"5" validate:"min=1"`
	Slow        int    `yaml:"slow" default:"12" validate:"min=1"`
	WarmupEntry bool   `yaml:"warmup_entry"`
}

type CycleConfig struct {
	Trigger    string `yaml:"trigger" default:"ticks" validate:"oneof=ticks schedule"`
	EveryTicks int    `yaml:"every_ticks" default:"30" validate:"min=1"`
	Schedule   string `yaml:"schedule" default:"@every 1s" validate:"required_if=Trigger schedule"`
	Mode       string `yaml:"mode" default:"full" validate:"oneof=full incremental"`
	MaxTicks   int    `yaml:"max_ticks" validate:"min=0"`
}

type ReportConfig struct {
	CSVPath  string         `yaml:"csv_path" default:"strategy_data.csv"`
	HTTPAddr string         `yaml:"http_addr"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Telegram TelegramConfig `yaml:"telegram"`
}

type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic" default:"sma-actions"`
	WriteTimeout time.Duration `yaml:"write_timeout" default:"10s"`
}

type TelegramConfig struct {
	Token   string        `yaml:"token"`
	ChatID  string        `yaml:"chat_id"`
	Retries int           `yaml:"retries" default:"3" validate:"min=1"`
	Delay   time.Duration `yaml:"delay" default:"5s"`
}

type StorageConfig struct {
	Driver  string `yaml:"driver" validate:"omitempty,oneof=postgres sqlite"`
	DSN     string `yaml:"dsn" validate:"required_with=Driver"`
	MaxOpen int    `yaml:"max_open" default:"10" validate:"min=1"`
	MaxIdle int    `yaml:"max_idle" default:"5" validate:"min=0"`
}

// ReplayConfig drives the offline replay command.
type ReplayConfig struct {
	Source   string    `yaml:"source" default:"storage" validate:"oneof=storage wallex"`
	Interval string    `yaml:"interval" default:"1m"`
	From     time.Time `yaml:"from"`
	To       time.Time `yaml:"to"`
}

var validate = validator.New()

// Default returns a config with every default applied.
func Default() (*Config, error) {
	var c Config
	if err := defaults.Set(&c); err != nil {
		return nil, fmt.Errorf("apply defaults: %w", err)
	}
	return &c, nil
}

// Load reads a YAML file (optional when path is empty) and applies defaults
// and environment overrides. Callers validate the sections their command uses
// with Validate or ValidateReplay.
func Load(path string) (*Config, error) {
	c, err := Default()
	if err != nil {
		return nil, err
	}

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, c); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	c.applyEnv()
	return c, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("BREEZE_API_KEY"); v != "" {
		c.Feed.APIKey = v
	}
	if v := os.Getenv("BREEZE_API_SECRET"); v != "" {
		c.Feed.APISecret = v
	}
	if v := os.Getenv("BREEZE_SESSION_TOKEN"); v != "" {
		c.Feed.SessionToken = v
	}
	if v := os.Getenv("WALLEX_API_KEY"); v != "" {
		c.Feed.WallexAPIKey = v
	}
	if v := os.Getenv("DB_CONN_STR"); v != "" {
		c.Storage.DSN = v
		if c.Storage.Driver == "" {
			c.Storage.Driver = "postgres"
		}
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Report.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("TELEGRAM_TOKEN"); v != "" {
		c.Report.Telegram.Token = v
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		c.Report.Telegram.ChatID = v
	}
}

// Validate checks struct tags plus the cross-field rules tags cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	if c.Feed.Source == "breeze" && (c.Feed.APIKey == "" || c.Feed.SessionToken == "") {
		return errors.New("feed: breeze source requires api_key and session_token")
	}
	if c.Feed.Source == "breeze" && !tfutils.IsFeedInterval(c.Feed.Interval) {
		return fmt.Errorf("feed: unsupported breeze interval %q", c.Feed.Interval)
	}
	if !c.Replay.From.IsZero() && !c.Replay.To.IsZero() && !c.Replay.To.After(c.Replay.From) {
		return errors.New("replay: to must be after from")
	}
	return nil
}

// ValidateReplay checks only the sections the offline replay command uses.
func (c *Config) ValidateReplay() error {
	if err := validate.Struct(c.Strategy); err != nil {
		return err
	}
	if err := validate.Struct(c.Storage); err != nil {
		return err
	}
	if err := validate.Struct(c.Replay); err != nil {
		return err
	}
	if c.Replay.Source == "wallex" && tfutils.WallexResolution(c.Replay.Interval) == "" {
		return fmt.Errorf("replay: unsupported interval %q", c.Replay.Interval)
	}
	if !c.Replay.From.IsZero() && !c.Replay.To.IsZero() && !c.Replay.To.After(c.Replay.From) {
		return errors.New("replay: to must be after from")
	}
	return nil
}
