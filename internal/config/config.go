package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

const (
	defaultTimezone     = "America/Argentina/Buenos_Aires"
	configPathEnv       = "LISTING_WATCHER_CONFIG"
	databaseDSNEnv      = "DATABASE_DSN"
	databaseDriverEnv   = "DATABASE_DRIVER"
	telegramTokenEnv    = "TELEGRAM_BOT_TOKEN"
	telegramAdminEnv    = "TELEGRAM_ADMIN_CHAT_ID"
	redisAddrEnv        = "REDIS_ADDR"
	redisPasswordEnv    = "REDIS_PASSWORD"
	httpAddrEnv         = "HTTP_ADDR"
	logLevelEnv         = "LOG_LEVEL"
	meliAccessTokenEnv  = "MERCADOLIBRE_ACCESS_TOKEN"
	schedulerCronEnv    = "SCHEDULER_CRON"
	schedulerTimezoneEv = "SCHEDULER_TIMEZONE"
)

// Config holds high-level settings required across the application.
type Config struct {
	Logging   LoggingConfig   `yaml:"logging"`
	Database  DatabaseConfig  `yaml:"database"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Searches  SearchesConfig  `yaml:"searches"`
	Providers ProvidersConfig `yaml:"providers"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Redis     RedisConfig     `yaml:"redis"`
	HTTP      HTTPConfig      `yaml:"http"`
}

// LoggingConfig selects level and output format ("text" or "json").
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DatabaseConfig describes Postgres connection details. An empty DSN selects the in-memory store.
type DatabaseConfig struct {
	Driver         string `yaml:"driver"`
	DSN            string `yaml:"dsn"`
	MaxOpenConns   int    `yaml:"maxOpenConns"`
	MigrateOnStart bool   `yaml:"migrateOnStart"`
}

// SchedulerConfig defines when the pipeline should run.
type SchedulerConfig struct {
	CronExpression string         `yaml:"cronExpression"`
	Timezone       string         `yaml:"timezone"`
	location       *time.Location `yaml:"-"`
}

// Location resolves the scheduler timezone string to a time.Location.
func (s SchedulerConfig) Location() *time.Location {
	if s.location != nil {
		return s.location
	}
	loc, err := time.LoadLocation(defaultTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// PipelineConfig tunes the ETL and notify phases.
type PipelineConfig struct {
	SearchGrace        time.Duration `yaml:"searchGrace"`
	RefreshInterval    time.Duration `yaml:"refreshInterval"`
	ETLConcurrency     int           `yaml:"etlConcurrency"`
	NotifyConcurrency  int           `yaml:"notifyConcurrency"`
	UserDelay          time.Duration `yaml:"userDelay"`
	LockTTL            time.Duration `yaml:"lockTtl"`
	MaxBatch           int           `yaml:"maxBatch"`
	OversizedThreshold int           `yaml:"oversizedThreshold"`
	DuplicateWarnRatio float64       `yaml:"duplicateWarnRatio"`
	FetchRetry         RetryConfig   `yaml:"fetchRetry"`
	StoreRetry         RetryConfig   `yaml:"storeRetry"`
	MarkRetry          RetryConfig   `yaml:"markRetry"`
}

// RetryConfig is an exponential back-off policy.
type RetryConfig struct {
	Attempts int           `yaml:"attempts"`
	Initial  time.Duration `yaml:"initial"`
	Max      time.Duration `yaml:"max"`
}

// SearchesConfig bounds search registration.
type SearchesConfig struct {
	MaxFreeSearches  int `yaml:"maxFreeSearches"`
	ExcessiveWarning int `yaml:"excessiveWarning"`
	ExcessiveError   int `yaml:"excessiveError"`
	MaxPages         int `yaml:"maxPages"`
}

// ProvidersConfig groups settings for listing sites.
type ProvidersConfig struct {
	ZonaProp     ProviderConfig `yaml:"zonaprop"`
	MercadoLibre ProviderConfig `yaml:"mercadolibre"`
}

// ProviderConfig configures one adapter. APIBaseURL and AccessToken only apply to MercadoLibre.
type ProviderConfig struct {
	Enabled     bool          `yaml:"enabled"`
	BaseURL     string        `yaml:"baseUrl"`
	APIBaseURL  string        `yaml:"apiBaseUrl"`
	AccessToken string        `yaml:"accessToken"`
	RatePerSec  float64       `yaml:"rps"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxPages    int           `yaml:"maxPages"`
}

// TelegramConfig wires all data required to send messages.
type TelegramConfig struct {
	BotToken     string        `yaml:"botToken"`
	AdminChatID  int64         `yaml:"adminChatId"`
	BaseURL      string        `yaml:"baseUrl"`
	RatePerSec   float64       `yaml:"rps"`
	MessageDelay time.Duration `yaml:"messageDelay"`
	Timeout      time.Duration `yaml:"timeout"`
}

// RedisConfig enables the distributed run lock when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// HTTPConfig configures the admin API; an empty Addr disables it.
type HTTPConfig struct {
	Addr       string        `yaml:"addr"`
	RunTimeout time.Duration `yaml:"run_timeout"`
}

// Load reads .env and YAML configuration (if present) and applies environment overrides.
func Load() Config {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("config: cannot read .env: %v", err)
	}

	cfg := defaultConfig()

	if path := os.Getenv(configPathEnv); path != "" {
		if raw, err := os.ReadFile(path); err != nil {
			log.Printf("config: cannot read %s: %v (falling back to defaults)", path, err)
		} else if fileCfg, err := parse(raw, cfg); err != nil {
			log.Printf("config: cannot parse %s: %v (falling back to defaults)", path, err)
		} else {
			cfg = fileCfg
		}
	}

	cfg.applyEnvOverrides()
	cfg.bindTimezone()

	return cfg
}

// parse decodes YAML over base, so keys missing from the file keep their defaults.
func parse(raw []byte, base Config) (Config, error) {
	out := base
	if err := yaml.Unmarshal(raw, &out); err != nil {
		return base, err
	}
	return out, nil
}

// Validate reports settings that would make every run fail.
func (c Config) Validate() error {
	var errs []error

	if _, err := cron.ParseStandard(c.Scheduler.CronExpression); err != nil {
		errs = append(errs, fmt.Errorf("scheduler.cronExpression %q: %w", c.Scheduler.CronExpression, err))
	}
	switch c.Database.Driver {
	case "postgres", "pgx":
	default:
		errs = append(errs, fmt.Errorf("database.driver %q: expected postgres or pgx", c.Database.Driver))
	}
	if c.Pipeline.ETLConcurrency < 1 || c.Pipeline.NotifyConcurrency < 1 {
		errs = append(errs, errors.New("pipeline concurrency must be at least 1"))
	}
	if c.Pipeline.MaxBatch < 1 {
		errs = append(errs, errors.New("pipeline.maxBatch must be at least 1"))
	}
	if c.Pipeline.DuplicateWarnRatio < 0 || c.Pipeline.DuplicateWarnRatio > 1 {
		errs = append(errs, errors.New("pipeline.duplicateWarnRatio must be within [0, 1]"))
	}
	if c.Searches.ExcessiveError > 0 && c.Searches.ExcessiveWarning > c.Searches.ExcessiveError {
		errs = append(errs, errors.New("searches.excessiveWarning exceeds searches.excessiveError"))
	}
	if !c.Providers.ZonaProp.Enabled && !c.Providers.MercadoLibre.Enabled {
		errs = append(errs, errors.New("no provider is enabled"))
	}

	return errors.Join(errs...)
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv(databaseDSNEnv); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv(databaseDriverEnv); v != "" {
		c.Database.Driver = v
	}

	if v := os.Getenv(telegramTokenEnv); v != "" {
		c.Telegram.BotToken = v
	}
	if v := os.Getenv(telegramAdminEnv); v != "" {
		if id, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			c.Telegram.AdminChatID = id
		} else {
			log.Printf("config: ignoring %s=%q: %v", telegramAdminEnv, v, err)
		}
	}

	if v := os.Getenv(redisAddrEnv); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv(redisPasswordEnv); v != "" {
		c.Redis.Password = v
	}

	if v, ok := os.LookupEnv(httpAddrEnv); ok {
		c.HTTP.Addr = v
	}
	if v := os.Getenv(logLevelEnv); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv(meliAccessTokenEnv); v != "" {
		c.Providers.MercadoLibre.AccessToken = v
	}

	if v := os.Getenv(schedulerCronEnv); v != "" {
		c.Scheduler.CronExpression = v
	}
	if v := os.Getenv(schedulerTimezoneEv); v != "" {
		c.Scheduler.Timezone = v
	}
}

func (c *Config) bindTimezone() {
	tz := c.Scheduler.Timezone
	if tz == "" {
		tz = defaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Printf("config: unknown timezone %s, reverting to UTC", tz)
		loc = time.UTC
	}
	c.Scheduler.location = loc
}

func defaultConfig() Config {
	return Config{
		Logging:   LoggingConfig{Level: "info", Format: "text"},
		Database:  DatabaseConfig{Driver: "postgres", MaxOpenConns: 10, MigrateOnStart: true},
		Scheduler: SchedulerConfig{CronExpression: "0 */2 * * *", Timezone: defaultTimezone},
		Pipeline: PipelineConfig{
			SearchGrace:        10 * time.Minute,
			RefreshInterval:    90 * time.Minute,
			ETLConcurrency:     4,
			NotifyConcurrency:  1,
			UserDelay:          2 * time.Second,
			LockTTL:            2 * time.Hour,
			MaxBatch:           5,
			OversizedThreshold: 50,
			FetchRetry:         RetryConfig{Attempts: 3, Initial: 4 * time.Second, Max: 15 * time.Second},
			StoreRetry:         RetryConfig{Attempts: 10, Initial: 100 * time.Millisecond, Max: 2 * time.Second},
			MarkRetry:          RetryConfig{Attempts: 5, Initial: 100 * time.Millisecond, Max: 2 * time.Second},
		},
		Searches: SearchesConfig{MaxFreeSearches: 2, ExcessiveWarning: 200, ExcessiveError: 500},
		Providers: ProvidersConfig{
			ZonaProp:     ProviderConfig{Enabled: true, BaseURL: "https://www.zonaprop.com.ar", RatePerSec: 0.5, Timeout: 20 * time.Second, MaxPages: 20},
			MercadoLibre: ProviderConfig{Enabled: true, APIBaseURL: "https://api.mercadolibre.com", RatePerSec: 2, Timeout: 15 * time.Second, MaxPages: 10},
		},
		Telegram: TelegramConfig{
			BaseURL:      "https://api.telegram.org",
			RatePerSec:   25,
			MessageDelay: time.Second,
			Timeout:      15 * time.Second,
		},
		HTTP: HTTPConfig{Addr: ":8080", RunTimeout: time.Hour},
	}
}
