package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures the settings required to boot the rollout engine.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Clients  ClientsConfig  `yaml:"clients"`
	Store    StoreConfig    `yaml:"store"`
	Logging  LoggingConfig  `yaml:"logging"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Cache    CacheConfig    `yaml:"cache"`
}

// ServerConfig controls HTTP listener behaviour.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
}

// ClientsConfig groups integrations with platform services.
type ClientsConfig struct {
	Platform PlatformClientConfig `yaml:"platform"`
}

// PlatformClientConfig configures access to the trading platform's
// performance and validation APIs.
type PlatformClientConfig struct {
	BaseURL         string        `yaml:"baseURL"`
	PerformancePath string        `yaml:"performancePath"`
	ValidationPath  string        `yaml:"validationPath"`
	AccountsPath    string        `yaml:"accountsPath"`
	Timeout         time.Duration `yaml:"timeout"`
}

// StoreConfig controls the embedded Badger database.
type StoreConfig struct {
	Path       string        `yaml:"path"`
	InMemory   bool          `yaml:"inMemory"`
	SyncWrites bool          `yaml:"syncWrites"`
	GCInterval time.Duration `yaml:"gcInterval"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// PipelineConfig tunes the rollout state machine and safety guard.
// This section is hot-reloadable; changes apply from the next cycle.
type PipelineConfig struct {
	CycleInterval      time.Duration `yaml:"cycleInterval" json:"cycle_interval"`
	MaxConcurrentTests int           `yaml:"maxConcurrentTests" json:"max_concurrent_tests"`
	AdmissionScore     float64       `yaml:"admissionScore" json:"admission_score"`
	RollbackThreshold  float64       `yaml:"rollbackThreshold" json:"rollback_threshold"`
	DrawdownKillSwitch float64       `yaml:"drawdownKillSwitch" json:"drawdown_kill_switch"`
	MinSampleSize      int           `yaml:"minSampleSize" json:"min_sample_size"`
	MinPhaseDuration   time.Duration `yaml:"minPhaseDuration" json:"min_phase_duration"`
	SignificanceTStat  float64       `yaml:"significanceTStat" json:"significance_t_stat"`
	CallTimeout        time.Duration `yaml:"callTimeout" json:"call_timeout"`
	ReviewPhase        string        `yaml:"reviewPhase" json:"review_phase"`
	AutoAdvance        bool          `yaml:"autoAdvance" json:"auto_advance"`
	EvaluationWindow   time.Duration `yaml:"evaluationWindow" json:"evaluation_window"`
}

// CacheConfig controls Valkey-backed caching of cohort performance
// lookups.
type CacheConfig struct {
	Enabled              bool          `yaml:"enabled"`
	Addr                 string        `yaml:"addr"`
	Username             string        `yaml:"username"`
	Password             string        `yaml:"password"`
	DB                   int           `yaml:"db"`
	DialTimeout          time.Duration `yaml:"dialTimeout"`
	ReadTimeout          time.Duration `yaml:"readTimeout"`
	WriteTimeout         time.Duration `yaml:"writeTimeout"`
	MaxRetries           int           `yaml:"maxRetries"`
	TLS                  bool          `yaml:"tls"`
	CohortPerformanceTTL time.Duration `yaml:"cohortPerformanceTTL"`
	AccountsTTL          time.Duration `yaml:"accountsTTL"`
}

// Load initialises Config from a YAML file and optional environment
// overrides, then validates the result.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("QP_ROLLOUT_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations that would make the safety guard
// inert or the pipeline unrunnable.
func (c *Config) Validate() error {
	p := c.Pipeline
	if p.RollbackThreshold >= 0 {
		return fmt.Errorf("pipeline.rollbackThreshold must be negative, got %v", p.RollbackThreshold)
	}
	if p.MaxConcurrentTests <= 0 {
		return fmt.Errorf("pipeline.maxConcurrentTests must be positive, got %d", p.MaxConcurrentTests)
	}
	if p.AdmissionScore < 0 || p.AdmissionScore > 100 {
		return fmt.Errorf("pipeline.admissionScore must be within [0,100], got %v", p.AdmissionScore)
	}
	if p.DrawdownKillSwitch <= 0 {
		return fmt.Errorf("pipeline.drawdownKillSwitch must be positive, got %v", p.DrawdownKillSwitch)
	}
	if p.MinSampleSize <= 0 {
		return fmt.Errorf("pipeline.minSampleSize must be positive, got %d", p.MinSampleSize)
	}
	if p.CycleInterval <= 0 {
		return fmt.Errorf("pipeline.cycleInterval must be positive, got %v", p.CycleInterval)
	}
	if p.CallTimeout <= 0 {
		return fmt.Errorf("pipeline.callTimeout must be positive, got %v", p.CallTimeout)
	}
	switch p.ReviewPhase {
	case "shadow", "rollout_10", "rollout_25", "rollout_50", "rollout_100", "none":
	default:
		return fmt.Errorf("pipeline.reviewPhase %q is not a rollout phase", p.ReviewPhase)
	}
	if !c.Store.InMemory && c.Store.Path == "" {
		return fmt.Errorf("store.path is required unless store.inMemory is set")
	}
	return nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":8085",
			MetricsAddress:  ":2112",
			GracefulTimeout: 10 * time.Second,
		},
		Clients: ClientsConfig{
			Platform: PlatformClientConfig{
				PerformancePath: "/api/v1/performance/cohort",
				ValidationPath:  "/api/v1/validation/run",
				AccountsPath:    "/api/v1/accounts/eligible",
				Timeout:         5 * time.Second,
			},
		},
		Store: StoreConfig{
			Path:       "data/rollout",
			SyncWrites: true,
			GCInterval: 10 * time.Minute,
		},
		Logging: LoggingConfig{Level: "info", JSON: false},
		Pipeline: PipelineConfig{
			CycleInterval:      time.Hour,
			MaxConcurrentTests: 3,
			AdmissionScore:     70,
			RollbackThreshold:  -0.10,
			DrawdownKillSwitch: 0.15,
			MinSampleSize:      30,
			MinPhaseDuration:   24 * time.Hour,
			SignificanceTStat:  2.0,
			CallTimeout:        5 * time.Second,
			ReviewPhase:        "rollout_50",
			AutoAdvance:        true,
			EvaluationWindow:   7 * 24 * time.Hour,
		},
		Cache: CacheConfig{
			Enabled:              false,
			DialTimeout:          2 * time.Second,
			ReadTimeout:          500 * time.Millisecond,
			WriteTimeout:         500 * time.Millisecond,
			MaxRetries:           2,
			CohortPerformanceTTL: 2 * time.Minute,
			AccountsTTL:          10 * time.Minute,
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("QP_ROLLOUT_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("QP_ROLLOUT_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("QP_PLATFORM_BASE_URL"); v != "" {
		cfg.Clients.Platform.BaseURL = v
	}
	if v := os.Getenv("QP_PLATFORM_PERFORMANCE_PATH"); v != "" {
		cfg.Clients.Platform.PerformancePath = v
	}
	if v := os.Getenv("QP_PLATFORM_VALIDATION_PATH"); v != "" {
		cfg.Clients.Platform.ValidationPath = v
	}
	if v := os.Getenv("QP_PLATFORM_ACCOUNTS_PATH"); v != "" {
		cfg.Clients.Platform.AccountsPath = v
	}
	if v := os.Getenv("QP_PLATFORM_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Clients.Platform.Timeout = d
		}
	}
	if v := os.Getenv("QP_ROLLOUT_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("QP_ROLLOUT_STORE_IN_MEMORY"); strings.EqualFold(v, "true") || v == "1" {
		cfg.Store.InMemory = true
	}
	if v := os.Getenv("QP_ROLLOUT_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("QP_ROLLOUT_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("QP_ROLLOUT_CYCLE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Pipeline.CycleInterval = d
		}
	}
	if v := os.Getenv("QP_ROLLOUT_MAX_CONCURRENT_TESTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Pipeline.MaxConcurrentTests = n
		}
	}
	if v := os.Getenv("QP_ROLLOUT_ADMISSION_SCORE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Pipeline.AdmissionScore = f
		}
	}
	if v := os.Getenv("QP_ROLLOUT_ROLLBACK_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Pipeline.RollbackThreshold = f
		}
	}
	if v := os.Getenv("QP_ROLLOUT_DRAWDOWN_KILL_SWITCH"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Pipeline.DrawdownKillSwitch = f
		}
	}
	if v := os.Getenv("QP_ROLLOUT_MIN_SAMPLE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Pipeline.MinSampleSize = n
		}
	}
	if v := os.Getenv("QP_ROLLOUT_MIN_PHASE_DURATION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Pipeline.MinPhaseDuration = d
		}
	}
	if v := os.Getenv("QP_ROLLOUT_CALL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Pipeline.CallTimeout = d
		}
	}
	if v := os.Getenv("QP_ROLLOUT_REVIEW_PHASE"); v != "" {
		cfg.Pipeline.ReviewPhase = v
	}
	if v := os.Getenv("QP_ROLLOUT_AUTO_ADVANCE"); v != "" {
		cfg.Pipeline.AutoAdvance = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("QP_ROLLOUT_CACHE_ADDR"); v != "" {
		cfg.Cache.Addr = v
	}
	if v := os.Getenv("QP_ROLLOUT_CACHE_ENABLED"); v != "" {
		cfg.Cache.Enabled = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("QP_ROLLOUT_CACHE_USERNAME"); v != "" {
		cfg.Cache.Username = v
	}
	if v := os.Getenv("QP_ROLLOUT_CACHE_PASSWORD"); v != "" {
		cfg.Cache.Password = v
	}
	if v := os.Getenv("QP_ROLLOUT_CACHE_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Cache.DB = db
		}
	}
	if v := os.Getenv("QP_ROLLOUT_CACHE_TLS"); strings.EqualFold(v, "true") || v == "1" {
		cfg.Cache.TLS = true
	}
	if v := os.Getenv("QP_ROLLOUT_CACHE_PERFORMANCE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Cache.CohortPerformanceTTL = d
		}
	}
	if v := os.Getenv("QP_ROLLOUT_CACHE_ACCOUNTS_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Cache.AccountsTTL = d
		}
	}
}
