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

// Config captures the settings required to boot the sentinel engine.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Clients  ClientsConfig  `yaml:"clients"`
	Reasoner ReasonerConfig `yaml:"reasoner"`
	Detector DetectorConfig `yaml:"detector"`
	Store    StoreConfig    `yaml:"store"`
	Logging  LoggingConfig  `yaml:"logging"`
	Rules    RulesConfig    `yaml:"rules"`
	Cache    CacheConfig    `yaml:"cache"`
}

// ServerConfig controls HTTP listener behaviour.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
}

// ClientsConfig groups the engine's collaborator services.
type ClientsConfig struct {
	Signals  SignalsClientConfig  `yaml:"signals"`
	Patterns PatternsClientConfig `yaml:"patterns"`
	Actions  ActionsClientConfig  `yaml:"actions"`
}

// SignalsClientConfig configures access to the observability gateway.
type SignalsClientConfig struct {
	BaseURL     string        `yaml:"baseURL"`
	MetricsPath string        `yaml:"metricsPath"`
	LogsPath    string        `yaml:"logsPath"`
	EventsPath  string        `yaml:"eventsPath"`
	Timeout     time.Duration `yaml:"timeout"`
}

// PatternsClientConfig configures access to the pattern-service.
type PatternsClientConfig struct {
	BaseURL string        `yaml:"baseURL"`
	APIKey  string        `yaml:"apiKey"`
	Timeout time.Duration `yaml:"timeout"`
}

// ActionsClientConfig configures access to the cluster-action service.
type ActionsClientConfig struct {
	BaseURL string        `yaml:"baseURL"`
	APIKey  string        `yaml:"apiKey"`
	Timeout time.Duration `yaml:"timeout"`
}

// ReasonerConfig configures the reasoning backend.
type ReasonerConfig struct {
	BaseURL   string `yaml:"baseURL"`
	APIKey    string `yaml:"apiKey"`
	Model     string `yaml:"model"`
	MaxTokens int    `yaml:"maxTokens"`
}

// DetectorConfig controls the scheduled control loop.
type DetectorConfig struct {
	Interval         time.Duration `yaml:"interval"`
	Subjects         []string      `yaml:"subjects"`
	EvidenceCapacity int           `yaml:"evidenceCapacity"`
	ObserveWindow    int           `yaml:"observeWindow"`
	CollectWindow    time.Duration `yaml:"collectWindow"`
	VerifyRetries    int           `yaml:"verifyRetries"`
	AllowedActions   []string      `yaml:"allowedActions"`
	HighConfidence   float64       `yaml:"highConfidence"`
}

// StoreConfig controls the embedded incident run store.
type StoreConfig struct {
	Path      string        `yaml:"path"`
	InMemory  bool          `yaml:"inMemory"`
	Retention time.Duration `yaml:"retention"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// RulesConfig controls rule-pack loading for the fallback recommender.
type RulesConfig struct {
	Path string `yaml:"path"`
}

// CacheConfig controls Valkey-backed caching of expensive lookups.
type CacheConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	MaxRetries   int           `yaml:"maxRetries"`
	TLS          bool          `yaml:"tls"`
	PatternsTTL  time.Duration `yaml:"patternsTTL"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("MIRADOR_SENTINEL_CONFIG")
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
	return &cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":8087",
			MetricsAddress:  ":2112",
			GracefulTimeout: 10 * time.Second,
		},
		Clients: ClientsConfig{
			Signals: SignalsClientConfig{
				MetricsPath: "/api/v1/signals/metrics",
				LogsPath:    "/api/v1/signals/logs",
				EventsPath:  "/api/v1/signals/events",
				Timeout:     10 * time.Second,
			},
			Patterns: PatternsClientConfig{Timeout: 5 * time.Second},
			Actions:  ActionsClientConfig{Timeout: 15 * time.Second},
		},
		Reasoner: ReasonerConfig{
			Model:     "gpt-4o-mini",
			MaxTokens: 1024,
		},
		Detector: DetectorConfig{
			Interval:         time.Minute,
			EvidenceCapacity: 60,
			ObserveWindow:    20,
			CollectWindow:    5 * time.Minute,
			VerifyRetries:    1,
			AllowedActions:   []string{"rollback", "restart", "scale"},
			HighConfidence:   0.8,
		},
		Store: StoreConfig{
			Path:      "data/incidents",
			Retention: 7 * 24 * time.Hour,
		},
		Logging: LoggingConfig{Level: "info", JSON: false},
		Rules:   RulesConfig{Path: "configs/rules/default.yaml"},
		Cache: CacheConfig{
			Enabled:      false,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
			MaxRetries:   2,
			PatternsTTL:  10 * time.Minute,
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MIRADOR_SENTINEL_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("MIRADOR_SENTINEL_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("MIRADOR_SENTINEL_SIGNALS_BASE_URL"); v != "" {
		cfg.Clients.Signals.BaseURL = v
	}
	if v := os.Getenv("MIRADOR_SENTINEL_PATTERNS_BASE_URL"); v != "" {
		cfg.Clients.Patterns.BaseURL = v
	}
	if v := os.Getenv("MIRADOR_SENTINEL_PATTERNS_API_KEY"); v != "" {
		cfg.Clients.Patterns.APIKey = v
	}
	if v := os.Getenv("MIRADOR_SENTINEL_ACTIONS_BASE_URL"); v != "" {
		cfg.Clients.Actions.BaseURL = v
	}
	if v := os.Getenv("MIRADOR_SENTINEL_ACTIONS_API_KEY"); v != "" {
		cfg.Clients.Actions.APIKey = v
	}
	if v := os.Getenv("MIRADOR_SENTINEL_REASONER_BASE_URL"); v != "" {
		cfg.Reasoner.BaseURL = v
	}
	if v := os.Getenv("MIRADOR_SENTINEL_REASONER_API_KEY"); v != "" {
		cfg.Reasoner.APIKey = v
	}
	if v := os.Getenv("MIRADOR_SENTINEL_REASONER_MODEL"); v != "" {
		cfg.Reasoner.Model = v
	}
	if v := os.Getenv("MIRADOR_SENTINEL_DETECTOR_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Detector.Interval = d
		}
	}
	if v := os.Getenv("MIRADOR_SENTINEL_DETECTOR_SUBJECTS"); v != "" {
		cfg.Detector.Subjects = splitAndTrim(v)
	}
	if v := os.Getenv("MIRADOR_SENTINEL_DETECTOR_VERIFY_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Detector.VerifyRetries = n
		}
	}
	if v := os.Getenv("MIRADOR_SENTINEL_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("MIRADOR_SENTINEL_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("MIRADOR_SENTINEL_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("MIRADOR_SENTINEL_RULES_PATH"); v != "" {
		cfg.Rules.Path = v
	}
	if v := os.Getenv("MIRADOR_SENTINEL_CACHE_ADDR"); v != "" {
		cfg.Cache.Addr = v
	}
	if v := os.Getenv("MIRADOR_SENTINEL_CACHE_ENABLED"); v != "" {
		cfg.Cache.Enabled = strings.EqualFold(v, "true") || strings.EqualFold(v, "1")
	}
	if v := os.Getenv("MIRADOR_SENTINEL_CACHE_USERNAME"); v != "" {
		cfg.Cache.Username = v
	}
	if v := os.Getenv("MIRADOR_SENTINEL_CACHE_PASSWORD"); v != "" {
		cfg.Cache.Password = v
	}
	if v := os.Getenv("MIRADOR_SENTINEL_CACHE_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Cache.DB = db
		}
	}
	if v := os.Getenv("MIRADOR_SENTINEL_CACHE_TLS"); strings.EqualFold(v, "true") || strings.EqualFold(v, "1") {
		cfg.Cache.TLS = true
	}
	if v := os.Getenv("MIRADOR_SENTINEL_CACHE_PATTERNS_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Cache.PatternsTTL = d
		}
	}
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
