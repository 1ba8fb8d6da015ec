package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Mode names as they appear in config files and on the command line.
const (
	ModeSimple   = "simple"
	ModeNarrated = "narrated"
	ModeDirect   = "direct"
)

// Modes lists every mode the assistant understands.
var Modes = []string{ModeSimple, ModeNarrated, ModeDirect}

type Config struct {
	// DefaultMode is the answer mode a fresh terminal session starts in.
	DefaultMode string `yaml:"default_mode"`

	Backend  BackendConfig  `yaml:"backend"`
	Page     PageConfig     `yaml:"page"`
	Exchange ExchangeConfig `yaml:"exchange"`
	Stream   StreamConfig   `yaml:"stream"`
	Crawl    CrawlConfig    `yaml:"crawl"`
	Render   RenderConfig   `yaml:"render"`
	Log      LogConfig      `yaml:"log"`
	Mock     MockConfig     `yaml:"mock"`
}

type BackendConfig struct {
	BaseURL         string            `yaml:"base_url"`
	StreamPath      string            `yaml:"stream_path"`
	Endpoints       map[string]string `yaml:"endpoints"`
	IngestPath      string            `yaml:"ingest_path"`
	IndexStatusPath string            `yaml:"index_status_path"`
	IndexSitePath   string            `yaml:"index_site_path"`
	Token           string            `yaml:"token"`
}

// PageConfig selects the page agent. A Chrome DevTools control URL drives a
// live browser tab, "auto" finds a running browser started with remote
// debugging. Otherwise URL is fetched and parsed as a static document.
type PageConfig struct {
	ControlURL string `yaml:"control_url"`
	URL        string `yaml:"url"`
}

type ExchangeConfig struct {
	// Timeout bounds one answer exchange. Zero waits forever.
	Timeout time.Duration `yaml:"timeout"`
	Retries int           `yaml:"retries"`
}

type StreamConfig struct {
	DialAttempts       int           `yaml:"dial_attempts"`
	ReconnectBaseDelay time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay  time.Duration `yaml:"reconnect_max_delay"`
	PingInterval       time.Duration `yaml:"ping_interval"`
	PongTimeout        time.Duration `yaml:"pong_timeout"`
}

type CrawlConfig struct {
	MaxPages          int           `yaml:"max_pages"` // 0 = unbounded
	MaxDepth          int           `yaml:"max_depth"` // 0 = unbounded
	Workers           int           `yaml:"workers"`
	RequestsPerSecond float64       `yaml:"requests_per_second"` // 0 = unlimited
	FetchTimeout      time.Duration `yaml:"fetch_timeout"`
	MaxBodyBytes      int64         `yaml:"max_body_bytes"`
	UserAgent         string        `yaml:"user_agent"`
}

type RenderConfig struct {
	Smoothing     bool   `yaml:"smoothing"`
	MarkdownStyle string `yaml:"markdown_style"`
}

type LogConfig struct {
	Path  string `yaml:"path"`
	Level string `yaml:"level"`
}

// MockConfig drives the scripted backend served by `assist mock-backend`.
type MockConfig struct {
	Host       string        `yaml:"host"`
	Port       int           `yaml:"port"`
	EventDelay time.Duration `yaml:"event_delay"`
}

func defaultConfig() *Config {
	return &Config{
		DefaultMode: ModeNarrated,
		Backend: BackendConfig{
			BaseURL:    "http://localhost:5000",
			StreamPath: "/ws/smart-logs",
			Endpoints: map[string]string{
				ModeSimple:   "/ask",
				ModeNarrated: "/ask-smart",
				ModeDirect:   "/ask-website-rag",
			},
			IngestPath:      "/add_page_data",
			IndexStatusPath: "/is-indexed",
			IndexSitePath:   "/index-site",
		},
		Exchange: ExchangeConfig{
			Timeout: 2 * time.Minute,
		},
		Stream: StreamConfig{
			DialAttempts:       3,
			ReconnectBaseDelay: 500 * time.Millisecond,
			ReconnectMaxDelay:  5 * time.Second,
			PingInterval:       30 * time.Second,
			PongTimeout:        60 * time.Second,
		},
		Crawl: CrawlConfig{
			MaxPages:     500,
			Workers:      1,
			FetchTimeout: 15 * time.Second,
			MaxBodyBytes: 2 << 20,
			UserAgent:    "pageassist-crawler/1.0",
		},
		Render: RenderConfig{
			Smoothing:     true,
			MarkdownStyle: "dark",
		},
		Log: LogConfig{
			Path:  "assist.log",
			Level: "info",
		},
		Mock: MockConfig{
			Host:       "127.0.0.1",
			Port:       5000,
			EventDelay: 150 * time.Millisecond,
		},
	}
}

// Default returns the built-in configuration.
func Default() *Config {
	return defaultConfig()
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault loads path, falling back to defaults when path is empty or
// the file does not exist. Any other read or parse error is returned.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return defaultConfig(), nil
	}
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return defaultConfig(), nil
	}
	return cfg, err
}

func (c *Config) Validate() error {
	if !ValidMode(c.DefaultMode) {
		return fmt.Errorf("default_mode: unknown mode %q", c.DefaultMode)
	}
	if c.Backend.BaseURL == "" {
		return errors.New("backend.base_url is required")
	}
	for mode := range c.Backend.Endpoints {
		if !ValidMode(mode) {
			return fmt.Errorf("backend.endpoints: unknown mode %q", mode)
		}
	}
	if c.Crawl.Workers < 1 {
		return fmt.Errorf("crawl.workers must be at least 1, got %d", c.Crawl.Workers)
	}
	if c.Crawl.MaxPages < 0 || c.Crawl.MaxDepth < 0 {
		return errors.New("crawl limits must not be negative")
	}
	if c.Crawl.RequestsPerSecond < 0 {
		return errors.New("crawl.requests_per_second must not be negative")
	}
	if c.Exchange.Retries < 0 {
		return errors.New("exchange.retries must not be negative")
	}
	if c.Stream.DialAttempts < 1 {
		return fmt.Errorf("stream.dial_attempts must be at least 1, got %d", c.Stream.DialAttempts)
	}
	return nil
}

// Endpoint returns the answer endpoint path for mode, or "" if unset.
func (c *Config) Endpoint(mode string) string {
	return c.Backend.Endpoints[mode]
}

func ValidMode(mode string) bool {
	for _, m := range Modes {
		if m == mode {
			return true
		}
	}
	return false
}
