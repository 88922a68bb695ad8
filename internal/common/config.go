package common

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
)

// Duration is a time.Duration that unmarshals from TOML strings like "3s"
// or "6h".
type Duration time.Duration

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d Duration) String() string { return time.Duration(d).String() }

// Std returns the value as a standard time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the single structured configuration document for the pipeline.
type Config struct {
	Storage     StorageConfig     `toml:"storage"`
	Timing      TimingConfig      `toml:"timing"`
	Retry       RetryConfig       `toml:"retry"`
	Concurrency ConcurrencyConfig `toml:"concurrency"`
	Limits      LimitsConfig      `toml:"limits"`
	Behavior    BehaviorConfig    `toml:"behavior"`
	Fetcher     FetcherConfig     `toml:"fetcher"`
	Discovery   DiscoveryConfig   `toml:"discovery"`
	Registry    RegistryConfig    `toml:"registry"`
	Scraped     ScrapedConfig     `toml:"scraped"`
	Logging     LoggingConfig     `toml:"logging"`
}

type StorageConfig struct {
	DatabasePath    string `toml:"database_path" validate:"required"`
	RawDocDir       string `toml:"raw_doc_dir"`
	StoreRawDocs    bool   `toml:"store_raw_docs"`
	CompressRawDocs bool   `toml:"compress_raw_docs"`
}

type TimingConfig struct {
	MinDelay         Duration `toml:"min_delay"`
	MaxDelay         Duration `toml:"max_delay"`
	RequestTimeout   Duration `toml:"request_timeout"`
	OverallTimeout   Duration `toml:"overall_timeout"`
	ActiveHoursStart int      `toml:"active_hours_start" validate:"min=0,max=23"`
	ActiveHoursEnd   int      `toml:"active_hours_end" validate:"min=0,max=24"`
	SkipWeekends     bool     `toml:"skip_weekends"`
	ReadingTimeMin   Duration `toml:"reading_time_min"`
	ReadingTimeMax   Duration `toml:"reading_time_max"`
}

type RetryConfig struct {
	MaxRetries     int      `toml:"max_retries" validate:"min=0"`
	InitialBackoff Duration `toml:"initial_backoff"`
	BackoffFactor  float64  `toml:"backoff_factor" validate:"gte=1"`
	MaxBackoff     Duration `toml:"max_backoff"`
	BlockCooldown  Duration `toml:"block_cooldown"`
}

type ConcurrencyConfig struct {
	DiscoveryWorkers int `toml:"discovery_workers" validate:"min=1"`
	// RegistryWorkers must stay 1: the registry token cache and the
	// server-side rate limit are coupled to a single client.
	RegistryWorkers int `toml:"registry_workers" validate:"min=1,max=1"`
	ScrapedWorkers  int `toml:"scraped_workers" validate:"min=1"`
	BatchSize       int `toml:"batch_size" validate:"min=1"`
}

type LimitsConfig struct {
	MaxJobs       int      `toml:"max_jobs" validate:"min=0"` // 0 = unbounded
	StageTimeout  Duration `toml:"stage_timeout"`
	ShutdownGrace Duration `toml:"shutdown_grace"`
	PollInterval  Duration `toml:"poll_interval"`
}

type BehaviorConfig struct {
	RandomPageInterval int      `toml:"random_page_interval" validate:"min=1"`
	PRandomPage        float64  `toml:"p_random_page" validate:"gte=0,lte=1"`
	MinConfidence      float64  `toml:"min_confidence" validate:"gte=0,lte=1"`
	StagesEnabled      []string `toml:"stages_enabled"`
	ProgressInterval   int      `toml:"progress_interval" validate:"min=1"`
}

type FetcherConfig struct {
	UserAgents []string `toml:"user_agents"`
	// BlockMarkers are substrings in a 200 body that signal a soft block.
	// Site-specific; deliberately configuration, not code.
	BlockMarkers []string `toml:"block_markers"`
	RandomPages  []string `toml:"random_pages"`
}

type DiscoveryConfig struct {
	BaseURL       string `toml:"base_url"`
	CertPath      string `toml:"cert_path"`
	CertPassword  string `toml:"cert_password"`
	MaxPage       int    `toml:"max_page" validate:"min=1"`
	LegalFormCode string `toml:"legal_form_code"`
	OnlyActive    bool   `toml:"only_active"`
}

type RegistryConfig struct {
	BaseURL      string   `toml:"base_url"`
	TokenURL     string   `toml:"token_url"`
	ClientID     string   `toml:"client_id"`
	ClientSecret string   `toml:"client_secret"`
	MinInterval  Duration `toml:"min_interval"`
	RateSleep    Duration `toml:"rate_sleep"`
}

type ScrapedConfig struct {
	Host          string `toml:"host"`
	AppStateID    string `toml:"app_state_id"`
	FetchPersons  bool   `toml:"fetch_persons"`
	GraphSinkPath string `toml:"graph_sink_path"`
}

type LoggingConfig struct {
	Level  string   `toml:"level"`
	Output []string `toml:"output"`
}

// DefaultConfig returns the documented defaults. File and environment
// values layer on top.
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			DatabasePath:    "orgflow.db",
			StoreRawDocs:    false,
			CompressRawDocs: true,
		},
		Timing: TimingConfig{
			MinDelay:         Duration(3 * time.Second),
			MaxDelay:         Duration(8 * time.Second),
			RequestTimeout:   Duration(30 * time.Second),
			OverallTimeout:   Duration(120 * time.Second),
			ActiveHoursStart: 9,
			ActiveHoursEnd:   18,
			SkipWeekends:     true,
			ReadingTimeMin:   Duration(1 * time.Second),
			ReadingTimeMax:   Duration(3 * time.Second),
		},
		Retry: RetryConfig{
			MaxRetries:     3,
			InitialBackoff: Duration(5 * time.Second),
			BackoffFactor:  2.0,
			MaxBackoff:     Duration(300 * time.Second),
			BlockCooldown:  Duration(6 * time.Hour),
		},
		Concurrency: ConcurrencyConfig{
			DiscoveryWorkers: 1,
			RegistryWorkers:  1,
			ScrapedWorkers:   1,
			BatchSize:        50,
		},
		Limits: LimitsConfig{
			MaxJobs:       0,
			StageTimeout:  Duration(5 * time.Minute),
			ShutdownGrace: Duration(30 * time.Second),
			PollInterval:  Duration(2 * time.Second),
		},
		Behavior: BehaviorConfig{
			RandomPageInterval: 25,
			PRandomPage:        0.1,
			MinConfidence:      0.5,
			StagesEnabled:      []string{"discovery", "registry", "graph", "scraped"},
			ProgressInterval:   50,
		},
		Fetcher: FetcherConfig{
			UserAgents: []string{
				"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
				"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
				"Mozilla/5.0 (X11; Linux x86_64; rv:125.0) Gecko/20100101 Firefox/125.0",
			},
		},
		Discovery: DiscoveryConfig{
			MaxPage:       2000,
			LegalFormCode: "49",
			OnlyActive:    true,
		},
		Registry: RegistryConfig{
			MinInterval: Duration(1500 * time.Millisecond),
			RateSleep:   Duration(30 * time.Second),
		},
		Scraped: ScrapedConfig{
			AppStateID:    "__NEXT_DATA__",
			GraphSinkPath: "graph_out.jsonl",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: []string{"stdout"},
		},
	}
}

// LoadConfig loads defaults, overlays the TOML file at path (if given),
// applies environment overrides and validates the result.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides layers secrets from the environment so credentials
// never have to live in the config file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ORGFLOW_REGISTRY_CLIENT_ID"); v != "" {
		cfg.Registry.ClientID = v
	}
	if v := os.Getenv("ORGFLOW_REGISTRY_CLIENT_SECRET"); v != "" {
		cfg.Registry.ClientSecret = v
	}
	if v := os.Getenv("ORGFLOW_DISCOVERY_CERT_PATH"); v != "" {
		cfg.Discovery.CertPath = v
	}
	if v := os.Getenv("ORGFLOW_DISCOVERY_CERT_PASSWORD"); v != "" {
		cfg.Discovery.CertPassword = v
	}
	if v := os.Getenv("ORGFLOW_DATABASE_PATH"); v != "" {
		cfg.Storage.DatabasePath = v
	}
	if v := os.Getenv("ORGFLOW_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks structural constraints on the configuration.
func Validate(cfg *Config) error {
	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.Timing.MinDelay.Std() < time.Second {
		return fmt.Errorf("invalid configuration: min_delay floor is 1s, got %s", cfg.Timing.MinDelay)
	}
	if cfg.Timing.MaxDelay < cfg.Timing.MinDelay {
		return fmt.Errorf("invalid configuration: max_delay %s below min_delay %s", cfg.Timing.MaxDelay, cfg.Timing.MinDelay)
	}
	for _, s := range cfg.Behavior.StagesEnabled {
		switch strings.ToLower(s) {
		case "discovery", "registry", "graph", "scraped":
		default:
			return fmt.Errorf("invalid configuration: unknown stage %q", s)
		}
	}
	return nil
}

// Redacted returns a copy safe for logging: secret fields are masked.
func (c *Config) Redacted() Config {
	out := *c
	if out.Registry.ClientSecret != "" {
		out.Registry.ClientSecret = "***"
	}
	if out.Registry.ClientID != "" {
		out.Registry.ClientID = "***"
	}
	if out.Discovery.CertPassword != "" {
		out.Discovery.CertPassword = "***"
	}
	return out
}
