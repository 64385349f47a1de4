package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/nikogura/resume-workflow/pkg/length"
	"github.com/nikogura/resume-workflow/pkg/session"
)

// EnvPrefix prefixes environment overrides, e.g. TAILOR_REDIS_ADDRESS.
const EnvPrefix = "TAILOR"

// DefaultRequestsPerMinute keeps the primary backend just under a 15 RPM quota.
const DefaultRequestsPerMinute = 14

// Provider values.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
)

// Config represents the application configuration.
type Config struct {
	Name           string                   `json:"name" mapstructure:"name" validate:"required"`
	CorpusLocation string                   `json:"corpus_location" mapstructure:"corpus_location" validate:"required"`
	Backends       map[string]BackendConfig `json:"backends" mapstructure:"backends" validate:"required,min=1,dive"`
	Sections       map[string]string        `json:"sections,omitempty" mapstructure:"sections"`
	Retrieval      RetrievalConfig          `json:"retrieval" mapstructure:"retrieval"`
	Length         LengthConfig             `json:"length" mapstructure:"length"`
	Retry          RetryConfig              `json:"retry" mapstructure:"retry"`
	Redis          RedisConfig              `json:"redis" mapstructure:"redis"`
	Logging        LoggingConfig            `json:"logging" mapstructure:"logging"`
	Pandoc         PandocConfig             `json:"pandoc" mapstructure:"pandoc"`
	Defaults       DefaultConfig            `json:"defaults" mapstructure:"defaults"`
}

// BackendConfig describes one generation backend.
type BackendConfig struct {
	Provider          string  `json:"provider" mapstructure:"provider" validate:"required,oneof=anthropic openai"`
	Model             string  `json:"model,omitempty" mapstructure:"model"`
	APIKeyEnv         string  `json:"api_key_env" mapstructure:"api_key_env" validate:"required"`
	BaseURL           string  `json:"base_url,omitempty" mapstructure:"base_url" validate:"omitempty,url"`
	RequestsPerMinute int     `json:"requests_per_minute,omitempty" mapstructure:"requests_per_minute" validate:"gte=0"`
	Burst             int     `json:"burst,omitempty" mapstructure:"burst" validate:"gte=0"`
	TimeoutSeconds    int     `json:"timeout_seconds,omitempty" mapstructure:"timeout_seconds" validate:"gte=0"`
	MaxWaitSeconds    int     `json:"max_wait_seconds,omitempty" mapstructure:"max_wait_seconds" validate:"gte=0"`
	MaxTokens         int     `json:"max_tokens,omitempty" mapstructure:"max_tokens" validate:"gte=0"`
	Temperature       float64 `json:"temperature,omitempty" mapstructure:"temperature" validate:"gte=0,lte=2"`
}

// RetrievalConfig holds project selection settings.
type RetrievalConfig struct {
	K         int    `json:"k" mapstructure:"k" validate:"gte=1"`
	URL       string `json:"url,omitempty" mapstructure:"url" validate:"omitempty,url"`
	IndexPath string `json:"index_path,omitempty" mapstructure:"index_path"`
}

// LengthConfig overrides length targets per section.
type LengthConfig struct {
	MaxAdjustments int                      `json:"max_adjustments" mapstructure:"max_adjustments" validate:"gte=0"`
	Targets        map[string]length.Target `json:"targets,omitempty" mapstructure:"targets"`
}

// RetryConfig holds the generation retry policy.
type RetryConfig struct {
	MaxAttempts     int `json:"max_attempts" mapstructure:"max_attempts" validate:"gte=1"`
	ContentAttempts int `json:"content_attempts" mapstructure:"content_attempts" validate:"gte=1"`
	BaseDelayMillis int `json:"base_delay_ms" mapstructure:"base_delay_ms" validate:"gte=0"`
	MaxDelayMillis  int `json:"max_delay_ms" mapstructure:"max_delay_ms" validate:"gte=0"`
}

// RedisConfig enables the Redis session store when Address is set.
type RedisConfig struct {
	Address  string `json:"address,omitempty" mapstructure:"address"`
	Password string `json:"password,omitempty" mapstructure:"password"`
	DB       int    `json:"db,omitempty" mapstructure:"db" validate:"gte=0"`
	TTLHours int    `json:"ttl_hours,omitempty" mapstructure:"ttl_hours" validate:"gte=0"`
}

// LoggingConfig selects log level and encoding.
type LoggingConfig struct {
	Level  string `json:"level" mapstructure:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Format string `json:"format" mapstructure:"format" validate:"omitempty,oneof=console json"`
}

// PandocConfig holds pandoc-related configuration.
type PandocConfig struct {
	Binary       string `json:"binary,omitempty" mapstructure:"binary"`
	TemplatePath string `json:"template_path,omitempty" mapstructure:"template_path"`
	ClassFile    string `json:"class_file,omitempty" mapstructure:"class_file"`
}

// DefaultConfig holds default values for commands.
type DefaultConfig struct {
	OutputDir string `json:"output_dir" mapstructure:"output_dir"`
}

// DefaultPath returns ~/.resume-workflow/config.json.
func DefaultPath() (path string, err error) {
	var homeDir string
	homeDir, err = os.UserHomeDir()
	if err != nil {
		err = errors.Wrap(err, "failed to get user home directory")
		return path, err
	}
	path = filepath.Join(homeDir, ".resume-workflow", "config.json")
	return path, err
}

// DefaultSections binds the long-form sections to the primary backend and the
// short cover-letter bookends to the fast one.
func DefaultSections() (sections map[string]string) {
	sections = map[string]string{
		string(session.SectionSummary):    "primary",
		string(session.SectionProjects):   "primary",
		string(session.SectionIntro):      "fast",
		string(session.SectionConclusion): "fast",
		string(session.SectionBody):       "primary",
	}
	return sections
}

// Load reads configuration from file with .env and TAILOR_* environment overrides.
func Load(configPath string) (cfg Config, err error) {
	path := configPath
	if path == "" {
		path, err = DefaultPath()
		if err != nil {
			return cfg, err
		}
	}

	_, err = os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			err = errors.Errorf("config file not found: %s (run 'resume-workflow init' to create)", path)
			return cfg, err
		}
		err = errors.Wrapf(err, "failed to stat config file: %s", path)
		return cfg, err
	}

	loadEnvFiles(filepath.Dir(path))

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	err = v.ReadInConfig()
	if err != nil {
		err = errors.Wrapf(err, "failed to parse config file: %s", path)
		return cfg, err
	}

	err = v.Unmarshal(&cfg)
	if err != nil {
		err = errors.Wrapf(err, "failed to decode config file: %s", path)
		return cfg, err
	}

	cfg.applyDefaults()

	err = cfg.Validate()
	if err != nil {
		err = errors.Wrap(err, "config validation failed")
		return cfg, err
	}

	return cfg, err
}

// loadEnvFiles loads .env from the working directory and the config
// directory. Variables already set in the environment win.
func loadEnvFiles(configDir string) {
	for _, path := range []string{".env", filepath.Join(configDir, ".env")} {
		if _, err := os.Stat(path); err == nil {
			_ = godotenv.Load(path)
		}
	}
}

func setDefaults(v *viper.Viper) {
	retry := map[string]int{"max_attempts": 3, "content_attempts": 2, "base_delay_ms": 1000, "max_delay_ms": 30000}
	for key, value := range retry {
		v.SetDefault("retry."+key, value)
	}
	v.SetDefault("name", "")
	v.SetDefault("corpus_location", "")
	v.SetDefault("retrieval.k", 3)
	v.SetDefault("retrieval.url", "")
	v.SetDefault("retrieval.index_path", "")
	v.SetDefault("length.max_adjustments", length.DefaultMaxAdjustments)
	v.SetDefault("redis.address", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttl_hours", 72)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("pandoc.binary", "pandoc")
	v.SetDefault("pandoc.template_path", "")
	v.SetDefault("pandoc.class_file", "")
	v.SetDefault("defaults.output_dir", "./applications")
}

func (c *Config) applyDefaults() {
	if len(c.Sections) == 0 {
		c.Sections = DefaultSections()
	}
	for name, b := range c.Backends {
		if b.RequestsPerMinute == 0 {
			b.RequestsPerMinute = DefaultRequestsPerMinute
		}
		if b.TimeoutSeconds == 0 {
			b.TimeoutSeconds = 120
		}
		c.Backends[name] = b
	}
	if c.Defaults.OutputDir == "" {
		c.Defaults.OutputDir = "./applications"
	}
}

// Validate checks struct constraints, then that every section is bound to a
// configured backend and every length target is a valid range.
func (c *Config) Validate() (err error) {
	err = validator.New().Struct(c)
	if err != nil {
		err = errors.Wrap(err, "invalid configuration")
		return err
	}

	_, err = os.Stat(c.CorpusLocation)
	if os.IsNotExist(err) {
		err = errors.Errorf("corpus file not found: %s", c.CorpusLocation)
		return err
	}
	err = nil

	for _, id := range session.Order() {
		backend, ok := c.Sections[string(id)]
		if !ok {
			err = errors.Errorf("section %s is not bound to a backend", id)
			return err
		}
		if _, ok = c.Backends[backend]; !ok {
			err = errors.Errorf("section %s uses unknown backend %q", id, backend)
			return err
		}
	}

	for key := range c.Sections {
		if !session.Known(session.SectionID(key)) {
			err = errors.Errorf("unknown section in sections: %s", key)
			return err
		}
	}

	for key, target := range c.Length.Targets {
		if !session.Known(session.SectionID(key)) {
			err = errors.Errorf("unknown section in length.targets: %s", key)
			return err
		}
		if target.Min > target.Max {
			err = errors.Errorf("length target for %s has min %.0f above max %.0f", key, target.Min, target.Max)
			return err
		}
	}

	return err
}

// APIKey reads the backend's key from the environment variable it names.
func (b BackendConfig) APIKey() (key string, err error) {
	key = os.Getenv(b.APIKeyEnv)
	if key == "" {
		err = errors.Errorf("%s is not set", b.APIKeyEnv)
		return key, err
	}
	return key, err
}

// Timeout is the per-call deadline.
func (b BackendConfig) Timeout() (d time.Duration) {
	d = time.Duration(b.TimeoutSeconds) * time.Second
	return d
}

// MaxWait is the longest a call may queue for admission.
func (b BackendConfig) MaxWait() (d time.Duration) {
	d = time.Duration(b.MaxWaitSeconds) * time.Second
	return d
}

// SectionPolicy returns the section to backend bindings.
func (c *Config) SectionPolicy() (policy map[session.SectionID]string) {
	policy = make(map[session.SectionID]string, len(c.Sections))
	for key, backend := range c.Sections {
		policy[session.SectionID(key)] = backend
	}
	return policy
}

// LengthTargets returns the per-section target overrides.
func (c *Config) LengthTargets() (targets map[session.SectionID]length.Target) {
	targets = make(map[session.SectionID]length.Target, len(c.Length.Targets))
	for key, target := range c.Length.Targets {
		targets[session.SectionID(key)] = target
	}
	return targets
}

// RetryDelays returns the backoff base and cap.
func (c *Config) RetryDelays() (base, ceiling time.Duration) {
	base = time.Duration(c.Retry.BaseDelayMillis) * time.Millisecond
	ceiling = time.Duration(c.Retry.MaxDelayMillis) * time.Millisecond
	return base, ceiling
}

// RedisTTL is how long session snapshots live.
func (c *Config) RedisTTL() (d time.Duration) {
	d = time.Duration(c.Redis.TTLHours) * time.Hour
	return d
}

// InitConfig creates a default configuration file.
func InitConfig(configPath string) (err error) {
	path := configPath
	if path == "" {
		path, err = DefaultPath()
		if err != nil {
			return err
		}
	}

	dir := filepath.Dir(path)
	err = os.MkdirAll(dir, 0750)
	if err != nil {
		err = errors.Wrapf(err, "failed to create config directory: %s", dir)
		return err
	}

	_, err = os.Stat(path)
	if err == nil {
		err = errors.Errorf("config file already exists: %s", path)
		return err
	}

	var homeDir string
	homeDir, err = os.UserHomeDir()
	if err != nil {
		err = errors.Wrap(err, "failed to get user home directory")
		return err
	}

	defaultConfig := Config{
		Name:           "your-name",
		CorpusLocation: filepath.Join(homeDir, ".resume-workflow", "corpus.yaml"),
		Backends: map[string]BackendConfig{
			"primary": {
				Provider:          ProviderAnthropic,
				APIKeyEnv:         "ANTHROPIC_API_KEY",
				RequestsPerMinute: DefaultRequestsPerMinute,
				TimeoutSeconds:    120,
				MaxTokens:         2048,
			},
			"fast": {
				Provider:          ProviderOpenAI,
				Model:             "deepseek-chat",
				APIKeyEnv:         "DEEPSEEK_API_KEY",
				BaseURL:           "https://api.deepseek.com/v1",
				RequestsPerMinute: 60,
				TimeoutSeconds:    60,
				Temperature:       0.7,
			},
		},
		Sections: DefaultSections(),
		Retrieval: RetrievalConfig{
			K:         3,
			IndexPath: filepath.Join(homeDir, ".resume-workflow", "index.json"),
		},
		Length: LengthConfig{MaxAdjustments: length.DefaultMaxAdjustments},
		Retry: RetryConfig{
			MaxAttempts:     3,
			ContentAttempts: 2,
			BaseDelayMillis: 1000,
			MaxDelayMillis:  30000,
		},
		Logging: LoggingConfig{Level: "info", Format: "console"},
		Pandoc: PandocConfig{
			Binary:       "pandoc",
			TemplatePath: filepath.Join(homeDir, ".resume-workflow", "resume-template.latex"),
			ClassFile:    filepath.Join(homeDir, ".resume-workflow", "resume.cls"),
		},
		Defaults: DefaultConfig{
			OutputDir: filepath.Join(homeDir, "Documents", "Applications"),
		},
	}

	var data []byte
	data, err = json.MarshalIndent(defaultConfig, "", "  ")
	if err != nil {
		err = errors.Wrap(err, "failed to marshal default config")
		return err
	}

	err = os.WriteFile(path, data, 0600)
	if err != nil {
		err = errors.Wrapf(err, "failed to write config file: %s", path)
		return err
	}

	return err
}
