package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

var (
	ErrNoConfig        = errors.New("config file not found")
	ErrInvalidJSON     = errors.New("invalid config JSON")
	ErrUnknownProvider = errors.New("provider must be \"siliconflow\", \"openai\", \"openrouter\", \"moonshot\", or \"custom\"")
	ErrMissingBaseURL  = errors.New("base_url is required when provider is \"custom\"")
	ErrInvalidLimits   = errors.New("max_tokens and context_warn_tokens must not be negative")
)

const (
	ProviderSiliconFlow = "siliconflow"
	ProviderOpenAI      = "openai"
	ProviderOpenRouter  = "openrouter"
	ProviderMoonshot    = "moonshot"
	ProviderCustom      = "custom"
)

// Preset is the endpoint and fallback model for a known provider.
type Preset struct {
	BaseURL      string
	DefaultModel string
}

// Presets lists the OpenAI-compatible providers that work without a base_url.
var Presets = map[string]Preset{
	ProviderSiliconFlow: {BaseURL: "https://api.siliconflow.cn/v1", DefaultModel: "deepseek-ai/DeepSeek-V3"},
	ProviderOpenAI:      {BaseURL: "https://api.openai.com/v1", DefaultModel: "gpt-4o-mini"},
	ProviderOpenRouter:  {BaseURL: "https://openrouter.ai/api/v1", DefaultModel: "openrouter/auto"},
	ProviderMoonshot:    {BaseURL: "https://api.moonshot.cn/v1", DefaultModel: "moonshot-v1-32k"},
}

// Config holds the nexus configuration.
type Config struct {
	Provider          string            `mapstructure:"provider"`
	BaseURL           string            `mapstructure:"base_url"`
	Model             string            `mapstructure:"model"`
	APIKey            string            `mapstructure:"api_key"`  // Legacy single key, honored for siliconflow only
	APIKeys           map[string]string `mapstructure:"api_keys"` // Keyed by provider name
	Temperature       *float64          `mapstructure:"temperature"`
	MaxTokens         int               `mapstructure:"max_tokens"`
	ContextWarnTokens *int              `mapstructure:"context_warn_tokens"` // 0 disables the prompt size warning

	envAPIKey string // NEXUS_API_KEY, applies to whichever provider is active
}

// Dir returns ~/.config/nexus.
func Dir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".config", "nexus"), nil
}

// Load reads the config from ~/.config/nexus/config.json.
func Load() (*Config, error) {
	dir, err := Dir()
	if err != nil {
		return nil, err
	}
	return LoadFrom(filepath.Join(dir, "config.json"))
}

// LoadFrom reads the config from a specific path.
// Environment overrides (NEXUS_PROVIDER, NEXUS_BASE_URL, NEXUS_MODEL,
// NEXUS_API_KEY) take precedence over the file.
func LoadFrom(path string) (*Config, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoConfig
		}
		return nil, err
	}

	v := newViper()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		var parseErr viper.ConfigParseError
		if errors.As(err, &parseErr) {
			return nil, ErrInvalidJSON
		}
		return nil, err
	}

	return fromViper(v)
}

// Default returns the configuration used when no config file exists.
// Environment overrides still apply.
func Default() *Config {
	cfg, err := fromViper(newViper())
	if err != nil {
		// Only an invalid NEXUS_PROVIDER gets here; ignore it.
		cfg = &Config{Provider: ProviderSiliconFlow, envAPIKey: strings.TrimSpace(os.Getenv("NEXUS_API_KEY"))}
		cfg.applyDefaults()
	}
	return cfg
}

func newViper() *viper.Viper {
	v := viper.New()
	_ = v.BindEnv("provider", "NEXUS_PROVIDER")
	_ = v.BindEnv("base_url", "NEXUS_BASE_URL")
	_ = v.BindEnv("model", "NEXUS_MODEL")
	_ = v.BindEnv("env_api_key", "NEXUS_API_KEY")
	return v
}

func fromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, ErrInvalidJSON
	}
	cfg.envAPIKey = strings.TrimSpace(v.GetString("env_api_key"))
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	c.Provider = strings.ToLower(strings.TrimSpace(c.Provider))
	if c.Provider == "" {
		c.Provider = ProviderSiliconFlow
	}
	preset, known := Presets[c.Provider]
	if c.BaseURL == "" && known {
		c.BaseURL = preset.BaseURL
	}
	if c.Model == "" {
		if known {
			c.Model = preset.DefaultModel
		} else {
			c.Model = Presets[ProviderSiliconFlow].DefaultModel
		}
	}
	if c.Temperature == nil {
		t := 0.7
		c.Temperature = &t
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 4000
	}
	if c.ContextWarnTokens == nil {
		n := 32000
		c.ContextWarnTokens = &n
	}
}

func (c *Config) validate() error {
	if _, known := Presets[c.Provider]; !known && c.Provider != ProviderCustom {
		return ErrUnknownProvider
	}
	if c.Provider == ProviderCustom && c.BaseURL == "" {
		return ErrMissingBaseURL
	}
	if c.MaxTokens < 0 || *c.ContextWarnTokens < 0 {
		return ErrInvalidLimits
	}
	return nil
}

// ResolvedAPIKey returns the key for the configured provider, or "" if none is set.
// NEXUS_API_KEY wins over the file for every provider.
func (c *Config) ResolvedAPIKey() string {
	if c.envAPIKey != "" {
		return c.envAPIKey
	}
	if key := strings.TrimSpace(c.APIKeys[c.Provider]); key != "" {
		return key
	}
	if c.Provider == ProviderSiliconFlow {
		return strings.TrimSpace(c.APIKey)
	}
	return ""
}

// WarnTokens returns the prompt size above which a context warning is sent.
func (c *Config) WarnTokens() int {
	if c.ContextWarnTokens == nil {
		return 0
	}
	return *c.ContextWarnTokens
}
