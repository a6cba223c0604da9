package montage

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Default workflow settings, used for any field absent from the config.
const (
	DefaultBatchSize         = 3
	DefaultMaxRetries        = 2
	DefaultSummaryMaxRetries = 2
	DefaultBaseDelay         = 500 * time.Millisecond
	DefaultMaxDelay          = 10 * time.Second
	DefaultCallTimeout       = 60 * time.Second

	defaultImageMaxTokens   = 1000
	defaultImageTemperature = 0.7
	defaultTextMaxTokens    = 500
	defaultTextTemperature  = 0.3
)

type Config struct {
	DefaultProvider string                    `yaml:"default_provider"`
	Logging         LoggingConfig             `yaml:"logging"`
	Workflow        WorkflowConfig            `yaml:"workflow"`
	Providers       map[string]ProviderConfig `yaml:"providers"`
}

type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn or error
}

type WorkflowConfig struct {
	BatchSize int `yaml:"batch_size"`

	// Retry budgets are separate for describe and summarize calls.
	MaxRetries        int `yaml:"max_retries"`
	SummaryMaxRetries int `yaml:"summary_max_retries"`

	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	CallTimeout time.Duration `yaml:"call_timeout"`

	// Timeout bounds a whole ProcessImages call, 0 for no limit.
	Timeout time.Duration `yaml:"timeout"`
}

type ProviderConfig struct {
	APIKey     string `yaml:"api_key"`
	Endpoint   string `yaml:"endpoint"`
	APIVersion string `yaml:"api_version"`

	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`

	Seed              int `yaml:"seed"`
	RequestsPerMinute int `yaml:"requests_per_minute"`

	ImageModel ModelConfig `yaml:"image_model"`
	TextModel  ModelConfig `yaml:"text_model"`
}

type ModelConfig struct {
	Model        string  `yaml:"model"`
	MaxTokens    int     `yaml:"max_tokens"`
	Temperature  float64 `yaml:"temperature"`
	SystemPrompt string  `yaml:"system_prompt"`
}

// DefaultConfig returns a config holding every default and no providers.
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info"},
		Workflow: WorkflowConfig{
			BatchSize:         DefaultBatchSize,
			MaxRetries:        DefaultMaxRetries,
			SummaryMaxRetries: DefaultSummaryMaxRetries,
			BaseDelay:         DefaultBaseDelay,
			MaxDelay:          DefaultMaxDelay,
			CallTimeout:       DefaultCallTimeout,
		},
		Providers: map[string]ProviderConfig{},
	}
}

// DefaultProviderConfig returns a provider entry with default generation
// parameters and nothing else.
func DefaultProviderConfig() ProviderConfig {
	return ProviderConfig{
		ImageModel: ModelConfig{MaxTokens: defaultImageMaxTokens, Temperature: defaultImageTemperature},
		TextModel:  ModelConfig{MaxTokens: defaultTextMaxTokens, Temperature: defaultTextTemperature},
	}
}

// UnmarshalYAML decodes over the defaults so that fields absent from the
// document keep them while explicit zeros are honored.
func (p *ProviderConfig) UnmarshalYAML(n *yaml.Node) error {
	type plain ProviderConfig
	v := plain(DefaultProviderConfig())
	if err := n.Decode(&v); err != nil {
		return err
	}
	*p = ProviderConfig(v)
	return nil
}

// LoadConfig reads a YAML config file, expands ${VAR} references from the
// environment and fills in defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig is LoadConfig for an in-memory document.
func ParseConfig(data []byte) (*Config, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	expandEnv(&root)

	cfg := DefaultConfig()
	if root.Kind == 0 {
		return cfg, nil // empty document
	}
	if err := root.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	return cfg, nil
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces ${NAME} in every scalar value. Unset variables become
// empty strings so required-field validation reports them.
func expandEnv(n *yaml.Node) {
	if n.Kind == yaml.ScalarNode {
		n.Value = envRef.ReplaceAllStringFunc(n.Value, func(m string) string {
			return os.Getenv(m[2 : len(m)-1])
		})
		return
	}
	for _, c := range n.Content {
		expandEnv(c)
	}
}

// Provider returns the named provider's config, or the default provider's
// when name is empty.
func (c *Config) Provider(name string) (string, ProviderConfig, error) {
	if name == "" {
		name = c.DefaultProvider
	}
	if name == "" {
		return "", ProviderConfig{}, &ConfigError{Reason: "no provider selected", Fields: []string{"default_provider"}}
	}
	p, ok := c.Providers[name]
	if !ok {
		// Backends with no required fields can run without a providers entry
		p = DefaultProviderConfig()
	}
	return name, p, nil
}

// validate checks workflow and generation settings shared by every backend.
func (c *Config) validate(name string, p ProviderConfig) error {
	var bad []string
	w := c.Workflow
	if w.BatchSize <= 0 {
		bad = append(bad, "workflow.batch_size")
	}
	if w.MaxRetries < 0 {
		bad = append(bad, "workflow.max_retries")
	}
	if w.SummaryMaxRetries < 0 {
		bad = append(bad, "workflow.summary_max_retries")
	}
	if w.BaseDelay < 0 {
		bad = append(bad, "workflow.base_delay")
	}
	if w.MaxDelay < 0 {
		bad = append(bad, "workflow.max_delay")
	}
	if w.CallTimeout < 0 {
		bad = append(bad, "workflow.call_timeout")
	}
	if w.Timeout < 0 {
		bad = append(bad, "workflow.timeout")
	}
	for _, mf := range []struct {
		prefix string
		m      ModelConfig
	}{{"image_model", p.ImageModel}, {"text_model", p.TextModel}} {
		if mf.m.MaxTokens <= 0 {
			bad = append(bad, mf.prefix+".max_tokens")
		}
		if mf.m.Temperature < 0 || mf.m.Temperature > 2 {
			bad = append(bad, mf.prefix+".temperature")
		}
	}
	if len(bad) > 0 {
		return &ConfigError{Provider: name, Reason: "has invalid values", Fields: bad}
	}
	return nil
}
