package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/yosuke-furukawa/json5/encoding/json5"
)

// Loader handles configuration loading and parsing
type Loader struct {
	envPattern *regexp.Regexp
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
	}
}

// Load reads and parses a configuration file on top of the defaults.
func (l *Loader) Load(path string) (*Config, error) {
	return l.LoadInto(DefaultConfig(), path)
}

// LoadInto reads a configuration file on top of base.
func (l *Loader) LoadInto(base *Config, path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".json5":
		if data, err = normalizeJSON5(data); err != nil {
			return nil, err
		}
	}

	cfg, err := l.parse(base, data)
	if err != nil {
		return nil, err
	}
	cfg.Path = path
	return cfg, nil
}

// Parse parses configuration from YAML or JSON bytes. The document is either
// a full configuration mapping or a bare list of rules.
func (l *Loader) Parse(data []byte) (*Config, error) {
	return l.parse(DefaultConfig(), data)
}

func (l *Loader) parse(cfg *Config, data []byte) (*Config, error) {
	expanded := []byte(l.expandEnvVars(string(data)))

	var doc interface{}
	if err := yaml.Unmarshal(expanded, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	switch doc.(type) {
	case []interface{}:
		var rules []Rule
		if err := yaml.Unmarshal(expanded, &rules); err != nil {
			return nil, fmt.Errorf("failed to parse rules: %w", err)
		}
		cfg.Rules = rules
	case nil:
	default:
		if err := yaml.Unmarshal(expanded, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// normalizeJSON5 rewrites a JSON5 document (comments, trailing commas,
// unquoted keys, single-quoted strings) as plain JSON.
func normalizeJSON5(data []byte) ([]byte, error) {
	var doc interface{}
	if err := json5.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse JSON5: %w", err)
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JSON5: %w", err)
	}
	return out, nil
}

// LoadRules reads only the rules of a configuration file.
func (l *Loader) LoadRules(path string) ([]Rule, error) {
	cfg, err := l.LoadInto(&Config{}, path)
	if err != nil {
		return nil, err
	}
	return cfg.Rules, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	var errs []error
	for i := range c.Rules {
		if err := c.Rules[i].Validate(); err != nil {
			errs = append(errs, fmt.Errorf("rules[%d]: %w", i, err))
		}
	}

	switch c.Logging.Format {
	case "", "pretty", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format: unknown format %q", c.Logging.Format))
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("tracing.sample_rate must be between 0 and 1"))
	}
	if c.Socks.Enabled && (c.Socks.Port < 0 || c.Socks.Port > 65535) {
		errs = append(errs, fmt.Errorf("socks.port %d out of range", c.Socks.Port))
	}

	return errors.Join(errs...)
}
