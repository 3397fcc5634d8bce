package gateway

import (
	"github.com/wudi/relay/config"
	"github.com/wudi/relay/internal/app"
)

// Config is the top-level relay configuration.
type Config = config.Config

// Rule binds a path prefix to a target service.
type Rule = config.Rule

// App is the proxy instance extensions are initialized against.
type App = app.App

// Extension is a unit of proxy behavior.
type Extension = app.Extension

// LoadConfig loads and validates a configuration file. The file is either a
// configuration mapping or a bare list of rules.
func LoadConfig(path string) (*Config, error) {
	return config.NewLoader().Load(path)
}

// ParseConfig parses and validates a configuration from YAML or JSON bytes.
func ParseConfig(data []byte) (*Config, error) {
	return config.NewLoader().Parse(data)
}
