package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/wudi/relay/config"
	"github.com/wudi/relay/gateway"
	"github.com/wudi/relay/internal/app"
	"github.com/wudi/relay/internal/extensions"
	"github.com/wudi/relay/internal/logging"
)

func newRootCmd() *cobra.Command {
	var (
		cfgFile      string
		validateOnly bool
	)
	flagCfg := config.DefaultConfig()

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "A rewriting reverse proxy",
		Long: `relay maps path prefixes of one host onto upstream services and rewrites
responses (links, redirects, cookies, CORS headers) so the services work
behind the proxy.

The configuration file is either a list of rules or a mapping with proxy
settings and a rules list. Flags given on the command line override the file.`,
		Version:       app.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd.Flags(), cfgFile)
			if err != nil {
				return err
			}
			if validateOnly {
				fmt.Fprintf(cmd.OutOrStdout(), "Configuration is valid (%d rules)\n", len(cfg.Rules))
				return nil
			}
			return run(cfg)
		},
	}

	fs := cmd.Flags()
	fs.StringVarP(&cfgFile, "config", "c", "", "Path to the configuration or rules file")
	fs.BoolVar(&validateOnly, "validate", false, "Validate the configuration and exit")
	gateway.BindFlags(fs, flagCfg, extensions.Default()...)
	cmd.MarkFlagRequired("config")
	return cmd
}

// loadConfig reads path and applies the flags set on the command line on
// top of it.
func loadConfig(fs *pflag.FlagSet, path string) (*config.Config, error) {
	cfg, err := gateway.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}

	overlay := pflag.NewFlagSet("overlay", pflag.ContinueOnError)
	gateway.BindFlags(overlay, cfg, extensions.Default()...)
	var setErr error
	fs.Visit(func(f *pflag.Flag) {
		if overlay.Lookup(f.Name) == nil || setErr != nil {
			return
		}
		setErr = overlay.Set(f.Name, f.Value.String())
	})
	if setErr != nil {
		return nil, setErr
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func run(cfg *config.Config) error {
	logger, closer, err := logging.New(logging.FromConfig(cfg.Logging))
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer logger.Sync()
	if closer != nil {
		defer closer.Close()
	}
	logging.SetGlobal(logger)

	logging.Info("Starting relay",
		zap.String("version", app.Version),
		zap.String("config", cfg.Path),
		zap.Int("rules", len(cfg.Rules)),
	)

	srv, err := gateway.New(cfg).WithLogger(logger).WithDefaults().Build()
	if err != nil {
		return err
	}
	return srv.Run()
}
