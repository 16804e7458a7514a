package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/OliverSchlueter/goutils/sloki"
	"github.com/OliverSchlueter/mail-bridge/internal/bridge"
	"github.com/OliverSchlueter/mail-bridge/internal/config"
	"github.com/OliverSchlueter/mail-bridge/internal/credential"
	"github.com/spf13/cobra"
)

var (
	// Set via -ldflags at build time.
	version = "dev"
)

type globalOptions struct {
	configPath string
	verbose    bool
	json       bool
}

func main() {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:           "mailbridge",
		Short:         "List, search and send mail over plain IMAP and SMTP",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging(opts.verbose)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", config.DefaultPath(), "Path to the settings file (json, yaml or toml)")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Log the protocol dialog")
	rootCmd.PersistentFlags().BoolVar(&opts.json, "json", false, "Print results as JSON")

	rootCmd.AddCommand(
		newListCmd(opts),
		newSearchCmd(opts),
		newSendCmd(opts),
		newCredentialCmd(opts),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, renderError(err))
		os.Exit(1)
	}
}

func setupLogging(verbose bool) {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}

	lokiService := sloki.NewService(sloki.Configuration{
		URL:          "http://localhost:3100/loki/api/v1/push",
		Service:      "mailbridge",
		ConsoleLevel: level,
		LokiLevel:    slog.LevelInfo,
		EnableLoki:   false,
	})
	slog.SetDefault(slog.New(lokiService))
}

// loadConfig reads the settings and resolves keyring passwords if any
// account asks for it.
func loadConfig(opts *globalOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}

	if cfg.NeedsKeyring() {
		store, err := credential.Open()
		if err != nil {
			return nil, err
		}
		if err := cfg.ResolveSecrets(store); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

func newService(cfg *config.Config) *bridge.Service {
	return bridge.NewService(bridge.Configuration{
		Timeouts: cfg.Timeouts,
		Logger:   slog.Default(),
	})
}
