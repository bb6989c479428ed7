package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/gosuda/coview/config"
)

var rootCmd = &cobra.Command{
	Use:               "coview",
	Short:             "Watch a conversation live with everyone reading it",
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: preRun,
}

// envFlags maps flags to the environment variables that back them.
var envFlags = map[string]string{
	"config":     "COVIEW_CONFIG",
	"base-url":   "COVIEW_BASE_URL",
	"server-url": "RELAY",
	"jwt-secret": "COVIEW_JWT_SECRET",
}

var (
	flagConfig  string
	flagProfile string
	flagLevel   string
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagConfig, "config", "", "path to a YAML config file (env COVIEW_CONFIG)")
	flags.StringVar(&flagProfile, "profile", "", "credential profile (default from config)")
	flags.StringVar(&flagLevel, "log-level", "", "log level: debug, info, warn, error")

	rootCmd.AddCommand(watchCmd, loginCmd, serveCmd, titleCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("execute coview command")
	}
}

func preRun(cmd *cobra.Command, args []string) error {
	// A .env in the working directory fills in what the shell did not set.
	_ = godotenv.Load()
	return envDefaults(cmd)
}

// envDefaults sets every flag of cmd that was not given on the command line
// from its environment variable, if present.
func envDefaults(cmd *cobra.Command) error {
	for name, key := range envFlags {
		f := cmd.Flags().Lookup(name)
		if f == nil || f.Changed {
			continue
		}
		v, ok := os.LookupEnv(key)
		if !ok || v == "" {
			continue
		}
		if err := cmd.Flags().Set(name, v); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	return nil
}

// loadConfig reads --config and applies the persistent flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	if flagProfile != "" {
		cfg.Client.Profile = flagProfile
	}
	if flagLevel != "" {
		cfg.Logging.Level = flagLevel
	}
	return cfg, nil
}

// setupLogging installs the global logger. With a file the output is JSON
// appended to it; otherwise a console writer on stderr. The returned closer
// must be called on exit.
func setupLogging(cfg config.LoggingConfig) (io.Closer, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.File == "" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).With().Timestamp().Logger()
		return io.NopCloser(nil), nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.File), 0o700); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, err
	}
	log.Logger = zerolog.New(f).With().Timestamp().Logger()
	return f, nil
}
