// Package cmd implements the aletheia command line.
package cmd

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/becomeliminal/aletheia/config"
	"github.com/becomeliminal/aletheia/telemetry"
)

const serviceName = "aletheia"

var tracer = telemetry.Tracer("github.com/becomeliminal/aletheia/internal/cmd")

// Version info injected via ldflags at build time.
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

var (
	v   = config.New()
	cfg *config.Config

	otelShutdown telemetry.Shutdown

	cfgFile   string
	logLevel  string
	logFormat string
	otelFlag  bool
	serverURL string
	outFormat string
)

var rootCmd = &cobra.Command{
	Use:   "aletheia",
	Short: "Tiered context memory for agents",
	Long: `Aletheia keeps agents' recent context in a short-term cache, folds what
ages out into decaying summaries, and forwards session outcomes to the
Mnemosyne archive. Queries are answered locally and fall back to the
archive only when local confidence is low.`,
	SilenceUsage: true,

	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.LoadFrom(v, cfgFile)
		if err != nil {
			return err
		}
		cfg = loaded
		telemetry.ConfigureLogging(cfg.LogLevel, cfg.LogFormat)

		shutdown, err := telemetry.Setup(telemetry.Options{
			Service: serviceName,
			Version: resolvedVersion(),
			Enabled: cfg.OTel,
			Output:  cmd.ErrOrStderr(),
		})
		if err != nil {
			return fmt.Errorf("initializing OpenTelemetry: %w", err)
		}
		otelShutdown = shutdown
		return nil
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default: ./aletheia.config.yaml or ~/.aletheia/aletheia.config.yaml)")
	flags.StringVar(&logLevel, "log-level", config.DefaultLogLevel, "log level (debug, info, warn, error)")
	flags.StringVar(&logFormat, "log-format", config.DefaultLogFormat, "log format (console, json)")
	flags.BoolVar(&otelFlag, "otel", false, "enable OpenTelemetry (traces and metrics to stderr)")
	flags.StringVar(&serverURL, "server", "", "aletheia server URL for client commands (default: http://<listen_addr>)")
	flags.StringVarP(&outFormat, "output", "o", "json", "output format for client commands (json, yaml)")

	_ = v.BindPFlag(config.KeyLogLevel, flags.Lookup("log-level"))
	_ = v.BindPFlag(config.KeyLogFormat, flags.Lookup("log-format"))
	_ = v.BindPFlag(config.KeyOTel, flags.Lookup("otel"))
}

// resolvedVersion returns Version unless it is "dev" and the build info
// carries a real module version.
func resolvedVersion() string {
	if Version != "dev" {
		return Version
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return Version
}

// Execute runs the root command and flushes telemetry on exit.
func Execute() error {
	err := rootCmd.Execute()
	if otelShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if serr := otelShutdown(ctx); serr != nil {
			log.Warn().Err(serr).Msg("otel_shutdown_failed")
		}
	}
	return err
}
