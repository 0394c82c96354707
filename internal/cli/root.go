// Package cli implements the nacion command line: the long-running bot and
// API process plus operator commands over the CK store.
package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/nacionmx/nacion/internal/daemon"
)

const programName = "nacion"

var (
	globalFlags = struct {
		debug      bool
		configFile string
	}{}

	logger = slog.Default()
)

var rootCmd = &cobra.Command{
	Use:   programName,
	Short: "Nación MX character-kill service",
	Long: `nacion snapshots, resets and restores a roleplay character: balances,
DNI, cards, purchases, companies, employments and Discord roles.

Configuration is read from $NACION_HOME/config.toml (default ~/.nacion) and
NACION_* environment variables.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logger = setupLogging(cmd, globalFlags.debug)
		cfg, err := daemon.LoadConfig(globalFlags.configFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cmd.SetContext(withConfig(cmd.Context(), cfg))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&globalFlags.debug, "debug", "D", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&globalFlags.configFile, "config", "", "path to config file")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.ExecuteContext(context.Background())
}

// setupLogging installs a JSON logger on stderr and sizes GOMAXPROCS.
func setupLogging(cmd *cobra.Command, debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	l := slog.New(slog.NewJSONHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{
		AddSource: debug,
		Level:     level,
	}))
	slog.SetDefault(l)
	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, v ...any) {
		l.Debug(fmt.Sprintf(format, v...), "component", programName)
	})); err != nil {
		l.Warn("set GOMAXPROCS", "error", err)
	}
	return l
}

// ─── Config in context ──────────────────────────────────────────────────────

type configKey struct{}

func withConfig(ctx context.Context, cfg daemon.Config) context.Context {
	return context.WithValue(ctx, configKey{}, cfg)
}

func configFrom(cmd *cobra.Command) daemon.Config {
	if cfg, ok := cmd.Context().Value(configKey{}).(daemon.Config); ok {
		return cfg
	}
	return daemon.DefaultConfig()
}

// openRuntime wires the store and service for one-shot commands.
func openRuntime(cmd *cobra.Command) (*daemon.Runtime, error) {
	return daemon.Open(configFrom(cmd), logger)
}
