// Package cli provides the command-line interface for orch.
package cli

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/orch-dev/orch/internal/config"
)

var (
	cfgFile string
	verbose bool
	logger  *slog.Logger
)

// rootCmd represents the base command.
var rootCmd = &cobra.Command{
	Use:   "orch",
	Short: "CLI agent task orchestrator",
	Long: `Orch executes a plan — a DAG of subprocess invocations — with bounded
parallelism, durable state, streamed log capture, timeout/retry policy,
cooperative cancellation and crash-safe resumption.

Runs are persisted under <home>/runs/<run_id>/ and can be inspected,
canceled and resumed at any time.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logLevel := slog.LevelInfo
		if verbose {
			logLevel = slog.LevelDebug
		}

		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: logLevel,
		}))
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./orch.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(versionCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("orch")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
	}

	viper.SetEnvPrefix("ORCH")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil && verbose && logger != nil {
		logger.Debug("using config file", "path", viper.ConfigFileUsed())
	}
}

// activeConfig materializes the effective defaults: orch.yaml (or
// --config) over the built-in defaults, then ORCH_* environment
// overrides. Flags override these per-command.
func activeConfig() *config.Config {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		if logger != nil {
			logger.Warn("ignoring invalid configuration", "error", err)
		}
		cfg = config.DefaultConfig()
	}
	if v := viper.GetString("home"); v != "" {
		cfg.Home = v
	}
	if v := viper.GetString("workdir"); v != "" {
		cfg.Workdir = v
	}
	if v := viper.GetInt("max_parallel"); v > 0 {
		cfg.MaxParallel = v
	}
	if viper.IsSet("fail_fast") {
		cfg.FailFast = viper.GetBool("fail_fast")
	}
	if v := viper.GetInt("stale_lock_sec"); v > 0 {
		cfg.StaleLockSec = v
	}
	return cfg
}

func staleLockAge(cfg *config.Config) time.Duration {
	return time.Duration(cfg.StaleLockSec) * time.Second
}

// ExitError carries a specific process exit code to main.
type ExitError struct {
	Code    int
	Message string
}

func (e *ExitError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("exit status %d", e.Code)
}

// exitf builds an ExitError with a formatted message.
func exitf(code int, format string, args ...any) *ExitError {
	return &ExitError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Exit codes surfaced by run/resume. Informational commands return 0
// on success.
const (
	exitPlanError = 2 // plan validation: syntax, references, cycles, schema
	exitRunFailed = 3 // run completed with at least one FAILED or SKIPPED
	exitCanceled  = 4 // run ended in CANCELED
)
