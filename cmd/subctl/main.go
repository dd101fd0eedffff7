// Command subctl lists and controls subagent runs from the command line and
// serves the same commands over HTTP.
package main

import (
	"fmt"
	"os"
	"os/user"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/armatrix/subctl/internal/config"
)

var (
	// Global flags
	verbose     bool
	configFiles []string

	// Exec flags
	execChannel string
	execSender  string
	execOwner   bool

	// Serve flags
	listenAddr    string
	exposeGateway bool

	logger   *zap.Logger
	settings *config.Settings
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "subctl",
	Short: "List, stop, steer and message subagent runs",
	Long: `subctl coordinates the subagent runs spawned by parent sessions.

Runs are addressed the way /subagents list numbers them: a 1-based index,
"last", a label or label prefix, a child session key or a run id prefix.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cwd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("failed to resolve working directory: %w", err)
		}
		paths := append(config.DefaultSettingsPaths(cwd), configFiles...)
		settings, err = config.LoadSettings(paths...)
		if err != nil {
			return err
		}
		logger, err = newLogger(settings.LogLevel, verbose)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// execCmd runs one command for a requester session
var execCmd = &cobra.Command{
	Use:   "exec [requester] [command...]",
	Short: "Execute a /subagents, /kill or /steer command",
	Long: `Executes one command on behalf of the requester session and prints the reply.

Example:
  subctl exec agent:main:main /subagents steer 2 focus on the failing test`,
	Args: cobra.MinimumNArgs(2),
	RunE: runExec,
}

// runsCmd prints the numbered runs as JSON
var runsCmd = &cobra.Command{
	Use:   "runs [requester]",
	Short: "Print the requester's numbered runs as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runRuns,
}

// serveCmd serves the command API
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the command API over HTTP",
	Long: `Serves POST /v1/commands and GET /v1/requesters/:key/runs.

With the local backend, --expose-gateway also serves the gateway protocol at
/v1/gateway so other subctl processes can use this one as their backend.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringSliceVarP(&configFiles, "config", "c", nil, "Additional settings file (repeatable, applied last)")

	execCmd.Flags().StringVar(&execChannel, "channel", "cli", "Channel the command arrives on")
	execCmd.Flags().StringVar(&execSender, "sender", currentUser(), "Sender id used for authorization")
	execCmd.Flags().BoolVar(&execOwner, "owner", true, "Act as the session owner")

	serveCmd.Flags().StringVar(&listenAddr, "addr", "", "Listen address (default from settings)")
	serveCmd.Flags().BoolVar(&exposeGateway, "expose-gateway", false, "Serve the gateway protocol at /v1/gateway")

	rootCmd.AddCommand(execCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newLogger builds a production logger at level, or at debug when verbose.
func newLogger(level string, verbose bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if level != "" {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, err
		}
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	return cfg.Build()
}

func currentUser() string {
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return "cli"
}
