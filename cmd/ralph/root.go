// Command ralph is the single-binary entry point: it loads configuration,
// wires the Session Store, Event Hub, Worktree Manager, Agent Adapter, and
// Worker Orchestrator together, and exposes them through serve/run/replay
// subcommands (spec §6).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kandev/ralph/internal/common/config"
)

var (
	agentFlag      string
	jsonFlag       bool
	watchFlag      bool
	maxWorkersFlag int
	portFlag       int
	hostFlag       string
)

var rootCmd = &cobra.Command{
	Use:           "ralph",
	Short:         "Multi-worker coding-agent orchestrator",
	SilenceErrors: true,
	SilenceUsage:  true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&agentFlag, "agent", "", "agent adapter to run (claude-code, codex, mock)")
	rootCmd.PersistentFlags().BoolVar(&jsonFlag, "json", false, "emit machine-readable JSON output")
	rootCmd.PersistentFlags().BoolVar(&watchFlag, "watch", false, "keep watching for new ready tasks instead of exiting")
	rootCmd.PersistentFlags().IntVar(&maxWorkersFlag, "max-workers", 0, "maximum concurrent workers (default: config/3)")
	rootCmd.PersistentFlags().IntVar(&portFlag, "port", 0, "HTTP/WebSocket listen port (default: config/8080)")
	rootCmd.PersistentFlags().StringVar(&hostFlag, "host", "", "HTTP/WebSocket listen host (default: config/0.0.0.0)")

	rootCmd.AddCommand(serveCmd, runCmd, replayCmd)
}

// loadConfig reads configuration and layers the CLI flag overrides spec §6
// names (--max-workers, --port, --host) on top.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if maxWorkersFlag > 0 {
		cfg.Orchestrator.MaxWorkers = maxWorkersFlag
	}
	if portFlag > 0 {
		cfg.Server.Port = portFlag
	}
	if hostFlag != "" {
		cfg.Server.Host = hostFlag
	}
	return cfg, nil
}

func main() {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "ralph:", err)
	}
	os.Exit(exitCode(err))
}
