// Command cortex-core runs the cognitive orchestration core: an HTTP API
// server plus client commands for turns, state, health and rollbacks.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/normanking/cortexcore/internal/config"
	"github.com/normanking/cortexcore/internal/logging"
)

var (
	version   = "0.1.0"
	cfgPath   string
	serverURL string
	verbose   bool
	jsonOut   bool

	logCloser io.Closer
)

// Styles
var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7C3AED"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#10B981"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#F59E0B"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
	labelStyle   = lipgloss.NewStyle().Width(14).Foreground(lipgloss.Color("#9CA3AF"))
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error: "+err.Error()))
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "cortex-core",
		Short: "Cortex Core - cognitive orchestration for a personal assistant",
		Long: titleStyle.Render("Cortex Core") + `

Runs each user turn through perception, memory retrieval, generation with
provider fallback, output filtering and safety-gated actions, while tracking
the affective state of every actor and degrading gracefully when memory or
providers fail.

Start the API server:   cortex-core serve
Send a turn:            cortex-core turn alice "remind me to call mom"
Check health:           cortex-core health`,
		PersistentPreRunE: initLogging,
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if logCloser != nil {
				return logCloser.Close()
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file path (default ~/.cortex-core/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "API server URL (default from server.addr)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "print raw JSON")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("cortex-core v%s\n", version)
		},
	})

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(turnCmd())
	rootCmd.AddCommand(stateCmd())
	rootCmd.AddCommand(healthCmd())
	rootCmd.AddCommand(rollbackCmd())
	rootCmd.AddCommand(actionsCmd())
	rootCmd.AddCommand(configCmd())

	return rootCmd
}

// ═══════════════════════════════════════════════════════════════════════════════
// LOGGING INITIALIZATION
// ═══════════════════════════════════════════════════════════════════════════════

func initLogging(cmd *cobra.Command, args []string) error {
	opts := logging.Options{Level: "warn"}

	// Only the server reads the configured sink; client commands stay quiet.
	if cmd.Name() == "serve" {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		opts = cfg.Logging.Options()
	}
	if verbose {
		opts.Level = "debug"
	}

	closer, err := logging.Setup(opts)
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	logCloser = closer

	log.Debug().Str("config", cfgPath).Str("command", cmd.CommandPath()).Msg("Logging initialized")
	return nil
}

func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if cfgPath != "" {
		cfg, err = config.LoadFromPath(cfgPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func getConfigPath() string {
	if cfgPath != "" {
		return cfgPath
	}
	path, err := config.DefaultPath()
	if err != nil {
		return "~/.cortex-core/config.yaml"
	}
	return path
}
