package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/normanking/cortexcore/internal/affect"
	"github.com/normanking/cortexcore/internal/config"
	"github.com/normanking/cortexcore/internal/degradation"
	"github.com/normanking/cortexcore/internal/orchestrator"
	"github.com/normanking/cortexcore/internal/router"
	"github.com/normanking/cortexcore/internal/safety"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SERVE
// ═══════════════════════════════════════════════════════════════════════════════

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if err := cfg.EnsureDirectories(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			fmt.Println(successStyle.Render("✓ Cortex Core listening on " + cfg.Server.Addr))
			fmt.Println(dimStyle.Render("  data: " + cfg.DBPath()))
			return a.serve(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

// ═══════════════════════════════════════════════════════════════════════════════
// TURN
// ═══════════════════════════════════════════════════════════════════════════════

func turnCmd() *cobra.Command {
	var (
		local    bool
		negative bool
		timeout  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "turn [actor] [input]",
		Short: "Run one conversational turn",
		Long: `Send one user input through the pipeline and print the response.

By default the turn is sent to a running server. With --local the core is
wired in this process instead; affective state then starts fresh.

Examples:
  cortex-core turn alice "what's on my todo list?"
  cortex-core turn alice --negative "no, undo that"
  cortex-core turn bob --local "hello"`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := orchestrator.TurnRequest{
				ActorID:        args[0],
				Input:          strings.Join(args[1:], " "),
				NegativeSignal: negative,
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			var resp orchestrator.Response
			if local {
				r, err := localTurn(ctx, req)
				if err != nil {
					return err
				}
				resp = *r
			} else {
				c, err := newAPIClient()
				if err != nil {
					return err
				}
				if err := c.do(ctx, http.MethodPost, "/api/turns", req, &resp); err != nil {
					return err
				}
			}
			if jsonOut {
				return printJSON(resp)
			}
			renderTurn(&resp)
			return nil
		},
	}
	cmd.Flags().BoolVar(&local, "local", false, "run the turn in-process instead of against a server")
	cmd.Flags().BoolVar(&negative, "negative", false, "mark the input as a negative reaction")
	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Minute, "turn timeout")
	return cmd
}

func localTurn(ctx context.Context, req orchestrator.TurnRequest) (*orchestrator.Response, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	a, err := buildApp(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer a.Close()

	// One probe round so the mode reflects reality before the turn runs.
	if err := a.monitor.ProbeOnce(ctx); err != nil {
		return nil, err
	}
	return a.core.Execute(ctx, req)
}

func renderTurn(resp *orchestrator.Response) {
	fmt.Println(resp.Text)
	fmt.Println()

	mode := modeStyle(resp.Mode).Render(resp.Mode.String())
	fmt.Println(labelStyle.Render("mode") + mode)
	fmt.Println(labelStyle.Render("posture") + resp.State.Posture.String())
	if resp.Provider != "" {
		provider := resp.Provider
		if resp.Cached {
			provider += dimStyle.Render(" (cached)")
		}
		fmt.Println(labelStyle.Render("provider") + provider)
	}
	if resp.Degraded {
		fmt.Println(labelStyle.Render("degraded") + warnStyle.Render(resp.DegradedReason))
	}
	if resp.Memories > 0 {
		fmt.Println(labelStyle.Render("memories") + fmt.Sprint(resp.Memories))
	}
	if a := resp.Action; a != nil {
		status := successStyle.Render("ok")
		if a.Error != "" {
			status = errorStyle.Render(a.Error)
		}
		fmt.Println(labelStyle.Render("action") + fmt.Sprintf("%s %s %s", a.Tool, dimStyle.Render(a.ActionID), status))
		if a.Overridden {
			fmt.Println(labelStyle.Render("") + warnStyle.Render("ran outside the actor's tier (advisory)"))
		}
	}
	if o := resp.Offer; o != nil {
		fmt.Println(labelStyle.Render("rollback") + warnStyle.Render(o.Reason))
		fmt.Println(labelStyle.Render("") + dimStyle.Render("cortex-core rollback "+o.ActionID))
	}
	fmt.Println(labelStyle.Render("duration") + dimStyle.Render(resp.Duration.Round(time.Millisecond).String()))
}

// ═══════════════════════════════════════════════════════════════════════════════
// STATE
// ═══════════════════════════════════════════════════════════════════════════════

func stateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "state [actor]",
		Short: "Show an actor's affective state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAPIClient()
			if err != nil {
				return err
			}
			var st actorState
			if err := c.do(cmd.Context(), http.MethodGet, "/api/actors/"+url.PathEscape(args[0])+"/state", nil, &st); err != nil {
				return err
			}
			if jsonOut {
				return printJSON(st)
			}
			renderState(args[0], st)
			return nil
		},
	}
}

// actorState is the state endpoint's body.
type actorState struct {
	affect.State
	Drift affect.Drift `json:"drift"`
}

func renderState(actor string, st actorState) {
	fmt.Println(titleStyle.Render("Affective state: " + actor))
	fmt.Println()
	for _, row := range []struct {
		name string
		v    float64
	}{
		{"trust", st.Trust},
		{"warmth", st.Warmth},
		{"arousal", st.Arousal},
		{"valence", st.Valence},
	} {
		fmt.Printf("%s%s %.2f\n", labelStyle.Render(row.name), bar(row.v, 20), row.v)
	}
	fmt.Println()
	fmt.Println(labelStyle.Render("posture") + successStyle.Render(st.Posture.String()))
	if !st.UpdatedAt.IsZero() {
		fmt.Println(labelStyle.Render("updated") + dimStyle.Render(st.UpdatedAt.Local().Format(time.RFC1123)))
	}
	if d := st.Drift; d.Updates > 0 {
		fmt.Println(labelStyle.Render("drift") + dimStyle.Render(fmt.Sprintf(
			"%d updates, net trust %+.2f warmth %+.2f arousal %+.2f valence %+.2f",
			d.Updates, d.Net.Trust, d.Net.Warmth, d.Net.Arousal, d.Net.Valence)))
	}
}

func bar(v float64, width int) string {
	filled := int(v*float64(width) + 0.5)
	filled = max(0, min(width, filled))
	return successStyle.Render(strings.Repeat("█", filled)) + dimStyle.Render(strings.Repeat("░", width-filled))
}

// ═══════════════════════════════════════════════════════════════════════════════
// HEALTH
// ═══════════════════════════════════════════════════════════════════════════════

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show the degradation mode, dependencies and provider circuits",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAPIClient()
			if err != nil {
				return err
			}
			var report orchestrator.HealthReport
			if err := c.do(cmd.Context(), http.MethodGet, "/api/health", nil, &report, http.StatusServiceUnavailable); err != nil {
				return err
			}
			if jsonOut {
				return printJSON(report)
			}
			renderHealth(report)
			return nil
		},
	}
}

func modeStyle(m degradation.Mode) lipgloss.Style {
	switch m {
	case degradation.ModeFull:
		return successStyle
	case degradation.ModeDead:
		return errorStyle
	default:
		return warnStyle
	}
}

func renderHealth(r orchestrator.HealthReport) {
	fmt.Println(titleStyle.Render("Cortex Core health"))
	fmt.Println()
	fmt.Println(labelStyle.Render("mode") + modeStyle(r.Mode).Render(r.Mode.String()))
	fmt.Println(labelStyle.Render("workers") + fmt.Sprint(r.Workers))

	if len(r.Dependencies) > 0 {
		fmt.Println()
		fmt.Println(titleStyle.Render("Dependencies"))
		for _, d := range r.Dependencies {
			dot := successStyle.Render("●")
			if !d.Healthy {
				dot = errorStyle.Render("●")
			}
			line := fmt.Sprintf("%s %s %s", dot, labelStyle.Render(d.Name), dimStyle.Render(string(d.Role)))
			if d.LastError != "" {
				line += " " + errorStyle.Render(d.LastError)
			}
			fmt.Println(line)
		}
	}

	if len(r.Providers) > 0 {
		fmt.Println()
		fmt.Println(titleStyle.Render("Providers"))
		for _, p := range r.Providers {
			state := successStyle.Render(p.CircuitState.String())
			switch p.CircuitState {
			case router.CircuitOpen:
				state = errorStyle.Render(p.CircuitState.String())
			case router.CircuitHalfOpen:
				state = warnStyle.Render(p.CircuitState.String())
			}
			name := p.Name
			if p.Local {
				name += " (local)"
			}
			line := fmt.Sprintf("  %s%s", labelStyle.Render(name), state)
			if p.ConsecutiveFailures > 0 {
				line += dimStyle.Render(fmt.Sprintf(" %d failures", p.ConsecutiveFailures))
			}
			fmt.Println(line)
		}
	}

	if n := len(r.Transitions); n > 0 {
		fmt.Println()
		fmt.Println(titleStyle.Render("Recent transitions"))
		for _, t := range r.Transitions[max(0, n-5):] {
			fmt.Printf("  %s %s → %s %s\n",
				dimStyle.Render(t.At.Local().Format("15:04:05")),
				t.From, modeStyle(t.To).Render(t.To.String()), dimStyle.Render(t.Reason))
		}
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// ROLLBACK AND ACTIONS
// ═══════════════════════════════════════════════════════════════════════════════

func rollbackCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "rollback [action-id]",
		Short: "Undo a logged action by restoring its snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAPIClient()
			if err != nil {
				return err
			}
			var res safety.RollbackResult
			path := "/api/actions/" + url.PathEscape(args[0]) + "/rollback"
			if err := c.do(cmd.Context(), http.MethodPost, path, map[string]string{"reason": reason}, &res); err != nil {
				return err
			}
			if jsonOut {
				return printJSON(res)
			}
			fmt.Println(successStyle.Render("✓ Rolled back " + res.ActionID))
			fmt.Println(labelStyle.Render("restored") + strings.Join(res.Restored, ", "))
			fmt.Println(labelStyle.Render("trust") + fmt.Sprintf("%.2f", res.Trust))
			fmt.Println(labelStyle.Render("rollback id") + dimStyle.Render(res.RollbackID))
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "requested from cli", "why the action is being undone")
	return cmd
}

func actionsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "actions [actor]",
		Short: "List an actor's recent actions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAPIClient()
			if err != nil {
				return err
			}
			var out struct {
				Actions []safety.LogEntry `json:"actions"`
			}
			path := fmt.Sprintf("/api/actors/%s/actions?limit=%d", url.PathEscape(args[0]), limit)
			if err := c.do(cmd.Context(), http.MethodGet, path, nil, &out); err != nil {
				return err
			}
			if jsonOut {
				return printJSON(out.Actions)
			}
			if len(out.Actions) == 0 {
				fmt.Println(dimStyle.Render("No actions logged for " + args[0]))
				return nil
			}
			for _, e := range out.Actions {
				status := successStyle.Render("ok")
				switch {
				case e.Error != "":
					status = errorStyle.Render("failed")
				case e.IsRollback():
					status = warnStyle.Render("rollback of " + e.RollbackOf)
				}
				fmt.Printf("%s %s %s %s\n", dimStyle.Render(e.Timestamp.Local().Format("Jan 02 15:04:05")),
					e.ID, labelStyle.Render(e.Tool), status)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of actions to show")
	return cmd
}

// ═══════════════════════════════════════════════════════════════════════════════
// CONFIG COMMANDS
// ═══════════════════════════════════════════════════════════════════════════════

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration (API keys redacted)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			for i := range cfg.Router.Providers {
				if cfg.Router.Providers[i].APIKey != "" {
					cfg.Router.Providers[i].APIKey = "[REDACTED]"
				}
			}
			if cfg.Memory.Remote.APIKey != "" {
				cfg.Memory.Remote.APIKey = "[REDACTED]"
			}
			if cfg.Safety.Redis.Password != "" {
				cfg.Safety.Redis.Password = "[REDACTED]"
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Println(dimStyle.Render("# " + getConfigPath()))
			fmt.Print(string(out))
			return nil
		},
	})

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := getConfigPath()
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := config.Default().SaveToPath(path); err != nil {
				return err
			}
			fmt.Println(successStyle.Render("✓ Wrote " + path))
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	cmd.AddCommand(initCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show configuration file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(getConfigPath())
		},
	})

	return cmd
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
