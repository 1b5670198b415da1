package main

import (
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/flowstack/conductor/internal/circuit"
	"github.com/flowstack/conductor/internal/config"
	"github.com/flowstack/conductor/internal/registry"
	"github.com/flowstack/conductor/internal/statestore"
)

// =============================================================================
// reload-agents
// =============================================================================

// buildReloadAgentsCmd creates the "reload-agents" command, which validates
// that the configured registry directory still loads cleanly. A running
// server picks up registry changes on its own if RegistryConfig.ReloadOnEdit
// is set; this command is the operator-facing dry run for that path.
func buildReloadAgentsCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "reload-agents",
		Short: "Validate that the agent registry still loads cleanly",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			reg, err := registry.Load(cfg.Registry.Path)
			if err != nil {
				return fmt.Errorf("registry reload failed: %w", err)
			}
			agents := reg.List(registry.Filter{})
			fmt.Fprintf(cmd.OutOrStdout(), "registry loaded: %d agents\n", len(agents))
			for _, a := range agents {
				fmt.Fprintf(cmd.OutOrStdout(), "  - %s (%s) model=%s\n", a.ID, a.DisplayName, a.DefaultModel)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "conductor.yaml", "Path to YAML configuration file")
	return cmd
}

// =============================================================================
// flag
// =============================================================================

// buildFlagCmd creates the "flag" command group.
func buildFlagCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flag",
		Short: "Inspect and modify the feature-flag file",
	}
	cmd.AddCommand(buildFlagListCmd(), buildFlagSetCmd())
	return cmd
}

func buildFlagListCmd() *cobra.Command {
	var flagsPath string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List flags in the flags file",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, err := loadFlagsFile(flagsPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(file.Flags) == 0 {
				fmt.Fprintln(out, "no flags defined")
				return nil
			}
			for _, f := range file.Flags {
				fmt.Fprintf(out, "%s: strategy=%s percentage=%d\n", f.Name, f.Strategy, f.Percentage)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&flagsPath, "flags-file", "flags.yaml", "Path to flags YAML file")
	return cmd
}

func buildFlagSetCmd() *cobra.Command {
	var (
		flagsPath  string
		strategy   string
		percentage int
	)
	cmd := &cobra.Command{
		Use:   "set [name]",
		Short: "Create or update a flag's strategy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			file, err := loadFlagsFile(flagsPath)
			if err != nil {
				return err
			}
			found := false
			for i := range file.Flags {
				if file.Flags[i].Name == name {
					file.Flags[i].Strategy = strategy
					file.Flags[i].Percentage = percentage
					found = true
					break
				}
			}
			if !found {
				file.Flags = append(file.Flags, flagFileEntry{
					Name:       name,
					Strategy:   strategy,
					Percentage: percentage,
				})
			}
			if err := saveFlagsFile(flagsPath, file); err != nil {
				return fmt.Errorf("failed to write %s: %w", flagsPath, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "flag %q set: strategy=%s percentage=%d\n", name, strategy, percentage)
			return nil
		},
	}
	cmd.Flags().StringVar(&flagsPath, "flags-file", "flags.yaml", "Path to flags YAML file")
	cmd.Flags().StringVar(&strategy, "strategy", "off", "Flag strategy: off, on, percentage, user_whitelist, group_whitelist, gradual, canary, ab_test")
	cmd.Flags().IntVar(&percentage, "percentage", 0, "Rollout percentage, for the percentage/gradual/canary strategies")
	return cmd
}

// =============================================================================
// breaker
// =============================================================================

// buildBreakerCmd creates the "breaker" command group.
func buildBreakerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "breaker",
		Short: "Inspect and override the circuit breaker",
	}
	cmd.AddCommand(buildBreakerOverrideCmd())
	return cmd
}

func buildBreakerOverrideCmd() *cobra.Command {
	var (
		configPath string
		issuedBy   string
		duration   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "override",
		Short: "Issue a signed emergency-override code",
		Long: `Issue a signed, time-bounded override code that forces the circuit
breaker closed regardless of failure count or budget state. The code must
be applied against a running server's admin surface before it expires.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			issuer := circuit.NewOverrideIssuer(cfg.Circuit.OverrideSigningKey)
			code, err := issuer.Issue(issuedBy, duration)
			if err != nil {
				return fmt.Errorf("failed to issue override: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), code)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "conductor.yaml", "Path to YAML configuration file")
	cmd.Flags().StringVar(&issuedBy, "by", "", "Operator identity to record on the override (required)")
	cmd.Flags().DurationVar(&duration, "duration", 5*time.Minute, "How long the override forces the circuit closed")
	cmd.MarkFlagRequired("by")
	return cmd
}

// =============================================================================
// cost
// =============================================================================

// buildCostCmd creates the "cost" command group.
func buildCostCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cost",
		Short: "Inspect cost-ledger spend",
	}
	cmd.AddCommand(buildCostDailyCmd())
	return cmd
}

func buildCostDailyCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "daily",
		Short: "Show today's spend against the daily budget",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			local, err := statestore.NewLocalCache(cfg.StateStore.FallbackPath)
			if err != nil {
				return fmt.Errorf("failed to open local fallback cache: %w", err)
			}
			rdb := redis.NewClient(&redis.Options{
				Addr:     cfg.StateStore.RedisAddr,
				DB:       cfg.StateStore.RedisDB,
				Password: cfg.StateStore.RedisPassword,
			})
			defer rdb.Close()
			store := statestore.NewRedisStore(rdb, local, cfg.StateStore.KeyPrefix)

			dateKey := time.Now().UTC().Format("2006-01-02")
			microUSD, err := store.GetCounter(cmd.Context(), statestore.CostDailyKey(dateKey))
			if err != nil {
				return fmt.Errorf("failed to read daily counter: %w", err)
			}

			spent := decimal.NewFromInt(microUSD).Div(decimal.NewFromInt(1_000_000))
			limit := parseDecimalOrZero(cfg.CostLedger.DailyLimitUSD)

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "date: %s\n", dateKey)
			fmt.Fprintf(out, "spent: $%s\n", spent.StringFixed(4))
			if !limit.IsZero() {
				ratio := spent.Div(limit)
				fmt.Fprintf(out, "limit: $%s\n", limit.StringFixed(2))
				fmt.Fprintf(out, "used: %s%%\n", ratio.Mul(parseDecimalOrZero("100")).StringFixed(1))
			} else {
				fmt.Fprintln(out, "limit: none configured")
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "conductor.yaml", "Path to YAML configuration file")
	return cmd
}
