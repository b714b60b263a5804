package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/cloo-solutions/ragline/internal/config"
	"github.com/cloo-solutions/ragline/internal/database"
	"github.com/cloo-solutions/ragline/internal/repository"
	"github.com/cloo-solutions/ragline/internal/rollout"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
)

func UsageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Inspect query usage",
		Long:  "Report per-tenant usage and fallback level breakdowns from the query log",
	}

	cmd.AddCommand(UsageTenantCmd())
	cmd.AddCommand(UsageLevelsCmd())

	return cmd
}

func UsageTenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant <tenant-id>",
		Short: "Show a tenant's usage",
		Long:  "Aggregate query counts, cache hits, token totals, and latency for one tenant",
		Args:  cobra.ExactArgs(1),
		RunE:  runUsageTenant,
	}

	cmd.Flags().Duration("since", 24*time.Hour, "Window to report over")
	cmd.Flags().StringP("output", "o", "text", "Output format (text or json)")

	return cmd
}

func runUsageTenant(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	since, _ := cmd.Flags().GetDuration("since")
	outputFormat, _ := cmd.Flags().GetString("output")

	pool, err := getDBPool(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	repo := repository.NewQueryLogRepository(pool)
	usage, err := repo.UsageByTenant(ctx, rollout.HashID(args[0]), time.Now().Add(-since))
	if err != nil {
		return fmt.Errorf("failed to load usage: %w", err)
	}

	if outputFormat == "json" {
		jsonBytes, _ := json.MarshalIndent(usage, "", "  ")
		fmt.Println(string(jsonBytes))
		return nil
	}

	fmt.Printf("Tenant %s (last %s)\n", args[0], since)
	fmt.Printf("  Queries:      %d\n", usage.Queries)
	fmt.Printf("  Answered:     %d\n", usage.Answered)
	fmt.Printf("  Cache hits:   %d\n", usage.CacheHits)
	fmt.Printf("  Total tokens: %d\n", usage.TotalTokens)
	fmt.Printf("  Avg latency:  %.0fms\n", usage.AvgLatencyMs)
	return nil
}

func UsageLevelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "levels",
		Short: "Show the fallback level breakdown",
		Long:  "Count answered queries per fallback level across all tenants",
		RunE:  runUsageLevels,
	}

	cmd.Flags().Duration("since", 24*time.Hour, "Window to report over")
	cmd.Flags().StringP("output", "o", "text", "Output format (text or json)")

	return cmd
}

func runUsageLevels(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	since, _ := cmd.Flags().GetDuration("since")
	outputFormat, _ := cmd.Flags().GetString("output")

	pool, err := getDBPool(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	repo := repository.NewQueryLogRepository(pool)
	breakdown, err := repo.LevelBreakdown(ctx, time.Now().Add(-since))
	if err != nil {
		return fmt.Errorf("failed to load level breakdown: %w", err)
	}

	if outputFormat == "json" {
		jsonBytes, _ := json.MarshalIndent(breakdown, "", "  ")
		fmt.Println(string(jsonBytes))
		return nil
	}

	levels := make([]string, 0, len(breakdown))
	for level := range breakdown {
		levels = append(levels, level)
	}
	sort.Strings(levels)

	fmt.Printf("Levels (last %s)\n", since)
	for _, level := range levels {
		fmt.Printf("  %-20s %d\n", level, breakdown[level])
	}
	return nil
}

func getDBPool(ctx context.Context) (*pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	pool, err := database.NewPool(ctx, database.Config{URL: cfg.DatabaseURL})
	if err != nil {
		return nil, err
	}

	return pool, nil
}
