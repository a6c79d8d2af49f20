// creditgate CLI - Command-line interface for creditgate operations
//
// This tool provides administrative operations including:
// - Account management (get, grant, top up, reconcile, reverse, clear)
// - Generation tracking (list, status, fetch)
// - Admin operations (mirror sync, integrity check, sweep, migrate)
//
// Usage:
//
//	creditgate account get --user-id u_123
//	creditgate account grant --user-id u_123 --key sub_2025_10 --credits 1000 --plan pro
//	creditgate generations list --user-id u_123
//	creditgate admin sweep
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/kelpejol/creditgate/internal/app"
	"github.com/kelpejol/creditgate/internal/config"
	"github.com/kelpejol/creditgate/internal/generation"
	"github.com/kelpejol/creditgate/internal/ledger"
)

var (
	// Version is set during build
	Version = "dev"

	// Global flags
	storeDriver string
	sqlitePath  string
	postgresURL string
	redisAddr   string
	verbose     bool

	// Application instance
	gw *app.App
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	rootCmd := &cobra.Command{
		Use:   "creditgate",
		Short: "creditgate CLI - operate the credit ledger and generation gateway",
		Long: `creditgate CLI provides administrative operations for the creditgate billing gateway.

Operations include account and ledger management, generation tracking, and admin tools.`,
		Version:       Version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			} else {
				zerolog.SetGlobalLevel(zerolog.InfoLevel)
			}
			if cmd.Name() == "version" || cmd.Name() == "help" {
				return nil
			}

			cfg.StoreDriver = storeDriver
			cfg.SQLitePath = sqlitePath
			cfg.PostgresURL = postgresURL
			cfg.RedisAddr = redisAddr
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			var err error
			gw, err = app.New(ctx, cfg, log.Logger)
			if err != nil {
				return fmt.Errorf("failed to initialize: %w", err)
			}
			// Mirror refreshes scheduled by ledger commits run before exit.
			gw.Tasks.Start()
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if gw == nil {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := gw.Close(ctx); err != nil {
				log.Warn().Err(err).Msg("close failed")
			}
		},
	}

	rootCmd.PersistentFlags().StringVar(&storeDriver, "store", cfg.StoreDriver, "Store driver (memory, sqlite, postgres)")
	rootCmd.PersistentFlags().StringVar(&sqlitePath, "sqlite-path", cfg.SQLitePath, "SQLite database path")
	rootCmd.PersistentFlags().StringVar(&postgresURL, "postgres-url", cfg.PostgresURL, "PostgreSQL connection URL")
	rootCmd.PersistentFlags().StringVar(&redisAddr, "redis-addr", cfg.RedisAddr, "Redis address for the balance mirror (empty disables it)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")

	rootCmd.AddCommand(accountCmd())
	rootCmd.AddCommand(generationsCmd())
	rootCmd.AddCommand(adminCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// accountCmd creates the account command group
func accountCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Account and ledger operations",
	}

	getCmd := &cobra.Command{
		Use:   "get",
		Short: "Show the live account document",
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, _ := cmd.Flags().GetString("user-id")
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			acct, err := gw.Ledger.GetAccount(ctx, userID)
			if err != nil {
				return fmt.Errorf("failed to get account: %w", err)
			}
			out := map[string]interface{}{"account": acct}
			if gw.Mirror != nil {
				mirrored, ok, err := gw.Mirror.Get(ctx, userID)
				if err != nil {
					log.Warn().Err(err).Msg("mirror read failed")
				} else if ok {
					out["mirror"] = mirrored
				}
			}
			printJSON(out)
			return nil
		},
	}
	userFlag(getCmd)

	entriesCmd := &cobra.Command{
		Use:   "entries",
		Short: "List ledger entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, _ := cmd.Flags().GetString("user-id")
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			entries, err := gw.Ledger.Entries(ctx, userID)
			if err != nil {
				return fmt.Errorf("failed to list entries: %w", err)
			}
			rows := make([]map[string]interface{}, 0, len(entries))
			for _, e := range entries {
				rows = append(rows, map[string]interface{}{
					"idempotency_key": e.IdempotencyKey,
					"type":            e.Type,
					"amount":          e.Amount,
					"reason":          e.Reason,
					"status":          e.Status,
					"meta":            ledger.EncodeMeta(e.Meta),
					"created_at":      e.CreatedAt.Format(time.RFC3339),
				})
			}
			printJSON(rows)
			return nil
		},
	}
	userFlag(entriesCmd)

	grantCmd := &cobra.Command{
		Use:   "grant",
		Short: "Apply a plan grant (resets the balance to the plan allotment)",
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, _ := cmd.Flags().GetString("user-id")
			key, _ := cmd.Flags().GetString("key")
			credits, _ := cmd.Flags().GetInt64("credits")
			plan, _ := cmd.Flags().GetString("plan")
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			out, err := gw.Ledger.GrantAndSetPlan(ctx, userID, key, credits, plan, "plan_purchase",
				ledger.PlanMeta{PlanCode: plan, Source: "cli"})
			if err != nil {
				return fmt.Errorf("grant failed: %w", err)
			}
			return printOutcome(ctx, userID, out)
		},
	}
	userFlag(grantCmd)
	grantCmd.Flags().String("key", "", "Idempotency key (required)")
	grantCmd.Flags().Int64("credits", 0, "Plan allotment in credits (required)")
	grantCmd.Flags().String("plan", "", "Plan code (required)")
	grantCmd.MarkFlagRequired("key")
	grantCmd.MarkFlagRequired("credits")
	grantCmd.MarkFlagRequired("plan")

	topupCmd := &cobra.Command{
		Use:   "topup",
		Short: "Add credits without touching the plan",
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, _ := cmd.Flags().GetString("user-id")
			key, _ := cmd.Flags().GetString("key")
			amount, _ := cmd.Flags().GetInt64("amount")
			reason, _ := cmd.Flags().GetString("reason")
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			out, err := gw.Ledger.GrantIncrement(ctx, userID, key, amount, reason, ledger.TopUpMeta{Source: "cli"})
			if err != nil {
				return fmt.Errorf("top-up failed: %w", err)
			}
			return printOutcome(ctx, userID, out)
		},
	}
	userFlag(topupCmd)
	topupCmd.Flags().String("key", "", "Idempotency key (required)")
	topupCmd.Flags().Int64("amount", 0, "Credits to add (required)")
	topupCmd.Flags().String("reason", "topup", "Ledger reason")
	topupCmd.MarkFlagRequired("key")
	topupCmd.MarkFlagRequired("amount")

	reconcileCmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Recompute the balance from confirmed ledger entries (read-only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, _ := cmd.Flags().GetString("user-id")
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			rec, err := gw.Ledger.ReconcileBalance(ctx, userID)
			if err != nil {
				return fmt.Errorf("reconcile failed: %w", err)
			}
			printJSON(rec)
			if rec.Drift != 0 {
				log.Warn().Int64("drift", rec.Drift).Msg("live balance differs from ledger")
			}
			return nil
		},
	}
	userFlag(reconcileCmd)

	reverseCmd := &cobra.Command{
		Use:   "reverse",
		Short: "Reverse a confirmed ledger entry (manual correction)",
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, _ := cmd.Flags().GetString("user-id")
			key, _ := cmd.Flags().GetString("key")
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			out, err := gw.Ledger.ReverseEntry(ctx, userID, key)
			if err != nil {
				return fmt.Errorf("reverse failed: %w", err)
			}
			return printOutcome(ctx, userID, out)
		},
	}
	userFlag(reverseCmd)
	reverseCmd.Flags().String("key", "", "Idempotency key of the entry (required)")
	reverseCmd.MarkFlagRequired("key")

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every ledger entry of a user (migrations only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, _ := cmd.Flags().GetString("user-id")
			yes, _ := cmd.Flags().GetBool("yes")
			if !yes {
				return errors.New("refusing to clear the ledger without --yes")
			}
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			n, err := gw.Ledger.ClearLedger(ctx, userID)
			if err != nil {
				return fmt.Errorf("clear failed: %w", err)
			}
			printJSON(map[string]interface{}{"user_id": userID, "deleted_entries": n})
			return nil
		},
	}
	userFlag(clearCmd)
	clearCmd.Flags().Bool("yes", false, "Confirm the deletion")

	cmd.AddCommand(getCmd, entriesCmd, grantCmd, topupCmd, reconcileCmd, reverseCmd, clearCmd)
	return cmd
}

// generationsCmd creates the generations command group
func generationsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generations",
		Short: "Generation tracking",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List a user's generations, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, _ := cmd.Flags().GetString("user-id")
			limit, _ := cmd.Flags().GetInt("limit")
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			recs, err := gw.Generations.ListByUser(ctx, userID, limit)
			if err != nil {
				return fmt.Errorf("list failed: %w", err)
			}
			printJSON(recs)
			return nil
		},
	}
	userFlag(listCmd)
	listCmd.Flags().Int("limit", 20, "Maximum number of generations to return")

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Probe a generation's provider status",
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, ref, err := refFlags(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			st, err := gw.Generations.PollStatus(ctx, userID, ref)
			if err != nil {
				return fmt.Errorf("status failed: %w", err)
			}
			printJSON(map[string]interface{}{"ref": ref.String(), "status": st})
			return nil
		},
	}
	addRefFlags(statusCmd)

	fetchCmd := &cobra.Command{
		Use:   "fetch",
		Short: "Fetch a generation result, persist artifacts and bill once",
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, ref, err := refFlags(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()

			res, err := gw.Generations.FetchResult(ctx, userID, ref)
			if errors.Is(err, generation.ErrNotReady) {
				log.Info().Msg("provider is still working on it")
				return nil
			}
			if err != nil {
				return fmt.Errorf("fetch failed: %w", err)
			}
			printJSON(res)
			if res.BillingUnresolved {
				log.Warn().Err(res.BillingErr).Msg("artifacts delivered but billing unresolved")
			}
			return nil
		},
	}
	addRefFlags(fetchCmd)

	cmd.AddCommand(listCmd, statusCmd, fetchCmd)
	return cmd
}

// adminCmd creates the admin command group
func adminCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Administrative operations",
	}

	syncCmd := &cobra.Command{
		Use:   "sync-all",
		Short: "Copy every account into the Redis mirror",
		RunE: func(cmd *cobra.Command, args []string) error {
			if gw.Mirror == nil {
				return errors.New("redis mirror not configured (set --redis-addr)")
			}
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()

			log.Info().Msg("Starting full sync...")
			if err := gw.Mirror.InitializeRedis(ctx); err != nil {
				return fmt.Errorf("sync failed: %w", err)
			}
			log.Info().Msg("✓ Sync complete")
			return nil
		},
	}

	verifyCmd := &cobra.Command{
		Use:   "verify-integrity",
		Short: "Compare the Redis mirror with the store and repair drift",
		RunE: func(cmd *cobra.Command, args []string) error {
			if gw.Mirror == nil {
				return errors.New("redis mirror not configured (set --redis-addr)")
			}
			sample, _ := cmd.Flags().GetInt("sample")
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()

			n, err := gw.Mirror.VerifyIntegrity(ctx, sample)
			if err != nil {
				return fmt.Errorf("verification failed: %w", err)
			}
			printJSON(map[string]interface{}{"discrepancies_repaired": n})
			if n > 0 {
				log.Warn().Int("count", n).Msg("⚠️  Mirror drift repaired")
				return nil
			}
			log.Info().Msg("✓ Mirror integrity verified")
			return nil
		},
	}
	verifyCmd.Flags().Int("sample", 0, "Accounts to check (0 = all)")

	sweepCmd := &cobra.Command{
		Use:   "sweep",
		Short: "Reconcile stale generating records once",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			defer cancel()

			report, err := gw.Sweeper.Sweep(ctx)
			if err != nil {
				return fmt.Errorf("sweep failed: %w", err)
			}
			printJSON(report)
			return nil
		},
	}

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply schema migrations to the configured store",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Opening the store already migrated it.
			log.Info().Str("store", storeDriver).Msg("✓ Schema up to date")
			return nil
		},
	}

	cmd.AddCommand(syncCmd, verifyCmd, sweepCmd, migrateCmd)
	return cmd
}

// Helpers

func userFlag(cmd *cobra.Command) {
	cmd.Flags().String("user-id", "", "User ID (required)")
	cmd.MarkFlagRequired("user-id")
}

func addRefFlags(cmd *cobra.Command) {
	userFlag(cmd)
	cmd.Flags().String("id", "", "Generation record ID")
	cmd.Flags().String("task-id", "", "Provider task ID")
	cmd.MarkFlagsOneRequired("id", "task-id")
}

func refFlags(cmd *cobra.Command) (string, generation.Ref, error) {
	userID, _ := cmd.Flags().GetString("user-id")
	id, _ := cmd.Flags().GetString("id")
	taskID, _ := cmd.Flags().GetString("task-id")
	if id == "" && taskID == "" {
		return "", generation.Ref{}, errors.New("one of --id or --task-id is required")
	}
	return userID, generation.Ref{RecordID: id, TaskID: taskID}, nil
}

func printOutcome(ctx context.Context, userID string, out ledger.Outcome) error {
	acct, err := gw.Ledger.GetAccount(ctx, userID)
	if err != nil {
		return err
	}
	printJSON(map[string]interface{}{
		"outcome":        out,
		"user_id":        userID,
		"credit_balance": acct.CreditBalance,
		"plan_code":      acct.PlanCode,
	})
	return nil
}

func printJSON(v interface{}) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding JSON: %v\n", err)
		return
	}
	fmt.Println(string(b))
}
