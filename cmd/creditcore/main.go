package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/faceswap-studio/creditcore/internal/app"
	"github.com/faceswap-studio/creditcore/internal/config"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var appCfg config.AppConfig

var rootCmd = &cobra.Command{
	Use:           "creditcore",
	Short:         "Credit ledger and payment reconciliation service",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and webhook endpoint",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return app.RunServer(cmd.Context(), appCfg)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create tables and seed the catalog and admin account",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := app.Migrate(cmd.Context(), appCfg); err != nil {
			return err
		}
		log.Info("migration complete")
		return nil
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Inspect and repair drift between payments and the ledger",
}

var reconcileHealthCmd = &cobra.Command{
	Use:   "health",
	Short: "Print the drift snapshot",
	RunE: withComponents(func(ctx context.Context, comps *app.Components, _ *cobra.Command) (any, error) {
		return comps.Reconcile.SystemHealthSnapshot(ctx)
	}),
}

var reconcileOrphansCmd = &cobra.Command{
	Use:   "orphans",
	Short: "List completed recharges without a ledger entry",
	RunE: withComponents(func(ctx context.Context, comps *app.Components, cmd *cobra.Command) (any, error) {
		userID, _ := cmd.Flags().GetString("user")
		return comps.Reconcile.FindOrphanedRecharges(ctx, userID)
	}),
}

var reconcileFixOrphansCmd = &cobra.Command{
	Use:   "fix-orphans",
	Short: "Credit every orphaned recharge once",
	RunE: withComponents(func(ctx context.Context, comps *app.Components, cmd *cobra.Command) (any, error) {
		userID, _ := cmd.Flags().GetString("user")
		return comps.Reconcile.FixOrphanedRecharges(ctx, userID)
	}),
}

var reconcileRecalculateCmd = &cobra.Command{
	Use:   "recalculate",
	Short: "Rebuild a user's balance from the transaction log",
	RunE: withComponents(func(ctx context.Context, comps *app.Components, cmd *cobra.Command) (any, error) {
		userID, _ := cmd.Flags().GetString("user")
		if userID == "" {
			return nil, fmt.Errorf("--user is required")
		}
		return comps.Reconcile.RecalculateBalance(ctx, userID)
	}),
}

func init() {
	rootCmd.PersistentFlags().StringVar(&appCfg.ConfigPath, "config", "", "Path to config.yaml (default $"+config.ConfigPathEnv+" or ./config.yaml)")

	reconcileOrphansCmd.Flags().String("user", "", "Limit to one user id")
	reconcileFixOrphansCmd.Flags().String("user", "", "Limit to one user id")
	reconcileRecalculateCmd.Flags().String("user", "", "User id to recalculate")

	reconcileCmd.AddCommand(reconcileHealthCmd, reconcileOrphansCmd, reconcileFixOrphansCmd, reconcileRecalculateCmd)
	rootCmd.AddCommand(serveCmd, migrateCmd, reconcileCmd)
}

// withComponents loads the config and log settings, wires the services and prints the command
// result as JSON.
func withComponents(run func(ctx context.Context, comps *app.Components, cmd *cobra.Command) (any, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		conf, logCloser, err := app.Boot(appCfg)
		if err != nil {
			return err
		}
		defer func() { _ = logCloser.Close() }()
		comps, err := app.Build(cmd.Context(), conf)
		if err != nil {
			return err
		}
		defer func() { _ = comps.Close() }()

		out, err := run(cmd.Context(), comps, cmd)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.WithError(err).Error("creditcore failed")
		stop()
		os.Exit(1)
	}
}
