package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/projectmart/backend/internal/app"
	"github.com/projectmart/backend/internal/auth"
	"github.com/projectmart/backend/internal/config"
	"github.com/projectmart/backend/internal/db"
	"github.com/projectmart/backend/internal/execution"
	"github.com/projectmart/backend/internal/services"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded SQL and River migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			pool, err := db.NewPool(cmd.Context(), cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer pool.Close()
			if err := db.Migrate(cmd.Context(), pool); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}

func sweepCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Release expired escrow holds once, the same way the periodic job does",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if limit <= 0 {
				limit = cfg.SweepBatchSize
			}
			pool, err := db.NewPool(cmd.Context(), cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer pool.Close()

			client, err := app.NewInsertOnlyClient(pool)
			if err != nil {
				return err
			}
			notifier := execution.NewRiverNotifier(app.InsertNotification(client))
			escrow, err := app.NewEscrowService(cfg, pool, notifier, slog.Default())
			if err != nil {
				return err
			}

			res, err := escrow.SweepExpired(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", services.DefaultSweepBatch, "maximum purchases to release")
	return cmd
}

func tokenCmd() *cobra.Command {
	var (
		subject string
		role    string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an actor token for the API",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(subject)
			if err != nil {
				return fmt.Errorf("invalid --subject: %w", err)
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			tok, err := auth.NewService(cfg.JWTSecret).IssueToken(id, role, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "user id the token acts as")
	cmd.Flags().StringVar(&role, "role", auth.RoleAdmin, "admin, buyer or seller")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
