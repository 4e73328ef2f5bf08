// Package app assembles the escrow engine from configuration. Both the API
// server and escrowctl build their services here.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"

	"github.com/projectmart/backend/internal/config"
	"github.com/projectmart/backend/internal/execution"
	"github.com/projectmart/backend/internal/payments"
	"github.com/projectmart/backend/internal/repository"
	"github.com/projectmart/backend/internal/services"
)

// NewEscrowService wires repositories and the payment orchestrator behind the
// escrow engine.
func NewEscrowService(cfg config.Config, pool *pgxpool.Pool, notifier services.Notifier, logger *slog.Logger) (*services.EscrowService, error) {
	fees, err := cfg.FeeSchedule()
	if err != nil {
		return nil, err
	}
	proc := payments.NewStripeClient(cfg.PaymentAPIBase, cfg.PaymentAPIKey)
	return &services.EscrowService{
		Pool:            pool,
		Purchases:       repository.NewPurchaseRepo(pool),
		Users:           repository.NewUserRepo(pool),
		Audit:           repository.NewAuditRepo(pool),
		Events:          repository.NewWebhookEventRepo(),
		Payments:        payments.NewOrchestrator(proc, fees, cfg.PaymentCurrency, logger),
		Notifier:        notifier,
		Fees:            fees,
		HighValueCents:  cfg.HighValueCents,
		AdminAlertEmail: cfg.AdminAlertEmail,
		Logger:          logger,
	}, nil
}

// NewInsertOnlyClient returns a River client that can enqueue jobs but runs none.
func NewInsertOnlyClient(pool *pgxpool.Pool) (*river.Client[pgx.Tx], error) {
	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{})
	if err != nil {
		return nil, fmt.Errorf("river client: %w", err)
	}
	return client, nil
}

// InsertNotification adapts a River client to execution.InsertNotificationFunc.
func InsertNotification(client *river.Client[pgx.Tx]) execution.InsertNotificationFunc {
	return func(ctx context.Context, args execution.NotificationArgs, opts *river.InsertOpts) error {
		_, err := client.Insert(ctx, args, opts)
		return err
	}
}
