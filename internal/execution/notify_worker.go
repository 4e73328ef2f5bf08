package execution

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/riverqueue/river"

	"github.com/projectmart/backend/internal/services"
)

const notifyMaxAttempts = 5

// NotificationArgs carries one notification to the delivery channel.
type NotificationArgs struct {
	Notification services.Notification `json:"notification"`
}

func (NotificationArgs) Kind() string { return "deliver_notification" }

// InsertNotificationFunc enqueues a notification job. It is wired to the River
// client after the client is created.
type InsertNotificationFunc func(ctx context.Context, args NotificationArgs, opts *river.InsertOpts) error

// RiverNotifier implements services.Notifier by enqueueing delivery jobs, so a
// slow or failing channel never blocks the escrow path.
type RiverNotifier struct {
	insert InsertNotificationFunc
}

func NewRiverNotifier(insert InsertNotificationFunc) *RiverNotifier {
	return &RiverNotifier{insert: insert}
}

var _ services.Notifier = (*RiverNotifier)(nil)

func (n *RiverNotifier) Notify(ctx context.Context, msg services.Notification) error {
	return n.insert(ctx, NotificationArgs{Notification: msg}, &river.InsertOpts{MaxAttempts: notifyMaxAttempts})
}

// NotificationWorker posts notifications to an HTTP endpoint (the mailer or an
// ops webhook). With no endpoint configured deliveries are logged and dropped.
type NotificationWorker struct {
	river.WorkerDefaults[NotificationArgs]
	endpoint   string
	httpClient *http.Client
	logger     *slog.Logger
}

func NewNotificationWorker(endpoint string, logger *slog.Logger) *NotificationWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &NotificationWorker{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

func (w *NotificationWorker) Work(ctx context.Context, job *river.Job[NotificationArgs]) error {
	msg := job.Args.Notification
	if w.endpoint == "" {
		w.logger.Info("notification delivery disabled", "kind", msg.Kind, "purchase_id", msg.PurchaseID)
		return nil
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return river.JobCancel(fmt.Errorf("marshal notification: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, bytes.NewReader(body))
	if err != nil {
		return river.JobCancel(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", fmt.Sprintf("notification/%d", job.ID))

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("network error calling notification endpoint: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		w.logger.Warn("notification rejected", "kind", msg.Kind, "purchase_id", msg.PurchaseID, "status", resp.StatusCode)
		return river.JobCancel(fmt.Errorf("notification endpoint returned %d", resp.StatusCode))
	default:
		return fmt.Errorf("notification endpoint returned %d", resp.StatusCode)
	}
}
