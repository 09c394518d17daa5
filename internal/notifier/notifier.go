package notifier

import (
	"context"
	"log/slog"
	"time"
)

// QueueChanged is emitted after every successful queue mutation. The queue
// is the source of truth; delivery is best-effort and a failed dispatch
// never rolls back the mutation that produced it.
type QueueChanged struct {
	TenantID    string    `json:"tenant_id"`
	ServiceDate string    `json:"service_date"`
	TokenID     string    `json:"token_id"`
	TokenNumber int       `json:"token_number"`
	OldStatus   string    `json:"old_status"`
	NewStatus   string    `json:"new_status"`
	Timestamp   time.Time `json:"timestamp"`
}

type Dispatcher interface {
	Dispatch(ctx context.Context, event QueueChanged) error
}

// LogDispatcher writes events to the structured log. Default when no Redis
// is configured.
type LogDispatcher struct {
	logger *slog.Logger
}

func NewLogDispatcher(logger *slog.Logger) *LogDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogDispatcher{logger: logger}
}

func (d *LogDispatcher) Dispatch(ctx context.Context, event QueueChanged) error {
	d.logger.Info("queue changed",
		"tenant_id", event.TenantID,
		"service_date", event.ServiceDate,
		"token_id", event.TokenID,
		"token_number", event.TokenNumber,
		"old_status", event.OldStatus,
		"new_status", event.NewStatus,
	)
	return nil
}
