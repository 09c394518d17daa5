package notifier

import (
	"context"
	"encoding/json"
	"log"
	"log/slog"
	"strconv"
	"strings"

	"github.com/hibiken/asynq"
)

// Worker consumes queue:changed tasks and renders patient-facing messages.
// Actual SMS/WhatsApp/email delivery sits behind Sender; the stub sender
// only logs, which is all dev and test deployments need.
type Worker struct {
	sender Sender
	logger *slog.Logger
}

type Sender interface {
	Send(recipient, message string) error
}

type LogSender struct{}

func (LogSender) Send(recipient, message string) error {
	log.Printf("send to %s: %s", recipient, message)
	return nil
}

func NewWorker(sender Sender, logger *slog.Logger) *Worker {
	if sender == nil {
		sender = LogSender{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{sender: sender, logger: logger}
}

func (w *Worker) HandleQueueChanged(ctx context.Context, task *asynq.Task) error {
	var event QueueChanged
	if err := json.Unmarshal(task.Payload(), &event); err != nil {
		return err
	}

	template := templateForStatus(event.NewStatus)
	if template == "" {
		return nil
	}
	message := renderTemplate(template, event)

	// The engine never sees patient contact details; the subject reference
	// is resolved to a recipient by the notification collaborator. Here the
	// token id stands in as the routing key.
	if err := w.sender.Send(event.TokenID, message); err != nil {
		w.logger.Warn("notification send failed",
			"tenant_id", event.TenantID, "token_id", event.TokenID, "error", err)
	}
	return nil
}

// Run starts an asynq server and blocks until ctx is cancelled.
func Run(ctx context.Context, redisAddr string, w *Worker) error {
	server := asynq.NewServer(
		asynq.RedisClientOpt{Addr: redisAddr},
		asynq.Config{Concurrency: 5},
	)
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeQueueChanged, w.HandleQueueChanged)

	if err := server.Start(mux); err != nil {
		return err
	}
	<-ctx.Done()
	server.Shutdown()
	return nil
}

func templateForStatus(status string) string {
	switch status {
	case "waiting":
		return "Token {token_number} registered. Estimated wait will be shown at the clinic."
	case "in_consultation":
		return "Token {token_number}, please proceed to the consultation room."
	case "skipped":
		return "Token {token_number} was skipped. Please contact the front desk."
	case "completed":
		return ""
	default:
		return ""
	}
}

func renderTemplate(template string, event QueueChanged) string {
	result := template
	result = strings.ReplaceAll(result, "{token_number}", strconv.Itoa(event.TokenNumber))
	result = strings.ReplaceAll(result, "{service_date}", event.ServiceDate)
	return result
}
