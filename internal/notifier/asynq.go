package notifier

import (
	"context"
	"encoding/json"

	"github.com/hibiken/asynq"
)

const TypeQueueChanged = "queue:changed"

// AsynqDispatcher hands QueueChanged events to a Redis-backed task queue so
// patient-facing messages go out without holding up the front desk.
type AsynqDispatcher struct {
	client *asynq.Client
}

func NewAsynqDispatcher(redisAddr string) *AsynqDispatcher {
	return &AsynqDispatcher{
		client: asynq.NewClient(asynq.RedisClientOpt{Addr: redisAddr}),
	}
}

func (d *AsynqDispatcher) Dispatch(ctx context.Context, event QueueChanged) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	task := asynq.NewTask(TypeQueueChanged, payload)
	_, err = d.client.EnqueueContext(ctx, task, asynq.MaxRetry(3))
	return err
}

func (d *AsynqDispatcher) Close() error {
	return d.client.Close()
}
