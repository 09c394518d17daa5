package redisseq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"clinicq/queue-service/internal/models"
	"clinicq/queue-service/internal/store"

	"github.com/redis/go-redis/v9"
)

// Sequencer issues token numbers from a Redis counter. Atomic INCR keeps
// numbers unique and contiguous even when several engine instances share a
// tenant-day partition, which the in-process stores cannot offer.
//
// Keys look like queue:seq:{tenantID}:{serviceDate} and expire two days
// after last use so stale service-days clean themselves up.
type Sequencer struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

func New(client *redis.Client) *Sequencer {
	return &Sequencer{client: client, ttl: 48 * time.Hour, logger: slog.Default()}
}

func (s *Sequencer) NextTokenNumber(ctx context.Context, p store.Partition, startNumber int) (int, error) {
	if startNumber <= 0 {
		startNumber = models.DefaultStartNumber
	}
	key := fmt.Sprintf("queue:seq:%s:%s", p.TenantID, p.ServiceDate)

	next, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	// A failed expiry only means the key lingers past the service-day; the
	// issued number is already committed, so log and carry on.
	if err := s.client.Expire(ctx, key, s.ttl).Err(); err != nil {
		s.logger.Warn("sequence expiry failed", "key", key, "error", err)
	}

	// INCR counts from 1; shift so the first issued number equals the
	// tenant's configured start value.
	return int(next) + startNumber - 1, nil
}
