package store

import (
	"context"

	"clinicq/queue-service/internal/models"
)

// Partition identifies one tenant's queue for one service-day. All mutations
// within a partition are serialized relative to each other; different
// partitions never block each other.
type Partition struct {
	TenantID    string
	ServiceDate string
}

// Sequencer hands out the next token number for a partition. Implementations
// must guarantee uniqueness and monotonic ordering under concurrent calls;
// two simultaneous check-ins must never receive the same number.
type Sequencer interface {
	NextTokenNumber(ctx context.Context, p Partition, startNumber int) (int, error)
}

// Storage is the authoritative home of all tokens for a tenant's active day.
// It is a capability interface: the memory adapter serves tests and
// single-instance dev deployments, the postgres adapter survives restarts.
//
// Replace is a compare-and-swap write: the caller supplies the token's
// last-known Version, and the write fails with ErrStaleWrite when the stored
// version no longer matches. Replace also enforces the single-active
// invariant inside the partition's critical section: a transition into
// in_consultation fails with ErrConsultationInProgress while another token
// in the partition holds that status.
type Storage interface {
	Sequencer

	Add(ctx context.Context, token models.QueueToken) error
	List(ctx context.Context, p Partition) ([]models.QueueToken, error)
	Find(ctx context.Context, p Partition, tokenID string) (models.QueueToken, error)
	Replace(ctx context.Context, token models.QueueToken) (models.QueueToken, error)

	AppendAudit(ctx context.Context, record AuditRecord) error
	ListAudit(ctx context.Context, p Partition) ([]AuditRecord, error)
}
