package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"clinicq/queue-service/internal/models"
	"clinicq/queue-service/internal/store"
)

// Store keeps every partition's tokens in process memory. It is the default
// backend for tests and single-instance dev deployments; production uses the
// postgres adapter.
//
// Each partition owns a timed lock. Lock waits are bounded so a stuck caller
// surfaces store.ErrBusy instead of queuing front-desk requests forever.
type Store struct {
	mu          sync.Mutex
	partitions  map[store.Partition]*partition
	lockTimeout time.Duration
}

type partition struct {
	sem        chan struct{}
	lastNumber int
	tokens     map[string]models.QueueToken
	audit      []store.AuditRecord
}

type Options struct {
	// LockTimeout bounds the wait for a partition lock. Zero means the
	// default of 250ms.
	LockTimeout time.Duration
}

func NewStore(options Options) *Store {
	timeout := options.LockTimeout
	if timeout <= 0 {
		timeout = 250 * time.Millisecond
	}
	return &Store{
		partitions:  make(map[store.Partition]*partition),
		lockTimeout: timeout,
	}
}

func (s *Store) partitionFor(p store.Partition) *partition {
	s.mu.Lock()
	defer s.mu.Unlock()
	part, ok := s.partitions[p]
	if !ok {
		part = &partition{
			sem:    make(chan struct{}, 1),
			tokens: make(map[string]models.QueueToken),
		}
		s.partitions[p] = part
	}
	return part
}

// acquire takes the partition lock or gives up after the configured timeout.
func (s *Store) acquire(ctx context.Context, part *partition) error {
	timer := time.NewTimer(s.lockTimeout)
	defer timer.Stop()
	select {
	case part.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return store.ErrBusy
	}
}

func (s *Store) release(part *partition) {
	<-part.sem
}

func (s *Store) NextTokenNumber(ctx context.Context, p store.Partition, startNumber int) (int, error) {
	if startNumber <= 0 {
		startNumber = models.DefaultStartNumber
	}
	part := s.partitionFor(p)
	if err := s.acquire(ctx, part); err != nil {
		return 0, err
	}
	defer s.release(part)

	if part.lastNumber == 0 {
		part.lastNumber = startNumber
	} else {
		part.lastNumber++
	}
	return part.lastNumber, nil
}

func (s *Store) Add(ctx context.Context, token models.QueueToken) error {
	part := s.partitionFor(partitionOf(token))
	if err := s.acquire(ctx, part); err != nil {
		return err
	}
	defer s.release(part)

	for _, existing := range part.tokens {
		if existing.TokenNumber == token.TokenNumber {
			return store.ErrDuplicateTokenNumber
		}
	}
	token.Version = 1
	part.tokens[token.ID] = token
	return nil
}

func (s *Store) List(ctx context.Context, p store.Partition) ([]models.QueueToken, error) {
	part := s.partitionFor(p)
	if err := s.acquire(ctx, part); err != nil {
		return nil, err
	}
	tokens := make([]models.QueueToken, 0, len(part.tokens))
	for _, token := range part.tokens {
		tokens = append(tokens, token)
	}
	s.release(part)

	sort.Slice(tokens, func(i, j int) bool {
		return tokens[i].TokenNumber < tokens[j].TokenNumber
	})
	return tokens, nil
}

func (s *Store) Find(ctx context.Context, p store.Partition, tokenID string) (models.QueueToken, error) {
	part := s.partitionFor(p)
	if err := s.acquire(ctx, part); err != nil {
		return models.QueueToken{}, err
	}
	defer s.release(part)

	token, ok := part.tokens[tokenID]
	if !ok {
		return models.QueueToken{}, store.ErrTokenNotFound
	}
	return token, nil
}

func (s *Store) Replace(ctx context.Context, token models.QueueToken) (models.QueueToken, error) {
	part := s.partitionFor(partitionOf(token))
	if err := s.acquire(ctx, part); err != nil {
		return models.QueueToken{}, err
	}
	defer s.release(part)

	current, ok := part.tokens[token.ID]
	if !ok {
		return models.QueueToken{}, store.ErrTokenNotFound
	}
	if current.Version != token.Version {
		return models.QueueToken{}, store.ErrStaleWrite
	}
	if token.Status == models.StatusInConsultation && current.Status != models.StatusInConsultation {
		for id, other := range part.tokens {
			if id != token.ID && other.Status == models.StatusInConsultation {
				return models.QueueToken{}, store.ErrConsultationInProgress
			}
		}
	}
	token.Version = current.Version + 1
	part.tokens[token.ID] = token
	return token, nil
}

func (s *Store) AppendAudit(ctx context.Context, record store.AuditRecord) error {
	part := s.partitionFor(store.Partition{TenantID: record.TenantID, ServiceDate: record.ServiceDate})
	if err := s.acquire(ctx, part); err != nil {
		return err
	}
	defer s.release(part)

	prev := ""
	if n := len(part.audit); n > 0 {
		prev = part.audit[n-1].Hash
	}
	record.PrevHash = prev
	record.Hash = store.ComputeAuditHash(prev, record)
	part.audit = append(part.audit, record)
	return nil
}

func (s *Store) ListAudit(ctx context.Context, p store.Partition) ([]store.AuditRecord, error) {
	part := s.partitionFor(p)
	if err := s.acquire(ctx, part); err != nil {
		return nil, err
	}
	defer s.release(part)

	records := make([]store.AuditRecord, len(part.audit))
	copy(records, part.audit)
	return records, nil
}

func partitionOf(token models.QueueToken) store.Partition {
	return store.Partition{TenantID: token.TenantID, ServiceDate: token.ServiceDate}
}
