package postgres

import (
	"context"
	"database/sql"
	"errors"

	"clinicq/queue-service/internal/models"
	"clinicq/queue-service/internal/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the durable queue backend. Schema:
//
//	queue_tokens(id, tenant_id, service_date, token_number, subject_ref,
//	    visit_type, status, priority_override, registered_at, called_at,
//	    completed_at, version,
//	    UNIQUE (tenant_id, service_date, token_number))
//	UNIQUE INDEX queue_tokens_single_active
//	    ON queue_tokens (tenant_id, service_date) WHERE status = 'in_consultation'
//	queue_sequences(tenant_id, service_date, last_number,
//	    PRIMARY KEY (tenant_id, service_date))
//	queue_audit(audit_id, tenant_id, service_date, token_id, action, actor,
//	    detail, occurred_at, prev_hash, hash, seq)
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) NextTokenNumber(ctx context.Context, p store.Partition, startNumber int) (int, error) {
	if startNumber <= 0 {
		startNumber = models.DefaultStartNumber
	}
	var next int
	row := s.pool.QueryRow(ctx, `
		INSERT INTO queue_sequences (tenant_id, service_date, last_number)
		VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id, service_date)
		DO UPDATE SET last_number = queue_sequences.last_number + 1
		RETURNING last_number
	`, p.TenantID, p.ServiceDate, startNumber)
	if err := row.Scan(&next); err != nil {
		return 0, err
	}
	return next, nil
}

func (s *Store) Add(ctx context.Context, token models.QueueToken) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO queue_tokens (
			id, tenant_id, service_date, token_number, subject_ref, visit_type,
			status, priority_override, registered_at, called_at, completed_at, version
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,1)
	`, token.ID, token.TenantID, token.ServiceDate, token.TokenNumber, token.SubjectRef,
		token.VisitType, token.Status, token.PriorityOverride, token.RegisteredAt,
		token.CalledAt, token.CompletedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return store.ErrDuplicateTokenNumber
		}
		return err
	}
	return nil
}

const tokenColumns = `
	id, tenant_id, service_date, token_number, subject_ref, visit_type,
	status, priority_override, registered_at, called_at, completed_at, version
`

func (s *Store) List(ctx context.Context, p store.Partition) ([]models.QueueToken, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+tokenColumns+`
		FROM queue_tokens
		WHERE tenant_id = $1 AND service_date = $2
		ORDER BY token_number ASC
	`, p.TenantID, p.ServiceDate)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []models.QueueToken
	for rows.Next() {
		token, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, token)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tokens, nil
}

func (s *Store) Find(ctx context.Context, p store.Partition, tokenID string) (models.QueueToken, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+tokenColumns+`
		FROM queue_tokens
		WHERE id = $1 AND tenant_id = $2 AND service_date = $3
	`, tokenID, p.TenantID, p.ServiceDate)
	token, err := scanToken(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.QueueToken{}, store.ErrTokenNotFound
		}
		return models.QueueToken{}, err
	}
	return token, nil
}

func (s *Store) Replace(ctx context.Context, token models.QueueToken) (models.QueueToken, error) {
	// The partial unique index on (tenant_id, service_date) for
	// in_consultation rows makes the single-active invariant race-free:
	// a second concurrent transition into in_consultation fails with a
	// uniqueness violation instead of slipping past a check.
	tag, err := s.pool.Exec(ctx, `
		UPDATE queue_tokens
		SET status = $1, priority_override = $2, called_at = $3, completed_at = $4,
		    version = version + 1
		WHERE id = $5 AND tenant_id = $6 AND service_date = $7 AND version = $8
	`, token.Status, token.PriorityOverride, token.CalledAt, token.CompletedAt,
		token.ID, token.TenantID, token.ServiceDate, token.Version)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return models.QueueToken{}, store.ErrConsultationInProgress
		}
		return models.QueueToken{}, err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		row := s.pool.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM queue_tokens
				WHERE id = $1 AND tenant_id = $2 AND service_date = $3
			)
		`, token.ID, token.TenantID, token.ServiceDate)
		if err := row.Scan(&exists); err != nil {
			return models.QueueToken{}, err
		}
		if !exists {
			return models.QueueToken{}, store.ErrTokenNotFound
		}
		return models.QueueToken{}, store.ErrStaleWrite
	}
	token.Version++
	return token, nil
}

func (s *Store) AppendAudit(ctx context.Context, record store.AuditRecord) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var prevHash sql.NullString
	var seq int
	row := tx.QueryRow(ctx, `
		SELECT hash, seq FROM queue_audit
		WHERE tenant_id = $1 AND service_date = $2
		ORDER BY seq DESC LIMIT 1
		FOR UPDATE
	`, record.TenantID, record.ServiceDate)
	if err = row.Scan(&prevHash, &seq); err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return err
		}
		err = nil
	}

	record.PrevHash = prevHash.String
	record.Hash = store.ComputeAuditHash(record.PrevHash, record)

	_, err = tx.Exec(ctx, `
		INSERT INTO queue_audit (
			audit_id, tenant_id, service_date, token_id, action, actor, detail,
			occurred_at, prev_hash, hash, seq
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, record.AuditID, record.TenantID, record.ServiceDate, record.TokenID,
		record.Action, record.Actor, record.Detail, record.OccurredAt,
		record.PrevHash, record.Hash, seq+1)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) ListAudit(ctx context.Context, p store.Partition) ([]store.AuditRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT audit_id, token_id, action, actor, detail, occurred_at, prev_hash, hash
		FROM queue_audit
		WHERE tenant_id = $1 AND service_date = $2
		ORDER BY seq ASC
	`, p.TenantID, p.ServiceDate)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []store.AuditRecord
	for rows.Next() {
		record := store.AuditRecord{TenantID: p.TenantID, ServiceDate: p.ServiceDate}
		var detail sql.NullString
		if err := rows.Scan(&record.AuditID, &record.TokenID, &record.Action, &record.Actor,
			&detail, &record.OccurredAt, &record.PrevHash, &record.Hash); err != nil {
			return nil, err
		}
		record.Detail = detail.String
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanToken(row rowScanner) (models.QueueToken, error) {
	var token models.QueueToken
	var subjectRef sql.NullString
	var calledAt, completedAt sql.NullTime
	if err := row.Scan(&token.ID, &token.TenantID, &token.ServiceDate, &token.TokenNumber,
		&subjectRef, &token.VisitType, &token.Status, &token.PriorityOverride,
		&token.RegisteredAt, &calledAt, &completedAt, &token.Version); err != nil {
		return models.QueueToken{}, err
	}
	token.SubjectRef = subjectRef.String
	if calledAt.Valid {
		t := calledAt.Time
		token.CalledAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		token.CompletedAt = &t
	}
	return token, nil
}
