package store

import (
	"crypto/sha256"
	"fmt"
	"time"
)

// AuditRecord captures a forced transition or emergency override so that
// "why did the order change" stays reconstructable after the fact. Records
// for a partition form a hash chain: each record's hash covers the previous
// record's hash, so reordering or dropping entries breaks verification.
type AuditRecord struct {
	AuditID     string    `json:"audit_id"`
	TenantID    string    `json:"tenant_id"`
	ServiceDate string    `json:"service_date"`
	TokenID     string    `json:"token_id"`
	Action      string    `json:"action"`
	Actor       string    `json:"actor"`
	Detail      string    `json:"detail,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
	PrevHash    string    `json:"prev_hash"`
	Hash        string    `json:"hash"`
}

// ComputeAuditHash covers every record field, so no part of a stored record
// can change without breaking the chain.
func ComputeAuditHash(prevHash string, record AuditRecord) string {
	raw := fmt.Sprintf("%s|%s|%s|%s|%s|%s|%s|%s|%s", prevHash, record.AuditID,
		record.TenantID, record.ServiceDate, record.TokenID, record.Action,
		record.Actor, record.Detail, record.OccurredAt.UTC().Format(time.RFC3339Nano))
	sum := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("%x", sum)
}

// VerifyAuditChain walks records in order and reports the index of the first
// record whose hash does not match the chain, or -1 when the chain holds.
func VerifyAuditChain(records []AuditRecord) int {
	prev := ""
	for i, record := range records {
		if record.PrevHash != prev {
			return i
		}
		if ComputeAuditHash(prev, record) != record.Hash {
			return i
		}
		prev = record.Hash
	}
	return -1
}
