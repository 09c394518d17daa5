package models

import "time"

// QueueToken is one patient's numbered slot in a clinic's daily queue.
// SubjectRef points at the patient or appointment record owned by the
// external patient store; the engine never reads patient fields.
type QueueToken struct {
	ID                   string     `json:"id"`
	TenantID             string     `json:"tenant_id"`
	ServiceDate          string     `json:"service_date"`
	TokenNumber          int        `json:"token_number"`
	SubjectRef           string     `json:"subject_ref,omitempty"`
	VisitType            string     `json:"visit_type"`
	Status               string     `json:"status"`
	PriorityOverride     bool       `json:"priority_override,omitempty"`
	RegisteredAt         time.Time  `json:"registered_at"`
	CalledAt             *time.Time `json:"called_at,omitempty"`
	CompletedAt          *time.Time `json:"completed_at,omitempty"`
	EstimatedWaitMinutes int        `json:"estimated_wait_minutes"`
	Version              int64      `json:"version"`
}

const (
	StatusWaiting        = "waiting"
	StatusInConsultation = "in_consultation"
	StatusCompleted      = "completed"
	StatusSkipped        = "skipped"
)

const (
	VisitScheduled = "scheduled"
	VisitWalkIn    = "walk_in"
	VisitEmergency = "emergency"
)

// Terminal reports whether a token status admits no further transitions.
func Terminal(status string) bool {
	return status == StatusCompleted || status == StatusSkipped
}

func ValidVisitType(visitType string) bool {
	switch visitType {
	case VisitScheduled, VisitWalkIn, VisitEmergency:
		return true
	}
	return false
}
