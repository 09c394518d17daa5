package queue

import (
	"sort"
	"time"

	"clinicq/queue-service/internal/models"
)

// AverageConsultationMinutes derives the per-consultation estimate for a
// day's queue. Once the day has at least settings.RollingWindow completed
// consultations it uses the rolling mean of the most recent window's
// (completedAt - calledAt) durations; until then it falls back to the
// tenant's configured constant.
func AverageConsultationMinutes(tokens []models.QueueToken, settings models.TenantSettings) float64 {
	settings = settings.Normalize()

	type sample struct {
		completedAt time.Time
		duration    time.Duration
	}
	var samples []sample
	for _, token := range tokens {
		if token.Status != models.StatusCompleted || token.CalledAt == nil || token.CompletedAt == nil {
			continue
		}
		d := token.CompletedAt.Sub(*token.CalledAt)
		if d <= 0 {
			continue
		}
		samples = append(samples, sample{completedAt: *token.CompletedAt, duration: d})
	}
	if len(samples) < settings.RollingWindow {
		return float64(settings.AverageConsultationMinutes)
	}

	// "Most recent" means completion order, not token-number order: an
	// out-of-order call can finish a high-numbered token before a low one.
	sort.Slice(samples, func(i, j int) bool {
		return samples[i].completedAt.Before(samples[j].completedAt)
	})

	window := samples[len(samples)-settings.RollingWindow:]
	var total time.Duration
	for _, s := range window {
		total += s.duration
	}
	return total.Minutes() / float64(len(window))
}

// WaitingOrder returns the day's waiting tokens in the order they will be
// called: emergency overrides first, then strict FIFO by token number.
func WaitingOrder(tokens []models.QueueToken) []models.QueueToken {
	var waiting []models.QueueToken
	for _, token := range tokens {
		if token.Status == models.StatusWaiting {
			waiting = append(waiting, token)
		}
	}
	sort.SliceStable(waiting, func(i, j int) bool {
		if waiting[i].PriorityOverride != waiting[j].PriorityOverride {
			return waiting[i].PriorityOverride
		}
		return waiting[i].TokenNumber < waiting[j].TokenNumber
	})
	return waiting
}

// ApplyEstimates recomputes EstimatedWaitMinutes for every waiting token as
// a pure function of the snapshot: position in the call order times the
// average consultation minutes. An in-progress consultation counts as one
// slot ahead of the whole waiting queue. Tokens in other statuses get zero.
func ApplyEstimates(tokens []models.QueueToken, avgMinutes float64) []models.QueueToken {
	offset := 0
	for _, token := range tokens {
		if token.Status == models.StatusInConsultation {
			offset = 1
			break
		}
	}

	position := make(map[string]int, len(tokens))
	for i, token := range WaitingOrder(tokens) {
		position[token.ID] = i + offset
	}

	out := make([]models.QueueToken, len(tokens))
	for i, token := range tokens {
		token.EstimatedWaitMinutes = 0
		if token.Status == models.StatusWaiting {
			token.EstimatedWaitMinutes = int(float64(position[token.ID]) * avgMinutes)
		}
		out[i] = token
	}
	return out
}
