package queue

import "clinicq/queue-service/internal/models"

// Transition table for token actions. completed and skipped are terminal:
// no action lists them as a legal starting status.
var transitionMap = map[string][]string{
	"call":             {models.StatusWaiting},
	"skip":             {models.StatusWaiting},
	"complete":         {models.StatusInConsultation},
	"emergency_insert": {models.StatusWaiting},
}

func ValidTransition(action, fromStatus string) bool {
	allowed, ok := transitionMap[action]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == fromStatus {
			return true
		}
	}
	return false
}
