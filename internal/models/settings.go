package models

// TenantSettings carries the per-clinic queue knobs. A tenant settings
// provider fills these; defaults apply when the tenant has no overrides.
type TenantSettings struct {
	TenantID                   string `json:"tenant_id"`
	StartNumber                int    `json:"start_number"`
	AverageConsultationMinutes int    `json:"average_consultation_minutes"`
	RollingWindow              int    `json:"rolling_window"`
	RolloverHour               int    `json:"rollover_hour"`
	Timezone                   string `json:"timezone"`
}

const (
	DefaultStartNumber                = 1
	DefaultAverageConsultationMinutes = 10
	DefaultRollingWindow              = 10
)

// Normalize fills zero-valued fields with defaults.
func (s TenantSettings) Normalize() TenantSettings {
	if s.StartNumber <= 0 {
		s.StartNumber = DefaultStartNumber
	}
	if s.AverageConsultationMinutes <= 0 {
		s.AverageConsultationMinutes = DefaultAverageConsultationMinutes
	}
	if s.RollingWindow <= 0 {
		s.RollingWindow = DefaultRollingWindow
	}
	if s.RolloverHour < 0 || s.RolloverHour > 23 {
		s.RolloverHour = 0
	}
	if s.Timezone == "" {
		s.Timezone = "UTC"
	}
	return s
}
