package models

import "time"

// ServiceDay maps an instant onto the clinic-local operating day it belongs
// to. A clinic's day rolls over at rolloverHour in its own timezone, not at
// midnight UTC: an instant before the rollover hour still counts toward the
// previous day's queue.
func ServiceDay(t time.Time, loc *time.Location, rolloverHour int) string {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	if rolloverHour > 0 && local.Hour() < rolloverHour {
		local = local.AddDate(0, 0, -1)
	}
	return local.Format("2006-01-02")
}

// ServiceDayFor resolves the tenant's timezone and rollover hour from its
// settings. Unknown timezones fall back to UTC.
func ServiceDayFor(t time.Time, settings TenantSettings) string {
	loc, err := time.LoadLocation(settings.Timezone)
	if err != nil {
		loc = time.UTC
	}
	return ServiceDay(t, loc, settings.RolloverHour)
}
