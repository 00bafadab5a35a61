package schema

import (
	"time"

	// Packages
	pg "github.com/goauthentik/authentik-sub008"
)

////////////////////////////////////////////////////////////////////////////////
// TYPES

// Schedule declares a recurring task. The UID correlates rows produced by
// the schedule so that overlapping scheduler runs stay idempotent.
type Schedule struct {
	UID     string `json:"uid"`
	Crontab string `json:"crontab"`
	Actor   string `json:"actor"`
	Queue   string `json:"queue,omitempty"`
	Payload []byte `json:"payload,omitempty"`
	Paused  bool   `json:"paused,omitempty"`
}

// ScheduleLast selects the most recent enqueue time for a schedule within
// a tenant. The lookup reads ctime, which is fixed at insert, so claims
// and dead-letter moves bumping mtime cannot shift the dedupe point.
type ScheduleLast struct {
	ScheduleUID string `json:"schedule_uid"`
	TenantID    string `json:"tenant_id"`
}

// LastRun is the scanned result of a ScheduleLast lookup.
type LastRun struct {
	EnqueuedAt time.Time `json:"ctime"`
}

////////////////////////////////////////////////////////////////////////////////
// STRINGIFY

func (s Schedule) String() string {
	return stringify(s)
}

////////////////////////////////////////////////////////////////////////////////
// READER

func (r *LastRun) Scan(row pg.Row) error {
	return row.Scan(&r.EnqueuedAt)
}

////////////////////////////////////////////////////////////////////////////////
// SELECTOR

func (s ScheduleLast) Select(bind *pg.Bind, op pg.Op) (string, error) {
	if s.ScheduleUID == "" {
		return "", pg.ErrBadParameter.With("missing schedule_uid")
	}
	if s.TenantID == "" {
		s.TenantID = DefaultTenant
	}
	bind.Set("schedule_uid", s.ScheduleUID)
	bind.Set("tenant_id", s.TenantID)
	switch op {
	case pg.Get:
		return bind.Replace("${broker.schedule_last}"), nil
	default:
		return "", pg.ErrNotImplemented.Withf("unsupported ScheduleLast operation %q", op)
	}
}
