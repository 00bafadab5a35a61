package schema

import (
	// Packages
	pg "github.com/goauthentik/authentik-sub008"
)

////////////////////////////////////////////////////////////////////////////////
// TYPES

// StatusCountRequest selects aggregated task counts grouped by status.
type StatusCountRequest struct{}

// QueueCountRequest selects task counts grouped by queue and state.
type QueueCountRequest struct{}

type QueueCount struct {
	QueueName string    `json:"queue_name"`
	State     TaskState `json:"state"`
	Count     uint64    `json:"count"`
}

type QueueCountList struct {
	Body []QueueCount `json:"body,omitempty"`
}

type StatusCount struct {
	Status string `json:"status"`
	Count  uint64 `json:"count"`
}

type StatusCountList struct {
	Body []StatusCount `json:"body,omitempty"`
}

////////////////////////////////////////////////////////////////////////////////
// STRINGIFY

func (l StatusCountList) String() string {
	return stringify(l)
}

func (l QueueCountList) String() string {
	return stringify(l)
}

////////////////////////////////////////////////////////////////////////////////
// PUBLIC METHODS

// Get returns the count for a status, or zero when absent.
func (l StatusCountList) Get(status string) uint64 {
	for _, c := range l.Body {
		if c.Status == status {
			return c.Count
		}
	}
	return 0
}

////////////////////////////////////////////////////////////////////////////////
// READER

func (l *StatusCountList) Scan(row pg.Row) error {
	var c StatusCount
	if err := row.Scan(&c.Status, &c.Count); err != nil {
		return err
	}
	l.Body = append(l.Body, c)
	return nil
}

func (l *QueueCountList) Scan(row pg.Row) error {
	var c QueueCount
	if err := row.Scan(&c.QueueName, &c.State, &c.Count); err != nil {
		return err
	}
	l.Body = append(l.Body, c)
	return nil
}

////////////////////////////////////////////////////////////////////////////////
// SELECTOR

func (StatusCountRequest) Select(bind *pg.Bind, op pg.Op) (string, error) {
	switch op {
	case pg.List:
		return bind.Replace("${broker.status_counts}"), nil
	default:
		return "", pg.ErrNotImplemented.Withf("unsupported StatusCountRequest operation %q", op)
	}
}

func (QueueCountRequest) Select(bind *pg.Bind, op pg.Op) (string, error) {
	switch op {
	case pg.List:
		return bind.Replace("${broker.queue_counts}"), nil
	default:
		return "", pg.ErrNotImplemented.Withf("unsupported QueueCountRequest operation %q", op)
	}
}
