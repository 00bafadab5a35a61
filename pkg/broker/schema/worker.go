package schema

import (
	"time"

	// Packages
	pg "github.com/goauthentik/authentik-sub008"
)

////////////////////////////////////////////////////////////////////////////////
// TYPES

// WorkerStatus is the heartbeat row for a running worker process.
type WorkerStatus struct {
	WorkerID string    `json:"worker_id"`
	Hostname string    `json:"hostname"`
	Version  string    `json:"version"`
	LastSeen time.Time `json:"last_seen"`
}

// WorkerName selects a worker row for deletion on shutdown.
type WorkerName string

// WorkerListRequest selects all worker rows, most recent first.
type WorkerListRequest struct{}

type WorkerList struct {
	Body []WorkerStatus `json:"body,omitempty"`
}

////////////////////////////////////////////////////////////////////////////////
// STRINGIFY

func (w WorkerStatus) String() string {
	return stringify(w)
}

////////////////////////////////////////////////////////////////////////////////
// READER

func (w *WorkerStatus) Scan(row pg.Row) error {
	return row.Scan(&w.WorkerID, &w.Hostname, &w.Version, &w.LastSeen)
}

func (l *WorkerList) Scan(row pg.Row) error {
	var worker WorkerStatus
	if err := worker.Scan(row); err != nil {
		return err
	}
	l.Body = append(l.Body, worker)
	return nil
}

////////////////////////////////////////////////////////////////////////////////
// WRITER

func (w WorkerStatus) Insert(bind *pg.Bind) (string, error) {
	if w.WorkerID == "" {
		return "", pg.ErrBadParameter.With("missing worker_id")
	}
	if w.Hostname == "" {
		return "", pg.ErrBadParameter.With("missing hostname")
	}
	bind.Set("worker_id", w.WorkerID)
	bind.Set("hostname", w.Hostname)
	bind.Set("version", w.Version)
	return bind.Replace("${broker.worker_upsert}"), nil
}

func (w WorkerStatus) Update(bind *pg.Bind) error {
	return pg.ErrNotImplemented.With("WorkerStatus update")
}

////////////////////////////////////////////////////////////////////////////////
// SELECTOR

func (w WorkerName) Select(bind *pg.Bind, op pg.Op) (string, error) {
	if w == "" {
		return "", pg.ErrBadParameter.With("missing worker_id")
	}
	bind.Set("worker_id", string(w))
	switch op {
	case pg.Delete:
		return bind.Replace("${broker.worker_delete}"), nil
	default:
		return "", pg.ErrNotImplemented.Withf("unsupported WorkerName operation %q", op)
	}
}

func (WorkerListRequest) Select(bind *pg.Bind, op pg.Op) (string, error) {
	switch op {
	case pg.List:
		return bind.Replace("${broker.worker_list}"), nil
	default:
		return "", pg.ErrNotImplemented.Withf("unsupported WorkerListRequest operation %q", op)
	}
}
