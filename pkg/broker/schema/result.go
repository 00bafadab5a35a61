package schema

import (
	"time"

	// Packages
	pg "github.com/goauthentik/authentik-sub008"
)

////////////////////////////////////////////////////////////////////////////////
// TYPES

// ResultName selects a stored result by message id.
type ResultName string

// Result is the stored outcome of a task. A nil Data with no error from the
// store means no result has been recorded yet.
type Result struct {
	Data   []byte     `json:"-"`
	Expiry *time.Time `json:"expiry,omitempty"`
}

// ResultStore writes a result and its expiry onto an existing task row.
type ResultStore struct {
	MessageID string    `json:"message_id"`
	Data      []byte    `json:"-"`
	Expiry    time.Time `json:"expiry"`
}

////////////////////////////////////////////////////////////////////////////////
// READER

func (r *Result) Scan(row pg.Row) error {
	return row.Scan(&r.Data, &r.Expiry)
}

////////////////////////////////////////////////////////////////////////////////
// SELECTOR

func (r ResultName) Select(bind *pg.Bind, op pg.Op) (string, error) {
	if r == "" {
		return "", pg.ErrBadParameter.With("missing message_id")
	}
	bind.Set("message_id", string(r))
	switch op {
	case pg.Get:
		return bind.Replace("${broker.result_get}"), nil
	default:
		return "", pg.ErrNotImplemented.Withf("unsupported ResultName operation %q", op)
	}
}

func (r ResultStore) Select(bind *pg.Bind, op pg.Op) (string, error) {
	if r.MessageID == "" {
		return "", pg.ErrBadParameter.With("missing message_id")
	}
	if r.Expiry.IsZero() {
		return "", pg.ErrBadParameter.With("missing expiry")
	}
	bind.Set("message_id", r.MessageID)
	bind.Set("result", r.Data)
	bind.Set("result_expiry", r.Expiry.UTC())
	switch op {
	case pg.Update:
		return bind.Replace("${broker.result_store}"), nil
	default:
		return "", pg.ErrNotImplemented.Withf("unsupported ResultStore operation %q", op)
	}
}
