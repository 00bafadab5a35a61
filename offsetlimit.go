package pg

import "fmt"

////////////////////////////////////////////////////////////////////////////////
// TYPES

// OffsetLimit represents pagination parameters for list requests.
type OffsetLimit struct {
	Offset uint64  `json:"offset,omitempty"`
	Limit  *uint64 `json:"limit,omitempty"`
}

////////////////////////////////////////////////////////////////////////////////
// PUBLIC METHODS

// Bind sets the "offsetlimit" bind variable used by list queries. The
// default limit is applied when no limit is set.
func (o OffsetLimit) Bind(bind *Bind, defaultLimit uint64) {
	limit := defaultLimit
	if o.Limit != nil {
		limit = *o.Limit
	}
	if o.Offset > 0 {
		bind.Set("offsetlimit", fmt.Sprintf("OFFSET %d LIMIT %d", o.Offset, limit))
	} else {
		bind.Set("offsetlimit", fmt.Sprintf("LIMIT %d", limit))
	}
}
