package broker

import (
	"context"
	"errors"
	"time"

	// Packages
	pg "github.com/goauthentik/authentik-sub008"
	schema "github.com/goauthentik/authentik-sub008/pkg/broker/schema"
)

////////////////////////////////////////////////////////////////////////////////
// GLOBALS

// ErrNoResult is returned when a task exists but has no live result, either
// because none was stored or because it has expired.
var ErrNoResult = errors.New("no result stored")

////////////////////////////////////////////////////////////////////////////////
// PUBLIC METHODS

// Result returns the stored result for a message id. Returns ErrNoResult
// when no result has been stored or it has expired, and pg.ErrNotFound when
// the task itself does not exist.
func (broker *Broker) Result(ctx context.Context, messageID string) (*schema.Result, error) {
	var result schema.Result
	if err := broker.conn.Get(ctx, &result, schema.ResultName(messageID)); err != nil {
		return nil, err
	}
	if result.Data == nil {
		return nil, ErrNoResult
	}
	if result.Expiry != nil && result.Expiry.Before(time.Now()) {
		return nil, ErrNoResult
	}
	return &result, nil
}

// StoreResult writes a result onto the task row with a lifetime. A zero ttl
// uses the broker default. The result lives until its expiry regardless of
// task retention, after which the garbage collector may remove the row.
func (broker *Broker) StoreResult(ctx context.Context, messageID string, data []byte, ttl time.Duration) error {
	if messageID == "" {
		return pg.ErrBadParameter.With("missing message_id")
	}
	if ttl <= 0 {
		ttl = broker.opts.resultTTL
	}
	var updated schema.MessageIDList
	return broker.conn.Update(ctx, &updated, schema.ResultStore{
		MessageID: messageID,
		Data:      data,
		Expiry:    time.Now().Add(ttl),
	}, nil)
}
