package broker

import (
	"context"
	"errors"
	"sync"
	"time"

	// Packages
	pg "github.com/goauthentik/authentik-sub008"
	schema "github.com/goauthentik/authentik-sub008/pkg/broker/schema"
)

////////////////////////////////////////////////////////////////////////////////
// TYPES

// GC removes terminal tasks which are past retention and whose stored
// results have expired. Live results pin their rows past retention so that
// a result can always be fetched within its ttl.
type GC struct {
	broker *Broker

	mu   sync.Mutex
	last time.Time
}

////////////////////////////////////////////////////////////////////////////////
// LIFECYCLE

func NewGC(broker *Broker) *GC {
	return &GC{broker: broker}
}

////////////////////////////////////////////////////////////////////////////////
// PUBLIC METHODS

// Purge deletes eligible terminal tasks and returns the number removed.
func (gc *GC) Purge(ctx context.Context) (int, error) {
	var deleted schema.MessageIDList
	sel := schema.TaskPurge{Before: time.Now().Add(-gc.broker.opts.retention)}
	if err := gc.broker.conn.Delete(ctx, &deleted, sel); errors.Is(err, pg.ErrNotFound) {
		return 0, nil
	} else if err != nil {
		return 0, err
	}
	return len(deleted), nil
}

// MaybePurge purges when the purge interval has elapsed since the last run,
// so callers can invoke it on every poll without flooding the database.
func (gc *GC) MaybePurge(ctx context.Context) (int, error) {
	gc.mu.Lock()
	if time.Since(gc.last) < gc.broker.opts.purgeInterval {
		gc.mu.Unlock()
		return 0, nil
	}
	gc.last = time.Now()
	gc.mu.Unlock()

	return gc.Purge(ctx)
}

// Run purges on the configured interval until the context is cancelled.
func (gc *GC) Run(ctx context.Context) error {
	ticker := time.NewTicker(gc.broker.opts.purgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := gc.Purge(ctx); err != nil && !pg.IsRetryable(err) {
				return err
			}
		}
	}
}
