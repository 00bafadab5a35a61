package broker

import (
	"context"
	"time"

	// Packages
	schema "github.com/goauthentik/authentik-sub008/pkg/broker/schema"
	pglock "github.com/goauthentik/authentik-sub008/pkg/pglock"
	uuid "github.com/google/uuid"
	version "github.com/hashicorp/go-version"
)

////////////////////////////////////////////////////////////////////////////////
// TYPES

// Heartbeat maintains a worker's status row, so operators can see which
// workers are alive and what version they run. The row is refreshed on an
// interval and removed on clean shutdown; rows from crashed workers go
// stale and can be judged by their last_seen.
type Heartbeat struct {
	broker   *Broker
	status   schema.WorkerStatus
	interval time.Duration
}

////////////////////////////////////////////////////////////////////////////////
// LIFECYCLE

func NewHeartbeat(broker *Broker, hostname, ver string) *Heartbeat {
	// Normalise the version string when it parses as a version
	if v, err := version.NewVersion(ver); err == nil {
		ver = v.String()
	}
	return &Heartbeat{
		broker: broker,
		status: schema.WorkerStatus{
			WorkerID: uuid.NewString(),
			Hostname: hostname,
			Version:  ver,
		},
		interval: broker.opts.listenTimeout,
	}
}

////////////////////////////////////////////////////////////////////////////////
// PUBLIC METHODS

func (hb *Heartbeat) WorkerID() string {
	return hb.status.WorkerID
}

// Run refreshes the worker status row until the context is cancelled, then
// removes it. A session advisory lock is held for the lifetime of the run,
// so observers in other processes can distinguish a live worker from a
// stale row left by a crash.
func (hb *Heartbeat) Run(ctx context.Context) error {
	if err := hb.beat(ctx); err != nil {
		return err
	}

	key := pglock.KeyFor(schema.WorkerLockName(hb.broker.ns, hb.status.WorkerID))
	if _, err := hb.broker.locks.TryLock(ctx, key); err != nil {
		return err
	}
	defer hb.broker.locks.Unlock(context.WithoutCancel(ctx), key)

	ticker := time.NewTicker(hb.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			var deleted schema.WorkerStatus
			return hb.broker.conn.Delete(context.WithoutCancel(ctx), &deleted, schema.WorkerName(hb.status.WorkerID))
		case <-ticker.C:
			if err := hb.beat(ctx); err != nil {
				return err
			}
		}
	}
}

////////////////////////////////////////////////////////////////////////////////
// PRIVATE METHODS

func (hb *Heartbeat) beat(ctx context.Context) error {
	return hb.broker.retry(ctx, func() error {
		var status schema.WorkerStatus
		return hb.broker.conn.Insert(ctx, &status, hb.status)
	})
}
