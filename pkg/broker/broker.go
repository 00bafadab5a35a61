package broker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	// Packages
	backoff "github.com/cenkalti/backoff/v4"
	pg "github.com/goauthentik/authentik-sub008"
	schema "github.com/goauthentik/authentik-sub008/pkg/broker/schema"
	sql "github.com/goauthentik/authentik-sub008/pkg/broker/sql"
	pglock "github.com/goauthentik/authentik-sub008/pkg/pglock"
	uuid "github.com/google/uuid"
)

////////////////////////////////////////////////////////////////////////////////
// TYPES

// Broker is a task broker backed by a PostgreSQL pool. The task table acts
// as the queue, LISTEN/NOTIFY as the wakeup channel and session advisory
// locks as the claim fence. One broker value owns one lock coordinator;
// create one per process and pass it explicitly to producers and workers.
type Broker struct {
	ns         string
	conn       pg.PoolConn
	locks      *pglock.Coordinator
	serializer schema.Serializer
	middleware []Middleware
	opts       opts

	// Claim statement, rendered once. It must run on the lock session so
	// the advisory lock it takes belongs to the coordinator.
	claim string

	// Claimed lock keys, shared by every consumer of this broker. Advisory
	// locks are re-entrant within a session and all consumers share the
	// coordinator session, so the in-process fence lives here.
	mu     sync.Mutex
	claims map[int64]bool
}

////////////////////////////////////////////////////////////////////////////////
// GLOBALS

// ErrJoinTimeout is returned by Join when the context expires before the
// queue drains.
var ErrJoinTimeout = errors.New("join timeout")

////////////////////////////////////////////////////////////////////////////////
// LIFECYCLE

// New creates a broker on the given pool, creating the schema objects if
// they do not exist.
func New(ctx context.Context, conn pg.PoolConn, opt ...Opt) (*Broker, error) {
	o, err := applyOpts(opt)
	if err != nil {
		return nil, err
	}

	self := &Broker{
		ns:         o.ns,
		serializer: o.serializer,
		middleware: o.middleware,
		opts:       o,
		claims:     make(map[int64]bool),
	}

	// Parse query SQL
	queries, err := pg.NewQueries(strings.NewReader(sql.Queries))
	if err != nil {
		return nil, err
	}

	// Parse object SQL
	objects, err := pg.NewQueries(strings.NewReader(sql.Objects))
	if err != nil {
		return nil, err
	}

	// Check and set connection
	if conn == nil {
		return nil, pg.ErrBadParameter.With("connection is nil")
	} else {
		self.conn = conn.WithQueries(queries).With("schema", schema.SchemaName, "ns", o.ns).(pg.PoolConn)
	}

	// Execute object SQL
	for _, key := range objects.Keys() {
		if err := self.conn.Exec(ctx, objects.Get(key)); err != nil {
			return nil, err
		}
	}

	// Render the claim statement
	self.claim = pg.NewBind("schema", schema.SchemaName).Replace(queries.Get("broker.task_claim"))

	// Acquire the lock coordinator session
	self.locks, err = pglock.New(ctx, self.conn)
	if err != nil {
		return nil, err
	}

	// Ensure the default tenant exists
	var tenant schema.Tenant
	if err := self.conn.Insert(ctx, &tenant, schema.Tenant{TenantID: schema.DefaultTenant, Enabled: true}); err != nil {
		self.locks.Close(ctx)
		return nil, err
	}

	// Return success
	return self, nil
}

// Close releases the lock coordinator session. The pool itself belongs to
// the caller and is not closed.
func (broker *Broker) Close(ctx context.Context) error {
	return broker.locks.Close(ctx)
}

////////////////////////////////////////////////////////////////////////////////
// PUBLIC METHODS

func (broker *Broker) Namespace() string {
	return broker.ns
}

func (broker *Broker) Conn() pg.PoolConn {
	return broker.conn
}

// Enqueue inserts or resets a task for the message, waking any consumer
// listening on the queue channel. The message id is the idempotency key:
// enqueueing an id which already exists resets that row to queued rather
// than creating a duplicate. Messages with a future ETA are routed to the
// delayed sub-queue. The tenant may be empty for the default tenant.
func (broker *Broker) Enqueue(ctx context.Context, tenant string, msg schema.Message) (*schema.Task, error) {
	if msg.ActorName == "" {
		return nil, pg.ErrBadParameter.With("missing actor_name")
	}
	if msg.MessageID == "" {
		msg.MessageID = uuid.NewString()
	}
	if msg.QueueName == "" {
		msg.QueueName = msg.ActorName
	}

	// Middleware may veto the enqueue
	for _, m := range broker.middleware {
		if err := m.BeforeEnqueue(ctx, &msg); err != nil {
			return nil, err
		}
	}

	// Route messages with a future ETA to the delayed sub-queue
	queue := msg.QueueName
	if msg.Options.ETA != nil && msg.Options.ETA.After(time.Now()) {
		queue = schema.DelayedName(msg.QueueName)
	}

	// Encode the message envelope
	data, err := broker.serializer.Encode(&msg)
	if err != nil {
		return nil, err
	}

	meta := schema.TaskMeta{
		MessageID: msg.MessageID,
		QueueName: queue,
		ActorName: msg.ActorName,
		ETA:       msg.Options.ETA,
		Message:   data,
		TenantID:  tenant,
	}
	if msg.Options.ScheduleUID != "" {
		meta.ScheduleUID = &msg.Options.ScheduleUID
	}
	if msg.Options.RelObjType != "" {
		meta.RelObjType = &msg.Options.RelObjType
	}
	if msg.Options.RelObjID != "" {
		meta.RelObjID = &msg.Options.RelObjID
	}

	// Upsert the task, retrying on connection failure
	var task schema.Task
	if err := broker.retry(ctx, func() error {
		return broker.conn.Insert(ctx, &task, meta)
	}); err != nil {
		return nil, err
	}

	for _, m := range broker.middleware {
		m.AfterEnqueue(ctx, &task)
	}
	return &task, nil
}

// Requeue resets a set of tasks to queued, firing the enqueue notification
// for each. Returns the number of tasks requeued.
func (broker *Broker) Requeue(ctx context.Context, ids ...string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	var requeued schema.MessageIDList
	if err := broker.conn.Update(ctx, &requeued, schema.TaskRequeue{MessageIDs: ids}, nil); errors.Is(err, pg.ErrNotFound) {
		return 0, nil
	} else if err != nil {
		return 0, err
	}
	return len(requeued), nil
}

// Flush deletes every task on the named queues and their delayed and
// dead-letter sub-queues. Returns the number of tasks deleted.
func (broker *Broker) Flush(ctx context.Context, queues ...string) (int, error) {
	if len(queues) == 0 {
		return 0, pg.ErrBadParameter.With("missing queues")
	}
	expanded := make([]string, 0, len(queues)*3)
	for _, q := range queues {
		expanded = append(expanded, q, schema.DelayedName(q), schema.DeadLetterName(q))
	}
	return broker.flush(ctx, schema.TaskFlush{Queues: expanded})
}

// FlushAll deletes every task on every queue.
func (broker *Broker) FlushAll(ctx context.Context) (int, error) {
	return broker.flush(ctx, schema.TaskFlush{})
}

// Join blocks until the queue and its delayed sub-queue have no active
// tasks, or the context is done. Polling runs at a fixed short interval so
// tests can synchronise on queue drain.
func (broker *Broker) Join(ctx context.Context, queue string) error {
	if queue == "" {
		return pg.ErrBadParameter.With("missing queue")
	}
	ticker := time.NewTicker(schema.JoinInterval)
	defer ticker.Stop()

	for {
		var total uint64
		for _, q := range []string{queue, schema.DelayedName(queue)} {
			var count schema.Count
			if err := broker.conn.Get(ctx, &count, schema.ActiveCount{Queue: q}); err != nil {
				return err
			}
			total += uint64(count)
		}
		if total == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return errors.Join(ErrJoinTimeout, ctx.Err())
		case <-ticker.C:
		}
	}
}

////////////////////////////////////////////////////////////////////////////////
// PRIVATE METHODS

func (broker *Broker) flush(ctx context.Context, sel schema.TaskFlush) (int, error) {
	var deleted schema.MessageIDList
	if err := broker.conn.Delete(ctx, &deleted, sel); errors.Is(err, pg.ErrNotFound) {
		return 0, nil
	} else if err != nil {
		return 0, err
	}
	return len(deleted), nil
}

// lockKey derives the advisory lock key guarding a task claim.
func (broker *Broker) lockKey(queue, messageID string) int64 {
	return pglock.KeyFor(schema.LockName(broker.ns, queue, messageID))
}

// tryClaimKey marks a lock key as claimed in-process. Returns false when
// another consumer of this broker already holds the claim.
func (broker *Broker) tryClaimKey(key int64) bool {
	broker.mu.Lock()
	defer broker.mu.Unlock()
	if broker.claims[key] {
		return false
	}
	broker.claims[key] = true
	return true
}

func (broker *Broker) releaseClaimKey(key int64) {
	broker.mu.Lock()
	defer broker.mu.Unlock()
	delete(broker.claims, key)
}

// retry runs fn, retrying with exponential backoff while the error is a
// transient connection failure.
func (broker *Broker) retry(ctx context.Context, fn func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 30 * time.Second
	return backoff.Retry(func() error {
		if err := fn(); err == nil {
			return nil
		} else if pg.IsRetryable(err) {
			return err
		} else {
			return backoff.Permanent(err)
		}
	}, backoff.WithContext(policy, ctx))
}

// beforeProcess runs the middleware chain ahead of task execution. An error
// from any hook vetoes processing.
func (broker *Broker) beforeProcess(ctx context.Context, task *schema.Task) error {
	for _, m := range broker.middleware {
		if err := m.BeforeProcess(ctx, task); err != nil {
			return err
		}
	}
	return nil
}

func (broker *Broker) afterProcess(ctx context.Context, task *schema.Task, err error) {
	for _, m := range broker.middleware {
		m.AfterProcess(ctx, task, err)
	}
}

func (broker *Broker) afterSkip(ctx context.Context, task *schema.Task) {
	for _, m := range broker.middleware {
		m.AfterSkip(ctx, task)
	}
}
