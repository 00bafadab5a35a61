package broker

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	// Packages
	pg "github.com/goauthentik/authentik-sub008"
	schema "github.com/goauthentik/authentik-sub008/pkg/broker/schema"
)

////////////////////////////////////////////////////////////////////////////////
// TYPES

// Consumer claims tasks from a set of queues and hands them out as
// deliveries. Wakeups arrive over LISTEN/NOTIFY; a timer-driven rescan of
// the task table recovers notifications lost while no consumer was
// listening. Claims are fenced with session advisory locks so at most one
// consumer processes a task at a time.
type Consumer struct {
	broker    *Broker
	queues    []string
	prefetch  int
	gc        *GC
	scheduler *Scheduler

	mu         sync.Mutex
	inFlight   map[string]bool
	pending    []schema.PendingTask
	pendingSet map[string]bool
}

// Delivery is a claimed task. Exactly one of Ack, Nack or Release must be
// called to settle the claim.
type Delivery struct {
	Task     *schema.Task
	lockKey  int64
	consumer *Consumer
}

////////////////////////////////////////////////////////////////////////////////
// LIFECYCLE

// NewConsumer creates a consumer over the given queues and their delayed
// sub-queues. Consumers of one broker share its lock session; claims
// between them are fenced by the broker's in-process claim table.
func NewConsumer(broker *Broker, queues ...string) (*Consumer, error) {
	if broker == nil {
		return nil, pg.ErrBadParameter.With("broker is nil")
	}
	if len(queues) == 0 {
		return nil, pg.ErrBadParameter.With("missing queues")
	}

	expanded := make([]string, 0, len(queues)*2)
	for _, q := range queues {
		expanded = append(expanded, q, schema.DelayedName(q))
	}

	return &Consumer{
		broker:     broker,
		queues:     expanded,
		prefetch:   broker.opts.prefetch,
		inFlight:   make(map[string]bool),
		pendingSet: make(map[string]bool),
	}, nil
}

// Amortize attaches a garbage collector and scheduler to be run on the
// consumer's poll timer, so a worker process needs no separate tickers.
// Either may be nil.
func (consumer *Consumer) Amortize(gc *GC, scheduler *Scheduler) {
	consumer.gc = gc
	consumer.scheduler = scheduler
}

////////////////////////////////////////////////////////////////////////////////
// PUBLIC METHODS

// Run claims tasks and sends deliveries on ch until the context is
// cancelled or an unrecoverable error occurs.
func (consumer *Consumer) Run(ctx context.Context, ch chan<- *Delivery) error {
	log := consumer.broker.opts.log

	// Create a listener and subscribe to the enqueue channel of each queue
	listener := consumer.broker.conn.Listener()
	if listener == nil {
		return pg.ErrBadParameter.With("listener is nil")
	}
	defer listener.Close(context.Background())

	for _, q := range consumer.queues {
		if err := listener.Listen(ctx, schema.ChannelName(consumer.broker.ns, q)); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
	}

	// Create channels for notifications and errors
	notifyCh := make(chan *pg.Notification, 10)
	errCh := make(chan error, 1)

	// Start goroutine to listen for notifications
	var wg sync.WaitGroup
	wg.Add(1)
	defer wg.Wait()
	go func() {
		defer wg.Done()
		listenForNotifications(ctx, listener, notifyCh, errCh)
	}()

	// Do an initial scan to pick up tasks enqueued before we were listening
	if err := consumer.rescan(ctx); err != nil && !pg.IsRetryable(err) {
		return err
	}
	lastRescan := time.Now()

	delta := schema.JoinInterval
	timer := time.NewTimer(delta)
	defer timer.Stop()

	if err := consumer.drain(ctx, ch, &delta); err != nil {
		return err
	}
	timer.Reset(delta)

	// Loop until context is cancelled
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			return err
		case notification := <-notifyCh:
			consumer.notified(notification)
			if err := consumer.drain(ctx, ch, &delta); err != nil {
				return err
			}
			timer.Reset(delta)
		case <-timer.C:
			// Rescan when the pending list has drained or the throttle has
			// elapsed, to recover any missed notifications
			if consumer.pendingCount() == 0 || time.Since(lastRescan) >= consumer.broker.opts.rescanInterval {
				if err := consumer.rescan(ctx); err != nil && !pg.IsRetryable(err) {
					return err
				}
				lastRescan = time.Now()
			}
			if err := consumer.drain(ctx, ch, &delta); err != nil {
				return err
			}
			consumer.amortized(ctx, log)
			timer.Reset(delta)
		}
	}
}

// Ack settles the delivery as done, appending the given log entries.
func (d *Delivery) Ack(ctx context.Context, logs ...schema.LogEntry) error {
	return d.consumer.finish(ctx, d, schema.Done, logs)
}

// Nack settles the delivery as rejected and parks the task on the
// dead-letter queue.
func (d *Delivery) Nack(ctx context.Context, logs ...schema.LogEntry) error {
	return d.consumer.finish(ctx, d, schema.Rejected, logs)
}

// Release drops the claim without recording an outcome, used when the task
// has been re-enqueued for another attempt.
func (d *Delivery) Release(ctx context.Context) {
	d.consumer.release(ctx, d)
}

////////////////////////////////////////////////////////////////////////////////
// PRIVATE METHODS

// listenForNotifications forwards notifications to the channel. Errors
// other than context cancellation are sent to the error channel. The
// forward selects on the context so the goroutine exits even when the
// receiver has stopped draining the channel.
func listenForNotifications(ctx context.Context, listener pg.Listener, notifyCh chan<- *pg.Notification, errCh chan<- error) {
	for {
		notification, err := listener.WaitForNotification(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				errCh <- err
			}
			return
		}
		select {
		case notifyCh <- notification:
		case <-ctx.Done():
			return
		}
	}
}

// notified queues a claim attempt for a notified task.
func (consumer *Consumer) notified(notification *pg.Notification) {
	queue := consumer.queueFromChannel(notification.Channel)
	if queue == "" || notification.Payload == "" {
		return
	}
	consumer.enqueuePending(schema.PendingTask{
		MessageID: notification.Payload,
		QueueName: queue,
	})
}

// rescan merges claimable tasks from the table into the pending list,
// excluding tasks already tracked. Tasks with an ETA due before the next
// poll window are included so delayed tasks are claimed on time.
func (consumer *Consumer) rescan(ctx context.Context) error {
	var pending schema.PendingTaskList
	if err := consumer.broker.conn.List(ctx, &pending, schema.TaskPending{
		Queues:  consumer.queues,
		MaxETA:  time.Now().Add(consumer.broker.opts.listenTimeout),
		Exclude: consumer.tracked(),
	}); err != nil {
		return err
	}
	for _, p := range pending {
		consumer.enqueuePending(p)
	}
	return nil
}

// drain claims pending tasks up to the prefetch limit and delivers them.
// The poll interval shrinks while tasks are flowing and grows while idle.
func (consumer *Consumer) drain(ctx context.Context, ch chan<- *Delivery, delta *time.Duration) error {
	var claimed bool
	for consumer.inFlightCount() < consumer.prefetch {
		next, ok := consumer.popPending()
		if !ok {
			break
		}

		delivery, err := consumer.claimTask(ctx, next)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			if pg.IsRetryable(err) {
				break
			}
			return err
		}
		if delivery == nil {
			// Lost the race, or the task is not yet eligible
			continue
		}

		claimed = true
		select {
		case <-ctx.Done():
			consumer.release(ctx, delivery)
			return nil
		case ch <- delivery:
		}
	}

	if claimed {
		*delta = schema.JoinInterval
	} else {
		*delta = idleBackoff(*delta, consumer.broker.opts.listenTimeout)
	}
	return nil
}

// idleBackoff doubles the poll interval with jitter, capped at limit.
func idleBackoff(delta, limit time.Duration) time.Duration {
	d := min(delta*2, limit)
	return d/2 + rand.N(d/2)
}

// claimTask attempts to claim a task by conditional update and advisory
// lock, both on the coordinator's session. Returns nil when the task is
// not claimable.
func (consumer *Consumer) claimTask(ctx context.Context, p schema.PendingTask) (*Delivery, error) {
	key := consumer.broker.lockKey(p.QueueName, p.MessageID)
	if !consumer.broker.tryClaimKey(key) {
		return nil, nil
	}

	var id string
	if err := consumer.broker.locks.GetRow(ctx, consumer.broker.claim, []any{p.MessageID, key}, &id); err != nil {
		// The advisory lock may have been taken even though no row matched,
		// so always release it
		consumer.broker.locks.Unlock(context.WithoutCancel(ctx), key)
		consumer.broker.releaseClaimKey(key)
		if errors.Is(err, pg.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	var task schema.Task
	if err := consumer.broker.conn.Get(ctx, &task, schema.TaskName(p.MessageID)); err != nil {
		consumer.broker.locks.Unlock(context.WithoutCancel(ctx), key)
		consumer.broker.releaseClaimKey(key)
		return nil, err
	}

	consumer.mu.Lock()
	consumer.inFlight[p.MessageID] = true
	consumer.mu.Unlock()

	return &Delivery{Task: &task, lockKey: key, consumer: consumer}, nil
}

// finish records the outcome of a delivery and releases its claim. When
// the task was re-enqueued whilst processing, the outcome is discarded and
// the row stays queued for the next attempt.
func (consumer *Consumer) finish(ctx context.Context, d *Delivery, state schema.TaskState, logs []schema.LogEntry) error {
	defer consumer.release(ctx, d)

	post := schema.TaskPostProcess{
		MessageID: d.Task.MessageID,
		QueueName: d.Task.QueueName,
		State:     state,
		Message:   d.Task.Message,
		Logs:      append(d.Task.Logs, logs...),
	}

	var updated schema.MessageIDList
	if err := consumer.broker.retry(ctx, func() error {
		err := consumer.broker.conn.Update(ctx, &updated, post, nil)
		if errors.Is(err, pg.ErrNotFound) {
			return nil
		}
		return err
	}); err != nil {
		return err
	}

	// Park rejected tasks on the dead-letter queue
	if state == schema.Rejected && len(updated) > 0 {
		var moved schema.MessageIDList
		move := schema.TaskMove{
			MessageID: d.Task.MessageID,
			QueueName: schema.DeadLetterName(schema.BaseName(d.Task.QueueName)),
		}
		if err := consumer.broker.conn.Update(ctx, &moved, move, nil); err != nil && !errors.Is(err, pg.ErrNotFound) {
			return err
		}
	}
	return nil
}

// release drops the advisory lock and stops tracking the task.
func (consumer *Consumer) release(ctx context.Context, d *Delivery) {
	consumer.broker.locks.Unlock(context.WithoutCancel(ctx), d.lockKey)
	consumer.broker.releaseClaimKey(d.lockKey)
	consumer.mu.Lock()
	delete(consumer.inFlight, d.Task.MessageID)
	consumer.mu.Unlock()
}

// amortized runs the garbage collector and scheduler when their throttle
// intervals have elapsed. Failures are logged, not fatal.
func (consumer *Consumer) amortized(ctx context.Context, log *slog.Logger) {
	if consumer.gc != nil {
		if purged, err := consumer.gc.MaybePurge(ctx); err != nil {
			log.ErrorContext(ctx, "purge failed", "error", err)
		} else if purged > 0 {
			log.DebugContext(ctx, "purged terminal tasks", "purged", purged)
		}
	}
	if consumer.scheduler != nil {
		if err := consumer.scheduler.MaybeTick(ctx); err != nil {
			log.ErrorContext(ctx, "schedule tick failed", "error", err)
		}
	}
}

func (consumer *Consumer) queueFromChannel(channel string) string {
	prefix := consumer.broker.ns + "."
	if !strings.HasPrefix(channel, prefix) || !strings.HasSuffix(channel, ".enqueue") {
		return ""
	}
	return strings.TrimSuffix(strings.TrimPrefix(channel, prefix), ".enqueue")
}

func (consumer *Consumer) enqueuePending(p schema.PendingTask) {
	consumer.mu.Lock()
	defer consumer.mu.Unlock()
	if consumer.pendingSet[p.MessageID] || consumer.inFlight[p.MessageID] {
		return
	}
	consumer.pendingSet[p.MessageID] = true
	consumer.pending = append(consumer.pending, p)
}

func (consumer *Consumer) popPending() (schema.PendingTask, bool) {
	consumer.mu.Lock()
	defer consumer.mu.Unlock()
	if len(consumer.pending) == 0 {
		return schema.PendingTask{}, false
	}
	next := consumer.pending[0]
	consumer.pending = consumer.pending[1:]
	delete(consumer.pendingSet, next.MessageID)
	return next, true
}

func (consumer *Consumer) pendingCount() int {
	consumer.mu.Lock()
	defer consumer.mu.Unlock()
	return len(consumer.pending)
}

func (consumer *Consumer) inFlightCount() int {
	consumer.mu.Lock()
	defer consumer.mu.Unlock()
	return len(consumer.inFlight)
}

// tracked returns the ids the consumer is already aware of, used to
// exclude them from rescans.
func (consumer *Consumer) tracked() []string {
	consumer.mu.Lock()
	defer consumer.mu.Unlock()
	ids := make([]string, 0, len(consumer.inFlight)+len(consumer.pendingSet))
	for id := range consumer.inFlight {
		ids = append(ids, id)
	}
	for id := range consumer.pendingSet {
		ids = append(ids, id)
	}
	return ids
}
