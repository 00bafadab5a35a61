package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	// Packages
	pg "github.com/goauthentik/authentik-sub008"
	schema "github.com/goauthentik/authentik-sub008/pkg/broker/schema"
	otel "go.opentelemetry.io/otel"
	attribute "go.opentelemetry.io/otel/attribute"
	codes "go.opentelemetry.io/otel/codes"
	trace "go.opentelemetry.io/otel/trace"
)

////////////////////////////////////////////////////////////////////////////////
// TYPES

// Worker runs a consumer over the queues of a registry's actors and
// dispatches claimed tasks to a pool of handlers. It also carries the
// process heartbeat, the garbage collector and the scheduler.
type Worker struct {
	broker    *Broker
	registry  *Registry
	scheduler *Scheduler
	gc        *GC
	heartbeat *Heartbeat
}

////////////////////////////////////////////////////////////////////////////////
// LIFECYCLE

// NewWorker creates a worker for the given broker and actor registry.
func NewWorker(broker *Broker, registry *Registry) (*Worker, error) {
	if broker == nil {
		return nil, pg.ErrBadParameter.With("broker is nil")
	}
	if registry == nil {
		return nil, pg.ErrBadParameter.With("registry is nil")
	}
	return &Worker{
		broker:    broker,
		registry:  registry,
		scheduler: NewScheduler(broker),
		gc:        NewGC(broker),
		heartbeat: NewHeartbeat(broker, broker.opts.name, broker.opts.version),
	}, nil
}

////////////////////////////////////////////////////////////////////////////////
// PUBLIC METHODS

// Schedule registers a recurring task evaluated by this worker's scheduler.
func (w *Worker) Schedule(sched schema.Schedule) error {
	return w.scheduler.Register(sched)
}

// Run starts the heartbeat, the consumer and the handler pool, blocking
// until the context is cancelled or an error occurs.
func (w *Worker) Run(ctx context.Context) error {
	queues := w.registry.Queues()
	if len(queues) == 0 {
		return pg.ErrBadParameter.With("no actors registered")
	}

	log := w.broker.opts.log

	consumer, err := NewConsumer(w.broker, queues...)
	if err != nil {
		return err
	}
	consumer.Amortize(w.gc, w.scheduler)

	var loopWg, handlerWg sync.WaitGroup
	errCh := make(chan error, 1)

	// Start the heartbeat
	loopWg.Add(1)
	go func() {
		defer loopWg.Done()
		if err := w.heartbeat.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.ErrorContext(ctx, "heartbeat failed", "error", err)
		}
	}()

	// Create delivery channel and spawn handlers
	ch := make(chan *Delivery, w.broker.opts.workers)
	for i := 0; i < w.broker.opts.workers; i++ {
		handlerWg.Add(1)
		go func() {
			defer handlerWg.Done()
			for delivery := range ch {
				w.process(ctx, delivery, log)
			}
		}()
	}

	// Run the consumer loop
	loopWg.Add(1)
	go func() {
		defer loopWg.Done()
		defer close(ch)
		if err := consumer.Run(ctx, ch); err != nil {
			select {
			case errCh <- err:
			default:
			}
		}
	}()

	// Wait for the consumer to finish, then for handlers to drain
	done := make(chan struct{})
	go func() {
		loopWg.Wait()
		handlerWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case err := <-errCh:
		return err
	}
}

////////////////////////////////////////////////////////////////////////////////
// PRIVATE METHODS

// process settles a single delivery: decode, run the actor, then ack, retry
// or dead-letter. A processing failure is never fatal to the worker, but a
// failed settlement is always surfaced in the log.
func (w *Worker) process(ctx context.Context, d *Delivery, log *slog.Logger) {
	task := d.Task

	// On shutdown, hand the claim back as queued rather than running the
	// actor with a cancelled context
	if ctx.Err() != nil {
		if _, err := w.broker.Requeue(context.WithoutCancel(ctx), task.MessageID); err != nil {
			log.ErrorContext(ctx, "requeue failed", "task", task.MessageID, "error", err)
		}
		d.Release(ctx)
		return
	}

	// Decode the message envelope
	msg, err := w.broker.serializer.Decode(task.Message)
	if err != nil {
		log.ErrorContext(ctx, "decode failed", "task", task.MessageID, "error", err)
		w.nack(ctx, d, log, errEntry("decode: "+err.Error()))
		return
	}

	// Middleware may veto processing
	if err := w.broker.beforeProcess(ctx, task); err != nil {
		w.ack(ctx, d, log, infoEntry("skipped: "+err.Error()))
		w.broker.afterSkip(ctx, task)
		return
	}

	// Look up the actor
	actor, ok := w.registry.Lookup(msg.ActorName)
	if !ok {
		err := fmt.Errorf("%w %q", ErrUnknownActor, msg.ActorName)
		log.ErrorContext(ctx, "unknown actor", "task", task.MessageID, "actor", msg.ActorName)
		w.nack(ctx, d, log, errEntry(err.Error()))
		w.broker.afterProcess(ctx, task, err)
		return
	}

	// Run the actor with deadline and panic recovery
	limit := msg.Options.TimeLimit
	if limit == 0 {
		limit = actor.TimeLimit
	}
	spanCtx, span := otel.Tracer(schema.SchemaName).Start(ctx, "broker.process",
		trace.WithAttributes(
			attribute.String("actor", actor.Name),
			attribute.String("queue", task.QueueName),
			attribute.String("message_id", task.MessageID),
		),
	)
	result, err := runWork(spanCtx, limit, func(ctx context.Context) (any, error) {
		return actor.Handler(ctx, msg.Payload)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()

	if err == nil {
		if actor.StoreResults && result != nil {
			if data, merr := json.Marshal(result); merr != nil {
				log.ErrorContext(ctx, "result encode failed", "task", task.MessageID, "error", merr)
			} else if serr := w.broker.StoreResult(ctx, task.MessageID, data, actor.ResultTTL); serr != nil {
				log.ErrorContext(ctx, "result store failed", "task", task.MessageID, "error", serr)
			}
		}
		w.ack(ctx, d, log)
		w.broker.afterProcess(ctx, task, nil)
		return
	}

	// Retry with backoff until attempts are exhausted, then dead-letter.
	// The retry re-enqueues the same message id, which resets the row to
	// queued; the original claim is then released without an outcome.
	maxRetries := msg.Options.MaxRetries
	if maxRetries == 0 {
		maxRetries = actor.MaxRetries
	}
	if msg.Options.Retries < maxRetries {
		retry := *msg
		retry.Options.Retries++
		eta := time.Now().Add(retryBackoff(msg.Options.Retries))
		retry.Options.ETA = &eta
		if _, eerr := w.broker.Enqueue(ctx, task.TenantID, retry); eerr != nil {
			log.ErrorContext(ctx, "retry enqueue failed", "task", task.MessageID, "error", eerr)
			w.nack(ctx, d, log, errEntry(err.Error()))
		} else {
			log.DebugContext(ctx, "retrying", "task", task.MessageID, "retries", retry.Options.Retries, "error", err)
			d.Release(ctx)
		}
	} else {
		w.nack(ctx, d, log, errEntry(err.Error()))
	}
	w.broker.afterProcess(ctx, task, err)
}

// ack settles a delivery as done. Settlement failures mean the outcome was
// not recorded; the claim is released and the row recovers through rescan,
// so the failure is logged rather than fatal.
func (w *Worker) ack(ctx context.Context, d *Delivery, log *slog.Logger, logs ...schema.LogEntry) {
	if err := d.Ack(ctx, logs...); err != nil {
		log.ErrorContext(ctx, "ack failed", "task", d.Task.MessageID, "error", err)
	}
}

// nack settles a delivery as rejected, logging settlement failures.
func (w *Worker) nack(ctx context.Context, d *Delivery, log *slog.Logger, logs ...schema.LogEntry) {
	if err := d.Nack(ctx, logs...); err != nil {
		log.ErrorContext(ctx, "nack failed", "task", d.Task.MessageID, "error", err)
	}
}

// runWork executes work with deadline and panic recovery.
func runWork(parent context.Context, deadline time.Duration, fn func(context.Context) (any, error)) (result any, errs error) {
	ctx, cancel := contextWithDeadline(parent, deadline)
	defer cancel()

	// Catch panics
	defer func() {
		if r := recover(); r != nil {
			errs = errors.Join(errs, fmt.Errorf("panic: %v", r))
		}
	}()

	// Run the work function
	result, err := fn(ctx)
	if err != nil {
		errs = errors.Join(errs, err)
	}

	// Include context error if not already present
	if ctx.Err() != nil && !errors.Is(errs, ctx.Err()) {
		errs = errors.Join(errs, ctx.Err())
	}

	return result, errs
}

func contextWithDeadline(ctx context.Context, deadline time.Duration) (context.Context, context.CancelFunc) {
	if deadline > 0 {
		return context.WithTimeout(ctx, deadline)
	}
	return ctx, func() {}
}

// retryBackoff returns a jittered exponential delay for the given attempt.
func retryBackoff(retries int) time.Duration {
	d := time.Second << min(retries, 10)
	return d/2 + rand.N(d/2)
}

func errEntry(msg string) schema.LogEntry {
	return schema.LogEntry{Level: schema.LevelError, Message: msg, Ts: time.Now()}
}

func infoEntry(msg string) schema.LogEntry {
	return schema.LogEntry{Level: schema.LevelInfo, Message: msg, Ts: time.Now()}
}
