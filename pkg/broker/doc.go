/*
Package broker provides a PostgreSQL-backed task broker with exactly-once
processing, delayed tasks, retries with backoff, recurring schedules per
tenant, stored results and garbage collection. No external message broker
is required: the task table is the queue, LISTEN/NOTIFY is the wakeup
channel and session advisory locks fence concurrent claims.

# Broker

Create a broker on a connection pool:

	b, err := broker.New(ctx, pool, broker.WithNamespace("myapp"))
	if err != nil {
		panic(err)
	}
	defer b.Close(ctx)

# Enqueue

Enqueue messages for an actor. The message id is the idempotency key, and
a future ETA delays delivery:

	task, err := b.Enqueue(ctx, "", schema.Message{
		ActorName: "send_email",
		Payload:   json.RawMessage(`{"to": "user@example.com"}`),
	})

	// Delay delivery by an hour
	eta := time.Now().Add(time.Hour)
	task, err = b.Enqueue(ctx, "", schema.Message{
		ActorName: "send_email",
		Options:   schema.Options{ETA: &eta},
	})

# Worker

Register actors and run a worker, which claims tasks, runs handlers with
retries, heartbeats and amortises scheduling and garbage collection:

	registry := broker.NewRegistry()
	registry.Register(broker.Actor{
		Name:       "send_email",
		MaxRetries: 3,
		Handler: func(ctx context.Context, payload json.RawMessage) (any, error) {
			return nil, nil
		},
	})

	worker, err := broker.NewWorker(b, registry)
	if err != nil {
		panic(err)
	}

	// Recurring tasks, evaluated once per enabled tenant
	worker.Schedule(schema.Schedule{
		UID:     "hourly-report",
		Crontab: "0 * * * *",
		Actor:   "send_report",
	})

	// Run blocks until context is cancelled
	err = worker.Run(ctx)

# Results

Actors with StoreResults persist their return value, retrievable until the
result ttl expires:

	result, err := b.Result(ctx, task.MessageID)

# Subpackages

  - schema: data types, request/response structures and SQL bindings
*/
package broker
