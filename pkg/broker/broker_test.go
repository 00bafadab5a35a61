package broker_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	// Packages
	pg "github.com/goauthentik/authentik-sub008"
	broker "github.com/goauthentik/authentik-sub008/pkg/broker"
	schema "github.com/goauthentik/authentik-sub008/pkg/broker/schema"
	test "github.com/goauthentik/authentik-sub008/pkg/test"
	assert "github.com/stretchr/testify/assert"
)

////////////////////////////////////////////////////////////////////////////////
// GLOBALS

var conn test.Conn

func TestMain(m *testing.M) {
	test.Main(m, &conn)
}

////////////////////////////////////////////////////////////////////////////////
// LIFECYCLE TESTS

func Test_Broker_New(t *testing.T) {
	assert := assert.New(t)
	conn := conn.Begin(t)
	defer conn.Close()
	ctx := context.TODO()

	b, err := broker.New(ctx, conn, broker.WithNamespace("test_new"))
	assert.NoError(err)
	assert.NotNil(b)
	defer b.Close(ctx)

	t.Run("Namespace", func(t *testing.T) {
		assert.Equal("test_new", b.Namespace())
	})

	t.Run("DefaultTenantExists", func(t *testing.T) {
		tenants, err := b.ListTenants(ctx)
		assert.NoError(err)
		assert.NotNil(tenants)

		var found bool
		for _, tenant := range tenants.Body {
			if tenant.TenantID == schema.DefaultTenant {
				found = true
			}
		}
		assert.True(found)
	})
}

////////////////////////////////////////////////////////////////////////////////
// ENQUEUE TESTS

func Test_Broker_Enqueue(t *testing.T) {
	assert := assert.New(t)
	conn := conn.Begin(t)
	defer conn.Close()
	ctx := context.TODO()

	b, err := broker.New(ctx, conn, broker.WithNamespace("test_enqueue"))
	assert.NoError(err)
	defer b.Close(ctx)
	defer b.Flush(ctx, "enq", "enq_delayed", "enq_idem")

	t.Run("MissingActor", func(t *testing.T) {
		_, err := b.Enqueue(ctx, "", schema.Message{})
		assert.Error(err)
	})

	t.Run("Basic", func(t *testing.T) {
		task, err := b.Enqueue(ctx, "", schema.Message{
			ActorName: "enq_actor",
			QueueName: "enq",
			Payload:   json.RawMessage(`{"n":1}`),
		})
		assert.NoError(err)
		assert.NotNil(task)
		assert.NotEmpty(task.MessageID)
		assert.Equal(schema.Queued, task.State)
		assert.Equal("enq", task.QueueName)
		assert.Equal(schema.DefaultTenant, task.TenantID)
	})

	t.Run("QueueDefaultsToActor", func(t *testing.T) {
		task, err := b.Enqueue(ctx, "", schema.Message{
			ActorName: "enq",
			Payload:   json.RawMessage(`{}`),
		})
		assert.NoError(err)
		assert.Equal("enq", task.QueueName)
	})

	t.Run("Idempotent", func(t *testing.T) {
		msg := schema.Message{
			MessageID: "00000000-0000-0000-0000-00000000e001",
			ActorName: "enq_actor",
			QueueName: "enq_idem",
			Payload:   json.RawMessage(`{}`),
		}

		first, err := b.Enqueue(ctx, "", msg)
		assert.NoError(err)
		second, err := b.Enqueue(ctx, "", msg)
		assert.NoError(err)
		assert.Equal(first.MessageID, second.MessageID)
		assert.Equal(schema.Queued, second.State)

		// A repeated enqueue resets the row rather than duplicating it
		list, err := b.ListTasks(ctx, schema.TaskListRequest{Queue: "enq_idem"})
		assert.NoError(err)
		assert.Len(list.Body, 1)
	})

	t.Run("DelayedRoutesToSubQueue", func(t *testing.T) {
		eta := time.Now().Add(time.Hour)
		task, err := b.Enqueue(ctx, "", schema.Message{
			ActorName: "enq_actor",
			QueueName: "enq_delayed",
			Payload:   json.RawMessage(`{}`),
			Options:   schema.Options{ETA: &eta},
		})
		assert.NoError(err)
		assert.Equal(schema.DelayedName("enq_delayed"), task.QueueName)
		assert.NotNil(task.ETA)
	})

	t.Run("PastETAStaysOnQueue", func(t *testing.T) {
		eta := time.Now().Add(-time.Hour)
		task, err := b.Enqueue(ctx, "", schema.Message{
			ActorName: "enq_actor",
			QueueName: "enq",
			Payload:   json.RawMessage(`{}`),
			Options:   schema.Options{ETA: &eta},
		})
		assert.NoError(err)
		assert.Equal("enq", task.QueueName)
	})
}

type vetoMiddleware struct {
	broker.NopMiddleware
}

func (vetoMiddleware) BeforeEnqueue(context.Context, *schema.Message) error {
	return pg.ErrBadParameter.With("vetoed")
}

func Test_Broker_Middleware(t *testing.T) {
	assert := assert.New(t)
	conn := conn.Begin(t)
	defer conn.Close()
	ctx := context.TODO()

	b, err := broker.New(ctx, conn,
		broker.WithNamespace("test_middleware"),
		broker.WithMiddleware(vetoMiddleware{}),
	)
	assert.NoError(err)
	defer b.Close(ctx)

	_, err = b.Enqueue(ctx, "", schema.Message{
		ActorName: "vetoed_actor",
		Payload:   json.RawMessage(`{}`),
	})
	assert.Error(err)
}

////////////////////////////////////////////////////////////////////////////////
// REQUEUE AND FLUSH TESTS

func Test_Broker_RequeueFlush(t *testing.T) {
	assert := assert.New(t)
	conn := conn.Begin(t)
	defer conn.Close()
	ctx := context.TODO()

	b, err := broker.New(ctx, conn, broker.WithNamespace("test_requeue"))
	assert.NoError(err)
	defer b.Close(ctx)

	task, err := b.Enqueue(ctx, "", schema.Message{
		ActorName: "rq_actor",
		QueueName: "rq",
		Payload:   json.RawMessage(`{}`),
	})
	assert.NoError(err)

	t.Run("RequeueExisting", func(t *testing.T) {
		n, err := b.Requeue(ctx, task.MessageID)
		assert.NoError(err)
		assert.Equal(1, n)
	})

	t.Run("RequeueMissing", func(t *testing.T) {
		n, err := b.Requeue(ctx, "00000000-0000-0000-0000-0000000000ff")
		assert.NoError(err)
		assert.Equal(0, n)
	})

	t.Run("RequeueNone", func(t *testing.T) {
		n, err := b.Requeue(ctx)
		assert.NoError(err)
		assert.Equal(0, n)
	})

	t.Run("Flush", func(t *testing.T) {
		n, err := b.Flush(ctx, "rq")
		assert.NoError(err)
		assert.Equal(1, n)
	})

	t.Run("FlushEmptyQueue", func(t *testing.T) {
		n, err := b.Flush(ctx, "rq")
		assert.NoError(err)
		assert.Equal(0, n)
	})

	t.Run("FlushMissingQueues", func(t *testing.T) {
		_, err := b.Flush(ctx)
		assert.Error(err)
	})
}

////////////////////////////////////////////////////////////////////////////////
// RESULT TESTS

func Test_Broker_Results(t *testing.T) {
	assert := assert.New(t)
	conn := conn.Begin(t)
	defer conn.Close()
	ctx := context.TODO()

	b, err := broker.New(ctx, conn, broker.WithNamespace("test_results"))
	assert.NoError(err)
	defer b.Close(ctx)
	defer b.Flush(ctx, "res")

	task, err := b.Enqueue(ctx, "", schema.Message{
		ActorName: "res_actor",
		QueueName: "res",
		Payload:   json.RawMessage(`{}`),
	})
	assert.NoError(err)

	t.Run("NoResultStored", func(t *testing.T) {
		_, err := b.Result(ctx, task.MessageID)
		assert.ErrorIs(err, broker.ErrNoResult)
	})

	t.Run("MissingTask", func(t *testing.T) {
		_, err := b.Result(ctx, "00000000-0000-0000-0000-0000000000fe")
		assert.ErrorIs(err, pg.ErrNotFound)
	})

	t.Run("StoreAndFetch", func(t *testing.T) {
		assert.NoError(b.StoreResult(ctx, task.MessageID, []byte(`{"ok":true}`), time.Minute))

		result, err := b.Result(ctx, task.MessageID)
		assert.NoError(err)
		assert.JSONEq(`{"ok":true}`, string(result.Data))
		assert.NotNil(result.Expiry)
	})

	t.Run("Expired", func(t *testing.T) {
		// Write an expiry in the past directly
		var updated schema.MessageIDList
		assert.NoError(b.Conn().Update(ctx, &updated, schema.ResultStore{
			MessageID: task.MessageID,
			Data:      []byte(`{"ok":true}`),
			Expiry:    time.Now().Add(-time.Minute),
		}, nil))

		_, err := b.Result(ctx, task.MessageID)
		assert.ErrorIs(err, broker.ErrNoResult)
	})
}

////////////////////////////////////////////////////////////////////////////////
// STATUS TESTS

func Test_Broker_Status(t *testing.T) {
	assert := assert.New(t)
	conn := conn.Begin(t)
	defer conn.Close()
	ctx := context.TODO()

	b, err := broker.New(ctx, conn, broker.WithNamespace("test_status"))
	assert.NoError(err)
	defer b.Close(ctx)
	defer b.Flush(ctx, "st")

	task, err := b.Enqueue(ctx, "", schema.Message{
		ActorName: "st_actor",
		QueueName: "st",
		Payload:   json.RawMessage(`{}`),
	})
	assert.NoError(err)

	t.Run("GetTask", func(t *testing.T) {
		got, err := b.GetTask(ctx, task.MessageID)
		assert.NoError(err)
		assert.Equal(task.MessageID, got.MessageID)
	})

	t.Run("GetMissingTask", func(t *testing.T) {
		_, err := b.GetTask(ctx, "00000000-0000-0000-0000-0000000000fd")
		assert.ErrorIs(err, pg.ErrNotFound)
	})

	t.Run("ListByQueue", func(t *testing.T) {
		list, err := b.ListTasks(ctx, schema.TaskListRequest{Queue: "st"})
		assert.NoError(err)
		assert.Len(list.Body, 1)
	})

	t.Run("ListByState", func(t *testing.T) {
		list, err := b.ListTasks(ctx, schema.TaskListRequest{Queue: "st", State: string(schema.Queued)})
		assert.NoError(err)
		assert.Len(list.Body, 1)
	})

	t.Run("GlobalStatus", func(t *testing.T) {
		counts, err := b.GlobalStatus(ctx)
		assert.NoError(err)
		assert.GreaterOrEqual(counts.Get(string(schema.Queued)), uint64(1))
	})

	t.Run("QueueCounts", func(t *testing.T) {
		counts, err := b.QueueCounts(ctx)
		assert.NoError(err)
		var found bool
		for _, count := range counts.Body {
			if count.QueueName == "st" && count.State == schema.Queued {
				found = true
				assert.GreaterOrEqual(count.Count, uint64(1))
			}
		}
		assert.True(found)
	})

	t.Run("RetryNonTerminal", func(t *testing.T) {
		_, err := b.RetryTask(ctx, task.MessageID)
		assert.Error(err)
	})
}

////////////////////////////////////////////////////////////////////////////////
// TENANT TESTS

func Test_Broker_Tenants(t *testing.T) {
	assert := assert.New(t)
	conn := conn.Begin(t)
	defer conn.Close()
	ctx := context.TODO()

	b, err := broker.New(ctx, conn, broker.WithNamespace("test_tenants"))
	assert.NoError(err)
	defer b.Close(ctx)

	t.Run("Register", func(t *testing.T) {
		tenant, err := b.RegisterTenant(ctx, schema.Tenant{TenantID: "acme", Enabled: true})
		assert.NoError(err)
		assert.Equal("acme", tenant.TenantID)
		assert.True(tenant.Enabled)
	})

	t.Run("EnqueueForTenant", func(t *testing.T) {
		task, err := b.Enqueue(ctx, "acme", schema.Message{
			ActorName: "tenant_actor",
			QueueName: "tn",
			Payload:   json.RawMessage(`{}`),
		})
		assert.NoError(err)
		assert.Equal("acme", task.TenantID)

		list, err := b.ListTasks(ctx, schema.TaskListRequest{TenantID: "acme"})
		assert.NoError(err)
		assert.GreaterOrEqual(len(list.Body), 1)

		_, err = b.Flush(ctx, "tn")
		assert.NoError(err)
	})

	t.Run("DisabledTenantNotListed", func(t *testing.T) {
		_, err := b.RegisterTenant(ctx, schema.Tenant{TenantID: "dormant", Enabled: false})
		assert.NoError(err)

		tenants, err := b.ListTenants(ctx)
		assert.NoError(err)
		for _, tenant := range tenants.Body {
			assert.NotEqual("dormant", tenant.TenantID)
		}
	})
}

////////////////////////////////////////////////////////////////////////////////
// SCHEDULER TESTS

func Test_Broker_Scheduler(t *testing.T) {
	assert := assert.New(t)
	conn := conn.Begin(t)
	defer conn.Close()
	ctx := context.TODO()

	b, err := broker.New(ctx, conn, broker.WithNamespace("test_scheduler"))
	assert.NoError(err)
	defer b.Close(ctx)
	defer b.Flush(ctx, "sched_q")

	s := broker.NewScheduler(b)
	assert.NoError(s.Register(schema.Schedule{
		UID:     "sched-1",
		Crontab: "* * * * *",
		Actor:   "sched_actor",
		Queue:   "sched_q",
		Payload: json.RawMessage(`{"job":"sweep"}`),
	}))

	// Each tick fires once per enabled tenant, so scope assertions to the
	// default tenant
	t.Run("TickEnqueues", func(t *testing.T) {
		assert.NoError(s.Tick(ctx))

		list, err := b.ListTasks(ctx, schema.TaskListRequest{Queue: "sched_q", TenantID: schema.DefaultTenant})
		assert.NoError(err)
		assert.Len(list.Body, 1)
		assert.NotNil(list.Body[0].ScheduleUID)
		assert.Equal("sched-1", *list.Body[0].ScheduleUID)
	})

	t.Run("TickIsIdempotent", func(t *testing.T) {
		assert.NoError(s.Tick(ctx))
		assert.NoError(s.Tick(ctx))

		list, err := b.ListTasks(ctx, schema.TaskListRequest{Queue: "sched_q", TenantID: schema.DefaultTenant})
		assert.NoError(err)
		assert.Len(list.Body, 1)
	})

	t.Run("PausedDoesNotFire", func(t *testing.T) {
		assert.NoError(s.Register(schema.Schedule{
			UID:     "sched-paused",
			Crontab: "* * * * *",
			Actor:   "sched_actor",
			Queue:   "sched_q",
			Paused:  true,
		}))
		assert.NoError(s.Tick(ctx))

		list, err := b.ListTasks(ctx, schema.TaskListRequest{Queue: "sched_q", TenantID: schema.DefaultTenant})
		assert.NoError(err)
		assert.Len(list.Body, 1)
	})
}

////////////////////////////////////////////////////////////////////////////////
// WORKER TESTS

func Test_Broker_Worker(t *testing.T) {
	assert := assert.New(t)
	conn := conn.Begin(t)
	defer conn.Close()
	ctx := context.TODO()

	b, err := broker.New(ctx, conn,
		broker.WithNamespace("test_worker"),
		broker.WithWorkers(2),
		broker.WithWorkerName("test-worker"),
	)
	assert.NoError(err)
	defer b.Close(ctx)
	defer b.Flush(ctx, "echo", "fail")

	processed := make(chan string, 8)
	registry := broker.NewRegistry()
	assert.NoError(registry.Register(broker.Actor{
		Name:         "echo",
		StoreResults: true,
		Handler: func(ctx context.Context, payload json.RawMessage) (any, error) {
			processed <- string(payload)
			return map[string]string{"echo": string(payload)}, nil
		},
	}))
	assert.NoError(registry.Register(broker.Actor{
		Name: "fail",
		Handler: func(ctx context.Context, payload json.RawMessage) (any, error) {
			return nil, errors.New("always fails")
		},
	}))

	worker, err := broker.NewWorker(b, registry)
	assert.NoError(err)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		done <- worker.Run(runCtx)
	}()

	t.Run("ProcessToDone", func(t *testing.T) {
		task, err := b.Enqueue(ctx, "", schema.Message{
			ActorName: "echo",
			Payload:   json.RawMessage(`{"hello":"world"}`),
		})
		assert.NoError(err)

		select {
		case payload := <-processed:
			assert.JSONEq(`{"hello":"world"}`, payload)
		case <-time.After(10 * time.Second):
			t.Fatal("task was not processed")
		}

		joinCtx, joinCancel := context.WithTimeout(ctx, 10*time.Second)
		defer joinCancel()
		assert.NoError(b.Join(joinCtx, "echo"))

		got, err := b.GetTask(ctx, task.MessageID)
		assert.NoError(err)
		assert.Equal(schema.Done, got.State)

		result, err := b.Result(ctx, task.MessageID)
		assert.NoError(err)
		assert.JSONEq(`{"echo":"{\"hello\":\"world\"}"}`, string(result.Data))
	})

	t.Run("ExhaustedToDeadLetter", func(t *testing.T) {
		task, err := b.Enqueue(ctx, "", schema.Message{
			ActorName: "fail",
			Payload:   json.RawMessage(`{}`),
		})
		assert.NoError(err)

		joinCtx, joinCancel := context.WithTimeout(ctx, 10*time.Second)
		defer joinCancel()
		assert.NoError(b.Join(joinCtx, "fail"))

		got, err := b.GetTask(ctx, task.MessageID)
		assert.NoError(err)
		assert.Equal(schema.Rejected, got.State)
		assert.Equal(schema.DeadLetterName("fail"), got.QueueName)
		assert.Equal(schema.LevelError, schema.WorstLevel(got.Logs))
	})

	t.Run("Heartbeat", func(t *testing.T) {
		workers, err := b.ListWorkers(ctx)
		assert.NoError(err)
		assert.GreaterOrEqual(len(workers.Body), 1)
	})

	t.Run("RetryFromDeadLetter", func(t *testing.T) {
		list, err := b.ListTasks(ctx, schema.TaskListRequest{Queue: schema.DeadLetterName("fail")})
		assert.NoError(err)
		if !assert.Len(list.Body, 1) {
			return
		}

		task, err := b.RetryTask(ctx, list.Body[0].MessageID)
		assert.NoError(err)
		assert.Equal("fail", task.QueueName)
		assert.Equal(schema.Queued, task.State)

		// It fails again and returns to the dead-letter queue
		joinCtx, joinCancel := context.WithTimeout(ctx, 10*time.Second)
		defer joinCancel()
		assert.NoError(b.Join(joinCtx, "fail"))
	})

	cancel()
	select {
	case err := <-done:
		assert.NoError(err)
	case <-time.After(10 * time.Second):
		t.Fatal("worker did not stop")
	}
}

////////////////////////////////////////////////////////////////////////////////
// GARBAGE COLLECTION TESTS

func Test_Broker_GC(t *testing.T) {
	assert := assert.New(t)
	conn := conn.Begin(t)
	defer conn.Close()
	ctx := context.TODO()

	b, err := broker.New(ctx, conn,
		broker.WithNamespace("test_gc"),
		broker.WithWorkers(1),
		broker.WithRetention(time.Millisecond),
	)
	assert.NoError(err)
	defer b.Close(ctx)
	defer b.Flush(ctx, "gc_fail", "gc_pinned")

	registry := broker.NewRegistry()
	assert.NoError(registry.Register(broker.Actor{
		Name: "gc_fail",
		Handler: func(ctx context.Context, payload json.RawMessage) (any, error) {
			return nil, errors.New("always fails")
		},
	}))
	assert.NoError(registry.Register(broker.Actor{
		Name:         "gc_pinned",
		StoreResults: true,
		ResultTTL:    time.Hour,
		Handler: func(ctx context.Context, payload json.RawMessage) (any, error) {
			return map[string]bool{"ok": true}, nil
		},
	}))

	worker, err := broker.NewWorker(b, registry)
	assert.NoError(err)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		done <- worker.Run(runCtx)
	}()

	// Drive both tasks to a terminal state
	failed, err := b.Enqueue(ctx, "", schema.Message{ActorName: "gc_fail", Payload: json.RawMessage(`{}`)})
	assert.NoError(err)
	pinned, err := b.Enqueue(ctx, "", schema.Message{ActorName: "gc_pinned", Payload: json.RawMessage(`{}`)})
	assert.NoError(err)

	for _, queue := range []string{"gc_fail", "gc_pinned"} {
		joinCtx, joinCancel := context.WithTimeout(ctx, 10*time.Second)
		assert.NoError(b.Join(joinCtx, queue))
		joinCancel()
	}
	cancel()
	<-done

	// Let retention elapse
	time.Sleep(50 * time.Millisecond)

	t.Run("PurgeRemovesExpiredTerminal", func(t *testing.T) {
		purged, err := broker.NewGC(b).Purge(ctx)
		assert.NoError(err)
		assert.GreaterOrEqual(purged, 1)

		_, err = b.GetTask(ctx, failed.MessageID)
		assert.ErrorIs(err, pg.ErrNotFound)
	})

	t.Run("LiveResultPinsRow", func(t *testing.T) {
		got, err := b.GetTask(ctx, pinned.MessageID)
		assert.NoError(err)
		assert.Equal(schema.Done, got.State)
	})
}

////////////////////////////////////////////////////////////////////////////////
// CLAIM TESTS

func Test_Broker_ClaimFencing(t *testing.T) {
	assert := assert.New(t)
	conn := conn.Begin(t)
	defer conn.Close()
	ctx := context.TODO()

	b1, err := broker.New(ctx, conn, broker.WithNamespace("test_claim"))
	assert.NoError(err)
	defer b1.Close(ctx)
	defer b1.Flush(ctx, "cf")

	b2, err := broker.New(ctx, conn, broker.WithNamespace("test_claim"))
	assert.NoError(err)
	defer b2.Close(ctx)

	c1, err := broker.NewConsumer(b1, "cf")
	assert.NoError(err)
	c2, err := broker.NewConsumer(b2, "cf")
	assert.NoError(err)

	task, err := b1.Enqueue(ctx, "", schema.Message{
		ActorName: "cf_actor",
		QueueName: "cf",
		Payload:   json.RawMessage(`{}`),
	})
	assert.NoError(err)
	pending := schema.PendingTask{MessageID: task.MessageID, QueueName: "cf"}

	// Race claims across both lock sessions; exactly one may win
	var mu sync.Mutex
	var wins []*broker.Delivery
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		consumer := c1
		if i%2 == 1 {
			consumer = c2
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := consumer.Claim(ctx, pending)
			assert.NoError(err)
			if d != nil {
				mu.Lock()
				wins = append(wins, d)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(wins, 1)

	t.Run("ConsumedNotClaimable", func(t *testing.T) {
		d, err := c2.Claim(ctx, pending)
		assert.NoError(err)
		assert.Nil(d)
	})

	t.Run("TerminalNotClaimable", func(t *testing.T) {
		assert.NoError(wins[0].Ack(ctx))
		d, err := c2.Claim(ctx, pending)
		assert.NoError(err)
		assert.Nil(d)
	})

	t.Run("ClaimableAfterRequeue", func(t *testing.T) {
		requeued, err := b1.Requeue(ctx, task.MessageID)
		assert.NoError(err)
		assert.Equal(1, requeued)

		d, err := c2.Claim(ctx, pending)
		assert.NoError(err)
		assert.NotNil(d)
		if d != nil {
			d.Release(ctx)
		}
	})
}

func Test_Broker_SharedSessionFencing(t *testing.T) {
	assert := assert.New(t)
	conn := conn.Begin(t)
	defer conn.Close()
	ctx := context.TODO()

	b, err := broker.New(ctx, conn, broker.WithNamespace("test_fence"))
	assert.NoError(err)
	defer b.Close(ctx)
	defer b.Flush(ctx, "fs")

	// Two consumers of one broker share the lock session, where advisory
	// locks are re-entrant; the broker's claim table must fence them
	cA, err := broker.NewConsumer(b, "fs")
	assert.NoError(err)
	cB, err := broker.NewConsumer(b, "fs")
	assert.NoError(err)

	task, err := b.Enqueue(ctx, "", schema.Message{
		ActorName: "fs_actor",
		QueueName: "fs",
		Payload:   json.RawMessage(`{}`),
	})
	assert.NoError(err)
	pending := schema.PendingTask{MessageID: task.MessageID, QueueName: "fs"}

	dA, err := cA.Claim(ctx, pending)
	assert.NoError(err)
	assert.NotNil(dA)

	// Requeue mid-flight, then attempt a second claim on the same session
	requeued, err := b.Requeue(ctx, task.MessageID)
	assert.NoError(err)
	assert.Equal(1, requeued)

	dB, err := cB.Claim(ctx, pending)
	assert.NoError(err)
	assert.Nil(dB)

	// Once the first claim is released the task is claimable again
	dA.Release(ctx)
	dB, err = cB.Claim(ctx, pending)
	assert.NoError(err)
	assert.NotNil(dB)
	if dB != nil {
		dB.Release(ctx)
	}
}

func Test_Broker_JoinTimeout(t *testing.T) {
	assert := assert.New(t)
	conn := conn.Begin(t)
	defer conn.Close()
	ctx := context.TODO()

	b, err := broker.New(ctx, conn, broker.WithNamespace("test_join"))
	assert.NoError(err)
	defer b.Close(ctx)
	defer b.Flush(ctx, "jt")

	c, err := broker.NewConsumer(b, "jt")
	assert.NoError(err)

	task, err := b.Enqueue(ctx, "", schema.Message{
		ActorName: "jt_actor",
		QueueName: "jt",
		Payload:   json.RawMessage(`{}`),
	})
	assert.NoError(err)

	// Claim but never settle, so the queue cannot drain
	d, err := c.Claim(ctx, schema.PendingTask{MessageID: task.MessageID, QueueName: "jt"})
	assert.NoError(err)
	assert.NotNil(d)
	defer d.Release(ctx)

	tctx, tcancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer tcancel()
	err = b.Join(tctx, "jt")
	assert.ErrorIs(err, broker.ErrJoinTimeout)
	assert.ErrorIs(err, context.DeadlineExceeded)
}

func Test_Broker_DelayedVisibility(t *testing.T) {
	assert := assert.New(t)
	conn := conn.Begin(t)
	defer conn.Close()
	ctx := context.TODO()

	b, err := broker.New(ctx, conn, broker.WithNamespace("test_delayed"))
	assert.NoError(err)
	defer b.Close(ctx)
	defer b.Flush(ctx, "dv")

	c, err := broker.NewConsumer(b, "dv")
	assert.NoError(err)

	eta := time.Now().Add(300 * time.Millisecond)
	task, err := b.Enqueue(ctx, "", schema.Message{
		ActorName: "dv_actor",
		QueueName: "dv",
		Payload:   json.RawMessage(`{}`),
		Options:   schema.Options{ETA: &eta},
	})
	assert.NoError(err)
	assert.Equal(schema.DelayedName("dv"), task.QueueName)
	pending := schema.PendingTask{MessageID: task.MessageID, QueueName: task.QueueName}

	// Not claimable before the eta
	d, err := c.Claim(ctx, pending)
	assert.NoError(err)
	assert.Nil(d)

	// Claimable once the eta has passed
	time.Sleep(time.Until(eta) + 100*time.Millisecond)
	d, err = c.Claim(ctx, pending)
	assert.NoError(err)
	assert.NotNil(d)
	if d != nil {
		d.Release(ctx)
	}
}

func Test_Broker_MissedNotifications(t *testing.T) {
	assert := assert.New(t)
	conn := conn.Begin(t)
	defer conn.Close()
	ctx := context.TODO()

	b, err := broker.New(ctx, conn, broker.WithNamespace("test_rescan"))
	assert.NoError(err)
	defer b.Close(ctx)
	defer b.Flush(ctx, "mr")

	// Enqueue before any consumer is listening, so the notifications are
	// lost; the rescan must recover both tasks from the table
	t1, err := b.Enqueue(ctx, "", schema.Message{ActorName: "mr_actor", QueueName: "mr", Payload: json.RawMessage(`{}`)})
	assert.NoError(err)
	t2, err := b.Enqueue(ctx, "", schema.Message{ActorName: "mr_actor", QueueName: "mr", Payload: json.RawMessage(`{}`)})
	assert.NoError(err)

	c, err := broker.NewConsumer(b, "mr")
	assert.NoError(err)
	assert.NoError(c.Rescan(ctx))
	assert.Equal(2, c.Pending())

	for _, task := range []string{t1.MessageID, t2.MessageID} {
		d, err := c.Claim(ctx, schema.PendingTask{MessageID: task, QueueName: "mr"})
		assert.NoError(err)
		assert.NotNil(d)
		if d != nil {
			assert.NoError(d.Ack(ctx))
		}
	}
}

func Test_Broker_AckError(t *testing.T) {
	assert := assert.New(t)
	conn := conn.Begin(t)
	defer conn.Close()
	ctx := context.TODO()

	b, err := broker.New(ctx, conn, broker.WithNamespace("test_ackerr"))
	assert.NoError(err)
	defer b.Close(ctx)
	defer b.Flush(ctx, "ae")

	c, err := broker.NewConsumer(b, "ae")
	assert.NoError(err)

	task, err := b.Enqueue(ctx, "", schema.Message{
		ActorName: "ae_actor",
		QueueName: "ae",
		Payload:   json.RawMessage(`{}`),
	})
	assert.NoError(err)

	d, err := c.Claim(ctx, schema.PendingTask{MessageID: task.MessageID, QueueName: "ae"})
	assert.NoError(err)
	assert.NotNil(d)

	// A settlement which cannot reach the database surfaces its error
	canceled, cancel := context.WithCancel(ctx)
	cancel()
	assert.Error(d.Ack(canceled))
}

////////////////////////////////////////////////////////////////////////////////
// SCHEDULE DEDUPE TESTS

func Test_Broker_ScheduleLastStable(t *testing.T) {
	assert := assert.New(t)
	conn := conn.Begin(t)
	defer conn.Close()
	ctx := context.TODO()

	b, err := broker.New(ctx, conn, broker.WithNamespace("test_schedlast"))
	assert.NoError(err)
	defer b.Close(ctx)
	defer b.Flush(ctx, "sl")

	task, err := b.Enqueue(ctx, "", schema.Message{
		ActorName: "sl_actor",
		QueueName: "sl",
		Payload:   json.RawMessage(`{}`),
		Options:   schema.Options{ScheduleUID: "sl-1"},
	})
	assert.NoError(err)

	var before schema.LastRun
	assert.NoError(b.Conn().Get(ctx, &before, schema.ScheduleLast{ScheduleUID: "sl-1", TenantID: schema.DefaultTenant}))

	// Bump mtime the way a claim or dead-letter move would; the dedupe
	// point must not shift
	var moved schema.MessageIDList
	assert.NoError(b.Conn().Update(ctx, &moved, schema.TaskMove{MessageID: task.MessageID, QueueName: "sl"}, nil))

	var after schema.LastRun
	assert.NoError(b.Conn().Get(ctx, &after, schema.ScheduleLast{ScheduleUID: "sl-1", TenantID: schema.DefaultTenant}))
	assert.True(after.EnqueuedAt.Equal(before.EnqueuedAt))
}
