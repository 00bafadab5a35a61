package broker

import (
	"context"
	"errors"

	// Packages
	pg "github.com/goauthentik/authentik-sub008"
	schema "github.com/goauthentik/authentik-sub008/pkg/broker/schema"
	pglock "github.com/goauthentik/authentik-sub008/pkg/pglock"
)

////////////////////////////////////////////////////////////////////////////////
// PUBLIC METHODS - TASKS

// GetTask returns a task by message id.
func (broker *Broker) GetTask(ctx context.Context, messageID string) (*schema.Task, error) {
	var task schema.Task
	if err := broker.conn.Get(ctx, &task, schema.TaskName(messageID)); err != nil {
		return nil, err
	}
	return &task, nil
}

// ListTasks returns tasks with optional filtering by state, queue and tenant.
func (broker *Broker) ListTasks(ctx context.Context, req schema.TaskListRequest) (*schema.TaskList, error) {
	var list schema.TaskList
	if err := broker.conn.List(ctx, &list, req); err != nil {
		return nil, err
	}
	return &list, nil
}

// RetryTask re-submits a terminal task with its stored message, moving it
// off the dead-letter queue when necessary. Non-terminal tasks cannot be
// retried, as they may still be in flight.
func (broker *Broker) RetryTask(ctx context.Context, messageID string) (*schema.Task, error) {
	task, err := broker.GetTask(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if !task.State.IsTerminal() {
		return nil, pg.ErrBadParameter.Withf("task %q is %s, not terminal", messageID, task.State)
	}

	// Move the task back to its base queue before requeueing
	if base := schema.BaseName(task.QueueName); base != task.QueueName {
		var moved schema.MessageIDList
		move := schema.TaskMove{MessageID: messageID, QueueName: base}
		if err := broker.conn.Update(ctx, &moved, move, nil); err != nil && !errors.Is(err, pg.ErrNotFound) {
			return nil, err
		}
	}

	if _, err := broker.Requeue(ctx, messageID); err != nil {
		return nil, err
	}
	return broker.GetTask(ctx, messageID)
}

// GlobalStatus returns aggregated task counts by status, where a done task
// reports the worst severity recorded in its execution log.
func (broker *Broker) GlobalStatus(ctx context.Context) (*schema.StatusCountList, error) {
	var counts schema.StatusCountList
	if err := broker.conn.List(ctx, &counts, schema.StatusCountRequest{}); err != nil {
		return nil, err
	}
	return &counts, nil
}

// QueueCounts returns task counts grouped by queue and state.
func (broker *Broker) QueueCounts(ctx context.Context) (*schema.QueueCountList, error) {
	var counts schema.QueueCountList
	if err := broker.conn.List(ctx, &counts, schema.QueueCountRequest{}); err != nil {
		return nil, err
	}
	return &counts, nil
}

////////////////////////////////////////////////////////////////////////////////
// PUBLIC METHODS - TENANTS

// RegisterTenant creates or updates a tenant.
func (broker *Broker) RegisterTenant(ctx context.Context, meta schema.Tenant) (*schema.Tenant, error) {
	var tenant schema.Tenant
	if err := broker.conn.Insert(ctx, &tenant, meta); err != nil {
		return nil, err
	}
	return &tenant, nil
}

// ListTenants returns all enabled tenants in stable order.
func (broker *Broker) ListTenants(ctx context.Context) (*schema.TenantList, error) {
	var list schema.TenantList
	if err := broker.conn.List(ctx, &list, schema.TenantListRequest{}); err != nil {
		return nil, err
	}
	return &list, nil
}

////////////////////////////////////////////////////////////////////////////////
// PUBLIC METHODS - WORKERS

// ListWorkers returns the status rows of known workers, most recent first.
func (broker *Broker) ListWorkers(ctx context.Context) (*schema.WorkerList, error) {
	var list schema.WorkerList
	if err := broker.conn.List(ctx, &list, schema.WorkerListRequest{}); err != nil {
		return nil, err
	}
	return &list, nil
}

// WorkerAlive probes the advisory lock held by a worker's heartbeat. Only
// meaningful for workers in other processes: a probe through the session
// which holds the lock re-enters it and reports the worker dead.
func (broker *Broker) WorkerAlive(ctx context.Context, workerID string) (bool, error) {
	key := pglock.KeyFor(schema.WorkerLockName(broker.ns, workerID))
	acquired, err := broker.locks.TryLock(ctx, key)
	if err != nil {
		return false, err
	}
	if acquired {
		broker.locks.Unlock(context.WithoutCancel(ctx), key)
		return false, nil
	}
	return true, nil
}
