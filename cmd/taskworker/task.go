package main

import (
	"encoding/json"
	"fmt"
	"time"

	// Packages
	pg "github.com/goauthentik/authentik-sub008"
	schema "github.com/goauthentik/authentik-sub008/pkg/broker/schema"
)

///////////////////////////////////////////////////////////////////////////////
// TYPES

type TaskCommands struct {
	Tasks     ListTasksCommand `cmd:"" name:"tasks" help:"List tasks with optional filters." group:"TASK"`
	Enqueue   EnqueueCommand   `cmd:"" name:"enqueue" help:"Enqueue a task for an actor." group:"TASK"`
	RetryTask RetryTaskCommand `cmd:"" name:"retry-task" help:"Retry a terminal task." group:"TASK"`
	Flush     FlushCommand     `cmd:"" name:"flush" help:"Delete tasks from queues." group:"TASK"`
	Status    StatusCommand    `cmd:"" name:"status" help:"Show aggregated task counts." group:"TASK"`
	Workers   WorkersCommand   `cmd:"" name:"workers" help:"List known workers." group:"TASK"`
}

type ListTasksCommand struct {
	Queue  string `name:"queue" help:"Filter by queue name"`
	State  string `name:"state" help:"Filter by state (queued, consumed, done, rejected)"`
	Tenant string `name:"tenant" help:"Filter by tenant"`
	Offset uint64 `name:"offset" help:"Pagination offset" default:"0"`
	Limit  uint64 `name:"limit" help:"Pagination limit" default:"100"`
}

type EnqueueCommand struct {
	Actor   string        `arg:"" name:"actor" help:"Actor name"`
	Payload string        `name:"payload" help:"Message payload (JSON)"`
	Queue   string        `name:"queue" help:"Queue name (defaults to actor name)"`
	Delay   time.Duration `name:"delay" help:"Delay delivery by this duration"`
	Tenant  string        `name:"tenant" help:"Tenant (defaults to the default tenant)"`
}

type RetryTaskCommand struct {
	Id string `arg:"" name:"id" help:"Message id"`
}

type FlushCommand struct {
	Queues []string `arg:"" optional:"" name:"queues" help:"Queue names (all queues when empty)"`
}

type StatusCommand struct{}

type WorkersCommand struct{}

///////////////////////////////////////////////////////////////////////////////
// COMMANDS

func (cmd *ListTasksCommand) Run(ctx *Globals) error {
	b, conn, err := ctx.Broker()
	if err != nil {
		return err
	}
	defer conn.Close()
	defer b.Close(ctx.ctx)

	req := schema.TaskListRequest{
		Queue:    cmd.Queue,
		State:    cmd.State,
		TenantID: cmd.Tenant,
	}
	req.Offset = cmd.Offset
	req.Limit = &cmd.Limit

	tasks, err := b.ListTasks(ctx.ctx, req)
	if err != nil {
		return err
	}

	fmt.Println(tasks)
	return nil
}

func (cmd *EnqueueCommand) Run(ctx *Globals) error {
	b, conn, err := ctx.Broker()
	if err != nil {
		return err
	}
	defer conn.Close()
	defer b.Close(ctx.ctx)

	// Validate payload
	var payload json.RawMessage
	if cmd.Payload != "" {
		if !json.Valid([]byte(cmd.Payload)) {
			return pg.ErrBadParameter.With("invalid payload JSON")
		}
		payload = json.RawMessage(cmd.Payload)
	}

	msg := schema.Message{
		ActorName: cmd.Actor,
		QueueName: cmd.Queue,
		Payload:   payload,
	}
	if cmd.Delay > 0 {
		eta := time.Now().Add(cmd.Delay)
		msg.Options.ETA = &eta
	}

	task, err := b.Enqueue(ctx.ctx, cmd.Tenant, msg)
	if err != nil {
		return err
	}

	fmt.Println(task)
	return nil
}

func (cmd *RetryTaskCommand) Run(ctx *Globals) error {
	b, conn, err := ctx.Broker()
	if err != nil {
		return err
	}
	defer conn.Close()
	defer b.Close(ctx.ctx)

	task, err := b.RetryTask(ctx.ctx, cmd.Id)
	if err != nil {
		return err
	}

	fmt.Println(task)
	return nil
}

func (cmd *FlushCommand) Run(ctx *Globals) error {
	b, conn, err := ctx.Broker()
	if err != nil {
		return err
	}
	defer conn.Close()
	defer b.Close(ctx.ctx)

	var deleted int
	if len(cmd.Queues) == 0 {
		deleted, err = b.FlushAll(ctx.ctx)
	} else {
		deleted, err = b.Flush(ctx.ctx, cmd.Queues...)
	}
	if err != nil {
		return err
	}

	fmt.Println("deleted", deleted, "tasks")
	return nil
}

func (cmd *StatusCommand) Run(ctx *Globals) error {
	b, conn, err := ctx.Broker()
	if err != nil {
		return err
	}
	defer conn.Close()
	defer b.Close(ctx.ctx)

	counts, err := b.GlobalStatus(ctx.ctx)
	if err != nil {
		return err
	}

	fmt.Println(counts)
	return nil
}

func (cmd *WorkersCommand) Run(ctx *Globals) error {
	b, conn, err := ctx.Broker()
	if err != nil {
		return err
	}
	defer conn.Close()
	defer b.Close(ctx.ctx)

	workers, err := b.ListWorkers(ctx.ctx)
	if err != nil {
		return err
	}

	fmt.Println(workers)
	return nil
}
