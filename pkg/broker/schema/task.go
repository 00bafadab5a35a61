package schema

import (
	"encoding/json"
	"strings"
	"time"

	// Packages
	pg "github.com/goauthentik/authentik-sub008"
)

////////////////////////////////////////////////////////////////////////////////
// TYPES

// TaskState is the lifecycle state of a task record.
type TaskState string

// TaskName selects a single task by message id.
type TaskName string

// TaskMeta carries the fields written on enqueue. The message id acts as the
// idempotency key, so a repeated insert resets the existing row to queued.
type TaskMeta struct {
	MessageID   string     `json:"message_id"`
	QueueName   string     `json:"queue_name"`
	ActorName   string     `json:"actor_name"`
	ETA         *time.Time `json:"eta,omitempty"`
	Message     []byte     `json:"-"`
	ScheduleUID *string    `json:"schedule_uid,omitempty"`
	TenantID    string     `json:"tenant_id,omitempty"`
	RelObjType  *string    `json:"rel_obj_type,omitempty"`
	RelObjID    *string    `json:"rel_obj_id,omitempty"`
}

type Task struct {
	MessageID    string     `json:"message_id"`
	QueueName    string     `json:"queue_name"`
	ActorName    string     `json:"actor_name"`
	State        TaskState  `json:"state"`
	MTime        time.Time  `json:"mtime"`
	ETA          *time.Time `json:"eta,omitempty"`
	ResultExpiry *time.Time `json:"result_expiry,omitempty"`
	ScheduleUID  *string    `json:"schedule_uid,omitempty"`
	TenantID     string     `json:"tenant_id"`
	RelObjType   *string    `json:"rel_obj_type,omitempty"`
	RelObjID     *string    `json:"rel_obj_id,omitempty"`
	Message      []byte     `json:"-"`
	Logs         []LogEntry `json:"messages,omitempty"`
}

type TaskListRequest struct {
	pg.OffsetLimit
	State    string `json:"state,omitempty"`
	Queue    string `json:"queue,omitempty"`
	TenantID string `json:"tenant_id,omitempty"`
}

type TaskList struct {
	TaskListRequest
	Count uint64 `json:"count"`
	Body  []Task `json:"body,omitempty"`
}

// TaskPostProcess transitions a claimed task to a terminal or requeued state,
// preserving its execution log. Rows which were re-enqueued whilst being
// processed are left untouched.
type TaskPostProcess struct {
	MessageID string     `json:"message_id"`
	QueueName string     `json:"queue_name"`
	State     TaskState  `json:"state"`
	Message   []byte     `json:"-"`
	Logs      []LogEntry `json:"messages,omitempty"`
}

// TaskRequeue resets a set of tasks to queued, firing the enqueue trigger.
type TaskRequeue struct {
	MessageIDs []string `json:"message_ids"`
}

// TaskPending selects claimable message ids across a set of queues,
// excluding ids already tracked by the caller.
type TaskPending struct {
	Queues  []string  `json:"queues"`
	MaxETA  time.Time `json:"max_eta"`
	Exclude []string  `json:"exclude,omitempty"`
}

// TaskMove reassigns a task to another queue without touching its state,
// used to shift exhausted tasks onto the dead-letter queue.
type TaskMove struct {
	MessageID string `json:"message_id"`
	QueueName string `json:"queue_name"`
}

// TaskFlush deletes all tasks on the named queues. With no queues named,
// every task is deleted.
type TaskFlush struct {
	Queues []string `json:"queues,omitempty"`
}

// ActiveCount selects the number of non-terminal tasks on a queue.
type ActiveCount struct {
	Queue string `json:"queue"`
}

// TaskPurge deletes terminal tasks past retention whose results have expired.
type TaskPurge struct {
	Before time.Time `json:"before"`
}

// MessageIDList accumulates message ids from queries which return them.
type MessageIDList []string

// PendingTask is a claimable task reference from a pending scan.
type PendingTask struct {
	MessageID string `json:"message_id"`
	QueueName string `json:"queue_name"`
}

// PendingTaskList accumulates pending task references.
type PendingTaskList []PendingTask

// Count scans a single COUNT(*) result.
type Count uint64

////////////////////////////////////////////////////////////////////////////////
// GLOBALS

const (
	Queued   TaskState = "queued"
	Consumed TaskState = "consumed"
	Done     TaskState = "done"
	Rejected TaskState = "rejected"
)

////////////////////////////////////////////////////////////////////////////////
// STRINGIFY

func (t Task) String() string {
	return stringify(t)
}

func (t TaskMeta) String() string {
	return stringify(t)
}

func (t TaskList) String() string {
	return stringify(t)
}

////////////////////////////////////////////////////////////////////////////////
// PUBLIC METHODS

// IsTerminal returns true when no further transitions are possible.
func (s TaskState) IsTerminal() bool {
	return s == Done || s == Rejected
}

// AggregatedStatus folds the task state and execution log into a single
// status for reporting. A done task surfaces the worst log severity.
func (t Task) AggregatedStatus() string {
	if t.State != Done {
		return string(t.State)
	}
	if worst := WorstLevel(t.Logs); worst != "" {
		return worst
	}
	return string(Done)
}

////////////////////////////////////////////////////////////////////////////////
// READER

func (t *Task) Scan(row pg.Row) error {
	return row.Scan(
		&t.MessageID, &t.QueueName, &t.ActorName, &t.State, &t.MTime, &t.ETA,
		&t.ResultExpiry, &t.ScheduleUID, &t.TenantID, &t.RelObjType, &t.RelObjID,
		&t.Message, &t.Logs,
	)
}

func (l *TaskList) Scan(row pg.Row) error {
	var task Task
	if err := task.Scan(row); err != nil {
		return err
	}
	l.Body = append(l.Body, task)
	return nil
}

func (l *TaskList) ScanCount(row pg.Row) error {
	return row.Scan(&l.Count)
}

func (l *MessageIDList) Scan(row pg.Row) error {
	var id string
	if err := row.Scan(&id); err != nil {
		return err
	}
	*l = append(*l, id)
	return nil
}

func (l *PendingTaskList) Scan(row pg.Row) error {
	var pending PendingTask
	if err := row.Scan(&pending.MessageID, &pending.QueueName); err != nil {
		return err
	}
	*l = append(*l, pending)
	return nil
}

func (c *Count) Scan(row pg.Row) error {
	return row.Scan(c)
}

////////////////////////////////////////////////////////////////////////////////
// WRITER

func (t TaskMeta) Insert(bind *pg.Bind) (string, error) {
	if t.MessageID == "" {
		return "", pg.ErrBadParameter.With("missing message_id")
	}
	if t.QueueName == "" {
		return "", pg.ErrBadParameter.With("missing queue_name")
	}
	if t.ActorName == "" {
		return "", pg.ErrBadParameter.With("missing actor_name")
	}
	if len(t.Message) == 0 {
		return "", pg.ErrBadParameter.With("missing message")
	}
	bind.Set("message_id", t.MessageID)
	bind.Set("queue_name", t.QueueName)
	bind.Set("actor_name", t.ActorName)
	bind.Set("message", t.Message)
	bind.Set("schedule_uid", t.ScheduleUID)
	bind.Set("rel_obj_type", t.RelObjType)
	bind.Set("rel_obj_id", t.RelObjID)
	if t.ETA != nil {
		bind.Set("eta", t.ETA.UTC())
	} else {
		bind.Set("eta", nil)
	}
	if t.TenantID != "" {
		bind.Set("tenant_id", t.TenantID)
	} else {
		bind.Set("tenant_id", DefaultTenant)
	}
	return bind.Replace("${broker.task_upsert}"), nil
}

func (t TaskMeta) Update(bind *pg.Bind) error {
	return pg.ErrNotImplemented.With("TaskMeta update")
}

////////////////////////////////////////////////////////////////////////////////
// SELECTOR

func (t TaskName) Select(bind *pg.Bind, op pg.Op) (string, error) {
	if t == "" {
		return "", pg.ErrBadParameter.With("missing message_id")
	}
	bind.Set("message_id", string(t))
	switch op {
	case pg.Get:
		return bind.Replace("${broker.task_get}"), nil
	default:
		return "", pg.ErrNotImplemented.Withf("unsupported TaskName operation %q", op)
	}
}

func (l TaskListRequest) Select(bind *pg.Bind, op pg.Op) (string, error) {
	var where []string
	if l.State != "" {
		where = append(where, `"state"=`+bind.Set("state", l.State))
	}
	if l.Queue != "" {
		where = append(where, `"queue_name"=`+bind.Set("queue_name", l.Queue))
	}
	if l.TenantID != "" {
		where = append(where, `"tenant_id"=`+bind.Set("tenant_id", l.TenantID))
	}
	if len(where) == 0 {
		bind.Set("where", "")
	} else {
		bind.Set("where", "WHERE "+strings.Join(where, " AND "))
	}
	l.OffsetLimit.Bind(bind, TaskListLimit)

	switch op {
	case pg.List:
		return bind.Replace("${broker.task_list}"), nil
	default:
		return "", pg.ErrNotImplemented.Withf("unsupported TaskListRequest operation %q", op)
	}
}

func (t TaskPostProcess) Select(bind *pg.Bind, op pg.Op) (string, error) {
	if t.MessageID == "" {
		return "", pg.ErrBadParameter.With("missing message_id")
	}
	if t.QueueName == "" {
		return "", pg.ErrBadParameter.With("missing queue_name")
	}
	if !t.State.IsTerminal() && t.State != Queued {
		return "", pg.ErrBadParameter.Withf("invalid post-process state %q", t.State)
	}
	logs, err := json.Marshal(t.Logs)
	if err != nil {
		return "", err
	}
	bind.Set("message_id", t.MessageID)
	bind.Set("queue_name", t.QueueName)
	bind.Set("state", string(t.State))
	bind.Set("message", t.Message)
	bind.Set("messages", string(logs))

	switch op {
	case pg.Update:
		return bind.Replace("${broker.task_post_process}"), nil
	default:
		return "", pg.ErrNotImplemented.Withf("unsupported TaskPostProcess operation %q", op)
	}
}

func (t TaskRequeue) Select(bind *pg.Bind, op pg.Op) (string, error) {
	if len(t.MessageIDs) == 0 {
		return "", pg.ErrBadParameter.With("missing message_ids")
	}
	bind.Set("message_ids", t.MessageIDs)
	switch op {
	case pg.Update:
		return bind.Replace("${broker.task_requeue}"), nil
	default:
		return "", pg.ErrNotImplemented.Withf("unsupported TaskRequeue operation %q", op)
	}
}

func (t TaskPending) Select(bind *pg.Bind, op pg.Op) (string, error) {
	if len(t.Queues) == 0 {
		return "", pg.ErrBadParameter.With("missing queues")
	}
	if t.MaxETA.IsZero() {
		t.MaxETA = time.Now()
	}
	// A nil exclude list would make ANY(NULL) filter every row
	if t.Exclude == nil {
		t.Exclude = []string{}
	}
	bind.Set("queue_names", t.Queues)
	bind.Set("max_eta", t.MaxETA.UTC())
	bind.Set("exclude", t.Exclude)

	switch op {
	case pg.List:
		return bind.Replace("${broker.task_pending}"), nil
	default:
		return "", pg.ErrNotImplemented.Withf("unsupported TaskPending operation %q", op)
	}
}

func (t TaskMove) Select(bind *pg.Bind, op pg.Op) (string, error) {
	if t.MessageID == "" {
		return "", pg.ErrBadParameter.With("missing message_id")
	}
	if t.QueueName == "" {
		return "", pg.ErrBadParameter.With("missing queue_name")
	}
	bind.Set("message_id", t.MessageID)
	bind.Set("queue_name", t.QueueName)
	switch op {
	case pg.Update:
		return bind.Replace("${broker.task_move}"), nil
	default:
		return "", pg.ErrNotImplemented.Withf("unsupported TaskMove operation %q", op)
	}
}

func (t TaskFlush) Select(bind *pg.Bind, op pg.Op) (string, error) {
	switch op {
	case pg.Delete:
		if len(t.Queues) == 0 {
			return bind.Replace("${broker.task_flush_all}"), nil
		}
		bind.Set("queue_names", t.Queues)
		return bind.Replace("${broker.task_flush}"), nil
	default:
		return "", pg.ErrNotImplemented.Withf("unsupported TaskFlush operation %q", op)
	}
}

func (c ActiveCount) Select(bind *pg.Bind, op pg.Op) (string, error) {
	if c.Queue == "" {
		return "", pg.ErrBadParameter.With("missing queue")
	}
	bind.Set("queue_name", c.Queue)
	switch op {
	case pg.Get:
		return bind.Replace("${broker.task_active_count}"), nil
	default:
		return "", pg.ErrNotImplemented.Withf("unsupported ActiveCount operation %q", op)
	}
}

func (t TaskPurge) Select(bind *pg.Bind, op pg.Op) (string, error) {
	if t.Before.IsZero() {
		return "", pg.ErrBadParameter.With("missing purge horizon")
	}
	bind.Set("mtime_before", t.Before.UTC())
	switch op {
	case pg.Delete:
		return bind.Replace("${broker.task_purge}"), nil
	default:
		return "", pg.ErrNotImplemented.Withf("unsupported TaskPurge operation %q", op)
	}
}
