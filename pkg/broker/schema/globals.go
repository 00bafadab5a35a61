package schema

import (
	"encoding/json"
	"strings"
	"time"
)

////////////////////////////////////////////////////////////////////////////////
// GLOBALS

const (
	SchemaName       = "broker"
	DefaultNamespace = "broker"
	DefaultTenant    = "default"
	TaskListLimit    = 100

	// Suffixes which route a logical queue to its delayed and dead-letter
	// sub-queues. All three share the task table.
	DelayedSuffix    = ".DQ"
	DeadLetterSuffix = ".XQ"

	// Defaults for the consumer loop
	ListenTimeout    = 30 * time.Second
	JoinInterval     = 100 * time.Millisecond
	RescanInterval   = 5 * time.Minute
	PurgeInterval    = time.Hour
	ScheduleTick     = time.Minute
	ScheduleLookback = time.Hour
	RetentionPeriod  = 30 * 24 * time.Hour
	ResultTTL        = 10 * time.Minute
)

////////////////////////////////////////////////////////////////////////////////
// PUBLIC METHODS

// DelayedName returns the delayed sub-queue name for a logical queue.
func DelayedName(queue string) string {
	return queue + DelayedSuffix
}

// DeadLetterName returns the dead-letter sub-queue name for a logical queue.
func DeadLetterName(queue string) string {
	return queue + DeadLetterSuffix
}

// BaseName strips the delayed or dead-letter suffix from a queue name.
func BaseName(queue string) string {
	queue = strings.TrimSuffix(queue, DelayedSuffix)
	return strings.TrimSuffix(queue, DeadLetterSuffix)
}

// ChannelName returns the notification channel for a queue, following the
// <namespace>.<queue>.enqueue convention.
func ChannelName(namespace, queue string) string {
	return namespace + "." + queue + ".enqueue"
}

// LockName returns the string from which a task's advisory lock key is
// derived, following the <namespace>.<queue>.lock.<message_id> convention.
func LockName(namespace, queue, messageId string) string {
	return namespace + "." + queue + ".lock." + messageId
}

// SchedulerLockName returns the lock name for a tenant-scoped scheduler run.
func SchedulerLockName(namespace, tenant string) string {
	return namespace + ".scheduler.lock." + tenant
}

// WorkerLockName returns the lock name for a worker status heartbeat.
func WorkerLockName(namespace, workerId string) string {
	return namespace + ".worker.lock." + workerId
}

////////////////////////////////////////////////////////////////////////////////
// STRINGIFY

func stringify[T any](v T) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err.Error()
	}
	return string(data)
}
