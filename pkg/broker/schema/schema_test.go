package schema_test

import (
	"testing"
	"time"

	// Packages
	schema "github.com/goauthentik/authentik-sub008/pkg/broker/schema"
	assert "github.com/stretchr/testify/assert"
)

////////////////////////////////////////////////////////////////////////////////
// NAMING TESTS

func Test_Schema_QueueNames(t *testing.T) {
	assert := assert.New(t)

	t.Run("Delayed", func(t *testing.T) {
		assert.Equal("emails.DQ", schema.DelayedName("emails"))
	})

	t.Run("DeadLetter", func(t *testing.T) {
		assert.Equal("emails.XQ", schema.DeadLetterName("emails"))
	})

	t.Run("Base", func(t *testing.T) {
		assert.Equal("emails", schema.BaseName("emails"))
		assert.Equal("emails", schema.BaseName("emails.DQ"))
		assert.Equal("emails", schema.BaseName("emails.XQ"))
	})

	t.Run("Channel", func(t *testing.T) {
		assert.Equal("ns.emails.enqueue", schema.ChannelName("ns", "emails"))
	})

	t.Run("Lock", func(t *testing.T) {
		assert.Equal("ns.emails.lock.id", schema.LockName("ns", "emails", "id"))
	})

	t.Run("SchedulerLock", func(t *testing.T) {
		assert.Equal("ns.scheduler.lock.default", schema.SchedulerLockName("ns", "default"))
	})
}

////////////////////////////////////////////////////////////////////////////////
// STATE TESTS

func Test_Schema_TaskState(t *testing.T) {
	assert := assert.New(t)

	t.Run("Terminal", func(t *testing.T) {
		assert.True(schema.Done.IsTerminal())
		assert.True(schema.Rejected.IsTerminal())
	})

	t.Run("NonTerminal", func(t *testing.T) {
		assert.False(schema.Queued.IsTerminal())
		assert.False(schema.Consumed.IsTerminal())
	})
}

func Test_Schema_AggregatedStatus(t *testing.T) {
	assert := assert.New(t)

	t.Run("NonDonePassesThrough", func(t *testing.T) {
		task := schema.Task{State: schema.Queued}
		assert.Equal("queued", task.AggregatedStatus())

		task.State = schema.Rejected
		assert.Equal("rejected", task.AggregatedStatus())
	})

	t.Run("DoneWithoutLogs", func(t *testing.T) {
		task := schema.Task{State: schema.Done}
		assert.Equal("done", task.AggregatedStatus())
	})

	t.Run("DoneSurfacesWorstLevel", func(t *testing.T) {
		task := schema.Task{State: schema.Done, Logs: []schema.LogEntry{
			{Level: schema.LevelInfo, Message: "started"},
			{Level: schema.LevelWarning, Message: "slow"},
		}}
		assert.Equal(schema.LevelWarning, task.AggregatedStatus())

		task.Logs = append(task.Logs, schema.LogEntry{Level: schema.LevelError, Message: "failed"})
		assert.Equal(schema.LevelError, task.AggregatedStatus())
	})
}

func Test_Schema_WorstLevel(t *testing.T) {
	assert := assert.New(t)

	t.Run("Empty", func(t *testing.T) {
		assert.Equal("", schema.WorstLevel(nil))
	})

	t.Run("ErrorWins", func(t *testing.T) {
		assert.Equal(schema.LevelError, schema.WorstLevel([]schema.LogEntry{
			{Level: schema.LevelError},
			{Level: schema.LevelInfo},
		}))
	})

	t.Run("WarningOverInfo", func(t *testing.T) {
		assert.Equal(schema.LevelWarning, schema.WorstLevel([]schema.LogEntry{
			{Level: schema.LevelInfo},
			{Level: schema.LevelWarning},
		}))
	})
}

////////////////////////////////////////////////////////////////////////////////
// SERIALIZER TESTS

func Test_Schema_JSONSerializer(t *testing.T) {
	assert := assert.New(t)
	serializer := schema.JSONSerializer{}

	t.Run("RoundTrip", func(t *testing.T) {
		eta := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
		msg := schema.Message{
			MessageID: "id-1",
			QueueName: "emails",
			ActorName: "send_email",
			Payload:   []byte(`{"to":"user@example.com"}`),
			Options: schema.Options{
				ETA:        &eta,
				MaxRetries: 3,
			},
		}

		data, err := serializer.Encode(&msg)
		assert.NoError(err)

		decoded, err := serializer.Decode(data)
		assert.NoError(err)
		assert.Equal(msg.MessageID, decoded.MessageID)
		assert.Equal(msg.ActorName, decoded.ActorName)
		assert.JSONEq(string(msg.Payload), string(decoded.Payload))
		assert.NotNil(decoded.Options.ETA)
		assert.True(eta.Equal(*decoded.Options.ETA))
		assert.Equal(3, decoded.Options.MaxRetries)
	})

	t.Run("DecodeInvalid", func(t *testing.T) {
		_, err := serializer.Decode([]byte("not json"))
		assert.Error(err)
	})
}
