package broker

import (
	"testing"
	"time"

	// Packages
	schema "github.com/goauthentik/authentik-sub008/pkg/broker/schema"
	cron "github.com/robfig/cron/v3"
	assert "github.com/stretchr/testify/assert"
)

////////////////////////////////////////////////////////////////////////////////
// FIRE TIME TESTS

func Test_Scheduler_PrevFire(t *testing.T) {
	assert := assert.New(t)
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

	t.Run("EveryMinute", func(t *testing.T) {
		spec, err := parser.Parse("* * * * *")
		assert.NoError(err)

		now := time.Date(2026, 8, 30, 12, 30, 30, 0, time.UTC)
		fired := prevFire(spec, now, time.Hour)
		assert.Equal(time.Date(2026, 8, 30, 12, 30, 0, 0, time.UTC), fired)
	})

	t.Run("OnTheBoundary", func(t *testing.T) {
		spec, err := parser.Parse("0 * * * *")
		assert.NoError(err)

		now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
		fired := prevFire(spec, now, time.Hour)
		assert.Equal(now, fired)
	})

	t.Run("NoFireInWindow", func(t *testing.T) {
		// Daily at midnight, midday window
		spec, err := parser.Parse("0 0 * * *")
		assert.NoError(err)

		now := time.Date(2026, 8, 30, 12, 30, 0, 0, time.UTC)
		fired := prevFire(spec, now, time.Hour)
		assert.True(fired.IsZero())
	})

	t.Run("MostRecentOfSeveral", func(t *testing.T) {
		spec, err := parser.Parse("*/15 * * * *")
		assert.NoError(err)

		now := time.Date(2026, 8, 30, 12, 50, 0, 0, time.UTC)
		fired := prevFire(spec, now, time.Hour)
		assert.Equal(time.Date(2026, 8, 30, 12, 45, 0, 0, time.UTC), fired)
	})
}

////////////////////////////////////////////////////////////////////////////////
// REGISTRATION TESTS

func Test_Scheduler_Register(t *testing.T) {
	assert := assert.New(t)
	s := NewScheduler(nil)

	t.Run("Valid", func(t *testing.T) {
		assert.NoError(s.Register(schema.Schedule{
			UID:     "cleanup",
			Crontab: "0 * * * *",
			Actor:   "cleanup_actor",
		}))
	})

	t.Run("QueueDefaultsToActor", func(t *testing.T) {
		assert.NoError(s.Register(schema.Schedule{
			UID:     "defaulted",
			Crontab: "* * * * *",
			Actor:   "some_actor",
		}))
		for _, sched := range s.snapshot() {
			if sched.UID == "defaulted" {
				assert.Equal("some_actor", sched.Queue)
			}
		}
	})

	t.Run("MissingUID", func(t *testing.T) {
		assert.Error(s.Register(schema.Schedule{Crontab: "* * * * *", Actor: "a"}))
	})

	t.Run("MissingActor", func(t *testing.T) {
		assert.Error(s.Register(schema.Schedule{UID: "x", Crontab: "* * * * *"}))
	})

	t.Run("BadCrontab", func(t *testing.T) {
		assert.Error(s.Register(schema.Schedule{UID: "y", Crontab: "not a crontab", Actor: "a"}))
	})

	t.Run("Duplicate", func(t *testing.T) {
		assert.Error(s.Register(schema.Schedule{UID: "cleanup", Crontab: "* * * * *", Actor: "a"}))
	})
}
