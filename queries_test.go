package pg_test

import (
	"strings"
	"testing"

	// Packages
	pg "github.com/goauthentik/authentik-sub008"
	assert "github.com/stretchr/testify/assert"
)

////////////////////////////////////////////////////////////////////////////////
// QUERIES TESTS

func Test_Queries_Parse(t *testing.T) {
	assert := assert.New(t)

	t.Run("Single", func(t *testing.T) {
		q, err := pg.NewQueries(strings.NewReader(`
-- broker.task_get
SELECT * FROM task
`))
		assert.NoError(err)
		assert.Equal([]string{"broker.task_get"}, q.Keys())
		assert.Equal("SELECT * FROM task", q.Get("broker.task_get"))
	})

	t.Run("Multiple", func(t *testing.T) {
		q, err := pg.NewQueries(strings.NewReader(`
-- first
SELECT 1

-- second
SELECT 2
`))
		assert.NoError(err)
		assert.Equal([]string{"first", "second"}, q.Keys())
		assert.Equal("SELECT 1", q.Get("first"))
		assert.Equal("SELECT 2", q.Get("second"))
	})

	t.Run("Multiline", func(t *testing.T) {
		q, err := pg.NewQueries(strings.NewReader(`
-- insert
INSERT INTO task (
  message_id
) VALUES (
  @message_id
)
`))
		assert.NoError(err)
		assert.Contains(q.Get("insert"), "INSERT INTO task")
		assert.Contains(q.Get("insert"), "@message_id")
	})

	t.Run("Duplicate", func(t *testing.T) {
		_, err := pg.NewQueries(strings.NewReader(`
-- dup
SELECT 1

-- dup
SELECT 2
`))
		assert.Error(err)
	})

	t.Run("MissingKey", func(t *testing.T) {
		q, err := pg.NewQueries(strings.NewReader(`
-- key
SELECT 1
`))
		assert.NoError(err)
		assert.Equal("", q.Get("missing"))
	})

	t.Run("CommentNotSeparator", func(t *testing.T) {
		// A comment with spaces in its text does not start a new statement
		q, err := pg.NewQueries(strings.NewReader(`
-- key
SELECT 1
-- not a separator
SELECT 2
`))
		assert.NoError(err)
		assert.Equal([]string{"key"}, q.Keys())
		assert.Contains(q.Get("key"), "SELECT 2")
	})
}
