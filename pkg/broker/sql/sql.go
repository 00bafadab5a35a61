// Package sql embeds the object and query SQL for the broker schema.
package sql

import _ "embed"

var (
	//go:embed objects.sql
	Objects string

	//go:embed queries.sql
	Queries string
)
