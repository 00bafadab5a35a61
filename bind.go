package pg

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"strings"
	"sync"

	// Packages
	pgx "github.com/jackc/pgx/v5"
)

///////////////////////////////////////////////////////////////////////////////
// TYPES

// Bind represents a set of variables and arguments to be used in a query.
// The vars are substituted in the query string itself, while the args are
// passed as arguments to the query.
type Bind struct {
	sync.RWMutex
	vars pgx.NamedArgs
}

///////////////////////////////////////////////////////////////////////////////
// LIFECYCLE

// NewBind creates a new Bind object with the given name/value pairs.
// Returns nil if the number of arguments is not even.
func NewBind(pairs ...any) *Bind {
	if len(pairs)%2 != 0 {
		return nil
	}

	vars := make(pgx.NamedArgs, len(pairs)>>1)
	for i := 0; i < len(pairs); i += 2 {
		if key, ok := pairs[i].(string); !ok || key == "" {
			return nil
		} else {
			vars[key] = pairs[i+1]
		}
	}

	return &Bind{vars: vars}
}

// Copy creates a copy of the bind object with additional name/value pairs.
func (bind *Bind) Copy(pairs ...any) *Bind {
	if len(pairs)%2 != 0 {
		return nil
	}

	varsCopy := func() pgx.NamedArgs {
		bind.RLock()
		defer bind.RUnlock()
		c := make(pgx.NamedArgs, len(bind.vars)+(len(pairs)>>1))
		maps.Copy(c, bind.vars)
		return c
	}()

	for i := 0; i < len(pairs); i += 2 {
		if key, ok := pairs[i].(string); !ok || key == "" {
			return nil
		} else {
			varsCopy[key] = pairs[i+1]
		}
	}

	return &Bind{vars: varsCopy}
}

// Return a new bind object with one or more sets of queries
func (bind *Bind) withQueries(queries ...*Queries) *Bind {
	if len(queries) == 0 {
		return bind
	}

	varsCopy := make(pgx.NamedArgs, len(bind.vars))
	maps.Copy(varsCopy, bind.vars)

	for _, q := range queries {
		for _, key := range q.Keys() {
			varsCopy[key] = q.Get(key)
		}
	}

	return &Bind{vars: varsCopy}
}

///////////////////////////////////////////////////////////////////////////////
// STRINGIFY

func (bind *Bind) MarshalJSON() ([]byte, error) {
	return json.Marshal(bind.vars)
}

func (bind *Bind) String() string {
	data, err := json.MarshalIndent(bind.vars, "", "  ")
	if err != nil {
		return err.Error()
	} else {
		return string(data)
	}
}

///////////////////////////////////////////////////////////////////////////////
// PUBLIC METHODS

// Set sets a bind var and returns the parameter name.
func (bind *Bind) Set(key string, value any) string {
	bind.Lock()
	defer bind.Unlock()

	if key == "" {
		return ""
	}
	bind.vars[key] = value
	return "@" + key
}

// Get returns a bind var by key.
func (bind *Bind) Get(key string) any {
	bind.RLock()
	defer bind.RUnlock()
	return bind.vars[key]
}

// Has returns true if there is a bind var with the given key.
func (bind *Bind) Has(key string) bool {
	bind.RLock()
	defer bind.RUnlock()

	_, ok := bind.vars[key]
	return ok
}

// Del deletes a bind var.
func (bind *Bind) Del(key string) {
	bind.Lock()
	defer bind.Unlock()
	delete(bind.vars, key)
}

// Join joins a bind var with a separator when it is a
// []any and returns the result as a string. Returns
// an empty string if the key does not exist.
func (bind *Bind) Join(key, sep string) string {
	bind.RLock()
	defer bind.RUnlock()

	if value, ok := bind.vars[key]; !ok {
		return ""
	} else if v, ok := value.([]any); ok {
		str := make([]string, len(v))
		for i, value := range v {
			str[i] = fmt.Sprint(value)
		}
		return strings.Join(str, sep)
	} else {
		return fmt.Sprint(value)
	}
}

// Append appends a bind var to a list. Returns false if the
// existing value is not a list.
func (bind *Bind) Append(key string, value any) bool {
	bind.Lock()
	defer bind.Unlock()

	if _, ok := bind.vars[key]; !ok {
		bind.vars[key] = make([]any, 0, 5)
	}
	if _, ok := bind.vars[key].([]any); !ok {
		return false
	}

	bind.vars[key] = append(bind.vars[key].([]any), value)
	return true
}

///////////////////////////////////////////////////////////////////////////////
// PUBLIC METHODS - QUERY

// QueryRow queries a single row and returns the result.
func (bind *Bind) QueryRow(ctx context.Context, conn pgx.Tx, query string) pgx.Row {
	bind.RLock()
	defer bind.RUnlock()
	return conn.QueryRow(ctx, bind.Replace(query), bind.vars)
}

// Query a set of rows and return the result
func (bind *Bind) Query(ctx context.Context, conn pgx.Tx, query string) (pgx.Rows, error) {
	bind.RLock()
	defer bind.RUnlock()
	return conn.Query(ctx, bind.Replace(query), bind.vars)
}

// Exec executes a query.
func (bind *Bind) Exec(ctx context.Context, conn pgx.Tx, query string) error {
	bind.RLock()
	defer bind.RUnlock()
	_, err := conn.Exec(ctx, bind.Replace(query), bind.vars)
	return err
}

///////////////////////////////////////////////////////////////////////////////
// PRIVATE METHODS

// Replace returns a query string with ${substitution} replaced by the values:
//   - ${key} => value
//   - ${"key"} => "value"
//   - $1 => $1
//   - $$ => $$
func (bind *Bind) Replace(query string) string {
	return replace(query, bind.vars)
}

func replace(query string, vars pgx.NamedArgs) string {
	fetch := func(key string) string {
		return fmt.Sprint(vars[key])
	}
	return os.Expand(query, func(key string) string {
		if key == "$" { // $$ => $$
			return "$$"
		}
		if isNumeric(key) {
			return "$" + key // $1 => $1
		}
		if strings.HasPrefix(key, `"`) && strings.HasSuffix(key, `"`) { // ${"key"} => "value"
			return doubleQuote(fetch(strings.Trim(key, `"`)))
		}
		return fetch(key) // ${key} => value
	})
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func doubleQuote(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
