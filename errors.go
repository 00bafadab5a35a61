package pg

import (
	"context"
	"errors"
	"fmt"

	// Packages
	pgx "github.com/jackc/pgx/v5"
	pgconn "github.com/jackc/pgx/v5/pgconn"
)

////////////////////////////////////////////////////////////////////////////////
// TYPES

// Err is a sentinel error which can be annotated with detail whilst
// remaining matchable with errors.Is.
type Err string

type errWith struct {
	err    Err
	detail string
}

////////////////////////////////////////////////////////////////////////////////
// GLOBALS

const (
	ErrNotFound       Err = "not found"
	ErrBadParameter   Err = "bad parameter"
	ErrNotImplemented Err = "not implemented"
	ErrConnection     Err = "connection error"
)

// Postgres error codes which indicate the connection (rather than the
// statement) failed. Claims and acks wrapped with these are retryable.
var retryableCodes = map[string]bool{
	"57P01": true, // admin_shutdown
	"57P02": true, // crash_shutdown
	"57P03": true, // cannot_connect_now
	"08000": true, // connection_exception
	"08003": true, // connection_does_not_exist
	"08006": true, // connection_failure
	"53300": true, // too_many_connections
}

////////////////////////////////////////////////////////////////////////////////
// PUBLIC METHODS

func (e Err) Error() string {
	return string(e)
}

// With returns a copy of the error with additional detail.
func (e Err) With(args ...any) error {
	return &errWith{err: e, detail: fmt.Sprint(args...)}
}

// Withf returns a copy of the error with formatted additional detail.
func (e Err) Withf(format string, args ...any) error {
	return &errWith{err: e, detail: fmt.Sprintf(format, args...)}
}

func (e *errWith) Error() string {
	return string(e.err) + ": " + e.detail
}

func (e *errWith) Unwrap() error {
	return e.err
}

// IsRetryable returns true when the error indicates a transient
// connection-level failure which the caller should retry with backoff.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConnection)
}

////////////////////////////////////////////////////////////////////////////////
// PRIVATE METHODS

// pgerror translates driver errors into package errors. Connection-class
// failures are wrapped as ErrConnection so that callers can retry them.
func pgerror(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if retryableCodes[pgErr.Code] {
			return fmt.Errorf("%w: %s", ErrConnection, pgErr.Message)
		}
		return err
	}
	if pgconn.SafeToRetry(err) {
		return fmt.Errorf("%w: %s", ErrConnection, err.Error())
	}
	return err
}
