package pg

import (
	"context"
	"errors"

	// Packages
	pgx "github.com/jackc/pgx/v5"
	pgconn "github.com/jackc/pgx/v5/pgconn"
	pgxpool "github.com/jackc/pgx/v5/pgxpool"
)

////////////////////////////////////////////////////////////////////////////////
// TYPES

type PoolConn interface {
	Conn

	// Acquire a connection and ping it
	Ping(context.Context) error

	// Release resources
	Close()

	// Reset the connection pool
	Reset()

	// Return a listener for LISTEN/NOTIFY. The listener owns a dedicated
	// connection outside the pool, since notifications cannot be received
	// on pooled connections inside transactions.
	Listener() Listener

	// Acquire a dedicated session connection. The session is removed from
	// the pool, so session-scoped state (advisory locks) survives until
	// the session is closed.
	Acquire(context.Context) (*Session, error)
}

// Listener receives notifications on one or more channels.
type Listener interface {
	// Subscribe to a notification channel
	Listen(context.Context, string) error

	// Block until a notification is received, or the context is done
	WaitForNotification(context.Context) (*Notification, error)

	// Release the dedicated connection
	Close(context.Context) error
}

// Notification is a single LISTEN/NOTIFY payload.
type Notification struct {
	Channel string
	Payload string
}

// Session is a dedicated connection, hijacked from the pool. Advisory locks
// taken on a session are held until Close or connection drop.
type Session struct {
	conn *pgx.Conn
}

type pool struct {
	*pgxpool.Pool
}

type poolconn struct {
	conn *pool
	bind *Bind
}

type listener struct {
	pool *pgxpool.Pool
	conn *pgxpool.Conn
}

// Ensure interfaces are satisfied
var _ pgx.Tx = (*pool)(nil)
var _ PoolConn = (*poolconn)(nil)
var _ Listener = (*listener)(nil)

////////////////////////////////////////////////////////////////////////////////
// LIFECYCLE

// NewPool creates a new connection pool to a PostgreSQL server.
func NewPool(ctx context.Context, opts ...Opt) (PoolConn, error) {
	o, err := apply(opts...)
	if err != nil {
		return nil, err
	}
	poolconfig, err := pgxpool.ParseConfig(o.Encode())
	if err != nil {
		return nil, err
	}

	// If there is a trace function or tracer, then set it
	if o.tracer != nil {
		poolconfig.ConnConfig.Tracer = o.tracer
	}

	// Create the connection pool
	p, err := pgxpool.NewWithConfig(ctx, poolconfig)
	if err != nil {
		return nil, err
	}

	// Wrap the connection pool as if it's a transaction
	return &poolconn{&pool{p}, o.bind}, nil
}

////////////////////////////////////////////////////////////////////////////////
// PUBLIC METHODS - POOL

func (p *pool) Commit(ctx context.Context) error {
	return errors.New("cannot commit a connection pool")
}

func (p *pool) Rollback(ctx context.Context) error {
	return errors.New("cannot rollback a connection pool")
}

func (p *pool) Conn() *pgx.Conn {
	return nil
}

func (p *pool) LargeObjects() pgx.LargeObjects {
	return pgx.LargeObjects{}
}

func (p *pool) Prepare(ctx context.Context, name, sql string) (*pgconn.StatementDescription, error) {
	return nil, errors.New("cannot prepare a connection pool")
}

////////////////////////////////////////////////////////////////////////////////
// PUBLIC METHODS - POOLCONN

func (p *poolconn) Ping(ctx context.Context) error {
	return p.conn.Pool.Ping(ctx)
}

func (p *poolconn) Close() {
	p.conn.Pool.Close()
}

func (p *poolconn) Reset() {
	p.conn.Pool.Reset()
}

func (p *poolconn) Listener() Listener {
	return &listener{pool: p.conn.Pool}
}

func (p *poolconn) Acquire(ctx context.Context) (*Session, error) {
	conn, err := p.conn.Pool.Acquire(ctx)
	if err != nil {
		return nil, pgerror(err)
	}
	// Hijack removes the connection from the pool, so it is never handed
	// back to another caller while session state is outstanding
	return &Session{conn: conn.Hijack()}, nil
}

// Return a new connection with new bound parameters
func (p *poolconn) With(params ...any) Conn {
	return &poolconn{p.conn, p.bind.Copy(params...)}
}

// Return a new connection with bound queries
func (p *poolconn) WithQueries(queries ...*Queries) Conn {
	return &poolconn{p.conn, p.bind.withQueries(queries...)}
}

// Perform a transaction, then commit or rollback
func (p *poolconn) Tx(ctx context.Context, fn func(conn Conn) error) error {
	return tx(ctx, p.conn, p.bind, fn)
}

// Execute a query
func (p *poolconn) Exec(ctx context.Context, query string) error {
	return pgerror(p.bind.Exec(ctx, p.conn, query))
}

// Perform an insert
func (p *poolconn) Insert(ctx context.Context, reader Reader, writer Writer) error {
	return insert(ctx, p.conn, p.bind, reader, writer)
}

// Perform a update
func (p *poolconn) Update(ctx context.Context, reader Reader, sel Selector, writer Writer) error {
	return update(ctx, p.conn, p.bind, reader, sel, writer)
}

// Perform a delete
func (p *poolconn) Delete(ctx context.Context, reader Reader, sel Selector) error {
	return del(ctx, p.conn, p.bind, reader, sel)
}

// Perform a get
func (p *poolconn) Get(ctx context.Context, reader Reader, sel Selector) error {
	return get(ctx, p.conn, p.bind, reader, sel)
}

// Perform a list
func (p *poolconn) List(ctx context.Context, reader Reader, sel Selector) error {
	return list(ctx, p.conn, p.bind, reader, sel)
}

////////////////////////////////////////////////////////////////////////////////
// PUBLIC METHODS - LISTENER

func (l *listener) Listen(ctx context.Context, channel string) error {
	if l.conn == nil {
		conn, err := l.pool.Acquire(ctx)
		if err != nil {
			return pgerror(err)
		}
		l.conn = conn
	}
	if _, err := l.conn.Exec(ctx, `LISTEN `+doubleQuote(channel)); err != nil {
		return pgerror(err)
	}
	return nil
}

func (l *listener) WaitForNotification(ctx context.Context) (*Notification, error) {
	if l.conn == nil {
		return nil, ErrConnection.With("listener is not subscribed to any channel")
	}
	notification, err := l.conn.Conn().WaitForNotification(ctx)
	if err != nil {
		return nil, pgerror(err)
	}
	return &Notification{
		Channel: notification.Channel,
		Payload: notification.Payload,
	}, nil
}

func (l *listener) Close(ctx context.Context) error {
	if l.conn == nil {
		return nil
	}
	conn := l.conn
	l.conn = nil
	// Close the underlying connection rather than returning it to the
	// pool, as it may have unconsumed notifications
	err := conn.Conn().Close(ctx)
	conn.Release()
	return err
}

////////////////////////////////////////////////////////////////////////////////
// PUBLIC METHODS - SESSION

// Exec runs a statement on the dedicated session connection.
func (s *Session) Exec(ctx context.Context, query string, args ...any) error {
	_, err := s.conn.Exec(ctx, query, args...)
	return pgerror(err)
}

// QueryRow runs a single-row query on the dedicated session connection.
func (s *Session) QueryRow(ctx context.Context, query string, args ...any) Row {
	return s.conn.QueryRow(ctx, query, args...)
}

// Get runs a single-row query and scans the result, translating driver
// errors into package errors.
func (s *Session) Get(ctx context.Context, query string, args []any, dest ...any) error {
	return pgerror(s.conn.QueryRow(ctx, query, args...).Scan(dest...))
}

// Alive returns true when the underlying connection is usable.
func (s *Session) Alive() bool {
	return s.conn != nil && !s.conn.IsClosed()
}

// Close terminates the session, releasing any session-scoped state.
func (s *Session) Close(ctx context.Context) error {
	if s.conn == nil {
		return nil
	}
	conn := s.conn
	s.conn = nil
	return conn.Close(ctx)
}
