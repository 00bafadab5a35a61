package broker

import (
	"errors"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"time"

	// Packages
	schema "github.com/goauthentik/authentik-sub008/pkg/broker/schema"
	logger "github.com/mutablelogic/go-server/pkg/logger"
)

////////////////////////////////////////////////////////////////////////////////
// TYPES

// Opt is a functional option for broker and worker configuration.
type Opt func(*opts) error

type opts struct {
	ns             string
	name           string
	workers        int
	prefetch       int
	serializer     schema.Serializer
	middleware     []Middleware
	listenTimeout  time.Duration
	rescanInterval time.Duration
	purgeInterval  time.Duration
	scheduleTick   time.Duration
	retention      time.Duration
	resultTTL      time.Duration
	version        string
	log            *slog.Logger
}

////////////////////////////////////////////////////////////////////////////////
// ERRORS

var (
	ErrInvalidWorkers  = errors.New("workers must be >= 1")
	ErrInvalidPrefetch = errors.New("prefetch must be >= 1")
	ErrInvalidInterval = errors.New("interval must be >= 1ms")
)

////////////////////////////////////////////////////////////////////////////////
// OPTIONS

// WithNamespace sets the namespace used to scope notification channels and
// advisory lock keys, so that independent deployments can share a database.
func WithNamespace(ns string) Opt {
	return func(o *opts) error {
		if ns = strings.TrimSpace(ns); ns != "" {
			o.ns = ns
		}
		return nil
	}
}

// WithWorkerName sets the name used to identify this worker instance.
// Defaults to the hostname if not specified.
func WithWorkerName(name string) Opt {
	return func(o *opts) error {
		o.name = name
		return nil
	}
}

// WithWorkers sets the number of concurrent task handlers.
// Returns ErrInvalidWorkers if n < 1.
func WithWorkers(n int) Opt {
	return func(o *opts) error {
		if n < 1 {
			return ErrInvalidWorkers
		}
		o.workers = n
		return nil
	}
}

// WithPrefetch sets the maximum number of claimed tasks held in flight by a
// consumer. Returns ErrInvalidPrefetch if n < 1.
func WithPrefetch(n int) Opt {
	return func(o *opts) error {
		if n < 1 {
			return ErrInvalidPrefetch
		}
		o.prefetch = n
		return nil
	}
}

// WithSerializer sets the message serializer. Defaults to JSON.
func WithSerializer(s schema.Serializer) Opt {
	return func(o *opts) error {
		if s != nil {
			o.serializer = s
		}
		return nil
	}
}

// WithMiddleware appends middleware to the processing chain, in order.
func WithMiddleware(m ...Middleware) Opt {
	return func(o *opts) error {
		o.middleware = append(o.middleware, m...)
		return nil
	}
}

// WithListenTimeout sets the upper bound on the consumer poll interval.
func WithListenTimeout(d time.Duration) Opt {
	return interval(d, func(o *opts) *time.Duration { return &o.listenTimeout })
}

// WithRescanInterval sets how often the consumer re-scans the task table
// for notifications it may have missed.
func WithRescanInterval(d time.Duration) Opt {
	return interval(d, func(o *opts) *time.Duration { return &o.rescanInterval })
}

// WithPurgeInterval sets how often terminal tasks past retention are purged.
func WithPurgeInterval(d time.Duration) Opt {
	return interval(d, func(o *opts) *time.Duration { return &o.purgeInterval })
}

// WithScheduleTick sets how often recurring schedules are evaluated.
func WithScheduleTick(d time.Duration) Opt {
	return interval(d, func(o *opts) *time.Duration { return &o.scheduleTick })
}

// WithRetention sets how long terminal tasks are kept before purge.
func WithRetention(d time.Duration) Opt {
	return interval(d, func(o *opts) *time.Duration { return &o.retention })
}

// WithResultTTL sets the default lifetime of stored results.
func WithResultTTL(d time.Duration) Opt {
	return interval(d, func(o *opts) *time.Duration { return &o.resultTTL })
}

// WithVersion sets the version string reported in worker heartbeats.
func WithVersion(v string) Opt {
	return func(o *opts) error {
		o.version = v
		return nil
	}
}

// WithLogger sets the structured logger used by the consumer and worker
// loops. Defaults to a terminal handler on stderr.
func WithLogger(log *slog.Logger) Opt {
	return func(o *opts) error {
		if log != nil {
			o.log = log
		}
		return nil
	}
}

////////////////////////////////////////////////////////////////////////////////
// PRIVATE METHODS

func interval(d time.Duration, field func(*opts) *time.Duration) Opt {
	return func(o *opts) error {
		if d < time.Millisecond {
			return ErrInvalidInterval
		}
		*field(o) = d
		return nil
	}
}

func applyOpts(opt []Opt) (opts, error) {
	// Get hostname
	hostname, err := os.Hostname()
	if err != nil {
		return opts{}, err
	}

	// Set defaults
	o := opts{
		ns:             schema.DefaultNamespace,
		name:           hostname,
		workers:        runtime.NumCPU(),
		prefetch:       runtime.NumCPU() * 2,
		serializer:     schema.JSONSerializer{},
		listenTimeout:  schema.ListenTimeout,
		rescanInterval: schema.RescanInterval,
		purgeInterval:  schema.PurgeInterval,
		scheduleTick:   schema.ScheduleTick,
		retention:      schema.RetentionPeriod,
		resultTTL:      schema.ResultTTL,
		log:            slog.New(logger.NewTermHandler(os.Stderr, new(slog.LevelVar))),
	}

	// Apply options
	for _, fn := range opt {
		if err := fn(&o); err != nil {
			return opts{}, err
		}
	}

	// Return success
	return o, nil
}
