package broker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	// Packages
	pg "github.com/goauthentik/authentik-sub008"
	schema "github.com/goauthentik/authentik-sub008/pkg/broker/schema"
)

////////////////////////////////////////////////////////////////////////////////
// TYPES

// ActorFunc executes a task payload and optionally returns a result.
type ActorFunc func(ctx context.Context, payload json.RawMessage) (any, error)

// Actor declares a named task handler and its processing policy.
type Actor struct {
	// Name of the actor, referenced by enqueued messages
	Name string

	// Queue the actor consumes from. Defaults to the actor name.
	Queue string

	// Handler invoked for each claimed task
	Handler ActorFunc

	// Maximum retry attempts before the task is dead-lettered
	MaxRetries int

	// Execution time limit for a single attempt. Zero means no limit.
	TimeLimit time.Duration

	// StoreResults persists the handler return value for later retrieval
	StoreResults bool

	// ResultTTL overrides the broker default result lifetime
	ResultTTL time.Duration
}

// Registry maps actor names to their declarations. Messages referencing an
// unregistered actor are rejected at processing time, not at enqueue time,
// so producers and consumers can deploy independently.
type Registry struct {
	mu     sync.RWMutex
	actors map[string]Actor
}

// Middleware hooks into the task lifecycle. BeforeEnqueue and BeforeProcess
// may veto by returning an error.
type Middleware interface {
	BeforeEnqueue(ctx context.Context, msg *schema.Message) error
	AfterEnqueue(ctx context.Context, task *schema.Task)
	BeforeProcess(ctx context.Context, task *schema.Task) error
	AfterProcess(ctx context.Context, task *schema.Task, err error)
	AfterSkip(ctx context.Context, task *schema.Task)
}

// NopMiddleware implements Middleware with no-ops, for embedding.
type NopMiddleware struct{}

// Ensure interfaces are satisfied
var _ Middleware = (*NopMiddleware)(nil)

////////////////////////////////////////////////////////////////////////////////
// GLOBALS

// ErrUnknownActor is returned when a claimed message references an actor
// which is not registered with the processing worker.
var ErrUnknownActor = errors.New("unknown actor")

////////////////////////////////////////////////////////////////////////////////
// LIFECYCLE

// NewRegistry creates an empty actor registry.
func NewRegistry() *Registry {
	return &Registry{
		actors: make(map[string]Actor),
	}
}

////////////////////////////////////////////////////////////////////////////////
// PUBLIC METHODS - REGISTRY

// Register adds an actor declaration. The actor name must be unique.
func (r *Registry) Register(actor Actor) error {
	if actor.Name == "" {
		return pg.ErrBadParameter.With("missing actor name")
	}
	if actor.Handler == nil {
		return pg.ErrBadParameter.Withf("actor %q has no handler", actor.Name)
	}
	if actor.Queue == "" {
		actor.Queue = actor.Name
	}
	if actor.MaxRetries < 0 {
		return pg.ErrBadParameter.Withf("actor %q has negative retries", actor.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.actors[actor.Name]; exists {
		return pg.ErrBadParameter.Withf("actor %q is already registered", actor.Name)
	}
	r.actors[actor.Name] = actor
	return nil
}

// Lookup returns the actor declaration for a name.
func (r *Registry) Lookup(name string) (Actor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	actor, ok := r.actors[name]
	return actor, ok
}

// Queues returns the distinct queues consumed by registered actors.
func (r *Registry) Queues() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool, len(r.actors))
	queues := make([]string, 0, len(r.actors))
	for _, actor := range r.actors {
		if !seen[actor.Queue] {
			seen[actor.Queue] = true
			queues = append(queues, actor.Queue)
		}
	}
	return queues
}

////////////////////////////////////////////////////////////////////////////////
// PUBLIC METHODS - MIDDLEWARE

func (NopMiddleware) BeforeEnqueue(context.Context, *schema.Message) error { return nil }
func (NopMiddleware) AfterEnqueue(context.Context, *schema.Task)           {}
func (NopMiddleware) BeforeProcess(context.Context, *schema.Task) error    { return nil }
func (NopMiddleware) AfterProcess(context.Context, *schema.Task, error)    {}
func (NopMiddleware) AfterSkip(context.Context, *schema.Task)              {}
