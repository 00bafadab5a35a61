package schema

import (
	"encoding/json"
	"time"
)

////////////////////////////////////////////////////////////////////////////////
// TYPES

// Message is the wire envelope stored in a task row. The engine treats the
// payload as opaque bytes; the only fields it interprets are in Options.
type Message struct {
	MessageID string          `json:"message_id"`
	QueueName string          `json:"queue_name"`
	ActorName string          `json:"actor_name"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Options   Options         `json:"options,omitempty"`
}

// Options carries the engine-read scheduling metadata embedded in a message.
type Options struct {
	// Earliest time the task becomes eligible for claim
	ETA *time.Time `json:"eta,omitempty"`

	// Correlation key back to the recurring schedule which produced this task
	ScheduleUID string `json:"schedule_uid,omitempty"`

	// Execution time limit, enforced by the worker runner
	TimeLimit time.Duration `json:"time_limit,omitempty"`

	// Attempts made so far, and the maximum before dead-lettering
	Retries    int `json:"retries,omitempty"`
	MaxRetries int `json:"max_retries,omitempty"`

	// Optional reference to the object this task relates to
	RelObjType string `json:"rel_obj_type,omitempty"`
	RelObjID   string `json:"rel_obj_id,omitempty"`
}

// Serializer encodes and decodes message envelopes. The engine never
// inspects the payload inside.
type Serializer interface {
	Encode(*Message) ([]byte, error)
	Decode([]byte) (*Message, error)
}

// JSONSerializer is the default wire format.
type JSONSerializer struct{}

// LogEntry is a structured log line captured during task execution and
// persisted with the task row.
type LogEntry struct {
	Level   string    `json:"level"`
	Message string    `json:"message"`
	Ts      time.Time `json:"ts"`
}

////////////////////////////////////////////////////////////////////////////////
// GLOBALS

const (
	LevelInfo    = "info"
	LevelWarning = "warning"
	LevelError   = "error"
)

// Ensure interfaces are satisfied
var _ Serializer = (*JSONSerializer)(nil)

////////////////////////////////////////////////////////////////////////////////
// STRINGIFY

func (m Message) String() string {
	return stringify(m)
}

////////////////////////////////////////////////////////////////////////////////
// PUBLIC METHODS

func (JSONSerializer) Encode(m *Message) ([]byte, error) {
	return json.Marshal(m)
}

func (JSONSerializer) Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// WorstLevel returns the highest severity present in the entries, or an
// empty string when there are none.
func WorstLevel(entries []LogEntry) string {
	var worst string
	for _, entry := range entries {
		switch entry.Level {
		case LevelError:
			return LevelError
		case LevelWarning:
			worst = LevelWarning
		case LevelInfo:
			if worst == "" {
				worst = LevelInfo
			}
		}
	}
	return worst
}
