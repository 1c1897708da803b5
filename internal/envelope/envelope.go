// Package envelope defines the job description that travels inside a queue
// list element: class name, argument vector, tracking id, key prefix, and
// enqueue timestamp.
package envelope

import (
	"encoding/json"
	"fmt"
)

// Envelope is the wire-exact job description. Args is deliberately a
// one-element array wrapping the real argument value (an object, or null):
// Resque-family producers write this double-wrapped shape, and it must be
// preserved bitwise for interop with them.
type Envelope struct {
	Class     string         `json:"class"`
	Args      [1]interface{} `json:"args"`
	ID        string         `json:"id"`
	Prefix    string         `json:"prefix"`
	QueueTime float64        `json:"queue_time"`
}

// New builds an envelope wrapping args in the required single-element array.
func New(class string, args interface{}, id, prefix string, queueTime float64) *Envelope {
	return &Envelope{
		Class:     class,
		Args:      [1]interface{}{args},
		ID:        id,
		Prefix:    prefix,
		QueueTime: queueTime,
	}
}

// Arg returns the unwrapped argument value (the sole element of Args).
func (e *Envelope) Arg() interface{} {
	return e.Args[0]
}

// Encode serializes the envelope to its wire JSON form.
func (e *Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// Decode parses a wire JSON envelope.
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &e, nil
}
