// Package worker holds the job handlers the engine executes. Payloads
// carry a "kind" field that the Mux uses to pick a handler.
package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"jobengine/internal/engine"
	"jobengine/internal/models"
)

// Handler executes one kind of job. It matches the engine's handler
// signature so any Handler can also run standalone.
type Handler func(ctx context.Context, job models.Job) (json.RawMessage, error)

// Mux routes jobs to handlers by the payload's "kind" field.
type Mux struct {
	handlers map[string]Handler
	fallback Handler
}

func NewMux() *Mux {
	return &Mux{handlers: make(map[string]Handler)}
}

// Register binds a handler to a payload kind. Empty kinds and nil
// handlers are ignored.
func (m *Mux) Register(kind string, h Handler) {
	if kind == "" || h == nil {
		return
	}
	m.handlers[kind] = h
}

// SetFallback installs the handler used when the payload names no kind
// or an unregistered one.
func (m *Mux) SetFallback(h Handler) {
	m.fallback = h
}

// Dispatch decodes the payload envelope and runs the matching handler.
// Payloads that are not JSON objects are malformed and consume an
// attempt like any other failure.
func (m *Mux) Dispatch(ctx context.Context, job models.Job) (json.RawMessage, error) {
	var envelope struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(job.Payload, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", engine.ErrMalformedPayload, err)
	}

	if h, ok := m.handlers[envelope.Kind]; ok {
		return h(ctx, job)
	}
	if m.fallback != nil {
		return m.fallback(ctx, job)
	}
	return nil, fmt.Errorf("%w: no handler for kind %q", engine.ErrMalformedPayload, envelope.Kind)
}
