// Package engine talks to the external analysis engine that performs the
// statistical computation for an analysis job.
package engine

import (
	"context"
	"encoding/json"
	"errors"
)

// Sentinel errors for engine failures. Callers record them on the failed job.
var (
	ErrEngineFailure     = errors.New("analysis engine failure")
	ErrEngineTimeout     = errors.New("analysis engine timeout")
	ErrEngineUnreachable = errors.New("analysis engine unreachable")
)

// Request is one computation request.
type Request struct {
	Data       json.RawMessage `json:"data"`
	Type       string          `json:"type"`
	Industry   string          `json:"industry,omitempty"`
	Parameters map[string]any  `json:"parameters"`
}

// Engine computes analysis results. Implementations must honor ctx cancellation.
type Engine interface {
	Compute(ctx context.Context, req Request) (json.RawMessage, error)
}
