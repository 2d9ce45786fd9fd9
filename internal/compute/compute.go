// Package compute is the seam between the simulation and whatever backs an
// external station: a language model, a tool connector, or an offline echo.
package compute

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"taskyard/internal/domain"
)

var ErrNoProcessor = errors.New("no processor for station type")

type Request struct {
	StationID   uint64             `json:"station_id"`
	StationType domain.StationType `json:"station_type"`
	Input       string             `json:"input"`
	Config      map[string]string  `json:"config,omitempty"`
	RunID       string             `json:"run_id,omitempty"`
}

// Response is a processor reply. A non-empty Clarification asks the operator
// a question instead of producing output; only workflows act on it.
type Response struct {
	Output        string            `json:"output"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Clarification string            `json:"clarification,omitempty"`
}

type Processor interface {
	Process(ctx context.Context, req Request) (Response, error)
}

type ProcessorFunc func(ctx context.Context, req Request) (Response, error)

func (f ProcessorFunc) Process(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

// Fallback is the deterministic reply used whenever a processor fails.
func Fallback(input string, cause error) Response {
	meta := map[string]string{"fallback": "true"}
	if cause != nil {
		meta["error"] = cause.Error()
	}
	return Response{Output: domain.FallbackOutput(input), Metadata: meta}
}

// Echo answers locally without any network access. It is the default when no
// endpoint is configured.
type Echo struct{}

func (Echo) Process(ctx context.Context, req Request) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	input := strings.TrimSpace(req.Input)
	out := fmt.Sprintf("[%s] %s", req.StationType, input)
	return Response{
		Output:   out,
		Metadata: map[string]string{"processor": "echo"},
	}, nil
}

// Router dispatches requests by station type.
type Router struct {
	routes   map[domain.StationType]Processor
	fallback Processor
}

func NewRouter(fallback Processor) *Router {
	return &Router{
		routes:   make(map[domain.StationType]Processor),
		fallback: fallback,
	}
}

// Route registers p for t, replacing any earlier registration.
func (r *Router) Route(t domain.StationType, p Processor) *Router {
	r.routes[t] = p
	return r
}

func (r *Router) Process(ctx context.Context, req Request) (Response, error) {
	if p, ok := r.routes[req.StationType]; ok && p != nil {
		return p.Process(ctx, req)
	}
	if r.fallback != nil {
		return r.fallback.Process(ctx, req)
	}
	return Response{}, fmt.Errorf("process %s station %d: %w", req.StationType, req.StationID, ErrNoProcessor)
}
