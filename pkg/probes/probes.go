// Package probes implements liveness and readiness checks over the
// gateway's dependencies. Each dependency check runs with a bounded timeout
// so a hung store cannot stall the readiness endpoint.
package probes

import (
	"context"
	"time"
)

// checkTimeout bounds a single dependency check.
const checkTimeout = 2 * time.Second

// Result is the outcome of one dependency check.
type Result struct {
	Name      string
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker probes one dependency.
type Checker interface {
	Name() string
	Check(ctx context.Context) error
}

// DependencyStatus is the per-dependency readiness payload.
type DependencyStatus struct {
	Status string `json:"status"`
}

// Readiness is the aggregate readiness payload.
type Readiness struct {
	Status       string                      `json:"status"`
	Dependencies map[string]DependencyStatus `json:"dependencies"`
}

// Registry holds the wired dependency checkers.
type Registry struct {
	checkers []Checker
}

// NewRegistry creates a registry over the given checkers.
func NewRegistry(checkers ...Checker) *Registry {
	return &Registry{checkers: checkers}
}

// Liveness reports process liveness. It deliberately touches nothing.
func (r *Registry) Liveness() map[string]string {
	return map[string]string{"status": "ok"}
}

// Readiness runs every dependency check and reports ready only when all
// dependencies answer within the timeout.
func (r *Registry) Readiness(ctx context.Context) *Readiness {
	ready := true
	dependencies := make(map[string]DependencyStatus, len(r.checkers))
	for _, checker := range r.checkers {
		result := r.run(ctx, checker)
		status := "ok"
		if !result.Healthy {
			status = "unavailable"
			ready = false
		}
		dependencies[checker.Name()] = DependencyStatus{Status: status}
	}
	status := "ready"
	if !ready {
		status = "not_ready"
	}
	return &Readiness{Status: status, Dependencies: dependencies}
}

func (r *Registry) run(ctx context.Context, checker Checker) Result {
	checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	start := time.Now()
	err := checker.Check(checkCtx)
	result := Result{
		Name:      checker.Name(),
		Healthy:   err == nil,
		CheckedAt: start,
		Duration:  time.Since(start),
	}
	if err != nil {
		result.Message = err.Error()
	}
	return result
}

// CheckFunc adapts a function to the Checker interface.
type CheckFunc struct {
	CheckerName string
	Fn          func(ctx context.Context) error
}

func (c CheckFunc) Name() string { return c.CheckerName }

func (c CheckFunc) Check(ctx context.Context) error { return c.Fn(ctx) }
