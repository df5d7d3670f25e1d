// Package inhibit implements the pre-flight gate: independent read-only
// predicate checks whose failures abort a conversion before any mutation.
package inhibit

import (
	"context"
	"sync"

	"github.com/crossgrade/crossgrade/internal/hostinfo"
)

// Result is the outcome of one inhibitor.
type Result struct {
	ID      string `json:"id"`
	Inhibit bool   `json:"inhibit"`
	Message string `json:"message"`
}

// Inhibitor is a stateless, side-effect-free pre-flight check.
type Inhibitor interface {
	ID() string
	Check(ctx context.Context, facts *hostinfo.Facts) Result
}

// Registry holds registered inhibitors.
type Registry struct {
	mu         sync.Mutex
	inhibitors []Inhibitor
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register appends an inhibitor.
func (r *Registry) Register(i Inhibitor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inhibitors = append(r.inhibitors, i)
}

// RunAll evaluates every registered inhibitor, even after failures, so
// the caller can report a complete remediation list in one pass. Checks
// are pure reads with no ordering dependency, so they run concurrently;
// RunAll returns only once all have completed. Results keep registration
// order.
func (r *Registry) RunAll(ctx context.Context, facts *hostinfo.Facts) []Result {
	r.mu.Lock()
	inhibitors := make([]Inhibitor, len(r.inhibitors))
	copy(inhibitors, r.inhibitors)
	r.mu.Unlock()

	results := make([]Result, len(inhibitors))
	var wg sync.WaitGroup
	for idx, inh := range inhibitors {
		wg.Add(1)
		go func(idx int, inh Inhibitor) {
			defer wg.Done()
			results[idx] = inh.Check(ctx, facts)
		}(idx, inh)
	}
	wg.Wait()
	return results
}

// Failing filters results down to the inhibiting ones.
func Failing(results []Result) []Result {
	var failing []Result
	for _, res := range results {
		if res.Inhibit {
			failing = append(failing, res)
		}
	}
	return failing
}

// CustomInhibitor wraps an arbitrary function as an inhibitor.
type CustomInhibitor struct {
	CheckID string
	Fn      func(ctx context.Context, facts *hostinfo.Facts) Result
}

func (c CustomInhibitor) ID() string { return c.CheckID }
func (c CustomInhibitor) Check(ctx context.Context, facts *hostinfo.Facts) Result {
	return c.Fn(ctx, facts)
}
