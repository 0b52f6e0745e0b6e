package calc

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds the calculators available for each job type.
type Registry struct {
	mu          sync.RWMutex
	calculators map[string]Calculator
}

// NewRegistry creates an empty calculator registry.
func NewRegistry() *Registry {
	return &Registry{
		calculators: make(map[string]Calculator),
	}
}

// Register makes c the calculator for jobType.
func (r *Registry) Register(jobType string, c Calculator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calculators[jobType] = c
}

// Resolve returns the calculator for jobType.
func (r *Registry) Resolve(jobType string) (Calculator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.calculators[jobType]
	if !ok {
		return nil, fmt.Errorf("no calculator registered for job type %q", jobType)
	}
	return c, nil
}

// JobTypes returns the job types with a registered calculator, sorted for a
// stable API response.
func (r *Registry) JobTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.calculators))
	for t := range r.calculators {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
