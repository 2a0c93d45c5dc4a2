// Package params owns the trainable parameters of a run.
//
// A Store is mutated only through Commit, which swaps in a complete new set of
// values and advances the global step in one critical section. Readers never see
// a partially applied update: they work on Snapshots, which are deep copies taken
// at a point in time.
package params

import (
	"sync"

	"github.com/pkg/errors"
)

// Spec describes one trainable parameter. The set of specs is fixed for a run and
// its order is the aggregation key for gradients.
type Spec struct {
	Name  string
	Shape []int
	// WeightLike marks parameters that take part in L2 regularization.
	WeightLike bool
}

// Size returns the number of elements described by the shape.
func (s Spec) Size() int {
	size := 1
	for _, dim := range s.Shape {
		size *= dim
	}
	return size
}

// Snapshot is an immutable point-in-time copy of every parameter value. All worker
// replicas of a step share one Snapshot.
type Snapshot struct {
	step   int64
	specs  []Spec
	values [][]float64
	index  map[string]int
}

// Step returns the global step at which the snapshot was taken.
func (s *Snapshot) Step() int64 {
	return s.step
}

// Specs returns the parameter specs in aggregation order.
func (s *Snapshot) Specs() []Spec {
	return s.specs
}

// Len returns the number of parameters.
func (s *Snapshot) Len() int {
	return len(s.specs)
}

// Value returns the value of parameter i. The slice must not be modified.
func (s *Snapshot) Value(i int) []float64 {
	return s.values[i]
}

// Lookup returns the value of the named parameter. The slice must not be modified.
func (s *Snapshot) Lookup(name string) ([]float64, bool) {
	i, ok := s.index[name]
	if !ok {
		return nil, false
	}
	return s.values[i], true
}

// Values returns a deep copy of all values, suitable for staging an update.
func (s *Snapshot) Values() [][]float64 {
	return cloneValues(s.values)
}

// NewSnapshot builds a snapshot from explicit values, e.g. shadow parameters used
// for evaluation. Values are copied.
func NewSnapshot(step int64, specs []Spec, values [][]float64) (*Snapshot, error) {
	if err := validate(specs, values); err != nil {
		return nil, err
	}
	return &Snapshot{
		step:   step,
		specs:  specs,
		values: cloneValues(values),
		index:  buildIndex(specs),
	}, nil
}

// Store holds the authoritative parameter values and the global step.
type Store struct {
	mu     sync.RWMutex
	specs  []Spec
	values [][]float64
	index  map[string]int
	step   int64
}

// NewStore creates a store from specs and initial values.
func NewStore(specs []Spec, initial [][]float64) (*Store, error) {
	if len(specs) == 0 {
		return nil, errors.New("parameter store requires at least one parameter")
	}
	if err := validate(specs, initial); err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(specs))
	for _, spec := range specs {
		if spec.Name == "" {
			return nil, errors.New("parameter name cannot be empty")
		}
		if seen[spec.Name] {
			return nil, errors.Errorf("duplicate parameter name %q", spec.Name)
		}
		seen[spec.Name] = true
	}
	return &Store{
		specs:  append([]Spec(nil), specs...),
		values: cloneValues(initial),
		index:  buildIndex(specs),
	}, nil
}

// Specs returns the parameter specs in aggregation order.
func (s *Store) Specs() []Spec {
	return s.specs
}

// Step returns the current global step.
func (s *Store) Step() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.step
}

// Snapshot returns a deep copy of the current values.
func (s *Store) Snapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &Snapshot{
		step:   s.step,
		specs:  s.specs,
		values: cloneValues(s.values),
		index:  s.index,
	}
}

// Commit replaces every value and advances the global step by one. The update is
// rejected as a whole if the values do not match the specs.
func (s *Store) Commit(values [][]float64) (int64, error) {
	if err := validate(s.specs, values); err != nil {
		return 0, errors.Wrap(err, "rejected parameter commit")
	}
	staged := cloneValues(values)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = staged
	s.step++
	return s.step, nil
}

// Restore overwrites values and the global step, e.g. from a checkpoint.
func (s *Store) Restore(step int64, values [][]float64) error {
	if step < 0 {
		return errors.Errorf("global step cannot be negative: %d", step)
	}
	if err := validate(s.specs, values); err != nil {
		return errors.Wrap(err, "rejected parameter restore")
	}
	staged := cloneValues(values)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = staged
	s.step = step
	return nil
}

// Index returns the position of the named parameter.
func (s *Store) Index(name string) (int, bool) {
	i, ok := s.index[name]
	return i, ok
}

func validate(specs []Spec, values [][]float64) error {
	if len(values) != len(specs) {
		return errors.Errorf("expected %d parameter values, got %d", len(specs), len(values))
	}
	for i, spec := range specs {
		if len(values[i]) != spec.Size() {
			return errors.Errorf("parameter %s: expected %d elements for shape %v, got %d",
				spec.Name, spec.Size(), spec.Shape, len(values[i]))
		}
	}
	return nil
}

func buildIndex(specs []Spec) map[string]int {
	index := make(map[string]int, len(specs))
	for i, spec := range specs {
		index[spec.Name] = i
	}
	return index
}

func cloneValues(values [][]float64) [][]float64 {
	out := make([][]float64, len(values))
	for i, v := range values {
		out[i] = append([]float64(nil), v...)
	}
	return out
}
