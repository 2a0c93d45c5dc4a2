package checkpoints

import (
	"sort"
	"time"

	"github.com/pkg/errors"
)

// FormatVersion is written into every record and checked on load.
const FormatVersion = 1

// Tensor is a named flat tensor stored in a checkpoint.
type Tensor struct {
	Name  string
	Shape []int
	Data  []float64
}

// OptimizerState captures optimizer hyperparameters and slot tensors (momentum etc.)
type OptimizerState struct {
	Type       string             // "SGD", "NesterovSGD", ...
	Parameters map[string]float64 // Hyperparameters and counters
	Slots      []Tensor           // One entry per slot per parameter
}

// Metadata describes a record.
type Metadata struct {
	ID        string // ulid assigned at save time
	RunID     string
	CreatedAt time.Time
}

// State is the full trainable state persisted by a checkpoint: parameter values,
// the shadow values of every moving-average tracker, the global step and the
// optimizer slots.
type State struct {
	GlobalStep int64
	Parameters []Tensor
	// Shadows are keyed by tracker ("loss", "params") and then by tracked name.
	Shadows   map[string]map[string][]float64
	Optimizer *OptimizerState
	Metadata  Metadata
}

// Parameter returns the named parameter tensor.
func (s *State) Parameter(name string) (Tensor, bool) {
	for _, p := range s.Parameters {
		if p.Name == name {
			return p, true
		}
	}
	return Tensor{}, false
}

// Validate checks the internal consistency of a state.
func (s *State) Validate() error {
	if s.GlobalStep < 0 {
		return errors.Errorf("global step cannot be negative: %d", s.GlobalStep)
	}
	seen := make(map[string]bool, len(s.Parameters))
	for _, p := range s.Parameters {
		if p.Name == "" {
			return errors.Errorf("parameter with empty name")
		}
		if seen[p.Name] {
			return errors.Errorf("duplicate parameter %q", p.Name)
		}
		seen[p.Name] = true
		size := 1
		for _, dim := range p.Shape {
			size *= dim
		}
		if size != len(p.Data) {
			return errors.Errorf("parameter %q: shape %v needs %d elements, got %d", p.Name, p.Shape, size, len(p.Data))
		}
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
