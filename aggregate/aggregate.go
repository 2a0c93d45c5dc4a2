// Package aggregate combines the per-replica gradients of one step into a single
// averaged gradient per parameter.
package aggregate

import (
	"fmt"

	"gonum.org/v1/gonum/floats"

	"github.com/tsawler/go-dptrain/params"
	"github.com/tsawler/go-dptrain/trainerrors"
)

// TowerGradients is the ordered gradient set one replica produced for one step.
// Names[i] identifies the parameter Grads[i] belongs to.
type TowerGradients struct {
	Replica int
	Names   []string
	Grads   [][]float64
}

// Len returns the number of (parameter, gradient) pairs.
func (t *TowerGradients) Len() int {
	return len(t.Names)
}

// Gradient is an averaged gradient paired with its parameter.
type Gradient struct {
	Name  string
	Value []float64
}

// Values returns the gradient values in parameter order.
func Values(grads []Gradient) [][]float64 {
	out := make([][]float64, len(grads))
	for i, g := range grads {
		out[i] = g.Value
	}
	return out
}

// Average validates that every tower carries the parameters of specs in the same
// order and returns the arithmetic mean of the towers' gradients at each position.
// Any disagreement is an *trainerrors.ErrAlignment.
func Average(specs []params.Spec, towers []*TowerGradients) ([]Gradient, error) {
	if len(towers) == 0 {
		return nil, &trainerrors.ErrAlignment{Position: -1, Message: "no gradient sets to aggregate"}
	}
	for _, tower := range towers {
		if tower == nil {
			return nil, &trainerrors.ErrAlignment{Position: -1, Message: "nil gradient set"}
		}
		if len(tower.Names) != len(tower.Grads) {
			return nil, &trainerrors.ErrAlignment{
				Position: -1,
				Message:  fmt.Sprintf("replica %d has %d names but %d gradients", tower.Replica, len(tower.Names), len(tower.Grads)),
			}
		}
		if tower.Len() != len(specs) {
			return nil, &trainerrors.ErrAlignment{
				Position: -1,
				Message:  fmt.Sprintf("replica %d has %d gradients, expected %d", tower.Replica, tower.Len(), len(specs)),
			}
		}
	}

	scale := 1.0 / float64(len(towers))
	out := make([]Gradient, len(specs))
	for p, spec := range specs {
		size := spec.Size()
		for _, tower := range towers {
			if tower.Names[p] != spec.Name {
				return nil, &trainerrors.ErrAlignment{
					Position: p,
					Message:  fmt.Sprintf("replica %d has %q, expected %q", tower.Replica, tower.Names[p], spec.Name),
				}
			}
			if len(tower.Grads[p]) != size {
				return nil, &trainerrors.ErrAlignment{
					Position: p,
					Message:  fmt.Sprintf("replica %d gradient for %q has %d elements, expected %d", tower.Replica, spec.Name, len(tower.Grads[p]), size),
				}
			}
		}

		// Initialize with the first tower, sum the rest, then scale.
		mean := make([]float64, size)
		copy(mean, towers[0].Grads[p])
		for _, tower := range towers[1:] {
			floats.Add(mean, tower.Grads[p])
		}
		floats.Scale(scale, mean)
		out[p] = Gradient{Name: spec.Name, Value: mean}
	}
	return out, nil
}
