// Package ema maintains exponentially smoothed shadow copies of scalar metrics and
// parameter tensors.
package ema

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// Tracker holds one shadow vector per tracked name. Scalars are one-element vectors.
//
// Each update is applied copy-on-write: readers either see all shadows of a step
// or none of them.
type Tracker struct {
	decay      float64
	numUpdates bool

	mu      sync.RWMutex
	shadows map[string][]float64
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithNumUpdates makes the effective decay min(decay, (1+n)/(10+n)) where n is the
// step passed to UpdateAt. Early shadows then follow the raw values more closely.
func WithNumUpdates() Option {
	return func(t *Tracker) {
		t.numUpdates = true
	}
}

// New creates a tracker with the given decay in [0, 1].
func New(decay float64, opts ...Option) (*Tracker, error) {
	if decay < 0 || decay > 1 {
		return nil, errors.Errorf("decay must be in [0, 1], got %f", decay)
	}
	t := &Tracker{
		decay:   decay,
		shadows: make(map[string][]float64),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Decay returns the configured decay.
func (t *Tracker) Decay() float64 {
	return t.decay
}

// EffectiveDecay returns the decay used for an update at the given step.
func (t *Tracker) EffectiveDecay(step int64) float64 {
	if !t.numUpdates {
		return t.decay
	}
	n := float64(step)
	return min(t.decay, (1+n)/(10+n))
}

// Update applies one smoothing step to every supplied value.
func (t *Tracker) Update(values map[string][]float64) error {
	return t.update(t.decay, values)
}

// UpdateAt is Update with the decay adjusted for the given global step.
func (t *Tracker) UpdateAt(step int64, values map[string][]float64) error {
	return t.update(t.EffectiveDecay(step), values)
}

// UpdateScalars is Update for scalar metrics.
func (t *Tracker) UpdateScalars(values map[string]float64) error {
	vectors := make(map[string][]float64, len(values))
	for name, v := range values {
		vectors[name] = []float64{v}
	}
	return t.Update(vectors)
}

func (t *Tracker) update(decay float64, values map[string][]float64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for name, value := range values {
		if shadow, ok := t.shadows[name]; ok && len(shadow) != len(value) {
			return errors.Errorf("shadow %q has %d elements, update has %d", name, len(shadow), len(value))
		}
	}

	next := make(map[string][]float64, len(t.shadows)+len(values))
	for name, shadow := range t.shadows {
		next[name] = shadow
	}
	for name, value := range values {
		old, ok := t.shadows[name]
		if !ok {
			next[name] = append([]float64(nil), value...)
			continue
		}
		// shadow = decay*shadow + (1-decay)*value
		updated := make([]float64, len(old))
		floats.ScaleTo(updated, decay, old)
		floats.AddScaled(updated, 1-decay, value)
		next[name] = updated
	}
	t.shadows = next
	return nil
}

// Read returns a copy of the latest committed shadow for name.
func (t *Tracker) Read(name string) ([]float64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	shadow, ok := t.shadows[name]
	if !ok {
		return nil, false
	}
	return append([]float64(nil), shadow...), true
}

// ReadScalar returns the shadow of a scalar metric.
func (t *Tracker) ReadScalar(name string) (float64, bool) {
	shadow, ok := t.Read(name)
	if !ok || len(shadow) != 1 {
		return 0, false
	}
	return shadow[0], true
}

// Names returns the tracked names in sorted order.
func (t *Tracker) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.shadows))
	for name := range t.shadows {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Snapshot returns a deep copy of every shadow.
func (t *Tracker) Snapshot() map[string][]float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string][]float64, len(t.shadows))
	for name, shadow := range t.shadows {
		out[name] = append([]float64(nil), shadow...)
	}
	return out
}

// Restore replaces every shadow, e.g. with values loaded from a checkpoint.
func (t *Tracker) Restore(shadows map[string][]float64) {
	next := make(map[string][]float64, len(shadows))
	for name, shadow := range shadows {
		next[name] = append([]float64(nil), shadow...)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.shadows = next
}
