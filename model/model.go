// Package model holds the classifier capability driven by the training engine and
// two reference classifiers.
package model

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/tsawler/go-dptrain/params"
)

// Model maps a batch of flattened images to per-class scores and differentiates
// those scores with respect to its parameters. Implementations are stateless: all
// parameter values come from the snapshot, so one Model is shared by every replica.
type Model interface {
	// Specs lists the trainable parameters in aggregation order.
	Specs() []params.Spec
	// NumClasses is the width of each score row.
	NumClasses() int
	// InputSize is the number of values in one image.
	InputSize() int
	// Forward returns n*NumClasses raw scores, example-major.
	Forward(snap *params.Snapshot, images []float64, n int) ([]float64, error)
	// Backward returns the gradient of each parameter given dL/dscores.
	Backward(snap *params.Snapshot, images []float64, n int, dScores []float64) ([][]float64, error)
	// Init returns initial parameter values.
	Init(rng *rand.Rand) [][]float64
}

// Config selects a reference classifier.
type Config struct {
	Kind       string // "linear" or "mlp"
	InputSize  int
	Hidden     int // Hidden units for "mlp"
	NumClasses int
}

// New builds the classifier described by config.
func New(config Config) (Model, error) {
	if config.InputSize <= 0 || config.NumClasses <= 0 {
		return nil, fmt.Errorf("input size and class count must be positive, got %d and %d",
			config.InputSize, config.NumClasses)
	}
	switch config.Kind {
	case "linear", "":
		return NewLinear(config.InputSize, config.NumClasses), nil
	case "mlp":
		if config.Hidden <= 0 {
			return nil, fmt.Errorf("mlp needs a positive hidden size, got %d", config.Hidden)
		}
		return NewMLP(config.InputSize, config.Hidden, config.NumClasses), nil
	default:
		return nil, fmt.Errorf("unknown model kind %q", config.Kind)
	}
}

// dense is one fully connected layer: out = in * W + b.
type dense struct {
	weights int // snapshot index of W (in x out)
	bias    int // snapshot index of b
	in, out int
}

func (d dense) forward(snap *params.Snapshot, x *mat.Dense) *mat.Dense {
	w := mat.NewDense(d.in, d.out, snap.Value(d.weights))
	b := snap.Value(d.bias)
	var y mat.Dense
	y.Mul(x, w)
	y.Apply(func(_, j int, v float64) float64 { return v + b[j] }, &y)
	return &y
}

// backward returns dW, db and dx for upstream gradient dy.
func (d dense) backward(snap *params.Snapshot, x, dy *mat.Dense, wantInput bool) ([]float64, []float64, *mat.Dense) {
	var dw mat.Dense
	dw.Mul(x.T(), dy)

	rows, _ := dy.Dims()
	db := make([]float64, d.out)
	for i := 0; i < rows; i++ {
		for j := range db {
			db[j] += dy.At(i, j)
		}
	}

	if !wantInput {
		return rawData(&dw), db, nil
	}
	w := mat.NewDense(d.in, d.out, snap.Value(d.weights))
	var dx mat.Dense
	dx.Mul(dy, w.T())
	return rawData(&dw), db, &dx
}

func (d dense) specs(prefix string) []params.Spec {
	return []params.Spec{
		{Name: prefix + "/weights", Shape: []int{d.in, d.out}, WeightLike: true},
		{Name: prefix + "/bias", Shape: []int{d.out}},
	}
}

func (d dense) init(rng *rand.Rand, gain float64) ([]float64, []float64) {
	std := math.Sqrt(gain / float64(d.in))
	w := make([]float64, d.in*d.out)
	for i := range w {
		w[i] = rng.NormFloat64() * std
	}
	return w, make([]float64, d.out)
}

// rawData returns the backing slice of a freshly allocated matrix.
func rawData(m *mat.Dense) []float64 {
	return m.RawMatrix().Data
}

func checkBatch(snap *params.Snapshot, specs []params.Spec, images []float64, n, inputSize int) error {
	if snap == nil {
		return fmt.Errorf("nil parameter snapshot")
	}
	if snap.Len() != len(specs) {
		return fmt.Errorf("snapshot holds %d parameters, model needs %d", snap.Len(), len(specs))
	}
	for i, spec := range specs {
		if len(snap.Value(i)) != spec.Size() {
			return fmt.Errorf("parameter %s has %d values, expected %d", spec.Name, len(snap.Value(i)), spec.Size())
		}
	}
	if n <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", n)
	}
	if len(images) != n*inputSize {
		return fmt.Errorf("batch of %d images has %d values, expected %d", n, len(images), n*inputSize)
	}
	return nil
}
