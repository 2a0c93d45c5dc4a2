package model

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/tsawler/go-dptrain/params"
)

// MLP is a one-hidden-layer ReLU network.
type MLP struct {
	hidden dense
	logits dense
	specs  []params.Spec
}

// NewMLP creates a multilayer perceptron classifier.
func NewMLP(inputSize, hiddenSize, numClasses int) *MLP {
	m := &MLP{
		hidden: dense{weights: 0, bias: 1, in: inputSize, out: hiddenSize},
		logits: dense{weights: 2, bias: 3, in: hiddenSize, out: numClasses},
	}
	m.specs = append(m.hidden.specs("hidden"), m.logits.specs("logits")...)
	return m
}

func (m *MLP) Specs() []params.Spec { return m.specs }
func (m *MLP) NumClasses() int      { return m.logits.out }
func (m *MLP) InputSize() int       { return m.hidden.in }

func (m *MLP) activations(snap *params.Snapshot, x *mat.Dense) *mat.Dense {
	h := m.hidden.forward(snap, x)
	h.Apply(func(_, _ int, v float64) float64 {
		if v < 0 {
			return 0
		}
		return v
	}, h)
	return h
}

func (m *MLP) Forward(snap *params.Snapshot, images []float64, n int) ([]float64, error) {
	if err := checkBatch(snap, m.specs, images, n, m.hidden.in); err != nil {
		return nil, err
	}
	x := mat.NewDense(n, m.hidden.in, images)
	return rawData(m.logits.forward(snap, m.activations(snap, x))), nil
}

func (m *MLP) Backward(snap *params.Snapshot, images []float64, n int, dScores []float64) ([][]float64, error) {
	if err := checkBatch(snap, m.specs, images, n, m.hidden.in); err != nil {
		return nil, err
	}
	if len(dScores) != n*m.logits.out {
		return nil, fmt.Errorf("score gradient has %d values, expected %d", len(dScores), n*m.logits.out)
	}
	x := mat.NewDense(n, m.hidden.in, images)
	h := m.activations(snap, x)
	dy := mat.NewDense(n, m.logits.out, dScores)

	dw2, db2, dh := m.logits.backward(snap, h, dy, true)
	// ReLU gate
	dh.Apply(func(i, j int, v float64) float64 {
		if h.At(i, j) <= 0 {
			return 0
		}
		return v
	}, dh)
	dw1, db1, _ := m.hidden.backward(snap, x, dh, false)
	return [][]float64{dw1, db1, dw2, db2}, nil
}

func (m *MLP) Init(rng *rand.Rand) [][]float64 {
	w1, b1 := m.hidden.init(rng, 2)
	w2, b2 := m.logits.init(rng, 1)
	return [][]float64{w1, b1, w2, b2}
}
