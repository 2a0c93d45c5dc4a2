package model

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/tsawler/go-dptrain/params"
)

// Linear is a softmax-regression classifier: scores = x * W + b.
type Linear struct {
	layer dense
	specs []params.Spec
}

// NewLinear creates a linear classifier.
func NewLinear(inputSize, numClasses int) *Linear {
	layer := dense{weights: 0, bias: 1, in: inputSize, out: numClasses}
	return &Linear{layer: layer, specs: layer.specs("linear")}
}

func (l *Linear) Specs() []params.Spec { return l.specs }
func (l *Linear) NumClasses() int      { return l.layer.out }
func (l *Linear) InputSize() int       { return l.layer.in }

func (l *Linear) Forward(snap *params.Snapshot, images []float64, n int) ([]float64, error) {
	if err := checkBatch(snap, l.specs, images, n, l.layer.in); err != nil {
		return nil, err
	}
	x := mat.NewDense(n, l.layer.in, images)
	return rawData(l.layer.forward(snap, x)), nil
}

func (l *Linear) Backward(snap *params.Snapshot, images []float64, n int, dScores []float64) ([][]float64, error) {
	if err := checkBatch(snap, l.specs, images, n, l.layer.in); err != nil {
		return nil, err
	}
	if len(dScores) != n*l.layer.out {
		return nil, fmt.Errorf("score gradient has %d values, expected %d", len(dScores), n*l.layer.out)
	}
	x := mat.NewDense(n, l.layer.in, images)
	dy := mat.NewDense(n, l.layer.out, dScores)
	dw, db, _ := l.layer.backward(snap, x, dy, false)
	return [][]float64{dw, db}, nil
}

func (l *Linear) Init(rng *rand.Rand) [][]float64 {
	w, b := l.layer.init(rng, 1)
	return [][]float64{w, b}
}
