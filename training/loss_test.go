package training

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-dptrain/params"
)

func TestCrossEntropyLoss(t *testing.T) {
	ce := NewCrossEntropyLoss(2, "")

	// Equal scores: every class has probability 1/2.
	loss, grad, err := ce.Compute([]float64{0, 0, 3, 3}, []int{0, 1})
	require.NoError(t, err)
	assert.InDelta(t, math.Log(2), loss, 1e-12)
	assert.InDeltaSlice(t, []float64{-0.25, 0.25, 0.25, -0.25}, grad, 1e-12)

	sum := NewCrossEntropyLoss(2, "sum")
	loss, grad, err = sum.Compute([]float64{0, 0, 3, 3}, []int{0, 1})
	require.NoError(t, err)
	assert.InDelta(t, 2*math.Log(2), loss, 1e-12)
	assert.InDeltaSlice(t, []float64{-0.5, 0.5, 0.5, -0.5}, grad, 1e-12)
}

func TestCrossEntropyLossLargeScores(t *testing.T) {
	ce := NewCrossEntropyLoss(3, "mean")
	loss, grad, err := ce.Compute([]float64{1000, 0, -1000}, []int{1})
	require.NoError(t, err)
	assert.False(t, math.IsInf(loss, 0) || math.IsNaN(loss))
	assert.InDelta(t, 1000, loss, 1e-9)
	assert.InDeltaSlice(t, []float64{1, -1, 0}, grad, 1e-9)
}

func TestCrossEntropyLossErrors(t *testing.T) {
	ce := NewCrossEntropyLoss(2, "mean")

	tests := map[string]struct {
		scores []float64
		labels []int
	}{
		"empty batch":     {nil, nil},
		"score count":     {[]float64{0, 0, 0}, []int{0}},
		"label too large": {[]float64{0, 0}, []int{2}},
		"negative label":  {[]float64{0, 0}, []int{-1}},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			_, _, err := ce.Compute(tt.scores, tt.labels)
			assert.Error(t, err)
		})
	}
}

func TestL2Penalty(t *testing.T) {
	specs := []params.Spec{
		{Name: "w", Shape: []int{2}, WeightLike: true},
		{Name: "b", Shape: []int{1}},
	}
	snap, err := params.NewSnapshot(0, specs, [][]float64{{1, 2}, {3}})
	require.NoError(t, err)

	penalty, grads := L2Penalty(snap, 0.5)
	assert.InDelta(t, 2.5, penalty, 1e-12)
	assert.Equal(t, [][]float64{{1, 2}, {0}}, grads)

	penalty, grads = L2Penalty(snap, 0)
	assert.Equal(t, 0.0, penalty)
	assert.Equal(t, [][]float64{{0, 0}, {0}}, grads)
}
