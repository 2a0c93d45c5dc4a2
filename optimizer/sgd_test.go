package optimizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-dptrain/checkpoints"
)

// TestDefaultSGDConfig tests the default SGD configuration
func TestDefaultSGDConfig(t *testing.T) {
	config := DefaultSGDConfig()

	if config.LearningRate != 0.01 {
		t.Errorf("Expected LearningRate %f, got %f", 0.01, config.LearningRate)
	}
	if config.Momentum != 0 {
		t.Errorf("Expected Momentum %f, got %f", 0.0, config.Momentum)
	}
	if config.WeightDecay != 0 {
		t.Errorf("Expected WeightDecay %f, got %f", 0.0, config.WeightDecay)
	}
	if config.Nesterov {
		t.Errorf("Expected Nesterov false")
	}
}

func TestSGDOptimizerCreationValidation(t *testing.T) {
	tests := []struct {
		name   string
		config SGDConfig
		sizes  []int
	}{
		{"no_sizes", DefaultSGDConfig(), nil},
		{"negative_lr", SGDConfig{LearningRate: -1}, []int{1}},
		{"negative_momentum", SGDConfig{LearningRate: 0.1, Momentum: -0.1}, []int{1}},
		{"momentum_above_one", SGDConfig{LearningRate: 0.1, Momentum: 1.5}, []int{1}},
		{"negative_weight_decay", SGDConfig{LearningRate: 0.1, WeightDecay: -1}, []int{1}},
		{"nesterov_without_momentum", SGDConfig{LearningRate: 0.1, Nesterov: true}, []int{1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSGDOptimizer(tt.config, tt.sizes)
			assert.Error(t, err)
		})
	}
}

func TestSGDStep(t *testing.T) {
	tests := []struct {
		name     string
		config   SGDConfig
		expected []float64 // value after each of two steps with gradient 1
	}{
		{"vanilla", SGDConfig{LearningRate: 0.1}, []float64{0.9, 0.8}},
		{"momentum", SGDConfig{LearningRate: 0.1, Momentum: 0.9}, []float64{0.9, 0.71}},
		{"nesterov", SGDConfig{LearningRate: 0.1, Momentum: 0.9, Nesterov: true}, []float64{0.81, 0.539}},
		{"weight_decay", SGDConfig{LearningRate: 0.1, WeightDecay: 0.5}, []float64{0.85, 0.7075}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sgd, err := NewSGDOptimizer(tt.config, []int{1})
			require.NoError(t, err)

			values := [][]float64{{1}}
			for i, want := range tt.expected {
				require.NoError(t, sgd.Step(values, [][]float64{{1}}))
				assert.InDelta(t, want, values[0][0], 1e-12, "step %d", i+1)
			}
			assert.Equal(t, uint64(2), sgd.GetStepCount())
		})
	}
}

func TestSGDStepShapeMismatchLeavesStateUntouched(t *testing.T) {
	sgd, err := NewSGDOptimizer(SGDConfig{LearningRate: 0.1, Momentum: 0.9, Nesterov: true}, []int{2, 1})
	require.NoError(t, err)
	require.NoError(t, sgd.Step([][]float64{{1, 1}, {1}}, [][]float64{{1, 1}, {1}}))
	before, err := sgd.GetState()
	require.NoError(t, err)

	values := [][]float64{{1, 1}, {1}}
	err = sgd.Step(values, [][]float64{{1, 1}})
	assert.Error(t, err)
	err = sgd.Step(values, [][]float64{{1, 1}, {1, 2}})
	assert.Error(t, err)

	after, err := sgd.GetState()
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, [][]float64{{1, 1}, {1}}, values)
}

func TestSGDUpdateLearningRate(t *testing.T) {
	sgd, err := NewSGDOptimizer(SGDConfig{LearningRate: 0.1}, []int{1})
	require.NoError(t, err)

	sgd.UpdateLearningRate(0.01)
	values := [][]float64{{1}}
	require.NoError(t, sgd.Step(values, [][]float64{{1}}))
	assert.InDelta(t, 0.99, values[0][0], 1e-12)
}

func TestSGDStateRoundTrip(t *testing.T) {
	config := SGDConfig{LearningRate: 0.1, Momentum: 0.9, Nesterov: true}
	sgd, err := NewSGDOptimizer(config, []int{3, 1})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, sgd.Step([][]float64{{1, 2, 3}, {4}}, [][]float64{{0.5, -1, 2}, {1}}))
	}

	state, err := sgd.GetState()
	require.NoError(t, err)
	assert.Equal(t, "SGD", state.Type)
	require.Len(t, state.Slots, 2)
	assert.Equal(t, "momentum_0", state.Slots[0].Name)

	// The state must survive the checkpoint codec unchanged.
	decoded, err := checkpoints.Unmarshal(checkpoints.Marshal(&checkpoints.State{
		GlobalStep: 3,
		Parameters: []checkpoints.Tensor{{Name: "w", Shape: []int{1}, Data: []float64{0}}},
		Optimizer:  state,
	}))
	require.NoError(t, err)

	restored, err := NewSGDOptimizer(config, []int{3, 1})
	require.NoError(t, err)
	require.NoError(t, restored.LoadState(decoded.Optimizer))
	assert.Equal(t, sgd.MomentumBuffers, restored.MomentumBuffers)
	assert.Equal(t, uint64(3), restored.GetStepCount())

	// Both optimizers now produce identical updates.
	a := [][]float64{{1, 1, 1}, {1}}
	b := [][]float64{{1, 1, 1}, {1}}
	grads := [][]float64{{1, 0, -1}, {2}}
	require.NoError(t, sgd.Step(a, grads))
	require.NoError(t, restored.Step(b, grads))
	assert.Equal(t, a, b)
}

func TestSGDLoadStateRejectsBadState(t *testing.T) {
	sgd, err := NewSGDOptimizer(SGDConfig{LearningRate: 0.1, Momentum: 0.9}, []int{2})
	require.NoError(t, err)

	tests := []struct {
		name  string
		state *checkpoints.OptimizerState
	}{
		{"nil", nil},
		{"wrong_type", &checkpoints.OptimizerState{Type: "Adam"}},
		{"bad_index", &checkpoints.OptimizerState{Type: "SGD", Slots: []checkpoints.Tensor{{Name: "momentum_7", Data: []float64{1, 2}}}}},
		{"bad_name", &checkpoints.OptimizerState{Type: "SGD", Slots: []checkpoints.Tensor{{Name: "momentum", Data: []float64{1, 2}}}}},
		{"bad_size", &checkpoints.OptimizerState{Type: "SGD", Slots: []checkpoints.Tensor{{Name: "momentum_0", Data: []float64{1}}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, sgd.LoadState(tt.state))
			assert.Equal(t, []float64{0, 0}, sgd.MomentumBuffers[0])
		})
	}
}
