package optimizer

import (
	"fmt"
	"testing"

	"github.com/tsawler/go-dptrain/checkpoints"
)

// MockOptimizer implements the Optimizer interface for testing
type MockOptimizer struct {
	stepCount    uint64
	learningRate float64
	sizes        []int
}

func (m *MockOptimizer) Step(values [][]float64, grads [][]float64) error {
	if err := validateShapes(m.sizes, values, grads); err != nil {
		return err
	}
	m.stepCount++
	return nil
}

func (m *MockOptimizer) GetState() (*checkpoints.OptimizerState, error) {
	return &checkpoints.OptimizerState{
		Type: "Mock",
		Parameters: map[string]float64{
			"learning_rate": m.learningRate,
			"step_count":    float64(m.stepCount),
		},
	}, nil
}

func (m *MockOptimizer) LoadState(state *checkpoints.OptimizerState) error {
	if err := validateStateType("Mock", state); err != nil {
		return err
	}
	m.learningRate = extractFloatParam(state.Parameters, "learning_rate", 0.001)
	m.stepCount = uint64(extractFloatParam(state.Parameters, "step_count", 0))
	return nil
}

func (m *MockOptimizer) GetStepCount() uint64 {
	return m.stepCount
}

func (m *MockOptimizer) UpdateLearningRate(lr float64) {
	m.learningRate = lr
}

var (
	_ Optimizer = (*MockOptimizer)(nil)
	_ Optimizer = (*SGDOptimizerState)(nil)
)

// TestOptimizerInterface tests the Optimizer interface using a mock implementation
func TestOptimizerInterface(t *testing.T) {
	var optimizer Optimizer = &MockOptimizer{learningRate: 0.001, sizes: []int{2}}

	if err := optimizer.Step([][]float64{{1, 2}}, [][]float64{{0, 0}}); err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	if err := optimizer.Step([][]float64{{1, 2}}, [][]float64{{0}}); err == nil {
		t.Errorf("Expected error for mismatched gradient")
	}
	if optimizer.GetStepCount() != 1 {
		t.Errorf("Expected step count 1, got %d", optimizer.GetStepCount())
	}

	optimizer.UpdateLearningRate(0.1)
	state, err := optimizer.GetState()
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}

	restored := &MockOptimizer{sizes: []int{2}}
	if err := restored.LoadState(state); err != nil {
		t.Fatalf("LoadState failed: %v", err)
	}
	if restored.learningRate != 0.1 || restored.stepCount != 1 {
		t.Errorf("Restored state mismatch: lr=%f step=%d", restored.learningRate, restored.stepCount)
	}
	if err := restored.LoadState(&checkpoints.OptimizerState{Type: "SGD"}); err == nil {
		t.Errorf("Expected type mismatch error")
	}
}

func TestValidateShapes(t *testing.T) {
	sizes := []int{2, 1}
	tests := []struct {
		values, grads [][]float64
		ok            bool
	}{
		{[][]float64{{1, 2}, {3}}, [][]float64{{0, 0}, {0}}, true},
		{[][]float64{{1, 2}}, [][]float64{{0, 0}, {0}}, false},
		{[][]float64{{1, 2}, {3}}, [][]float64{{0, 0}}, false},
		{[][]float64{{1, 2}, {3}}, [][]float64{{0}, {0}}, false},
	}
	for i, tt := range tests {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			err := validateShapes(sizes, tt.values, tt.grads)
			if (err == nil) != tt.ok {
				t.Errorf("validateShapes error = %v, expected ok=%t", err, tt.ok)
			}
		})
	}
}
