package optimizer

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tsawler/go-dptrain/checkpoints"
)

// Optimizer defines the common interface for all optimizers
// This interface enables state save/restore for checkpoint functionality.
type Optimizer interface {
	// Step applies one update to values, which the caller owns (a staged copy of
	// the parameter store). Either every value is updated or, on error, none of
	// the optimizer's own state changes.
	Step(values [][]float64, grads [][]float64) error

	// GetState extracts optimizer state for checkpointing
	GetState() (*checkpoints.OptimizerState, error)

	// LoadState restores optimizer state from checkpoint
	LoadState(state *checkpoints.OptimizerState) error

	// GetStepCount returns the current optimization step number
	GetStepCount() uint64

	// UpdateLearningRate updates the learning rate
	UpdateLearningRate(lr float64)
}

// Common helper functions for state extraction

// extractBufferIndex extracts the buffer index from state tensor names like "momentum_0"
func extractBufferIndex(name string) int {
	idx := strings.LastIndexByte(name, '_')
	if idx < 0 {
		return -1
	}
	n, err := strconv.Atoi(name[idx+1:])
	if err != nil || n < 0 {
		return -1
	}
	return n
}

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType string, state *checkpoints.OptimizerState) error {
	if state == nil {
		return fmt.Errorf("optimizer state is nil")
	}
	if state.Type != optimizerType {
		return fmt.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}

// validateShapes checks that values and grads line up with the expected sizes.
func validateShapes(sizes []int, values, grads [][]float64) error {
	if len(grads) != len(sizes) {
		return fmt.Errorf("gradient count (%d) doesn't match parameter count (%d)", len(grads), len(sizes))
	}
	if len(values) != len(sizes) {
		return fmt.Errorf("value count (%d) doesn't match parameter count (%d)", len(values), len(sizes))
	}
	for i, size := range sizes {
		if len(values[i]) != size || len(grads[i]) != size {
			return fmt.Errorf("parameter %d: expected %d elements, got value %d and gradient %d",
				i, size, len(values[i]), len(grads[i]))
		}
	}
	return nil
}
