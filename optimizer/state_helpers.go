package optimizer

import (
	"fmt"

	"github.com/tsawler/go-dptrain/checkpoints"
)

// Common helper functions for optimizer state management

// extractBufferState copies a single buffer into a checkpoint tensor
func extractBufferState(buffer []float64, name string) checkpoints.Tensor {
	return checkpoints.Tensor{
		Name:  name,
		Shape: []int{len(buffer)},
		Data:  append([]float64(nil), buffer...),
	}
}

// restoreBufferState validates checkpointed data against the expected buffer size
// and returns a private copy of it
func restoreBufferState(data []float64, bufferSize int, name string) ([]float64, error) {
	if len(data) != bufferSize {
		return nil, fmt.Errorf("data size mismatch for %s: expected %d elements, got %d",
			name, bufferSize, len(data))
	}
	return append([]float64(nil), data...), nil
}

// extractFloatParam safely extracts a parameter from the state map
func extractFloatParam(params map[string]float64, key string, defaultValue float64) float64 {
	if val, ok := params[key]; ok {
		return val
	}
	return defaultValue
}

func boolParam(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
