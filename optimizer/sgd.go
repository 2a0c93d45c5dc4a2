package optimizer

import (
	"fmt"

	"gonum.org/v1/gonum/floats"

	"github.com/tsawler/go-dptrain/checkpoints"
)

const sgdStateType = "SGD"

// SGDOptimizerState is momentum SGD with optional Nesterov acceleration.
//
// With momentum m, learning rate lr and gradient g the update is
//
//	accum = m*accum + g
//	value -= lr*g + lr*m*accum   (Nesterov)
//	value -= lr*accum            (classic momentum)
type SGDOptimizerState struct {
	// Hyperparameters
	LearningRate float64
	Momentum     float64 // Momentum coefficient (0 for vanilla SGD)
	WeightDecay  float64 // Decoupled decay applied to values; 0 when the loss carries L2
	Nesterov     bool    // Whether to use Nesterov momentum

	// One accumulator per parameter (only if momentum > 0)
	MomentumBuffers [][]float64

	// Step tracking
	StepCount uint64

	// Buffer sizes, in parameter order
	bufferSizes []int
}

// SGDConfig holds configuration for SGD optimizer
type SGDConfig struct {
	LearningRate float64
	Momentum     float64
	WeightDecay  float64
	Nesterov     bool
}

// DefaultSGDConfig returns default SGD optimizer configuration
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		LearningRate: 0.01,
		Momentum:     0.0,
		WeightDecay:  0.0,
		Nesterov:     false,
	}
}

// NewSGDOptimizer creates a new SGD optimizer for parameters of the given sizes.
func NewSGDOptimizer(config SGDConfig, sizes []int) (*SGDOptimizerState, error) {
	if len(sizes) == 0 {
		return nil, fmt.Errorf("no parameter sizes provided")
	}

	// Validate configuration parameters
	if config.LearningRate < 0 {
		return nil, fmt.Errorf("learning rate cannot be negative: %f", config.LearningRate)
	}
	if config.Momentum < 0 {
		return nil, fmt.Errorf("momentum cannot be negative: %f", config.Momentum)
	}
	if config.Momentum > 1.0 {
		return nil, fmt.Errorf("momentum cannot be greater than 1.0: %f", config.Momentum)
	}
	if config.WeightDecay < 0 {
		return nil, fmt.Errorf("weight decay cannot be negative: %f", config.WeightDecay)
	}
	if config.Nesterov && config.Momentum == 0 {
		return nil, fmt.Errorf("nesterov momentum requires a positive momentum")
	}

	sgd := &SGDOptimizerState{
		LearningRate: config.LearningRate,
		Momentum:     config.Momentum,
		WeightDecay:  config.WeightDecay,
		Nesterov:     config.Nesterov,
		bufferSizes:  append([]int(nil), sizes...),
	}

	// Only allocate momentum buffers if momentum > 0
	if config.Momentum > 0 {
		sgd.MomentumBuffers = make([][]float64, len(sizes))
		for i, size := range sizes {
			sgd.MomentumBuffers[i] = make([]float64, size)
		}
	}

	return sgd, nil
}

// Step performs a single SGD optimization step
func (sgd *SGDOptimizerState) Step(values [][]float64, grads [][]float64) error {
	if err := validateShapes(sgd.bufferSizes, values, grads); err != nil {
		return err
	}

	// Stage the new accumulators so a failed step leaves the optimizer untouched.
	var staged [][]float64
	if sgd.MomentumBuffers != nil {
		staged = make([][]float64, len(sgd.MomentumBuffers))
		for i, accum := range sgd.MomentumBuffers {
			next := make([]float64, len(accum))
			floats.ScaleTo(next, sgd.Momentum, accum)
			floats.Add(next, grads[i])
			staged[i] = next
		}
	}

	lr := sgd.LearningRate
	for i, value := range values {
		if sgd.WeightDecay > 0 {
			floats.Scale(1-lr*sgd.WeightDecay, value)
		}
		switch {
		case staged == nil:
			floats.AddScaled(value, -lr, grads[i])
		case sgd.Nesterov:
			floats.AddScaled(value, -lr, grads[i])
			floats.AddScaled(value, -lr*sgd.Momentum, staged[i])
		default:
			floats.AddScaled(value, -lr, staged[i])
		}
	}

	if staged != nil {
		sgd.MomentumBuffers = staged
	}
	sgd.StepCount++
	return nil
}

// UpdateLearningRate updates the learning rate
func (sgd *SGDOptimizerState) UpdateLearningRate(newLR float64) {
	sgd.LearningRate = newLR
}

// GetStepCount returns the current step count
func (sgd *SGDOptimizerState) GetStepCount() uint64 {
	return sgd.StepCount
}

// GetState extracts optimizer state for checkpointing
func (sgd *SGDOptimizerState) GetState() (*checkpoints.OptimizerState, error) {
	slots := make([]checkpoints.Tensor, 0, len(sgd.MomentumBuffers))
	for i, buffer := range sgd.MomentumBuffers {
		slots = append(slots, extractBufferState(buffer, fmt.Sprintf("momentum_%d", i)))
	}

	return &checkpoints.OptimizerState{
		Type: sgdStateType,
		Parameters: map[string]float64{
			"learning_rate": sgd.LearningRate,
			"momentum":      sgd.Momentum,
			"weight_decay":  sgd.WeightDecay,
			"nesterov":      boolParam(sgd.Nesterov),
			"step_count":    float64(sgd.StepCount),
		},
		Slots: slots,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (sgd *SGDOptimizerState) LoadState(state *checkpoints.OptimizerState) error {
	// Validate state type
	if err := validateStateType(sgdStateType, state); err != nil {
		return err
	}

	// Validate every slot before touching anything
	restored := make([][]float64, len(sgd.MomentumBuffers))
	for _, tensor := range state.Slots {
		idx := extractBufferIndex(tensor.Name)
		if idx < 0 || idx >= len(sgd.bufferSizes) {
			return fmt.Errorf("invalid buffer index in tensor name: %s", tensor.Name)
		}
		if sgd.MomentumBuffers == nil {
			return fmt.Errorf("momentum buffer %d not allocated", idx)
		}
		buffer, err := restoreBufferState(tensor.Data, sgd.bufferSizes[idx], tensor.Name)
		if err != nil {
			return err
		}
		restored[idx] = buffer
	}

	// Restore hyperparameters. The learning rate is recomputed from the schedule
	// by the trainer, so restoring it here only matters for standalone use.
	sgd.LearningRate = extractFloatParam(state.Parameters, "learning_rate", sgd.LearningRate)
	sgd.StepCount = uint64(extractFloatParam(state.Parameters, "step_count", float64(sgd.StepCount)))
	for i, buffer := range restored {
		if buffer != nil {
			sgd.MomentumBuffers[i] = buffer
		}
	}

	return nil
}
