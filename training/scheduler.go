package training

import (
	"fmt"
	"math"
	"sort"

	"github.com/tsawler/go-dptrain/config"
	"github.com/tsawler/go-dptrain/trainerrors"
)

// LRScheduler defines the interface for learning rate scheduling strategies
// All schedulers are stateless, so a resumed run recomputes the same rate from the epoch
type LRScheduler interface {
	// GetLR returns the learning rate for the current epoch/step
	// This is a pure function - no state modifications
	GetLR(epoch int, step int, baseLR float64) float64

	// GetName returns the scheduler name for logging
	GetName() string
}

// StepLRScheduler reduces learning rate by a factor every stepSize epochs
type StepLRScheduler struct {
	StepSize int     // Epochs between LR reductions
	Gamma    float64 // Multiplicative factor of LR decay
}

// NewStepLRScheduler creates a step learning rate scheduler
func NewStepLRScheduler(stepSize int, gamma float64) *StepLRScheduler {
	if stepSize <= 0 {
		stepSize = 30 // Default: reduce every 30 epochs
	}
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.1 // Default: reduce by 10x
	}
	return &StepLRScheduler{
		StepSize: stepSize,
		Gamma:    gamma,
	}
}

func (s *StepLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	// Calculate how many times to apply gamma
	times := epoch / s.StepSize
	return baseLR * math.Pow(s.Gamma, float64(times))
}

func (s *StepLRScheduler) GetName() string {
	return "StepLR"
}

// ExponentialLRScheduler decays learning rate exponentially
type ExponentialLRScheduler struct {
	Gamma float64 // Multiplicative factor of LR decay per epoch
}

// NewExponentialLRScheduler creates an exponential learning rate scheduler
func NewExponentialLRScheduler(gamma float64) *ExponentialLRScheduler {
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.95 // Default: 5% reduction per epoch
	}
	return &ExponentialLRScheduler{
		Gamma: gamma,
	}
}

func (s *ExponentialLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(epoch))
}

func (s *ExponentialLRScheduler) GetName() string {
	return "ExponentialLR"
}

// CosineAnnealingLRScheduler implements cosine annealing schedule
type CosineAnnealingLRScheduler struct {
	TMax   int     // Maximum number of epochs
	EtaMin float64 // Minimum learning rate
}

// NewCosineAnnealingLRScheduler creates a cosine annealing scheduler
func NewCosineAnnealingLRScheduler(tMax int, etaMin float64) *CosineAnnealingLRScheduler {
	if tMax <= 0 {
		tMax = 100 // Default: 100 epochs
	}
	if etaMin < 0 {
		etaMin = 0 // Default: anneal to 0
	}
	return &CosineAnnealingLRScheduler{
		TMax:   tMax,
		EtaMin: etaMin,
	}
}

func (s *CosineAnnealingLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	if epoch >= s.TMax {
		return s.EtaMin
	}

	// Cosine annealing formula
	return s.EtaMin + (baseLR-s.EtaMin)*(1+math.Cos(math.Pi*float64(epoch)/float64(s.TMax)))/2
}

func (s *CosineAnnealingLRScheduler) GetName() string {
	return "CosineAnnealingLR"
}

// NoOpScheduler maintains constant learning rate (default behavior)
type NoOpScheduler struct{}

func (s *NoOpScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR
}

func (s *NoOpScheduler) GetName() string {
	return "ConstantLR"
}

// PiecewiseConstantScheduler holds Values[i] for epochs in [Boundaries[i-1], Boundaries[i]).
// Epochs before the first boundary use Values[0]; epochs at or after the last use
// the final value.
type PiecewiseConstantScheduler struct {
	Boundaries []int
	Values     []float64
}

// NewPiecewiseConstantScheduler validates and creates a piecewise-constant
// schedule. When values is empty the rate drops tenfold at each boundary,
// starting from baseLR.
func NewPiecewiseConstantScheduler(boundaries []int, values []float64, baseLR float64) (*PiecewiseConstantScheduler, error) {
	if err := config.ValidatePiecewise(boundaries, values); err != nil {
		return nil, err
	}
	if len(values) == 0 {
		if baseLR <= 0 {
			return nil, &trainerrors.ErrConfig{Field: "Training.LearningRate", Message: "must be positive"}
		}
		values = make([]float64, len(boundaries)+1)
		for i := range values {
			values[i] = baseLR / math.Pow(10, float64(i))
		}
	}
	return &PiecewiseConstantScheduler{
		Boundaries: append([]int(nil), boundaries...),
		Values:     append([]float64(nil), values...),
	}, nil
}

func (s *PiecewiseConstantScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	// Index of the first boundary greater than epoch
	i := sort.Search(len(s.Boundaries), func(i int) bool { return s.Boundaries[i] > epoch })
	return s.Values[i]
}

func (s *PiecewiseConstantScheduler) GetName() string {
	return "PiecewiseConstant"
}

// NewLRScheduler builds the scheduler selected by the configuration.
func NewLRScheduler(cfg config.ScheduleConfig, baseLR float64) (LRScheduler, error) {
	switch cfg.Kind {
	case "piecewise", "":
		return NewPiecewiseConstantScheduler(cfg.Boundaries, cfg.Values, baseLR)
	case "step":
		return NewStepLRScheduler(cfg.StepSize, cfg.Gamma), nil
	case "exponential":
		return NewExponentialLRScheduler(cfg.Gamma), nil
	case "cosine":
		return NewCosineAnnealingLRScheduler(cfg.TMax, cfg.EtaMin), nil
	case "constant":
		return &NoOpScheduler{}, nil
	default:
		return nil, &trainerrors.ErrConfig{Field: "Schedule.Kind", Message: fmt.Sprintf("unknown scheduler %q", cfg.Kind)}
	}
}
