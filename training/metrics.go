package training

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
)

// MetricType represents different evaluation metrics
type MetricType int

const (
	Accuracy MetricType = iota
	MacroPrecision
	MacroRecall
	MacroF1
	MicroPrecision
	MicroRecall
	MicroF1
)

func (mt MetricType) String() string {
	switch mt {
	case Accuracy:
		return "Accuracy"
	case MacroPrecision:
		return "MacroPrecision"
	case MacroRecall:
		return "MacroRecall"
	case MacroF1:
		return "MacroF1"
	case MicroPrecision:
		return "MicroPrecision"
	case MicroRecall:
		return "MicroRecall"
	case MicroF1:
		return "MicroF1"
	default:
		return fmt.Sprintf("Unknown(%d)", int(mt))
	}
}

// ConfusionMatrix represents a confusion matrix for classification tasks
type ConfusionMatrix struct {
	NumClasses   int
	Matrix       [][]int // [true_class][predicted_class]
	TotalSamples int
}

// NewConfusionMatrix creates a new confusion matrix
func NewConfusionMatrix(numClasses int) *ConfusionMatrix {
	matrix := make([][]int, numClasses)
	for i := range matrix {
		matrix[i] = make([]int, numClasses)
	}

	return &ConfusionMatrix{
		NumClasses: numClasses,
		Matrix:     matrix,
	}
}

// Reset clears the confusion matrix
func (cm *ConfusionMatrix) Reset() {
	for i := range cm.Matrix {
		for j := range cm.Matrix[i] {
			cm.Matrix[i][j] = 0
		}
	}
	cm.TotalSamples = 0
}

// Update records the arg-max prediction of every row of scores
// ([batch_size * num_classes], row-major) against its label.
func (cm *ConfusionMatrix) Update(scores []float64, labels []int) error {
	if len(scores) != len(labels)*cm.NumClasses {
		return fmt.Errorf("score count %d doesn't match batch size %d x %d classes",
			len(scores), len(labels), cm.NumClasses)
	}
	for _, label := range labels {
		if label < 0 || label >= cm.NumClasses {
			return fmt.Errorf("true class %d out of range [0, %d)", label, cm.NumClasses)
		}
	}

	for i, label := range labels {
		predicted := floats.MaxIdx(scores[i*cm.NumClasses : (i+1)*cm.NumClasses])
		cm.Matrix[label][predicted]++
		cm.TotalSamples++
	}
	return nil
}

// GetMetric returns the requested metric
func (cm *ConfusionMatrix) GetMetric(metric MetricType) float64 {
	switch metric {
	case Accuracy:
		return cm.GetAccuracy()
	case MacroPrecision:
		return cm.calculateMacroPrecision()
	case MacroRecall:
		return cm.calculateMacroRecall()
	case MacroF1:
		return harmonicMean(cm.calculateMacroPrecision(), cm.calculateMacroRecall())
	case MicroPrecision:
		return cm.calculateMicroPrecision()
	case MicroRecall:
		return cm.calculateMicroRecall()
	case MicroF1:
		return harmonicMean(cm.calculateMicroPrecision(), cm.calculateMicroRecall())
	default:
		return 0.0
	}
}

// Multi-class metrics
func (cm *ConfusionMatrix) calculateMacroPrecision() float64 {
	sum := 0.0
	validClasses := 0

	for class := 0; class < cm.NumClasses; class++ {
		tp := float64(cm.Matrix[class][class])
		fp := 0.0

		// Sum false positives for this class
		for otherClass := 0; otherClass < cm.NumClasses; otherClass++ {
			if otherClass != class {
				fp += float64(cm.Matrix[otherClass][class])
			}
		}

		if tp+fp > 0 {
			sum += tp / (tp + fp)
			validClasses++
		}
	}

	if validClasses == 0 {
		return 0.0
	}

	return sum / float64(validClasses)
}

func (cm *ConfusionMatrix) calculateMacroRecall() float64 {
	sum := 0.0
	validClasses := 0

	for class := 0; class < cm.NumClasses; class++ {
		tp := float64(cm.Matrix[class][class])
		fn := 0.0

		// Sum false negatives for this class
		for otherClass := 0; otherClass < cm.NumClasses; otherClass++ {
			if otherClass != class {
				fn += float64(cm.Matrix[class][otherClass])
			}
		}

		if tp+fn > 0 {
			sum += tp / (tp + fn)
			validClasses++
		}
	}

	if validClasses == 0 {
		return 0.0
	}

	return sum / float64(validClasses)
}

// Every misclassification is one false positive and one false negative, so the
// micro averages both reduce to accuracy.
func (cm *ConfusionMatrix) calculateMicroPrecision() float64 {
	return cm.GetAccuracy()
}

func (cm *ConfusionMatrix) calculateMicroRecall() float64 {
	return cm.GetAccuracy()
}

func harmonicMean(precision, recall float64) float64 {
	if precision+recall == 0 {
		return 0.0
	}

	return 2 * (precision * recall) / (precision + recall)
}

// GetAccuracy returns overall classification accuracy
func (cm *ConfusionMatrix) GetAccuracy() float64 {
	if cm.TotalSamples == 0 {
		return 0.0
	}

	correct := 0
	for i := 0; i < cm.NumClasses; i++ {
		correct += cm.Matrix[i][i]
	}

	return float64(correct) / float64(cm.TotalSamples)
}
