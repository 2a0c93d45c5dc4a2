package training

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/tsawler/go-dptrain/params"
)

// CrossEntropyLoss implements sparse softmax cross-entropy for classification
type CrossEntropyLoss struct {
	reduction  string // "mean" or "sum"
	numClasses int
}

// NewCrossEntropyLoss creates a new Cross Entropy loss function
func NewCrossEntropyLoss(numClasses int, reduction string) *CrossEntropyLoss {
	if reduction == "" {
		reduction = "mean"
	}
	return &CrossEntropyLoss{reduction: reduction, numClasses: numClasses}
}

// Compute returns the loss and its gradient with respect to the scores.
// scores: [batch_size * num_classes] raw class scores, row-major
// labels: [batch_size] class indices
func (ce *CrossEntropyLoss) Compute(scores []float64, labels []int) (float64, []float64, error) {
	batchSize := len(labels)
	if batchSize == 0 {
		return 0, nil, fmt.Errorf("empty batch")
	}
	if len(scores) != batchSize*ce.numClasses {
		return 0, nil, fmt.Errorf("score count %d doesn't match batch size %d x %d classes",
			len(scores), batchSize, ce.numClasses)
	}

	grad := make([]float64, len(scores))
	var total float64
	for i, label := range labels {
		if label < 0 || label >= ce.numClasses {
			return 0, nil, fmt.Errorf("target class %d out of range [0, %d)", label, ce.numClasses)
		}
		row := scores[i*ce.numClasses : (i+1)*ce.numClasses]
		gradRow := grad[i*ce.numClasses : (i+1)*ce.numClasses]

		// log-sum-exp keeps large scores finite
		logSum := floats.LogSumExp(row)
		total += logSum - row[label]

		for j, s := range row {
			gradRow[j] = math.Exp(s - logSum)
		}
		gradRow[label] -= 1
	}

	if ce.reduction == "mean" {
		n := float64(batchSize)
		total /= n
		floats.Scale(1/n, grad)
	}
	return total, grad, nil
}

// L2Penalty returns weightDecay * sum(||w||^2) over the weight-like parameters
// of a snapshot, together with the gradient of that term for every parameter
// (zero for the rest).
func L2Penalty(snap *params.Snapshot, weightDecay float64) (float64, [][]float64) {
	specs := snap.Specs()
	grads := make([][]float64, len(specs))
	var penalty float64
	for i, spec := range specs {
		grads[i] = make([]float64, spec.Size())
		if !spec.WeightLike || weightDecay == 0 {
			continue
		}
		w := snap.Value(i)
		penalty += floats.Dot(w, w)
		floats.AddScaled(grads[i], 2*weightDecay, w)
	}
	return weightDecay * penalty, grads
}
