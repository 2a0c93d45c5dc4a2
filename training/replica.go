package training

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	"github.com/tsawler/go-dptrain/aggregate"
	"github.com/tsawler/go-dptrain/async"
	"github.com/tsawler/go-dptrain/model"
	"github.com/tsawler/go-dptrain/params"
	"github.com/tsawler/go-dptrain/trainerrors"
)

// LossBreakdown is the loss one replica computed for its batch.
type LossBreakdown struct {
	Total float64
	Data  float64
	Reg   float64
}

// Replica runs the model over one batch per step. Replicas are stateless between
// steps; every replica of a step reads the same snapshot.
type Replica struct {
	ID          int
	Model       model.Model
	WeightDecay float64

	loss *CrossEntropyLoss
}

// NewReplica creates the replica with the given id.
func NewReplica(id int, m model.Model, weightDecay float64) *Replica {
	return &Replica{
		ID:          id,
		Model:       m,
		WeightDecay: weightDecay,
		loss:        NewCrossEntropyLoss(m.NumClasses(), "mean"),
	}
}

// ComputeStep returns the gradient of data loss plus L2 regularization with respect
// to every parameter of snap, in spec order. Any model failure, including a panic,
// is returned as an *trainerrors.ErrReplicaFailure.
func (r *Replica) ComputeStep(ctx context.Context, batch *async.Batch, snap *params.Snapshot) (tower *aggregate.TowerGradients, loss LossBreakdown, err error) {
	defer func() {
		if p := recover(); p != nil {
			tower, loss = nil, LossBreakdown{}
			err = r.failure(snap, fmt.Errorf("panic: %v", p))
		}
	}()

	if err := ctx.Err(); err != nil {
		return nil, LossBreakdown{}, err
	}

	scores, err := r.Model.Forward(snap, batch.Images, batch.Size)
	if err != nil {
		return nil, LossBreakdown{}, r.failure(snap, errors.Wrap(err, "forward"))
	}
	dataLoss, dScores, err := r.loss.Compute(scores, batch.Labels)
	if err != nil {
		return nil, LossBreakdown{}, r.failure(snap, errors.Wrap(err, "loss"))
	}
	grads, err := r.Model.Backward(snap, batch.Images, batch.Size, dScores)
	if err != nil {
		return nil, LossBreakdown{}, r.failure(snap, errors.Wrap(err, "backward"))
	}

	specs := snap.Specs()
	if len(grads) != len(specs) {
		return nil, LossBreakdown{}, r.failure(snap, fmt.Errorf("model returned %d gradients for %d parameters", len(grads), len(specs)))
	}
	regLoss, regGrads := L2Penalty(snap, r.WeightDecay)

	names := make([]string, len(specs))
	for i, spec := range specs {
		if len(grads[i]) != spec.Size() {
			return nil, LossBreakdown{}, r.failure(snap, fmt.Errorf("gradient for %s has %d elements, expected %d", spec.Name, len(grads[i]), spec.Size()))
		}
		floats.Add(grads[i], regGrads[i])
		names[i] = spec.Name
	}

	return &aggregate.TowerGradients{Replica: r.ID, Names: names, Grads: grads},
		LossBreakdown{Total: dataLoss + regLoss, Data: dataLoss, Reg: regLoss},
		nil
}

func (r *Replica) failure(snap *params.Snapshot, cause error) error {
	return &trainerrors.ErrReplicaFailure{Replica: r.ID, Step: snap.Step(), Cause: cause}
}
