package training

import (
	"fmt"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/tsawler/go-dptrain/checkpoints"
	"github.com/tsawler/go-dptrain/ema"
	"github.com/tsawler/go-dptrain/optimizer"
	"github.com/tsawler/go-dptrain/params"
	"github.com/tsawler/go-dptrain/trainerrors"
)

// Shadow groups stored in a checkpoint
const (
	lossShadows  = "loss"
	paramShadows = "params"
)

// CheckpointManager moves trainer state in and out of checkpoint records
type CheckpointManager struct {
	saver     *checkpoints.Manager
	lastSaved int64 // Global step of the last saved or restored state
}

// NewCheckpointManager creates a new checkpoint manager
func NewCheckpointManager(saver *checkpoints.Manager) *CheckpointManager {
	return &CheckpointManager{saver: saver}
}

// Pending reports whether steps were committed since the last save or restore
func (cm *CheckpointManager) Pending(step int64) bool {
	return step != cm.lastSaved
}

// SaveCheckpoint persists parameters, both trackers and the optimizer slots
func (cm *CheckpointManager) SaveCheckpoint(snap *params.Snapshot, lossAvg, paramAvg *ema.Tracker, opt optimizer.Optimizer) error {
	state, err := captureState(snap, lossAvg, paramAvg, opt)
	if err != nil {
		return &trainerrors.ErrCheckpointIO{Op: "save", Path: cm.saver.Directory(), Cause: err}
	}
	if _, err := cm.saver.Save(state); err != nil {
		return err
	}
	cm.lastSaved = snap.Step()
	return nil
}

// LoadCheckpoint restores the most recent record. It reports false when the
// directory holds no record.
func (cm *CheckpointManager) LoadCheckpoint(store *params.Store, lossAvg, paramAvg *ema.Tracker, opt optimizer.Optimizer) (bool, error) {
	state, err := cm.saver.Load()
	if errors.Is(err, trainerrors.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := restoreState(state, store, lossAvg, paramAvg, opt); err != nil {
		return false, &trainerrors.ErrCheckpointIO{Op: "restore", Path: cm.saver.Directory(), Cause: err}
	}
	cm.lastSaved = state.GlobalStep

	log.WithFields(log.Fields{
		"step": state.GlobalStep,
		"id":   state.Metadata.ID,
		"run":  state.Metadata.RunID,
	}).Info("Restored checkpoint")
	return true, nil
}

// captureState creates a checkpoint state from a snapshot and the trainer's trackers
func captureState(snap *params.Snapshot, lossAvg, paramAvg *ema.Tracker, opt optimizer.Optimizer) (*checkpoints.State, error) {
	specs := snap.Specs()
	tensors := make([]checkpoints.Tensor, len(specs))
	for i, spec := range specs {
		tensors[i] = checkpoints.Tensor{
			Name:  spec.Name,
			Shape: append([]int(nil), spec.Shape...),
			Data:  append([]float64(nil), snap.Value(i)...),
		}
	}

	optimizerState, err := opt.GetState()
	if err != nil {
		return nil, errors.Wrap(err, "failed to extract optimizer state")
	}

	return &checkpoints.State{
		GlobalStep: snap.Step(),
		Parameters: tensors,
		Shadows: map[string]map[string][]float64{
			lossShadows:  lossAvg.Snapshot(),
			paramShadows: paramAvg.Snapshot(),
		},
		Optimizer: optimizerState,
	}, nil
}

// restoreState validates a checkpoint against the model's parameters and applies it.
// Nothing is applied unless every parameter matches.
func restoreState(state *checkpoints.State, store *params.Store, lossAvg, paramAvg *ema.Tracker, opt optimizer.Optimizer) error {
	specs := store.Specs()
	values := make([][]float64, len(specs))
	for i, spec := range specs {
		tensor, ok := state.Parameter(spec.Name)
		if !ok {
			return fmt.Errorf("checkpoint has no parameter %s", spec.Name)
		}
		if len(tensor.Data) != spec.Size() {
			return fmt.Errorf("parameter %s: checkpoint has %d elements, model expects %d",
				spec.Name, len(tensor.Data), spec.Size())
		}
		values[i] = tensor.Data
	}
	if len(state.Parameters) != len(specs) {
		return fmt.Errorf("checkpoint has %d parameters, model has %d", len(state.Parameters), len(specs))
	}

	shadows := state.Shadows[paramShadows]
	for name, shadow := range shadows {
		i, ok := store.Index(name)
		if !ok {
			return fmt.Errorf("shadow for unknown parameter %s", name)
		}
		if len(shadow) != specs[i].Size() {
			return fmt.Errorf("shadow %s: checkpoint has %d elements, model expects %d", name, len(shadow), specs[i].Size())
		}
	}

	if state.Optimizer != nil {
		if err := opt.LoadState(state.Optimizer); err != nil {
			return errors.Wrap(err, "failed to restore optimizer state")
		}
	}
	if err := store.Restore(state.GlobalStep, values); err != nil {
		return err
	}
	lossAvg.Restore(state.Shadows[lossShadows])
	paramAvg.Restore(shadows)
	return nil
}
