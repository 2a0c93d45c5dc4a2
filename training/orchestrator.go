package training

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/tsawler/go-dptrain/aggregate"
	"github.com/tsawler/go-dptrain/async"
	"github.com/tsawler/go-dptrain/checkpoints"
	"github.com/tsawler/go-dptrain/config"
	"github.com/tsawler/go-dptrain/ema"
	"github.com/tsawler/go-dptrain/metrics"
	"github.com/tsawler/go-dptrain/model"
	"github.com/tsawler/go-dptrain/optimizer"
	"github.com/tsawler/go-dptrain/params"
	"github.com/tsawler/go-dptrain/trainerrors"
)

// State is the lifecycle state of a Trainer.
type State int32

const (
	StateInit State = iota
	StateRestore
	StateRunning
	StateEvaluate
	StateCheckpoint
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateRestore:
		return "RESTORE"
	case StateRunning:
		return "RUNNING"
	case StateEvaluate:
		return "EVALUATE"
	case StateCheckpoint:
		return "CHECKPOINT"
	case StateStopping:
		return "STOPPING"
	case StateStopped:
		return "STOPPED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Names of the smoothed loss components.
const (
	lossName     = "loss"
	dataLossName = "data_loss"
	regLossName  = "reg_loss"
)

// EpochOf returns the epoch a global step falls in.
func EpochOf(step int64, stepsPerEpoch int) int {
	return int(step / int64(stepsPerEpoch))
}

// Option configures a Trainer.
type Option func(*Trainer)

// WithTransforms sets the per-example preprocessing of the training and
// evaluation streams.
func WithTransforms(train, eval async.TransformFunc) Option {
	return func(t *Trainer) {
		t.trainTransform = train
		t.evalTransform = eval
	}
}

// WithProgressOutput sets where the per-epoch progress bar is drawn. It is only
// drawn when Training.ProgressBar is set.
func WithProgressOutput(w io.Writer) Option {
	return func(t *Trainer) {
		t.progress = w
	}
}

// Trainer drives synchronous data-parallel training: every step, each replica
// computes gradients on its own batch against one shared snapshot, the gradients
// are averaged, and the update is committed before the next step starts.
type Trainer struct {
	config config.Config
	model  model.Model
	source async.Source
	sink   metrics.Sink

	trainTransform async.TransformFunc
	evalTransform  async.TransformFunc
	progress       io.Writer

	store     *params.Store
	optimizer optimizer.Optimizer
	scheduler LRScheduler
	lossAvg   *ema.Tracker
	paramAvg  *ema.Tracker
	replicas  []*Replica
	ckpt      *CheckpointManager

	// First batch of the latest step, kept for image summaries
	sample *async.Batch

	state      atomic.Int32
	started    atomic.Bool
	globalStep atomic.Int64
	stop       chan struct{}
	stopOnce   sync.Once
}

// NewTrainer wires a trainer from its configuration. The model's parameters are
// allocated when Run or Evaluate starts.
func NewTrainer(cfg config.Config, m model.Model, source async.Source, sink metrics.Sink, saver *checkpoints.Manager, opts ...Option) (*Trainer, error) {
	specs := m.Specs()
	sizes := make([]int, len(specs))
	for i, spec := range specs {
		sizes[i] = spec.Size()
	}

	// L2 regularization is part of the replica loss, so the optimizer does not
	// decay weights itself.
	opt, err := optimizer.NewSGDOptimizer(optimizer.SGDConfig{
		LearningRate: cfg.Training.LearningRate,
		Momentum:     cfg.Training.Momentum,
		Nesterov:     cfg.Training.Nesterov,
	}, sizes)
	if err != nil {
		return nil, &trainerrors.ErrConfig{Field: "Training", Message: "invalid optimizer settings", Cause: err}
	}
	scheduler, err := NewLRScheduler(cfg.Schedule, cfg.Training.LearningRate)
	if err != nil {
		return nil, err
	}
	lossAvg, err := ema.New(cfg.Training.LossAverageDecay)
	if err != nil {
		return nil, &trainerrors.ErrConfig{Field: "Training.LossAverageDecay", Message: "invalid", Cause: err}
	}
	paramAvg, err := ema.New(cfg.Training.AverageDecay, ema.WithNumUpdates())
	if err != nil {
		return nil, &trainerrors.ErrConfig{Field: "Training.AverageDecay", Message: "invalid", Cause: err}
	}

	t := &Trainer{
		config:    cfg,
		model:     m,
		source:    source,
		sink:      metrics.NewMulti(sink),
		progress:  os.Stderr,
		optimizer: opt,
		scheduler: scheduler,
		lossAvg:   lossAvg,
		paramAvg:  paramAvg,
		ckpt:      NewCheckpointManager(saver),
		stop:      make(chan struct{}),
	}
	for i := 0; i < cfg.Training.NumWorkers; i++ {
		t.replicas = append(t.replicas, NewReplica(i, m, cfg.Training.WeightDecay))
	}
	for _, opt := range opts {
		opt(t)
	}
	t.setState(StateInit)
	return t, nil
}

// State returns the current lifecycle state.
func (t *Trainer) State() State {
	return State(t.state.Load())
}

func (t *Trainer) setState(s State) {
	if previous := State(t.state.Swap(int32(s))); previous != s {
		log.WithFields(log.Fields{"from": previous, "to": s}).Debug("Trainer state change")
	}
}

// GlobalStep returns the number of committed updates.
func (t *Trainer) GlobalStep() int64 {
	return t.globalStep.Load()
}

// Stop asks a running trainer to stop at its next blocking point. Steps already
// committed are checkpointed before Run returns. Stop is idempotent.
func (t *Trainer) Stop() {
	t.stopOnce.Do(func() {
		close(t.stop)
	})
}

// initialize allocates parameters and, when requested, restores the most recent
// checkpoint.
func (t *Trainer) initialize() error {
	if !t.started.CompareAndSwap(false, true) {
		return errors.New("trainer can only be started once")
	}

	rng := rand.New(rand.NewSource(t.config.Training.Seed))
	store, err := params.NewStore(t.model.Specs(), t.model.Init(rng))
	if err != nil {
		t.setState(StateStopped)
		return &trainerrors.ErrConfig{Field: "Model", Message: "invalid parameters", Cause: err}
	}
	t.store = store

	if t.config.Restore {
		t.setState(StateRestore)
		restored, err := t.ckpt.LoadCheckpoint(t.store, t.lossAvg, t.paramAvg, t.optimizer)
		if err != nil {
			t.setState(StateStopped)
			return err
		}
		if !restored {
			log.WithField("path", t.ckpt.saver.Directory()).Info("No checkpoint found, starting from scratch")
		}
	}
	t.ckpt.lastSaved = t.store.Step()
	t.globalStep.Store(t.store.Step())
	return nil
}

// Run trains until the epoch budget is exhausted, ctx ends or Stop is called. A
// graceful stop returns nil; fatal errors are returned after the input pipeline
// has been stopped and joined.
func (t *Trainer) Run(ctx context.Context) error {
	if err := t.initialize(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-t.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	coord := async.NewCoordinator(ctx, t.source)
	train, err := coord.Start(t.streamConfig("train", t.config.Data.TrainFile, true, t.trainTransform))
	if err != nil {
		return t.shutdown(ctx, coord, err)
	}
	return t.shutdown(ctx, coord, t.loop(ctx, coord, train))
}

func (t *Trainer) streamConfig(name, path string, training bool, transform async.TransformFunc) async.StreamConfig {
	epochs := 0
	if !training {
		epochs = 1
	}
	return async.StreamConfig{
		Name:      name,
		Path:      path,
		Training:  training,
		Capacity:  t.config.Data.QueueCapacity,
		Producers: t.config.Data.Producers,
		Epochs:    epochs,
		Transform: transform,
		Seed:      t.config.Data.Seed,
	}
}

func (t *Trainer) loop(ctx context.Context, coord *async.Coordinator, train *async.Stream) error {
	stepsPerEpoch := t.config.Training.StepsPerEpoch
	start := t.store.Step()
	resumeStep := int(start % int64(stepsPerEpoch))

	log.WithFields(log.Fields{
		"step":     start,
		"epoch":    EpochOf(start, stepsPerEpoch),
		"replicas": len(t.replicas),
	}).Info("Starting training")

	for epoch := EpochOf(start, stepsPerEpoch); epoch < t.config.Training.Epochs; epoch++ {
		t.setState(StateRunning)
		lr := t.scheduler.GetLR(epoch, 0, t.config.Training.LearningRate)
		t.optimizer.UpdateLearningRate(lr)

		var bar *ProgressBar
		if t.config.Training.ProgressBar && t.progress != nil {
			bar = NewProgressBar(t.progress, fmt.Sprintf("Epoch %d/%d", epoch+1, t.config.Training.Epochs), stepsPerEpoch)
		}

		var last LossBreakdown
		for step := resumeStep; step < stepsPerEpoch; step++ {
			loss, err := t.step(ctx, coord, train)
			if err != nil {
				return err
			}
			if step == stepsPerEpoch-1 {
				last = loss
			}
			if bar != nil {
				bar.Update(step+1, map[string]float64{"loss": loss.Total})
			}
		}
		resumeStep = 0
		if bar != nil {
			bar.Finish()
		}

		t.setState(StateEvaluate)
		snap, err := t.shadowSnapshot()
		if err != nil {
			return err
		}
		cm, err := t.evaluate(ctx, coord, t.config.Eval, snap)
		if err != nil {
			return err
		}

		t.setState(StateCheckpoint)
		if err := t.ckpt.SaveCheckpoint(t.store.Snapshot(), t.lossAvg, t.paramAvg, t.optimizer); err != nil {
			return err
		}

		t.publish(snap.Step(), lr, last, cm)
		stats := train.Stats()
		log.WithFields(log.Fields{
			"epoch":  epoch + 1,
			"step":   snap.Step(),
			"lr":     lr,
			"queued": stats.Queued,
			"passes": stats.Passes,
		}).
			Infof("After %d training epochs, the training loss = %.4f, the validation accuracy = %.4f",
				epoch+1, last.Total, cm.GetAccuracy())
	}
	return nil
}

// step runs one synchronous update: every replica dequeues its own batch and
// computes gradients against the same snapshot, then the averaged gradient is
// committed and the shadows updated.
func (t *Trainer) step(ctx context.Context, coord *async.Coordinator, train *async.Stream) (LossBreakdown, error) {
	snap := t.store.Snapshot()
	towers := make([]*aggregate.TowerGradients, len(t.replicas))
	losses := make([]LossBreakdown, len(t.replicas))
	var sample *async.Batch

	group, groupCtx := errgroup.WithContext(ctx)
	for i, replica := range t.replicas {
		group.Go(func() error {
			batch, err := coord.Dequeue(groupCtx, train, t.config.Training.BatchSize)
			if err != nil {
				return err
			}
			if i == 0 {
				sample = batch
			}
			tower, loss, err := replica.ComputeStep(groupCtx, batch, snap)
			if err != nil {
				return err
			}
			towers[i], losses[i] = tower, loss
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return LossBreakdown{}, err
	}

	grads, err := aggregate.Average(snap.Specs(), towers)
	if err != nil {
		return LossBreakdown{}, err
	}
	values := snap.Values()
	if err := t.optimizer.Step(values, aggregate.Values(grads)); err != nil {
		return LossBreakdown{}, errors.Wrap(err, "optimizer step failed")
	}
	step, err := t.store.Commit(values)
	if err != nil {
		return LossBreakdown{}, err
	}
	t.globalStep.Store(step)

	var mean LossBreakdown
	n := float64(len(losses))
	for _, l := range losses {
		mean.Total += l.Total / n
		mean.Data += l.Data / n
		mean.Reg += l.Reg / n
	}

	// Parameter shadows first: their update is the only one that can be rejected.
	named := make(map[string][]float64, len(values))
	for i, spec := range snap.Specs() {
		named[spec.Name] = values[i]
	}
	if err := t.paramAvg.UpdateAt(step, named); err != nil {
		return LossBreakdown{}, errors.Wrap(err, "parameter average update failed")
	}
	if err := t.lossAvg.UpdateScalars(map[string]float64{
		lossName:     mean.Total,
		dataLossName: mean.Data,
		regLossName:  mean.Reg,
	}); err != nil {
		return LossBreakdown{}, errors.Wrap(err, "loss average update failed")
	}
	t.sample = sample

	log.WithFields(log.Fields{"step": step, "loss": mean.Total}).Trace("Committed step")
	return mean, nil
}

// shadowSnapshot returns the current parameters with every tracked parameter
// replaced by its shadow.
func (t *Trainer) shadowSnapshot() (*params.Snapshot, error) {
	snap := t.store.Snapshot()
	values := snap.Values()
	for i, spec := range snap.Specs() {
		if shadow, ok := t.paramAvg.Read(spec.Name); ok && len(shadow) == len(values[i]) {
			values[i] = shadow
		}
	}
	return params.NewSnapshot(snap.Step(), snap.Specs(), values)
}

// evaluate runs a single forward-only pass over the test file. A zero batch count
// reads the whole file.
func (t *Trainer) evaluate(ctx context.Context, coord *async.Coordinator, cfg config.EvalConfig, snap *params.Snapshot) (*ConfusionMatrix, error) {
	stream, err := coord.Start(t.streamConfig("eval", t.config.Data.TestFile, false, t.evalTransform))
	if err != nil {
		return nil, err
	}
	defer stream.Stop()

	cm := NewConfusionMatrix(t.model.NumClasses())
	for i := 0; cfg.Batches == 0 || i < cfg.Batches; i++ {
		batch, err := coord.DequeueUpTo(ctx, stream, cfg.BatchSize)
		if errors.Is(err, trainerrors.ErrStreamClosed) {
			break
		}
		if err != nil {
			return nil, err
		}
		scores, err := t.model.Forward(snap, batch.Images, batch.Size)
		if err != nil {
			return nil, &trainerrors.ErrReplicaFailure{Replica: 0, Step: snap.Step(), Cause: errors.Wrap(err, "evaluation forward")}
		}
		if err := cm.Update(scores, batch.Labels); err != nil {
			return nil, errors.Wrap(err, "evaluation")
		}
	}
	// The stream also closes when the pipeline is shutting down.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{"step": snap.Step(), "examples": cm.TotalSamples}).Debug("Evaluation finished")
	return cm, nil
}

// publish sends the epoch's metrics. Sink failures are logged by the sink.
func (t *Trainer) publish(step int64, lr float64, last LossBreakdown, cm *ConfusionMatrix) {
	_ = t.sink.Scalar("learning_rate", step, lr)
	_ = t.sink.Scalar("loss/raw", step, last.Total)
	_ = t.sink.Scalar("data_loss/raw", step, last.Data)
	_ = t.sink.Scalar("reg_loss/raw", step, last.Reg)
	for _, name := range []string{lossName, dataLossName, regLossName} {
		if v, ok := t.lossAvg.ReadScalar(name); ok {
			_ = t.sink.Scalar(name+"/smoothed", step, v)
		}
	}
	_ = t.sink.Scalar("eval/accuracy", step, cm.GetAccuracy())

	if n := t.config.Metrics.Images; n > 0 && t.sample != nil {
		images := make([][]float64, min(n, t.sample.Size))
		for i := range images {
			images[i] = t.sample.Image(i)
		}
		_ = t.sink.Images("train/images", step, images)
	}
}

// shutdown stops and joins the pipeline, flushes a checkpoint after a graceful
// stop and combines any failures.
func (t *Trainer) shutdown(ctx context.Context, coord *async.Coordinator, runErr error) error {
	t.setState(StateStopping)
	coord.RequestStop()
	joinErr := coord.Join()

	stopRequested := ctx.Err() != nil
	if stopRequested && (errors.Is(runErr, context.Canceled) || errors.Is(runErr, trainerrors.ErrStreamClosed)) {
		log.WithField("step", t.store.Step()).Info("Training stopped")
		runErr = nil
	}
	// A stream that closes on its own means a producer failed; Join holds the cause.
	if !stopRequested && errors.Is(runErr, trainerrors.ErrStreamClosed) && joinErr != nil {
		runErr, joinErr = joinErr, nil
	}

	var result *multierror.Error
	if runErr != nil {
		result = multierror.Append(result, runErr)
	} else if t.ckpt.Pending(t.store.Step()) {
		if err := t.ckpt.SaveCheckpoint(t.store.Snapshot(), t.lossAvg, t.paramAvg, t.optimizer); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if joinErr != nil {
		result = multierror.Append(result, joinErr)
	}
	t.setState(StateStopped)

	if result == nil {
		return nil
	}
	if len(result.Errors) == 1 {
		return result.Errors[0]
	}
	return result
}

// Evaluate measures accuracy on the test file with the shadow parameters, restoring
// the most recent checkpoint first when Restore is set.
func (t *Trainer) Evaluate(ctx context.Context) (*ConfusionMatrix, error) {
	if err := t.initialize(); err != nil {
		return nil, err
	}
	if !t.config.Restore {
		log.Warn("Evaluating freshly initialized parameters; set restore to use a checkpoint")
	}

	t.setState(StateEvaluate)
	coord := async.NewCoordinator(ctx, t.source)
	snap, err := t.shadowSnapshot()
	var cm *ConfusionMatrix
	if err == nil {
		cm, err = t.evaluate(ctx, coord, t.config.Test, snap)
	}

	t.setState(StateStopping)
	coord.RequestStop()
	joinErr := coord.Join()
	t.setState(StateStopped)

	if err != nil || joinErr != nil {
		var result *multierror.Error
		if err != nil {
			result = multierror.Append(result, err)
		}
		if joinErr != nil {
			result = multierror.Append(result, joinErr)
		}
		if len(result.Errors) == 1 {
			return nil, result.Errors[0]
		}
		return nil, result
	}

	_ = t.sink.Scalar("test/accuracy", snap.Step(), cm.GetAccuracy())
	log.WithFields(log.Fields{
		"step":            snap.Step(),
		"examples":        cm.TotalSamples,
		"macro_precision": cm.GetMetric(MacroPrecision),
		"macro_recall":    cm.GetMetric(MacroRecall),
	}).Infof("Test accuracy = %.4f", cm.GetAccuracy())
	return cm, nil
}
