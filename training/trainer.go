package training

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/voxtea/voxtrain/checkpoints"
)

// State is the orchestrator's lifecycle phase.
type State int32

const (
	StateIdle State = iota
	StateInitializing
	StateTrainingEpoch
	StateValidatingEpoch
	StateCheckpointEvaluation
	StateComplete
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitializing:
		return "initializing"
	case StateTrainingEpoch:
		return "training"
	case StateValidatingEpoch:
		return "validating"
	case StateCheckpointEvaluation:
		return "checkpointing"
	case StateComplete:
		return "complete"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// StopCause explains why a run ended.
type StopCause int

const (
	CauseNone StopCause = iota
	CauseCompleted
	CauseEarlyStopping
	CauseDivergence
	CauseCancelled
)

func (c StopCause) String() string {
	switch c {
	case CauseCompleted:
		return "completed"
	case CauseEarlyStopping:
		return "early_stopping"
	case CauseDivergence:
		return "divergence"
	case CauseCancelled:
		return "cancelled"
	default:
		return "none"
	}
}

// Result summarizes a finished run.
type Result struct {
	State             State
	StopCause         StopCause
	EpochsRun         int
	Best              BestState
	TrainHistory      []EpochMetrics
	ValidationHistory []EpochMetrics
	BestCheckpoint    string

	// Err carries the DivergenceError when StopCause is
	// CauseDivergence, nil otherwise.
	Err error
}

// collapseThreshold flags a validation KL term small enough to mean
// the encoder has stopped using the latent space.
const collapseThreshold = 0.01

// skipWarnFraction is the per-epoch skipped sample fraction above
// which the data pipeline is probably broken.
const skipWarnFraction = 0.10

// Orchestrator drives the full training loop: epochs of batched
// forward and backward passes, periodic validation, metric tracking,
// checkpointing, early stopping, and divergence handling. A single
// Run per orchestrator; construct a new one for another run.
type Orchestrator struct {
	cfg     *TrainingConfig
	model   Model
	loss    LossFunction
	trainB  *Batcher
	valB    *Batcher
	opt     Optimizer
	sched   LRScheduler
	tracker *MetricsTracker
	ckpt    *checkpoints.Manager
	logger  *zap.Logger

	state     atomic.Int32
	cancelled atomic.Bool

	mu        sync.Mutex
	running   bool
	listeners []ProgressListener
}

// OrchestratorOption customizes construction.
type OrchestratorOption func(*orchestratorSettings)

type orchestratorSettings struct {
	logger     *zap.Logger
	ckpt       *checkpoints.Manager
	monitored  string
	metricMode MetricMode
	augment    *AugmentConfig
}

// WithLogger attaches a structured logger.
func WithLogger(logger *zap.Logger) OrchestratorOption {
	return func(s *orchestratorSettings) { s.logger = logger }
}

// WithCheckpointManager enables checkpoint persistence.
func WithCheckpointManager(m *checkpoints.Manager) OrchestratorOption {
	return func(s *orchestratorSettings) { s.ckpt = m }
}

// WithMonitoredMetric overrides the metric driving early stopping and
// checkpoint ranking. The default is "loss", minimized.
func WithMonitoredMetric(name string, mode MetricMode) OrchestratorOption {
	return func(s *orchestratorSettings) {
		s.monitored = name
		s.metricMode = mode
	}
}

// WithAugmentConfig overrides the default training transforms.
func WithAugmentConfig(cfg AugmentConfig) OrchestratorOption {
	return func(s *orchestratorSettings) { s.augment = &cfg }
}

// NewOrchestrator validates the config and wires the batchers,
// optimizer, scheduler, and tracker. valDataset may be nil, in which
// case early stopping and checkpoint ranking follow the training
// metrics.
func NewOrchestrator(cfg *TrainingConfig, model Model, loss LossFunction, trainDataset, valDataset Dataset, opts ...OrchestratorOption) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if model == nil {
		return nil, &ConfigError{Field: "model", Reason: "model is nil"}
	}
	if loss == nil {
		return nil, &ConfigError{Field: "loss", Reason: "loss function is nil"}
	}

	settings := &orchestratorSettings{
		logger:     zap.NewNop(),
		monitored:  "loss",
		metricMode: ModeMin,
	}
	for _, opt := range opts {
		opt(settings)
	}

	trainOpts := []BatcherOption{
		WithShuffle(cfg.Shuffle),
		WithBatcherLogger(settings.logger),
	}
	if cfg.Augment {
		ac := DefaultAugmentConfig()
		if settings.augment != nil {
			ac = *settings.augment
		}
		trainOpts = append(trainOpts, WithAugmentation(ac))
	}
	trainB, err := NewBatcher(trainDataset, cfg.BatchSize, cfg.Seed, trainOpts...)
	if err != nil {
		return nil, err
	}

	var valB *Batcher
	if valDataset != nil && valDataset.Len() > 0 {
		valB, err = NewBatcher(valDataset, cfg.BatchSize, cfg.Seed+1,
			WithShuffle(false),
			WithBatcherLogger(settings.logger))
		if err != nil {
			return nil, err
		}
	}

	optimizer, err := NewOptimizer(cfg.OptimizerKind, model.Parameters(), cfg)
	if err != nil {
		return nil, err
	}
	sched, err := NewScheduler(cfg.Scheduler, optimizer, cfg)
	if err != nil {
		return nil, err
	}
	tracker, err := NewMetricsTracker(settings.monitored, settings.metricMode,
		cfg.EarlyStoppingPatience, cfg.EarlyStoppingMinDelta, settings.logger)
	if err != nil {
		return nil, err
	}

	o := &Orchestrator{
		cfg:     cfg,
		model:   model,
		loss:    loss,
		trainB:  trainB,
		valB:    valB,
		opt:     optimizer,
		sched:   sched,
		tracker: tracker,
		ckpt:    settings.ckpt,
		logger:  settings.logger,
	}
	o.state.Store(int32(StateIdle))
	return o, nil
}

// State returns the current lifecycle phase. Safe from any goroutine.
func (o *Orchestrator) State() State {
	return State(o.state.Load())
}

func (o *Orchestrator) setState(s State) {
	o.state.Store(int32(s))
}

// AddListener registers a progress listener. Fails once Run has
// started.
func (o *Orchestrator) AddListener(l ProgressListener) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return fmt.Errorf("cannot add listener while training is running")
	}
	o.listeners = append(o.listeners, l)
	return nil
}

// RemoveListener unregisters a previously added listener. Fails once
// Run has started. Listeners are matched by equality, so func-typed
// adapters like ProgressFunc cannot be removed.
func (o *Orchestrator) RemoveListener(l ProgressListener) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return fmt.Errorf("cannot remove listener while training is running")
	}
	if !reflect.TypeOf(l).Comparable() {
		return fmt.Errorf("listener type %T is not comparable", l)
	}
	for i, reg := range o.listeners {
		if reflect.TypeOf(reg).Comparable() && reg == l {
			o.listeners = append(o.listeners[:i], o.listeners[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("listener not registered")
}

// Cancel requests a cooperative stop. The run finishes the current
// batch, then ends with CauseCancelled. Safe from any goroutine.
func (o *Orchestrator) Cancel() {
	o.cancelled.Store(true)
}

func (o *Orchestrator) notify(message string, fraction float64) {
	o.mu.Lock()
	listeners := o.listeners
	o.mu.Unlock()
	for _, l := range listeners {
		l.OnProgress(message, fraction)
	}
}

func (o *Orchestrator) stopRequested(ctx context.Context) bool {
	if o.cancelled.Load() {
		return true
	}
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// Run executes the configured number of epochs, or fewer when early
// stopping, divergence, or cancellation intervenes. Run blocks; drive
// it from its own goroutine when the caller needs to stay responsive.
func (o *Orchestrator) Run(ctx context.Context) (*Result, error) {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return nil, fmt.Errorf("training is already running")
	}
	o.running = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.running = false
		o.mu.Unlock()
	}()

	o.setState(StateInitializing)
	o.logger.Info("starting training run",
		zap.Int("epochs", o.cfg.Epochs),
		zap.Int("batchSize", o.cfg.BatchSize),
		zap.String("optimizer", o.opt.Name()),
		zap.String("model", o.model.Kind()))

	configJSON, err := json.MarshalIndent(o.cfg, "", "  ")
	if err != nil {
		o.setState(StateStopped)
		return nil, fmt.Errorf("failed to encode run config: %w", err)
	}

	result := &Result{StopCause: CauseNone}

	for epoch := 0; epoch < o.cfg.Epochs; epoch++ {
		if o.stopRequested(ctx) {
			result.StopCause = CauseCancelled
			break
		}

		em, finalized, diverged, err := o.trainEpoch(ctx, epoch)
		if err != nil {
			o.setState(StateStopped)
			return nil, err
		}
		if diverged {
			result.EpochsRun = epoch + 1
			result.StopCause = CauseDivergence
			break
		}
		if !finalized || o.stopRequested(ctx) {
			if finalized {
				result.EpochsRun = epoch + 1
			}
			result.StopCause = CauseCancelled
			break
		}
		result.EpochsRun = epoch + 1

		// With no validation split, the training metrics drive the
		// best state, checkpoint ranking, and early stopping.
		validated := false
		monitorEM := em
		if o.valB == nil {
			o.tracker.ObserveTraining(em)
			validated = true
		} else if (epoch+1)%o.cfg.ValidationFrequency == 0 {
			vem, diverged, err := o.validateEpoch(epoch)
			if err != nil {
				o.setState(StateStopped)
				return nil, err
			}
			if diverged {
				result.StopCause = CauseDivergence
				break
			}
			monitorEM = vem
			validated = true
		}

		if o.ckpt != nil && validated && (epoch+1)%o.cfg.CheckpointFrequency == 0 {
			o.setState(StateCheckpointEvaluation)
			if err := o.saveCheckpoint(epoch, monitorEM, configJSON); err != nil {
				o.setState(StateStopped)
				return nil, err
			}
		}

		if validated && o.tracker.ShouldStop() {
			o.logger.Info("early stopping",
				zap.Int("epoch", epoch),
				zap.Int("patience", o.cfg.EarlyStoppingPatience),
				zap.Float64("best", o.tracker.Best().Value),
				zap.Int("bestEpoch", o.tracker.Best().Epoch))
			result.StopCause = CauseEarlyStopping
			break
		}

		o.sched.EpochEnd(epoch)
	}

	if result.StopCause == CauseNone {
		result.StopCause = CauseCompleted
		o.setState(StateComplete)
		result.State = StateComplete
	} else {
		o.setState(StateStopped)
		result.State = StateStopped
	}
	if result.StopCause == CauseDivergence {
		if derr := o.tracker.DivergenceError(); derr != nil {
			result.Err = derr
		} else {
			result.Err = &DivergenceError{Epoch: result.EpochsRun - 1, Loss: math.NaN()}
		}
	}

	result.Best = o.tracker.Best()
	result.TrainHistory = o.tracker.TrainHistory()
	result.ValidationHistory = o.tracker.ValidationHistory()
	if o.ckpt != nil {
		result.BestCheckpoint = o.ckpt.Best()
	}

	o.logger.Info("training run finished",
		zap.String("state", result.State.String()),
		zap.String("cause", result.StopCause.String()),
		zap.Int("epochsRun", result.EpochsRun),
		zap.String("summary", o.tracker.Summary()))
	o.notify(fmt.Sprintf("finished: %s", result.StopCause), 1)
	return result, nil
}

// trainEpoch runs one pass over the training batcher. finalized is
// false when cancellation stopped the pass before the epoch metrics
// were averaged and appended to the history.
func (o *Orchestrator) trainEpoch(ctx context.Context, epoch int) (em EpochMetrics, finalized, diverged bool, err error) {
	o.setState(StateTrainingEpoch)
	o.model.Train()
	o.loss.SetEpoch(epoch)
	o.tracker.ResetEpoch(epoch)
	if epoch > 0 {
		o.trainB.Reset()
	}
	o.notify(fmt.Sprintf("epoch %d/%d starting", epoch+1, o.cfg.Epochs),
		float64(epoch)/float64(o.cfg.Epochs))

	numBatches := o.trainB.NumBatches()
	batchIdx := 0
	for o.trainB.HasNext() {
		if o.stopRequested(ctx) {
			return EpochMetrics{}, false, false, nil
		}
		batch, err := o.trainB.NextBatch()
		if errors.Is(err, ErrExhausted) {
			break
		}
		if err != nil {
			return EpochMetrics{}, false, false, fmt.Errorf("epoch %d: %w", epoch, err)
		}

		stepDiverged, err := o.trainStep(epoch, batch)
		batch.Release()
		if err != nil {
			return EpochMetrics{}, false, false, fmt.Errorf("epoch %d batch %d: %w", epoch, batchIdx, err)
		}
		if stepDiverged {
			o.logger.Error("loss diverged, stopping run",
				zap.Int("epoch", epoch),
				zap.Int("batch", batchIdx))
			return EpochMetrics{}, false, true, nil
		}

		batchIdx++
		if o.cfg.LogFrequency > 0 && batchIdx%o.cfg.LogFrequency == 0 {
			frac := (float64(epoch) + float64(batchIdx)/float64(numBatches)) / float64(o.cfg.Epochs)
			o.notify(fmt.Sprintf("epoch %d/%d batch %d/%d", epoch+1, o.cfg.Epochs, batchIdx, numBatches), frac)
		}
	}

	if skipped := o.trainB.Skipped(); skipped > 0 {
		total := skipped + batchIdx*o.cfg.BatchSize
		if frac := float64(skipped) / float64(total); frac > skipWarnFraction {
			o.logger.Warn("high sample skip rate this epoch",
				zap.Int("epoch", epoch),
				zap.Int("skipped", skipped),
				zap.Float64("fraction", frac))
		}
	}

	em = o.tracker.FinalizeEpoch(false)
	o.logger.Info("training epoch complete",
		zap.Int("epoch", epoch),
		zap.Float64("loss", em.Values["loss"]),
		zap.Float64("lr", o.opt.GetLR()))

	d, _ := o.tracker.Diverged()
	return em, true, d, nil
}

func (o *Orchestrator) trainStep(epoch int, batch *Batch) (diverged bool, err error) {
	out, err := o.model.Forward(batch)
	if err != nil {
		return false, fmt.Errorf("forward pass failed: %w", err)
	}
	res, err := o.loss.Compute(out, batch)
	if err != nil {
		out.Release()
		return false, fmt.Errorf("loss computation failed: %w", err)
	}

	if math.IsNaN(res.Loss) || math.IsInf(res.Loss, 0) {
		o.tracker.UpdateBatch(res.Components, batch.Size)
		res.Release()
		out.Release()
		return true, nil
	}
	o.tracker.UpdateBatch(res.Components, batch.Size)

	o.opt.ZeroGrad()
	err = o.model.Backward(res.Grad)
	res.Release()
	out.Release()
	if err != nil {
		return false, fmt.Errorf("backward pass failed: %w", err)
	}

	if o.cfg.GradientClipNorm > 0 {
		if _, err := ClipGradNorm(o.model.Parameters(), o.cfg.GradientClipNorm); err != nil {
			return false, fmt.Errorf("gradient clipping failed: %w", err)
		}
	}
	if err := o.opt.Step(); err != nil {
		return false, fmt.Errorf("optimizer step failed: %w", err)
	}
	return false, nil
}

func (o *Orchestrator) validateEpoch(epoch int) (em EpochMetrics, diverged bool, err error) {
	o.setState(StateValidatingEpoch)
	o.model.Eval()
	o.tracker.ResetEpoch(epoch)
	o.valB.Reset()

	for o.valB.HasNext() {
		batch, err := o.valB.NextBatch()
		if errors.Is(err, ErrExhausted) {
			break
		}
		if err != nil {
			return EpochMetrics{}, false, fmt.Errorf("validation epoch %d: %w", epoch, err)
		}
		out, err := o.model.Forward(batch)
		if err != nil {
			batch.Release()
			return EpochMetrics{}, false, fmt.Errorf("validation forward failed: %w", err)
		}
		res, err := o.loss.Compute(out, batch)
		if err != nil {
			out.Release()
			batch.Release()
			return EpochMetrics{}, false, fmt.Errorf("validation loss failed: %w", err)
		}
		o.tracker.UpdateBatch(res.Components, batch.Size)
		res.Release()
		out.Release()
		batch.Release()
	}

	em = o.tracker.FinalizeEpoch(true)
	o.logger.Info("validation epoch complete",
		zap.Int("epoch", epoch),
		zap.Float64("loss", em.Values["loss"]))

	if kl, ok := em.Values["kl_loss"]; ok && kl < collapseThreshold {
		o.logger.Warn("possible posterior collapse, KL term near zero",
			zap.Int("epoch", epoch),
			zap.Float64("klLoss", kl))
	}

	d, _ := o.tracker.Diverged()
	return em, d, nil
}

func (o *Orchestrator) saveCheckpoint(epoch int, em EpochMetrics, configJSON []byte) error {
	metric, ok := em.Values[o.tracker.Monitored()]
	if !ok {
		return nil
	}
	path, err := o.ckpt.Save(o.model, epoch, metric, configJSON, o.tracker)
	if err != nil {
		return fmt.Errorf("checkpoint save failed at epoch %d: %w", epoch, err)
	}
	if path != "" {
		o.notify(fmt.Sprintf("checkpoint saved at epoch %d", epoch+1), float64(epoch+1)/float64(o.cfg.Epochs))
	}
	return nil
}
