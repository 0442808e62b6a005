package http

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"transitscope/archive"
	"transitscope/db"
	"transitscope/lightcurve"
	"transitscope/ml"
	"transitscope/monitoring"
)

// DefaultModelPath is where trained parameters land unless overridden.
const DefaultModelPath = "local-store://transit-cnn"

// ErrTrainingInProgress reports that a run is already active.
var ErrTrainingInProgress = errors.New("training already in progress")

// historyTail bounds how many epoch rows the status endpoint returns.
const historyTail = 20

// TrainRequest are the knobs accepted by the train endpoint. Zero
// values fall back to defaults.
type TrainRequest struct {
	Samples      int     `json:"samples"`
	Epochs       int     `json:"epochs"`
	BatchSize    int     `json:"batch_size"`
	LearningRate float64 `json:"learning_rate"`
	ModelPath    string  `json:"model_path"`
}

// Trainer is the model surface the job drives.
type Trainer interface {
	TrainModel(ctx context.Context, curves []lightcurve.Curve, labels []int, cfg ml.TrainConfig) (*ml.TrainingHistory, error)
	EvaluateModel(curves []lightcurve.Curve, labels []int) (ml.EvaluationMetrics, error)
	SaveModel(ctx context.Context, path string) error
	ModelVersion() string
}

// RunStore persists completed training runs.
type RunStore interface {
	SaveTrainingRun(ctx context.Context, run db.TrainingRun) error
}

// TrainingStatus is a point-in-time view of the job.
type TrainingStatus struct {
	Running     bool                  `json:"running"`
	StartedAt   time.Time             `json:"started_at,omitempty"`
	CompletedAt time.Time             `json:"completed_at,omitempty"`
	Samples     int                   `json:"samples"`
	Epoch       int                   `json:"epoch"`
	TotalEpochs int                   `json:"total_epochs"`
	ModelPath   string                `json:"model_path"`
	History     []ml.EpochStats       `json:"history,omitempty"`
	Metrics     *ml.EvaluationMetrics `json:"metrics,omitempty"`
	Error       string                `json:"error,omitempty"`
}

// TrainingJob runs at most one training pass at a time. It builds a
// labeled set from the synthetic archive, trains the detector, persists
// the run row and saves the parameter blob.
type TrainingJob struct {
	trainer Trainer
	gen     *archive.Synthetic
	store   RunStore
	hub     *monitoring.Hub
	logger  *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
	status TrainingStatus
}

// NewTrainingJob wires the job. store and hub may be nil.
func NewTrainingJob(trainer Trainer, gen *archive.Synthetic, store RunStore, hub *monitoring.Hub, logger *zap.Logger) *TrainingJob {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TrainingJob{
		trainer: trainer,
		gen:     gen,
		store:   store,
		hub:     hub,
		logger:  logger,
	}
}

// Start launches a run in the background. A second Start while one is
// active returns ErrTrainingInProgress.
func (j *TrainingJob) Start(req TrainRequest) error {
	if j.trainer == nil || j.gen == nil {
		return errors.New("training job needs a trainer and a synthetic source")
	}
	if req.Samples <= 0 {
		req.Samples = 200
	}
	if req.Epochs <= 0 {
		req.Epochs = 10
	}
	if req.ModelPath == "" {
		req.ModelPath = DefaultModelPath
	}

	j.mu.Lock()
	if j.status.Running {
		j.mu.Unlock()
		return ErrTrainingInProgress
	}
	ctx, cancel := context.WithCancel(context.Background())
	j.cancel = cancel
	j.status = TrainingStatus{
		Running:     true,
		StartedAt:   time.Now().UTC(),
		Samples:     req.Samples,
		TotalEpochs: req.Epochs,
		ModelPath:   req.ModelPath,
	}
	j.mu.Unlock()

	j.wg.Add(1)
	go j.run(ctx, req)
	return nil
}

func (j *TrainingJob) run(ctx context.Context, req TrainRequest) {
	defer j.wg.Done()

	j.logger.Info("training started",
		zap.Int("samples", req.Samples),
		zap.Int("epochs", req.Epochs),
		zap.String("model_path", req.ModelPath))

	metrics, err := j.train(ctx, req)

	j.mu.Lock()
	j.status.Running = false
	j.status.CompletedAt = time.Now().UTC()
	if err != nil {
		j.status.Error = err.Error()
	} else {
		j.status.Metrics = &metrics
	}
	j.mu.Unlock()

	if err != nil {
		j.logger.Error("training failed", zap.Error(err))
		return
	}
	j.logger.Info("training complete",
		zap.Float64("accuracy", metrics.Accuracy),
		zap.Float64("roc_auc", metrics.ROCAUC))
}

func (j *TrainingJob) train(ctx context.Context, req TrainRequest) (ml.EvaluationMetrics, error) {
	ids := archive.CatalogIDs(req.Samples)
	curves, labels, err := ml.BuildTrainingSet(ctx, j.gen, ids)
	if err != nil {
		return ml.EvaluationMetrics{}, err
	}

	cfg := ml.TrainConfig{
		Epochs:       req.Epochs,
		BatchSize:    req.BatchSize,
		LearningRate: req.LearningRate,
		OnEpoch:      func(stats ml.EpochStats) { j.onEpoch(stats, req.Epochs) },
	}
	history, err := j.trainer.TrainModel(ctx, curves, labels, cfg)
	if err != nil {
		return ml.EvaluationMetrics{}, err
	}

	metrics, err := j.trainer.EvaluateModel(curves, labels)
	if err != nil {
		return ml.EvaluationMetrics{}, err
	}

	if err := j.trainer.SaveModel(ctx, req.ModelPath); err != nil {
		return ml.EvaluationMetrics{}, err
	}

	if j.store != nil {
		finalLoss := 0.0
		if n := len(history.Epochs); n > 0 {
			finalLoss = history.Epochs[n-1].TrainLoss
		}
		run := db.TrainingRun{
			ModelVersion: j.trainer.ModelVersion(),
			DataPoints:   len(curves),
			Epochs:       len(history.Epochs),
			FinalLoss:    finalLoss,
			Accuracy:     metrics.Accuracy,
			Precision:    metrics.Precision,
			Recall:       metrics.Recall,
			F1Score:      metrics.F1Score,
			ROCAUC:       metrics.ROCAUC,
			TrainedAt:    time.Now().UTC(),
		}
		if err := j.store.SaveTrainingRun(ctx, run); err != nil {
			j.logger.Warn("training run not persisted", zap.Error(err))
		}
	}

	return metrics, nil
}

func (j *TrainingJob) onEpoch(stats ml.EpochStats, totalEpochs int) {
	j.mu.Lock()
	j.status.Epoch = stats.Epoch
	j.status.History = append(j.status.History, stats)
	if len(j.status.History) > historyTail {
		j.status.History = j.status.History[len(j.status.History)-historyTail:]
	}
	j.mu.Unlock()

	if j.hub != nil {
		j.hub.PublishTrainingProgress(monitoring.TrainingProgressMessage{
			Epoch:        stats.Epoch,
			TotalEpochs:  totalEpochs,
			TrainLoss:    stats.TrainLoss,
			ValLoss:      stats.ValLoss,
			ValAccuracy:  stats.ValAccuracy,
			ModelVersion: j.trainer.ModelVersion(),
		})
	}
}

// Status returns a detached copy of the job state.
func (j *TrainingJob) Status() TrainingStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	status := j.status
	status.History = append([]ml.EpochStats(nil), j.status.History...)
	return status
}

// IsRunning reports whether a run is active.
func (j *TrainingJob) IsRunning() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status.Running
}

// Stop cancels an active run and waits for it to wind down.
func (j *TrainingJob) Stop() {
	j.mu.Lock()
	cancel := j.cancel
	j.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	j.wg.Wait()
}
