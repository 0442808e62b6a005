package ml

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"

	"go.uber.org/zap"

	"transitscope/lightcurve"
	"transitscope/modelstore"
)

// modelVersionTag identifies the architecture/weights generation. It is a
// build constant and is not bumped by training.
const modelVersionTag = "transit-cnn-v1.0"

// ErrModelNotBuilt reports an operation that requires a built or loaded
// parameter set.
var ErrModelNotBuilt = errors.New("model not built")

// PredictionResult is the outcome of one inference call. Saliency holds
// one absolute gradient per input position and is recomputed per call.
type PredictionResult struct {
	Confidence  float64   `json:"confidence"`
	IsExoplanet bool      `json:"is_exoplanet"`
	Saliency    []float64 `json:"saliency"`
}

// TrainConfig controls one training run. Zero values fall back to the
// defaults (10 epochs, batch 32, learning rate 0.001, 20% validation).
type TrainConfig struct {
	Epochs          int     `json:"epochs" yaml:"epochs"`
	BatchSize       int     `json:"batch_size" yaml:"batch_size"`
	LearningRate    float64 `json:"learning_rate" yaml:"learning_rate"`
	ValidationSplit float64 `json:"validation_split" yaml:"validation_split"`

	// OnEpoch, when set, is called after every epoch while the training
	// lock is held. Keep it fast.
	OnEpoch func(EpochStats) `json:"-" yaml:"-"`
}

type EpochStats struct {
	Epoch       int     `json:"epoch"`
	TrainLoss   float64 `json:"train_loss"`
	ValLoss     float64 `json:"val_loss"`
	ValAccuracy float64 `json:"val_accuracy"`
}

type TrainingHistory struct {
	Epochs []EpochStats `json:"epochs"`
}

// ExoplanetDetector owns one trainable parameter set. Training holds the
// write lock for the whole run, so predictions block until it finishes;
// multiple detectors can coexist since nothing here is process-global.
type ExoplanetDetector struct {
	mu     sync.RWMutex
	net    *network
	store  modelstore.BlobStore
	logger *zap.Logger
	rng    *rand.Rand
}

// NewExoplanetDetector creates a detector without parameters; they are
// built lazily on first use, or explicitly via BuildModel/LoadModel. The
// seed drives initialization, shuffling and dropout, so runs repeat
// exactly for a fixed seed and input order.
func NewExoplanetDetector(store modelstore.BlobStore, logger *zap.Logger, seed int64) *ExoplanetDetector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExoplanetDetector{
		store:  store,
		logger: logger,
		rng:    rand.New(rand.NewSource(seed)),
	}
}

// BuildModel installs a fresh randomly-initialized parameter set,
// replacing any existing one.
func (d *ExoplanetDetector) BuildModel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.net = newNetwork(d.rng)
}

func (d *ExoplanetDetector) IsBuilt() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.net != nil
}

func (d *ExoplanetDetector) ModelVersion() string {
	return modelVersionTag
}

// shapeInput applies the normalize then pad-or-truncate pipeline shared by
// training and inference.
func shapeInput(flux []float64) []float64 {
	return lightcurve.PadOrTruncate(lightcurve.NormalizeFlux(flux), InputLength)
}

// TrainModel fits the parameter set to the labeled curves. The set is
// shuffled once per invocation, a validation split is held out for
// monitoring only, and cancellation is honored at epoch boundaries, in
// which case the partial history is returned alongside the context error.
func (d *ExoplanetDetector) TrainModel(ctx context.Context, curves []lightcurve.Curve, labels []int, cfg TrainConfig) (*TrainingHistory, error) {
	if len(curves) == 0 {
		return nil, errors.New("training set is empty")
	}
	if len(curves) != len(labels) {
		return nil, errors.New("curves and labels size mismatch")
	}
	for _, label := range labels {
		if label != 0 && label != 1 {
			return nil, fmt.Errorf("label %d outside {0,1}", label)
		}
	}

	epochs := cfg.Epochs
	if epochs <= 0 {
		epochs = 10
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 32
	}
	learningRate := cfg.LearningRate
	if learningRate <= 0 {
		learningRate = 0.001
	}
	split := cfg.ValidationSplit
	if split <= 0 || split >= 1 {
		split = 0.2
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.net == nil {
		d.net = newNetwork(d.rng)
	}

	inputs := make([][]float64, len(curves))
	targets := make([]float64, len(curves))
	for i, c := range curves {
		inputs[i] = shapeInput(c.Flux)
		targets[i] = float64(labels[i])
	}

	perm := d.rng.Perm(len(inputs))
	shuffledX := make([][]float64, len(inputs))
	shuffledY := make([]float64, len(inputs))
	for i, j := range perm {
		shuffledX[i] = inputs[j]
		shuffledY[i] = targets[j]
	}

	valCount := int(float64(len(inputs)) * split)
	cut := len(inputs) - valCount
	trainX, trainY := shuffledX[:cut], shuffledY[:cut]
	valX, valY := shuffledX[cut:], shuffledY[cut:]

	history := &TrainingHistory{}
	for epoch := 1; epoch <= epochs; epoch++ {
		select {
		case <-ctx.Done():
			return history, ctx.Err()
		default:
		}

		trainLoss := 0.0
		batches := 0
		for start := 0; start < len(trainX); start += batchSize {
			end := start + batchSize
			if end > len(trainX) {
				end = len(trainX)
			}
			trainLoss += d.net.trainBatch(trainX[start:end], trainY[start:end], learningRate)
			batches++
		}
		if batches > 0 {
			trainLoss /= float64(batches)
		}
		valLoss, valAccuracy := d.net.evaluate(valX, valY)

		stats := EpochStats{
			Epoch:       epoch,
			TrainLoss:   trainLoss,
			ValLoss:     valLoss,
			ValAccuracy: valAccuracy,
		}
		history.Epochs = append(history.Epochs, stats)
		d.logger.Debug("training epoch complete",
			zap.Int("epoch", epoch),
			zap.Float64("train_loss", trainLoss),
			zap.Float64("val_loss", valLoss),
			zap.Float64("val_accuracy", valAccuracy))
		if cfg.OnEpoch != nil {
			cfg.OnEpoch(stats)
		}
	}
	return history, nil
}

// Predict runs one forward pass over the shaped flux series. Parameters
// are built lazily with random initialization if none are loaded.
func (d *ExoplanetDetector) Predict(c lightcurve.Curve) (PredictionResult, error) {
	if len(c.Flux) == 0 {
		return PredictionResult{}, errors.New("curve is empty")
	}

	d.mu.RLock()
	built := d.net != nil
	d.mu.RUnlock()
	if !built {
		d.mu.Lock()
		if d.net == nil {
			d.logger.Info("no parameters loaded, building model with random initialization")
			d.net = newNetwork(d.rng)
		}
		d.mu.Unlock()
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	input := shapeInput(c.Flux)
	cache := d.net.forward(input, nil)
	return PredictionResult{
		Confidence:  cache.confidence,
		IsExoplanet: cache.confidence > 0.5,
		Saliency:    d.net.saliency(cache),
	}, nil
}

// EvaluateModel scores the detector over one labeled batch. Unlike
// Predict, it refuses to run without a built or loaded parameter set.
func (d *ExoplanetDetector) EvaluateModel(curves []lightcurve.Curve, labels []int) (EvaluationMetrics, error) {
	if len(curves) == 0 {
		return EvaluationMetrics{}, errors.New("evaluation set is empty")
	}
	if len(curves) != len(labels) {
		return EvaluationMetrics{}, errors.New("curves and labels size mismatch")
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.net == nil {
		return EvaluationMetrics{}, ErrModelNotBuilt
	}
	confidences := make([]float64, len(curves))
	for i, c := range curves {
		cache := d.net.forward(shapeInput(c.Flux), nil)
		confidences[i] = cache.confidence
	}
	return computeMetrics(confidences, labels), nil
}

// SaveModel persists the full parameter set as one blob. Save failures
// always propagate to the caller.
func (d *ExoplanetDetector) SaveModel(ctx context.Context, path string) error {
	scheme, key, err := modelstore.ParsePath(path)
	if err != nil {
		return err
	}
	if scheme != modelstore.SchemeLocal {
		return fmt.Errorf("unsupported model store scheme %q", scheme)
	}
	if d.store == nil {
		return errors.New("no model store configured")
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.net == nil {
		return ErrModelNotBuilt
	}
	payload, err := d.net.marshal(modelVersionTag)
	if err != nil {
		return fmt.Errorf("encode model: %w", err)
	}
	if err := d.store.Save(ctx, key, payload); err != nil {
		return err
	}
	d.logger.Info("model saved", zap.String("path", path), zap.Int("bytes", len(payload)))
	return nil
}

// LoadModel restores a parameter set from the blob store. A missing,
// corrupt or unreadable blob is not fatal: the detector logs a warning
// and falls back to fresh randomly-initialized parameters.
func (d *ExoplanetDetector) LoadModel(ctx context.Context, path string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	net, err := d.fetchNetwork(ctx, path)
	if err != nil {
		d.logger.Warn("model load failed, building fresh parameters",
			zap.String("path", path),
			zap.Error(err))
		d.net = newNetwork(d.rng)
		return nil
	}
	d.net = net
	d.logger.Info("model loaded", zap.String("path", path))
	return nil
}

func (d *ExoplanetDetector) fetchNetwork(ctx context.Context, path string) (*network, error) {
	scheme, key, err := modelstore.ParsePath(path)
	if err != nil {
		return nil, err
	}
	if scheme != modelstore.SchemeLocal {
		return nil, fmt.Errorf("unsupported model store scheme %q", scheme)
	}
	if d.store == nil {
		return nil, errors.New("no model store configured")
	}
	payload, err := d.store.Load(ctx, key)
	if err != nil {
		return nil, err
	}
	return unmarshalNetwork(payload, d.rng)
}
