// Command train_model trains the transit detector on a synthetic
// population, scores it with an injection-recovery benchmark and writes
// the weights to the model store.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"go.uber.org/zap"

	"transitscope/archive"
	"transitscope/benchmark"
	"transitscope/db"
	"transitscope/lightcurve"
	"transitscope/logging"
	"transitscope/ml"
	"transitscope/modelstore"
)

func main() {
	samples := flag.Int("samples", 400, "synthetic curves in the training set")
	epochs := flag.Int("epochs", 10, "training epochs")
	batchSize := flag.Int("batch", 32, "mini-batch size")
	learningRate := flag.Float64("lr", 0.001, "learning rate")
	seed := flag.Int64("seed", 42, "synthetic generator seed")
	modelSeed := flag.Int64("model_seed", 1, "weight initialization seed")
	storeDir := flag.String("store", "./data/models", "model store directory")
	modelPath := flag.String("model_path", "local-store://transit-cnn", "model store key for the trained weights")
	dbPath := flag.String("db", "", "sqlite path for recording the run, empty to skip")
	benchPop := flag.Int("bench", 200, "injection-recovery population, 0 to skip")
	runBaseline := flag.Bool("baseline", false, "score a decision-tree baseline on the same set")
	runTune := flag.Bool("tune", false, "tune the period search grid after training")
	logLevel := flag.String("log_level", "info", "log level")
	flag.Parse()

	if *samples <= 0 {
		log.Fatal("samples must be positive")
	}

	logger, _ := logging.Setup(logging.Config{Level: *logLevel, Console: true})
	defer logger.Sync()

	blobs, err := modelstore.NewBadgerStore(modelstore.Config{Dir: *storeDir}, logger)
	if err != nil {
		log.Fatalf("failed to open model store: %v", err)
	}
	defer blobs.Close()

	ctx := context.Background()

	gen := archive.NewSynthetic(archive.DefaultSyntheticConfig(), *seed)
	curves, labels, err := ml.BuildTrainingSet(ctx, gen, archive.CatalogIDs(*samples))
	if err != nil {
		log.Fatalf("failed to build training set: %v", err)
	}
	positives := 0
	for _, label := range labels {
		positives += label
	}
	fmt.Printf("training set: %d curves, %d with transits\n", len(curves), positives)

	detector := ml.NewExoplanetDetector(blobs, logger, *modelSeed)

	start := time.Now()
	history, err := detector.TrainModel(ctx, curves, labels, ml.TrainConfig{
		Epochs:       *epochs,
		BatchSize:    *batchSize,
		LearningRate: *learningRate,
		OnEpoch: func(stats ml.EpochStats) {
			fmt.Printf("epoch %d/%d train_loss=%.4f val_loss=%.4f val_accuracy=%.3f\n",
				stats.Epoch, *epochs, stats.TrainLoss, stats.ValLoss, stats.ValAccuracy)
		},
	})
	if err != nil {
		log.Fatalf("training failed: %v", err)
	}
	fmt.Printf("trained %d epochs in %s\n", len(history.Epochs), time.Since(start).Round(time.Millisecond))

	metrics, err := detector.EvaluateModel(curves, labels)
	if err != nil {
		log.Fatalf("evaluation failed: %v", err)
	}
	fmt.Printf("accuracy=%.3f precision=%.3f recall=%.3f f1=%.3f roc_auc=%.3f\n",
		metrics.Accuracy, metrics.Precision, metrics.Recall, metrics.F1Score, metrics.ROCAUC)

	if *runBaseline {
		scoreBaseline(curves, labels, metrics)
	}

	if *benchPop > 0 {
		cfg := benchmark.DefaultConfig
		cfg.Population = *benchPop
		cfg.Seed = *seed + 1
		results, err := benchmark.NewEngine(cfg, detector, logger).Run(ctx)
		if err != nil {
			log.Fatalf("injection-recovery benchmark failed: %v", err)
		}
		s := results.Summary
		fmt.Printf("injection recovery: %d/%d recovered (%.1f%%) mean_depth_error=%.5f\n",
			s.Recovered, s.Injected, 100*s.RecoveryRate, s.MeanDepthError)
		for _, bin := range results.DepthBins {
			fmt.Printf("  depth %.4f-%.4f: %d/%d recovered recall=%.2f\n",
				bin.Low, bin.High, bin.Recovered, bin.Injected, bin.Recall)
		}
	}

	if *runTune {
		tuner := benchmark.NewTuner(benchmark.TuneConfig{Seed: *seed + 2}, detector, logger)
		result, err := tuner.Run(ctx)
		if err != nil {
			log.Fatalf("grid tuning failed: %v", err)
		}
		for _, trial := range result.Trials {
			fmt.Printf("  grid periods=%d max_period=%.1f recovery=%.1f%% depth_error=%.5f\n",
				trial.Search.NumPeriods, trial.Search.MaxPeriod, 100*trial.RecoveryRate, trial.MeanDepthError)
		}
		fmt.Printf("best grid: periods=%d max_period=%.1f recovery=%.1f%%\n",
			result.Best.Search.NumPeriods, result.Best.Search.MaxPeriod, 100*result.Best.RecoveryRate)
	}

	if err := detector.SaveModel(ctx, *modelPath); err != nil {
		log.Fatalf("failed to save model: %v", err)
	}
	fmt.Printf("model saved to %s\n", *modelPath)

	if *dbPath != "" {
		recordRun(ctx, *dbPath, detector.ModelVersion(), len(curves), history, metrics, logger)
	}
}

// scoreBaseline fits the decision-tree reference on the same curves
// and prints its metrics next to the network's.
func scoreBaseline(curves []lightcurve.Curve, labels []int, network ml.EvaluationMetrics) {
	vectors := make([]ml.FeatureVector, 0, len(curves))
	kept := make([]int, 0, len(labels))
	for i, c := range curves {
		f, err := ml.ExtractFeatures(c.Flux)
		if err != nil {
			continue
		}
		vectors = append(vectors, f)
		kept = append(kept, labels[i])
	}

	tree := ml.NewBaseline(0)
	if err := tree.Fit(vectors, kept); err != nil {
		log.Fatalf("baseline fit failed: %v", err)
	}
	baseline, err := tree.Evaluate(vectors, kept)
	if err != nil {
		log.Fatalf("baseline evaluation failed: %v", err)
	}
	fmt.Printf("baseline tree: accuracy=%.3f roc_auc=%.3f (network %+.3f accuracy)\n",
		baseline.Accuracy, baseline.ROCAUC, network.Accuracy-baseline.Accuracy)
}

// recordRun appends the run to the sqlite training log so the serving
// layer's /api/model endpoint can report it.
func recordRun(ctx context.Context, path, version string, samples int, history *ml.TrainingHistory, metrics ml.EvaluationMetrics, logger *zap.Logger) {
	store, err := db.Open(db.Config{Path: path, EnableWAL: true})
	if err != nil {
		logger.Warn("training run not recorded", zap.String("db", path), zap.Error(err))
		return
	}
	defer store.Close()

	finalLoss := 0.0
	if n := len(history.Epochs); n > 0 {
		finalLoss = history.Epochs[n-1].TrainLoss
	}
	run := db.TrainingRun{
		ModelVersion: version,
		DataPoints:   samples,
		Epochs:       len(history.Epochs),
		FinalLoss:    finalLoss,
		Accuracy:     metrics.Accuracy,
		Precision:    metrics.Precision,
		Recall:       metrics.Recall,
		F1Score:      metrics.F1Score,
		ROCAUC:       metrics.ROCAUC,
		TrainedAt:    time.Now().UTC(),
	}
	if err := store.SaveTrainingRun(ctx, run); err != nil {
		logger.Warn("training run not recorded", zap.Error(err))
		return
	}
	fmt.Printf("training run recorded in %s\n", path)
}
