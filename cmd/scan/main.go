// Command scan runs one target through the full detection path and
// prints the report as JSON: fetch, validate, detrend, period search,
// features, prediction and vetting. Useful for eyeballing a single
// curve without standing up the service.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"go.uber.org/zap"

	"transitscope/archive"
	"transitscope/db"
	"transitscope/lightcurve"
	"transitscope/logging"
	"transitscope/ml"
	"transitscope/modelstore"
	"transitscope/pipeline"
	"transitscope/transit"
	"transitscope/vetting"
)

type report struct {
	CatalogID  string                  `json:"catalog_id"`
	Source     string                  `json:"source"`
	Points     int                     `json:"points"`
	SpanDays   float64                 `json:"span_days"`
	Issues     []pipeline.QualityIssue `json:"issues,omitempty"`
	BLS        transit.BLSResult       `json:"bls"`
	Features   ml.FeatureVector        `json:"features"`
	Prediction *ml.PredictionResult    `json:"prediction,omitempty"`
	Vetting    *vetting.Record         `json:"vetting,omitempty"`
	Elapsed    string                  `json:"elapsed"`
}

func main() {
	catalogID := flag.String("id", "SYN-000042", "catalog id to scan")
	seed := flag.Int64("seed", 42, "synthetic generator seed")
	remoteURL := flag.String("remote", "", "archive base URL, empty for synthetic only")
	dbPath := flag.String("db", "", "sqlite path for cached curves, empty to fetch directly")
	storeDir := flag.String("store", "", "model store directory, empty to skip prediction")
	modelPath := flag.String("model_path", "local-store://transit-cnn", "model store key for the weights")
	vet := flag.Bool("vet", true, "run the vetting assessment")
	logLevel := flag.String("log_level", "warn", "log level")
	flag.Parse()

	logger, _ := logging.Setup(logging.Config{Level: *logLevel, Console: true})
	defer logger.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	start := time.Now()

	manager, err := archive.NewManager(64, logger)
	if err != nil {
		log.Fatalf("archive manager init failed: %v", err)
	}
	synth := archive.NewSynthetic(archive.DefaultSyntheticConfig(), *seed)
	manager.AddSource(synth)
	if *remoteURL != "" {
		manager.AddSource(archive.NewClient(archive.ClientConfig{BaseURL: *remoteURL}))
	}

	c, source, err := fetchCurve(ctx, manager, *dbPath, *catalogID, logger)
	if err != nil {
		log.Fatalf("fetch failed: %v", err)
	}

	clean, issues := pipeline.NewValidator(logger).Validate(*catalogID, c)
	detrended := lightcurve.Detrend(clean)

	out := report{
		CatalogID: *catalogID,
		Source:    source,
		Points:    clean.Len(),
		SpanDays:  clean.Span(),
		Issues:    issues,
		BLS:       transit.CalculateBLS(detrended),
	}

	features, err := ml.ExtractFeatures(detrended.Flux)
	if err != nil {
		log.Fatalf("feature extraction failed: %v", err)
	}
	out.Features = features

	if *storeDir != "" {
		blobs, err := modelstore.NewBadgerStore(modelstore.Config{Dir: *storeDir}, logger)
		if err != nil {
			log.Fatalf("failed to open model store: %v", err)
		}
		defer blobs.Close()

		detector := ml.NewExoplanetDetector(blobs, logger, 1)
		if err := detector.LoadModel(ctx, *modelPath); err != nil {
			logger.Warn("stored model not loaded", zap.Error(err))
		}
		prediction, err := detector.Predict(detrended)
		if err != nil {
			log.Fatalf("prediction failed: %v", err)
		}
		out.Prediction = &prediction

		if *vet {
			rec := vetting.Assess(*catalogID, detrended, out.BLS, prediction.Confidence,
				synth.CentroidShift(*catalogID), vetting.DefaultConfig)
			out.Vetting = &rec
		}
	}

	out.Elapsed = time.Since(start).Round(time.Millisecond).String()

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		log.Fatalf("encode report: %v", err)
	}
}

// fetchCurve reads through the sqlite cache when one is configured,
// persisting fresh fetches the way the service does.
func fetchCurve(ctx context.Context, manager *archive.Manager, dbPath, catalogID string, logger *zap.Logger) (lightcurve.Curve, string, error) {
	if dbPath == "" {
		return manager.FetchWithSource(ctx, catalogID)
	}

	store, err := db.Open(db.Config{Path: dbPath, EnableWAL: true})
	if err != nil {
		return lightcurve.Curve{}, "", fmt.Errorf("open %s: %w", dbPath, err)
	}
	defer store.Close()

	c, source, err := store.LoadCurve(ctx, catalogID)
	if err == nil {
		return c, source, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return lightcurve.Curve{}, "", err
	}

	c, source, err = manager.FetchWithSource(ctx, catalogID)
	if err != nil {
		return lightcurve.Curve{}, "", err
	}
	if err := store.SaveCurve(ctx, catalogID, source, c); err != nil {
		logger.Warn("curve not persisted", zap.String("catalog_id", catalogID), zap.Error(err))
	}
	return c, source, nil
}
