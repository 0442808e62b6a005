package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"transitscope/archive"
	"transitscope/db"
	"transitscope/lightcurve"
	"transitscope/ml"
	"transitscope/monitoring"
	"transitscope/vetting"
)

type fakeFetcher struct {
	curves map[string]lightcurve.Curve
	calls  int
}

func (f *fakeFetcher) FetchWithSource(ctx context.Context, catalogID string) (lightcurve.Curve, string, error) {
	f.calls++
	c, ok := f.curves[catalogID]
	if !ok {
		return lightcurve.Curve{}, "", errors.New("unknown catalog id")
	}
	return c, "synthetic", nil
}

type fakeStore struct {
	curves      map[string]lightcurve.Curve
	sources     map[string]string
	predictions []db.PredictionRecord
	vettings    []vetting.Record
	runs        []db.TrainingRun
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		curves:  make(map[string]lightcurve.Curve),
		sources: make(map[string]string),
	}
}

func (f *fakeStore) SaveCurve(ctx context.Context, catalogID, source string, c lightcurve.Curve) error {
	f.curves[catalogID] = c
	f.sources[catalogID] = source
	return nil
}

func (f *fakeStore) LoadCurve(ctx context.Context, catalogID string) (lightcurve.Curve, string, error) {
	c, ok := f.curves[catalogID]
	if !ok {
		return lightcurve.Curve{}, "", db.ErrNotFound
	}
	return c, f.sources[catalogID], nil
}

func (f *fakeStore) SavePrediction(ctx context.Context, rec db.PredictionRecord) error {
	f.predictions = append(f.predictions, rec)
	return nil
}

func (f *fakeStore) SaveVetting(ctx context.Context, rec vetting.Record) error {
	f.vettings = append(f.vettings, rec)
	return nil
}

func (f *fakeStore) VettingHistory(ctx context.Context, catalogID string, limit int) ([]vetting.Record, error) {
	var out []vetting.Record
	for _, rec := range f.vettings {
		if rec.CatalogID == catalogID && len(out) < limit {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (f *fakeStore) SaveTrainingRun(ctx context.Context, run db.TrainingRun) error {
	f.runs = append(f.runs, run)
	return nil
}

func (f *fakeStore) TrainingRuns(ctx context.Context, limit int) ([]db.TrainingRun, error) {
	if len(f.runs) > limit {
		return f.runs[:limit], nil
	}
	return f.runs, nil
}

func (f *fakeStore) Stats(ctx context.Context) (db.Stats, error) {
	return db.Stats{
		Curves:      len(f.curves),
		Predictions: len(f.predictions),
		Vetting:     len(f.vettings),
		Trainings:   len(f.runs),
	}, nil
}

type fakeDetector struct {
	result ml.PredictionResult
	err    error
	saved  []string
	loaded []string
	built  bool
}

func (f *fakeDetector) Predict(c lightcurve.Curve) (ml.PredictionResult, error) {
	return f.result, f.err
}

func (f *fakeDetector) SaveModel(ctx context.Context, path string) error {
	f.saved = append(f.saved, path)
	return nil
}

func (f *fakeDetector) LoadModel(ctx context.Context, path string) error {
	f.loaded = append(f.loaded, path)
	return nil
}

func (f *fakeDetector) ModelVersion() string { return "transit-cnn-test" }

func (f *fakeDetector) IsBuilt() bool { return f.built }

type fakeCentroids struct {
	shift float64
}

func (f *fakeCentroids) CentroidShift(catalogID string) float64 { return f.shift }

func testCurve(n int) lightcurve.Curve {
	c := lightcurve.Curve{
		Time: make([]float64, n),
		Flux: make([]float64, n),
	}
	for i := 0; i < n; i++ {
		c.Time[i] = float64(i) * 0.02
		c.Flux[i] = 1.0 + 0.001*math.Sin(float64(i))
	}
	return c
}

type serverFixture struct {
	server    *Server
	store     *fakeStore
	fetcher   *fakeFetcher
	detector  *fakeDetector
	hub       *monitoring.Hub
	activity  *monitoring.ActivityMetrics
	collector *monitoring.Collector
	alerts    *monitoring.AlertManager
	latency   *monitoring.LatencyTracker
}

func newFixture() *serverFixture {
	f := &serverFixture{
		store:     newFakeStore(),
		fetcher:   &fakeFetcher{curves: map[string]lightcurve.Curve{"SYN-000001": testCurve(400)}},
		detector:  &fakeDetector{result: ml.PredictionResult{Confidence: 0.9, IsExoplanet: true}},
		hub:       monitoring.NewHub(nil),
		activity:  monitoring.NewActivityMetrics(),
		collector: monitoring.NewCollector(),
		latency:   monitoring.NewLatencyTracker(),
	}
	f.alerts = monitoring.NewAlertManager(f.hub, nil)
	f.server = NewServer(DefaultServerConfig(), Deps{
		Fetcher:   f.fetcher,
		Store:     f.store,
		Detector:  f.detector,
		Centroids: &fakeCentroids{shift: 0.02},
		Hub:       f.hub,
		Collector: f.collector,
		Activity:  f.activity,
		Alerts:    f.alerts,
		Latency:   f.latency,
	})
	return f
}

func (f *serverFixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rr := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var payload map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	return payload
}

func TestHandleHealth(t *testing.T) {
	f := newFixture()
	rr := f.do(t, http.MethodGet, "/api/health", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	payload := decodeBody(t, rr)
	if payload["status"] != "ok" {
		t.Errorf("unexpected status: %v", payload["status"])
	}
	if payload["model_version"] != "transit-cnn-test" {
		t.Errorf("unexpected model version: %v", payload["model_version"])
	}
}

func TestGetCurveFetchesAndPersists(t *testing.T) {
	f := newFixture()
	rr := f.do(t, http.MethodGet, "/api/curves/SYN-000001", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	payload := decodeBody(t, rr)
	if payload["points"].(float64) != 400 {
		t.Errorf("expected 400 points, got %v", payload["points"])
	}
	if payload["source"] != "synthetic" {
		t.Errorf("unexpected source: %v", payload["source"])
	}
	if f.fetcher.calls != 1 {
		t.Errorf("expected one archive fetch, got %d", f.fetcher.calls)
	}
	if _, ok := f.store.curves["SYN-000001"]; !ok {
		t.Error("fetched curve was not persisted")
	}
}

func TestGetCurveServedFromStore(t *testing.T) {
	f := newFixture()
	f.store.curves["SYN-000002"] = testCurve(100)
	f.store.sources["SYN-000002"] = "cache"

	rr := f.do(t, http.MethodGet, "/api/curves/SYN-000002", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if f.fetcher.calls != 0 {
		t.Errorf("expected no archive fetch, got %d", f.fetcher.calls)
	}
	payload := decodeBody(t, rr)
	if payload["source"] != "cache" {
		t.Errorf("unexpected source: %v", payload["source"])
	}
}

func TestGetCurveUnknownTarget(t *testing.T) {
	f := newFixture()
	rr := f.do(t, http.MethodGet, "/api/curves/NOPE-999", nil)
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rr.Code)
	}
	payload := decodeBody(t, rr)
	if payload["error"] == "" {
		t.Error("expected an error message")
	}
}

func TestCurveFeatures(t *testing.T) {
	f := newFixture()
	rr := f.do(t, http.MethodGet, "/api/curves/SYN-000001/features", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	payload := decodeBody(t, rr)
	features, ok := payload["features"].(map[string]interface{})
	if !ok {
		t.Fatalf("features missing: %v", payload)
	}
	for _, name := range []string{"mean", "variance", "std", "min", "max", "range", "skewness", "kurtosis"} {
		if _, ok := features[name]; !ok {
			t.Errorf("feature %q missing", name)
		}
	}
}

func TestDetectBroadcastsAndCounts(t *testing.T) {
	f := newFixture()
	rr := f.do(t, http.MethodPost, "/api/curves/SYN-000001/detect", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	payload := decodeBody(t, rr)
	result, ok := payload["result"].(map[string]interface{})
	if !ok {
		t.Fatalf("result missing: %v", payload)
	}
	if result["period"].(float64) <= 0 {
		t.Errorf("expected a positive period, got %v", result["period"])
	}

	if got := f.hub.Stats().MessagesSent; got != 1 {
		t.Errorf("expected 1 broadcast, got %d", got)
	}
	if got := f.activity.Snapshot().Detections; got != 1 {
		t.Errorf("expected 1 detection recorded, got %d", got)
	}
	if _, err := f.collector.History("detections_total"); err != nil {
		t.Errorf("detections_total not collected: %v", err)
	}
}

func TestPredictPersistsPrediction(t *testing.T) {
	f := newFixture()
	rr := f.do(t, http.MethodPost, "/api/curves/SYN-000001/predict", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	if len(f.store.predictions) != 1 {
		t.Fatalf("expected 1 stored prediction, got %d", len(f.store.predictions))
	}
	rec := f.store.predictions[0]
	if rec.CatalogID != "SYN-000001" || rec.Confidence != 0.9 || !rec.IsExoplanet {
		t.Errorf("unexpected prediction record: %+v", rec)
	}
	if rec.ModelVersion != "transit-cnn-test" {
		t.Errorf("unexpected model version: %s", rec.ModelVersion)
	}

	payload := decodeBody(t, rr)
	prediction := payload["prediction"].(map[string]interface{})
	if prediction["confidence"].(float64) != 0.9 {
		t.Errorf("unexpected confidence: %v", prediction["confidence"])
	}
	if _, ok := payload["bls"]; !ok {
		t.Error("bls context missing from response")
	}

	snap := f.activity.Snapshot()
	if snap.Predictions != 1 || snap.ExoplanetCalls != 1 {
		t.Errorf("unexpected activity counts: %+v", snap)
	}
}

func TestPredictError(t *testing.T) {
	f := newFixture()
	f.detector.err = errors.New("forward pass failed")
	rr := f.do(t, http.MethodPost, "/api/curves/SYN-000001/predict", nil)
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	if len(f.store.predictions) != 0 {
		t.Errorf("failed prediction should not be stored")
	}
}

func TestVetStoresRecordAndHistory(t *testing.T) {
	f := newFixture()
	rr := f.do(t, http.MethodPost, "/api/curves/SYN-000001/vet", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	if len(f.store.vettings) != 1 {
		t.Fatalf("expected 1 stored vetting record, got %d", len(f.store.vettings))
	}
	rec := f.store.vettings[0]
	if rec.CatalogID != "SYN-000001" || rec.Disposition == "" {
		t.Errorf("unexpected vetting record: %+v", rec)
	}
	if rec.CentroidShift != 0.02 {
		t.Errorf("expected centroid shift 0.02, got %v", rec.CentroidShift)
	}
	if got := f.activity.Snapshot().Vettings[rec.Disposition]; got != 1 {
		t.Errorf("expected 1 vetting of %s, got %d", rec.Disposition, got)
	}

	history := f.do(t, http.MethodGet, "/api/vetting/SYN-000001", nil)
	if history.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", history.Code)
	}
	payload := decodeBody(t, history)
	if payload["count"].(float64) != 1 {
		t.Errorf("expected 1 record, got %v", payload["count"])
	}

	missing := f.do(t, http.MethodGet, "/api/vetting/SYN-UNKNOWN", nil)
	if missing.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown target, got %d", missing.Code)
	}
}

func TestExplainShapEfficiency(t *testing.T) {
	f := newFixture()

	observed, err := ml.ExtractFeatures([]float64{1.0, 0.99, 0.98, 1.0, 1.01, 0.97, 1.0, 1.0})
	if err != nil {
		t.Fatalf("extract observed: %v", err)
	}
	baseline, err := ml.ExtractFeatures([]float64{1.0, 1.001, 0.999, 1.0, 1.0, 1.001, 0.999, 1.0})
	if err != nil {
		t.Fatalf("extract baseline: %v", err)
	}

	rr := f.do(t, http.MethodPost, "/api/explain/shap", map[string]interface{}{
		"observed": observed,
		"baseline": baseline,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	payload := decodeBody(t, rr)
	attributions := payload["attributions"].(map[string]interface{})
	if len(attributions) != 8 {
		t.Fatalf("expected 8 attributions, got %d", len(attributions))
	}

	total := payload["total"].(float64)
	want := ml.TransitScore(observed) - ml.TransitScore(baseline)
	if math.Abs(total-want) > 1e-9 {
		t.Errorf("attributions sum %v, want %v", total, want)
	}
}

func TestExplainShapBadBody(t *testing.T) {
	f := newFixture()
	req := httptest.NewRequest(http.MethodPost, "/api/explain/shap", bytes.NewReader([]byte("{not json")))
	rr := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

type fakeTrainer struct {
	block   chan struct{}
	metrics ml.EvaluationMetrics
	saved   []string
}

func (f *fakeTrainer) TrainModel(ctx context.Context, curves []lightcurve.Curve, labels []int, cfg ml.TrainConfig) (*ml.TrainingHistory, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	stats := ml.EpochStats{Epoch: 1, TrainLoss: 0.5, ValLoss: 0.4, ValAccuracy: 0.8}
	if cfg.OnEpoch != nil {
		cfg.OnEpoch(stats)
	}
	return &ml.TrainingHistory{Epochs: []ml.EpochStats{stats}}, nil
}

func (f *fakeTrainer) EvaluateModel(curves []lightcurve.Curve, labels []int) (ml.EvaluationMetrics, error) {
	return f.metrics, nil
}

func (f *fakeTrainer) SaveModel(ctx context.Context, path string) error {
	f.saved = append(f.saved, path)
	return nil
}

func (f *fakeTrainer) ModelVersion() string { return "transit-cnn-test" }

func waitForIdle(t *testing.T, job *TrainingJob) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !job.IsRunning() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("training job did not finish")
}

func TestTrainLifecycleAndConflict(t *testing.T) {
	f := newFixture()
	trainer := &fakeTrainer{
		block:   make(chan struct{}),
		metrics: ml.EvaluationMetrics{Accuracy: 0.95, ROCAUC: 0.97},
	}
	gen := archive.NewSynthetic(archive.DefaultSyntheticConfig(), 42)
	job := NewTrainingJob(trainer, gen, f.store, f.hub, nil)
	f.server.deps.Job = job

	rr := f.do(t, http.MethodPost, "/api/train", map[string]interface{}{"samples": 20, "epochs": 3})
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
	}

	conflict := f.do(t, http.MethodPost, "/api/train", nil)
	if conflict.Code != http.StatusConflict {
		t.Fatalf("expected 409 while training, got %d", conflict.Code)
	}

	close(trainer.block)
	waitForIdle(t, job)

	if len(trainer.saved) != 1 || trainer.saved[0] != DefaultModelPath {
		t.Errorf("expected model saved to default path, got %v", trainer.saved)
	}
	if len(f.store.runs) != 1 {
		t.Fatalf("expected 1 persisted training run, got %d", len(f.store.runs))
	}
	if f.store.runs[0].Accuracy != 0.95 {
		t.Errorf("unexpected run accuracy: %v", f.store.runs[0].Accuracy)
	}

	status := f.do(t, http.MethodGet, "/api/train/status", nil)
	if status.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", status.Code)
	}
	payload := decodeBody(t, status)
	if payload["running"].(bool) {
		t.Error("job still reported running")
	}
	if payload["epoch"].(float64) != 1 {
		t.Errorf("unexpected epoch: %v", payload["epoch"])
	}
	metrics, ok := payload["metrics"].(map[string]interface{})
	if !ok {
		t.Fatalf("metrics missing: %v", payload)
	}
	if metrics["accuracy"].(float64) != 0.95 {
		t.Errorf("unexpected accuracy: %v", metrics["accuracy"])
	}
}

func TestTrainNotConfigured(t *testing.T) {
	f := newFixture()
	rr := f.do(t, http.MethodPost, "/api/train", nil)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

func TestModelSaveAndLoad(t *testing.T) {
	f := newFixture()

	saved := f.do(t, http.MethodPost, "/api/model/save", nil)
	if saved.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", saved.Code, saved.Body.String())
	}
	if len(f.detector.saved) != 1 || f.detector.saved[0] != DefaultModelPath {
		t.Errorf("expected save to default path, got %v", f.detector.saved)
	}

	loaded := f.do(t, http.MethodPost, "/api/model/load", map[string]string{"path": "local-store://other"})
	if loaded.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", loaded.Code)
	}
	if len(f.detector.loaded) != 1 || f.detector.loaded[0] != "local-store://other" {
		t.Errorf("expected load from given path, got %v", f.detector.loaded)
	}
}

func TestModelInfo(t *testing.T) {
	f := newFixture()
	f.store.runs = []db.TrainingRun{{
		ModelVersion: "transit-cnn-test",
		Accuracy:     0.91,
		TrainedAt:    time.Now().UTC(),
	}}

	rr := f.do(t, http.MethodGet, "/api/model", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	payload := decodeBody(t, rr)
	if payload["model_version"] != "transit-cnn-test" {
		t.Errorf("unexpected version: %v", payload["model_version"])
	}
	if payload["input_length"].(float64) != float64(ml.InputLength) {
		t.Errorf("unexpected input length: %v", payload["input_length"])
	}
	last, ok := payload["last_training"].(map[string]interface{})
	if !ok {
		t.Fatalf("last_training missing: %v", payload)
	}
	if last["accuracy"].(float64) != 0.91 {
		t.Errorf("unexpected last training accuracy: %v", last["accuracy"])
	}
}

func TestMetricsSnapshotAndPrometheus(t *testing.T) {
	f := newFixture()
	f.collector.IncrCounter("predictions_total", 3, map[string]string{"model": "cnn"})

	rr := f.do(t, http.MethodGet, "/api/metrics", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	payload := decodeBody(t, rr)
	for _, key := range []string{"system", "activity", "websocket", "latency", "alerts", "database"} {
		if _, ok := payload[key]; !ok {
			t.Errorf("snapshot section %q missing", key)
		}
	}

	prom := f.do(t, http.MethodGet, "/api/metrics?format=prometheus", nil)
	if prom.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", prom.Code)
	}
	if ct := prom.Header().Get("Content-Type"); ct != "text/plain; version=0.0.4" {
		t.Errorf("unexpected content type: %s", ct)
	}
	if !bytes.Contains(prom.Body.Bytes(), []byte("predictions_total")) {
		t.Errorf("prometheus export missing counter: %s", prom.Body.String())
	}
}

func waitForSweepIdle(t *testing.T, job *SweepJob) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if !job.IsRunning() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("sweep did not finish")
}

func TestSweepLifecycle(t *testing.T) {
	f := newFixture()
	rr := f.do(t, http.MethodPost, "/api/sweep", map[string]interface{}{
		"ids":     []string{"SYN-000001", "SYN-MISSING"},
		"pace_ms": 1,
	})
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
	}
	waitForSweepIdle(t, f.server.sweep)

	status := f.do(t, http.MethodGet, "/api/sweep/status", nil)
	if status.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", status.Code)
	}
	payload := decodeBody(t, status)
	if payload["running"].(bool) {
		t.Error("sweep still reported running")
	}
	if payload["total"].(float64) != 2 || payload["done"].(float64) != 1 {
		t.Errorf("unexpected progress: total=%v done=%v", payload["total"], payload["done"])
	}
	if payload["failed"].(float64) != 1 {
		t.Errorf("expected 1 failed target, got %v", payload["failed"])
	}
	if payload["candidates"].(float64) != 1 {
		t.Errorf("expected 1 candidate, got %v", payload["candidates"])
	}
	if payload["last_catalog_id"] != "SYN-MISSING" {
		t.Errorf("unexpected last target: %v", payload["last_catalog_id"])
	}
	if got := f.activity.Snapshot().Detections; got != 1 {
		t.Errorf("expected 1 recorded detection, got %d", got)
	}
	if _, ok := f.store.curves["SYN-000001"]; !ok {
		t.Error("swept curve was not persisted")
	}
}

func TestSweepVetPersistsRecords(t *testing.T) {
	f := newFixture()
	rr := f.do(t, http.MethodPost, "/api/sweep", map[string]interface{}{
		"ids":     []string{"SYN-000001"},
		"vet":     true,
		"pace_ms": 1,
	})
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
	}
	waitForSweepIdle(t, f.server.sweep)

	if len(f.store.vettings) != 1 {
		t.Fatalf("expected 1 vetting record, got %d", len(f.store.vettings))
	}
	rec := f.store.vettings[0]
	if rec.CatalogID != "SYN-000001" || rec.Disposition == "" {
		t.Errorf("unexpected vetting record: %+v", rec)
	}
	if got := f.activity.Snapshot().Vettings[rec.Disposition]; got != 1 {
		t.Errorf("expected 1 vetting of %s, got %d", rec.Disposition, got)
	}
}

func TestSweepConflictAndStop(t *testing.T) {
	f := newFixture()
	rr := f.do(t, http.MethodPost, "/api/sweep", map[string]interface{}{
		"ids":     []string{"SYN-000001", "SYN-000001"},
		"pace_ms": 500,
	})
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
	}

	conflict := f.do(t, http.MethodPost, "/api/sweep", nil)
	if conflict.Code != http.StatusConflict {
		t.Fatalf("expected 409 while sweeping, got %d", conflict.Code)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && f.server.sweep.Status().Done == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if f.server.sweep.Status().Done == 0 {
		t.Fatal("sweep made no progress")
	}

	stopped := f.do(t, http.MethodPost, "/api/sweep/stop", nil)
	if stopped.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", stopped.Code)
	}
	payload := decodeBody(t, stopped)
	if payload["running"].(bool) {
		t.Error("sweep still reported running after stop")
	}
	if payload["done"].(float64) != 1 {
		t.Errorf("expected 1 scanned target, got %v", payload["done"])
	}
	if payload["error"] != "context canceled" {
		t.Errorf("unexpected error field: %v", payload["error"])
	}
}

func TestAlertsEndpointAndResolve(t *testing.T) {
	f := newFixture()
	raised := f.alerts.Raise(monitoring.AlertWarning, "database", "database unreachable", "dial failed")
	if raised == nil {
		t.Fatal("raise returned nil")
	}

	rr := f.do(t, http.MethodGet, "/api/alerts", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	payload := decodeBody(t, rr)
	active, ok := payload["active"].([]interface{})
	if !ok || len(active) != 1 {
		t.Fatalf("expected 1 active alert, got %v", payload["active"])
	}
	stats, ok := payload["stats"].(map[string]interface{})
	if !ok {
		t.Fatalf("stats missing: %v", payload)
	}
	if stats["active"].(float64) != 1 {
		t.Errorf("unexpected active count: %v", stats["active"])
	}

	resolved := f.do(t, http.MethodPost, "/api/alerts/"+raised.ID+"/resolve", nil)
	if resolved.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resolved.Code, resolved.Body.String())
	}

	after := decodeBody(t, f.do(t, http.MethodGet, "/api/alerts", nil))
	if n := after["stats"].(map[string]interface{})["active"].(float64); n != 0 {
		t.Errorf("expected no active alerts after resolve, got %v", n)
	}

	missing := f.do(t, http.MethodPost, "/api/alerts/alert-0-0/resolve", nil)
	if missing.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown alert, got %d", missing.Code)
	}
}

func TestAlertsNotConfigured(t *testing.T) {
	f := newFixture()
	f.server.deps.Alerts = nil

	rr := f.do(t, http.MethodGet, "/api/alerts", nil)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

func TestLatencyTracked(t *testing.T) {
	f := newFixture()
	if rr := f.do(t, http.MethodGet, "/api/curves/SYN-000001", nil); rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	op, ok := f.latency.Op("get_curve")
	if !ok {
		t.Fatal("get_curve latency not recorded")
	}
	if op.Count != 1 {
		t.Errorf("expected 1 observation, got %d", op.Count)
	}

	payload := decodeBody(t, f.do(t, http.MethodGet, "/api/metrics", nil))
	latency, ok := payload["latency"].(map[string]interface{})
	if !ok {
		t.Fatalf("latency section missing: %v", payload["latency"])
	}
	if _, ok := latency["get_curve"]; !ok {
		t.Errorf("get_curve missing from summary: %v", latency)
	}
}
