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
	"transitscope/monitoring"
	"transitscope/transit"
	"transitscope/vetting"
)

// ErrSweepInProgress reports that a sweep is already active.
var ErrSweepInProgress = errors.New("sweep already in progress")

const (
	defaultSweepCount = 50
	maxSweepCount     = 5000
	defaultSweepPace  = 20 * time.Millisecond
)

// SweepRequest selects the targets of a batch re-scan. Explicit IDs
// win; otherwise Count synthetic catalog ids are swept. Vet extends
// each scan with a persisted vetting assessment.
type SweepRequest struct {
	IDs    []string `json:"ids,omitempty"`
	Count  int      `json:"count,omitempty"`
	Vet    bool     `json:"vet,omitempty"`
	PaceMS int      `json:"pace_ms,omitempty"`
}

// SweepStatus is a point-in-time view of the sweep.
type SweepStatus struct {
	Running       bool      `json:"running"`
	StartedAt     time.Time `json:"started_at,omitempty"`
	CompletedAt   time.Time `json:"completed_at,omitempty"`
	Total         int       `json:"total"`
	Done          int       `json:"done"`
	Detections    int       `json:"detections"`
	Candidates    int       `json:"candidates"`
	Failed        int       `json:"failed"`
	LastCatalogID string    `json:"last_catalog_id,omitempty"`
	Error         string    `json:"error,omitempty"`
}

// SweepJob re-runs the detection path over a batch of targets, one at
// a time with a pacing delay, publishing each result to the hub. At
// most one sweep runs at a time; re-detections land in the store the
// same way the per-curve endpoints write them.
type SweepJob struct {
	deps   *Deps
	logger *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
	status SweepStatus
}

func newSweepJob(deps *Deps, logger *zap.Logger) *SweepJob {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SweepJob{deps: deps, logger: logger}
}

// Start launches a sweep in the background. A second Start while one
// is active returns ErrSweepInProgress.
func (j *SweepJob) Start(req SweepRequest) error {
	ids := req.IDs
	if len(ids) == 0 {
		count := req.Count
		if count <= 0 {
			count = defaultSweepCount
		}
		if count > maxSweepCount {
			count = maxSweepCount
		}
		ids = archive.CatalogIDs(count)
	}

	j.mu.Lock()
	if j.status.Running {
		j.mu.Unlock()
		return ErrSweepInProgress
	}
	ctx, cancel := context.WithCancel(context.Background())
	j.cancel = cancel
	j.status = SweepStatus{
		Running:   true,
		StartedAt: time.Now().UTC(),
		Total:     len(ids),
	}
	j.mu.Unlock()

	j.wg.Add(1)
	go j.run(ctx, req, ids)
	return nil
}

func (j *SweepJob) run(ctx context.Context, req SweepRequest, ids []string) {
	defer j.wg.Done()

	pace := time.Duration(req.PaceMS) * time.Millisecond
	if pace <= 0 {
		pace = defaultSweepPace
	}

	j.logger.Info("sweep started",
		zap.Int("targets", len(ids)),
		zap.Bool("vet", req.Vet),
		zap.Duration("pace", pace))

	var runErr error
	for i, catalogID := range ids {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		j.scanTarget(ctx, catalogID, req.Vet)

		if i < len(ids)-1 {
			select {
			case <-time.After(pace):
			case <-ctx.Done():
			}
		}
	}

	j.mu.Lock()
	j.status.Running = false
	j.status.CompletedAt = time.Now().UTC()
	if runErr != nil {
		j.status.Error = runErr.Error()
	}
	done, failed, candidates := j.status.Done, j.status.Failed, j.status.Candidates
	j.mu.Unlock()

	j.logger.Info("sweep finished",
		zap.Int("done", done),
		zap.Int("failed", failed),
		zap.Int("candidates", candidates))
}

// scanTarget runs one target through detrend, search, prediction and
// optional vetting, mirroring what the per-curve endpoints persist.
func (j *SweepJob) scanTarget(ctx context.Context, catalogID string, vet bool) {
	c, _, err := j.loadOrFetch(ctx, catalogID)
	if err != nil {
		j.fail(catalogID, "fetch", err)
		return
	}

	detrended := lightcurve.Detrend(c)
	result := transit.CalculateBLSWith(j.deps.Tunables.Search(), detrended)

	prediction, err := j.deps.Detector.Predict(detrended)
	if err != nil {
		j.fail(catalogID, "predict", err)
		return
	}

	event := monitoring.DetectionEventMessage{
		CatalogID:   catalogID,
		Period:      result.Period,
		Depth:       result.Depth,
		Score:       result.Score,
		Confidence:  prediction.Confidence,
		IsExoplanet: prediction.IsExoplanet,
	}

	candidate := false
	if vet {
		shift := 0.0
		if j.deps.Centroids != nil {
			shift = j.deps.Centroids.CentroidShift(catalogID)
		}
		rec := vetting.Assess(catalogID, detrended, result, prediction.Confidence, shift, j.deps.Tunables.Vetting())
		if err := j.deps.Store.SaveVetting(ctx, rec); err != nil {
			j.fail(catalogID, "persist vetting", err)
			return
		}
		if j.deps.Activity != nil {
			j.deps.Activity.RecordVetting(rec.Disposition)
		}
		event.Disposition = rec.Disposition
		candidate = rec.Disposition == vetting.DispositionCandidate
	} else {
		candidate = prediction.IsExoplanet
	}

	if j.deps.Activity != nil {
		j.deps.Activity.RecordDetection()
	}
	if j.deps.Hub != nil {
		j.deps.Hub.PublishDetection(event)
	}

	j.mu.Lock()
	j.status.Done++
	j.status.LastCatalogID = catalogID
	if result.Score > 0 {
		j.status.Detections++
	}
	if candidate {
		j.status.Candidates++
	}
	j.mu.Unlock()
}

// loadOrFetch mirrors the read path of the curve endpoints: stored
// curves win, misses are fetched and persisted best-effort.
func (j *SweepJob) loadOrFetch(ctx context.Context, catalogID string) (lightcurve.Curve, string, error) {
	c, source, err := j.deps.Store.LoadCurve(ctx, catalogID)
	if err == nil {
		return c, source, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return lightcurve.Curve{}, "", err
	}
	c, source, err = j.deps.Fetcher.FetchWithSource(ctx, catalogID)
	if err != nil {
		return lightcurve.Curve{}, "", err
	}
	if err := j.deps.Store.SaveCurve(ctx, catalogID, source, c); err != nil {
		j.logger.Warn("swept curve not persisted",
			zap.String("catalog_id", catalogID),
			zap.Error(err))
	}
	return c, source, nil
}

func (j *SweepJob) fail(catalogID, stage string, err error) {
	j.logger.Warn("sweep target failed",
		zap.String("catalog_id", catalogID),
		zap.String("stage", stage),
		zap.Error(err))
	j.mu.Lock()
	j.status.Failed++
	j.status.LastCatalogID = catalogID
	j.mu.Unlock()
}

// Status returns a detached copy of the sweep state.
func (j *SweepJob) Status() SweepStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// IsRunning reports whether a sweep is active.
func (j *SweepJob) IsRunning() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status.Running
}

// Stop cancels an active sweep and waits for it to wind down.
func (j *SweepJob) Stop() {
	j.mu.Lock()
	cancel := j.cancel
	j.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	j.wg.Wait()
}
