package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"transitscope/db"
	"transitscope/lightcurve"
	"transitscope/ml"
	"transitscope/monitoring"
	"transitscope/transit"
	"transitscope/vetting"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]interface{}{
		"status":        "ok",
		"model_version": s.deps.Detector.ModelVersion(),
		"model_built":   s.deps.Detector.IsBuilt(),
		"time":          time.Now().UTC(),
	})
}

// loadOrFetch serves a curve from the store, falling back to the archive
// and persisting what it fetched. A failed save is logged but does not
// fail the read.
func (s *Server) loadOrFetch(ctx context.Context, catalogID string) (lightcurve.Curve, string, error) {
	c, source, err := s.deps.Store.LoadCurve(ctx, catalogID)
	if err == nil {
		return c, source, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return lightcurve.Curve{}, "", err
	}

	c, source, err = s.deps.Fetcher.FetchWithSource(ctx, catalogID)
	if err != nil {
		return lightcurve.Curve{}, "", err
	}
	if err := s.deps.Store.SaveCurve(ctx, catalogID, source, c); err != nil {
		s.logger.Warn("curve fetched but not persisted",
			zap.String("catalog_id", catalogID),
			zap.Error(err))
	}
	return c, source, nil
}

// track times one request path. Call the returned func when done.
func (s *Server) track(op string) func() {
	if s.deps.Latency == nil {
		return func() {}
	}
	start := time.Now()
	return func() { s.deps.Latency.Observe(op, time.Since(start)) }
}

func (s *Server) handleGetCurve(w http.ResponseWriter, r *http.Request) {
	defer s.track("get_curve")()

	catalogID := r.PathValue("id")
	if catalogID == "" {
		respondError(w, http.StatusBadRequest, "catalog id is required")
		return
	}

	c, source, err := s.loadOrFetch(r.Context(), catalogID)
	if err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}

	respondJSON(w, map[string]interface{}{
		"catalog_id": catalogID,
		"source":     source,
		"points":     c.Len(),
		"span_days":  c.Span(),
		"time":       c.Time,
		"flux":       c.Flux,
	})
}

func (s *Server) handleCurveFeatures(w http.ResponseWriter, r *http.Request) {
	catalogID := r.PathValue("id")
	if catalogID == "" {
		respondError(w, http.StatusBadRequest, "catalog id is required")
		return
	}

	c, _, err := s.loadOrFetch(r.Context(), catalogID)
	if err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}

	detrended := lightcurve.Detrend(c)
	features, err := ml.ExtractFeatures(detrended.Flux)
	if err != nil {
		respondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	respondJSON(w, map[string]interface{}{
		"catalog_id": catalogID,
		"features":   features,
	})
}

func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	defer s.track("detect")()

	catalogID := r.PathValue("id")
	if catalogID == "" {
		respondError(w, http.StatusBadRequest, "catalog id is required")
		return
	}

	c, _, err := s.loadOrFetch(r.Context(), catalogID)
	if err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}

	detrended := lightcurve.Detrend(c)
	result := transit.CalculateBLSWith(s.deps.Tunables.Search(), detrended)

	if s.deps.Activity != nil {
		s.deps.Activity.RecordDetection()
	}
	if s.deps.Collector != nil {
		s.deps.Collector.IncrCounter("detections_total", 1, nil)
	}
	if s.deps.Hub != nil {
		s.deps.Hub.PublishDetection(monitoring.DetectionEventMessage{
			CatalogID: catalogID,
			Period:    result.Period,
			Depth:     result.Depth,
			Score:     result.Score,
		})
	}

	respondJSON(w, map[string]interface{}{
		"catalog_id": catalogID,
		"result":     result,
	})
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	defer s.track("predict")()

	catalogID := r.PathValue("id")
	if catalogID == "" {
		respondError(w, http.StatusBadRequest, "catalog id is required")
		return
	}

	c, _, err := s.loadOrFetch(r.Context(), catalogID)
	if err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}

	detrended := lightcurve.Detrend(c)
	prediction, err := s.deps.Detector.Predict(detrended)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	result := transit.CalculateBLSWith(s.deps.Tunables.Search(), detrended)

	rec := db.PredictionRecord{
		CatalogID:    catalogID,
		Confidence:   prediction.Confidence,
		IsExoplanet:  prediction.IsExoplanet,
		ModelVersion: s.deps.Detector.ModelVersion(),
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.deps.Store.SavePrediction(r.Context(), rec); err != nil {
		s.logger.Warn("prediction not persisted",
			zap.String("catalog_id", catalogID),
			zap.Error(err))
	}

	if s.deps.Activity != nil {
		s.deps.Activity.RecordPrediction(prediction.IsExoplanet)
	}
	if s.deps.Hub != nil {
		s.deps.Hub.PublishDetection(monitoring.DetectionEventMessage{
			CatalogID:   catalogID,
			Period:      result.Period,
			Depth:       result.Depth,
			Score:       result.Score,
			Confidence:  prediction.Confidence,
			IsExoplanet: prediction.IsExoplanet,
		})
	}

	respondJSON(w, map[string]interface{}{
		"catalog_id":    catalogID,
		"prediction":    prediction,
		"bls":           result,
		"model_version": rec.ModelVersion,
	})
}

func (s *Server) handleVet(w http.ResponseWriter, r *http.Request) {
	defer s.track("vet")()

	catalogID := r.PathValue("id")
	if catalogID == "" {
		respondError(w, http.StatusBadRequest, "catalog id is required")
		return
	}

	c, _, err := s.loadOrFetch(r.Context(), catalogID)
	if err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}

	detrended := lightcurve.Detrend(c)
	prediction, err := s.deps.Detector.Predict(detrended)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	result := transit.CalculateBLSWith(s.deps.Tunables.Search(), detrended)

	shift := 0.0
	if s.deps.Centroids != nil {
		shift = s.deps.Centroids.CentroidShift(catalogID)
	}

	rec := vetting.Assess(catalogID, detrended, result, prediction.Confidence, shift, s.deps.Tunables.Vetting())
	if err := s.deps.Store.SaveVetting(r.Context(), rec); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if s.deps.Activity != nil {
		s.deps.Activity.RecordVetting(rec.Disposition)
	}
	if s.deps.Hub != nil {
		s.deps.Hub.PublishDetection(monitoring.DetectionEventMessage{
			CatalogID:   catalogID,
			Period:      rec.Period,
			Depth:       rec.Depth,
			Score:       result.Score,
			Confidence:  rec.Confidence,
			IsExoplanet: prediction.IsExoplanet,
			Disposition: rec.Disposition,
		})
	}

	respondJSON(w, rec)
}

func (s *Server) handleVettingHistory(w http.ResponseWriter, r *http.Request) {
	catalogID := r.PathValue("id")
	if catalogID == "" {
		respondError(w, http.StatusBadRequest, "catalog id is required")
		return
	}

	limit := 10
	if l := r.URL.Query().Get("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil && v > 0 {
			limit = v
		}
	}

	records, err := s.deps.Store.VettingHistory(r.Context(), catalogID, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if len(records) == 0 {
		respondError(w, http.StatusNotFound, "no vetting records")
		return
	}

	respondJSON(w, map[string]interface{}{
		"catalog_id": catalogID,
		"records":    records,
		"count":      len(records),
	})
}

func (s *Server) handleExplain(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Observed ml.FeatureVector `json:"observed"`
		Baseline ml.FeatureVector `json:"baseline"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	attributions := ml.CalculateSHAPValues(req.Observed, req.Baseline)

	total := 0.0
	for _, v := range attributions {
		total += v
	}

	respondJSON(w, map[string]interface{}{
		"attributions":   attributions,
		"observed_score": ml.TransitScore(req.Observed),
		"baseline_score": ml.TransitScore(req.Baseline),
		"total":          total,
	})
}

func (s *Server) handleTrain(w http.ResponseWriter, r *http.Request) {
	if s.deps.Job == nil {
		respondError(w, http.StatusServiceUnavailable, "training not configured")
		return
	}

	var req TrainRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.deps.Job.Start(req); err != nil {
		if errors.Is(err, ErrTrainingInProgress) {
			respondError(w, http.StatusConflict, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"status": "started"})
}

func (s *Server) handleTrainStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Job == nil {
		respondError(w, http.StatusServiceUnavailable, "training not configured")
		return
	}
	respondJSON(w, s.deps.Job.Status())
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	var req SweepRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.sweep.Start(req); err != nil {
		if errors.Is(err, ErrSweepInProgress) {
			respondError(w, http.StatusConflict, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"status": "started"})
}

func (s *Server) handleSweepStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, s.sweep.Status())
}

func (s *Server) handleSweepStop(w http.ResponseWriter, r *http.Request) {
	s.sweep.Stop()
	respondJSON(w, s.sweep.Status())
}

func (s *Server) handleModelSave(w http.ResponseWriter, r *http.Request) {
	path := decodeModelPath(w, r)
	if path == "" {
		return
	}

	if err := s.deps.Detector.SaveModel(r.Context(), path); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, map[string]string{"status": "saved", "path": path})
}

func (s *Server) handleModelLoad(w http.ResponseWriter, r *http.Request) {
	path := decodeModelPath(w, r)
	if path == "" {
		return
	}

	if err := s.deps.Detector.LoadModel(r.Context(), path); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, map[string]string{
		"status":        "loaded",
		"path":          path,
		"model_version": s.deps.Detector.ModelVersion(),
	})
}

// decodeModelPath reads the optional {"path": ...} body, defaulting to
// DefaultModelPath. An empty return means the error was already sent.
func decodeModelPath(w http.ResponseWriter, r *http.Request) string {
	var req struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return ""
	}
	if req.Path == "" {
		req.Path = DefaultModelPath
	}
	return req.Path
}

func (s *Server) handleModelInfo(w http.ResponseWriter, r *http.Request) {
	info := map[string]interface{}{
		"model_version": s.deps.Detector.ModelVersion(),
		"built":         s.deps.Detector.IsBuilt(),
		"input_length":  ml.InputLength,
	}

	runs, err := s.deps.Store.TrainingRuns(r.Context(), 1)
	if err == nil && len(runs) > 0 {
		info["last_training"] = runs[0]
	}

	respondJSON(w, info)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if s.deps.Alerts == nil {
		respondError(w, http.StatusServiceUnavailable, "alerting not configured")
		return
	}

	limit := 20
	if l := r.URL.Query().Get("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil && v > 0 {
			limit = v
		}
	}

	respondJSON(w, map[string]interface{}{
		"active": s.deps.Alerts.Active(),
		"recent": s.deps.Alerts.Recent(limit),
		"stats":  s.deps.Alerts.Stats(),
	})
}

func (s *Server) handleAlertResolve(w http.ResponseWriter, r *http.Request) {
	if s.deps.Alerts == nil {
		respondError(w, http.StatusServiceUnavailable, "alerting not configured")
		return
	}

	id := r.PathValue("id")
	if err := s.deps.Alerts.Resolve(id); err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondJSON(w, map[string]string{"status": "resolved", "id": id})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("format") == "prometheus" {
		if s.deps.Collector == nil {
			respondError(w, http.StatusServiceUnavailable, "metrics not configured")
			return
		}
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		io.WriteString(w, s.deps.Collector.ExportPrometheus())
		return
	}

	snapshot := map[string]interface{}{}
	if s.deps.Collector != nil {
		snapshot["system"] = s.deps.Collector.SystemStats()
	}
	if s.deps.Activity != nil {
		snapshot["activity"] = s.deps.Activity.Snapshot()
	}
	if s.deps.Hub != nil {
		snapshot["websocket"] = s.deps.Hub.Stats()
	}
	if s.deps.Latency != nil {
		snapshot["latency"] = s.deps.Latency.Summary()
	}
	if s.deps.Alerts != nil {
		snapshot["alerts"] = s.deps.Alerts.Stats()
	}
	if stats, err := s.deps.Store.Stats(r.Context()); err == nil {
		snapshot["database"] = stats
	}

	respondJSON(w, snapshot)
}

func (s *Server) handleMonitorSocket(w http.ResponseWriter, r *http.Request) {
	if s.deps.Hub == nil {
		respondError(w, http.StatusServiceUnavailable, "monitoring not configured")
		return
	}
	s.deps.Hub.HandleWebSocket(w, r)
}

// respondJSON writes data as a JSON body.
func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

// respondError writes a JSON error body with the given status.
func respondError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
