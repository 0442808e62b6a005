package monitoring

import (
	"strings"
	"testing"
)

func TestCollectorRecordAndHistory(t *testing.T) {
	c := NewCollector()

	c.IncrCounter("detections_total", 1, nil)
	c.IncrCounter("detections_total", 1, nil)
	c.SetGauge("queue_depth", 42, map[string]string{"stage": "ingest"})

	series, err := c.History("detections_total")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(series) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(series))
	}
	if series[0].Type != MetricTypeCounter {
		t.Errorf("type = %s, want counter", series[0].Type)
	}
	if series[0].Timestamp.IsZero() {
		t.Error("timestamp not stamped")
	}

	// returned samples are copies
	series[0].Value = 999
	again, _ := c.History("detections_total")
	if again[0].Value == 999 {
		t.Error("history returned shared samples")
	}

	if _, err := c.History("missing"); err == nil {
		t.Fatal("expected error for unknown metric")
	}
}

func TestCollectorSummary(t *testing.T) {
	c := NewCollector()
	for _, v := range []float64{3, 1, 4, 1, 5} {
		c.SetGauge("confidence", v, nil)
	}

	s, err := c.Summary("confidence")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Count != 5 || s.Latest != 5 || s.Min != 1 || s.Max != 5 {
		t.Fatalf("unexpected summary: %+v", s)
	}
	if s.Average != 2.8 {
		t.Errorf("average = %f, want 2.8", s.Average)
	}
}

func TestCollectorHistoryCap(t *testing.T) {
	c := NewCollector()
	for i := 0; i < historyCap+1; i++ {
		c.SetGauge("busy", float64(i), nil)
	}

	series, err := c.History("busy")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(series) != historyCap+1-historyTrim {
		t.Fatalf("expected trimmed series, got %d samples", len(series))
	}
	if series[0].Value != float64(historyTrim) {
		t.Errorf("expected oldest samples dropped, first = %f", series[0].Value)
	}
}

func TestExportPrometheus(t *testing.T) {
	c := NewCollector()
	c.IncrCounter("predictions_total", 1, map[string]string{"model": "cnn"})
	c.SetGauge("cache_entries", 12, nil)

	out := c.ExportPrometheus()
	if !strings.Contains(out, "# HELP predictions_total") {
		t.Errorf("missing HELP line:\n%s", out)
	}
	if !strings.Contains(out, "# TYPE predictions_total counter") {
		t.Errorf("missing TYPE line:\n%s", out)
	}
	if !strings.Contains(out, `predictions_total{model="cnn"}`) {
		t.Errorf("missing labeled sample:\n%s", out)
	}
	if !strings.Contains(out, "# TYPE cache_entries gauge") {
		t.Errorf("missing gauge line:\n%s", out)
	}
	// series render in name order
	if strings.Index(out, "cache_entries") > strings.Index(out, "predictions_total") {
		t.Error("metrics not sorted by name")
	}
}

func TestSystemStats(t *testing.T) {
	c := NewCollector()
	stats := c.SystemStats()
	if stats["goroutines"].(int) <= 0 {
		t.Error("goroutine count missing")
	}
	if _, ok := stats["memory"].(map[string]interface{}); !ok {
		t.Error("memory block missing")
	}
}

func TestActivityMetrics(t *testing.T) {
	a := NewActivityMetrics()
	a.RecordIngested(3)
	a.RecordPrediction(true)
	a.RecordPrediction(false)
	a.RecordDetection()
	a.RecordVetting("planet_candidate")
	a.RecordVetting("planet_candidate")
	a.RecordVetting("false_positive")

	snap := a.Snapshot()
	if snap.CurvesIngested != 3 {
		t.Errorf("ingested = %d, want 3", snap.CurvesIngested)
	}
	if snap.Predictions != 2 || snap.ExoplanetCalls != 1 {
		t.Errorf("predictions = %d/%d, want 2/1", snap.Predictions, snap.ExoplanetCalls)
	}
	if snap.Detections != 1 {
		t.Errorf("detections = %d, want 1", snap.Detections)
	}
	if snap.Vettings["planet_candidate"] != 2 || snap.Vettings["false_positive"] != 1 {
		t.Errorf("unexpected vetting counts: %v", snap.Vettings)
	}

	// snapshots are detached
	snap.Vettings["planet_candidate"] = 99
	if a.Snapshot().Vettings["planet_candidate"] != 2 {
		t.Error("snapshot shares internal map")
	}
}
