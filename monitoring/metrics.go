package monitoring

import (
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"
)

type MetricType string

const (
	MetricTypeCounter   MetricType = "counter"
	MetricTypeGauge     MetricType = "gauge"
	MetricTypeHistogram MetricType = "histogram"
)

// Metric is one recorded sample of a named series.
type Metric struct {
	Name      string            `json:"name"`
	Type      MetricType        `json:"type"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Help      string            `json:"help,omitempty"`
}

// MetricSummary condenses one series.
type MetricSummary struct {
	Name      string    `json:"name"`
	Count     int       `json:"count"`
	Latest    float64   `json:"latest"`
	Min       float64   `json:"min"`
	Max       float64   `json:"max"`
	Average   float64   `json:"average"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	historyCap  = 1000
	historyTrim = 100
)

// Collector keeps bounded per-series histories and samples runtime
// health on a fixed interval between Start and Stop.
type Collector struct {
	mu        sync.RWMutex
	metrics   map[string][]*Metric
	startTime time.Time

	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewCollector() *Collector {
	return &Collector{
		metrics:   make(map[string][]*Metric),
		startTime: time.Now(),
		stopChan:  make(chan struct{}),
	}
}

// Record appends one sample, stamping it on entry. Series are trimmed
// from the front once they exceed the history cap.
func (c *Collector) Record(metric *Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()

	metric.Timestamp = time.Now()
	c.metrics[metric.Name] = append(c.metrics[metric.Name], metric)
	if len(c.metrics[metric.Name]) > historyCap {
		c.metrics[metric.Name] = c.metrics[metric.Name][historyTrim:]
	}
}

func (c *Collector) IncrCounter(name string, value float64, labels map[string]string) {
	c.Record(&Metric{Name: name, Type: MetricTypeCounter, Value: value, Labels: labels})
}

func (c *Collector) SetGauge(name string, value float64, labels map[string]string) {
	c.Record(&Metric{Name: name, Type: MetricTypeGauge, Value: value, Labels: labels})
}

// History returns a copy of one series.
func (c *Collector) History(name string) ([]*Metric, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	series, ok := c.metrics[name]
	if !ok {
		return nil, fmt.Errorf("metric %s not found", name)
	}
	result := make([]*Metric, len(series))
	for i, m := range series {
		clone := *m
		result[i] = &clone
	}
	return result, nil
}

// Summary reduces one series to its count, latest, extrema and mean.
func (c *Collector) Summary(name string) (MetricSummary, error) {
	series, err := c.History(name)
	if err != nil {
		return MetricSummary{}, err
	}

	summary := MetricSummary{
		Name:      name,
		Count:     len(series),
		Latest:    series[len(series)-1].Value,
		Min:       series[0].Value,
		Max:       series[0].Value,
		Timestamp: series[len(series)-1].Timestamp,
	}
	sum := 0.0
	for _, m := range series {
		sum += m.Value
		if m.Value < summary.Min {
			summary.Min = m.Value
		}
		if m.Value > summary.Max {
			summary.Max = m.Value
		}
	}
	summary.Average = sum / float64(len(series))
	return summary, nil
}

// ExportPrometheus renders the latest sample of every series in the
// Prometheus text exposition format, sorted by name.
func (c *Collector) ExportPrometheus() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.metrics))
	for name := range c.metrics {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		series := c.metrics[name]
		if len(series) == 0 {
			continue
		}
		latest := series[len(series)-1]
		help := latest.Help
		if help == "" {
			help = "Metric " + name
		}
		fmt.Fprintf(&b, "# HELP %s %s\n", name, help)
		fmt.Fprintf(&b, "# TYPE %s %s\n", name, latest.Type)

		labels := ""
		if len(latest.Labels) > 0 {
			pairs := make([]string, 0, len(latest.Labels))
			for k, v := range latest.Labels {
				pairs = append(pairs, fmt.Sprintf("%s=%q", k, v))
			}
			sort.Strings(pairs)
			labels = "{" + strings.Join(pairs, ",") + "}"
		}
		fmt.Fprintf(&b, "%s%s %f %d\n", name, labels, latest.Value, latest.Timestamp.Unix())
	}
	return b.String()
}

// Start launches the runtime sampling loop.
func (c *Collector) Start(interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	c.wg.Add(1)
	go c.run(interval)
}

func (c *Collector) run(interval time.Duration) {
	defer c.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopChan:
			return
		case <-ticker.C:
			c.collectRuntimeMetrics()
		}
	}
}

func (c *Collector) Stop() {
	close(c.stopChan)
	c.wg.Wait()
}

func (c *Collector) collectRuntimeMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	c.SetGauge("memory_heap_alloc", float64(m.HeapAlloc), nil)
	c.SetGauge("memory_heap_sys", float64(m.HeapSys), nil)
	c.IncrCounter("memory_gc_count", float64(m.NumGC), nil)
	c.SetGauge("system_goroutines", float64(runtime.NumGoroutine()), nil)
}

func (c *Collector) Uptime() time.Duration {
	return time.Since(c.startTime)
}

// SystemStats snapshots process health for the status endpoints.
func (c *Collector) SystemStats() map[string]interface{} {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return map[string]interface{}{
		"uptime":     c.Uptime().String(),
		"goroutines": runtime.NumGoroutine(),
		"memory": map[string]interface{}{
			"alloc":        m.Alloc,
			"total_alloc":  m.TotalAlloc,
			"sys":          m.Sys,
			"heap_alloc":   m.HeapAlloc,
			"heap_inuse":   m.HeapInuse,
			"heap_objects": m.HeapObjects,
			"gc_count":     m.NumGC,
			"gc_pause_ns":  m.PauseTotalNs,
		},
		"num_cpu": runtime.NumCPU(),
	}
}

// ActivitySnapshot is the pipeline-level counter block.
type ActivitySnapshot struct {
	CurvesIngested int64            `json:"curves_ingested"`
	Predictions    int64            `json:"predictions"`
	Detections     int64            `json:"detections"`
	ExoplanetCalls int64            `json:"exoplanet_calls"`
	Vettings       map[string]int64 `json:"vettings"`
}

// ActivityMetrics counts the domain events the collector's generic
// series do not attribute: ingested curves, predictions and their
// positive calls, detection runs and vetting dispositions.
type ActivityMetrics struct {
	mu             sync.RWMutex
	curvesIngested int64
	predictions    int64
	detections     int64
	exoplanetCalls int64
	vettings       map[string]int64
}

func NewActivityMetrics() *ActivityMetrics {
	return &ActivityMetrics{vettings: make(map[string]int64)}
}

func (a *ActivityMetrics) RecordIngested(n int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.curvesIngested += n
}

func (a *ActivityMetrics) RecordPrediction(isExoplanet bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.predictions++
	if isExoplanet {
		a.exoplanetCalls++
	}
}

func (a *ActivityMetrics) RecordDetection() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.detections++
}

func (a *ActivityMetrics) RecordVetting(disposition string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.vettings[disposition]++
}

func (a *ActivityMetrics) Snapshot() ActivitySnapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()

	snap := ActivitySnapshot{
		CurvesIngested: a.curvesIngested,
		Predictions:    a.predictions,
		Detections:     a.detections,
		ExoplanetCalls: a.exoplanetCalls,
		Vettings:       make(map[string]int64, len(a.vettings)),
	}
	for k, n := range a.vettings {
		snap.Vettings[k] = n
	}
	return snap
}
