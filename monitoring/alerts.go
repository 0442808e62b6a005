package monitoring

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

type AlertLevel string

const (
	AlertInfo     AlertLevel = "info"
	AlertWarning  AlertLevel = "warning"
	AlertCritical AlertLevel = "critical"
)

// Alert is one health finding. It stays active until the check that
// raised it reports clean again or an operator resolves it.
type Alert struct {
	ID         string     `json:"id"`
	Level      AlertLevel `json:"level"`
	Source     string     `json:"source"`
	Title      string     `json:"title"`
	Message    string     `json:"message,omitempty"`
	Value      float64    `json:"value,omitempty"`
	Threshold  float64    `json:"threshold,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

type AlertStats struct {
	Total     int64                `json:"total"`
	Active    int64                `json:"active"`
	Resolved  int64                `json:"resolved"`
	ByLevel   map[AlertLevel]int64 `json:"by_level"`
	Cycles    int64                `json:"check_cycles"`
	LastCycle time.Time            `json:"last_cycle"`
}

// Check probes one component. Returning nil means healthy; a non-nil
// alert keeps one active finding per check name until it clears.
type Check struct {
	Name string
	Run  func(ctx context.Context) *Alert
}

const (
	alertRetention  = 256
	checkTimeout    = 30 * time.Second
	defaultCooldown = time.Minute
)

// AlertManager runs registered health checks on a fixed interval and
// keeps a bounded alert log. Raised and resolved findings are pushed
// to the hub as system status messages.
type AlertManager struct {
	mu       sync.RWMutex
	alerts   []*Alert
	byID     map[string]*Alert
	active   map[string]*Alert
	checks   []Check
	cooldown map[string]time.Time

	cycles    int64
	lastCycle time.Time
	total     int64
	resolved  int64
	byLevel   map[AlertLevel]int64

	hub    *Hub
	logger *zap.Logger

	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
	seq      int64
}

func NewAlertManager(hub *Hub, logger *zap.Logger) *AlertManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AlertManager{
		byID:     make(map[string]*Alert),
		active:   make(map[string]*Alert),
		cooldown: make(map[string]time.Time),
		byLevel:  make(map[AlertLevel]int64),
		hub:      hub,
		logger:   logger,
		stopChan: make(chan struct{}),
	}
}

// Register adds a health check. Checks registered after Start join the
// next cycle.
func (m *AlertManager) Register(check Check) {
	if check.Name == "" || check.Run == nil {
		return
	}
	m.mu.Lock()
	m.checks = append(m.checks, check)
	m.mu.Unlock()
}

// Start launches the check loop. Safe to call once.
func (m *AlertManager) Start(interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run(interval)
	m.logger.Info("alert manager started", zap.Duration("interval", interval))
}

func (m *AlertManager) run(interval time.Duration) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.RunChecks(context.Background())
		case <-m.stopChan:
			return
		}
	}
}

func (m *AlertManager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()

	close(m.stopChan)
	m.wg.Wait()
	m.logger.Info("alert manager stopped")
}

// RunChecks executes one cycle immediately. The loop calls this on
// every tick; tests and operators can call it directly.
func (m *AlertManager) RunChecks(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	m.mu.RLock()
	checks := make([]Check, len(m.checks))
	copy(checks, m.checks)
	m.mu.RUnlock()

	for _, check := range checks {
		alert := check.Run(ctx)
		if alert == nil {
			m.clear(check.Name)
			continue
		}
		alert.Source = check.Name
		m.raise(alert)
	}

	m.mu.Lock()
	m.cycles++
	m.lastCycle = time.Now()
	m.mu.Unlock()
}

// Raise records a finding outside the check cycle, deduplicated by
// source within the cooldown window.
func (m *AlertManager) Raise(level AlertLevel, source, title, message string) *Alert {
	return m.raise(&Alert{Level: level, Source: source, Title: title, Message: message})
}

func (m *AlertManager) raise(alert *Alert) *Alert {
	m.mu.Lock()

	if current, ok := m.active[alert.Source]; ok {
		current.Value = alert.Value
		current.Message = alert.Message
		m.mu.Unlock()
		return current
	}
	if until, ok := m.cooldown[alert.Source]; ok && time.Now().Before(until) {
		m.mu.Unlock()
		return nil
	}

	m.seq++
	alert.ID = fmt.Sprintf("alert-%d-%d", time.Now().Unix(), m.seq)
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now()
	}
	if alert.Level == "" {
		alert.Level = AlertWarning
	}

	m.alerts = append(m.alerts, alert)
	if len(m.alerts) > alertRetention {
		m.alerts = m.alerts[len(m.alerts)-alertRetention:]
	}
	m.byID[alert.ID] = alert
	m.active[alert.Source] = alert
	m.total++
	m.byLevel[alert.Level]++
	m.mu.Unlock()

	m.logger.Warn("alert raised",
		zap.String("id", alert.ID),
		zap.String("level", string(alert.Level)),
		zap.String("source", alert.Source),
		zap.String("title", alert.Title))
	m.publish(alert, string(alert.Level))
	return alert
}

// clear resolves the active alert for a source after its check passes.
func (m *AlertManager) clear(source string) {
	m.mu.Lock()
	alert, ok := m.active[source]
	if !ok {
		m.mu.Unlock()
		return
	}
	now := time.Now()
	alert.Resolved = true
	alert.ResolvedAt = &now
	delete(m.active, source)
	m.cooldown[source] = now.Add(defaultCooldown)
	m.resolved++
	m.mu.Unlock()

	m.logger.Info("alert cleared", zap.String("id", alert.ID), zap.String("source", source))
	m.publish(alert, "healthy")
}

// Resolve marks an alert resolved by id. Operator path; the source can
// alert again immediately.
func (m *AlertManager) Resolve(id string) error {
	m.mu.Lock()
	alert, ok := m.byID[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("alert %s not found", id)
	}
	if alert.Resolved {
		m.mu.Unlock()
		return nil
	}
	now := time.Now()
	alert.Resolved = true
	alert.ResolvedAt = &now
	if current, active := m.active[alert.Source]; active && current.ID == id {
		delete(m.active, alert.Source)
	}
	m.resolved++
	m.mu.Unlock()

	m.publish(alert, "healthy")
	return nil
}

func (m *AlertManager) publish(alert *Alert, status string) {
	if m.hub == nil {
		return
	}
	m.hub.PublishSystemStatus(SystemStatusMessage{
		Component: alert.Source,
		Status:    status,
		Message:   alert.Title,
	})
}

// Active returns unresolved alerts, newest first.
func (m *AlertManager) Active() []Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Alert, 0, len(m.active))
	for i := len(m.alerts) - 1; i >= 0; i-- {
		if !m.alerts[i].Resolved {
			out = append(out, *m.alerts[i])
		}
	}
	return out
}

// Recent returns the latest alerts regardless of state, newest first.
func (m *AlertManager) Recent(limit int) []Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > len(m.alerts) {
		limit = len(m.alerts)
	}
	out := make([]Alert, 0, limit)
	for i := len(m.alerts) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, *m.alerts[i])
	}
	return out
}

func (m *AlertManager) Get(id string) (Alert, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	alert, ok := m.byID[id]
	if !ok {
		return Alert{}, false
	}
	return *alert, true
}

func (m *AlertManager) Stats() AlertStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byLevel := make(map[AlertLevel]int64, len(m.byLevel))
	for level, n := range m.byLevel {
		byLevel[level] = n
	}
	return AlertStats{
		Total:     m.total,
		Active:    int64(len(m.active)),
		Resolved:  m.resolved,
		ByLevel:   byLevel,
		Cycles:    m.cycles,
		LastCycle: m.lastCycle,
	}
}
