package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// Counter names used across the pipeline.
const (
	EventsIngested           = "events_ingested"
	ActionsFired             = "actions_fired"
	ActionsSkippedRunOnce    = "actions_skipped_run_once"
	ActionsSkippedExcluded   = "actions_skipped_excluded"
	SendsSkippedUnsub        = "sends_skipped_unsubscribed"
	TasksRoutedImmediate     = "tasks_routed_immediate"
	TasksRoutedDurable       = "tasks_routed_durable"
	TasksProcessed           = "tasks_processed"
	TaskFailures             = "task_failures"
	CampaignRecipientsQueued = "campaign_recipients_queued"
)

// Snapshot is a point-in-time view of every collected metric.
type Snapshot struct {
	UptimeSeconds int64            `json:"uptime_seconds"`
	Counters      map[string]int64 `json:"counters"`
	Timers        map[string]Timer `json:"timers"`
}

// Timer aggregates duration samples for one operation.
type Timer struct {
	Count         int64   `json:"count"`
	TotalTimeMs   int64   `json:"total_time_ms"`
	AverageTimeMs float64 `json:"average_time_ms"`
	MaxTimeMs     int64   `json:"max_time_ms"`
}

type timerState struct {
	count   int64
	totalMs int64
	maxMs   int64
}

// Metrics is an in-process metrics collector. Safe for concurrent use.
type Metrics struct {
	mu        sync.RWMutex
	counters  map[string]*int64
	timers    map[string]*timerState
	startTime time.Time
}

// NewMetrics creates a new metrics collector
func NewMetrics() *Metrics {
	return &Metrics{
		counters:  make(map[string]*int64),
		timers:    make(map[string]*timerState),
		startTime: time.Now(),
	}
}

// Increment increments a counter by 1.
func (m *Metrics) Increment(name string) {
	m.IncrementBy(name, 1)
}

// IncrementBy increments a counter by the given value.
func (m *Metrics) IncrementBy(name string, value int64) {
	if m == nil {
		return
	}
	atomic.AddInt64(m.counter(name), value)
}

// ObserveDuration records one duration sample for the named timer.
func (m *Metrics) ObserveDuration(name string, d time.Duration) {
	if m == nil {
		return
	}
	ms := d.Milliseconds()

	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.timers[name]
	if !ok {
		t = &timerState{}
		m.timers[name] = t
	}
	t.count++
	t.totalMs += ms
	if ms > t.maxMs {
		t.maxMs = ms
	}
}

// Time runs fn and records its duration under name.
func (m *Metrics) Time(name string, fn func()) {
	start := time.Now()
	fn()
	m.ObserveDuration(name, time.Since(start))
}

// Snapshot returns a copy of every metric for the ops endpoint.
func (m *Metrics) Snapshot() Snapshot {
	snap := Snapshot{
		Counters: make(map[string]int64),
		Timers:   make(map[string]Timer),
	}
	if m == nil {
		return snap
	}
	snap.UptimeSeconds = int64(time.Since(m.startTime).Seconds())

	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, v := range m.counters {
		snap.Counters[name] = atomic.LoadInt64(v)
	}
	for name, t := range m.timers {
		timer := Timer{Count: t.count, TotalTimeMs: t.totalMs, MaxTimeMs: t.maxMs}
		if t.count > 0 {
			timer.AverageTimeMs = float64(t.totalMs) / float64(t.count)
		}
		snap.Timers[name] = timer
	}
	return snap
}

func (m *Metrics) counter(name string) *int64 {
	m.mu.RLock()
	c, ok := m.counters[name]
	m.mu.RUnlock()
	if ok {
		return c
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok = m.counters[name]; ok {
		return c
	}
	c = new(int64)
	m.counters[name] = c
	return c
}
