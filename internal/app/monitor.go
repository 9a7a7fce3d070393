package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/givehub/crm-relay/internal/adapter/observability"
	"github.com/givehub/crm-relay/internal/domain"
)

// processingWindow is how many recent completions feed the average latency.
const processingWindow = 100

// recentAlerts bounds the in-memory alert list served by the monitor API.
const recentAlerts = 50

// Thresholds are the alerting limits the monitor evaluates every sample.
type Thresholds struct {
	QueueDepthWarn   int64
	ErrorRateCrit    float64
	ProcessingMSWarn int64
	MemoryFracWarn   float64
	JobsPerSecInfo   float64
}

// Alert is one threshold crossing.
type Alert struct {
	Kind      string    `json:"kind"`
	Severity  string    `json:"severity"`
	Message   string    `json:"message"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	At        time.Time `json:"at"`
}

// Snapshot is one sampled metrics view.
type Snapshot struct {
	Queues          map[string]domain.QueueCounts `json:"queues"`
	JobsPerSecond   float64                       `json:"jobs_per_second"`
	ErrorRate       float64                       `json:"error_rate"`
	AvgProcessingMS float64                       `json:"avg_processing_ms"`
	HeapFraction    float64                       `json:"heap_fraction"`
	CPUPercent      float64                       `json:"cpu_percent"`
	WriterBacklog   int                           `json:"writer_backlog"`
	At              time.Time                     `json:"at"`
}

// Monitor samples the queues every 30s, derives the processing-latency window
// from the broker's recent completions, and emits threshold alerts. Reading
// latency off the broker keeps the signal alive when the worker pools run in
// a separate process.
type Monitor struct {
	broker     domain.Broker
	queues     []string
	thresholds Thresholds
	sample     time.Duration
	snapshot   time.Duration
	backlogFn  func() int
	proc       *process.Process

	mu       sync.Mutex
	prevDone int64
	prevAt   time.Time
	last     Snapshot
	alerts   []Alert
}

// NewMonitor wires a Monitor over the broker's counts surface. backlogFn
// exposes the batch writer backlog; nil means not wired.
func NewMonitor(broker domain.Broker, queues []string, th Thresholds, sample, snapshot time.Duration, backlogFn func() int) *Monitor {
	if sample <= 0 {
		sample = 30 * time.Second
	}
	if snapshot <= 0 {
		snapshot = 5 * time.Minute
	}
	proc, _ := process.NewProcess(int32(os.Getpid()))
	return &Monitor{
		broker:     broker,
		queues:     queues,
		thresholds: th,
		sample:     sample,
		snapshot:   snapshot,
		backlogFn:  backlogFn,
		proc:       proc,
	}
}

// Run drives the sample and snapshot tickers until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	sampleTicker := time.NewTicker(m.sample)
	defer sampleTicker.Stop()
	snapshotTicker := time.NewTicker(m.snapshot)
	defer snapshotTicker.Stop()

	m.Sample(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("performance monitor stopping")
			return
		case <-sampleTicker.C:
			m.Sample(ctx)
		case <-snapshotTicker.C:
			snap := m.Latest()
			slog.Info("metrics snapshot",
				slog.Float64("jobs_per_second", snap.JobsPerSecond),
				slog.Float64("error_rate", snap.ErrorRate),
				slog.Float64("avg_processing_ms", snap.AvgProcessingMS),
				slog.Float64("heap_fraction", snap.HeapFraction),
				slog.Int("writer_backlog", snap.WriterBacklog))
		}
	}
}

// Sample collects one snapshot and evaluates the thresholds.
func (m *Monitor) Sample(ctx context.Context) {
	now := time.Now().UTC()
	snap := Snapshot{Queues: make(map[string]domain.QueueCounts, len(m.queues)), At: now}

	var totalDepth, totalDone, totalFailed int64
	for _, q := range m.queues {
		counts, err := m.broker.Counts(ctx, q)
		if err != nil {
			slog.Error("queue count sample failed", slog.String("queue", q), slog.Any("error", err))
			continue
		}
		snap.Queues[q] = counts
		totalDepth += counts.Waiting + counts.Delayed + counts.Paused
		totalDone += counts.Completed + counts.Failed
		totalFailed += counts.Failed
		for state, v := range map[string]int64{
			"waiting": counts.Waiting, "active": counts.Active,
			"completed": counts.Completed, "failed": counts.Failed,
			"delayed": counts.Delayed, "paused": counts.Paused,
		} {
			observability.QueueDepth.WithLabelValues(q, state).Set(float64(v))
		}
	}

	snap.AvgProcessingMS = m.latencyWindow(ctx)

	m.mu.Lock()
	if !m.prevAt.IsZero() {
		dt := now.Sub(m.prevAt).Seconds()
		if dt > 0 && totalDone >= m.prevDone {
			snap.JobsPerSecond = float64(totalDone-m.prevDone) / dt
		}
	}
	m.prevDone = totalDone
	m.prevAt = now
	if totalDone > 0 {
		snap.ErrorRate = float64(totalFailed) / float64(totalDone)
	}
	m.mu.Unlock()

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	if ms.HeapSys > 0 {
		snap.HeapFraction = float64(ms.HeapAlloc) / float64(ms.HeapSys)
	}
	if m.proc != nil {
		if cpu, err := m.proc.CPUPercent(); err == nil {
			snap.CPUPercent = cpu
		}
	}
	if m.backlogFn != nil {
		snap.WriterBacklog = m.backlogFn()
	}

	m.evaluate(snap, totalDepth)

	m.mu.Lock()
	m.last = snap
	m.mu.Unlock()
}

// latencyWindow averages started→finished over the most recent completions
// of the monitored queues; the broker persists both stamps in the item hash.
func (m *Monitor) latencyWindow(ctx context.Context) float64 {
	var sum float64
	var n int
	for _, q := range m.queues {
		items, err := m.broker.List(ctx, q, domain.ItemCompleted, 0, processingWindow)
		if err != nil {
			slog.Debug("latency window sample failed", slog.String("queue", q), slog.Any("error", err))
			continue
		}
		for _, it := range items {
			if it.StartedAt.IsZero() || it.FinishedAt.IsZero() {
				continue
			}
			sum += float64(it.FinishedAt.Sub(it.StartedAt)) / float64(time.Millisecond)
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func (m *Monitor) evaluate(snap Snapshot, totalDepth int64) {
	if m.thresholds.QueueDepthWarn > 0 && totalDepth > m.thresholds.QueueDepthWarn {
		m.emit("queue_depth", "warning",
			fmt.Sprintf("queue depth %d exceeds %d", totalDepth, m.thresholds.QueueDepthWarn),
			float64(totalDepth), float64(m.thresholds.QueueDepthWarn))
	}
	if m.thresholds.ErrorRateCrit > 0 && snap.ErrorRate > m.thresholds.ErrorRateCrit {
		m.emit("error_rate", "critical",
			fmt.Sprintf("error rate %.3f exceeds %.3f", snap.ErrorRate, m.thresholds.ErrorRateCrit),
			snap.ErrorRate, m.thresholds.ErrorRateCrit)
	}
	if m.thresholds.ProcessingMSWarn > 0 && snap.AvgProcessingMS > float64(m.thresholds.ProcessingMSWarn) {
		m.emit("processing_ms", "warning",
			fmt.Sprintf("avg processing %.0fms exceeds %dms", snap.AvgProcessingMS, m.thresholds.ProcessingMSWarn),
			snap.AvgProcessingMS, float64(m.thresholds.ProcessingMSWarn))
	}
	if m.thresholds.MemoryFracWarn > 0 && snap.HeapFraction > m.thresholds.MemoryFracWarn {
		m.emit("memory", "warning",
			fmt.Sprintf("heap fraction %.2f exceeds %.2f", snap.HeapFraction, m.thresholds.MemoryFracWarn),
			snap.HeapFraction, m.thresholds.MemoryFracWarn)
	}
	if m.thresholds.JobsPerSecInfo > 0 && snap.JobsPerSecond > m.thresholds.JobsPerSecInfo {
		// High throughput is informational, not a fault.
		m.emit("throughput", "info",
			fmt.Sprintf("%.1f jobs/sec exceeds %.1f", snap.JobsPerSecond, m.thresholds.JobsPerSecInfo),
			snap.JobsPerSecond, m.thresholds.JobsPerSecInfo)
	}
}

func (m *Monitor) emit(kind, severity, msg string, value, threshold float64) {
	observability.AlertsTotal.WithLabelValues(kind, severity).Inc()
	a := Alert{Kind: kind, Severity: severity, Message: msg, Value: value, Threshold: threshold, At: time.Now().UTC()}
	m.mu.Lock()
	m.alerts = append(m.alerts, a)
	if len(m.alerts) > recentAlerts {
		m.alerts = m.alerts[len(m.alerts)-recentAlerts:]
	}
	m.mu.Unlock()
	switch severity {
	case "critical":
		slog.Error("monitor alert", slog.String("kind", kind), slog.String("message", msg))
	case "warning":
		slog.Warn("monitor alert", slog.String("kind", kind), slog.String("message", msg))
	default:
		slog.Info("monitor alert", slog.String("kind", kind), slog.String("message", msg))
	}
}

// Latest returns the most recent snapshot.
func (m *Monitor) Latest() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Alerts returns the recent alert list, newest last.
func (m *Monitor) Alerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Alert{}, m.alerts...)
}

// Healthy reports whether the last sample crossed no critical threshold.
func (m *Monitor) Healthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.alerts {
		if a.Severity == "critical" && time.Since(a.At) < m.sample*2 {
			return false
		}
	}
	return true
}
