package trainer

import (
	"log/slog"
	"sync"
)

// MemoryLogger records every metric it receives.
type MemoryLogger struct {
	mu      sync.Mutex
	records []MetricRecord
}

// MetricRecord is one LogMetrics call.
type MetricRecord struct {
	Step    int
	Metrics map[string]float64
}

func (l *MemoryLogger) LogMetrics(metrics map[string]float64, step int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, MetricRecord{Step: step, Metrics: metrics})
}

// Records returns a copy of everything logged so far.
func (l *MemoryLogger) Records() []MetricRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]MetricRecord(nil), l.records...)
}

// SlogLogger forwards metrics to slog at debug level.
type SlogLogger struct{}

func (SlogLogger) LogMetrics(metrics map[string]float64, step int) {
	attrs := make([]any, 0, 2*len(metrics)+2)
	attrs = append(attrs, "step", step)
	for k, v := range metrics {
		attrs = append(attrs, k, v)
	}
	slog.Debug("Metrics", attrs...)
}

// ProgressBar tracks whether progress output is enabled.
type ProgressBar struct {
	enabled bool
	toggles int
}

func (p *ProgressBar) Enable() {
	p.enabled = true
	p.toggles++
}

func (p *ProgressBar) Disable() {
	p.enabled = false
	p.toggles++
}

// Enabled reports whether progress output is on.
func (p *ProgressBar) Enabled() bool { return p.enabled }

// Toggles counts Enable and Disable calls.
func (p *ProgressBar) Toggles() int { return p.toggles }
