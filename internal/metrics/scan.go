package metrics

import (
	"sync"
	"time"

	"wipetrace/internal/classify"
	"wipetrace/internal/scan"
)

// ScanMetrics holds the wipe-detection metrics.
type ScanMetrics struct {
	registry *Registry

	ScansTotal   *Counter
	PartialTotal *Counter
	ErrorsTotal  *Counter
	BytesTotal   *Counter
	RegionsTotal *Counter
	UploadsTotal *Counter

	ActiveScans   *Gauge
	UptimeSeconds *Gauge

	ScanDuration *Histogram
	IntentScore  *Histogram

	started time.Time
}

// NewScanMetrics registers the scan metrics in registry. A nil registry
// gets a fresh one in the "wipetrace" namespace.
func NewScanMetrics(registry *Registry) *ScanMetrics {
	if registry == nil {
		registry = NewRegistry("wipetrace")
	}
	return &ScanMetrics{
		registry: registry,

		ScansTotal:   registry.Counter("scans_total", "Completed scans", nil),
		PartialTotal: registry.Counter("scans_partial_total", "Scans that stopped before end of input", nil),
		ErrorsTotal:  registry.Counter("errors_total", "Scans that failed without a result", nil),
		BytesTotal:   registry.Counter("bytes_scanned_total", "Image bytes read", nil),
		RegionsTotal: registry.Counter("regions_total", "Suspicious regions reported", nil),
		UploadsTotal: registry.Counter("uploads_total", "Images received over HTTP", nil),

		ActiveScans:   registry.Gauge("active_scans", "Scans currently running", nil),
		UptimeSeconds: registry.Gauge("uptime_seconds", "Seconds since start", nil),

		ScanDuration: registry.Histogram("scan_duration_seconds", "Wall time per scan", nil, DurationBuckets),
		IntentScore:  registry.Histogram("intent_score", "Intent score per completed scan", nil, ScoreBuckets),

		started: time.Now(),
	}
}

// Registry returns the underlying registry.
func (m *ScanMetrics) Registry() *Registry {
	return m.registry
}

// ScanStarted marks a scan as running. The returned func must be called
// once the scan ends.
func (m *ScanMetrics) ScanStarted() func() {
	m.ActiveScans.Inc()
	var once sync.Once
	return func() { once.Do(m.ActiveScans.Dec) }
}

// RecordResult records a finished or partial scan.
func (m *ScanMetrics) RecordResult(res *scan.Result) {
	if res == nil {
		m.ErrorsTotal.Inc()
		return
	}
	m.ScansTotal.Inc()
	if res.Partial {
		m.PartialTotal.Inc()
	}
	m.BytesTotal.Add(res.ImageSize)
	m.RegionsTotal.Add(uint64(len(res.Regions)))
	m.ScanDuration.ObserveDuration(res.Elapsed)
	m.IntentScore.Observe(res.IntentScore)

	for _, c := range classify.Classes {
		if n := res.ClassCounts[c]; n > 0 {
			m.registry.Counter("blocks_total", "Blocks classified, by class", Labels{"class": string(c)}).Add(n)
		}
	}
	m.registry.Counter("assessments_total", "Completed scans, by assessment",
		Labels{"assessment": string(res.Assessment)}).Inc()
}

// RecordError records a scan that produced no result.
func (m *ScanMetrics) RecordError() {
	m.ErrorsTotal.Inc()
}

// UpdateUptime refreshes the uptime gauge.
func (m *ScanMetrics) UpdateUptime() {
	m.UptimeSeconds.Set(int64(time.Since(m.started).Seconds()))
}
