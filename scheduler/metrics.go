package scheduler

import (
	"math"
	"time"
)

// WarningLevel grades a resource warning.
type WarningLevel string

const (
	LevelWarning  WarningLevel = "warning"
	LevelCritical WarningLevel = "critical"
)

// Warning is a resource alert attached to session metrics.
type Warning struct {
	Level   WarningLevel `json:"level"`
	Metric  string       `json:"metric"`
	Message string       `json:"message"`
}

// Metrics is a snapshot of one session's scan statistics.
type Metrics struct {
	ScanRateMs        int        `json:"scan_rate_ms"`
	ScanDurationMs    float64    `json:"scan_duration_ms"`
	ScanEfficiencyPct float64    `json:"scan_efficiency_pct"`
	CPUTimeMs         float64    `json:"cpu_time_ms"`
	AvgCPUTimeMs      float64    `json:"avg_cpu_time_ms"`
	PeakCPUTimeMs     float64    `json:"peak_cpu_time_ms"`
	AvgEfficiencyPct  float64    `json:"avg_efficiency_pct"`
	PeakEfficiencyPct float64    `json:"peak_efficiency_pct"`
	AvgDurationMs     float64    `json:"avg_duration_ms"`
	PeakDurationMs    float64    `json:"peak_duration_ms"`
	CyclesPerSecond   float64    `json:"cycles_per_second"`
	MemoryPeakMB      float64    `json:"memory_peak_mb"`
	MemoryAvgMB       float64    `json:"memory_avg_mb"`
	TotalCycles       int64      `json:"total_cycles"`
	FailedCycles      int64      `json:"failed_cycles"`
	Overruns          int64      `json:"overruns"`
	TagChangeHints    int64      `json:"tag_change_hints"`
	UptimeSeconds     float64    `json:"uptime_seconds"`
	LastScanAt        *time.Time `json:"last_scan_at,omitempty"`
	Paused            bool       `json:"paused,omitempty"`
	Warnings          []Warning  `json:"warnings,omitempty"`
}

// Thresholds for efficiency warnings.
const (
	efficiencyWarnPct     = 90.0
	efficiencyCriticalPct = 100.0
)

type sample struct {
	durationMs    float64
	cpuMs         float64
	efficiencyPct float64
	memoryMB      float64
}

// accumulator keeps running totals plus a sliding window of samples for
// rolling averages and peaks.
type accumulator struct {
	scanRate  time.Duration
	ceilingMB float64
	window    []sample
	next      int
	filled    bool

	startedAt time.Time
	lastAt    time.Time
	last      sample
	total     int64
	failed    int64
	overruns  int64
	hints     int64
	memPeak   float64
	memSum    float64
}

func newAccumulator(scanRate time.Duration, windowSize int, ceilingMB float64, startedAt time.Time) *accumulator {
	if windowSize <= 0 {
		windowSize = 60
	}
	return &accumulator{
		scanRate:  scanRate,
		ceilingMB: ceilingMB,
		window:    make([]sample, windowSize),
		startedAt: startedAt,
	}
}

// Efficiency returns 100·cycle/scan, capped at 100.
func Efficiency(cycle, scanRate time.Duration) float64 {
	if scanRate <= 0 {
		return 0
	}
	pct := 100 * float64(cycle) / float64(scanRate)
	return math.Min(pct, 100)
}

// add records one cycle. cpu is the process CPU time spent while the
// cycle ran, so concurrent sessions inflate each other's figure.
func (a *accumulator) add(cycle, cpu time.Duration, memoryMB float64, failed bool, at time.Time) {
	s := sample{
		durationMs:    float64(cycle) / float64(time.Millisecond),
		cpuMs:         float64(cpu) / float64(time.Millisecond),
		efficiencyPct: Efficiency(cycle, a.scanRate),
		memoryMB:      memoryMB,
	}
	a.window[a.next] = s
	a.next = (a.next + 1) % len(a.window)
	if a.next == 0 {
		a.filled = true
	}
	a.last = s
	a.lastAt = at
	a.total++
	if failed {
		a.failed++
	}
	if cycle >= a.scanRate {
		a.overruns++
	}
	a.memSum += memoryMB
	if memoryMB > a.memPeak {
		a.memPeak = memoryMB
	}
}

func (a *accumulator) samples() []sample {
	if a.filled {
		return a.window
	}
	return a.window[:a.next]
}

func (a *accumulator) snapshot(now time.Time) Metrics {
	m := Metrics{
		ScanRateMs:        int(a.scanRate / time.Millisecond),
		ScanDurationMs:    a.last.durationMs,
		ScanEfficiencyPct: a.last.efficiencyPct,
		CPUTimeMs:         a.last.cpuMs,
		MemoryPeakMB:      a.memPeak,
		TotalCycles:       a.total,
		FailedCycles:      a.failed,
		Overruns:          a.overruns,
		TagChangeHints:    a.hints,
		UptimeSeconds:     now.Sub(a.startedAt).Seconds(),
	}
	if s := a.samples(); len(s) > 0 {
		var durSum, cpuSum, effSum float64
		for _, x := range s {
			durSum += x.durationMs
			cpuSum += x.cpuMs
			effSum += x.efficiencyPct
			m.PeakDurationMs = math.Max(m.PeakDurationMs, x.durationMs)
			m.PeakCPUTimeMs = math.Max(m.PeakCPUTimeMs, x.cpuMs)
			m.PeakEfficiencyPct = math.Max(m.PeakEfficiencyPct, x.efficiencyPct)
		}
		m.AvgDurationMs = durSum / float64(len(s))
		m.AvgCPUTimeMs = cpuSum / float64(len(s))
		m.AvgEfficiencyPct = effSum / float64(len(s))
	}
	if a.total > 0 {
		m.MemoryAvgMB = a.memSum / float64(a.total)
		at := a.lastAt
		m.LastScanAt = &at
	}
	if m.UptimeSeconds > 0 {
		m.CyclesPerSecond = float64(a.total) / m.UptimeSeconds
	}
	m.Warnings = a.warnings(m)
	return m
}

func (a *accumulator) warnings(m Metrics) []Warning {
	var out []Warning
	switch {
	case a.total == 0:
	case m.ScanEfficiencyPct >= efficiencyCriticalPct:
		out = append(out, Warning{Level: LevelCritical, Metric: "scan_efficiency_pct",
			Message: "scan overrun: cycle time reached the scan period"})
	case m.ScanEfficiencyPct >= efficiencyWarnPct:
		out = append(out, Warning{Level: LevelWarning, Metric: "scan_efficiency_pct",
			Message: "cycle time above 90% of the scan period"})
	}
	if a.ceilingMB > 0 && m.MemoryPeakMB > a.ceilingMB {
		out = append(out, Warning{Level: LevelWarning, Metric: "memory_peak_mb",
			Message: "memory peak exceeds the configured ceiling"})
	}
	return out
}

// systemTags returns the metric values published as flow.<id>.<metric>.
func (m Metrics) systemTags() map[string]float64 {
	return map[string]float64{
		"scan_duration_ms":    m.ScanDurationMs,
		"scan_efficiency_pct": m.ScanEfficiencyPct,
		"cpu_time_ms":         m.CPUTimeMs,
		"avg_cpu_time_ms":     m.AvgCPUTimeMs,
		"avg_efficiency_pct":  m.AvgEfficiencyPct,
		"peak_efficiency_pct": m.PeakEfficiencyPct,
		"cycles_per_second":   m.CyclesPerSecond,
		"memory_peak_mb":      m.MemoryPeakMB,
		"memory_avg_mb":       m.MemoryAvgMB,
		"total_cycles":        float64(m.TotalCycles),
		"uptime_seconds":      m.UptimeSeconds,
	}
}
