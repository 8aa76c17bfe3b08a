// Package sysmonitor periodically samples process CPU and memory usage
// and exposes the admission guard that the websocket listener's upgrade
// gate consults before admitting a new session, mirroring the teacher's SystemMonitor
// but constructed per-process rather than as a package-level singleton.
package sysmonitor

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/odin-labs/eventcore/internal/platform"
	"github.com/odin-labs/eventcore/internal/telemetry"
	"github.com/rs/zerolog"
)

// Metrics is a point-in-time snapshot of process resource usage.
type Metrics struct {
	CPUPercent    float64
	CPUAllocation float64
	MemoryBytes   int64
	MemoryMB      float64
	Goroutines    int
	Throttle      platform.ThrottleStats
	Timestamp     time.Time
}

// Monitor samples CPU/memory on a timer and serves the latest snapshot to
// any number of concurrent readers.
type Monitor struct {
	cpu    *platform.CPUMonitor
	logger zerolog.Logger

	mu      sync.RWMutex
	metrics Metrics

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Monitor. Call Start to begin periodic sampling.
func New(logger zerolog.Logger) *Monitor {
	logger = logger.With().Str("component", "sysmonitor").Logger()
	cpuMonitor := platform.NewCPUMonitor(logger)
	return &Monitor{
		cpu:     cpuMonitor,
		logger:  logger,
		metrics: Metrics{Timestamp: time.Now()},
	}
}

// Start begins periodic sampling at the given interval. It is safe to
// call Stop to end sampling; Start must not be called twice.
func (m *Monitor) Start(ctx context.Context, interval time.Duration) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		m.sample()
		for {
			select {
			case <-ticker.C:
				m.sample()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop ends sampling and waits for the background goroutine to exit.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *Monitor) sample() {
	cpuPercent, throttle, err := m.cpu.GetPercent()
	if err != nil {
		m.logger.Debug().Err(err).Msg("sysmonitor: cpu sample failed")
		cpuPercent = 0
	}

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	goroutines := runtime.NumGoroutine()

	snapshot := Metrics{
		CPUPercent:    cpuPercent,
		CPUAllocation: m.cpu.GetAllocation(),
		MemoryBytes:   int64(memStats.Alloc),
		MemoryMB:      float64(memStats.Alloc) / (1024 * 1024),
		Goroutines:    goroutines,
		Throttle:      throttle,
		Timestamp:     time.Now(),
	}

	m.mu.Lock()
	m.metrics = snapshot
	m.mu.Unlock()

	telemetry.CPUUsagePercent.Set(cpuPercent)
	telemetry.CPUAllocationCores.Set(snapshot.CPUAllocation)
	telemetry.MemoryUsageBytes.Set(float64(snapshot.MemoryBytes))
	telemetry.GoroutinesActive.Set(float64(goroutines))
	if throttle.NrThrottled > 0 {
		telemetry.CPUThrottleEventsTotal.Add(float64(throttle.NrThrottled))
	}
	if throttle.ThrottledSec > 0 {
		telemetry.CPUThrottledSecondsTotal.Add(throttle.ThrottledSec)
	}
	if hostPercent, err := m.cpu.GetHostPercent(); err == nil {
		telemetry.CPUHostPercent.Set(hostPercent)
	}

	m.logger.Debug().
		Float64("cpu_percent", cpuPercent).
		Float64("memory_mb", snapshot.MemoryMB).
		Int("goroutines", goroutines).
		Msg("sysmonitor: sample taken")
}

// Snapshot returns the most recent measurement.
func (m *Monitor) Snapshot() Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metrics
}

// Guard gates two independent decisions on current CPU usage: whether a
// new session may be admitted (the reject threshold, the emergency
// brake on growth) and whether inbound event ingestion should be
// paused to shed load on an already-busy process (the pause threshold,
// which sits above reject since it protects existing work rather than
// new work).
type Guard struct {
	monitor         *Monitor
	rejectThreshold float64
	pauseThreshold  float64
}

// NewGuard builds an admission guard reading from monitor.
func NewGuard(monitor *Monitor, rejectThreshold, pauseThreshold float64) *Guard {
	return &Guard{monitor: monitor, rejectThreshold: rejectThreshold, pauseThreshold: pauseThreshold}
}

// AllowSession reports whether a new session may be admitted given the
// current CPU sample.
func (g *Guard) AllowSession() (ok bool, reason string) {
	cpuPercent := g.monitor.Snapshot().CPUPercent
	if cpuPercent > g.rejectThreshold {
		return false, "cpu_overload"
	}
	return true, ""
}

// ShouldPauseIngestion reports whether the event store's ingestion path
// (e.g. a NATS/Kafka consumer feeding the store) should be paused to let
// CPU usage recover.
func (g *Guard) ShouldPauseIngestion() bool {
	return g.monitor.Snapshot().CPUPercent > g.pauseThreshold
}
