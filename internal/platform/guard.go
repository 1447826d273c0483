package platform

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/foldsync/core/internal/config"
	"github.com/foldsync/core/internal/metrics"
)

// AdmissionGuard enforces the static resource limits from config.Config
// and rejects new sessions once CPU, memory, or goroutine usage crosses
// a configured threshold — the same "static configuration, no
// auto-tuning" philosophy as a resource guard, generalized
// from connection admission to session admission.
type AdmissionGuard struct {
	cfg    *config.Config
	logger zerolog.Logger

	cpuMonitor *CPUMonitor

	currentCPU    atomic.Value // float64
	currentMemory atomic.Value // int64

	activeSessions *int64 // pointer into the server's session counter
}

// NewAdmissionGuard builds a guard. activeSessions must point at a
// counter the caller increments/decrements as sessions start and end.
func NewAdmissionGuard(cfg *config.Config, logger zerolog.Logger, activeSessions *int64) *AdmissionGuard {
	g := &AdmissionGuard{
		cfg:            cfg,
		logger:         logger,
		cpuMonitor:     NewCPUMonitor(logger),
		activeSessions: activeSessions,
	}
	g.currentCPU.Store(0.0)
	g.currentMemory.Store(int64(0))
	return g
}

// ShouldAccept reports whether a new session may be admitted, and a
// human-readable reason when it may not.
func (g *AdmissionGuard) ShouldAccept() (accept bool, reason string) {
	sessions := atomic.LoadInt64(g.activeSessions)
	cpuPct := g.currentCPU.Load().(float64)
	memBytes := g.currentMemory.Load().(int64)
	goros := runtime.NumGoroutine()

	if sessions >= int64(g.cfg.MaxSessions) {
		metrics.RecordRejection("at_max_sessions")
		return false, fmt.Sprintf("at max sessions (%d)", g.cfg.MaxSessions)
	}
	if cpuPct > g.cfg.CPURejectThreshold {
		metrics.RecordRejection("cpu_overload")
		return false, fmt.Sprintf("cpu %.1f%% > %.1f%%", cpuPct, g.cfg.CPURejectThreshold)
	}
	if memBytes > g.cfg.MemoryLimit {
		metrics.RecordRejection("memory_limit")
		return false, "memory limit exceeded"
	}
	if goros > g.cfg.MaxGoroutines {
		metrics.RecordRejection("goroutine_limit")
		return false, fmt.Sprintf("goroutine limit exceeded (%d > %d)", goros, g.cfg.MaxGoroutines)
	}
	return true, "OK"
}

// ShouldPause reports whether inbound Kafka feed consumption should
// pause because CPU is past the (higher) pause threshold.
func (g *AdmissionGuard) ShouldPause() bool {
	return g.currentCPU.Load().(float64) > g.cfg.CPUPauseThreshold
}

// update refreshes the cached CPU/memory readings and publishes them
// to Prometheus.
func (g *AdmissionGuard) update() {
	cpuPct, throttle, err := g.cpuMonitor.GetPercent()
	if err != nil {
		g.logger.Debug().Err(err).Msg("cpu sample failed")
		cpuPct = g.currentCPU.Load().(float64)
	}
	g.currentCPU.Store(cpuPct)

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	g.currentMemory.Store(int64(mem.Alloc))

	metrics.Observe(metrics.Sample{
		CPUPercent: cpuPct,
		MemoryRSS:  int64(mem.Alloc),
		Goroutines: runtime.NumGoroutine(),
	})

	if throttle.NrThrottled > 0 {
		g.logger.Warn().
			Uint64("nr_throttled", throttle.NrThrottled).
			Float64("throttled_sec", throttle.ThrottledSec).
			Msg("cpu throttling detected")
	}
}

// Run periodically refreshes resource readings until ctx is canceled.
func (g *AdmissionGuard) Run(ctx context.Context, interval time.Duration) {
	g.update()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			g.update()
		case <-ctx.Done():
			return
		}
	}
}
