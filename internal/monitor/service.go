// Package monitor reports resource usage of the sitebridge process for the
// health endpoint.
package monitor

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/process"
)

const snapshotTTL = 2 * time.Second

// Snapshot is one sample of the process and host load.
type Snapshot struct {
	PID      int32  `json:"pid"`
	Platform string `json:"platform"`

	CPUCores    int       `json:"cpu_cores"`
	LoadAverage []float64 `json:"load_average,omitempty"`

	CPUPercent  float64 `json:"cpu_percent"`
	MemoryBytes uint64  `json:"memory_bytes"`
	NumThreads  int32   `json:"num_threads"`
	Goroutines  int     `json:"goroutines"`

	UptimeSeconds int64 `json:"uptime_seconds"`
	TimestampMs   int64 `json:"timestamp_ms"`
}

type Service struct {
	log       *slog.Logger
	startedAt time.Time
	now       func() time.Time
	collect   func(ctx context.Context) Snapshot

	mu          sync.Mutex
	hasSnap     bool
	snap        Snapshot
	collectedAt time.Time
}

func NewService(log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	s := &Service{
		log:       log,
		startedAt: time.Now(),
		now:       time.Now,
	}
	s.collect = s.collectSnapshot
	return s
}

// Snapshot returns a sample at most snapshotTTL old. Concurrent health probes
// share one collection.
func (s *Service) Snapshot(ctx context.Context) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if s.hasSnap && now.Sub(s.collectedAt) < snapshotTTL {
		return s.snap
	}
	s.snap = s.collect(ctx)
	s.collectedAt = now
	s.hasSnap = true
	return s.snap
}

func (s *Service) collectSnapshot(ctx context.Context) Snapshot {
	now := s.now()
	snap := Snapshot{
		PID:           int32(os.Getpid()),
		Platform:      runtime.GOOS,
		Goroutines:    runtime.NumGoroutine(),
		UptimeSeconds: int64(now.Sub(s.startedAt) / time.Second),
		TimestampMs:   now.UnixMilli(),
	}

	if cores, err := cpu.CountsWithContext(ctx, true); err == nil {
		snap.CPUCores = cores
	} else {
		s.log.Debug("monitor: get cpu cores failed", "error", err)
	}
	if avg, err := load.AvgWithContext(ctx); err == nil && avg != nil {
		snap.LoadAverage = []float64{avg.Load1, avg.Load5, avg.Load15}
	} else if err != nil {
		s.log.Debug("monitor: get load average failed", "error", err)
	}

	p, err := process.NewProcessWithContext(ctx, snap.PID)
	if err != nil {
		s.log.Warn("monitor: open own process failed", "error", err)
		return snap
	}
	if pct, err := p.CPUPercentWithContext(ctx); err == nil {
		snap.CPUPercent = pct
	}
	if mem, err := p.MemoryInfoWithContext(ctx); err == nil && mem != nil {
		snap.MemoryBytes = mem.RSS
	}
	if n, err := p.NumThreadsWithContext(ctx); err == nil {
		snap.NumThreads = n
	}
	return snap
}
