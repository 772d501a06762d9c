package report

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// ProcessStats describes the resource usage of the running watcher.
type ProcessStats struct {
	PID        int32     `json:"pid"`
	RSSBytes   uint64    `json:"rssBytes"`
	CPUPercent float64   `json:"cpuPercent"`
	Threads    int32     `json:"threads"`
	Goroutines int       `json:"goroutines"`
	StartedAt  time.Time `json:"startedAt"`
}

// CollectProcessStats reads stats for the current process. Fields that the
// platform cannot report are left zero; the error is returned only when
// the process itself cannot be inspected.
func CollectProcessStats(ctx context.Context) (ProcessStats, error) {
	stats := ProcessStats{
		PID:        int32(os.Getpid()),
		Goroutines: runtime.NumGoroutine(),
	}

	p, err := process.NewProcessWithContext(ctx, stats.PID)
	if err != nil {
		return stats, err
	}
	if mem, err := p.MemoryInfoWithContext(ctx); err == nil && mem != nil {
		stats.RSSBytes = mem.RSS
	}
	if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
		stats.CPUPercent = cpu
	}
	if n, err := p.NumThreadsWithContext(ctx); err == nil {
		stats.Threads = n
	}
	if ms, err := p.CreateTimeWithContext(ctx); err == nil {
		stats.StartedAt = time.UnixMilli(ms)
	}
	return stats, nil
}
