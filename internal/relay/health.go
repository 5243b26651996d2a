package relay

import (
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// HealthSnapshot is the JSON shape served by /api/health.
type HealthSnapshot struct {
	Status        string  `json:"status"`
	UptimeSeconds int64   `json:"uptimeSeconds"`
	Goroutines    int     `json:"goroutines"`
	MemoryRSS     uint64  `json:"memoryRssBytes"`
	CPUPercent    float64 `json:"cpuPercent"`
}

var processStart = time.Now()

// Health reports process-level vitals. Metric lookups that fail (platform
// quirks, permissions) leave their field at zero; health never errors.
func Health() HealthSnapshot {
	snap := HealthSnapshot{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(processStart).Seconds()),
		Goroutines:    runtime.NumGoroutine(),
	}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return snap
	}
	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		snap.MemoryRSS = mem.RSS
	}
	if cpu, err := proc.CPUPercent(); err == nil {
		snap.CPUPercent = cpu
	}
	return snap
}
