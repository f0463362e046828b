package health

import (
	"os"
	"runtime"
	"sync"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// ProcessStats is a resource snapshot of the running service.
type ProcessStats struct {
	PID              int32   `json:"pid"`
	RSSBytes         uint64  `json:"rssBytes"`
	CPUPercent       float64 `json:"cpuPercent"`
	Threads          int32   `json:"threads"`
	Goroutines       int     `json:"goroutines"`
	SystemMemPercent float64 `json:"systemMemPercent"`
}

var (
	selfOnce sync.Once
	self     *process.Process
	selfErr  error
)

// Process samples the current process. Fields that cannot be read on this
// platform are left zero.
func Process() ProcessStats {
	selfOnce.Do(func() {
		self, selfErr = process.NewProcess(int32(os.Getpid()))
	})

	stats := ProcessStats{
		PID:        int32(os.Getpid()),
		Goroutines: runtime.NumGoroutine(),
	}
	if selfErr == nil {
		if mi, err := self.MemoryInfo(); err == nil {
			stats.RSSBytes = mi.RSS
		}
		if pct, err := self.CPUPercent(); err == nil {
			stats.CPUPercent = pct
		}
		if n, err := self.NumThreads(); err == nil {
			stats.Threads = n
		}
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		stats.SystemMemPercent = vm.UsedPercent
	}
	return stats
}
