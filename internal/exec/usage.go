package exec

import (
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v3/process"
)

// sampleUsage reads a point-in-time resource snapshot of this process.
// Returns nil when the platform refuses; records simply omit the field.
func sampleUsage() *UsageSample {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil
	}
	s := &UsageSample{Goroutines: runtime.NumGoroutine()}
	if cpu, err := p.CPUPercent(); err == nil {
		s.CPUPercent = cpu
	}
	if mi, err := p.MemoryInfo(); err == nil && mi != nil {
		s.RSSBytes = mi.RSS
	}
	return s
}
