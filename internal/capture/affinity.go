package capture

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"

	"github.com/lanrelay/gwcore/internal/xlog"
)

var affinityLog = xlog.New("capture")

// SetCPUAffinity pins the calling goroutine's OS thread to cpuCore. The
// caller must have already called runtime.LockOSThread.
func SetCPUAffinity(cpuCore int) error {
	numCPU := runtime.NumCPU()
	if cpuCore >= numCPU {
		affinityLog.Warnf("CPU core %d not available (max: %d), using core 0", cpuCore, numCPU-1)
		cpuCore = 0
	}

	var cpuSet unix.CPUSet
	cpuSet.Zero()
	cpuSet.Set(cpuCore)

	tid := unix.Gettid()
	if err := unix.SchedSetaffinity(tid, &cpuSet); err != nil {
		return fmt.Errorf("capture: set CPU affinity to core %d: %w", cpuCore, err)
	}
	return nil
}
