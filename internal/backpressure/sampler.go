package backpressure

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// ProcessSampler implements Sampler using the running process's RSS
// (read from /proc/self/status) and CPU time delta (via
// golang.org/x/sys/unix.Getrusage), each expressed as a ratio against a
// configured threshold.
type ProcessSampler struct {
	memThresholdBytes int64
	cpuThresholdCores float64

	lastSample time.Time
	lastCPU    time.Duration
}

// NewProcessSampler creates a ProcessSampler. memThresholdMB and
// cpuThresholdCores define the denominators of the pressure ratios (a
// cpuThresholdCores of 1.0 means "pressure 1.0 at one full core busy").
func NewProcessSampler(memThresholdMB int, cpuThresholdCores float64) *ProcessSampler {
	return &ProcessSampler{
		memThresholdBytes: int64(memThresholdMB) * 1024 * 1024,
		cpuThresholdCores: cpuThresholdCores,
		lastSample:        time.Now(),
	}
}

// Sample returns (rss/memThreshold, cpuCoresUsed/cpuThreshold).
func (p *ProcessSampler) Sample() (memRatio, cpuRatio float64) {
	rss, err := readRSS()
	if err == nil && p.memThresholdBytes > 0 {
		memRatio = float64(rss) / float64(p.memThresholdBytes)
	}

	var usage unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &usage); err == nil {
		cpuTime := time.Duration(usage.Utime.Sec)*time.Second +
			time.Duration(usage.Utime.Usec)*time.Microsecond +
			time.Duration(usage.Stime.Sec)*time.Second +
			time.Duration(usage.Stime.Usec)*time.Microsecond

		now := time.Now()
		wallDelta := now.Sub(p.lastSample)
		cpuDelta := cpuTime - p.lastCPU
		if wallDelta > 0 && p.cpuThresholdCores > 0 {
			coresUsed := cpuDelta.Seconds() / wallDelta.Seconds()
			cpuRatio = coresUsed / p.cpuThresholdCores
		}
		p.lastSample = now
		p.lastCPU = cpuTime
	}

	return memRatio, cpuRatio
}

// readRSS parses VmRSS from /proc/self/status (Linux only; the process
// this service runs in is always containerized Linux, matching the
// teacher's use of golang.org/x/sys/unix for Linux-specific resource
// checks in jsbroks-splitscreen's checkDiskSpace).
func readRSS() (int64, error) {
	data, err := os.ReadFile("/proc/self/status")
	if err != nil {
		return 0, err
	}
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, "VmRSS:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0, fmt.Errorf("backpressure: malformed VmRSS line %q", line)
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("backpressure: parse VmRSS: %w", err)
		}
		return kb * 1024, nil
	}
	return 0, fmt.Errorf("backpressure: VmRSS not found in /proc/self/status")
}

// CheckDiskSpace verifies at least minGB of free space is available at
// path, grounded on the teacher's checkDiskSpace (unix.Statfs-based
// free-space check). The Job Coordinator calls this against a job's temp
// dir before fanning out Render Workers, so a job fails fast with
// ResourceExhausted instead of mid-encode.
func CheckDiskSpace(path string, minGB int) error {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return fmt.Errorf("backpressure: check disk space: %w", err)
	}

	availableGB := float64(stat.Bavail*uint64(stat.Bsize)) / (1024 * 1024 * 1024)
	if availableGB < float64(minGB) {
		return fmt.Errorf("backpressure: insufficient disk space: %.2f GB available, %d GB required", availableGB, minGB)
	}
	return nil
}
