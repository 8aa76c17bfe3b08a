// Package platform provides container-aware CPU usage measurement used by
// the admission guard: it reads cgroup accounting files directly rather
// than sampling host-wide CPU, since a container's allocation can be a
// fraction of the host.
package platform

import (
	"bufio"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
)

// ThrottleStats reports cgroup CPU throttling counters since the previous
// sample.
type ThrottleStats struct {
	NrPeriods    uint64
	NrThrottled  uint64
	ThrottledSec float64
}

// cgroupLayout is the set of accounting files for one cgroup version,
// relative to the cgroup's own directory. Reading CPU usage differs
// between versions (a single counter file under v1, a keyed stat file
// under v2), as do the quota files, but both versions expose throttling
// through the same keyed cpu.stat file, so statFile is shared.
type cgroupLayout struct {
	version      int
	quotaFile    string // v1 only; empty under v2, where quota lives in cpu.max
	periodFile   string // v1 only
	maxFile      string // v2 only
	usageFile    string
	usageIsKeyed bool   // true: usageFile is "key value\n..." (v2 cpu.stat); false: a lone counter (v1 cpuacct.usage)
	usageKey     string // key to read when usageIsKeyed
	statFile     string // throttle counters; same file as usageFile under v2
}

var layouts = map[int]cgroupLayout{
	1: {version: 1, quotaFile: "cpu.cfs_quota_us", periodFile: "cpu.cfs_period_us", usageFile: "cpuacct.usage", statFile: "cpu.stat"},
	2: {version: 2, maxFile: "cpu.max", usageFile: "cpu.stat", usageIsKeyed: true, usageKey: "usage_usec", statFile: "cpu.stat"},
}

// readUintFile parses a file holding a single bare integer (v1 counter
// files).
func readUintFile(path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
}

// readIntFile parses a file holding a single signed integer (v1's
// cfs_quota_us, which is -1 when unconstrained).
func readIntFile(path string) (int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
}

// readKeyedStats parses a "key value" per line file (v2's cpu.stat, which
// doubles as both the usage and throttle source).
func readKeyedStats(path string) (map[string]uint64, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	stats := make(map[string]uint64)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 2 {
			continue
		}
		value, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}
		stats[fields[0]] = value
	}
	return stats, nil
}

// ContainerCPU computes CPU usage as a percentage of the container's own
// quota, by diffing cgroup accounting files across calls.
type ContainerCPU struct {
	mu               sync.Mutex
	lastCPUUsec      uint64
	lastSampleTime   time.Time
	layout           cgroupLayout
	cgroupPath       string
	numCPUsAllocated float64
	lastThrottle     ThrottleStats
}

// NewContainerCPU detects the process's cgroup and initializes the first
// sample. It fails if no cgroup can be found (e.g. not running in a
// container), in which case callers should fall back to host measurement.
func NewContainerCPU() (*ContainerCPU, error) {
	cgroupPath, version, err := detectCgroupPath()
	if err != nil {
		return nil, fmt.Errorf("platform: detect cgroup: %w", err)
	}
	layout, ok := layouts[version]
	if !ok {
		return nil, fmt.Errorf("platform: unsupported cgroup version %d", version)
	}

	cc := &ContainerCPU{lastSampleTime: time.Now(), cgroupPath: cgroupPath, layout: layout}

	quota, period, err := cc.readQuota()
	if err != nil {
		return nil, fmt.Errorf("platform: read cpu quota: %w", err)
	}
	if quota > 0 && period > 0 {
		cc.numCPUsAllocated = float64(quota) / float64(period)
	} else {
		cc.numCPUsAllocated = float64(runtime.NumCPU())
	}

	usage, err := cc.readUsage()
	if err != nil {
		return nil, fmt.Errorf("platform: read initial cpu usage: %w", err)
	}
	cc.lastCPUUsec = usage
	cc.lastThrottle, _ = cc.readThrottle()
	return cc, nil
}

func (cc *ContainerCPU) path(file string) string { return cc.cgroupPath + "/" + file }

func (cc *ContainerCPU) readQuota() (quota, period int64, err error) {
	if cc.layout.version == 2 {
		data, err := os.ReadFile(cc.path(cc.layout.maxFile))
		if err != nil {
			return 0, 0, err
		}
		fields := strings.Fields(string(data))
		if len(fields) != 2 {
			return 0, 0, fmt.Errorf("platform: unexpected cpu.max format: %s", data)
		}
		if fields[0] == "max" {
			return -1, 0, nil
		}
		if quota, err = strconv.ParseInt(fields[0], 10, 64); err != nil {
			return 0, 0, err
		}
		period, err = strconv.ParseInt(fields[1], 10, 64)
		return quota, period, err
	}

	quota, err = readIntFile(cc.path(cc.layout.quotaFile)) // may be -1: unconstrained
	if err != nil {
		return 0, 0, err
	}
	periodU, err := readUintFile(cc.path(cc.layout.periodFile))
	if err != nil {
		return 0, 0, err
	}
	return quota, int64(periodU), nil
}

func (cc *ContainerCPU) readUsage() (uint64, error) {
	if !cc.layout.usageIsKeyed {
		nsec, err := readUintFile(cc.path(cc.layout.usageFile))
		return nsec / 1000, err
	}
	stats, err := readKeyedStats(cc.path(cc.layout.usageFile))
	if err != nil {
		return 0, err
	}
	usec, ok := stats[cc.layout.usageKey]
	if !ok {
		return 0, fmt.Errorf("platform: %s not found in %s", cc.layout.usageKey, cc.layout.usageFile)
	}
	return usec, nil
}

func (cc *ContainerCPU) readThrottle() (ThrottleStats, error) {
	stats, err := readKeyedStats(cc.path(cc.layout.statFile))
	if err != nil {
		return ThrottleStats{}, err
	}
	var out ThrottleStats
	out.NrPeriods = stats["nr_periods"]
	out.NrThrottled = stats["nr_throttled"]
	if v, ok := stats["throttled_usec"]; ok { // cgroup v2
		out.ThrottledSec = float64(v) / 1_000_000.0
	} else if v, ok := stats["throttled_time"]; ok { // cgroup v1, nanoseconds
		out.ThrottledSec = float64(v) / 1_000_000_000.0
	}
	return out, nil
}

// GetPercent returns CPU usage normalized to the container's own
// allocation (100% means "using all of what it was given"), plus the
// throttling delta since the previous call.
func (cc *ContainerCPU) GetPercent() (percent float64, throttled ThrottleStats, err error) {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	now := time.Now()
	timeDeltaUsec := now.Sub(cc.lastSampleTime).Microseconds()
	if timeDeltaUsec == 0 {
		return 0, ThrottleStats{}, fmt.Errorf("platform: sample interval too small")
	}

	currentUsec, err := cc.readUsage()
	if err != nil {
		return 0, ThrottleStats{}, err
	}
	usageDelta := currentUsec - cc.lastCPUUsec
	rawPercent := (float64(usageDelta) / float64(timeDeltaUsec)) * 100.0
	percent = rawPercent / cc.numCPUsAllocated

	if currentThrottle, err := cc.readThrottle(); err == nil {
		throttled = ThrottleStats{
			NrPeriods:    currentThrottle.NrPeriods - cc.lastThrottle.NrPeriods,
			NrThrottled:  currentThrottle.NrThrottled - cc.lastThrottle.NrThrottled,
			ThrottledSec: currentThrottle.ThrottledSec - cc.lastThrottle.ThrottledSec,
		}
		cc.lastThrottle = currentThrottle
	}

	cc.lastCPUUsec = currentUsec
	cc.lastSampleTime = now
	return percent, throttled, nil
}

// GetAllocation returns the number of CPUs allocated to this container.
func (cc *ContainerCPU) GetAllocation() float64 {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.numCPUsAllocated
}

func detectCgroupPath() (path string, version int, err error) {
	file, err := os.Open("/proc/self/cgroup")
	if err != nil {
		return "", 0, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		parts := strings.Split(scanner.Text(), ":")
		if len(parts) != 3 {
			continue
		}
		if parts[0] == "0" && parts[1] == "" {
			return "/sys/fs/cgroup" + parts[2], 2, nil
		}
		if strings.Contains(parts[1], "cpu") {
			return "/sys/fs/cgroup/cpu" + parts[2], 1, nil
		}
	}
	return "", 0, fmt.Errorf("platform: could not detect cgroup path")
}

// CPUMonitor is the stable public surface the admission guard and
// sysmonitor consume: container-aware where possible, gopsutil-backed
// host measurement otherwise.
type CPUMonitor struct {
	mode         string
	containerCPU *ContainerCPU
	logger       zerolog.Logger
}

// NewCPUMonitor detects the runtime environment and picks a measurement
// strategy, logging which one it chose.
func NewCPUMonitor(logger zerolog.Logger) *CPUMonitor {
	if containerCPU, err := NewContainerCPU(); err == nil {
		logger.Info().
			Float64("cpus_allocated", containerCPU.GetAllocation()).
			Msg("platform: using container-aware CPU measurement")
		return &CPUMonitor{mode: "container", containerCPU: containerCPU, logger: logger}
	} else {
		logger.Warn().Err(err).Msg("platform: falling back to host CPU measurement")
	}
	return &CPUMonitor{mode: "host", logger: logger}
}

// GetPercent returns CPU usage normalized to the allocation in container
// mode, or host-wide CPU percentage otherwise.
func (cm *CPUMonitor) GetPercent() (float64, ThrottleStats, error) {
	if cm.mode == "container" {
		return cm.containerCPU.GetPercent()
	}
	percent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		return 0, ThrottleStats{}, err
	}
	if len(percent) == 0 {
		return 0, ThrottleStats{}, fmt.Errorf("platform: no CPU data")
	}
	return percent[0], ThrottleStats{}, nil
}

// GetHostPercent always reports host-wide CPU usage via gopsutil,
// regardless of measurement mode, so container mode can log both figures
// side by side.
func (cm *CPUMonitor) GetHostPercent() (float64, error) {
	percent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		return 0, err
	}
	if len(percent) == 0 {
		return 0, fmt.Errorf("platform: no CPU data")
	}
	return percent[0], nil
}

// GetAllocation returns the number of CPUs this process may use.
func (cm *CPUMonitor) GetAllocation() float64 {
	if cm.mode == "container" {
		return cm.containerCPU.GetAllocation()
	}
	return float64(runtime.NumCPU())
}

// Mode reports which measurement strategy is active ("container" or
// "host"), mainly for diagnostics.
func (cm *CPUMonitor) Mode() string { return cm.mode }
