// Package hostres samples host/container CPU usage and feeds the stream
// ingest admission guard: new stream connections are rejected while CPU
// is over a configured threshold, mirroring the teacher's container-aware
// ResourceGuard. Datagram ingest never consults this guard — it has no
// connection to reject.
package hostres

import (
	"bufio"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
)

// cgroupCPU reads cumulative CPU usage and quota from cgroup v1 or v2
// pseudo-files, normalizing usage to a percentage of the container's own
// allocation rather than the host's.
type cgroupCPU struct {
	mu             sync.Mutex
	path           string
	version        int // 1 or 2
	allocatedCPUs  float64
	lastUsageUsec  uint64
	lastSampleTime time.Time
}

func newCgroupCPU() (*cgroupCPU, error) {
	path, version, err := detectCgroupPath()
	if err != nil {
		return nil, err
	}
	quota, period, err := readCPUQuota(path, version)
	if err != nil {
		return nil, err
	}
	allocated := float64(runtime.NumCPU())
	if quota > 0 && period > 0 {
		allocated = float64(quota) / float64(period)
	}
	usage, err := readCPUUsageUsec(path, version)
	if err != nil {
		return nil, err
	}
	return &cgroupCPU{
		path:           path,
		version:        version,
		allocatedCPUs:  allocated,
		lastUsageUsec:  usage,
		lastSampleTime: time.Now(),
	}, nil
}

func (c *cgroupCPU) percent() (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	elapsedUsec := now.Sub(c.lastSampleTime).Microseconds()
	if elapsedUsec <= 0 {
		return 0, fmt.Errorf("hostres: sample interval too small")
	}

	usage, err := readCPUUsageUsec(c.path, c.version)
	if err != nil {
		return 0, err
	}
	delta := usage - c.lastUsageUsec
	c.lastUsageUsec = usage
	c.lastSampleTime = now

	raw := (float64(delta) / float64(elapsedUsec)) * 100.0
	return raw / c.allocatedCPUs, nil
}

func detectCgroupPath() (path string, version int, err error) {
	f, err := os.Open("/proc/self/cgroup")
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		parts := strings.SplitN(scanner.Text(), ":", 3)
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
	return "", 0, fmt.Errorf("hostres: no cgroup cpu controller found")
}

func readCPUQuota(path string, version int) (quota, period int64, err error) {
	if version == 2 {
		data, err := os.ReadFile(path + "/cpu.max")
		if err != nil {
			return 0, 0, err
		}
		fields := strings.Fields(string(data))
		if len(fields) != 2 {
			return 0, 0, fmt.Errorf("hostres: unexpected cpu.max format %q", data)
		}
		if fields[0] == "max" {
			return -1, 0, nil
		}
		quota, err = strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			return 0, 0, err
		}
		period, err = strconv.ParseInt(fields[1], 10, 64)
		return quota, period, err
	}

	quotaData, err := os.ReadFile(path + "/cpu.cfs_quota_us")
	if err != nil {
		return 0, 0, err
	}
	periodData, err := os.ReadFile(path + "/cpu.cfs_period_us")
	if err != nil {
		return 0, 0, err
	}
	quota, err = strconv.ParseInt(strings.TrimSpace(string(quotaData)), 10, 64)
	if err != nil {
		return 0, 0, err
	}
	period, err = strconv.ParseInt(strings.TrimSpace(string(periodData)), 10, 64)
	return quota, period, err
}

func readCPUUsageUsec(path string, version int) (uint64, error) {
	if version == 2 {
		f, err := os.Open(path + "/cpu.stat")
		if err != nil {
			return 0, err
		}
		defer f.Close()
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			fields := strings.Fields(scanner.Text())
			if len(fields) == 2 && fields[0] == "usage_usec" {
				return strconv.ParseUint(fields[1], 10, 64)
			}
		}
		return 0, fmt.Errorf("hostres: usage_usec not found in cpu.stat")
	}

	data, err := os.ReadFile(path + "/cpuacct.usage")
	if err != nil {
		return 0, err
	}
	nsec, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, err
	}
	return nsec / 1000, nil
}

// Guard samples CPU on an interval and answers whether the stream ingest
// path should keep accepting new connections. It degrades to host-wide
// CPU (via gopsutil) when no cgroup CPU controller can be found, e.g.
// running outside a container.
type Guard struct {
	rejectThreshold float64
	logger          zerolog.Logger

	cgroup *cgroupCPU
	mode   string // "cgroup" or "host"

	currentPercent atomic.Value // float64
	stopCh         chan struct{}
	stopOnce       sync.Once
}

// NewGuard builds a Guard. rejectThreshold is the CPU percentage (of the
// container's own allocation, or of total host CPU if no cgroup is found)
// above which ShouldAcceptConnection returns false.
func NewGuard(rejectThreshold float64, logger zerolog.Logger) *Guard {
	g := &Guard{rejectThreshold: rejectThreshold, logger: logger, stopCh: make(chan struct{})}
	g.currentPercent.Store(0.0)

	cg, err := newCgroupCPU()
	if err != nil {
		g.mode = "host"
		g.logger.Warn().Err(err).Msg("cgroup CPU detection failed, falling back to host CPU sampling")
		return g
	}
	g.mode = "cgroup"
	g.cgroup = cg
	return g
}

// Start begins periodic sampling; call Stop to end it.
func (g *Guard) Start(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				g.sample()
			case <-g.stopCh:
				return
			}
		}
	}()
}

// Stop ends periodic sampling. Idempotent.
func (g *Guard) Stop() {
	g.stopOnce.Do(func() { close(g.stopCh) })
}

func (g *Guard) sample() {
	var pct float64
	var err error
	if g.mode == "cgroup" {
		pct, err = g.cgroup.percent()
	} else {
		var vals []float64
		vals, err = cpu.Percent(100*time.Millisecond, false)
		if err == nil && len(vals) > 0 {
			pct = vals[0]
		}
	}
	if err != nil {
		g.logger.Debug().Err(err).Msg("CPU sample failed")
		return
	}
	g.currentPercent.Store(pct)
}

// CurrentPercent returns the most recently sampled CPU percentage.
func (g *Guard) CurrentPercent() float64 {
	return g.currentPercent.Load().(float64)
}

// ShouldAcceptConnection reports whether a new stream connection should
// be accepted, and a human-readable reason when it should not.
func (g *Guard) ShouldAcceptConnection() (accept bool, reason string) {
	pct := g.CurrentPercent()
	if pct > g.rejectThreshold {
		return false, fmt.Sprintf("cpu %.1f%% > reject threshold %.1f%%", pct, g.rejectThreshold)
	}
	return true, ""
}
