// ABOUTME: Memory and CPU readings reported in worker heartbeats.
// ABOUTME: Container figures come from cgroup files; the memory ceiling comes from automemlimit.
package sysinfo

import (
	"math"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/KimMachineGun/automemlimit/memlimit"
)

// DefaultRoot is where the cgroup filesystem is mounted on Linux.
const DefaultRoot = "/sys/fs/cgroup"

// Reader supplies heartbeat readings. Every value is optional: nil means the
// platform could not report it.
type Reader interface {
	// WorkerMemoryUsage is the container's current memory usage in bytes.
	WorkerMemoryUsage() *int64
	// ProcessMemoryUsage is the memory this Go process holds from the OS.
	ProcessMemoryUsage() *int64
	// VCPUs is the number of CPUs available to the container.
	VCPUs() *int64
	// MemoryLimit is the container memory ceiling in bytes.
	MemoryLimit() *int64
}

// Cgroup reads container figures from a cgroup v2 (or v1) hierarchy.
type Cgroup struct {
	Root string
	// LimitFunc returns the memory ceiling. Defaults to memlimit.FromCgroup.
	LimitFunc func() (uint64, error)
	// NumCPU is the fallback when no CPU quota is set. Defaults to runtime.NumCPU.
	NumCPU func() int
}

var _ Reader = (*Cgroup)(nil)

// New returns a Cgroup reader for the host's cgroup mount.
func New() *Cgroup {
	return &Cgroup{
		Root:      DefaultRoot,
		LimitFunc: memlimit.FromCgroup,
		NumCPU:    runtime.NumCPU,
	}
}

// WorkerMemoryUsage implements Reader.
func (c *Cgroup) WorkerMemoryUsage() *int64 {
	for _, name := range []string{"memory.current", "memory/memory.usage_in_bytes"} {
		if v, ok := c.readInt(name); ok {
			return &v
		}
	}
	return nil
}

// ProcessMemoryUsage implements Reader.
func (c *Cgroup) ProcessMemoryUsage() *int64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	if ms.Sys > math.MaxInt64 {
		return nil
	}
	v := int64(ms.Sys)
	return &v
}

// VCPUs implements Reader. A fractional quota rounds up.
func (c *Cgroup) VCPUs() *int64 {
	quota, period, ok := c.cpuQuota()
	if !ok {
		return nil
	}
	if quota <= 0 {
		if c.NumCPU == nil {
			return nil
		}
		n := int64(c.NumCPU())
		return &n
	}
	n := (quota + period - 1) / period
	return &n
}

// MemoryLimit implements Reader.
func (c *Cgroup) MemoryLimit() *int64 {
	if c.LimitFunc == nil {
		return nil
	}
	limit, err := c.LimitFunc()
	if err != nil || limit == 0 || limit > math.MaxInt64 {
		return nil
	}
	v := int64(limit)
	return &v
}

// cpuQuota returns quota and period in microseconds. quota <= 0 means the
// cgroup exists but sets no limit. ok is false when no cgroup CPU files exist.
func (c *Cgroup) cpuQuota() (quota, period int64, ok bool) {
	if raw, err := os.ReadFile(filepath.Join(c.Root, "cpu.max")); err == nil {
		fields := strings.Fields(string(raw))
		if len(fields) != 2 {
			return 0, 0, false
		}
		period, err = strconv.ParseInt(fields[1], 10, 64)
		if err != nil || period <= 0 {
			return 0, 0, false
		}
		if fields[0] == "max" {
			return -1, period, true
		}
		quota, err = strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			return 0, 0, false
		}
		return quota, period, true
	}

	q, qok := c.readInt("cpu/cpu.cfs_quota_us")
	p, pok := c.readInt("cpu/cpu.cfs_period_us")
	if !qok || !pok || p <= 0 {
		return 0, 0, false
	}
	return q, p, true
}

func (c *Cgroup) readInt(name string) (int64, bool) {
	raw, err := os.ReadFile(filepath.Join(c.Root, name))
	if err != nil {
		return 0, false
	}
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "max" {
		return 0, false
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
