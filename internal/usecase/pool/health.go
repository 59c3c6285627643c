package pool

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"overseer/internal/infra/config"
)

// ResourceChecker gates admission on host health: available memory, the
// number of agent processes already running, and the one-minute load
// average. A probe that cannot be read fails open; refusing requests
// because /proc changed shape would be worse than admitting one more.
type ResourceChecker struct {
	cfg      config.ResourceConfig
	logger   *slog.Logger
	procRoot string
	numCPU   int
}

// NewResourceChecker creates a checker over the live /proc filesystem.
func NewResourceChecker(cfg config.ResourceConfig, logger *slog.Logger) *ResourceChecker {
	return &ResourceChecker{cfg: cfg, logger: logger, procRoot: "/proc", numCPU: runtime.NumCPU()}
}

// Check reports whether the host currently has room for another agent
// process. When it returns false, reason explains which threshold tripped.
func (c *ResourceChecker) Check() (bool, string) {
	availMB, err := c.availableMemoryMB()
	if err != nil {
		c.logger.Warn("resource check failed (allowing)", "probe", "memory", "error", err)
		return true, "resource check failed (allowing)"
	}
	if availMB < c.cfg.MinAvailableMemoryMB {
		return false, fmt.Sprintf("low memory: %dMB available, need %dMB",
			availMB, c.cfg.MinAvailableMemoryMB)
	}

	procs, err := c.countAgentProcesses()
	if err != nil {
		c.logger.Warn("resource check failed (allowing)", "probe", "processes", "error", err)
		return true, "resource check failed (allowing)"
	}
	if procs > c.cfg.MaxAgentProcesses {
		return false, fmt.Sprintf("too many agent processes: %d running, limit %d",
			procs, c.cfg.MaxAgentProcesses)
	}

	load1, err := c.loadAverage()
	if err != nil {
		c.logger.Warn("resource check failed (allowing)", "probe", "load", "error", err)
		return true, "resource check failed (allowing)"
	}
	ceiling := c.cfg.LoadFactor * float64(c.numCPU)
	if load1 > ceiling {
		return false, fmt.Sprintf("system load too high: %.2f, ceiling %.2f", load1, ceiling)
	}

	return true, ""
}

func (c *ResourceChecker) availableMemoryMB() (int, error) {
	data, err := os.ReadFile(filepath.Join(c.procRoot, "meminfo"))
	if err != nil {
		return 0, err
	}
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, "MemAvailable:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			break
		}
		kb, err := strconv.Atoi(fields[1])
		if err != nil {
			return 0, err
		}
		return kb / 1024, nil
	}
	return 0, fmt.Errorf("MemAvailable not found in meminfo")
}

// countAgentProcesses walks the numeric /proc entries and counts cmdlines
// containing the configured pattern. Processes that vanish mid-walk are
// skipped, not treated as probe failures.
func (c *ResourceChecker) countAgentProcesses() (int, error) {
	entries, err := os.ReadDir(c.procRoot)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, err := strconv.Atoi(entry.Name()); err != nil {
			continue
		}
		data, err := os.ReadFile(filepath.Join(c.procRoot, entry.Name(), "cmdline"))
		if err != nil {
			continue
		}
		cmdline := strings.ReplaceAll(string(data), "\x00", " ")
		if strings.Contains(cmdline, c.cfg.ProcessPattern) {
			count++
		}
	}
	return count, nil
}

func (c *ResourceChecker) loadAverage() (float64, error) {
	data, err := os.ReadFile(filepath.Join(c.procRoot, "loadavg"))
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(string(data))
	if len(fields) < 1 {
		return 0, fmt.Errorf("malformed loadavg")
	}
	return strconv.ParseFloat(fields[0], 64)
}
