// Package health runs readiness checks for the API server: the scan index,
// the result and upload directories, free disk space and memory.
package health

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// Status is the health of one component or of the whole server.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// CheckResult is the outcome of one check.
type CheckResult struct {
	Status      Status         `json:"status"`
	Message     string         `json:"message,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	LastChecked time.Time      `json:"last_checked"`
	Duration    time.Duration  `json:"duration_ns"`
	Error       string         `json:"error,omitempty"`
}

// Check performs one health check.
type Check func(ctx context.Context) CheckResult

// Component is a named check.
type Component struct {
	Name string
	// Critical failures make the server unhealthy; others only degrade it.
	Critical bool
	Check    Check
	Timeout  time.Duration
}

// Checker runs registered checks.
type Checker struct {
	mu         sync.RWMutex
	components map[string]*Component
	results    map[string]CheckResult
	startTime  time.Time
}

// NewChecker creates an empty Checker.
func NewChecker() *Checker {
	return &Checker{
		components: make(map[string]*Component),
		results:    make(map[string]CheckResult),
		startTime:  time.Now(),
	}
}

// Register adds a component. A zero Timeout means five seconds.
func (c *Checker) Register(component *Component) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if component.Timeout == 0 {
		component.Timeout = 5 * time.Second
	}
	c.components[component.Name] = component
	c.results[component.Name] = CheckResult{Status: StatusUnknown}
}

// RegisterFunc registers check under name.
func (c *Checker) RegisterFunc(name string, critical bool, check Check) {
	c.Register(&Component{Name: name, Critical: critical, Check: check})
}

// Names returns the registered component names, sorted.
func (c *Checker) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.components))
	for n := range c.components {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Check runs every component concurrently and records the results.
func (c *Checker) Check(ctx context.Context) map[string]CheckResult {
	c.mu.RLock()
	components := make([]*Component, 0, len(c.components))
	for _, comp := range c.components {
		components = append(components, comp)
	}
	c.mu.RUnlock()

	results := make(map[string]CheckResult, len(components))
	var wg sync.WaitGroup
	for _, comp := range components {
		wg.Add(1)
		go func(comp *Component) {
			defer wg.Done()
			result := run(ctx, comp)

			c.mu.Lock()
			c.results[comp.Name] = result
			results[comp.Name] = result
			c.mu.Unlock()
		}(comp)
	}
	wg.Wait()
	return results
}

// run executes one check with its timeout, converting panics into failures.
func run(ctx context.Context, comp *Component) CheckResult {
	checkCtx, cancel := context.WithTimeout(ctx, comp.Timeout)
	defer cancel()

	start := time.Now()
	done := make(chan CheckResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- CheckResult{Status: StatusUnhealthy, Message: "check panicked", Error: fmt.Sprint(r)}
			}
		}()
		done <- comp.Check(checkCtx)
	}()

	var result CheckResult
	select {
	case result = <-done:
	case <-checkCtx.Done():
		result = CheckResult{Status: StatusUnhealthy, Message: "check timed out", Error: checkCtx.Err().Error()}
	}
	result.LastChecked = start
	result.Duration = time.Since(start)
	return result
}

// OverallStatus aggregates the last recorded results.
func (c *Checker) OverallStatus() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	hasUnknown, hasDegraded := false, false
	for name, result := range c.results {
		comp := c.components[name]
		if comp == nil {
			continue
		}
		switch result.Status {
		case StatusUnhealthy:
			if comp.Critical {
				return StatusUnhealthy
			}
			hasDegraded = true
		case StatusDegraded:
			hasDegraded = true
		case StatusUnknown:
			if comp.Critical {
				hasUnknown = true
			}
		}
	}
	switch {
	case hasUnknown:
		return StatusUnknown
	case hasDegraded:
		return StatusDegraded
	}
	return StatusHealthy
}

// Report is the readiness response body.
type Report struct {
	Status     Status                 `json:"status"`
	Uptime     string                 `json:"uptime"`
	Components map[string]CheckResult `json:"components"`
	Timestamp  time.Time              `json:"timestamp"`
}

// Report runs all checks and summarizes them.
func (c *Checker) Report(ctx context.Context) Report {
	components := c.Check(ctx)
	return Report{
		Status:     c.OverallStatus(),
		Uptime:     time.Since(c.startTime).Round(time.Second).String(),
		Components: components,
		Timestamp:  time.Now().UTC(),
	}
}

func healthy(msg string, details map[string]any) CheckResult {
	return CheckResult{Status: StatusHealthy, Message: msg, Details: details}
}

func failed(msg string, err error) CheckResult {
	return CheckResult{Status: StatusUnhealthy, Message: msg, Error: err.Error()}
}

// PingCheck reports whether ping succeeds.
func PingCheck(ping func(ctx context.Context) error) Check {
	return func(ctx context.Context) CheckResult {
		if err := ping(ctx); err != nil {
			return failed("ping failed", err)
		}
		return healthy("ok", nil)
	}
}

// WritableDirCheck reports whether a file can be created in dir.
func WritableDirCheck(dir string) Check {
	return func(ctx context.Context) CheckResult {
		f, err := os.CreateTemp(dir, ".health-*")
		if err != nil {
			return failed("directory not writable", err)
		}
		name := f.Name()
		f.Close()
		os.Remove(name)
		return healthy("writable", map[string]any{"path": filepath.Clean(dir)})
	}
}

// DiskSpaceCheck degrades when the filesystem holding path has less than
// minFreeBytes available.
func DiskSpaceCheck(path string, minFreeBytes uint64) Check {
	return func(ctx context.Context) CheckResult {
		usage, err := disk.UsageWithContext(ctx, path)
		if err != nil {
			return failed("disk usage unavailable", err)
		}
		details := map[string]any{
			"path":       path,
			"free_bytes": usage.Free,
			"used_pct":   usage.UsedPercent,
		}
		if usage.Free < minFreeBytes {
			return CheckResult{
				Status:  StatusDegraded,
				Message: fmt.Sprintf("less than %d bytes free", minFreeBytes),
				Details: details,
			}
		}
		return healthy("ok", details)
	}
}

// MemoryCheck degrades when system memory use exceeds maxUsedPercent.
func MemoryCheck(maxUsedPercent float64) Check {
	return func(ctx context.Context) CheckResult {
		vm, err := mem.VirtualMemoryWithContext(ctx)
		if err != nil {
			return failed("memory stats unavailable", err)
		}
		details := map[string]any{
			"available_bytes": vm.Available,
			"used_pct":        vm.UsedPercent,
		}
		if vm.UsedPercent > maxUsedPercent {
			return CheckResult{Status: StatusDegraded, Message: "memory pressure", Details: details}
		}
		return healthy("ok", details)
	}
}
