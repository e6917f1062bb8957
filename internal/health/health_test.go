package health

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func status(s Status) Check {
	return func(context.Context) CheckResult { return CheckResult{Status: s} }
}

func TestOverallStatus(t *testing.T) {
	tests := []struct {
		name     string
		critical Status
		optional Status
		want     Status
	}{
		{"all healthy", StatusHealthy, StatusHealthy, StatusHealthy},
		{"optional down", StatusHealthy, StatusUnhealthy, StatusDegraded},
		{"critical degraded", StatusDegraded, StatusHealthy, StatusDegraded},
		{"critical down", StatusUnhealthy, StatusHealthy, StatusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChecker()
			c.RegisterFunc("store", true, status(tt.critical))
			c.RegisterFunc("memory", false, status(tt.optional))
			c.Check(context.Background())
			assert.Equal(t, tt.want, c.OverallStatus())
		})
	}
}

func TestUncheckedCriticalIsUnknown(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("store", true, status(StatusHealthy))
	assert.Equal(t, StatusUnknown, c.OverallStatus())
	assert.Equal(t, []string{"store"}, c.Names())
}

func TestCheckTimeoutAndPanic(t *testing.T) {
	c := NewChecker()
	c.Register(&Component{
		Name:    "slow",
		Timeout: 20 * time.Millisecond,
		Check: func(ctx context.Context) CheckResult {
			<-ctx.Done()
			time.Sleep(50 * time.Millisecond)
			return CheckResult{Status: StatusHealthy}
		},
	})
	c.RegisterFunc("panics", false, func(context.Context) CheckResult { panic("boom") })

	results := c.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, results["slow"].Status)
	assert.Equal(t, "check timed out", results["slow"].Message)
	assert.Equal(t, StatusUnhealthy, results["panics"].Status)
	assert.Equal(t, "boom", results["panics"].Error)
}

func TestPingCheck(t *testing.T) {
	ok := PingCheck(func(context.Context) error { return nil })(context.Background())
	assert.Equal(t, StatusHealthy, ok.Status)

	bad := PingCheck(func(context.Context) error { return errors.New("db closed") })(context.Background())
	assert.Equal(t, StatusUnhealthy, bad.Status)
	assert.Equal(t, "db closed", bad.Error)
}

func TestWritableDirCheck(t *testing.T) {
	dir := t.TempDir()
	assert.Equal(t, StatusHealthy, WritableDirCheck(dir)(context.Background()).Status)

	missing := WritableDirCheck(filepath.Join(dir, "missing"))(context.Background())
	assert.Equal(t, StatusUnhealthy, missing.Status)
}

func TestDiskSpaceCheck(t *testing.T) {
	dir := t.TempDir()
	res := DiskSpaceCheck(dir, 0)(context.Background())
	require.Equal(t, StatusHealthy, res.Status, res.Error)
	assert.Contains(t, res.Details, "free_bytes")

	res = DiskSpaceCheck(dir, ^uint64(0))(context.Background())
	assert.Equal(t, StatusDegraded, res.Status)
}

func TestReport(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("store", true, status(StatusHealthy))
	r := c.Report(context.Background())
	assert.Equal(t, StatusHealthy, r.Status)
	assert.Len(t, r.Components, 1)
}
