package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wipetrace/internal/report"
)

type cli struct {
	t          *testing.T
	configPath string
}

func newCLI(t *testing.T) *cli {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("WIPETRACE_DIR", filepath.Join(dir, "data"))
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))
	t.Setenv("XDG_STATE_HOME", filepath.Join(dir, "state"))
	t.Setenv("WIPETRACE_LOG_LEVEL", "error")
	return &cli{t: t, configPath: filepath.Join(dir, "config.toml")}
}

func (c *cli) run(stdin []byte, args ...string) (int, string, string) {
	c.t.Helper()
	var stdout, stderr bytes.Buffer
	full := append([]string{"-config", c.configPath}, args...)
	code := run(full, bytes.NewReader(stdin), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestSynthScanHistoryShow(t *testing.T) {
	c := newCLI(t)
	img := filepath.Join(t.TempDir(), "disk.img")

	code, _, stderr := c.run(nil, "synth", "-seed", "7", "-o", img, "text:8,ff:24,text:8")
	require.Equal(t, 0, code, stderr)
	info, err := os.Stat(img)
	require.NoError(t, err)
	assert.Equal(t, int64(40*4096), info.Size())

	code, stdout, stderr := c.run(nil, "scan", "-session", "SID-CLI00001", "-json", img)
	require.Equal(t, 0, code, stderr)
	var doc report.Document
	require.NoError(t, json.Unmarshal([]byte(stdout), &doc))
	assert.Equal(t, "SID-CLI00001", doc.SessionID)
	assert.Equal(t, uint64(40), doc.TotalBlocks)
	require.Len(t, doc.Regions, 1)
	assert.Equal(t, "FF", doc.Regions[0].Class)
	require.NotNil(t, doc.ImageDigest)

	code, stdout, _ = c.run(nil, "history")
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, "SESSION")
	assert.Contains(t, stdout, "SID-CLI00001")

	code, stdout, _ = c.run(nil, "show", "-json", "SID-CLI00001")
	require.Equal(t, 0, code)
	var shown report.Document
	require.NoError(t, json.Unmarshal([]byte(stdout), &shown))
	assert.Equal(t, doc.IntentScore, shown.IntentScore)

	code, stdout, _ = c.run(nil, "show", "SID-CLI00001")
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, "SID-CLI00001")

	code, _, stderr = c.run(nil, "show", "SID-MISSING")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "not found")
}

func TestScanStdin(t *testing.T) {
	c := newCLI(t)
	code, img, stderr := c.run(nil, "synth", "-o", "-", "zero:32")
	require.Equal(t, 0, code, stderr)
	require.Len(t, img, 32*4096)

	code, stdout, stderr := c.run([]byte(img), "scan", "-session", "SID-STDIN", "-")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "SID-STDIN")
	assert.Contains(t, stdout, "Result written to:")
}

func TestScanMissingImage(t *testing.T) {
	c := newCLI(t)
	code, _, stderr := c.run(nil, "scan", filepath.Join(t.TempDir(), "nope.img"))
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Error:")
}

func TestScanUsage(t *testing.T) {
	c := newCLI(t)
	code, _, stderr := c.run(nil, "scan")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "usage: wipetrace scan")
}

func TestSynthRejectsBadLayout(t *testing.T) {
	c := newCLI(t)
	code, _, stderr := c.run(nil, "synth", "-o", filepath.Join(t.TempDir(), "x.img"), "zero")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "kind:blocks")
}

func TestConfigCommand(t *testing.T) {
	c := newCLI(t)
	code, stdout, stderr := c.run(nil, "config", "-init")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "[scan]")
	assert.Contains(t, stdout, "block_size = 4096")
	_, err := os.Stat(c.configPath)
	assert.NoError(t, err)

	require.NoError(t, os.WriteFile(c.configPath, []byte("version = 1\n[scan]\nblock_size = 512\n"), 0600))
	code, stdout, _ = c.run(nil, "config")
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, "block_size = 512")
}

func TestVersionAndUnknown(t *testing.T) {
	c := newCLI(t)
	code, stdout, _ := c.run(nil, "version")
	assert.Equal(t, 0, code)
	assert.True(t, strings.HasPrefix(stdout, "wipetrace "))

	code, _, stderr := c.run(nil, "frobnicate")
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "Unknown command: frobnicate")

	code, stdout, _ = c.run(nil, "help")
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "Commands:")
}
