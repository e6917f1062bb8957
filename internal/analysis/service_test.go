package analysis

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wipetrace/internal/digest"
	"wipetrace/internal/logging"
	"wipetrace/internal/metrics"
	"wipetrace/internal/report"
	"wipetrace/internal/scan"
	"wipetrace/internal/source"
	"wipetrace/internal/store"
	"wipetrace/internal/synth"
)

type fixture struct {
	svc       *Service
	dir       string
	store     *store.Store
	metrics   *metrics.ScanMetrics
	audit     *logging.AuditLogger
	auditPath string
	logs      *lockedBuffer
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newFixture(t *testing.T, stdin io.Reader) *fixture {
	t.Helper()
	dir := t.TempDir()

	w, err := report.NewWriter(filepath.Join(dir, "results"))
	require.NoError(t, err)
	st, err := store.Open(filepath.Join(dir, "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	auditPath := filepath.Join(dir, "audit.log")
	audit, err := logging.NewAuditLogger(auditPath, "test")
	require.NoError(t, err)
	t.Cleanup(func() { audit.Close() })

	logs := &lockedBuffer{}
	log, err := logging.New(&logging.Config{Level: logging.LevelDebug, Writer: logs, Component: "test"})
	require.NoError(t, err)

	m := metrics.NewScanMetrics(nil)
	svc, err := New(Config{
		Scan:    scan.DefaultOptions(),
		Opener:  &source.Opener{Stdin: stdin},
		Writer:  w,
		Store:   st,
		Metrics: m,
		Audit:   audit,
		Logger:  log,
		Digest:  digest.SHA256,
	})
	require.NoError(t, err)
	return &fixture{svc: svc, dir: dir, store: st, metrics: m, audit: audit, auditPath: auditPath, logs: logs}
}

func writeImage(t *testing.T, dir string) (string, []byte) {
	t.Helper()
	data, err := synth.Build(4096, 3,
		synth.Segment{Kind: synth.KindText, Blocks: 16},
		synth.Segment{Kind: synth.KindZero, Blocks: 48},
		synth.Segment{Kind: synth.KindText, Blocks: 16},
	)
	require.NoError(t, err)
	path := filepath.Join(dir, "disk.img")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path, data
}

func TestAnalyzeFile(t *testing.T) {
	f := newFixture(t, nil)
	path, data := writeImage(t, f.dir)

	out, err := f.svc.Analyze(context.Background(), Request{SessionID: "SID-FILE0001", Source: path})
	require.NoError(t, err)
	require.NotNil(t, out)

	assert.Equal(t, "SID-FILE0001", out.SessionID)
	assert.Equal(t, f.svc.Writer().Path("SID-FILE0001"), out.Path)
	assert.Empty(t, out.TracePath)

	doc := out.Document
	assert.Equal(t, uint64(len(data)), doc.ImageSize)
	assert.False(t, doc.Partial)
	require.Len(t, doc.Regions, 1)
	assert.Equal(t, "ZERO", doc.Regions[0].Class)

	want, n, err := digest.File(path, digest.SHA256)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), n)
	require.NotNil(t, doc.ImageDigest)
	assert.Equal(t, want, *doc.ImageDigest)

	rec, err := f.store.GetScan("SID-FILE0001")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, doc.Assessment, rec.Assessment)

	raw, err := f.svc.Result("SID-FILE0001")
	require.NoError(t, err)
	assert.Equal(t, store.DocumentHash(raw), rec.DocumentSHA256)

	assert.Equal(t, uint64(1), f.metrics.ScansTotal.Value())
	assert.Equal(t, int64(0), f.metrics.ActiveScans.Value())

	audit, err := os.ReadFile(f.auditPath)
	require.NoError(t, err)
	assert.Contains(t, string(audit), `"scan_started"`)
	assert.Contains(t, string(audit), `"result_written"`)
	assert.Contains(t, string(audit), `"scan_finished"`)
}

func TestAnalyzeGeneratesSession(t *testing.T) {
	f := newFixture(t, nil)
	path, _ := writeImage(t, f.dir)

	on := true
	var ticks int
	out, err := f.svc.Analyze(context.Background(), Request{
		Source:   path,
		Label:    "evidence-01.img",
		Trace:    &on,
		Progress: func(scan.Progress) { ticks++ },
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out.SessionID, "SID-"))
	assert.Equal(t, "evidence-01.img", out.Document.Source)
	assert.FileExists(t, out.TracePath)

	recs, err := f.svc.Writer().ReadTraceFile(out.SessionID)
	require.NoError(t, err)
	assert.Len(t, recs, 80)
	assert.GreaterOrEqual(t, ticks, 0)
}

type failingReader struct{ err error }

func (r failingReader) Read([]byte) (int, error) { return 0, r.err }

func TestAnalyzePartialOnReadError(t *testing.T) {
	data, err := synth.Build(4096, 1, synth.Segment{Kind: synth.KindZero, Blocks: 8})
	require.NoError(t, err)
	boom := errors.New("device went away")
	f := newFixture(t, io.MultiReader(bytes.NewReader(data), failingReader{boom}))

	out, err := f.svc.Analyze(context.Background(), Request{SessionID: "SID-PART", Source: source.Stdin})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	require.NotNil(t, out)

	doc := out.Document
	assert.True(t, doc.Partial)
	assert.NotEmpty(t, doc.PartialError)
	assert.Nil(t, doc.ImageDigest)
	assert.Equal(t, uint64(8), doc.TotalBlocks)
	assert.FileExists(t, out.Path)
	assert.Equal(t, uint64(1), f.metrics.PartialTotal.Value())

	audit, err := os.ReadFile(f.auditPath)
	require.NoError(t, err)
	assert.Contains(t, string(audit), `"scan_failed"`)
}

func TestAnalyzeMissingSource(t *testing.T) {
	f := newFixture(t, nil)
	out, err := f.svc.Analyze(context.Background(), Request{SessionID: "SID-MISS", Source: filepath.Join(f.dir, "nope.img")})
	assert.Error(t, err)
	assert.Nil(t, out)
	assert.Equal(t, uint64(1), f.metrics.ErrorsTotal.Value())
	assert.NoFileExists(t, f.svc.Writer().Path("SID-MISS"))
}

func TestAnalyzeRejectsBadSession(t *testing.T) {
	f := newFixture(t, nil)
	path, _ := writeImage(t, f.dir)
	_, err := f.svc.Analyze(context.Background(), Request{SessionID: "../x", Source: path})
	assert.Error(t, err)
}

func TestResultDetectsTampering(t *testing.T) {
	f := newFixture(t, nil)
	path, _ := writeImage(t, f.dir)
	out, err := f.svc.Analyze(context.Background(), Request{SessionID: "SID-T", Source: path})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(out.Path, []byte(`{"tampered":true}`), 0o644))
	_, err = f.svc.Result("SID-T")
	assert.ErrorIs(t, err, store.ErrTampered)

	_, err = f.svc.Result("SID-NONE")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHistoryAndDelete(t *testing.T) {
	f := newFixture(t, nil)
	path, _ := writeImage(t, f.dir)
	ctx := context.Background()

	for _, sid := range []string{"SID-A", "SID-B"} {
		_, err := f.svc.Analyze(ctx, Request{SessionID: sid, Source: path})
		require.NoError(t, err)
	}
	hist, err := f.svc.History(0)
	require.NoError(t, err)
	assert.Len(t, hist, 2)

	upload := filepath.Join(f.dir, "SID-A.img")
	require.NoError(t, os.WriteFile(upload, []byte("x"), 0o644))
	require.NoError(t, f.store.SaveUpload(&store.Upload{SessionID: "SID-A", Path: upload, SizeBytes: 1}))

	require.NoError(t, f.svc.Delete(ctx, "SID-A"))
	assert.NoFileExists(t, upload)
	assert.NoFileExists(t, f.svc.Writer().Path("SID-A"))
	rec, err := f.store.GetScan("SID-A")
	require.NoError(t, err)
	assert.Nil(t, rec)

	assert.ErrorIs(t, f.svc.Delete(ctx, "SID-A"), ErrNotFound)

	hist, err = f.svc.History(10)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, "SID-B", hist[0].SessionID)
}

func TestAuditWriteFailureIsLogged(t *testing.T) {
	f := newFixture(t, nil)
	path, _ := writeImage(t, f.dir)
	ctx := context.Background()

	// A directory in place of the audit file makes every append fail.
	require.NoError(t, f.audit.Close())
	require.NoError(t, os.RemoveAll(f.auditPath))
	require.NoError(t, os.Mkdir(f.auditPath, 0o755))

	out, err := f.svc.Analyze(ctx, Request{SessionID: "SID-AUDIT", Source: path})
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.FileExists(t, out.Path)

	logs := f.logs.String()
	assert.Contains(t, logs, `level=WARN msg="audit record not written"`)
	for _, ev := range []string{"scan_started", "result_written", "scan_finished"} {
		assert.Contains(t, logs, "event="+ev)
	}

	_, err = f.svc.Analyze(ctx, Request{SessionID: "SID-AUDIT2", Source: filepath.Join(f.dir, "missing.img")})
	require.Error(t, err)
	assert.Contains(t, f.logs.String(), "event=scan_failed")

	require.NoError(t, f.svc.Delete(ctx, "SID-AUDIT"))
	assert.Contains(t, f.logs.String(), "event=session_deleted")
}

func TestNewRequiresWriter(t *testing.T) {
	_, err := New(Config{Scan: scan.DefaultOptions()})
	assert.Error(t, err)

	w, err := report.NewWriter(t.TempDir())
	require.NoError(t, err)
	_, err = New(Config{Scan: scan.DefaultOptions(), Writer: w, Digest: "md5"})
	assert.Error(t, err)

	bad := scan.DefaultOptions()
	bad.BlockSize = 0
	_, err = New(Config{Scan: bad, Writer: w})
	assert.ErrorIs(t, err, scan.ErrInvalidConfig)
}
