package server

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wipetrace/internal/analysis"
	"wipetrace/internal/digest"
	"wipetrace/internal/logging"
	"wipetrace/internal/metrics"
	"wipetrace/internal/report"
	"wipetrace/internal/scan"
	"wipetrace/internal/store"
	"wipetrace/internal/synth"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testServer struct {
	srv     *Server
	handler http.Handler
}

func newTestServer(t *testing.T, maxUpload int64) *testServer {
	t.Helper()
	dir := t.TempDir()

	log, err := logging.New(&logging.Config{Level: logging.LevelDebug, Writer: io.Discard, Component: "test"})
	require.NoError(t, err)
	w, err := report.NewWriter(filepath.Join(dir, "results"))
	require.NoError(t, err)
	st, err := store.Open(filepath.Join(dir, "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	m := metrics.NewScanMetrics(nil)
	svc, err := analysis.New(analysis.Config{
		Scan:    scan.DefaultOptions(),
		Writer:  w,
		Store:   st,
		Metrics: m,
		Logger:  log,
		Digest:  digest.SHA256,
	})
	require.NoError(t, err)

	srv, err := New(Config{
		MaxUploadBytes: maxUpload,
		UploadDir:      filepath.Join(dir, "uploads"),
		MaxConcurrent:  1,
		Version:        "test",
	}, svc, m, log)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Jobs().Shutdown(ctx)
	})
	return &testServer{srv: srv, handler: srv.Handler()}
}

func (ts *testServer) do(t *testing.T, method, path string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) upload(t *testing.T, sid string, data []byte) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if sid != "" {
		require.NoError(t, mw.WriteField("session_id", sid))
	}
	fw, err := mw.CreateFormFile(uploadField, "disk.img")
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return ts.do(t, http.MethodPost, "/upload", &buf, mw.FormDataContentType())
}

func (ts *testServer) postJSON(t *testing.T, path string, v any) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(v)
	require.NoError(t, err)
	return ts.do(t, http.MethodPost, path, bytes.NewReader(body), "application/json")
}

func (ts *testServer) waitDone(t *testing.T, sid string) JobStatus {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		rec := ts.do(t, http.MethodGet, "/scans/"+sid+"/status", nil, "")
		require.Equal(t, http.StatusOK, rec.Code)
		var st JobStatus
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
		if st.State != JobQueued && st.State != JobRunning {
			return st
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("scan did not finish")
	return JobStatus{}
}

func testImage(t *testing.T) []byte {
	t.Helper()
	data, err := synth.Build(4096, 11,
		synth.Segment{Kind: synth.KindText, Blocks: 8},
		synth.Segment{Kind: synth.KindFF, Blocks: 24},
		synth.Segment{Kind: synth.KindText, Blocks: 8},
	)
	require.NoError(t, err)
	return data
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, 1<<20)
	rec := ts.do(t, http.MethodGet, "/healthz", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestUploadScanResultDelete(t *testing.T) {
	ts := newTestServer(t, 1<<20)
	data := testImage(t)

	rec := ts.upload(t, "SID-UP000001", data)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var up UploadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &up))
	assert.Equal(t, "SID-UP000001", up.SessionID)
	assert.Equal(t, int64(len(data)), up.SizeBytes)

	sum := sha256.Sum256(data)
	assert.Equal(t, hex.EncodeToString(sum[:]), up.SHA256)

	rec = ts.postJSON(t, "/scans", ScanRequest{SessionID: up.SessionID})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, "/scans/SID-UP000001/status", rec.Header().Get("Location"))

	st := ts.waitDone(t, up.SessionID)
	assert.Equal(t, JobDone, st.State)
	assert.Equal(t, uint64(40), st.Blocks)
	require.NotNil(t, st.IntentScore)

	rec = ts.do(t, http.MethodGet, "/results/"+up.SessionID, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var doc report.Document
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, up.SessionID, doc.SessionID)
	require.Len(t, doc.Regions, 1)
	assert.Equal(t, "FF", doc.Regions[0].Class)
	require.NotNil(t, doc.ImageDigest)
	assert.Equal(t, up.SHA256, doc.ImageDigest.Value)

	rec = ts.do(t, http.MethodGet, "/scans?limit=10", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var hist struct {
		Scans []HistoryEntry `json:"scans"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &hist))
	require.Len(t, hist.Scans, 1)
	assert.Equal(t, doc.Assessment, hist.Scans[0].Assessment)

	rec = ts.do(t, http.MethodDelete, "/session/"+up.SessionID, nil, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = ts.do(t, http.MethodGet, "/results/"+up.SessionID, nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = ts.do(t, http.MethodGet, "/scans/"+up.SessionID+"/status", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = ts.do(t, http.MethodDelete, "/session/"+up.SessionID, nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodGet, "/metrics", nil, "")
	assert.Contains(t, rec.Body.String(), "wipetrace_scans_total 1")
	assert.Contains(t, rec.Body.String(), "wipetrace_uploads_total 1")
}

func TestUploadGeneratesSession(t *testing.T) {
	ts := newTestServer(t, 1<<20)
	rec := ts.upload(t, "", []byte("tiny"))
	require.Equal(t, http.StatusCreated, rec.Code)
	var up UploadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &up))
	assert.Regexp(t, `^SID-[0-9A-F]{8}$`, up.SessionID)
}

func TestUploadTooLarge(t *testing.T) {
	ts := newTestServer(t, 1024)
	rec := ts.upload(t, "SID-BIG", make([]byte, 8192))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestUploadRejectsBadSession(t *testing.T) {
	ts := newTestServer(t, 1<<20)
	rec := ts.upload(t, "../etc", []byte("x"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStartScanValidation(t *testing.T) {
	ts := newTestServer(t, 1<<20)

	tests := []struct {
		name string
		body any
		code int
	}{
		{"empty", map[string]string{}, http.StatusBadRequest},
		{"local path", ScanRequest{Source: "/etc/passwd"}, http.StatusBadRequest},
		{"bad blob url", ScanRequest{Source: "azblob://"}, http.StatusBadRequest},
		{"bad session", ScanRequest{SessionID: "a/b"}, http.StatusBadRequest},
		{"no upload", ScanRequest{SessionID: "SID-NOPE"}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.postJSON(t, "/scans", tt.body)
			assert.Equal(t, tt.code, rec.Code, rec.Body.String())
			var e ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e))
			assert.NotEmpty(t, e.Message)
		})
	}

	rec := ts.do(t, http.MethodPost, "/scans", bytes.NewReader([]byte("{")), "application/json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBlobScanWithoutAzureFails(t *testing.T) {
	ts := newTestServer(t, 1<<20)
	rec := ts.postJSON(t, "/scans", ScanRequest{SessionID: "SID-BLOB", Source: "azblob://evidence/disk.img"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	st := ts.waitDone(t, "SID-BLOB")
	assert.Equal(t, JobFailed, st.State)
	assert.Contains(t, st.Error, "not configured")
}

func TestResultInvalidSession(t *testing.T) {
	ts := newTestServer(t, 1<<20)
	rec := ts.do(t, http.MethodGet, "/results/bad..id!", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReadiness(t *testing.T) {
	ts := newTestServer(t, 1<<20)
	rec := ts.do(t, http.MethodGet, "/readyz", nil, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var rep struct {
		Status     string                     `json:"status"`
		Components map[string]json.RawMessage `json:"components"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rep))
	assert.NotEqual(t, "unhealthy", rep.Status)
	for _, name := range []string{"results_dir", "upload_dir", "disk", "memory", "store"} {
		assert.Contains(t, rep.Components, name)
	}
}
