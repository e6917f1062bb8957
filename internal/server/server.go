// Package server exposes the analysis service over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"wipetrace/internal/analysis"
	"wipetrace/internal/digest"
	"wipetrace/internal/health"
	"wipetrace/internal/logging"
	"wipetrace/internal/metrics"
	"wipetrace/internal/session"
	"wipetrace/internal/source"
	"wipetrace/internal/store"
)

const uploadField = "image"

// Config holds server settings.
type Config struct {
	MaxUploadBytes int64
	UploadDir      string
	MaxConcurrent  int
	Version        string

	// MinFreeBytes degrades readiness when the upload filesystem runs low.
	MinFreeBytes uint64

	// JobRetention and MaxFinishedJobs bound how many finished scans keep a
	// job status. Zero values pick the tracker defaults.
	JobRetention    time.Duration
	MaxFinishedJobs int
}

// Server serves the HTTP API.
type Server struct {
	cfg     Config
	svc     *analysis.Service
	jobs    *Tracker
	metrics *metrics.ScanMetrics
	health  *health.Checker
	log     *logging.Logger
}

// New creates a server. m may be nil.
func New(cfg Config, svc *analysis.Service, m *metrics.ScanMetrics, log *logging.Logger) (*Server, error) {
	if cfg.UploadDir == "" {
		return nil, errors.New("server: upload directory is required")
	}
	if err := os.MkdirAll(cfg.UploadDir, 0750); err != nil {
		return nil, fmt.Errorf("create upload directory: %w", err)
	}
	if m == nil {
		m = metrics.NewScanMetrics(nil)
	}
	if log == nil {
		log = logging.Default()
	}
	jobs := NewTracker(svc, TrackerConfig{
		MaxConcurrent: cfg.MaxConcurrent,
		Retention:     cfg.JobRetention,
		MaxFinished:   cfg.MaxFinishedJobs,
	})
	return &Server{
		cfg:     cfg,
		svc:     svc,
		jobs:    jobs,
		metrics: m,
		health:  newChecker(cfg, svc),
		log:     log.WithComponent("server"),
	}, nil
}

func newChecker(cfg Config, svc *analysis.Service) *health.Checker {
	c := health.NewChecker()
	c.RegisterFunc("results_dir", true, health.WritableDirCheck(svc.Writer().Dir()))
	c.RegisterFunc("upload_dir", true, health.WritableDirCheck(cfg.UploadDir))
	c.RegisterFunc("disk", false, health.DiskSpaceCheck(cfg.UploadDir, cfg.MinFreeBytes))
	c.RegisterFunc("memory", false, health.MemoryCheck(95))
	if st := svc.Store(); st != nil {
		c.RegisterFunc("store", true, health.PingCheck(st.Ping))
	}
	return c
}

// Jobs returns the job tracker.
func (s *Server) Jobs() *Tracker { return s.jobs }

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// Handler builds the gin router.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/healthz", s.liveness)
	r.GET("/readyz", s.readiness)
	r.GET("/metrics", gin.WrapH(s.metrics.Registry().HTTPHandler()))

	r.POST("/upload", s.requestSizeLimiter(s.cfg.MaxUploadBytes), s.upload)
	r.POST("/scans", s.startScan)
	r.GET("/scans", s.listScans)
	r.GET("/scans/:sid/status", s.scanStatus)
	r.GET("/results/:sid", s.result)
	r.DELETE("/session/:sid", s.deleteSession)
	return r
}

// Serve runs the API on addr until ctx is done, then drains running scans.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.log.Info("listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	if jerr := s.jobs.Shutdown(shutdownCtx); err == nil {
		err = jerr
	}
	return err
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		reqID := c.GetHeader("X-Request-ID")
		if reqID == "" {
			reqID = s.log.NewRequestID()
		}
		c.Header("X-Request-ID", reqID)
		c.Request = c.Request.WithContext(logging.ContextWithRequestID(c.Request.Context(), reqID))

		c.Next()

		s.log.WithRequestID(reqID).Info("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"ip", c.ClientIP())
	}
}

func (s *Server) requestSizeLimiter(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if maxBytes > 0 && c.Request.ContentLength > maxBytes {
			s.respondError(c, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("upload exceeds %d bytes", maxBytes), nil)
			return
		}
		if maxBytes > 0 {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		}
		c.Next()
	}
}

func (s *Server) respondError(c *gin.Context, code int, message string, err error) {
	log := s.log.WithContext(c.Request.Context())
	if code >= 500 {
		log.Error("request failed", "status", code, "message", message, "error", err)
	} else {
		log.Debug("request rejected", "status", code, "message", message, "error", err)
	}
	body := ErrorResponse{Error: http.StatusText(code), Message: message}
	if err != nil {
		body.Message = fmt.Sprintf("%s: %v", message, err)
	}
	c.AbortWithStatusJSON(code, body)
}

// statusFor maps service errors to HTTP codes.
func statusFor(err error) int {
	var maxErr *http.MaxBytesError
	switch {
	case errors.Is(err, session.ErrInvalidID):
		return http.StatusBadRequest
	case errors.Is(err, analysis.ErrNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrTampered):
		return http.StatusConflict
	case errors.Is(err, ErrJobActive):
		return http.StatusConflict
	case errors.As(err, &maxErr):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) uploadPath(sid string) string {
	return filepath.Join(s.cfg.UploadDir, sid+".img")
}

func (s *Server) readiness(c *gin.Context) {
	rep := s.health.Report(c.Request.Context())
	code := http.StatusOK
	if rep.Status == health.StatusUnhealthy || rep.Status == health.StatusUnknown {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, rep)
}

func (s *Server) liveness(c *gin.Context) {
	s.metrics.UpdateUptime()
	c.JSON(http.StatusOK, gin.H{
		"status":       "ok",
		"version":      s.cfg.Version,
		"time":         time.Now().UTC().Format(time.RFC3339),
		"active_scans": s.metrics.ActiveScans.Value(),
	})
}

// UploadResponse is returned by POST /upload.
type UploadResponse struct {
	SessionID string `json:"session_id"`
	SizeBytes int64  `json:"size_bytes"`
	SHA256    string `json:"sha256"`
	Filename  string `json:"filename,omitempty"`
}

func (s *Server) upload(c *gin.Context) {
	sid, err := session.OrNew(c.PostForm("session_id"))
	if err != nil {
		s.respondError(c, http.StatusBadRequest, "invalid session id", err)
		return
	}
	if s.jobs.Active(sid) {
		s.respondError(c, http.StatusConflict, "session is being scanned", ErrJobActive)
		return
	}

	fh, err := c.FormFile(uploadField)
	if err != nil {
		code := statusFor(err)
		if code == http.StatusInternalServerError {
			code = http.StatusBadRequest
		}
		s.respondError(c, code, "missing "+uploadField+" file", err)
		return
	}
	in, err := fh.Open()
	if err != nil {
		s.respondError(c, http.StatusInternalServerError, "open upload", err)
		return
	}
	defer in.Close()

	size, sum, err := s.saveUpload(sid, in)
	if err != nil {
		s.respondError(c, statusFor(err), "store upload", err)
		return
	}

	if st := s.svc.Store(); st != nil {
		err := st.SaveUpload(&store.Upload{
			SessionID: sid,
			Path:      s.uploadPath(sid),
			SizeBytes: size,
			SHA256:    sum.Value,
			CreatedNs: time.Now().UnixNano(),
		})
		if err != nil {
			s.respondError(c, http.StatusInternalServerError, "index upload", err)
			return
		}
	}
	s.metrics.UploadsTotal.Inc()
	s.log.WithSession(sid).Info("image uploaded", "size", size, "filename", fh.Filename)

	c.JSON(http.StatusCreated, UploadResponse{
		SessionID: sid,
		SizeBytes: size,
		SHA256:    sum.Value,
		Filename:  filepath.Base(fh.Filename),
	})
}

// saveUpload streams r into the upload directory, hashing as it goes, and
// renames the file into place only when the copy completes.
func (s *Server) saveUpload(sid string, r io.Reader) (int64, digest.Digest, error) {
	tee, err := digest.NewTee(r, digest.SHA256)
	if err != nil {
		return 0, digest.Digest{}, err
	}
	tmp, err := os.CreateTemp(s.cfg.UploadDir, "."+sid+".*.part")
	if err != nil {
		return 0, digest.Digest{}, err
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, tee)
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp.Name(), s.uploadPath(sid))
	}
	if err != nil {
		return 0, digest.Digest{}, err
	}
	return n, tee.Sum(), nil
}

// ScanRequest is the body of POST /scans.
type ScanRequest struct {
	SessionID string `json:"session_id"`
	// Source is an azblob:// URL. Local paths are not accepted over HTTP.
	Source string `json:"source"`
	Trace  *bool  `json:"trace,omitempty"`
}

func (s *Server) startScan(c *gin.Context) {
	var req ScanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, http.StatusBadRequest, "invalid request format", err)
		return
	}

	areq := analysis.Request{Trace: req.Trace}
	var total int64 = -1
	switch {
	case req.Source != "":
		if !strings.HasPrefix(req.Source, source.BlobScheme) {
			s.respondError(c, http.StatusBadRequest, "source must be an "+source.BlobScheme+" URL", nil)
			return
		}
		if _, _, err := source.ParseBlobURL(req.Source); err != nil {
			s.respondError(c, http.StatusBadRequest, "invalid source", err)
			return
		}
		sid, err := session.OrNew(req.SessionID)
		if err != nil {
			s.respondError(c, http.StatusBadRequest, "invalid session id", err)
			return
		}
		areq.SessionID, areq.Source = sid, req.Source

	case req.SessionID != "":
		if err := session.Validate(req.SessionID); err != nil {
			s.respondError(c, http.StatusBadRequest, "invalid session id", err)
			return
		}
		path := s.uploadPath(req.SessionID)
		info, err := os.Stat(path)
		if err != nil {
			s.respondError(c, http.StatusNotFound, "no upload for session", nil)
			return
		}
		areq.SessionID, areq.Source, areq.Label = req.SessionID, path, "upload:"+req.SessionID
		total = info.Size()

	default:
		s.respondError(c, http.StatusBadRequest, "session_id or source is required", nil)
		return
	}

	st, err := s.jobs.Submit(areq, total)
	if err != nil {
		s.respondError(c, statusFor(err), "cannot start scan", err)
		return
	}
	c.Header("Location", "/scans/"+st.SessionID+"/status")
	c.JSON(http.StatusAccepted, st)
}

// HistoryEntry is one row of GET /scans.
type HistoryEntry struct {
	SessionID   string    `json:"session_id"`
	Source      string    `json:"source"`
	ImageSize   int64     `json:"image_size"`
	IntentScore float64   `json:"intent_score"`
	Assessment  string    `json:"assessment"`
	Partial     bool      `json:"partial"`
	Created     time.Time `json:"created"`
	DurationMs  int64     `json:"duration_ms"`
}

func (s *Server) listScans(c *gin.Context) {
	if s.svc.Store() == nil {
		s.respondError(c, http.StatusServiceUnavailable, "scan index is disabled", nil)
		return
	}
	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.respondError(c, http.StatusBadRequest, "invalid limit", err)
			return
		}
		limit = n
	}

	scans, err := s.svc.History(limit)
	if err != nil {
		s.respondError(c, http.StatusInternalServerError, "list scans", err)
		return
	}
	out := make([]HistoryEntry, 0, len(scans))
	for _, sc := range scans {
		out = append(out, HistoryEntry{
			SessionID:   sc.SessionID,
			Source:      sc.Source,
			ImageSize:   sc.ImageSize,
			IntentScore: sc.IntentScore,
			Assessment:  sc.Assessment,
			Partial:     sc.Partial,
			Created:     sc.Created().UTC(),
			DurationMs:  sc.Duration().Milliseconds(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"scans": out})
}

func (s *Server) scanStatus(c *gin.Context) {
	sid := c.Param("sid")
	if err := session.Validate(sid); err != nil {
		s.respondError(c, http.StatusBadRequest, "invalid session id", err)
		return
	}
	if st, ok := s.jobs.Status(sid); ok {
		c.JSON(http.StatusOK, st)
		return
	}
	// Scans from the CLI or an earlier process only have a document.
	doc, err := s.svc.Writer().Read(sid)
	if err != nil {
		s.respondError(c, http.StatusNotFound, "unknown session", nil)
		return
	}
	state := JobDone
	if doc.Partial {
		state = JobPartial
	}
	score := doc.IntentScore
	c.JSON(http.StatusOK, JobStatus{
		SessionID:   sid,
		State:       state,
		Source:      doc.Source,
		Blocks:      doc.TotalBlocks,
		Bytes:       doc.ImageSize,
		IntentScore: &score,
		Assessment:  doc.Assessment,
		Error:       doc.PartialError,
	})
}

func (s *Server) result(c *gin.Context) {
	data, err := s.svc.Result(c.Param("sid"))
	if err != nil {
		s.respondError(c, statusFor(err), "result unavailable", err)
		return
	}
	c.Data(http.StatusOK, "application/json", data)
}

func (s *Server) deleteSession(c *gin.Context) {
	sid := c.Param("sid")
	if err := session.Validate(sid); err != nil {
		s.respondError(c, http.StatusBadRequest, "invalid session id", err)
		return
	}
	if s.jobs.Active(sid) {
		s.respondError(c, http.StatusConflict, "session is being scanned", ErrJobActive)
		return
	}

	removed := false
	if err := os.Remove(s.uploadPath(sid)); err == nil {
		removed = true
	} else if !errors.Is(err, os.ErrNotExist) {
		s.respondError(c, http.StatusInternalServerError, "remove upload", err)
		return
	}

	err := s.svc.Delete(c.Request.Context(), sid)
	if err != nil && !(removed && errors.Is(err, analysis.ErrNotFound)) {
		s.respondError(c, statusFor(err), "delete session", err)
		return
	}
	s.jobs.Forget(sid)
	c.Status(http.StatusNoContent)
}
