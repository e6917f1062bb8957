// Package analysis runs one scan end to end: it opens the source, hashes and
// scans it in a single pass, publishes the document, and records the scan
// in the index, metrics and audit trail.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"wipetrace/internal/digest"
	"wipetrace/internal/logging"
	"wipetrace/internal/metrics"
	"wipetrace/internal/report"
	"wipetrace/internal/scan"
	"wipetrace/internal/session"
	"wipetrace/internal/source"
	"wipetrace/internal/store"
)

// ErrNotFound is returned when a session has no result.
var ErrNotFound = errors.New("session not found")

// Config wires a Service. Writer is required; the rest are optional.
type Config struct {
	Scan   scan.Options
	Opener *source.Opener
	Writer *report.Writer

	Store   *store.Store
	Metrics *metrics.ScanMetrics
	Audit   *logging.AuditLogger
	Logger  *logging.Logger

	// Digest is the image digest algorithm. "" or "none" disables it.
	Digest string
	// Trace writes the per-block trace beside each document.
	Trace bool
}

// Service runs scans.
type Service struct {
	cfg    Config
	digest string
	log    *logging.Logger
}

// New validates cfg and returns a Service.
func New(cfg Config) (*Service, error) {
	if cfg.Writer == nil {
		return nil, errors.New("analysis: writer is required")
	}
	if err := cfg.Scan.Validate(); err != nil {
		return nil, err
	}
	if cfg.Opener == nil {
		cfg.Opener = &source.Opener{}
	}

	var alg string
	if cfg.Digest != "" && cfg.Digest != "none" {
		var err error
		if alg, err = digest.Canonical(cfg.Digest); err != nil {
			return nil, fmt.Errorf("analysis: %w", err)
		}
	}

	log := cfg.Logger
	if log == nil {
		log = logging.Default()
	}
	return &Service{cfg: cfg, digest: alg, log: log.WithComponent("analysis")}, nil
}

// Writer returns the document writer.
func (s *Service) Writer() *report.Writer { return s.cfg.Writer }

// Store returns the scan index, or nil.
func (s *Service) Store() *store.Store { return s.cfg.Store }

// Request names one scan.
type Request struct {
	// SessionID is reused if set, otherwise a new one is generated.
	SessionID string
	// Source is a path, "-" or an azblob:// URL.
	Source string
	// Label replaces Source in the document, e.g. an upload's original name.
	Label string
	// Trace overrides the service default when non-nil.
	Trace *bool

	Progress func(scan.Progress)
}

// Outcome is what a scan produced.
type Outcome struct {
	SessionID string
	Document  *report.Document
	Path      string
	TracePath string
	Elapsed   time.Duration
}

// Analyze scans req.Source and publishes the document. When reading stops
// early the partial document is still published and returned together with
// the error. A nil Outcome means nothing was written.
func (s *Service) Analyze(ctx context.Context, req Request) (*Outcome, error) {
	sid, err := session.OrNew(req.SessionID)
	if err != nil {
		return nil, err
	}
	log := s.log.WithContext(ctx).WithSession(sid)
	label := req.Label
	if label == "" {
		label = req.Source
	}

	auditFailed(log, logging.AuditScanStarted, s.cfg.Audit.ScanStarted(ctx, sid, label))
	fail := func(err error) (*Outcome, error) {
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RecordError()
		}
		auditFailed(log, logging.AuditScanFailed, s.cfg.Audit.ScanFinished(ctx, sid, label, err, nil))
		log.Error("scan failed", "source", label, "error", err)
		return nil, err
	}

	src, err := s.cfg.Opener.Open(ctx, req.Source)
	if err != nil {
		return fail(err)
	}
	defer src.Close()

	var in io.Reader = src
	var tee *digest.Tee
	if s.digest != "" {
		if tee, err = digest.NewTee(src, s.digest); err != nil {
			return fail(err)
		}
		in = tee
	}

	opts := s.cfg.Scan
	opts.Logger = log
	opts.Progress = req.Progress

	traceOn := s.cfg.Trace
	if req.Trace != nil {
		traceOn = *req.Trace
	}
	var trace *report.TraceWriter
	if traceOn {
		if trace, err = s.cfg.Writer.NewTrace(sid); err != nil {
			return fail(err)
		}
		opts.OnVerdict = trace.Record
	}

	p, err := scan.NewPipeline(opts)
	if err != nil {
		if trace != nil {
			trace.Abort()
		}
		return fail(err)
	}

	log.Info("scan started", "source", label, "size", src.Size, "workers", opts.Workers, "window", p.Window())
	var done func()
	if s.cfg.Metrics != nil {
		done = s.cfg.Metrics.ScanStarted()
	}
	res, runErr := p.Run(ctx, in)
	if done != nil {
		done()
	}
	if res == nil {
		if trace != nil {
			trace.Abort()
		}
		return fail(runErr)
	}

	// A digest of a truncated read would not identify the image.
	var d *digest.Digest
	if tee != nil && !res.Partial {
		sum := tee.Sum()
		d = &sum
	}

	doc := report.NewDocument(res, sid, label, d)
	path, err := s.cfg.Writer.Write(sid, doc)
	if err != nil {
		if trace != nil {
			trace.Abort()
		}
		return fail(fmt.Errorf("write result: %w", err))
	}

	out := &Outcome{SessionID: sid, Document: doc, Path: path, Elapsed: res.Elapsed}
	if trace != nil {
		if err := trace.Close(); err != nil {
			log.Warn("block trace not written", "error", err)
		} else {
			out.TracePath = s.cfg.Writer.TracePath(sid)
		}
	}

	if s.cfg.Store != nil {
		if err := s.index(doc, path, res.Elapsed); err != nil {
			log.Warn("scan not indexed", "error", err)
		}
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RecordResult(res)
	}

	digestStr := ""
	if d != nil {
		digestStr = d.String()
	}
	auditFailed(log, logging.AuditResultWritten, s.cfg.Audit.ResultWritten(ctx, sid, path, digestStr))
	auditErr := s.cfg.Audit.ScanFinished(ctx, sid, label, runErr, map[string]any{
		"total_blocks":  res.TotalBlocks,
		"regions":       len(res.Regions),
		"intent_score":  doc.IntentScore,
		"assessment":    doc.Assessment,
		"partial":       res.Partial,
		"elapsed_ms":    res.Elapsed.Milliseconds(),
		"image_digest":  digestStr,
		"document_path": path,
	})
	auditFailed(log, logging.AuditScanFinished, auditErr)

	log.Info("scan finished",
		"blocks", res.TotalBlocks,
		"suspicious", res.SuspiciousBlocks,
		"regions", len(res.Regions),
		"intent", doc.IntentScore,
		"assessment", doc.Assessment,
		"partial", res.Partial,
		"elapsed", res.Elapsed)
	return out, runErr
}

func (s *Service) index(doc *report.Document, path string, elapsed time.Duration) error {
	data, err := report.Encode(doc)
	if err != nil {
		return err
	}
	rec, regions := store.FromDocument(doc, path, store.DocumentHash(data), time.Now(), elapsed)
	return s.cfg.Store.SaveScan(rec, regions)
}

// Result returns the published document bytes for sid. With an index the
// bytes are checked against the recorded hash and store.ErrTampered is
// returned on mismatch.
func (s *Service) Result(sid string) ([]byte, error) {
	if err := session.Validate(sid); err != nil {
		return nil, err
	}
	data, err := s.cfg.Writer.ReadRaw(sid)
	if err != nil {
		if errors.Is(err, report.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, sid)
		}
		return nil, err
	}
	if s.cfg.Store != nil {
		if err := s.cfg.Store.VerifyDocument(sid, data); err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}
	return data, nil
}

// History lists indexed scans, newest first.
func (s *Service) History(limit int) ([]store.Scan, error) {
	if s.cfg.Store == nil {
		return nil, errors.New("scan index is disabled")
	}
	return s.cfg.Store.ListScans(limit)
}

// Delete removes the document, trace, index rows and uploaded image of sid.
// It returns ErrNotFound when none of them existed.
func (s *Service) Delete(ctx context.Context, sid string) error {
	if err := session.Validate(sid); err != nil {
		return err
	}

	found := false
	if _, err := os.Stat(s.cfg.Writer.Path(sid)); err == nil {
		found = true
	}
	if err := s.cfg.Writer.Remove(sid); err != nil {
		return err
	}

	if st := s.cfg.Store; st != nil {
		switch err := st.DeleteScan(sid); {
		case err == nil:
			found = true
		case !errors.Is(err, store.ErrNotFound):
			return err
		}

		up, err := st.GetUpload(sid)
		if err != nil {
			return err
		}
		if up != nil {
			found = true
			if err := os.Remove(up.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("remove upload: %w", err)
			}
			if err := st.DeleteUpload(sid); err != nil {
				return err
			}
		}
	}

	if !found {
		return fmt.Errorf("%w: %s", ErrNotFound, sid)
	}
	log := s.log.WithSession(sid)
	auditFailed(log, logging.AuditSessionDeleted, s.cfg.Audit.SessionDeleted(ctx, sid))
	log.Info("session deleted")
	return nil
}

// auditFailed reports a custody record that could not be written. The
// operation it describes still stands.
func auditFailed(log *logging.Logger, event logging.AuditEventType, err error) {
	if err != nil {
		log.Warn("audit record not written", "event", event, "error", err)
	}
}
