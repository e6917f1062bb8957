package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"
)

// AuditEventType names a custody-relevant event.
type AuditEventType string

const (
	AuditScanStarted    AuditEventType = "scan_started"
	AuditScanFinished   AuditEventType = "scan_finished"
	AuditScanFailed     AuditEventType = "scan_failed"
	AuditResultWritten  AuditEventType = "result_written"
	AuditImageUploaded  AuditEventType = "image_uploaded"
	AuditSessionDeleted AuditEventType = "session_deleted"
	AuditConfigChanged  AuditEventType = "config_changed"
	AuditStartup        AuditEventType = "startup"
	AuditShutdown       AuditEventType = "shutdown"
)

// AuditEvent is one line of the audit trail.
type AuditEvent struct {
	Timestamp time.Time      `json:"timestamp"`
	EventType AuditEventType `json:"event_type"`
	Component string         `json:"component"`
	SessionID string         `json:"session_id,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	Source    string         `json:"source,omitempty"`
	Result    string         `json:"result"`
	Details   map[string]any `json:"details,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// AuditLogger appends JSON lines to a rotating audit file. The trail records
// who scanned what and where the result went, independent of log level.
type AuditLogger struct {
	rotator   *FileRotator
	component string
	now       func() time.Time
	mu        sync.Mutex
}

// DefaultAuditPath returns audit.log next to the default log file.
func DefaultAuditPath() string {
	return filepath.Join(filepath.Dir(DefaultLogPath()), "audit.log")
}

// NewAuditLogger opens the audit file at path.
func NewAuditLogger(path, component string) (*AuditLogger, error) {
	rotator, err := NewFileRotator(&Config{
		FilePath:   path,
		MaxSize:    50,
		MaxBackups: 10,
		Compress:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("create audit rotator: %w", err)
	}
	if component == "" {
		component = "wipetrace"
	}
	return &AuditLogger{rotator: rotator, component: component, now: time.Now}, nil
}

// Log writes one event, filling timestamp, component and request ID.
// A nil AuditLogger discards events.
func (a *AuditLogger) Log(ctx context.Context, event AuditEvent) error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = a.now().UTC()
	}
	if event.Component == "" {
		event.Component = a.component
	}
	if event.RequestID == "" {
		event.RequestID = RequestIDFromContext(ctx)
	}
	if event.Result == "" {
		event.Result = "success"
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	data = append(data, '\n')
	if _, err := a.rotator.Write(data); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}
	return nil
}

// ScanStarted records the start of a scan of source.
func (a *AuditLogger) ScanStarted(ctx context.Context, sessionID, source string) error {
	return a.Log(ctx, AuditEvent{EventType: AuditScanStarted, SessionID: sessionID, Source: source})
}

// ScanFinished records a completed or partial scan.
func (a *AuditLogger) ScanFinished(ctx context.Context, sessionID, source string, err error, details map[string]any) error {
	ev := AuditEvent{EventType: AuditScanFinished, SessionID: sessionID, Source: source, Details: details}
	if err != nil {
		ev.EventType = AuditScanFailed
		ev.Result = "failure"
		ev.Error = err.Error()
	}
	return a.Log(ctx, ev)
}

// ResultWritten records the path of a published result document.
func (a *AuditLogger) ResultWritten(ctx context.Context, sessionID, path, digest string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditResultWritten,
		SessionID: sessionID,
		Details:   map[string]any{"path": path, "image_digest": digest},
	})
}

// SessionDeleted records removal of a session's artifacts.
func (a *AuditLogger) SessionDeleted(ctx context.Context, sessionID string) error {
	return a.Log(ctx, AuditEvent{EventType: AuditSessionDeleted, SessionID: sessionID})
}

// Sync flushes the audit file.
func (a *AuditLogger) Sync() error {
	if a == nil {
		return nil
	}
	return a.rotator.Sync()
}

// Close closes the audit file.
func (a *AuditLogger) Close() error {
	if a == nil {
		return nil
	}
	return a.rotator.Close()
}
