package report

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"wipetrace/internal/session"
)

//go:embed analysis.schema.json
var schemaJSON []byte

const schemaURL = "analysis.schema.json"

// ErrNotFound is returned when no document exists for a session.
var ErrNotFound = errors.New("analysis not found")

// CompileSchema compiles the embedded analysis document schema.
func CompileSchema() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaURL, bytes.NewReader(schemaJSON)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := compiler.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

// Writer publishes analysis documents into one output directory.
type Writer struct {
	dir    string
	schema *jsonschema.Schema
}

// NewWriter creates dir if needed and prepares the schema.
func NewWriter(dir string) (*Writer, error) {
	if dir == "" {
		return nil, fmt.Errorf("output directory is empty")
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	schema, err := CompileSchema()
	if err != nil {
		return nil, err
	}
	return &Writer{dir: dir, schema: schema}, nil
}

// Dir returns the output directory.
func (w *Writer) Dir() string { return w.dir }

// Path returns where the document for sessionID lives.
func (w *Writer) Path(sessionID string) string {
	return filepath.Join(w.dir, "analysis_"+sessionID+".json")
}

// TracePath returns where the block trace for sessionID lives.
func (w *Writer) TracePath(sessionID string) string {
	return filepath.Join(w.dir, "analysis_"+sessionID+".blocks.ndjson.zst")
}

// Encode renders doc as indented JSON with a trailing newline.
func Encode(doc *Document) ([]byte, error) {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode analysis: %w", err)
	}
	return append(data, '\n'), nil
}

// Validate checks encoded document bytes against the schema.
func (w *Writer) Validate(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var instance any
	if err := dec.Decode(&instance); err != nil {
		return fmt.Errorf("decode analysis: %w", err)
	}
	if err := w.schema.Validate(instance); err != nil {
		return fmt.Errorf("analysis does not match schema: %w", err)
	}
	return nil
}

// Write validates doc and atomically replaces analysis_<sessionID>.json.
// doc.SessionID is set to sessionID.
func (w *Writer) Write(sessionID string, doc *Document) (string, error) {
	if err := session.Validate(sessionID); err != nil {
		return "", err
	}
	doc.SessionID = sessionID

	data, err := Encode(doc)
	if err != nil {
		return "", err
	}
	if err := w.Validate(data); err != nil {
		return "", err
	}

	path := w.Path(sessionID)
	if err := writeAtomic(path, data); err != nil {
		return "", err
	}
	return path, nil
}

// writeAtomic writes data beside path, syncs it, and renames it over path.
func writeAtomic(path string, data []byte) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err = os.Chmod(tmp.Name(), 0644); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// ReadRaw returns the stored bytes for sessionID.
func (w *Writer) ReadRaw(sessionID string) ([]byte, error) {
	if err := session.Validate(sessionID); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(w.Path(sessionID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("read analysis: %w", err)
	}
	return data, nil
}

// Read loads and decodes the stored document for sessionID.
func (w *Writer) Read(sessionID string) (*Document, error) {
	data, err := w.ReadRaw(sessionID)
	if err != nil {
		return nil, err
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode analysis: %w", err)
	}
	return &doc, nil
}

// Remove deletes the document and trace for sessionID. Missing files are
// not an error.
func (w *Writer) Remove(sessionID string) error {
	if err := session.Validate(sessionID); err != nil {
		return err
	}
	for _, p := range []string{w.Path(sessionID), w.TracePath(sessionID)} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", filepath.Base(p), err)
		}
	}
	return nil
}
