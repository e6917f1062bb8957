package report

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"

	"wipetrace/internal/classify"
	"wipetrace/internal/session"
)

// TraceRecord is one line of the block trace.
type TraceRecord struct {
	Index        uint64  `json:"index"`
	Offset       uint64  `json:"offset"`
	Length       uint32  `json:"length"`
	Class        string  `json:"class"`
	Entropy      float64 `json:"entropy"`
	Flatness     float64 `json:"flatness"`
	DominantByte *uint8  `json:"dominant_byte,omitempty"`
	Period       uint32  `json:"period,omitempty"`
}

func newTraceRecord(v classify.Verdict) TraceRecord {
	rec := TraceRecord{
		Index:    v.Index,
		Offset:   v.Offset,
		Length:   v.Length,
		Class:    string(v.Class),
		Entropy:  round6(v.Entropy),
		Flatness: round6(v.Flatness),
		Period:   v.Period,
	}
	if v.HasDominant {
		b := v.DominantByte
		rec.DominantByte = &b
	}
	return rec
}

var zstdEncPool = sync.Pool{
	New: func() any {
		enc, _ := zstd.NewWriter(nil)
		return enc
	},
}

// TraceWriter streams per-block verdicts as zstd-compressed NDJSON. It
// writes to a temp file and publishes on Close. Errors are sticky: after the
// first failure Record is a no-op and Close reports it.
type TraceWriter struct {
	path string
	file *os.File
	enc  *zstd.Encoder
	buf  *bufio.Writer
	json *json.Encoder
	err  error
}

// NewTrace starts the block trace for sessionID.
func (w *Writer) NewTrace(sessionID string) (*TraceWriter, error) {
	if err := session.Validate(sessionID); err != nil {
		return nil, err
	}
	path := w.TracePath(sessionID)
	f, err := os.CreateTemp(w.dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return nil, fmt.Errorf("create trace: %w", err)
	}

	enc := zstdEncPool.Get().(*zstd.Encoder)
	enc.Reset(f)
	buf := bufio.NewWriterSize(enc, 64<<10)
	return &TraceWriter{path: path, file: f, enc: enc, buf: buf, json: json.NewEncoder(buf)}, nil
}

// Record appends one verdict. Call it in block order.
func (t *TraceWriter) Record(v classify.Verdict) {
	if t.err != nil {
		return
	}
	if err := t.json.Encode(newTraceRecord(v)); err != nil {
		t.err = fmt.Errorf("write trace: %w", err)
	}
}

// Err returns the first write error, if any.
func (t *TraceWriter) Err() error { return t.err }

// Close flushes the trace and renames it into place. On any earlier error
// the temp file is removed and the error returned.
func (t *TraceWriter) Close() error {
	if t.file == nil {
		return t.err
	}
	err := t.err
	if err == nil {
		err = t.buf.Flush()
	}
	if cerr := t.enc.Close(); err == nil {
		err = cerr
	}
	zstdEncPool.Put(t.enc)
	if err == nil {
		err = t.file.Sync()
	}
	if cerr := t.file.Close(); err == nil {
		err = cerr
	}
	tmp := t.file.Name()
	t.file = nil

	if err == nil {
		err = os.Rename(tmp, t.path)
	}
	if err != nil {
		os.Remove(tmp)
		if t.err == nil {
			t.err = fmt.Errorf("close trace: %w", err)
		}
		return t.err
	}
	return nil
}

// Abort discards the trace.
func (t *TraceWriter) Abort() {
	if t.file == nil {
		return
	}
	if t.err == nil {
		t.err = errors.New("trace aborted")
	}
	t.enc.Reset(nil)
	zstdEncPool.Put(t.enc)
	t.file.Close()
	os.Remove(t.file.Name())
	t.file = nil
}

// ReadTrace decodes a block trace stream.
func ReadTrace(r io.Reader) ([]TraceRecord, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("open trace: %w", err)
	}
	defer dec.Close()

	var out []TraceRecord
	jd := json.NewDecoder(dec)
	for {
		var rec TraceRecord
		err := jd.Decode(&rec)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, fmt.Errorf("decode trace: %w", err)
		}
		out = append(out, rec)
	}
}

// ReadTraceFile decodes the trace stored for sessionID.
func (w *Writer) ReadTraceFile(sessionID string) ([]TraceRecord, error) {
	if err := session.Validate(sessionID); err != nil {
		return nil, err
	}
	f, err := os.Open(w.TracePath(sessionID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: trace for %s", ErrNotFound, sessionID)
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadTrace(f)
}
