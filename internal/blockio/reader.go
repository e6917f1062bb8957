// Package blockio streams an image source as fixed-size blocks.
//
// The Reader never seeks and never holds more than one block of its own;
// buffers are recycled through a pool once the caller releases them.
package blockio

import (
	"errors"
	"fmt"
	"io"
	"sync"
)

// DefaultBlockSize is the sector-aligned block size used when none is configured.
const DefaultBlockSize = 4096

// ErrIO is matched by every IOError.
var ErrIO = errors.New("blockio: read failed")

// IOError reports a source failure at a byte offset.
type IOError struct {
	Offset uint64
	Err    error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("blockio: read at offset %d: %v", e.Offset, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// Is reports ErrIO so callers can match without a type assertion.
func (e *IOError) Is(target error) bool { return target == ErrIO }

// Block is one contiguous chunk of the image.
type Block struct {
	Index  uint64
	Offset uint64
	Length uint32
	Data   []byte

	pool *sync.Pool
	buf  *[]byte
}

// Release hands the buffer back to the reader's pool. Data must not be
// used afterwards. Release is a no-op on blocks built without a reader.
func (b *Block) Release() {
	if b == nil || b.pool == nil || b.buf == nil {
		return
	}
	b.Data = nil
	b.pool.Put(b.buf)
	b.buf = nil
}

// NewBlock wraps data as a standalone block, mainly for tests and callers
// that classify buffers they already own.
func NewBlock(index, offset uint64, data []byte) *Block {
	return &Block{
		Index:  index,
		Offset: offset,
		Length: uint32(len(data)),
		Data:   data,
	}
}

// Reader produces blocks from an io.Reader in increasing offset order.
type Reader struct {
	src       io.Reader
	blockSize int
	pool      sync.Pool

	index  uint64
	offset uint64
	done   bool
}

// NewReader returns a Reader over src. blockSize must be positive.
func NewReader(src io.Reader, blockSize int) (*Reader, error) {
	if src == nil {
		return nil, errors.New("blockio: nil source")
	}
	if blockSize <= 0 {
		return nil, fmt.Errorf("blockio: invalid block size %d", blockSize)
	}
	r := &Reader{src: src, blockSize: blockSize}
	r.pool.New = func() any {
		buf := make([]byte, blockSize)
		return &buf
	}
	return r, nil
}

// BlockSize returns the configured block size.
func (r *Reader) BlockSize() int {
	return r.blockSize
}

// Offset returns the number of bytes handed out so far.
func (r *Reader) Offset() uint64 {
	return r.offset
}

// Next returns the next block, or io.EOF once the source is exhausted.
// A short final block is returned as-is; the following call returns io.EOF.
// Any other source error is wrapped in *IOError and ends the stream.
func (r *Reader) Next() (*Block, error) {
	if r.done {
		return nil, io.EOF
	}

	bufp := r.pool.Get().(*[]byte)
	buf := (*bufp)[:r.blockSize]

	n, err := io.ReadFull(r.src, buf)
	switch {
	case err == nil:
	case errors.Is(err, io.EOF):
		// Clean end on a block boundary.
		r.done = true
		r.pool.Put(bufp)
		return nil, io.EOF
	case errors.Is(err, io.ErrUnexpectedEOF):
		r.done = true
	default:
		r.done = true
		r.pool.Put(bufp)
		return nil, &IOError{Offset: r.offset + uint64(n), Err: err}
	}

	b := &Block{
		Index:  r.index,
		Offset: r.offset,
		Length: uint32(n),
		Data:   buf[:n],
		pool:   &r.pool,
		buf:    bufp,
	}
	r.index++
	r.offset += uint64(n)
	return b, nil
}
