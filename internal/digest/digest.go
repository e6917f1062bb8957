// Package digest hashes disk images in the same pass as the scan.
package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"
)

// Supported algorithm names.
const (
	SHA256     = "sha256"
	BLAKE2b256 = "blake2b-256"
	SHA3_256   = "sha3-256"
)

// Algorithms lists the supported names, default first.
var Algorithms = []string{SHA256, BLAKE2b256, SHA3_256}

// Digest is the opaque {algorithm, value} pair attached to a result.
type Digest struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

// String renders the digest as "algorithm:hex".
func (d Digest) String() string {
	return d.Algorithm + ":" + d.Value
}

// New returns a hash for alg. An empty name selects sha256.
func New(alg string) (hash.Hash, error) {
	switch strings.ToLower(alg) {
	case "", SHA256:
		return sha256.New(), nil
	case BLAKE2b256, "blake2b":
		return blake2b.New256(nil)
	case SHA3_256, "sha3":
		return sha3.New256(), nil
	default:
		return nil, fmt.Errorf("unsupported digest algorithm %q", alg)
	}
}

// Canonical maps accepted aliases to their canonical name.
func Canonical(alg string) (string, error) {
	switch strings.ToLower(alg) {
	case "", SHA256:
		return SHA256, nil
	case BLAKE2b256, "blake2b":
		return BLAKE2b256, nil
	case SHA3_256, "sha3":
		return SHA3_256, nil
	default:
		return "", fmt.Errorf("unsupported digest algorithm %q", alg)
	}
}

// Tee hashes everything read through it.
type Tee struct {
	r   io.Reader
	h   hash.Hash
	alg string
	n   int64
}

// NewTee wraps r so that reads also feed a hash of alg.
func NewTee(r io.Reader, alg string) (*Tee, error) {
	name, err := Canonical(alg)
	if err != nil {
		return nil, err
	}
	h, err := New(name)
	if err != nil {
		return nil, err
	}
	return &Tee{r: io.TeeReader(r, h), h: h, alg: name}, nil
}

func (t *Tee) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	t.n += int64(n)
	return n, err
}

// Size returns the number of bytes read so far.
func (t *Tee) Size() int64 { return t.n }

// Sum returns the digest of the bytes read so far.
func (t *Tee) Sum() Digest {
	return Digest{Algorithm: t.alg, Value: hex.EncodeToString(t.h.Sum(nil))}
}

// File hashes the whole file at path.
func File(path, alg string) (Digest, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return Digest{}, 0, err
	}
	defer f.Close()

	t, err := NewTee(f, alg)
	if err != nil {
		return Digest{}, 0, err
	}
	if _, err := io.Copy(io.Discard, t); err != nil {
		return Digest{}, 0, fmt.Errorf("hash %s: %w", path, err)
	}
	return t.Sum(), t.Size(), nil
}
