// Package source opens disk images named on the command line or in API
// requests: local paths, "-" for standard input, and azblob://container/blob.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// Stdin names standard input.
const Stdin = "-"

// BlobScheme prefixes Azure Blob Storage sources.
const BlobScheme = "azblob://"

// ErrNoBlobStore is returned for azblob:// sources when no account is configured.
var ErrNoBlobStore = errors.New("azure blob storage is not configured")

// Source is an open image stream.
type Source struct {
	io.ReadCloser
	// Name is the path or URL the source was opened from.
	Name string
	// Size is the length in bytes, or -1 when unknown.
	Size int64
}

// BlobStore streams blobs.
type BlobStore interface {
	Open(ctx context.Context, container, blob string) (io.ReadCloser, int64, error)
}

// Opener resolves source specs.
type Opener struct {
	// Blobs serves azblob:// sources. Nil disables them.
	Blobs BlobStore
	// Stdin is read for "-". Nil means os.Stdin.
	Stdin io.Reader
}

// Open resolves a path, "-" or azblob:// URL and opens it for sequential reading.
func (o *Opener) Open(ctx context.Context, spec string) (*Source, error) {
	switch {
	case spec == "":
		return nil, fmt.Errorf("empty source")
	case spec == Stdin:
		in := o.Stdin
		if in == nil {
			in = os.Stdin
		}
		return &Source{ReadCloser: io.NopCloser(in), Name: spec, Size: -1}, nil
	case strings.HasPrefix(spec, BlobScheme):
		container, blob, err := ParseBlobURL(spec)
		if err != nil {
			return nil, err
		}
		if o.Blobs == nil {
			return nil, fmt.Errorf("open %s: %w", spec, ErrNoBlobStore)
		}
		rc, size, err := o.Blobs.Open(ctx, container, blob)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", spec, err)
		}
		return &Source{ReadCloser: rc, Name: spec, Size: size}, nil
	default:
		return openFile(spec)
	}
}

func openFile(path string) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat image: %w", err)
	}
	if info.IsDir() {
		f.Close()
		return nil, fmt.Errorf("open image: %s is a directory", path)
	}
	adviseSequential(f)

	size := info.Size()
	if !info.Mode().IsRegular() {
		// Block devices report zero size through Stat.
		size = -1
	}
	return &Source{ReadCloser: f, Name: path, Size: size}, nil
}

// ParseBlobURL splits azblob://container/path/to/blob.
func ParseBlobURL(spec string) (container, blob string, err error) {
	rest, ok := strings.CutPrefix(spec, BlobScheme)
	if !ok {
		return "", "", fmt.Errorf("not a blob source: %q", spec)
	}
	container, blob, ok = strings.Cut(rest, "/")
	if !ok || container == "" || blob == "" {
		return "", "", fmt.Errorf("blob source %q: want %scontainer/blob", spec, BlobScheme)
	}
	return container, blob, nil
}
