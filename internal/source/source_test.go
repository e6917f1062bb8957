package source

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBlobs struct {
	data      map[string][]byte
	container string
	blob      string
}

func (f *fakeBlobs) Open(_ context.Context, container, blob string) (io.ReadCloser, int64, error) {
	f.container, f.blob = container, blob
	d, ok := f.data[container+"/"+blob]
	if !ok {
		return nil, 0, errors.New("BlobNotFound")
	}
	return io.NopCloser(bytes.NewReader(d)), int64(len(d)), nil
}

func readAll(t *testing.T, s *Source) []byte {
	t.Helper()
	defer s.Close()
	data, err := io.ReadAll(s)
	require.NoError(t, err)
	return data
}

func TestOpenFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "disk.img")
	require.NoError(t, os.WriteFile(path, []byte("image bytes"), 0o600))

	var o Opener
	src, err := o.Open(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, path, src.Name)
	assert.Equal(t, int64(11), src.Size)
	assert.Equal(t, []byte("image bytes"), readAll(t, src))

	_, err = o.Open(context.Background(), dir)
	assert.ErrorContains(t, err, "directory")

	_, err = o.Open(context.Background(), filepath.Join(dir, "missing.img"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = o.Open(context.Background(), "")
	assert.Error(t, err)
}

func TestOpenStdin(t *testing.T) {
	o := Opener{Stdin: strings.NewReader("piped")}
	src, err := o.Open(context.Background(), Stdin)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), src.Size)
	assert.Equal(t, []byte("piped"), readAll(t, src))
}

func TestOpenBlob(t *testing.T) {
	blobs := &fakeBlobs{data: map[string][]byte{"evidence/case7/disk.img": []byte("remote")}}
	o := Opener{Blobs: blobs}

	src, err := o.Open(context.Background(), "azblob://evidence/case7/disk.img")
	require.NoError(t, err)
	assert.Equal(t, "evidence", blobs.container)
	assert.Equal(t, "case7/disk.img", blobs.blob)
	assert.Equal(t, int64(6), src.Size)
	assert.Equal(t, []byte("remote"), readAll(t, src))

	_, err = o.Open(context.Background(), "azblob://evidence/none.img")
	assert.ErrorContains(t, err, "BlobNotFound")

	var bare Opener
	_, err = bare.Open(context.Background(), "azblob://evidence/case7/disk.img")
	assert.ErrorIs(t, err, ErrNoBlobStore)
}

func TestParseBlobURL(t *testing.T) {
	c, b, err := ParseBlobURL("azblob://images/a/b.dd")
	require.NoError(t, err)
	assert.Equal(t, "images", c)
	assert.Equal(t, "a/b.dd", b)

	for _, bad := range []string{"azblob://", "azblob://images", "azblob://images/", "azblob:///x", "file:///x"} {
		_, _, err := ParseBlobURL(bad)
		assert.Error(t, err, bad)
	}
}

func TestNewAzureStore(t *testing.T) {
	_, err := NewAzureStore("", "", "")
	assert.Error(t, err)

	_, err = NewAzureStore("acct", "not base64!", "")
	assert.Error(t, err)

	s, err := NewAzureStore("devstoreaccount1", "a2V5", "http://127.0.0.1:10000/devstoreaccount1")
	require.NoError(t, err)
	assert.NotNil(t, s)
}
