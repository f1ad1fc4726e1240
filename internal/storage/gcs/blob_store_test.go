package gcs

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"
)

type fakeWriter struct {
	bytes.Buffer
	closeErr    error
	contentType string
}

func (w *fakeWriter) Close() error { return w.closeErr }

func (w *fakeWriter) setContentType(ct string) { w.contentType = ct }

type fakeObject struct {
	w *fakeWriter
}

func (o fakeObject) NewWriter(context.Context) io.WriteCloser { return o.w }

func newTestStore(w *fakeWriter, paths *[]string) *BlobStore {
	return &BlobStore{
		bucket: "scrapes",
		object: func(path string) object {
			*paths = append(*paths, path)
			return fakeObject{w: w}
		},
	}
}

func TestPutObjectWritesBody(t *testing.T) {
	t.Parallel()

	w := &fakeWriter{}
	var paths []string
	store := newTestStore(w, &paths)

	uri, err := store.PutObject(context.Background(), "/v/1/10/101/diff-abc", "text/html", strings.NewReader("<ins>x</ins>"))
	require.NoError(t, err)
	require.Equal(t, "gs://scrapes/v/1/10/101/diff-abc", uri)
	require.Equal(t, []string{"v/1/10/101/diff-abc"}, paths)
	require.Equal(t, "<ins>x</ins>", w.String())
	require.Equal(t, "text/html", w.contentType)
}

func TestPutObjectExistingObjectIsKept(t *testing.T) {
	t.Parallel()

	w := &fakeWriter{closeErr: &googleapi.Error{Code: http.StatusPreconditionFailed}}
	var paths []string
	uri, err := newTestStore(w, &paths).PutObject(context.Background(), "k", "", strings.NewReader("x"))
	require.NoError(t, err)
	require.Equal(t, "gs://scrapes/k", uri)
}

func TestPutObjectCloseError(t *testing.T) {
	t.Parallel()

	w := &fakeWriter{closeErr: errors.New("quota exceeded")}
	var paths []string
	_, err := newTestStore(w, &paths).PutObject(context.Background(), "k", "", strings.NewReader("x"))
	require.ErrorContains(t, err, "quota exceeded")

	_, err = newTestStore(&fakeWriter{}, &paths).PutObject(context.Background(), " ", "", strings.NewReader("x"))
	require.Error(t, err)
}

func TestNewValidatesInput(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)
}
