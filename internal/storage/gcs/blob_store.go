// Package gcs provides a BlobStore backed by Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string
}

// object is the slice of *storage.ObjectHandle the store needs.
type object interface {
	NewWriter(ctx context.Context) io.WriteCloser
}

type objectFunc func(path string) object

// BlobStore writes scraped bodies to a GCS bucket. Objects are created only
// if absent; an existing object with the same content-addressed key is kept.
type BlobStore struct {
	bucket string
	object objectFunc
}

// New creates a GCS-backed blob store.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	bucket := client.Bucket(cfg.Bucket)
	return &BlobStore{
		bucket: cfg.Bucket,
		object: func(path string) object {
			return gcsObject{bucket.Object(path).If(storage.Conditions{DoesNotExist: true})}
		},
	}, nil
}

type gcsObject struct {
	handle *storage.ObjectHandle
}

func (o gcsObject) NewWriter(ctx context.Context) io.WriteCloser {
	w := o.handle.NewWriter(ctx)
	w.ChunkSize = 0
	return contentTypeWriter{Writer: w}
}

// contentTypeWriter lets PutObject set the content type without depending
// on *storage.Writer directly.
type contentTypeWriter struct {
	*storage.Writer
}

func (w contentTypeWriter) setContentType(ct string) {
	w.ContentType = ct
}

// PutObject uploads r and returns a gs:// URI.
func (s *BlobStore) PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error) {
	path = strings.TrimLeft(path, "/")
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	uri := fmt.Sprintf("gs://%s/%s", s.bucket, path)

	writer := s.object(path).NewWriter(ctx)
	if ctw, ok := writer.(interface{ setContentType(string) }); ok && contentType != "" {
		ctw.setContentType(contentType)
	}
	if _, err := io.Copy(writer, r); err != nil {
		if closeErr := writer.Close(); closeErr != nil && !alreadyExists(closeErr) {
			return "", fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		if alreadyExists(err) {
			return uri, nil
		}
		return "", fmt.Errorf("close writer: %w", err)
	}
	return uri, nil
}

// alreadyExists reports whether err is the precondition failure returned
// when the object is already stored.
func alreadyExists(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed
}
