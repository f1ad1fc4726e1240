// Package storage persists scraped diff and content bodies to a blob store
// and version rows to a relational store.
package storage

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/JakeFAU/versionista-scraper/internal/hash/sha256"
	"github.com/JakeFAU/versionista-scraper/internal/versionista"
)

// BlobStore writes an object and returns a URI that locates it.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Blob kinds used in object keys.
const (
	KindDiff    = "diff"
	KindContent = "content"
)

// ObjectKey lays out a body under {prefix}/{site}/{page}/{version}/{kind}-{hash}.
// Keys are content addressed so re-scraping an unchanged body rewrites the same object.
func ObjectKey(prefix string, v versionista.Version, kind, hash string) string {
	name := fmt.Sprintf("%s-%s", kind, sha256.Fingerprint{Hash: hash}.ShortHash(16))
	return path.Join(strings.Trim(prefix, "/"), v.SiteID, v.PageID, v.ID, name)
}

// NoopBlobStore discards bodies. It is used when no backend is configured.
type NoopBlobStore struct{}

// PutObject drains r and returns an empty URI.
func (NoopBlobStore) PutObject(_ context.Context, _ string, _ string, r io.Reader) (string, error) {
	if _, err := io.Copy(io.Discard, r); err != nil {
		return "", fmt.Errorf("discard object: %w", err)
	}
	return "", nil
}
