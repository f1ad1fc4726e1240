package storage

import (
	"bytes"
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/versionista-scraper/internal/versionista"
)

// Record is one scraped version with whatever bodies were resolved for it.
type Record struct {
	RunID   string
	Site    versionista.Site
	Page    versionista.Page
	Version versionista.Version
	Diff    *versionista.Diff
	Content *versionista.Content

	// Filled in by Archive once the bodies are stored.
	DiffURI    string
	ContentURI string
}

// RowStore persists version rows.
type RowStore interface {
	StoreVersion(ctx context.Context, rec Record) error
}

// Archive writes a record's bodies to a BlobStore and then its row to an
// optional RowStore.
type Archive struct {
	blobs  BlobStore
	rows   RowStore
	prefix string
	logger *zap.Logger
}

// NewArchive constructs an Archive. rows may be nil.
func NewArchive(blobs BlobStore, rows RowStore, prefix string, logger *zap.Logger) *Archive {
	if blobs == nil {
		blobs = NoopBlobStore{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archive{blobs: blobs, rows: rows, prefix: prefix, logger: logger.Named("archive")}
}

// Record stores rec and returns it with blob URIs filled in.
func (a *Archive) Record(ctx context.Context, rec Record) (Record, error) {
	if rec.Diff != nil {
		key := ObjectKey(a.prefix, rec.Version, KindDiff, rec.Diff.ContentHash)
		uri, err := a.blobs.PutObject(ctx, key, "text/html; charset=utf-8", bytes.NewReader(rec.Diff.Content))
		if err != nil {
			return rec, fmt.Errorf("store diff for version %s: %w", rec.Version.ID, err)
		}
		rec.DiffURI = uri
	}
	if rec.Content != nil {
		key := ObjectKey(a.prefix, rec.Version, KindContent, rec.Content.ContentHash)
		uri, err := a.blobs.PutObject(ctx, key, rec.Content.ContentType, bytes.NewReader(rec.Content.Content))
		if err != nil {
			return rec, fmt.Errorf("store content for version %s: %w", rec.Version.ID, err)
		}
		rec.ContentURI = uri
	}
	if a.rows != nil {
		if err := a.rows.StoreVersion(ctx, rec); err != nil {
			return rec, fmt.Errorf("store row for version %s: %w", rec.Version.ID, err)
		}
	}
	a.logger.Debug("recorded version",
		zap.String("version_id", rec.Version.ID),
		zap.String("diff_uri", rec.DiffURI),
		zap.String("content_uri", rec.ContentURI),
	)
	return rec, nil
}
