package storage_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/versionista-scraper/internal/storage"
	"github.com/JakeFAU/versionista-scraper/internal/storage/memory"
	"github.com/JakeFAU/versionista-scraper/internal/versionista"
)

type rowRecorder struct {
	rows []storage.Record
	err  error
}

func (r *rowRecorder) StoreVersion(_ context.Context, rec storage.Record) error {
	if r.err != nil {
		return r.err
	}
	r.rows = append(r.rows, rec)
	return nil
}

func testRecord() storage.Record {
	return storage.Record{
		RunID:   "run-1",
		Version: versionista.Version{ID: "101", PageID: "10", SiteID: "1"},
		Diff: &versionista.Diff{
			Type:        versionista.DiffOnly,
			ContentHash: "0123456789abcdef0123456789abcdef",
			Content:     []byte("<ins>x</ins>"),
		},
		Content: &versionista.Content{
			ContentType: "text/html",
			ContentHash: "fedcba9876543210fedcba9876543210",
			Content:     []byte("<p>x</p>"),
		},
	}
}

func TestArchiveRecordStoresBodiesThenRow(t *testing.T) {
	t.Parallel()

	blobs := memory.NewBlobStore()
	rows := &rowRecorder{}
	archive := storage.NewArchive(blobs, rows, "versionista", nil)

	rec, err := archive.Record(context.Background(), testRecord())
	require.NoError(t, err)
	require.Equal(t, "memory://versionista/1/10/101/diff-0123456789abcdef", rec.DiffURI)
	require.Equal(t, "memory://versionista/1/10/101/content-fedcba9876543210", rec.ContentURI)

	obj, ok := blobs.Get("versionista/1/10/101/content-fedcba9876543210")
	require.True(t, ok)
	require.Equal(t, "text/html", obj.ContentType)
	require.Equal(t, "<p>x</p>", string(obj.Data))

	require.Len(t, rows.rows, 1)
	require.Equal(t, rec.DiffURI, rows.rows[0].DiffURI)
}

func TestArchiveRecordRowError(t *testing.T) {
	t.Parallel()

	archive := storage.NewArchive(nil, &rowRecorder{err: errors.New("db down")}, "", nil)
	_, err := archive.Record(context.Background(), testRecord())
	require.ErrorContains(t, err, "db down")
}

func TestArchiveWithoutBodies(t *testing.T) {
	t.Parallel()

	blobs := memory.NewBlobStore()
	rec := storage.Record{Version: versionista.Version{ID: "101", PageID: "10", SiteID: "1"}}
	got, err := storage.NewArchive(blobs, nil, "", nil).Record(context.Background(), rec)
	require.NoError(t, err)
	require.Empty(t, got.DiffURI)
	require.Empty(t, blobs.Keys())
}

func TestObjectKey(t *testing.T) {
	t.Parallel()

	v := versionista.Version{ID: "9906812", PageID: "3500456", SiteID: "74273"}
	require.Equal(t, "74273/3500456/9906812/diff-abc", storage.ObjectKey("", v, storage.KindDiff, "abc"))
	require.Equal(t, "p/74273/3500456/9906812/content-abc", storage.ObjectKey("/p/", v, storage.KindContent, "abc"))
}
