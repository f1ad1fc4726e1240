package versionista

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPageRefURLs(t *testing.T) {
	t.Parallel()

	ref := PageRef{Base: "https://versionista.com/", SiteID: "74273", PageID: "3500456"}
	require.Equal(t, "https://versionista.com/74273/3500456/", ref.PageURL())
	require.Equal(t, "https://versionista.com/74273/3500456/9906812/", ref.VersionURL("9906812"))
	require.Equal(t, "https://versionista.com/74273/3500456/9906812:9906000/", ref.ComparisonURL("9906812", "9906000"))
	require.Equal(t, "https://versionista.com/74273/3500456/9906812:0/", ref.ComparisonURL("9906812", ""))
	require.Equal(t, "https://versionista.com/74273/", SiteURL("https://versionista.com", "74273"))
}

func TestParseVersionURL(t *testing.T) {
	t.Parallel()

	ref, err := ParseVersionURL("https://versionista.com/74273/3500456/9906812:0/")
	require.NoError(t, err)
	require.Equal(t, VersionRef{
		Base:      "https://versionista.com",
		SiteID:    "74273",
		PageID:    "3500456",
		VersionID: "9906812",
		CompareTo: "0",
	}, ref)
	require.Equal(t, "https://versionista.com/api/ip_url/74273/3500456/9906812/raw", ref.ContentAPIURL(""))
	require.Equal(t, "https://versionista.com/api/ip_url/74273/3500456/9906812/html", ref.ContentAPIURL(ContentHTML))

	plain, err := ParseVersionURL("http://localhost:8080/1/2/3/")
	require.NoError(t, err)
	require.Equal(t, "http://localhost:8080", plain.Base)
	require.Empty(t, plain.CompareTo)

	_, err = ParseVersionURL("/1/2/3/")
	require.Error(t, err)
	_, err = ParseVersionURL("https://versionista.com/home")
	require.Error(t, err)
}

func TestDiffAPIURL(t *testing.T) {
	t.Parallel()

	resolved, err := url.Parse("https://diff.example.net/x7f3/9906812-9906000/")
	require.NoError(t, err)
	require.Equal(t, "https://diff.example.net/api/ip_url/x7f3/9906812-9906000/only", DiffAPIURL(resolved, ""))
	require.Equal(t, "https://diff.example.net/api/ip_url/x7f3/9906812-9906000/text", DiffAPIURL(resolved, DiffText))
}

func TestResolveAgainst(t *testing.T) {
	t.Parallel()

	got, err := ResolveAgainst("https://www.epa.gov/", "https://www.epa.gov/climate")
	require.NoError(t, err)
	require.Equal(t, "https://www.epa.gov/climate", got)

	got, err = ResolveAgainst("https://www.epa.gov/", "/climate/indicators")
	require.NoError(t, err)
	require.Equal(t, "https://www.epa.gov/climate/indicators", got)

	got, err = ResolveAgainst("https://www.epa.gov/sub/", "page.html")
	require.NoError(t, err)
	require.Equal(t, "https://www.epa.gov/sub/page.html", got)

	_, err = ResolveAgainst("https://www.epa.gov/", "  ")
	require.Error(t, err)
}

func TestDiffTypeValid(t *testing.T) {
	t.Parallel()

	for _, dt := range []DiffType{DiffEdits, DiffScreenshots, DiffHTML, DiffFiltered, DiffOnly, DiffText, DiffTextOnly} {
		require.True(t, dt.Valid(), dt)
	}
	require.False(t, DiffType("side_by_side").Valid())
}
