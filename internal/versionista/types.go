// Package versionista models the vendor's sites, pages, versions and diffs,
// and holds the protocol knowledge (URL scheme, status parsing, lineage) that
// turns raw vendor records into ordered, linked snapshots.
package versionista

import "time"

// Site is one monitored site on the vendor account.
type Site struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	CanonicalURL string     `json:"canonical_url"`
	LastChange   *time.Time `json:"last_change,omitempty"`
}

// Page is one monitored URL belonging to a Site (by id, not pointer).
type Page struct {
	ID            string     `json:"id"`
	SiteID        string     `json:"site_id"`
	RemoteURL     string     `json:"remote_url"`
	ServiceURL    string     `json:"service_url"`
	Title         string     `json:"title"`
	LastChange    *time.Time `json:"last_change,omitempty"`
	LastChecked   *time.Time `json:"last_checked,omitempty"`
	DateAdded     *time.Time `json:"date_added,omitempty"`
	TotalVersions int        `json:"total_versions"`
}

// Link is a comparison URL plus the capture time of the version it compares against.
type Link struct {
	URL           string    `json:"url"`
	ReferenceTime time.Time `json:"reference_time"`
}

// Version is a single capture of a page.
//
// HTTPStatus is 0 while unresolved. ErrorCode is set iff HTTPStatus >= 400.
type Version struct {
	ID            string    `json:"id"`
	PageID        string    `json:"page_id"`
	SiteID        string    `json:"site_id"`
	ServiceURL    string    `json:"service_url"`
	CaptureTime   time.Time `json:"capture_time"`
	LastSeen      time.Time `json:"last_seen"`
	HasContent    bool      `json:"has_content"`
	HTTPStatus    int       `json:"http_status,omitempty"`
	ErrorCode     string    `json:"error_code,omitempty"`
	ContentType   string    `json:"content_type,omitempty"`
	ByteLength    int64     `json:"byte_length"`
	RedirectChain []string  `json:"redirect_chain"`
	Title         string    `json:"title,omitempty"`

	DiffWithPrevious     *Link `json:"diff_with_previous,omitempty"`
	DiffWithFirst        *Link `json:"diff_with_first,omitempty"`
	DiffWithPreviousSafe *Link `json:"diff_with_previous_safe,omitempty"`
	DiffWithFirstSafe    *Link `json:"diff_with_first_safe,omitempty"`
}

// Failed reports whether the capture recorded an HTTP error.
func (v Version) Failed() bool {
	return v.ErrorCode != ""
}

// PreferredPreviousLink returns the safe previous link when one exists,
// falling back to the plain previous link.
func (v Version) PreferredPreviousLink() *Link {
	if v.DiffWithPreviousSafe != nil {
		return v.DiffWithPreviousSafe
	}
	return v.DiffWithPrevious
}

// Diff is the resolved body of a comparison.
type Diff struct {
	Type        DiffType `json:"type"`
	ByteLength  int      `json:"byte_length"`
	ContentHash string   `json:"content_hash"`
	Content     []byte   `json:"-"`
}

// Content is the raw captured body of a version.
type Content struct {
	ContentType string `json:"content_type,omitempty"`
	ByteLength  int    `json:"byte_length"`
	ContentHash string `json:"content_hash"`
	Content     []byte `json:"-"`
}

// RawVersion is a schema-checked record from the versions endpoint, before
// status parsing and lineage.
type RawVersion struct {
	ID          string    `json:"id"`
	Captured    time.Time `json:"captured"`
	LastSeen    time.Time `json:"last_seen"`
	Status      string    `json:"status"`
	Deleted     bool      `json:"deleted"`
	Stored      bool      `json:"stored"`
	ContentType string    `json:"content_type"`
	Length      int64     `json:"length"`
	Redirects   []string  `json:"redirects"`
	Title       string    `json:"title"`
}

// DiffType selects the diff rendering produced by the diff host.
type DiffType string

// Diff renderings supported by the diff host.
const (
	DiffEdits       DiffType = "edits"
	DiffScreenshots DiffType = "screenshots"
	DiffHTML        DiffType = "html"
	DiffFiltered    DiffType = "filtered"
	DiffOnly        DiffType = "only"
	DiffText        DiffType = "text"
	DiffTextOnly    DiffType = "text_only"
)

// DefaultDiffType is used when no diff type is requested.
const DefaultDiffType = DiffOnly

// Valid reports whether t is a known diff rendering.
func (t DiffType) Valid() bool {
	switch t {
	case DiffEdits, DiffScreenshots, DiffHTML, DiffFiltered, DiffOnly, DiffText, DiffTextOnly:
		return true
	default:
		return false
	}
}

// ContentMode selects which content API variant to call.
type ContentMode string

// Content API variants.
const (
	ContentRaw  ContentMode = "raw"
	ContentHTML ContentMode = "html"
)
