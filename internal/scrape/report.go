package scrape

import (
	"time"

	"github.com/JakeFAU/versionista-scraper/internal/versionista"
)

// Report is the result tree of one run. Per-unit failures are recorded on
// the unit and never remove its siblings.
type Report struct {
	RunID      string       `json:"run_id"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	After      *time.Time   `json:"after,omitempty"`
	Before     *time.Time   `json:"before,omitempty"`
	Sites      []SiteReport `json:"sites"`
}

// SiteReport holds one site and its pages.
type SiteReport struct {
	versionista.Site
	Pages []PageReport `json:"pages"`
	Error string       `json:"error,omitempty"`
}

// PageReport holds one page and the versions inside the capture window.
type PageReport struct {
	versionista.Page
	Versions []VersionReport `json:"versions"`
	Error    string          `json:"error,omitempty"`
}

// VersionReport holds one version and whatever was resolved for it.
type VersionReport struct {
	versionista.Version
	Diff         *versionista.Diff    `json:"diff,omitempty"`
	DiffURI      string               `json:"diff_uri,omitempty"`
	DiffError    string               `json:"diff_error,omitempty"`
	Content      *versionista.Content `json:"content,omitempty"`
	ContentURI   string               `json:"content_uri,omitempty"`
	ContentError string               `json:"content_error,omitempty"`
	RecordError  string               `json:"record_error,omitempty"`
}

// Totals summarizes a report.
type Totals struct {
	Sites    int `json:"sites"`
	Pages    int `json:"pages"`
	Versions int `json:"versions"`
	Diffs    int `json:"diffs"`
	Contents int `json:"contents"`
	Errors   int `json:"errors"`
}

// Totals counts units and recorded errors across the report.
func (r *Report) Totals() Totals {
	var t Totals
	for _, s := range r.Sites {
		t.Sites++
		if s.Error != "" {
			t.Errors++
		}
		for _, p := range s.Pages {
			t.Pages++
			if p.Error != "" {
				t.Errors++
			}
			for _, v := range p.Versions {
				t.Versions++
				if v.Diff != nil {
					t.Diffs++
				}
				if v.Content != nil {
					t.Contents++
				}
				for _, e := range []string{v.DiffError, v.ContentError, v.RecordError} {
					if e != "" {
						t.Errors++
					}
				}
			}
		}
	}
	return t
}
