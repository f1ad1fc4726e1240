package versionista

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// NoComparison is the compare-to id meaning "against nothing".
const NoComparison = "0"

var versionPathPattern = regexp.MustCompile(`^/(\d+)/(\d+)/(\d+)(?::(\d+))?/?$`)

// VersionRef identifies a version (and optionally what it is compared to) on
// the vendor host.
type VersionRef struct {
	Base      string
	SiteID    string
	PageID    string
	VersionID string
	CompareTo string
}

// PageRef identifies a page on the vendor host.
type PageRef struct {
	Base   string
	SiteID string
	PageID string
}

// SiteURL returns the vendor URL for a site.
func SiteURL(base, siteID string) string {
	return fmt.Sprintf("%s/%s/", trimBase(base), siteID)
}

// PageURL returns the vendor URL for a page.
func (p PageRef) PageURL() string {
	return fmt.Sprintf("%s/%s/%s/", trimBase(p.Base), p.SiteID, p.PageID)
}

// VersionURL returns the vendor URL for a version of the page.
func (p PageRef) VersionURL(versionID string) string {
	return fmt.Sprintf("%s/%s/%s/%s/", trimBase(p.Base), p.SiteID, p.PageID, versionID)
}

// ComparisonURL returns the vendor URL comparing versionID to compareTo.
func (p PageRef) ComparisonURL(versionID, compareTo string) string {
	if compareTo == "" {
		compareTo = NoComparison
	}
	return fmt.Sprintf("%s/%s/%s/%s:%s/", trimBase(p.Base), p.SiteID, p.PageID, versionID, compareTo)
}

// ParseVersionURL parses a version or comparison URL.
func ParseVersionURL(raw string) (VersionRef, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return VersionRef{}, fmt.Errorf("parse version url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return VersionRef{}, fmt.Errorf("version url %q is not absolute", raw)
	}
	m := versionPathPattern.FindStringSubmatch(u.Path)
	if m == nil {
		return VersionRef{}, fmt.Errorf("version url %q does not match /site/page/version/", raw)
	}
	return VersionRef{
		Base:      u.Scheme + "://" + u.Host,
		SiteID:    m[1],
		PageID:    m[2],
		VersionID: m[3],
		CompareTo: m[4],
	}, nil
}

// ContentAPIURL maps a version to its content API endpoint.
func (v VersionRef) ContentAPIURL(mode ContentMode) string {
	if mode == "" {
		mode = ContentRaw
	}
	return fmt.Sprintf("%s/api/ip_url/%s/%s/%s/%s", trimBase(v.Base), v.SiteID, v.PageID, v.VersionID, mode)
}

// DiffAPIURL builds the diff host API call for a resolved comparison URL.
func DiffAPIURL(resolved *url.URL, diffType DiffType) string {
	if diffType == "" {
		diffType = DefaultDiffType
	}
	path := strings.Trim(resolved.EscapedPath(), "/")
	return fmt.Sprintf("%s://%s/api/ip_url/%s/%s", resolved.Scheme, resolved.Host, path, diffType)
}

// ResolveAgainst resolves a possibly relative reference against base.
// References without a scheme (including bare hosts such as
// "example.gov/page") are treated as paths under base.
func ResolveAgainst(base, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", fmt.Errorf("empty url")
	}
	refURL, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", ref, err)
	}
	if refURL.Scheme != "" {
		return refURL.String(), nil
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url %q: %w", base, err)
	}
	return baseURL.ResolveReference(refURL).String(), nil
}

func trimBase(base string) string {
	return strings.TrimRight(base, "/")
}
