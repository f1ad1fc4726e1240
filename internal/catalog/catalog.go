// Package catalog enumerates the sites, pages and versions visible to the
// logged-in vendor account.
package catalog

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/versionista-scraper/internal/scheduler"
	"github.com/JakeFAU/versionista-scraper/internal/session"
	"github.com/JakeFAU/versionista-scraper/internal/versionista"
)

var siteHrefPattern = regexp.MustCompile(`^/(\d+)/?$`)

var pagesSchema = versionista.Schema{
	Collection: "pages",
	Required: map[string]versionista.Kind{
		"id":  versionista.KindString,
		"url": versionista.KindString,
	},
	Optional: map[string]versionista.Kind{
		"title":        versionista.KindString,
		"last_change":  versionista.KindTime,
		"last_checked": versionista.KindTime,
		"date_added":   versionista.KindTime,
		"versions":     versionista.KindNumber,
	},
}

var versionsSchema = versionista.Schema{
	Collection: "versions",
	Required: map[string]versionista.Kind{
		"id":       versionista.KindString,
		"captured": versionista.KindTime,
		"status":   versionista.KindString,
	},
	Optional: map[string]versionista.Kind{
		"last_seen":    versionista.KindTime,
		"deleted":      versionista.KindBool,
		"stored":       versionista.KindBool,
		"content_type": versionista.KindString,
		"length":       versionista.KindNumber,
		"redirects":    versionista.KindArray,
		"title":        versionista.KindString,
	},
}

type rawPage struct {
	ID          string     `json:"id"`
	URL         string     `json:"url"`
	Title       string     `json:"title"`
	LastChange  *time.Time `json:"last_change"`
	LastChecked *time.Time `json:"last_checked"`
	DateAdded   *time.Time `json:"date_added"`
	Versions    int        `json:"versions"`
}

// Enumerator lists catalog entries through a session-gated Doer.
type Enumerator struct {
	base   string
	doer   session.Doer
	logger *zap.Logger
}

// New constructs an Enumerator for the vendor at base.
func New(base string, doer session.Doer, logger *zap.Logger) *Enumerator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Enumerator{
		base:   strings.TrimRight(base, "/"),
		doer:   doer,
		logger: logger.Named("catalog"),
	}
}

// ListSites scrapes the account's site table.
func (e *Enumerator) ListSites(ctx context.Context) ([]versionista.Site, error) {
	endpoint := e.base + "/home?show_all=1"
	body, err := e.get(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("list sites: %w", err)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, &versionista.SchemaError{Endpoint: endpoint, Err: fmt.Errorf("parse html: %w", err)}
	}
	table := doc.Find("table.sites")
	if table.Length() == 0 {
		return nil, &versionista.SchemaError{Endpoint: endpoint, Field: "table.sites", Err: fmt.Errorf("site table not found")}
	}

	var (
		sites  []versionista.Site
		rowErr error
	)
	table.Find("tbody tr").EachWithBreak(func(i int, row *goquery.Selection) bool {
		site, err := parseSiteRow(row)
		if err != nil {
			rowErr = &versionista.SchemaError{
				Endpoint: endpoint,
				Field:    fmt.Sprintf("table.sites row %d", i),
				Err:      err,
			}
			return false
		}
		sites = append(sites, site)
		return true
	})
	if rowErr != nil {
		return nil, rowErr
	}

	e.logger.Info("listed sites", zap.Int("count", len(sites)))
	return sites, nil
}

func parseSiteRow(row *goquery.Selection) (versionista.Site, error) {
	cells := row.Find("td")
	if cells.Length() < 2 {
		return versionista.Site{}, fmt.Errorf("expected at least 2 cells, got %d", cells.Length())
	}

	nameLink := cells.Eq(0).Find("a[href]").First()
	href, _ := nameLink.Attr("href")
	m := siteHrefPattern.FindStringSubmatch(href)
	if m == nil {
		return versionista.Site{}, fmt.Errorf("site link %q does not match /{id}/", href)
	}

	canonical, ok := cells.Eq(1).Find("a[href]").First().Attr("href")
	if !ok || strings.TrimSpace(canonical) == "" {
		return versionista.Site{}, fmt.Errorf("missing canonical url")
	}

	site := versionista.Site{
		ID:           m[1],
		Name:         strings.Join(strings.Fields(nameLink.Text()), " "),
		CanonicalURL: strings.TrimSpace(canonical),
	}
	if cells.Length() > 2 {
		if stamp, ok := cells.Eq(2).Find("time[datetime]").First().Attr("datetime"); ok {
			t, err := time.Parse(time.RFC3339, stamp)
			if err != nil {
				return versionista.Site{}, fmt.Errorf("parse last change: %w", err)
			}
			site.LastChange = &t
		}
	}
	return site, nil
}

// ListPages lists the monitored pages of site.
func (e *Enumerator) ListPages(ctx context.Context, site versionista.Site) ([]versionista.Page, error) {
	endpoint := fmt.Sprintf("%s/api/sites/%s/pages", e.base, site.ID)
	body, err := e.get(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("list pages for site %s: %w", site.ID, err)
	}
	raws, err := versionista.DecodeCollection[rawPage](endpoint, body, pagesSchema)
	if err != nil {
		return nil, err
	}

	pages := make([]versionista.Page, 0, len(raws))
	for i, raw := range raws {
		remote, err := versionista.ResolveAgainst(site.CanonicalURL, raw.URL)
		if err != nil {
			return nil, &versionista.SchemaError{Endpoint: endpoint, Field: fmt.Sprintf("pages[%d].url", i), Err: err}
		}
		ref := versionista.PageRef{Base: e.base, SiteID: site.ID, PageID: raw.ID}
		pages = append(pages, versionista.Page{
			ID:            raw.ID,
			SiteID:        site.ID,
			RemoteURL:     remote,
			ServiceURL:    ref.PageURL(),
			Title:         raw.Title,
			LastChange:    raw.LastChange,
			LastChecked:   raw.LastChecked,
			DateAdded:     raw.DateAdded,
			TotalVersions: raw.Versions,
		})
	}
	e.logger.Debug("listed pages", zap.String("site_id", site.ID), zap.Int("count", len(pages)))
	return pages, nil
}

// ListVersions lists the versions of page as an ordered, linked lineage.
func (e *Enumerator) ListVersions(ctx context.Context, page versionista.Page) ([]versionista.Version, error) {
	endpoint := fmt.Sprintf("%s/api/sites/%s/pages/%s/versions", e.base, page.SiteID, page.ID)
	body, err := e.get(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("list versions for page %s: %w", page.ID, err)
	}
	raws, err := versionista.DecodeCollection[versionista.RawVersion](endpoint, body, versionsSchema)
	if err != nil {
		return nil, err
	}
	versions, err := versionista.BuildLineage(versionista.PageRef{Base: e.base, SiteID: page.SiteID, PageID: page.ID}, raws)
	if err != nil {
		return nil, err
	}
	e.logger.Debug("listed versions",
		zap.String("site_id", page.SiteID),
		zap.String("page_id", page.ID),
		zap.Int("count", len(versions)),
	)
	return versions, nil
}

func (e *Enumerator) get(ctx context.Context, endpoint string) ([]byte, error) {
	resp, err := e.doer.Do(ctx, scheduler.Request{URL: endpoint})
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, fmt.Errorf("GET %s: status %d", endpoint, resp.StatusCode)
	}
	return resp.Body, nil
}
