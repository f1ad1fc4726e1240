// Package vendortest runs an in-process fake of the vendor UI, its JSON
// listings and the secondary diff host, for use in package tests.
package vendortest

import (
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sync"
)

// Credentials accepted by the fake login form.
const (
	Email    = "ops@example.org"
	Password = "secret"
)

const sessionCookie = "vsid"

// Site is one row of the fake site table.
type Site struct {
	ID         string
	Name       string
	URL        string
	LastChange string
}

// Content is a stored version body served through the content API.
type Content struct {
	Body        string
	ContentType string
	// Expired is how many fetches return the cache-expired placeholder first.
	Expired int
}

// Fixture is everything the fake vendor knows. Pages and Versions hold raw
// JSON records so tests can exercise schema failures. Keys are
// "site" for Pages, "site/page" for Versions, "site/page/version:compare"
// for Diffs and "site/page/version" for Contents.
type Fixture struct {
	Sites    []Site
	Pages    map[string][]map[string]any
	Versions map[string][]map[string]any
	Diffs    map[string]string
	Contents map[string]Content
	// SiteTable overrides the rendered /home body when set.
	SiteTable string
	// Unavailable maps a request path to how many leading hits answer 503.
	Unavailable map[string]int
}

// Server is the running fake. Vendor and Diff live on different hosts.
type Server struct {
	Vendor *httptest.Server
	Diff   *httptest.Server

	fixture Fixture

	mu      sync.Mutex
	hits    map[string]int
	expired map[string]int
	outages map[string]int
}

var (
	pagesPath      = regexp.MustCompile(`^/api/sites/(\d+)/pages$`)
	versionsPath   = regexp.MustCompile(`^/api/sites/(\d+)/pages/(\d+)/versions$`)
	contentAPIPath = regexp.MustCompile(`^/api/ip_url/(\d+)/(\d+)/(\d+)/(raw|html)$`)
	comparePath    = regexp.MustCompile(`^/(\d+)/(\d+)/(\d+):(\d+)/$`)
	diffPagePath   = regexp.MustCompile(`^/d/(\d+)/(\d+)/(\d+)-(\d+)/$`)
	diffAPIPath    = regexp.MustCompile(`^/api/ip_url/d/(\d+)/(\d+)/(\d+)-(\d+)/(\w+)$`)
	diffBlobPath   = regexp.MustCompile(`^/blob/diff/(\d+)/(\d+)/(\d+)-(\d+)/(\w+)$`)
	contentBlob    = regexp.MustCompile(`^/blob/content/(\d+)/(\d+)/(\d+)$`)
)

// New starts the fake vendor and diff hosts. Both are closed on test cleanup
// by the caller via Close.
func New(f Fixture) *Server {
	s := &Server{
		fixture: f,
		hits:    make(map[string]int),
		expired: make(map[string]int),
		outages: make(map[string]int),
	}
	s.Diff = httptest.NewServer(http.HandlerFunc(s.serveDiffHost))
	s.Vendor = httptest.NewServer(http.HandlerFunc(s.serveVendor))
	return s
}

// Close shuts down both hosts.
func (s *Server) Close() {
	s.Vendor.Close()
	s.Diff.Close()
}

// URL is the vendor base URL.
func (s *Server) URL() string {
	return s.Vendor.URL
}

// Hits returns how many times path was requested on either host.
func (s *Server) Hits(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

// record counts the hit and reports whether it must be answered with 503.
func (s *Server) record(r *http.Request) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hits[r.URL.Path]++
	if s.outages[r.URL.Path] < s.fixture.Unavailable[r.URL.Path] {
		s.outages[r.URL.Path]++
		return true
	}
	return false
}

const loginPage = `<html><body>%s<form method="post" action="/login">
<input name="em"><input name="pw" type="password"><button>Log in</button>
</form></body></html>`

func (s *Server) loggedIn(r *http.Request) bool {
	c, err := r.Cookie(sessionCookie)
	return err == nil && c.Value == "ok"
}

func (s *Server) serveVendor(w http.ResponseWriter, r *http.Request) {
	if s.record(r) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	path := r.URL.Path

	if path == "/login" && r.Method == http.MethodPost {
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if r.PostForm.Get("em") != Email || r.PostForm.Get("pw") != Password {
			fmt.Fprintf(w, loginPage, `<div class="error">Invalid credentials</div>`)
			return
		}
		http.SetCookie(w, &http.Cookie{Name: sessionCookie, Value: "ok", Path: "/"})
		http.Redirect(w, r, "/home", http.StatusFound)
		return
	}

	if !s.loggedIn(r) {
		fmt.Fprintf(w, loginPage, "")
		return
	}

	switch {
	case path == "/home":
		s.serveHome(w)
	case pagesPath.MatchString(path):
		m := pagesPath.FindStringSubmatch(path)
		s.serveJSON(w, "pages", s.fixture.Pages, m[1])
	case versionsPath.MatchString(path):
		m := versionsPath.FindStringSubmatch(path)
		s.serveJSON(w, "versions", s.fixture.Versions, m[1]+"/"+m[2])
	case contentAPIPath.MatchString(path):
		m := contentAPIPath.FindStringSubmatch(path)
		key := m[1] + "/" + m[2] + "/" + m[3]
		if _, ok := s.fixture.Contents[key]; !ok {
			http.NotFound(w, r)
			return
		}
		fmt.Fprintf(w, "%s/blob/content/%s", s.Diff.URL, key)
	case comparePath.MatchString(path):
		m := comparePath.FindStringSubmatch(path)
		key := fmt.Sprintf("%s/%s/%s:%s", m[1], m[2], m[3], m[4])
		if _, ok := s.fixture.Diffs[key]; !ok {
			// Unknown comparisons bounce back to the page on the vendor host.
			http.Redirect(w, r, fmt.Sprintf("/%s/%s/", m[1], m[2]), http.StatusFound)
			return
		}
		http.Redirect(w, r, fmt.Sprintf("%s/d/%s/%s/%s-%s/", s.Diff.URL, m[1], m[2], m[3], m[4]), http.StatusFound)
	default:
		fmt.Fprintf(w, "<html><body>%s</body></html>", template.HTMLEscapeString(path))
	}
}

var homeTemplate = template.Must(template.New("home").Parse(`<html><body>
<table class="sites"><thead><tr><th>Site</th><th>URL</th><th>Changed</th></tr></thead>
<tbody>{{range .}}
<tr><td><a href="/{{.ID}}/">{{.Name}}</a></td><td><a href="{{.URL}}">{{.URL}}</a></td>
<td>{{if .LastChange}}<time datetime="{{.LastChange}}">{{.LastChange}}</time>{{end}}</td></tr>{{end}}
</tbody></table><a href="/logout">Log out</a></body></html>`))

func (s *Server) serveHome(w http.ResponseWriter) {
	if s.fixture.SiteTable != "" {
		fmt.Fprint(w, s.fixture.SiteTable)
		return
	}
	if err := homeTemplate.Execute(w, s.fixture.Sites); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) serveJSON(w http.ResponseWriter, collection string, data map[string][]map[string]any, key string) {
	records, ok := data[key]
	if !ok {
		records = []map[string]any{}
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]any{collection: records}); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) serveDiffHost(w http.ResponseWriter, r *http.Request) {
	if s.record(r) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	path := r.URL.Path

	switch {
	case diffPagePath.MatchString(path):
		fmt.Fprint(w, "<html><body>diff viewer</body></html>")
	case diffAPIPath.MatchString(path):
		m := diffAPIPath.FindStringSubmatch(path)
		fmt.Fprintf(w, "/blob/diff/%s/%s/%s-%s/%s", m[1], m[2], m[3], m[4], m[5])
	case diffBlobPath.MatchString(path):
		m := diffBlobPath.FindStringSubmatch(path)
		key := fmt.Sprintf("%s/%s/%s:%s", m[1], m[2], m[3], m[4])
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, s.fixture.Diffs[key])
	case contentBlob.MatchString(path):
		m := contentBlob.FindStringSubmatch(path)
		key := m[1] + "/" + m[2] + "/" + m[3]
		c := s.fixture.Contents[key]
		s.mu.Lock()
		expired := s.expired[key] < c.Expired
		if expired {
			s.expired[key]++
		}
		s.mu.Unlock()
		if expired {
			w.Header().Set("Content-Type", "text/html")
			fmt.Fprint(w, "<html><head><title>Cache expired</title></head><body></body></html>")
			return
		}
		if c.ContentType != "" {
			w.Header().Set("Content-Type", c.ContentType)
		}
		fmt.Fprint(w, c.Body)
	default:
		http.NotFound(w, r)
	}
}
