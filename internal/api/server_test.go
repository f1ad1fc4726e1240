package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/versionista-scraper/internal/scrape"
	"github.com/JakeFAU/versionista-scraper/internal/versionista"
)

type fakeReports struct {
	report *scrape.Report
}

func (f fakeReports) LastReport() *scrape.Report {
	return f.report
}

func sampleReport() *scrape.Report {
	return &scrape.Report{
		RunID:      "run-1",
		StartedAt:  time.Date(2017, 3, 1, 0, 0, 0, 0, time.UTC),
		FinishedAt: time.Date(2017, 3, 1, 0, 5, 0, 0, time.UTC),
		Sites: []scrape.SiteReport{{
			Site: versionista.Site{ID: "1", Name: "EPA"},
			Pages: []scrape.PageReport{{
				Page: versionista.Page{ID: "10", SiteID: "1"},
				Versions: []scrape.VersionReport{
					{Version: versionista.Version{ID: "101"}},
					{Version: versionista.Version{ID: "102"}, DiffError: "invalid comparison"},
				},
			}},
		}},
	}
}

func serve(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	rec := serve(t, NewServer(nil, zap.NewNop()), "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestServer_ReadyzWaitsForRun(t *testing.T) {
	t.Parallel()

	rec := serve(t, NewServer(fakeReports{}, nil), "/readyz")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = serve(t, NewServer(fakeReports{report: sampleReport()}, nil), "/readyz")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_Metrics(t *testing.T) {
	t.Parallel()

	s := NewServer(nil, nil)
	serve(t, s, "/healthz")
	rec := serve(t, s, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "scraper_http_requests_total")
}

func TestServer_LatestReport(t *testing.T) {
	t.Parallel()

	s := NewServer(fakeReports{report: sampleReport()}, nil)
	rec := serve(t, s, "/v1/runs/latest/")
	require.Equal(t, http.StatusOK, rec.Code)

	var got scrape.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, "run-1", got.RunID)
	require.Len(t, got.Sites, 1)
	require.Equal(t, "invalid comparison", got.Sites[0].Pages[0].Versions[1].DiffError)
}

func TestServer_LatestTotals(t *testing.T) {
	t.Parallel()

	s := NewServer(fakeReports{report: sampleReport()}, nil)
	rec := serve(t, s, "/v1/runs/latest/totals")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		RunID  string        `json:"run_id"`
		Totals scrape.Totals `json:"totals"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "run-1", body.RunID)
	require.Equal(t, scrape.Totals{Sites: 1, Pages: 1, Versions: 2, Errors: 1}, body.Totals)
}

func TestServer_LatestReportMissing(t *testing.T) {
	t.Parallel()

	for _, s := range []*Server{NewServer(nil, nil), NewServer(fakeReports{}, nil)} {
		rec := serve(t, s, "/v1/runs/latest/totals")
		require.Equal(t, http.StatusNotFound, rec.Code)
		require.Contains(t, rec.Body.String(), "no run recorded")
	}
}

func TestServer_RecoversFromPanic(t *testing.T) {
	t.Parallel()

	s := NewServer(nil, nil)
	s.router.Get("/boom", func(http.ResponseWriter, *http.Request) { panic("boom") })
	rec := serve(t, s, "/boom")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestServer_UnknownRoute(t *testing.T) {
	t.Parallel()

	rec := serve(t, NewServer(nil, nil), "/v1/jobs")
	require.Equal(t, http.StatusNotFound, rec.Code)
}
