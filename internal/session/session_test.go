package session

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/versionista-scraper/internal/scheduler"
	"github.com/JakeFAU/versionista-scraper/internal/versionista"
)

func newScheduler(t *testing.T) *scheduler.Scheduler {
	t.Helper()
	s, err := scheduler.New(scheduler.Config{MaxConcurrent: 4, SleepEvery: -1, BaseDelay: time.Millisecond})
	require.NoError(t, err)
	return s
}

func vendorServer(t *testing.T, logins *atomic.Int32, loginPage string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /login", func(w http.ResponseWriter, r *http.Request) {
		logins.Add(1)
		time.Sleep(20 * time.Millisecond)
		require.NoError(t, r.ParseForm())
		if r.PostForm.Get("em") != "ops@example.org" || r.PostForm.Get("pw") != "secret" {
			_, _ = io.WriteString(w, loginPage)
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "sid", Value: "ok", Path: "/"})
		http.Redirect(w, r, "/home", http.StatusFound)
	})
	mux.HandleFunc("GET /home", func(w http.ResponseWriter, r *http.Request) {
		if _, err := r.Cookie("sid"); err != nil {
			_, _ = io.WriteString(w, loginPage)
			return
		}
		_, _ = io.WriteString(w, "<html><a href=\"/logout\">Log out</a></html>")
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

const rejectedPage = `<html><body>
<div class="alert">Incorrect   email or
password</div>
<form><button>Log In</button></form>
</body></html>`

func TestEnsureLoggedInOnceForConcurrentCallers(t *testing.T) {
	t.Parallel()

	var logins atomic.Int32
	srv := vendorServer(t, &logins, rejectedPage)
	m := New(srv.URL+"/", Credentials{Email: "ops@example.org", Password: "secret"}, newScheduler(t), nil)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := m.Do(context.Background(), scheduler.Request{URL: m.Base() + "/home"})
			require.NoError(t, err)
			require.Contains(t, string(resp.Body), "Log out")
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), logins.Load())
	require.NoError(t, m.EnsureLoggedIn(context.Background()))
	require.Equal(t, int32(1), logins.Load())
}

func TestEnsureLoggedInRejectedIsMemoized(t *testing.T) {
	t.Parallel()

	var logins atomic.Int32
	srv := vendorServer(t, &logins, rejectedPage)
	m := New(srv.URL, Credentials{Email: "ops@example.org", Password: "wrong"}, newScheduler(t), nil)

	err := m.EnsureLoggedIn(context.Background())
	var authErr *versionista.AuthenticationError
	require.ErrorAs(t, err, &authErr)
	require.Equal(t, "Incorrect email or password", authErr.Message)
	require.True(t, versionista.IsFatal(err))

	_, err = m.Do(context.Background(), scheduler.Request{URL: srv.URL + "/home"})
	require.ErrorAs(t, err, &authErr)
	require.Equal(t, int32(1), logins.Load())
}

func TestEnsureLoggedInErrorStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	m := New(srv.URL, Credentials{Email: "a", Password: "b"}, newScheduler(t), nil)
	var authErr *versionista.AuthenticationError
	require.ErrorAs(t, m.EnsureLoggedIn(context.Background()), &authErr)
	require.Contains(t, authErr.Error(), "403")
}

func TestEnsureLoggedInCallerCancellation(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
		_, _ = io.WriteString(w, "welcome")
	}))
	defer srv.Close()
	defer close(release)

	m := New(srv.URL, Credentials{Email: "a", Password: "b"}, newScheduler(t), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, m.EnsureLoggedIn(ctx), context.DeadlineExceeded)
}

func TestLoginErrorText(t *testing.T) {
	t.Parallel()

	body := []byte(`<p class="error">Account locked.</p><div class="alert"> Contact support </div><p>Log in</p>`)
	require.Equal(t, "Account locked.; Contact support", loginErrorText(body))
	require.Empty(t, loginErrorText([]byte("<p>Log in</p>")))
}
