package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		MaxConcurrent: 2,
		SleepEvery:    -1,
		MaxRetries:    3,
		BaseDelay:     time.Millisecond,
	}
}

func TestSchedulerBoundsConcurrency(t *testing.T) {
	t.Parallel()

	var inFlight, maxSeen atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		n := inFlight.Add(1)
		for {
			m := maxSeen.Load()
			if n <= m || maxSeen.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		_, _ = io.WriteString(w, "ok")
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.MaxConcurrent = 3
	s, err := New(cfg)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := range 12 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := s.Do(context.Background(), Request{URL: fmt.Sprintf("%s/%d", srv.URL, i)})
			require.NoError(t, err)
			require.Equal(t, "ok", string(resp.Body))
		}()
	}
	wg.Wait()

	require.LessOrEqual(t, maxSeen.Load(), int32(3))
	stats := s.Stats()
	require.Equal(t, 12, stats.Completed)
	require.LessOrEqual(t, stats.MaxInFlight, 3)
	require.Zero(t, stats.InFlight)
}

func TestSchedulerRetriesGatewayErrorsUntilExhausted(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s, err := New(testConfig())
	require.NoError(t, err)

	resp, err := s.Do(context.Background(), Request{URL: srv.URL})
	var exhausted *RetriesExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Equal(t, 4, exhausted.Attempts)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	require.Equal(t, int32(4), hits.Load())
	require.Equal(t, 3, s.Stats().Retries)
}

func TestSchedulerRetrySucceeds(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = io.WriteString(w, "finally")
	}))
	defer srv.Close()

	s, err := New(testConfig())
	require.NoError(t, err)

	resp, err := s.Do(context.Background(), Request{URL: srv.URL})
	require.NoError(t, err)
	require.Equal(t, "finally", string(resp.Body))
	require.Equal(t, int32(3), hits.Load())
}

func TestSchedulerCustomRetryPredicate(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) == 1 {
			_, _ = io.WriteString(w, "<title>cache expired</title>")
			return
		}
		_, _ = io.WriteString(w, "fresh")
	}))
	defer srv.Close()

	s, err := New(testConfig())
	require.NoError(t, err)

	resp, err := s.Do(context.Background(), Request{
		URL: srv.URL,
		IsRetryable: func(r *Response) bool {
			return strings.Contains(string(r.Body), "cache expired")
		},
	})
	require.NoError(t, err)
	require.Equal(t, "fresh", string(resp.Body))
	require.Equal(t, int32(2), hits.Load())
}

func TestSchedulerNoRetry(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusGatewayTimeout)
	}))
	defer srv.Close()

	s, err := New(testConfig())
	require.NoError(t, err)

	resp, err := s.Do(context.Background(), Request{URL: srv.URL, NoRetry: true})
	require.NoError(t, err)
	require.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
	require.True(t, resp.IsError())
	require.Equal(t, int32(1), hits.Load())
}

func TestSchedulerDoesNotRetryClientErrors(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	s, err := New(testConfig())
	require.NoError(t, err)

	resp, err := s.Do(context.Background(), Request{URL: srv.URL})
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, int32(1), hits.Load())
}

type resetTransport struct {
	failures atomic.Int32
	limit    int32
	next     http.RoundTripper
}

func (rt *resetTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if rt.failures.Add(1) <= rt.limit {
		return nil, syscall.ECONNRESET
	}
	return rt.next.RoundTrip(req)
}

func TestSchedulerRetriesConnectionResets(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "ok")
	}))
	defer srv.Close()

	rt := &resetTransport{limit: 2, next: http.DefaultTransport}
	s, err := New(testConfig(), WithHTTPClient(&http.Client{Transport: rt}))
	require.NoError(t, err)

	resp, err := s.Do(context.Background(), Request{URL: srv.URL})
	require.NoError(t, err)
	require.Equal(t, "ok", string(resp.Body))
	require.Equal(t, 2, s.Stats().Retries)
}

func TestSchedulerConnectionResetExhausted(t *testing.T) {
	t.Parallel()

	rt := &resetTransport{limit: 100, next: http.DefaultTransport}
	s, err := New(testConfig(), WithHTTPClient(&http.Client{Transport: rt}))
	require.NoError(t, err)

	_, err = s.Do(context.Background(), Request{URL: "http://127.0.0.1:1/never"})
	var netErr *NetworkError
	require.ErrorAs(t, err, &netErr)
	require.True(t, errors.Is(err, syscall.ECONNRESET))
	require.Equal(t, int32(4), rt.failures.Load())
}

func TestSchedulerCooldown(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var stamps []time.Time
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		stamps = append(stamps, time.Now())
		mu.Unlock()
		_, _ = io.WriteString(w, "ok")
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.MaxConcurrent = 1
	cfg.SleepEvery = 2
	cfg.SleepFor = 150 * time.Millisecond
	s, err := New(cfg)
	require.NoError(t, err)

	for range 4 {
		_, err := s.Do(context.Background(), Request{URL: srv.URL})
		require.NoError(t, err)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, stamps, 4)
	require.GreaterOrEqual(t, stamps[2].Sub(stamps[1]), 140*time.Millisecond)
	require.Equal(t, 2, s.Stats().Cooldowns)
}

func TestSchedulerImmediatePreemptsQueue(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	var mu sync.Mutex
	var order []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/block" {
			<-release
		}
		mu.Lock()
		order = append(order, r.URL.Path)
		mu.Unlock()
		_, _ = io.WriteString(w, "ok")
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.MaxConcurrent = 1
	s, err := New(cfg)
	require.NoError(t, err)

	var wg sync.WaitGroup
	submit := func(path string, immediate bool, dispatched, queued int) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Do(context.Background(), Request{URL: srv.URL + path, Immediate: immediate})
			require.NoError(t, err)
		}()
		require.Eventually(t, func() bool {
			st := s.Stats()
			return st.Dispatched == dispatched && st.Queued == queued
		}, time.Second, time.Millisecond)
	}

	submit("/block", false, 1, 0)
	submit("/a", false, 1, 1)
	submit("/b", false, 1, 2)
	submit("/signed", true, 1, 3)
	close(release)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"/block", "/signed", "/a", "/b"}, order)
}

func TestSchedulerRecordsRedirectsAndCookies(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "session", Value: "abc", Path: "/"})
		http.Redirect(w, r, "/home", http.StatusFound)
	})
	mux.HandleFunc("/home", func(w http.ResponseWriter, r *http.Request) {
		c, err := r.Cookie("session")
		if err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = io.WriteString(w, c.Value)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	s, err := New(testConfig())
	require.NoError(t, err)

	resp, err := s.Do(context.Background(), Request{
		Method: http.MethodPost,
		URL:    srv.URL + "/login",
		Body:   []byte("em=a&pw=b"),
		Header: http.Header{"Content-Type": []string{"application/x-www-form-urlencoded"}},
	})
	require.NoError(t, err)
	require.Equal(t, srv.URL+"/home", resp.FinalURL)
	require.Equal(t, []string{srv.URL + "/home"}, resp.Redirects)
	require.Equal(t, "abc", string(resp.Body))

	resp, err = s.Do(context.Background(), Request{URL: srv.URL + "/home"})
	require.NoError(t, err)
	require.Equal(t, "abc", string(resp.Body))
	require.Empty(t, resp.Redirects)
}

func TestSchedulerCanceledContext(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "ok")
	}))
	defer srv.Close()

	s, err := New(testConfig())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Do(ctx, Request{URL: srv.URL})
	require.ErrorIs(t, err, context.Canceled)
}

func TestSchedulerFinishesDispatchedRequestAfterCancel(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	var finished, aborted atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		select {
		case <-time.After(200 * time.Millisecond):
			finished.Store(true)
			_, _ = io.WriteString(w, "ok")
		case <-r.Context().Done():
			aborted.Store(true)
		}
	}))
	defer srv.Close()

	s, err := New(testConfig())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	_, err = s.Do(ctx, Request{URL: srv.URL})
	require.ErrorIs(t, err, context.Canceled)

	require.Eventually(t, func() bool {
		return finished.Load() || aborted.Load()
	}, 2*time.Second, 5*time.Millisecond)
	require.True(t, finished.Load())
	require.False(t, aborted.Load())
	require.Eventually(t, func() bool {
		return s.Stats().Completed == 1
	}, time.Second, time.Millisecond)
}

func TestSchedulerOverlappingCooldownsExtendPause(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.SleepEvery = 1
	cfg.SleepFor = 200 * time.Millisecond
	s, err := New(cfg)
	require.NoError(t, err)

	paused := func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.paused
	}

	s.mu.Lock()
	s.completeLocked()
	s.mu.Unlock()
	time.Sleep(100 * time.Millisecond)
	s.mu.Lock()
	s.completeLocked()
	s.mu.Unlock()

	// The first cooldown's timer has fired; the second still holds the pause.
	time.Sleep(150 * time.Millisecond)
	require.True(t, paused())
	require.Eventually(t, func() bool { return !paused() }, time.Second, 5*time.Millisecond)
	require.Equal(t, 2, s.Stats().Cooldowns)
}

func TestSchedulerRecordsRedirectsWithCallerCheckRedirect(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/end", http.StatusFound)
	})
	mux.HandleFunc("/end", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "done")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	var checks atomic.Int32
	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		checks.Add(1)
		return nil
	}}
	s, err := New(testConfig(), WithHTTPClient(client))
	require.NoError(t, err)

	resp, err := s.Do(context.Background(), Request{URL: srv.URL + "/start"})
	require.NoError(t, err)
	require.Equal(t, "done", string(resp.Body))
	require.Equal(t, []string{srv.URL + "/end"}, resp.Redirects)
	require.Equal(t, int32(1), checks.Load())
}

type countingLimiter struct {
	calls atomic.Int32
}

func (l *countingLimiter) Wait(context.Context, string) error {
	l.calls.Add(1)
	return nil
}

func TestSchedulerUsesLimiterAndUserAgent(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, r.UserAgent())
	}))
	defer srv.Close()

	limiter := &countingLimiter{}
	cfg := testConfig()
	cfg.UserAgent = "versionista-scraper/test"
	s, err := New(cfg, WithLimiter(limiter))
	require.NoError(t, err)

	resp, err := s.Do(context.Background(), Request{URL: srv.URL})
	require.NoError(t, err)
	require.Equal(t, "versionista-scraper/test", string(resp.Body))
	require.Equal(t, int32(1), limiter.calls.Load())
}

func TestConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg := Config{}.withDefaults()
	require.Equal(t, DefaultMaxConcurrent, cfg.MaxConcurrent)
	require.Equal(t, DefaultSleepEvery, cfg.SleepEvery)
	require.Equal(t, DefaultSleepFor, cfg.SleepFor)
	require.Equal(t, DefaultMaxRetries, cfg.MaxRetries)
	require.Equal(t, DefaultBaseDelay, cfg.BaseDelay)

	cfg = Config{MaxRetries: -1}.withDefaults()
	require.Zero(t, cfg.MaxRetries)
}

func TestIsConnectionReset(t *testing.T) {
	t.Parallel()

	require.True(t, IsConnectionReset(&NetworkError{Err: syscall.ECONNRESET}))
	require.True(t, IsConnectionReset(fmt.Errorf("read: %w", io.ErrUnexpectedEOF)))
	require.False(t, IsConnectionReset(errors.New("no such host")))
	require.False(t, IsConnectionReset(nil))
}
