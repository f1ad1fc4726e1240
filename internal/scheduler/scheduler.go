// Package scheduler funnels every upstream HTTP request through a bounded,
// cooldown-enforcing, auto-retrying queue sharing one cookie-backed client.
package scheduler

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/versionista-scraper/internal/metrics"
)

// Defaults applied when Config fields are left at zero.
const (
	DefaultMaxConcurrent = 6
	DefaultSleepEvery    = 40
	DefaultSleepFor      = 5 * time.Second
	DefaultMaxRetries    = 3
	DefaultBaseDelay     = 500 * time.Millisecond
)

// Config controls dispatch, cooldown and retry behavior.
//   - MaxConcurrent: requests allowed in flight at once.
//   - SleepEvery/SleepFor: after every SleepEvery completed requests, dispatch
//     pauses for SleepFor. A negative SleepEvery disables cooldowns.
//   - MaxRetries: retries per request after the first attempt. Negative disables retries.
//   - BaseDelay: backoff unit; retry n sleeps BaseDelay*n*2.
//   - RequestTimeout: optional per-attempt timeout.
type Config struct {
	MaxConcurrent  int
	SleepEvery     int
	SleepFor       time.Duration
	MaxRetries     int
	BaseDelay      time.Duration
	RequestTimeout time.Duration
	UserAgent      string
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.SleepEvery == 0 {
		c.SleepEvery = DefaultSleepEvery
	}
	if c.SleepFor <= 0 {
		c.SleepFor = DefaultSleepFor
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	return c
}

// Request describes one scheduled HTTP call.
type Request struct {
	Method string
	URL    string
	Body   []byte
	Header http.Header
	// IsRetryable classifies a response as transient. Nil means DefaultRetryable.
	IsRetryable func(*Response) bool
	// Immediate requests jump ahead of every queued normal request. Use it for
	// short-lived signed URLs.
	Immediate bool
	// NoRetry disables all retries for this request.
	NoRetry bool
}

// Response is a fully read upstream response. Body is never decoded.
type Response struct {
	URL        string
	FinalURL   string
	StatusCode int
	Header     http.Header
	Body       []byte
	Redirects  []string
	Duration   time.Duration
}

// IsError reports whether the final status is an HTTP error.
func (r *Response) IsError() bool {
	return r.StatusCode >= http.StatusBadRequest
}

// DefaultRetryable treats gateway-class statuses as transient.
func DefaultRetryable(resp *Response) bool {
	switch resp.StatusCode {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// Limiter throttles dispatched requests, e.g. per host.
type Limiter interface {
	Wait(ctx context.Context, url string) error
}

// Stats is a snapshot of scheduler counters.
type Stats struct {
	Dispatched  int
	Completed   int
	Retries     int
	Cooldowns   int
	InFlight    int
	Queued      int
	MaxInFlight int
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithHTTPClient replaces the default client. A copy of it gets a cookie jar
// when missing, and redirects are always recorded.
func WithHTTPClient(client *http.Client) Option {
	return func(s *Scheduler) {
		s.client = client
	}
}

// WithLimiter installs a limiter consulted after dispatch, before sending.
func WithLimiter(l Limiter) Option {
	return func(s *Scheduler) {
		s.limiter = l
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

type result struct {
	resp *Response
	err  error
}

type task struct {
	ctx         context.Context
	req         Request
	retriesUsed int
	maxRetries  int
	done        chan result
}

// Scheduler owns the shared client, the pending queue and the counters that
// drive cooldowns. It is safe for concurrent use.
type Scheduler struct {
	cfg     Config
	client  *http.Client
	limiter Limiter
	logger  *zap.Logger

	mu    sync.Mutex
	queue []*task
	// paused is set while a forced cooldown is running; it lifts no earlier
	// than pausedUntil.
	paused      bool
	pausedUntil time.Time
	stats       Stats
}

// New constructs a Scheduler.
func New(cfg Config, opts ...Option) (*Scheduler, error) {
	s := &Scheduler{cfg: cfg.withDefaults()}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	var err error
	if s.client == nil {
		s.client, err = NewHTTPClient()
	} else {
		s.client, err = prepareClient(s.client)
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Config returns the effective configuration.
func (s *Scheduler) Config() Config {
	return s.cfg
}

// Stats returns a snapshot of the scheduler counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Queued = len(s.queue)
	return st
}

// Do queues req and blocks until it completes or ctx ends. A dispatched
// request is sent detached from ctx's cancellation and runs to completion;
// its result is then discarded.
//
// On failure Do returns a *NetworkError for transport errors, or the final
// response together with a *RetriesExhaustedError when the response still
// matched the retry predicate after the last allowed attempt.
func (s *Scheduler) Do(ctx context.Context, req Request) (*Response, error) {
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	t := &task{
		ctx:        ctx,
		req:        req,
		maxRetries: s.cfg.MaxRetries,
		done:       make(chan result, 1),
	}
	if req.NoRetry {
		t.maxRetries = 0
	}

	s.mu.Lock()
	s.enqueueLocked(t, req.Immediate)
	s.pumpLocked()
	s.mu.Unlock()

	select {
	case res := <-t.done:
		return res.resp, res.err
	case <-ctx.Done():
		return nil, fmt.Errorf("scheduled %s %s: %w", req.Method, req.URL, ctx.Err())
	}
}

func (s *Scheduler) enqueueLocked(t *task, front bool) {
	if front {
		s.queue = append([]*task{t}, s.queue...)
	} else {
		s.queue = append(s.queue, t)
	}
	metrics.SetSchedulerLoad(s.stats.InFlight, len(s.queue))
}

// pumpLocked dispatches queued tasks while slots are free and no cooldown is running.
func (s *Scheduler) pumpLocked() {
	for !s.paused && s.stats.InFlight < s.cfg.MaxConcurrent && len(s.queue) > 0 {
		t := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.stats.InFlight++
		s.stats.Dispatched++
		if s.stats.InFlight > s.stats.MaxInFlight {
			s.stats.MaxInFlight = s.stats.InFlight
		}
		go s.execute(t)
	}
	metrics.SetSchedulerLoad(s.stats.InFlight, len(s.queue))
}

func (s *Scheduler) execute(t *task) {
	if err := t.ctx.Err(); err != nil {
		s.mu.Lock()
		s.stats.InFlight--
		s.pumpLocked()
		s.mu.Unlock()
		t.done <- result{err: fmt.Errorf("scheduled %s %s: %w", t.req.Method, t.req.URL, err)}
		return
	}

	resp, err := s.roundTrip(t)
	retry, reason := s.shouldRetry(t, resp, err)

	s.mu.Lock()
	s.stats.InFlight--
	s.completeLocked()
	var delay time.Duration
	if retry {
		t.retriesUsed++
		s.stats.Retries++
		delay = s.backoff(t.retriesUsed)
	}
	s.pumpLocked()
	s.mu.Unlock()

	if retry {
		metrics.ObserveRetry(reason)
		s.logger.Warn("retrying request",
			zap.String("url", t.req.URL),
			zap.String("reason", reason),
			zap.Int("attempt", t.retriesUsed),
			zap.Duration("backoff", delay),
		)
		time.AfterFunc(delay, func() {
			s.mu.Lock()
			s.enqueueLocked(t, true)
			s.pumpLocked()
			s.mu.Unlock()
		})
		return
	}

	if err == nil && !t.req.NoRetry && t.retryable(resp) {
		err = &RetriesExhaustedError{URL: t.req.URL, Attempts: t.retriesUsed + 1, Response: resp}
	}
	t.done <- result{resp: resp, err: err}
}

// completeLocked counts a finished request and starts a cooldown on every
// SleepEvery'th completion.
func (s *Scheduler) completeLocked() {
	s.stats.Completed++
	if s.cfg.SleepEvery <= 0 || s.stats.Completed%s.cfg.SleepEvery != 0 {
		return
	}
	until := time.Now().Add(s.cfg.SleepFor)
	if until.After(s.pausedUntil) {
		s.pausedUntil = until
	}
	s.paused = true
	s.stats.Cooldowns++
	metrics.ObserveCooldown()
	s.logger.Info("scheduler cooldown",
		zap.Int("completed", s.stats.Completed),
		zap.Duration("sleep_for", s.cfg.SleepFor),
	)
	time.AfterFunc(s.cfg.SleepFor, s.resume)
}

// resume lifts the cooldown unless a later one has extended it.
func (s *Scheduler) resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if time.Now().Before(s.pausedUntil) {
		return
	}
	s.paused = false
	s.pumpLocked()
}

func (s *Scheduler) shouldRetry(t *task, resp *Response, err error) (bool, string) {
	if t.retriesUsed >= t.maxRetries {
		return false, ""
	}
	if err != nil {
		if IsConnectionReset(err) {
			return true, "connection_reset"
		}
		return false, ""
	}
	if t.retryable(resp) {
		return true, fmt.Sprintf("status_%d", resp.StatusCode)
	}
	return false, ""
}

func (t *task) retryable(resp *Response) bool {
	if resp == nil {
		return false
	}
	if t.req.IsRetryable != nil {
		return t.req.IsRetryable(resp)
	}
	return DefaultRetryable(resp)
}

func (s *Scheduler) backoff(attempt int) time.Duration {
	return s.cfg.BaseDelay * time.Duration(attempt*2)
}

func (s *Scheduler) roundTrip(t *task) (*Response, error) {
	ctx := context.WithoutCancel(t.ctx)
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx, t.req.URL); err != nil {
			return nil, &NetworkError{Method: t.req.Method, URL: t.req.URL, Err: err}
		}
	}
	if s.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer cancel()
	}
	ctx, redirects := withRedirectLog(ctx)

	var body io.Reader
	if len(t.req.Body) > 0 {
		body = bytes.NewReader(t.req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, t.req.Method, t.req.URL, body)
	if err != nil {
		return nil, &NetworkError{Method: t.req.Method, URL: t.req.URL, Err: fmt.Errorf("create request: %w", err)}
	}
	for key, values := range t.req.Header {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}
	if s.cfg.UserAgent != "" && httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", s.cfg.UserAgent)
	}

	start := time.Now()
	s.logger.Debug("dispatching request",
		zap.String("method", t.req.Method),
		zap.String("url", t.req.URL),
		zap.Bool("immediate", t.req.Immediate),
		zap.Int("attempt", t.retriesUsed+1),
	)
	resp, err := s.client.Do(httpReq)
	if err != nil {
		metrics.ObserveRequest(t.req.URL, 0, time.Since(start))
		return nil, &NetworkError{Method: t.req.Method, URL: t.req.URL, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.ObserveRequest(t.req.URL, 0, time.Since(start))
		return nil, &NetworkError{Method: t.req.Method, URL: t.req.URL, Err: fmt.Errorf("read body: %w", err)}
	}
	duration := time.Since(start)
	metrics.ObserveRequest(t.req.URL, resp.StatusCode, duration)

	return &Response{
		URL:        t.req.URL,
		FinalURL:   resp.Request.URL.String(),
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       data,
		Redirects:  redirects.list(),
		Duration:   duration,
	}, nil
}
