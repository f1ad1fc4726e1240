// Package session performs the single memoized vendor login and gates every
// scheduled request behind it.
package session

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/versionista-scraper/internal/scheduler"
	"github.com/JakeFAU/versionista-scraper/internal/versionista"
)

// loginMarker appears in the body whenever the vendor shows its login form,
// which after a POST means the credentials were rejected.
const loginMarker = "log in"

// Doer executes scheduled requests. *scheduler.Scheduler and *Manager both satisfy it.
type Doer interface {
	Do(ctx context.Context, req scheduler.Request) (*scheduler.Response, error)
}

// Credentials are the vendor account login.
type Credentials struct {
	Email    string
	Password string
}

// Manager logs in once and then forwards requests to the scheduler.
type Manager struct {
	base   string
	creds  Credentials
	sched  Doer
	logger *zap.Logger

	mu      sync.Mutex
	attempt *loginAttempt
}

// loginAttempt is the shared result of the one login every caller waits on.
type loginAttempt struct {
	done chan struct{}
	err  error
}

// New constructs a Manager for the vendor at base.
func New(base string, creds Credentials, sched Doer, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		base:   strings.TrimRight(base, "/"),
		creds:  creds,
		sched:  sched,
		logger: logger.Named("session"),
	}
}

// Base returns the vendor base URL without a trailing slash.
func (m *Manager) Base() string {
	return m.base
}

// EnsureLoggedIn performs the login on first use. Concurrent and later
// callers share the first attempt's outcome, including its failure.
func (m *Manager) EnsureLoggedIn(ctx context.Context) error {
	m.mu.Lock()
	attempt := m.attempt
	if attempt == nil {
		attempt = &loginAttempt{done: make(chan struct{})}
		m.attempt = attempt
		m.mu.Unlock()
		// Detached so one caller's cancellation does not poison the shared result.
		go m.login(context.WithoutCancel(ctx), attempt)
	} else {
		m.mu.Unlock()
	}

	select {
	case <-attempt.done:
		return attempt.err
	case <-ctx.Done():
		return fmt.Errorf("wait for login: %w", ctx.Err())
	}
}

// Do logs in if needed and then schedules req.
func (m *Manager) Do(ctx context.Context, req scheduler.Request) (*scheduler.Response, error) {
	if err := m.EnsureLoggedIn(ctx); err != nil {
		return nil, err
	}
	return m.sched.Do(ctx, req)
}

func (m *Manager) login(ctx context.Context, attempt *loginAttempt) {
	defer close(attempt.done)

	form := url.Values{}
	form.Set("em", m.creds.Email)
	form.Set("pw", m.creds.Password)

	m.logger.Info("logging in", zap.String("base", m.base))
	resp, err := m.sched.Do(ctx, scheduler.Request{
		Method: http.MethodPost,
		URL:    m.base + "/login",
		Body:   []byte(form.Encode()),
		Header: http.Header{"Content-Type": []string{"application/x-www-form-urlencoded"}},
	})
	if err != nil {
		attempt.err = fmt.Errorf("login: %w", err)
		return
	}
	if resp.IsError() {
		attempt.err = &versionista.AuthenticationError{
			Message: fmt.Sprintf("login returned status %d", resp.StatusCode),
		}
		return
	}
	if bytes.Contains(bytes.ToLower(resp.Body), []byte(loginMarker)) {
		attempt.err = &versionista.AuthenticationError{Message: loginErrorText(resp.Body)}
		m.logger.Error("login rejected", zap.Error(attempt.err))
		return
	}
	m.logger.Info("logged in")
}

// loginErrorText collects the inline error messages shown on the login form.
func loginErrorText(body []byte) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return ""
	}
	var parts []string
	doc.Find(".error, .alert").Each(func(_ int, sel *goquery.Selection) {
		if text := strings.Join(strings.Fields(sel.Text()), " "); text != "" {
			parts = append(parts, text)
		}
	})
	return strings.Join(parts, "; ")
}
