package scheduler

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/cookiejar"
	"sync"
	"time"

	"golang.org/x/net/publicsuffix"
)

const maxRedirects = 10

// NewHTTPClient builds the cookie-backed client shared by every scheduled
// request. Redirects are followed and recorded per request.
func NewHTTPClient() (*http.Client, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	return &http.Client{
		Transport:     newHTTPTransport(),
		Jar:           jar,
		CheckRedirect: recordRedirect,
	}, nil
}

// prepareClient copies a caller-supplied client, filling in a cookie jar when
// missing. The redirect recorder runs ahead of any caller CheckRedirect.
func prepareClient(client *http.Client) (*http.Client, error) {
	c := *client
	if c.Jar == nil {
		jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
		if err != nil {
			return nil, fmt.Errorf("create cookie jar: %w", err)
		}
		c.Jar = jar
	}
	if check := c.CheckRedirect; check != nil {
		c.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			if err := recordRedirect(req, via); err != nil {
				return err
			}
			return check(req, via)
		}
	} else {
		c.CheckRedirect = recordRedirect
	}
	return &c, nil
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}

type redirectKey struct{}

// redirectLog collects the URLs a single request was redirected through.
type redirectLog struct {
	mu   sync.Mutex
	urls []string
}

func (l *redirectLog) add(u string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.urls = append(l.urls, u)
}

func (l *redirectLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string{}, l.urls...)
}

func withRedirectLog(ctx context.Context) (context.Context, *redirectLog) {
	log := &redirectLog{}
	return context.WithValue(ctx, redirectKey{}, log), log
}

func recordRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}
	if log, ok := req.Context().Value(redirectKey{}).(*redirectLog); ok {
		log.add(req.URL.String())
	}
	return nil
}
