// Package resolver turns comparison links into diff bodies and version links
// into captured content. Diff bodies live on a secondary host that is only
// known after following the comparison link, so each diff costs three hops.
package resolver

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/versionista-scraper/internal/hash/sha256"
	"github.com/JakeFAU/versionista-scraper/internal/scheduler"
	"github.com/JakeFAU/versionista-scraper/internal/session"
	"github.com/JakeFAU/versionista-scraper/internal/versionista"
)

// DefaultContentRetries is how many extra fetches a cache-expired capture gets.
const DefaultContentRetries = 2

// ContentOptions tune FetchContent.
type ContentOptions struct {
	Mode    versionista.ContentMode
	Retries int
}

// DefaultContentOptions fetches raw content with the default retry budget.
func DefaultContentOptions() ContentOptions {
	return ContentOptions{Mode: versionista.ContentRaw, Retries: DefaultContentRetries}
}

// Resolver fetches diffs and content through a session-gated Doer.
type Resolver struct {
	doer   session.Doer
	logger *zap.Logger
}

// New constructs a Resolver.
func New(doer session.Doer, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{doer: doer, logger: logger.Named("resolver")}
}

// ResolveDiff fetches the diff behind comparisonURL. A nil Diff with a nil
// error means the diff host returned an empty body.
func (r *Resolver) ResolveDiff(ctx context.Context, comparisonURL string, diffType versionista.DiffType) (*versionista.Diff, error) {
	if diffType == "" {
		diffType = versionista.DefaultDiffType
	}
	op := r.begin("diff", comparisonURL)

	source, err := url.Parse(comparisonURL)
	if err != nil {
		return nil, op.fail(fmt.Errorf("parse comparison url: %w", err))
	}

	// Invalid comparisons redirect back to the vendor host with a 200, which the
	// retry predicate never matches.
	resp, err := r.doer.Do(ctx, scheduler.Request{URL: comparisonURL})
	if err != nil {
		return nil, op.fail(err)
	}
	resolved, err := url.Parse(resp.FinalURL)
	if err != nil || resp.IsError() || strings.EqualFold(resolved.Host, source.Host) {
		return nil, op.fail(&versionista.InvalidComparisonError{
			URL:      comparisonURL,
			FinalURL: resp.FinalURL,
			Status:   resp.StatusCode,
		})
	}
	op.advance(stageRedirectResolved, zap.String("resolved", resp.FinalURL))

	apiURL := versionista.DiffAPIURL(resolved, diffType)
	resp, err = r.doer.Do(ctx, scheduler.Request{URL: apiURL})
	if err != nil {
		return nil, op.fail(err)
	}
	if resp.IsError() {
		return nil, op.fail(&versionista.DiffAPIError{URL: apiURL, Status: resp.StatusCode, Body: string(resp.Body)})
	}
	payloadURL, err := followPointer(apiURL, resp.Body)
	if err != nil {
		return nil, op.fail(&versionista.DiffAPIError{URL: apiURL, Status: resp.StatusCode, Body: err.Error()})
	}
	op.advance(stageAPIResolved, zap.String("payload", payloadURL))

	// The pointer is short-lived, so it jumps the queue.
	resp, err = r.doer.Do(ctx, scheduler.Request{URL: payloadURL, Immediate: true})
	if err != nil {
		return nil, op.fail(err)
	}
	if resp.IsError() {
		return nil, op.fail(&versionista.DiffAPIError{URL: payloadURL, Status: resp.StatusCode, Body: string(resp.Body)})
	}
	op.advance(stageContentFetched, zap.Int("bytes", len(resp.Body)))

	if len(resp.Body) == 0 {
		op.done("empty")
		return nil, nil
	}
	body := versionista.StripVendorMarkup(resp.Body)
	fp := sha256.Of(body)
	op.done("ok")
	return &versionista.Diff{
		Type:        diffType,
		ByteLength:  fp.Length,
		ContentHash: fp.Hash,
		Content:     body,
	}, nil
}

// FetchContent fetches the captured body of the version at versionURL. HTML
// is normalized before hashing; any other body is returned untouched. The
// vendor's cache-expired placeholder restarts the whole fetch, up to
// opts.Retries times.
func (r *Resolver) FetchContent(ctx context.Context, versionURL string, opts ContentOptions) (*versionista.Content, error) {
	if opts.Mode == "" {
		opts.Mode = versionista.ContentRaw
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	op := r.begin("content", versionURL)

	ref, err := versionista.ParseVersionURL(versionURL)
	if err != nil {
		return nil, op.fail(&versionista.InvalidVersionError{URL: versionURL})
	}
	apiURL := ref.ContentAPIURL(opts.Mode)

	attempts := opts.Retries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		op.reset()
		content, expired, err := r.fetchContentOnce(ctx, op, apiURL)
		if err != nil {
			return nil, op.fail(err)
		}
		if !expired {
			op.done("ok")
			return content, nil
		}
		r.logger.Warn("content cache expired",
			zap.String("url", versionURL),
			zap.Int("attempt", attempt),
			zap.Int("attempts", attempts),
		)
	}
	return nil, op.fail(&versionista.NoContentError{URL: versionURL, Attempts: attempts})
}

func (r *Resolver) fetchContentOnce(ctx context.Context, op *operation, apiURL string) (*versionista.Content, bool, error) {
	resp, err := r.doer.Do(ctx, scheduler.Request{URL: apiURL})
	if err != nil {
		return nil, false, err
	}
	if resp.IsError() {
		return nil, false, &versionista.InvalidVersionError{URL: apiURL, Status: resp.StatusCode}
	}
	payloadURL, err := followPointer(apiURL, resp.Body)
	if err != nil {
		return nil, false, &versionista.InvalidVersionError{URL: apiURL, Status: resp.StatusCode}
	}
	op.advance(stageAPIResolved, zap.String("payload", payloadURL))

	resp, err = r.doer.Do(ctx, scheduler.Request{URL: payloadURL, Immediate: true})
	if err != nil {
		return nil, false, err
	}
	if resp.IsError() {
		return nil, false, &versionista.InvalidVersionError{URL: payloadURL, Status: resp.StatusCode}
	}
	op.advance(stageContentFetched, zap.Int("bytes", len(resp.Body)))

	contentType := resp.Header.Get("Content-Type")
	body := resp.Body
	if versionista.IsTextual(contentType, body) {
		if versionista.IsCacheExpired(body) {
			return nil, true, nil
		}
		if versionista.IsHTML(contentType, body) {
			body = versionista.NormalizeHTML(body)
		}
	}
	fp := sha256.Of(body)
	return &versionista.Content{
		ContentType: contentType,
		ByteLength:  fp.Length,
		ContentHash: fp.Hash,
		Content:     body,
	}, false, nil
}

// followPointer reads a response body holding the URL (absolute or relative
// to from) of the real payload.
func followPointer(from string, body []byte) (string, error) {
	pointer := strings.TrimSpace(string(body))
	if pointer == "" {
		return "", fmt.Errorf("empty payload pointer")
	}
	base, err := url.Parse(from)
	if err != nil {
		return "", fmt.Errorf("parse %s: %w", from, err)
	}
	ref, err := url.Parse(pointer)
	if err != nil {
		return "", fmt.Errorf("parse payload pointer: %w", err)
	}
	return base.ResolveReference(ref).String(), nil
}

func (r *Resolver) begin(kind, target string) *operation {
	return &operation{
		kind:   kind,
		stage:  stageRequested,
		logger: r.logger.With(zap.String("kind", kind), zap.String("url", target)),
	}
}
