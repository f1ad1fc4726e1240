package versionista

import (
	"cmp"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"time"
)

var statusPattern = regexp.MustCompile(`^\s*(\d{3})\b`)

// anchor is the part of a version a comparison link needs.
type anchor struct {
	id       string
	captured time.Time
}

// lineageState is the accumulator carried through the fold. It is replaced,
// never mutated, on each step.
type lineageState struct {
	oldest       *anchor
	previous     *anchor
	oldestSafe   *anchor
	previousSafe *anchor
}

// BuildLineage turns a page's raw version records into versions ordered by
// capture time, each linked to its predecessors. Deleted records are dropped.
// A record whose status text has no leading HTTP code is a SchemaError.
func BuildLineage(ref PageRef, raws []RawVersion) ([]Version, error) {
	versions := make([]Version, 0, len(raws))
	for _, raw := range raws {
		if raw.Deleted {
			continue
		}
		v, err := versionFromRaw(ref, raw)
		if err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}

	slices.SortStableFunc(versions, func(a, b Version) int {
		return a.CaptureTime.Compare(b.CaptureTime)
	})

	state := lineageState{}
	out := make([]Version, 0, len(versions))
	for _, v := range versions {
		var linked Version
		linked, state = state.step(ref, v)
		out = append(out, linked)
	}
	return out, nil
}

func (s lineageState) step(ref PageRef, v Version) (Version, lineageState) {
	if s.previous != nil {
		v.DiffWithPrevious = s.link(ref, v, s.previous)
		v.DiffWithFirst = s.link(ref, v, s.oldest)
		if s.previousSafe != nil && s.previousSafe.id != s.previous.id {
			v.DiffWithPreviousSafe = s.link(ref, v, s.previousSafe)
			v.DiffWithFirstSafe = s.link(ref, v, s.oldestSafe)
		}
	}

	current := &anchor{id: v.ID, captured: v.CaptureTime}
	next := lineageState{
		oldest:       cmp.Or(s.oldest, current),
		previous:     current,
		oldestSafe:   s.oldestSafe,
		previousSafe: s.previousSafe,
	}
	if !v.Failed() {
		next.previousSafe = current
		next.oldestSafe = cmp.Or(s.oldestSafe, current)
	}
	return v, next
}

func (lineageState) link(ref PageRef, v Version, against *anchor) *Link {
	return &Link{
		URL:           ref.ComparisonURL(v.ID, against.id),
		ReferenceTime: against.captured,
	}
}

func versionFromRaw(ref PageRef, raw RawVersion) (Version, error) {
	status, err := ParseStatus(raw.Status)
	if err != nil {
		return Version{}, &SchemaError{
			Endpoint: ref.PageURL(),
			Field:    "status",
			Err:      fmt.Errorf("version %s: %w", raw.ID, err),
		}
	}
	v := Version{
		ID:            raw.ID,
		PageID:        ref.PageID,
		SiteID:        ref.SiteID,
		ServiceURL:    ref.VersionURL(raw.ID),
		CaptureTime:   raw.Captured,
		LastSeen:      raw.LastSeen,
		HasContent:    raw.Stored,
		HTTPStatus:    status,
		ContentType:   raw.ContentType,
		ByteLength:    raw.Length,
		RedirectChain: append([]string{}, raw.Redirects...),
		Title:         raw.Title,
	}
	if v.LastSeen.IsZero() {
		v.LastSeen = v.CaptureTime
	}
	if status >= 400 {
		v.ErrorCode = strconv.Itoa(status)
	}
	return v, nil
}

// ParseStatus extracts the numeric HTTP status from vendor status text such
// as "404 Not Found".
func ParseStatus(text string) (int, error) {
	m := statusPattern.FindStringSubmatch(text)
	if m == nil {
		return 0, fmt.Errorf("unparseable status %q", text)
	}
	code, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, fmt.Errorf("unparseable status %q: %w", text, err)
	}
	return code, nil
}
