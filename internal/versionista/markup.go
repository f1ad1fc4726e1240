package versionista

import (
	"bytes"
	"mime"
	"regexp"
	"strings"
)

var (
	vendorBlockPattern  = regexp.MustCompile(`(?is)<!--\s*Versionista general\s*-->.*?<!--\s*End Versionista general\s*-->`)
	leadingBlankPattern = regexp.MustCompile(`^(?:[ \t]*\r?\n)+`)
	cacheExpiredPattern = regexp.MustCompile(`(?is)^\s*(?:<!doctype[^>]*>\s*)?<html[^>]*>\s*<head[^>]*>\s*<title>\s*cache expired\s*</title>`)
)

// StripVendorMarkup removes markup blocks the vendor injects into stored
// captures and diffs, so identical captures hash identically.
func StripVendorMarkup(body []byte) []byte {
	return vendorBlockPattern.ReplaceAll(body, nil)
}

// TrimLeadingBlankLines drops blank lines the vendor prepends to HTML bodies.
func TrimLeadingBlankLines(body []byte) []byte {
	return leadingBlankPattern.ReplaceAll(body, nil)
}

// NormalizeHTML applies every vendor cleanup to an HTML body.
func NormalizeHTML(body []byte) []byte {
	return StripVendorMarkup(TrimLeadingBlankLines(body))
}

// IsCacheExpired reports whether body is the vendor's "cache expired"
// placeholder page rather than real content.
func IsCacheExpired(body []byte) bool {
	return cacheExpiredPattern.Match(body)
}

// IsTextual reports whether a content type (or, when absent, the body) looks
// like text rather than binary data.
func IsTextual(contentType string, body []byte) bool {
	if contentType != "" {
		mediaType, _, err := mime.ParseMediaType(contentType)
		if err != nil {
			mediaType = strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
		}
		switch {
		case strings.HasPrefix(mediaType, "text/"),
			strings.HasSuffix(mediaType, "+xml"),
			strings.HasSuffix(mediaType, "+json"),
			mediaType == "application/json",
			mediaType == "application/xml",
			mediaType == "application/javascript",
			mediaType == "application/xhtml+xml":
			return true
		default:
			return false
		}
	}
	return !bytes.ContainsRune(body, 0)
}

// IsHTML reports whether a textual body should be treated as HTML.
func IsHTML(contentType string, body []byte) bool {
	if strings.Contains(strings.ToLower(contentType), "html") {
		return true
	}
	head := bytes.TrimSpace(body)
	if len(head) > 512 {
		head = head[:512]
	}
	head = bytes.ToLower(head)
	return bytes.HasPrefix(head, []byte("<!doctype html")) || bytes.HasPrefix(head, []byte("<html"))
}
