// Package model defines the data types shared by the crawl execution core:
// Request, Session, system snapshots, and the per-request crawling context.
package model

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"
)

// Method is the HTTP method of a Request. The zero value is MethodGET.
type Method string

const (
	MethodGET     Method = "GET"
	MethodHEAD    Method = "HEAD"
	MethodPOST    Method = "POST"
	MethodPUT     Method = "PUT"
	MethodPATCH   Method = "PATCH"
	MethodDELETE  Method = "DELETE"
	MethodOPTIONS Method = "OPTIONS"
)

// RequestState tracks a Request through the crawler engine's lifecycle
// (spec.md §4.2). It is mutated only by the engine, never by handler code.
type RequestState string

const (
	RequestStateUnprocessed    RequestState = "UNPROCESSED"
	RequestStateBeforeNav      RequestState = "BEFORE_NAV"
	RequestStateAfterNav       RequestState = "AFTER_NAV"
	RequestStateRequestHandler RequestState = "REQUEST_HANDLER"
	RequestStateDone           RequestState = "DONE"
	RequestStateErrorHandler   RequestState = "ERROR_HANDLER"
	RequestStateError          RequestState = "ERROR"
)

// Request is a single unit of crawl work: a URL plus enough metadata to
// carry it through fetch, handling, and retry.
//
// UniqueKey deduplicates requests independent of insertion order; two
// Requests with the same UniqueKey refer to the same logical unit of work.
type Request struct {
	URL               string            `json:"url"`
	Method            Method            `json:"method"`
	Payload           []byte            `json:"payload,omitempty"`
	Headers           map[string]string `json:"headers,omitempty"`
	UserData          map[string]any    `json:"userData,omitempty"`
	UniqueKey         string            `json:"uniqueKey"`
	RetryCount        int               `json:"retryCount"`
	SessionRetryCount int               `json:"sessionRetryCount,omitempty"`
	ErrorMessages     []string          `json:"errorMessages,omitempty"`
	LoadedURL         string            `json:"loadedUrl,omitempty"`
	State             RequestState      `json:"state"`
	NoRetry           bool              `json:"noRetry,omitempty"`
	SkipNavigation    bool              `json:"skipNavigation,omitempty"`
	HandledAt         *time.Time        `json:"handledAt,omitempty"`

	// KeepURLFragment and UseExtendedUniqueKey control fingerprint
	// derivation in NewRequest/Fingerprint; they are not persisted.
	KeepURLFragment      bool `json:"-"`
	UseExtendedUniqueKey bool `json:"-"`
}

// NewRequest constructs a Request, deriving UniqueKey deterministically
// from the method, normalized URL, and (if UseExtendedUniqueKey is set)
// a truncated hash of the payload, per spec.md §4.1.
func NewRequest(rawURL string, method Method, opts ...RequestOption) (*Request, error) {
	if method == "" {
		method = MethodGET
	}
	r := &Request{
		URL:    rawURL,
		Method: method,
		State:  RequestStateUnprocessed,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.Method == MethodGET && len(r.Payload) > 0 {
		return nil, fmt.Errorf("crawlcore: GET request %q must not carry a payload", rawURL)
	}
	key, err := Fingerprint(r.URL, r.Method, r.Payload, r.KeepURLFragment, r.UseExtendedUniqueKey)
	if err != nil {
		return nil, fmt.Errorf("crawlcore: deriving unique key for %q: %w", rawURL, err)
	}
	r.UniqueKey = key
	return r, nil
}

// RequestOption customizes a Request at construction time.
type RequestOption func(*Request)

func WithHeaders(h map[string]string) RequestOption {
	return func(r *Request) { r.Headers = h }
}

func WithUserData(d map[string]any) RequestOption {
	return func(r *Request) { r.UserData = d }
}

func WithPayload(p []byte) RequestOption {
	return func(r *Request) { r.Payload = p }
}

func WithUniqueKeyOptions(keepFragment, extended bool) RequestOption {
	return func(r *Request) {
		r.KeepURLFragment = keepFragment
		r.UseExtendedUniqueKey = extended
	}
}

// Fingerprint derives the deterministic unique key used for deduplication:
// lowercase + normalized URL (default ports removed, query params sorted,
// fragment stripped unless keepFragment), optionally prefixed with
// "METHOD(sha256(payload)[:8]):" when useExtendedKey is set.
func Fingerprint(rawURL string, method Method, payload []byte, keepFragment, useExtendedKey bool) (string, error) {
	normalized, err := normalizeURL(rawURL, keepFragment)
	if err != nil {
		return "", err
	}
	if !useExtendedKey {
		return normalized, nil
	}
	sum := sha256.Sum256(payload)
	digest := base64.RawURLEncoding.EncodeToString(sum[:])[:8]
	return fmt.Sprintf("%s(%s):%s", method, digest, normalized), nil
}

// RequestID derives the request queue entry id from a unique key: the
// sha256 digest truncated to 15 base64url characters (spec.md §4.1).
func RequestID(uniqueKey string) string {
	sum := sha256.Sum256([]byte(uniqueKey))
	return base64.RawURLEncoding.EncodeToString(sum[:])[:15]
}

func normalizeURL(rawURL string, keepFragment bool) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", err
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	if host, port, err := splitHostPort(u.Host); err == nil {
		if isDefaultPort(u.Scheme, port) {
			u.Host = host
		}
	}

	if u.RawQuery != "" {
		values := u.Query()
		keys := make([]string, 0, len(values))
		for k := range values {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			vs := values[k]
			sort.Strings(vs)
			for _, v := range vs {
				parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(v))
			}
		}
		u.RawQuery = strings.Join(parts, "&")
	}

	if !keepFragment {
		u.Fragment = ""
	}

	result := strings.ToLower(u.Scheme+"://"+u.Host) + u.Path
	if u.RawQuery != "" {
		result += "?" + u.RawQuery
	}
	if keepFragment && u.Fragment != "" {
		result += "#" + u.Fragment
	}
	return result, nil
}

func splitHostPort(host string) (string, string, error) {
	idx := strings.LastIndex(host, ":")
	if idx < 0 {
		return host, "", fmt.Errorf("no port")
	}
	return host[:idx], host[idx+1:], nil
}

func isDefaultPort(scheme, port string) bool {
	switch scheme {
	case "http":
		return port == "80"
	case "https":
		return port == "443"
	}
	return false
}
