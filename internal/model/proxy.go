// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
	"net/url"
)

// TargetURL is a parsed upstream destination. It is immutable once built;
// redirect handling constructs a fresh value per hop instead of mutating.
type TargetURL struct {
	url *url.URL
}

// NewTarget wraps a parsed URL as a target. An empty path is normalized to
// "/" so that String and RequestURI always yield a usable request target.
func NewTarget(u *url.URL) *TargetURL {
	if u.Path == "" {
		v := *u
		v.Path = "/"
		u = &v
	}
	return &TargetURL{url: u}
}

// Scheme returns "http" or "https".
func (t *TargetURL) Scheme() string { return t.url.Scheme }

// Hostname returns the host component without the port.
func (t *TargetURL) Hostname() string { return t.url.Hostname() }

// Port returns the explicit port, or "" when the scheme default applies.
func (t *TargetURL) Port() string { return t.url.Port() }

// Host returns host or host:port as written in the URL.
func (t *TargetURL) Host() string { return t.url.Host }

// RequestURI returns the path plus query, e.g. "/a/b?x=1".
func (t *TargetURL) RequestURI() string { return t.url.RequestURI() }

// URL returns a copy of the underlying URL, safe for the caller to modify.
func (t *TargetURL) URL() *url.URL {
	v := *t.url
	return &v
}

// String renders the full absolute target.
func (t *TargetURL) String() string { return t.url.String() }

// Resolve interprets ref relative to this target, the way a redirect
// Location header is resolved against the request URL.
func (t *TargetURL) Resolve(ref *url.URL) *url.URL {
	return t.url.ResolveReference(ref)
}

// RequestState carries the mutable state of one client-facing exchange,
// which may span several upstream hops when redirects are followed. It is
// owned by exactly one request flow; nothing here is safe for sharing.
type RequestState struct {
	// Target is the upstream destination for the current hop. Replaced,
	// never mutated, when a redirect is followed.
	Target *TargetURL

	// ProxyBase is the absolute base URL of this proxy as the client
	// reached it, used when rewriting Location headers to re-enter the
	// proxy.
	ProxyBase string

	// MaxRedirects caps how many redirect hops may be followed.
	MaxRedirects int

	// Redirects counts the hops followed so far. Starts at zero.
	Redirects int

	// CORS holds the reply headers computed once at admission time,
	// merged into every response written for this exchange.
	CORS http.Header

	// Staged accumulates headers destined for the eventual client
	// response across hops: X-Request-Url on the first hop and one
	// X-Cors-Redirect-<n> entry per followed redirect.
	Staged http.Header

	// Method is the outbound method. Following a redirect forces it to
	// GET.
	Method string

	// Header is the outbound header set, shared across hops.
	Header http.Header

	// Body is the client body to forward. Cleared when a redirect is
	// followed, together with ContentLength.
	Body          io.ReadCloser
	ContentLength int64
}

// UpstreamRequest describes a single outbound hop handed to the engine.
type UpstreamRequest struct {
	Ctx    context.Context
	Method string

	// URL is the absolute target URL for this hop.
	URL string

	// Host overrides the Host header on the outbound request.
	Host string

	Header        http.Header
	Body          io.ReadCloser
	ContentLength int64

	// Proxy is the forwarding proxy to send the request through; nil
	// connects to the target directly.
	Proxy *url.URL
}

// UpstreamResponse is the engine's answer for one hop. The caller owns the
// body and must close it.
type UpstreamResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}
