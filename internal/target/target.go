// Package target turns the path of an inbound request into an absolute
// upstream URL. The same parser handles Location headers during redirect
// handling, so both share one malformed-input contract.
package target

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/publicsuffix"

	"cors-proxy-go/internal/model"
)

// ErrMalformed reports a request path that cannot become a target URL.
var ErrMalformed = errors.New("malformed target URL")

// hostPattern splits a scheme-optional URL into its parts:
//
//	1: scheme ("http:" or "https:", empty when omitted)
//	2: host (hostname with optional port)
//	3: hostname
//	4: port digits
//	5: path and query
//
// The port binds only when followed by a path, a query or the end of the
// string; otherwise its characters belong to the hostname.
var hostPattern = regexp.MustCompile(`(?i)^(?:(https?:)?//)?(([^/?]+?)(?::(\d{0,5}))?)([/?][\s\S]*|$)`)

// schemeStart matches anything that names an http scheme, slashes or not.
var schemeStart = regexp.MustCompile(`(?i)^https?:`)

// oneSlash matches a scheme followed by a single slash, the typical result
// of a path-normalizing front end collapsing the double slash.
var oneSlash = regexp.MustCompile(`(?i)^https?:/[^/]`)

// Parse builds the upstream target from an inbound request path with its
// leading slash removed. The scheme may be omitted; it defaults to http,
// or to https when the port is written out as 443.
func Parse(raw string) (*model.TargetURL, error) {
	m := hostPattern.FindStringSubmatch(raw)
	if m == nil {
		return nil, fmt.Errorf("target: %w: %q", ErrMalformed, raw)
	}

	full := raw
	if m[1] == "" {
		if schemeStart.MatchString(raw) {
			// The input names a scheme but the pattern could not bind a
			// host, e.g. "http:///" or "http:/one".
			return nil, fmt.Errorf("target: %w: scheme without host in %q", ErrMalformed, raw)
		}
		if !strings.HasPrefix(full, "//") {
			full = "//" + full
		}
		if m[4] == "443" {
			full = "https:" + full
		} else {
			full = "http:" + full
		}
	}

	u, err := url.Parse(full)
	if err != nil {
		return nil, fmt.Errorf("target: %w: %v", ErrMalformed, err)
	}
	if u.Hostname() == "" {
		// ":1/" and friends survive the pattern but name no host.
		return nil, fmt.Errorf("target: %w: empty hostname in %q", ErrMalformed, raw)
	}
	return model.NewTarget(u), nil
}

// Resolve interprets a Location header value against the current target
// and runs the result through Parse.
func Resolve(t *model.TargetURL, location string) (*model.TargetURL, error) {
	ref, err := url.Parse(location)
	if err != nil {
		return nil, fmt.Errorf("target: parse location %q: %w", location, err)
	}
	return Parse(t.Resolve(ref).String())
}

// MissingSlash reports whether raw spells a scheme with a single slash,
// so the caller can explain the typo instead of serving the usage page.
func MissingSlash(raw string) bool {
	return oneSlash.MatchString(raw)
}

// HasExplicitScheme reports whether the request wrote the scheme out
// rather than relying on inference.
func HasExplicitScheme(raw string) bool {
	return schemeStart.MatchString(raw)
}

// ValidHostname reports whether hostname is plausibly proxyable without an
// explicit scheme: a domain whose last label is a known public TLD, or an
// IPv4/IPv6 literal. Names like "favicon.ico" or "robots.txt" fail, which
// keeps stray browser requests from turning into upstream lookups.
func ValidHostname(hostname string) bool {
	if i := strings.LastIndex(hostname, "."); i >= 0 && i < len(hostname)-1 {
		if _, icann := publicsuffix.PublicSuffix(strings.ToLower(hostname[i+1:])); icann {
			return true
		}
	}
	return net.ParseIP(hostname) != nil
}
