// Package admission decides whether a proxy request may proceed upstream.
// The chain runs a fixed sequence of checks; the first one that fails
// produces a terminal reply, and every terminal reply except the self-test
// probe carries the CORS header set so browser scripts can read it.
package admission

import (
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"cors-proxy-go/internal/cors"
	"cors-proxy-go/internal/helppage"
	"cors-proxy-go/internal/model"
	"cors-proxy-go/internal/target"
)

// selfTestHost is a reserved host literal answered by the proxy itself so
// API consumers can verify that CORS is actually necessary: the reply is
// the only resource served without CORS headers.
const selfTestHost = "iscorsneeded"

// Hook may claim a request before any check below the pre-flight
// short-circuit runs. It receives the parsed target, which is nil when the
// path did not parse. Returning true means the hook wrote the response.
type Hook func(c echo.Context, t *model.TargetURL) bool

// RateLimitFunc reports why an origin may not proceed, or "" to allow it.
type RateLimitFunc func(origin string) string

// Reply is a terminal response produced by the chain. Exactly one reply or
// one admission comes out of Evaluate unless a hook claimed the request.
type Reply struct {
	Status int

	// Check names the rule that produced this reply, for metrics.
	Check string

	ContentType string
	Body        string

	// CORS is merged into the response headers unless NoCORS is set.
	CORS   http.Header
	NoCORS bool

	// Header carries extra headers beyond the CORS set.
	Header http.Header
}

// Rejected reports whether the reply refuses the request rather than
// answering it.
func (r *Reply) Rejected() bool { return r.Status >= 400 }

// WriteTo sends the reply, sealing the header set with the exhaustive
// Access-Control-Expose-Headers list.
func (r *Reply) WriteTo(w http.ResponseWriter) error {
	h := w.Header()
	if !r.NoCORS {
		cors.Merge(h, r.CORS)
	}
	for k, vv := range r.Header {
		h[k] = vv
	}
	if r.ContentType != "" {
		h.Set("Content-Type", r.ContentType)
	}
	if !r.NoCORS {
		cors.Finalize(h)
	}
	w.WriteHeader(r.Status)
	_, err := io.WriteString(w, r.Body)
	return err
}

// Admitted carries what the orchestrator needs for a request that passed
// every check.
type Admitted struct {
	Target *model.TargetURL
	CORS   http.Header
	Origin string
}

// Chain is the ordered admission rule set. It is built once at startup and
// shared by all requests.
type Chain struct {
	blacklist  map[string]bool
	whitelist  map[string]bool
	required   []string
	rateLimit  RateLimitFunc
	hook       Hook
	redirSame  bool
	corsMaxAge int

	help     *helppage.Cache
	helpFile string
	logger   *slog.Logger
}

// Options configures a Chain beyond what the static config carries.
type Options struct {
	// Blacklist and Whitelist hold exact Origin header values. The
	// blacklist always wins; an empty whitelist allows every origin.
	Blacklist []string
	Whitelist []string

	// Required lists lower-cased header names of which at least one must
	// be present on the request.
	Required []string

	// RateLimit is consulted with the request origin; nil disables the
	// check.
	RateLimit RateLimitFunc

	// Hook may claim requests before the chain runs; nil disables it.
	Hook Hook

	// RedirectSameOrigin answers requests whose target lives under the
	// requesting origin with a redirect instead of proxying them.
	RedirectSameOrigin bool

	// CORSMaxAge is advertised on pre-flight replies when positive.
	CORSMaxAge int

	// HelpFile overrides the bundled usage text.
	HelpFile string
}

// NewChain builds the admission chain.
func NewChain(opts Options, help *helppage.Cache, logger *slog.Logger) *Chain {
	return &Chain{
		blacklist:  toSet(opts.Blacklist),
		whitelist:  toSet(opts.Whitelist),
		required:   opts.Required,
		rateLimit:  opts.RateLimit,
		hook:       opts.Hook,
		redirSame:  opts.RedirectSameOrigin,
		corsMaxAge: opts.CORSMaxAge,
		help:       help,
		helpFile:   opts.HelpFile,
		logger:     logger.With("component", "admission"),
	}
}

func toSet(values []string) map[string]bool {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return set
}

// Evaluate runs the chain for one request. It returns the admitted state
// when the request may proceed, a terminal reply when a check stopped it,
// or neither when the pre-admission hook claimed the request.
func (ch *Chain) Evaluate(c echo.Context) (*Admitted, *Reply) {
	req := c.Request()
	corsHeader := cors.Collect(req, ch.corsMaxAge)

	if req.Method == http.MethodOptions {
		return nil, &Reply{Status: http.StatusOK, Check: "preflight", CORS: corsHeader}
	}

	raw := strings.TrimPrefix(req.RequestURI, "/")
	t, parseErr := target.Parse(raw)

	if ch.hook != nil && ch.hook(c, t) {
		return nil, nil
	}

	if parseErr != nil {
		if target.MissingSlash(raw) {
			return nil, &Reply{
				Status: http.StatusBadRequest,
				Check:  "missing_slash",
				CORS:   corsHeader,
				Body:   "The URL is invalid: two slashes are needed after the http(s):.",
			}
		}
		return nil, ch.usageReply(corsHeader)
	}

	if t.Host() == selfTestHost {
		return nil, &Reply{
			Status:      http.StatusOK,
			Check:       "self_test",
			NoCORS:      true,
			ContentType: "text/plain",
			Body:        "no",
		}
	}

	if p := t.Port(); p != "" {
		if n, err := strconv.Atoi(p); err == nil && n > 65535 {
			return nil, &Reply{
				Status: http.StatusBadRequest,
				Check:  "invalid_port",
				CORS:   corsHeader,
				Body:   "Port number too large: " + p,
			}
		}
	}

	if !target.HasExplicitScheme(raw) && !target.ValidHostname(t.Hostname()) {
		return nil, &Reply{
			Status: http.StatusNotFound,
			Check:  "invalid_host",
			CORS:   corsHeader,
			Body:   "Invalid host: " + t.Hostname(),
		}
	}

	if len(ch.required) > 0 && !ch.hasRequiredHeader(req.Header) {
		return nil, &Reply{
			Status: http.StatusBadRequest,
			Check:  "header_required",
			CORS:   corsHeader,
			Body:   "Missing required request header. Must specify one of: " + strings.Join(ch.required, ","),
		}
	}

	origin := req.Header.Get("Origin")

	if ch.blacklist[origin] {
		return nil, &Reply{
			Status: http.StatusForbidden,
			Check:  "origin_blacklisted",
			CORS:   corsHeader,
			Body:   `The origin "` + origin + `" was blacklisted by the operator of this proxy.`,
		}
	}

	if len(ch.whitelist) > 0 && !ch.whitelist[origin] {
		return nil, &Reply{
			Status: http.StatusForbidden,
			Check:  "origin_not_whitelisted",
			CORS:   corsHeader,
			Body:   `The origin "` + origin + `" was not whitelisted by the operator of this proxy.`,
		}
	}

	if ch.rateLimit != nil {
		if msg := ch.rateLimit(origin); msg != "" {
			return nil, &Reply{
				Status: http.StatusTooManyRequests,
				Check:  "rate_limited",
				CORS:   corsHeader,
				Body:   `The origin "` + origin + `" has sent too many requests.` + "\n" + msg,
			}
		}
	}

	if ch.redirSame && origin != "" && originPrefixed(t, origin) {
		// The target lives under the requesting origin, so the browser can
		// fetch it directly. Only cacheable per origin.
		h := make(http.Header)
		h.Set("Vary", "origin")
		h.Set("Cache-Control", "private")
		h.Set("Location", t.String())
		return nil, &Reply{
			Status: http.StatusMovedPermanently,
			Check:  "same_origin",
			CORS:   corsHeader,
			Header: h,
		}
	}

	return &Admitted{Target: t, CORS: corsHeader, Origin: origin}, nil
}

// hasRequiredHeader reports whether at least one required header is present.
func (ch *Chain) hasRequiredHeader(header http.Header) bool {
	for _, name := range ch.required {
		if _, ok := header[http.CanonicalHeaderKey(name)]; ok {
			return true
		}
	}
	return false
}

// originPrefixed reports whether the target URL starts with origin followed
// by a path separator, so the target is reachable without the proxy.
func originPrefixed(t *model.TargetURL, origin string) bool {
	href := t.String()
	return strings.HasPrefix(href, origin) && len(href) > len(origin) && href[len(origin)] == '/'
}

func (ch *Chain) usageReply(corsHeader http.Header) *Reply {
	body, err := ch.help.Load(ch.helpFile)
	if err != nil {
		ch.logger.Error("load help page", "err", err, "path", ch.helpFile)
		return &Reply{Status: http.StatusInternalServerError, Check: "usage", CORS: corsHeader}
	}
	return &Reply{
		Status:      http.StatusOK,
		Check:       "usage",
		CORS:        corsHeader,
		ContentType: helppage.ContentType(ch.helpFile),
		Body:        string(body),
	}
}
