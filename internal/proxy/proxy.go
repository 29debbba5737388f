// Package proxy drives admitted requests through the upstream engine. The
// orchestrator owns the per-exchange state and the response path; the
// redirect follower decides, before any body bytes flow, whether an
// upstream response is relayed or replaced by a new hop.
package proxy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"cors-proxy-go/internal/cors"
	"cors-proxy-go/internal/metrics"
	"cors-proxy-go/internal/model"
	"cors-proxy-go/internal/target"
)

// Engine performs a single upstream exchange. Implementations must not
// follow redirects; redirect handling belongs to the orchestrator.
type Engine interface {
	Do(req *model.UpstreamRequest) (*model.UpstreamResponse, error)
}

// Selector returns the forwarding proxy to reach a target through, or nil
// to connect directly.
type Selector func(target *url.URL) (*url.URL, error)

// Follower inspects one upstream response before it is relayed. Returning
// false means the response is obsolete and the orchestrator must issue a
// new upstream request from the updated state.
type Follower interface {
	BeforeRelay(st *model.RequestState, resp *model.UpstreamResponse) bool
}

// RedirectFollower follows 301, 302 and 303 responses within the redirect
// budget, so clients see a single final response. 307 and 308 are never
// followed: they require replaying the method and body exactly, which the
// follow path gives up when it forces GET.
type RedirectFollower struct {
	logger *slog.Logger
}

// NewRedirectFollower creates a RedirectFollower.
func NewRedirectFollower(logger *slog.Logger) *RedirectFollower {
	return &RedirectFollower{logger: logger.With("component", "redirect_follower")}
}

// BeforeRelay applies the redirect policy to one upstream response. When a
// redirect is followed it records an X-Cors-Redirect-<n> debug header for
// the eventual response, rewrites the request state to a bodyless GET at
// the resolved location, and returns false. Otherwise it prepares the
// response for relay: over-budget and 307/308 redirects get a Location
// that re-enters the proxy, cookies are stripped, and X-Final-Url (plus
// X-Request-Url on the first hop) reports where the response came from.
func (f *RedirectFollower) BeforeRelay(st *model.RequestState, resp *model.UpstreamResponse) bool {
	if st.Redirects == 0 {
		st.Staged.Set("X-Request-Url", st.Target.String())
	}

	switch resp.StatusCode {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		loc := resp.Header.Get("Location")
		if loc == "" {
			break
		}
		next, err := target.Resolve(st.Target, loc)
		if err != nil {
			// Nothing sane to follow or rewrite; hand the response
			// through untouched.
			f.logger.Debug("unparsable redirect location", "location", loc)
			break
		}

		if resp.StatusCode != http.StatusTemporaryRedirect && resp.StatusCode != http.StatusPermanentRedirect {
			st.Redirects++
			if st.Redirects <= st.MaxRedirects {
				f.logger.Debug("following redirect",
					"hop", st.Redirects,
					"status", resp.StatusCode,
					"location", next.String(),
				)
				st.Staged.Set(fmt.Sprintf("X-Cors-Redirect-%d", st.Redirects),
					fmt.Sprintf("%d %s", resp.StatusCode, next))
				st.Method = http.MethodGet
				st.Body = nil
				st.ContentLength = 0
				st.Header.Set("Content-Length", "0")
				st.Header.Del("Content-Type")
				st.Target = next
				return false
			}
		}

		// Not followed: point the Location back through this proxy so the
		// client can re-enter it.
		resp.Header.Set("Location", st.ProxyBase+"/"+next.String())
	}

	resp.Header.Del("Set-Cookie")
	resp.Header.Del("Set-Cookie2")
	resp.Header.Set("X-Final-Url", st.Target.String())
	return true
}

// Orchestrator owns the request state of one client-facing exchange and
// the response path back to the client.
type Orchestrator struct {
	engine   Engine
	follower Follower
	selector Selector
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewOrchestrator creates an Orchestrator. The metrics parameter is
// optional; pass nil to disable recording.
func NewOrchestrator(e Engine, f Follower, sel Selector, logger *slog.Logger, m *metrics.Metrics) *Orchestrator {
	return &Orchestrator{
		engine:   e,
		follower: f,
		selector: sel,
		logger:   logger.With("component", "orchestrator"),
		metrics:  m,
	}
}

// Run drives one exchange to completion: it invokes the engine, lets the
// follower inspect each upstream response, and relays exactly one response
// to the client. Canceling ctx aborts the current upstream hop.
func (o *Orchestrator) Run(ctx context.Context, w http.ResponseWriter, st *model.RequestState) error {
	for {
		resp, err := o.engine.Do(o.outbound(ctx, st))
		if err != nil {
			o.engineFailure(w, st, err)
			return nil
		}
		if o.follower.BeforeRelay(st, resp) {
			return o.relay(w, st, resp)
		}
		// The response belongs to a followed redirect. Dropping it aborts
		// the stale upstream transfer; any error from that is deliberately
		// ignored so it cannot surface as a client-visible failure.
		discard(resp)
		if o.metrics != nil {
			o.metrics.RedirectsFollowed.Inc()
		}
	}
}

// outbound assembles the engine request for the current hop.
func (o *Orchestrator) outbound(ctx context.Context, st *model.RequestState) *model.UpstreamRequest {
	req := &model.UpstreamRequest{
		Ctx:           ctx,
		Method:        st.Method,
		URL:           st.Target.String(),
		Host:          st.Target.Host(),
		Header:        st.Header,
		Body:          st.Body,
		ContentLength: st.ContentLength,
	}
	if o.selector != nil {
		p, err := o.selector(st.Target.URL())
		if err != nil {
			o.logger.Warn("proxy selection failed; connecting directly",
				"target", st.Target.String(),
				"err", err,
			)
		} else {
			req.Proxy = p
		}
	}
	return req
}

// relay streams the upstream response to the client, layering the staged
// debug headers and the CORS set over the upstream headers.
func (o *Orchestrator) relay(w http.ResponseWriter, st *model.RequestState, resp *model.UpstreamResponse) error {
	defer func() { _ = resp.Body.Close() }()

	h := w.Header()
	for k, vv := range resp.Header {
		h[k] = vv
	}
	for k, vv := range st.Staged {
		h[k] = vv
	}
	cors.Merge(h, st.CORS)
	cors.Finalize(h)

	w.WriteHeader(resp.StatusCode)

	// If the copy fails mid-stream the status line is already on the wire,
	// so the client sees a truncated response; all that is left to do is
	// log it.
	if _, err := io.Copy(w, resp.Body); err != nil {
		o.logger.Error("streaming upstream body",
			"err", err,
			"target", st.Target.String(),
		)
	}
	return nil
}

// engineFailure reports an upstream exchange failure. Headers staged so
// far are dropped: the reply carries nothing but the CORS marker and the
// explanation.
func (o *Orchestrator) engineFailure(w http.ResponseWriter, st *model.RequestState, err error) {
	o.logger.Error("upstream exchange failed",
		"err", err,
		"target", st.Target.String(),
	)

	h := w.Header()
	clear(h)
	h.Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusNotFound)
	if _, werr := io.WriteString(w, "Not found because of proxy error: "+err.Error()); werr != nil {
		o.logger.Error("writing proxy error reply", "err", werr)
	}
}

// discard drains a little of the obsolete response and closes it, which
// both frees the connection for reuse and aborts any longer transfer.
func discard(resp *model.UpstreamResponse) {
	if resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}
