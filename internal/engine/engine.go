// Package engine performs single upstream HTTP exchanges for the proxy.
// It owns connection management and body streaming; redirect handling and
// response rewriting stay with the orchestrator, so the engine never
// follows redirects on its own.
package engine

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"cors-proxy-go/internal/config"
	"cors-proxy-go/internal/metrics"
	"cors-proxy-go/internal/model"
)

// hopByHopHeaders are connection-level response headers that must not be
// relayed to the client.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// proxyKey carries the per-request forwarding proxy through the transport.
type proxyKey struct{}

// Engine sends requests to arbitrary upstream targets over a pooled
// transport.
type Engine struct {
	client  *http.Client
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New creates an Engine with connection pooling and the configured
// timeout. A zero timeout leaves upstream exchanges unbounded. The
// metrics parameter is optional; pass nil to disable upstream metrics
// recording.
func New(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Engine {
	transport := &http.Transport{
		Proxy:               proxyFromContext,
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}
	if cfg.Upstream.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		logger.Warn("upstream certificate verification disabled")
	}

	return &Engine{
		client: &http.Client{
			Transport: transport,
			Timeout:   time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger:  logger.With("component", "engine"),
		metrics: m,
	}
}

// proxyFromContext returns the forwarding proxy attached to the request,
// or nil for a direct connection.
func proxyFromContext(r *http.Request) (*url.URL, error) {
	if p, ok := r.Context().Value(proxyKey{}).(*url.URL); ok {
		return p, nil
	}
	return nil, nil
}

// Do executes one upstream exchange and returns the raw response with
// hop-by-hop headers removed. Redirect responses come back as-is. The
// caller owns the response body and must close it; canceling req.Ctx
// aborts the exchange.
func (e *Engine) Do(req *model.UpstreamRequest) (*model.UpstreamResponse, error) {
	ctx := req.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if req.Proxy != nil {
		ctx = context.WithValue(ctx, proxyKey{}, req.Proxy)
	}

	hr, err := http.NewRequestWithContext(ctx, req.Method, req.URL, req.Body)
	if err != nil {
		return nil, fmt.Errorf("engine: build request for %s: %w", req.URL, err)
	}
	if req.Header != nil {
		hr.Header = req.Header
	}
	if req.ContentLength > 0 {
		hr.ContentLength = req.ContentLength
	}
	if req.Host != "" {
		hr.Host = req.Host
	}

	e.logger.Debug("upstream request",
		"method", req.Method,
		"url", req.URL,
		"via_proxy", req.Proxy != nil,
	)

	start := time.Now()
	resp, err := e.client.Do(hr) //nolint:bodyclose // body ownership transfers to caller via UpstreamResponse
	if err != nil {
		if e.metrics != nil {
			e.metrics.UpstreamErrors.Inc()
		}
		return nil, fmt.Errorf("engine: %s %s: %w", req.Method, req.URL, err)
	}

	e.logger.Debug("upstream response",
		"status", resp.StatusCode,
		"url", req.URL,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	if e.metrics != nil {
		e.metrics.UpstreamResponses.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()
	}

	removeHopByHop(resp.Header)

	return &model.UpstreamResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}

func removeHopByHop(header http.Header) {
	for _, h := range hopByHopHeaders {
		header.Del(h)
	}
}
