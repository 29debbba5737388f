package handler

import (
	"log/slog"
	"net"
	"net/http"

	"github.com/labstack/echo/v4"

	"cors-proxy-go/internal/admission"
	"cors-proxy-go/internal/config"
	"cors-proxy-go/internal/metrics"
	"cors-proxy-go/internal/model"
	"cors-proxy-go/internal/proxy"
)

// ProxyHandler is the catch-all request handler: the admission chain
// decides whether a request may proceed, and admitted requests are handed
// to the orchestrator for the upstream exchange.
type ProxyHandler struct {
	chain        *admission.Chain
	orchestrator *proxy.Orchestrator
	cfg          *config.Config
	logger       *slog.Logger
	metrics      *metrics.Metrics
}

// NewProxyHandler creates a ProxyHandler. The metrics parameter may be nil.
func NewProxyHandler(chain *admission.Chain, orch *proxy.Orchestrator, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *ProxyHandler {
	return &ProxyHandler{
		chain:        chain,
		orchestrator: orch,
		cfg:          cfg,
		logger:       logger.With("component", "proxy_handler"),
		metrics:      m,
	}
}

// Handle serves one proxied exchange.
func (h *ProxyHandler) Handle(c echo.Context) error {
	admitted, reply := h.chain.Evaluate(c)
	if admitted == nil {
		if reply == nil {
			// A pre-admission hook wrote the response itself.
			return nil
		}
		if h.metrics != nil && reply.Rejected() {
			h.metrics.AdmissionRejections.WithLabelValues(reply.Check).Inc()
		}
		return reply.WriteTo(c.Response())
	}

	req := c.Request()
	h.logger.Debug("proxying",
		"method", req.Method,
		"target", admitted.Target.String(),
		"origin", admitted.Origin,
	)

	st := &model.RequestState{
		Target:        admitted.Target,
		ProxyBase:     c.Scheme() + "://" + req.Host,
		MaxRedirects:  h.cfg.Proxy.MaxRedirects,
		CORS:          admitted.CORS,
		Staged:        make(http.Header),
		Method:        req.Method,
		Header:        h.outboundHeader(c),
		Body:          req.Body,
		ContentLength: req.ContentLength,
	}
	return h.orchestrator.Run(req.Context(), c.Response(), st)
}

// outboundHeader assembles the headers forwarded upstream: the client's
// own headers shaped by the operator's remove and set lists, plus the
// forwarding headers recording how the request reached this proxy.
func (h *ProxyHandler) outboundHeader(c echo.Context) http.Header {
	req := c.Request()
	out := make(http.Header, len(req.Header)+4)
	for k, vv := range req.Header {
		out[k] = vv
	}

	for _, name := range h.cfg.Proxy.RemoveHeaders {
		out.Del(name)
	}
	for name, value := range h.cfg.Proxy.SetHeaders {
		out.Set(name, value)
	}

	if ip, _, err := net.SplitHostPort(req.RemoteAddr); err == nil {
		if prior := out.Get("X-Forwarded-For"); prior != "" {
			ip = prior + ", " + ip
		}
		out.Set("X-Forwarded-For", ip)
	}
	out.Set("X-Forwarded-Proto", c.Scheme())
	out.Set("X-Forwarded-Port", requestPort(req.Host, c.Scheme()))
	if out.Get("X-Forwarded-Host") == "" {
		out.Set("X-Forwarded-Host", req.Host)
	}
	return out
}

// requestPort extracts the port clients used to reach the proxy, falling
// back to the scheme default when the Host header carries none.
func requestPort(host, scheme string) string {
	if _, port, err := net.SplitHostPort(host); err == nil {
		return port
	}
	if scheme == "https" {
		return "443"
	}
	return "80"
}
