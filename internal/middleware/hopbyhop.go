package middleware

import (
	"strings"

	"github.com/labstack/echo/v4"
)

// hopByHopHeaders are connection-level headers that must not travel past a
// proxy hop.
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

// StripHopByHop returns an Echo middleware that removes hop-by-hop headers
// from the inbound request, including any header the Connection header
// names, so none of them are forwarded upstream.
func StripHopByHop() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Request().Header
			for _, name := range strings.Split(h.Get("Connection"), ",") {
				if name = strings.TrimSpace(name); name != "" {
					h.Del(name)
				}
			}
			for _, name := range hopByHopHeaders {
				h.Del(name)
			}
			return next(c)
		}
	}
}
