// Package cors computes the response headers that make proxied content
// readable by cross-origin JavaScript.
package cors

import (
	"net/http"
	"sort"
	"strconv"
	"strings"
)

const (
	headerAllowOrigin    = "Access-Control-Allow-Origin"
	headerMaxAge         = "Access-Control-Max-Age"
	headerAllowMethods   = "Access-Control-Allow-Methods"
	headerAllowHeaders   = "Access-Control-Allow-Headers"
	headerExposeHeaders  = "Access-Control-Expose-Headers"
	headerRequestMethod  = "Access-Control-Request-Method"
	headerRequestHeaders = "Access-Control-Request-Headers"
)

// Collect computes the CORS reply headers for one exchange. The browser's
// pre-flight negotiation headers are echoed into their response
// counterparts and consumed from the request, so they are neither forwarded
// upstream nor echoed twice.
func Collect(req *http.Request, maxAge int) http.Header {
	h := make(http.Header)
	h.Set(headerAllowOrigin, "*")
	if req.Method == http.MethodOptions && maxAge > 0 {
		h.Set(headerMaxAge, strconv.Itoa(maxAge))
	}
	if v := req.Header.Get(headerRequestMethod); v != "" {
		h.Set(headerAllowMethods, v)
		req.Header.Del(headerRequestMethod)
	}
	if v := req.Header.Get(headerRequestHeaders); v != "" {
		h.Set(headerAllowHeaders, v)
		req.Header.Del(headerRequestHeaders)
	}
	return h
}

// Merge copies every collected header onto dst.
func Merge(dst, src http.Header) {
	for k, vv := range src {
		dst[k] = vv
	}
}

// Finalize seals h with an Access-Control-Expose-Headers entry listing
// every header name already present, so scripts can read all of them. Must
// run after the last header for this response is set.
func Finalize(h http.Header) {
	names := make([]string, 0, len(h))
	for k := range h {
		names = append(names, k)
	}
	sort.Strings(names)
	h.Set(headerExposeHeaders, strings.Join(names, ","))
}
