package proxy

import (
	"net/http"
	"strings"
)

// Some upstreams reject requests that look like server-to-server
// traffic, so forwarded requests present a browser user agent.
const browserUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// copyRequestHeaders forwards client headers to the upstream request,
// dropping hop-by-hop fields and anything that would leak or conflict
// with the profile credentials. Authorization and x-api-key are always
// replaced with the profile's key.
func copyRequestHeaders(dst http.Header, src http.Header) {
	for k, vals := range src {
		switch strings.ToLower(k) {
		case "host", "connection", "content-length", "authorization", "x-api-key",
			"accept-encoding", "user-agent":
			continue
		}
		dst[k] = vals
	}
}

// copyResponseHeaders forwards upstream response headers to the client,
// dropping framing and encoding fields. The body has already been
// transparently decompressed by the transport, so the original
// Content-Encoding and Content-Length no longer describe it.
func copyResponseHeaders(dst http.Header, src http.Header) {
	for k, vals := range src {
		switch strings.ToLower(k) {
		case "content-encoding", "content-length", "transfer-encoding", "connection":
			continue
		}
		dst[k] = vals
	}
}
