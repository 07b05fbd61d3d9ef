package httpclient

import (
	"net/http"
	"strings"
)

// hopHeaders are meaningful for a single transport leg only and are never
// relayed. Keys are canonical.
var hopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Proxy-Connection":    true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// IsHopByHop reports whether name is a hop-by-hop header. The match is
// case-insensitive.
func IsHopByHop(name string) bool {
	return hopHeaders[http.CanonicalHeaderKey(name)]
}

// CopyHeaders adds every end-to-end header of src to dst. Hop-by-hop
// headers, headers named by src's Connection header and blank values are
// skipped.
func CopyHeaders(dst, src http.Header) {
	connectionTokens := connectionHeaders(src)
	for name, values := range src {
		key := http.CanonicalHeaderKey(name)
		if hopHeaders[key] || connectionTokens[key] {
			continue
		}
		for _, v := range values {
			if strings.TrimSpace(v) == "" {
				continue
			}
			dst.Add(key, v)
		}
	}
}

func connectionHeaders(h http.Header) map[string]bool {
	var tokens map[string]bool
	for _, v := range h.Values("Connection") {
		for _, token := range strings.Split(v, ",") {
			if token = strings.TrimSpace(token); token != "" {
				if tokens == nil {
					tokens = make(map[string]bool)
				}
				tokens[http.CanonicalHeaderKey(token)] = true
			}
		}
	}
	return tokens
}
