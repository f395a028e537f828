package proxy

import (
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
)

// headerSanitizer removes hop-by-hop headers before a message is forwarded in
// either direction.
type headerSanitizer struct {
	blocked map[string]struct{}
}

func newHeaderSanitizer() *headerSanitizer {
	hopByHopHeaders := []string{
		"Proxy-Authorization",
		"Proxy-Authenticate",
		"Connection",
		"Proxy-Connection",
		"Keep-Alive",
		"Transfer-Encoding",
		"TE",
		"Trailer",
		"Upgrade",
	}

	sanitizer := &headerSanitizer{blocked: make(map[string]struct{})}
	for _, name := range hopByHopHeaders {
		canonical := http.CanonicalHeaderKey(strings.TrimSpace(name))
		if canonical != "" {
			sanitizer.blocked[canonical] = struct{}{}
		}
	}
	return sanitizer
}

func (s *headerSanitizer) isBlocked(name string) bool {
	_, blocked := s.blocked[http.CanonicalHeaderKey(name)]
	return blocked
}

// stripHeaders removes blocked headers, and any header the Connection header
// names, from the header map.
func (s *headerSanitizer) stripHeaders(headers http.Header) {
	if headers == nil {
		return
	}

	for _, value := range headers.Values("Connection") {
		for _, name := range strings.Split(value, ",") {
			if name = textproto.TrimString(name); name != "" {
				headers.Del(name)
			}
		}
	}
	for name := range headers {
		if s.isBlocked(name) {
			delete(headers, name)
		}
	}
}

// copyHeaders copies response headers from src to dst, filtering hop-by-hop headers.
func copyHeaders(dst, src http.Header, s *headerSanitizer) {
	connection := map[string]struct{}{}
	for _, value := range src.Values("Connection") {
		for _, name := range strings.Split(value, ",") {
			if name = textproto.TrimString(name); name != "" {
				connection[http.CanonicalHeaderKey(name)] = struct{}{}
			}
		}
	}

	for key, values := range src {
		if s.isBlocked(key) {
			continue
		}
		if _, ok := connection[http.CanonicalHeaderKey(key)]; ok {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

// joinURLPath appends the request path to the upstream base path, keeping
// exactly one slash between them.
func joinURLPath(base, req *url.URL) (path, rawpath string) {
	if base.RawPath == "" && req.RawPath == "" {
		return singleJoiningSlash(base.Path, req.Path), ""
	}

	basePath := base.EscapedPath()
	reqPath := req.EscapedPath()
	joined := singleJoiningSlash(basePath, reqPath)
	return singleJoiningSlash(base.Path, req.Path), joined
}

func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}
