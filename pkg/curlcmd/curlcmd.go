// Package curlcmd renders outgoing requests as curl command lines for
// the persisted traffic log.
package curlcmd

import (
	"net/http"
	"sort"
	"strings"
)

// FromRequest builds a curl command equivalent to the given request.
// The body must be supplied separately because req.Body is a stream the
// caller usually still needs.
func FromRequest(req *http.Request, body []byte) string {
	var b strings.Builder
	b.WriteString("curl")

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	if method != http.MethodGet {
		b.WriteString(" -X ")
		b.WriteString(method)
	}

	keys := make([]string, 0, len(req.Header))
	for key := range req.Header {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		for _, value := range req.Header[key] {
			b.WriteString(" -H ")
			b.WriteString(quote(key + ": " + value))
		}
	}

	if len(body) > 0 {
		b.WriteString(" -d ")
		b.WriteString(quote(string(body)))
	}

	b.WriteString(" ")
	b.WriteString(quote(req.URL.String()))
	return b.String()
}

// quote wraps s in single quotes, escaping embedded single quotes the
// POSIX way ('\'').
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
