// Package fetch defines the request and response values that flow between
// the proxy, the cache router, the retry queue and the upstream transport.
package fetch

import (
	"context"
	"net/http"
	"net/url"
	"strings"
)

// Destination mirrors the Sec-Fetch-Dest request header.
type Destination string

const (
	DestScript   Destination = "script"
	DestStyle    Destination = "style"
	DestImage    Destination = "image"
	DestDocument Destination = "document"
	DestEmpty    Destination = "empty"
)

// Request is an outbound call to the upstream backend.
type Request struct {
	Method      string      `json:"method"`
	URL         string      `json:"url"`
	Header      http.Header `json:"header,omitempty"`
	Body        []byte      `json:"body,omitempty"`
	Destination Destination `json:"destination,omitempty"`
}

// Response is a fully buffered upstream reply, safe to cache and share.
type Response struct {
	Status int         `json:"status"`
	Header http.Header `json:"header,omitempty"`
	Body   []byte      `json:"body,omitempty"`
}

// OK reports whether the response may be cached.
func (r *Response) OK() bool { return r != nil && r.Status == http.StatusOK }

// Synthesized reports whether r came from Unavailable rather than upstream.
func (r *Response) Synthesized() bool {
	return r != nil && r.Status == http.StatusServiceUnavailable && r.Header.Get(UnavailableHeader) != ""
}

// Success reports a 2xx status.
func (r *Response) Success() bool { return r != nil && r.Status >= 200 && r.Status < 300 }

// Doer performs a network round trip. A non-nil error means the transport
// failed; HTTP error statuses come back as a Response.
type Doer interface {
	Do(ctx context.Context, req *Request) (*Response, error)
}

// DoerFunc adapts a function to Doer.
type DoerFunc func(ctx context.Context, req *Request) (*Response, error)

func (f DoerFunc) Do(ctx context.Context, req *Request) (*Response, error) { return f(ctx, req) }

// UnavailableHeader marks replies synthesized by the agent, so they can be
// told apart from a 503 sent by the backend itself.
const UnavailableHeader = "X-Offline-Unavailable"

// Unavailable is the synthesized reply used when neither the network nor a
// cache can answer.
func Unavailable() *Response {
	h := http.Header{}
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set(UnavailableHeader, "1")
	return &Response{
		Status: http.StatusServiceUnavailable,
		Header: h,
		Body:   []byte("offline: no cached response available"),
	}
}

// FromHTTP builds a Request from an incoming proxy request with an already
// read body. target is the upstream base URL.
func FromHTTP(r *http.Request, target *url.URL, body []byte) *Request {
	h := r.Header.Clone()
	for _, k := range hopHeaders {
		h.Del(k)
	}
	return &Request{
		Method:      r.Method,
		URL:         ResolveURL(target, r.URL.Path, r.URL.RawQuery),
		Header:      h,
		Body:        body,
		Destination: Destination(strings.ToLower(r.Header.Get("Sec-Fetch-Dest"))),
	}
}

// ResolveURL joins an agent-relative path onto the upstream base URL. It is
// also the cache key for reads.
func ResolveURL(target *url.URL, path, rawQuery string) string {
	u := *target
	u.Path = singleJoin(target.Path, path)
	u.RawPath = ""
	u.RawQuery = rawQuery
	return u.String()
}

// WriteResponse copies the response onto w.
func (r *Response) WriteResponse(w http.ResponseWriter) {
	for k, vs := range r.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(r.Status)
	_, _ = w.Write(r.Body)
}

var hopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

func singleJoin(a, b string) string {
	switch {
	case a == "":
		return b
	case strings.HasSuffix(a, "/") && strings.HasPrefix(b, "/"):
		return a + b[1:]
	case !strings.HasSuffix(a, "/") && !strings.HasPrefix(b, "/"):
		return a + "/" + b
	}
	return a + b
}
