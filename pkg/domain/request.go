package domain

import (
	"net/textproto"
	"sort"
)

// Cookie is a single name/value pair sent by the client.
type Cookie struct {
	Name  string
	Value string
}

// Request exposes the untrusted parts of an inbound request. Implementations
// must be safe to read from multiple goroutines once constructed.
type Request interface {
	// Parameters returns every parameter name with its values in arrival order.
	Parameters() map[string][]string
	// Cookies returns the cookies in arrival order.
	Cookies() []Cookie
	// HeaderNames returns the distinct header names.
	HeaderNames() []string
	// HeaderValues returns every value sent for name.
	HeaderValues(name string) []string
	// RemoteAddr is the client address used in audit lines.
	RemoteAddr() string
}

// Response is the part of the outbound response rules may touch.
type Response interface {
	SetHeader(name, value string)
}

// StaticRequest is an in-memory Request, used by tests and the CLI.
type StaticRequest struct {
	Params  map[string][]string
	Cookie  []Cookie
	Headers map[string][]string
	Remote  string
}

// Parameters implements Request.
func (r *StaticRequest) Parameters() map[string][]string {
	if r.Params == nil {
		return map[string][]string{}
	}
	return r.Params
}

// Cookies implements Request.
func (r *StaticRequest) Cookies() []Cookie {
	return r.Cookie
}

// HeaderNames implements Request. Names are returned sorted.
func (r *StaticRequest) HeaderNames() []string {
	names := make([]string, 0, len(r.Headers))
	for name := range r.Headers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HeaderValues implements Request.
func (r *StaticRequest) HeaderValues(name string) []string {
	if values, ok := r.Headers[name]; ok {
		return values
	}
	return r.Headers[textproto.CanonicalMIMEHeaderKey(name)]
}

// RemoteAddr implements Request.
func (r *StaticRequest) RemoteAddr() string {
	return r.Remote
}

// HeaderRecorder is a Response that records headers in memory.
type HeaderRecorder struct {
	Headers map[string]string
}

// SetHeader implements Response.
func (h *HeaderRecorder) SetHeader(name, value string) {
	if h.Headers == nil {
		h.Headers = make(map[string]string)
	}
	h.Headers[name] = value
}

