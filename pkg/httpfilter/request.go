package httpfilter

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"sort"

	"github.com/polisai/polis-guard/pkg/domain"
)

// DefaultMaxFormBytes bounds the urlencoded body read for parameters.
const DefaultMaxFormBytes int64 = 10 << 20

// Reasons carried by the errors NewRequest returns.
const (
	ReasonFormTooLarge  = "form_too_large"
	ReasonMalformedForm = "malformed_form"
	// ReasonMalformedQuery rejects a query string with a pair that cannot be
	// parsed. Such pairs would otherwise be dropped unseen by the sweep.
	ReasonMalformedQuery = "malformed_query"
)

// Request is a domain.Request snapshot of an *http.Request.
type Request struct {
	params  map[string][]string
	cookies []domain.Cookie
	headers http.Header
	names   []string
	remote  string
}

// NewRequest snapshots r. Parameters merge the query string with an
// application/x-www-form-urlencoded body of at most maxFormBytes (zero
// selects DefaultMaxFormBytes). A consumed body is replaced so downstream
// handlers can still read it.
func NewRequest(r *http.Request, maxFormBytes int64) (*Request, error) {
	if maxFormBytes <= 0 {
		maxFormBytes = DefaultMaxFormBytes
	}

	query, err := url.ParseQuery(r.URL.RawQuery)
	if err != nil {
		return nil, domain.NewError(domain.KindValidation, ReasonMalformedQuery,
			"Malformed query string", err.Error())
	}
	params := map[string][]string(query)

	if isForm(r) && r.Body != nil && r.Body != http.NoBody {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxFormBytes+1))
		_ = r.Body.Close()
		if err != nil {
			return nil, domain.NewError(domain.KindAvailability, "read_failed",
				"Request body unreadable", fmt.Sprintf("reading form body: %v", err))
		}
		if int64(len(body)) > maxFormBytes {
			return nil, domain.NewError(domain.KindAvailability, ReasonFormTooLarge,
				"Request body too large", fmt.Sprintf("form body exceeds %d bytes", maxFormBytes))
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		form, err := url.ParseQuery(string(body))
		if err != nil {
			return nil, domain.NewError(domain.KindValidation, ReasonMalformedForm,
				"Malformed form body", err.Error())
		}
		for name, values := range form {
			params[name] = append(params[name], values...)
		}
	}

	cookies := make([]domain.Cookie, 0)
	for _, c := range r.Cookies() {
		cookies = append(cookies, domain.Cookie{Name: c.Name, Value: c.Value})
	}

	headers := r.Header.Clone()
	if headers == nil {
		headers = http.Header{}
	}
	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, name)
	}
	sort.Strings(names)

	return &Request{
		params:  params,
		cookies: cookies,
		headers: headers,
		names:   names,
		remote:  remoteHost(r.RemoteAddr),
	}, nil
}

func isForm(r *http.Request) bool {
	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
	default:
		return false
	}
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mediaType == "application/x-www-form-urlencoded"
}

func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// Parameters implements domain.Request.
func (r *Request) Parameters() map[string][]string { return r.params }

// Cookies implements domain.Request.
func (r *Request) Cookies() []domain.Cookie { return r.cookies }

// HeaderNames implements domain.Request.
func (r *Request) HeaderNames() []string { return r.names }

// HeaderValues implements domain.Request.
func (r *Request) HeaderValues(name string) []string { return r.headers.Values(name) }

// RemoteAddr implements domain.Request.
func (r *Request) RemoteAddr() string { return r.remote }

// responseHeaders lets rules set headers on the outgoing response.
type responseHeaders struct {
	w http.ResponseWriter
}

func (h responseHeaders) SetHeader(name, value string) {
	h.w.Header().Set(name, value)
}
