package asyncjob

import (
	"net/http"
)

const (
	// DefaultCSRFCookie is the cookie the server issues the token in
	DefaultCSRFCookie = "csrftoken"
	// DefaultCSRFHeader is the header the server checks on unsafe methods
	DefaultCSRFHeader = "X-CSRFToken"
)

// CSRFTransport attaches the CSRF token to every request whose method is not
// safe (GET, HEAD, OPTIONS, TRACE). The token is Token when set, otherwise
// the value of CookieName in Jar for the request URL.
type CSRFTransport struct {
	Base       http.RoundTripper
	Jar        http.CookieJar
	CookieName string
	HeaderName string
	Token      string
}

// RoundTrip implements http.RoundTripper.
func (t *CSRFTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}

	if isSafeMethod(req.Method) {
		return base.RoundTrip(req)
	}

	token := t.token(req)
	if token == "" {
		return base.RoundTrip(req)
	}

	// RoundTrippers must not modify the caller's request
	clone := req.Clone(req.Context())
	clone.Header.Set(t.headerName(), token)
	return base.RoundTrip(clone)
}

func (t *CSRFTransport) token(req *http.Request) string {
	if t.Token != "" {
		return t.Token
	}
	if t.Jar == nil {
		return ""
	}
	name := t.CookieName
	if name == "" {
		name = DefaultCSRFCookie
	}
	for _, c := range t.Jar.Cookies(req.URL) {
		if c.Name == name {
			return c.Value
		}
	}
	return ""
}

func (t *CSRFTransport) headerName() string {
	if t.HeaderName == "" {
		return DefaultCSRFHeader
	}
	return t.HeaderName
}

func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace, "":
		return true
	}
	return false
}
