package asyncjob

import (
	"log/slog"
	"net/http"
	"time"
)

const (
	// DefaultPollInterval is the delay between two status requests
	DefaultPollInterval = 500 * time.Millisecond
	// DefaultRequestTimeout bounds each individual request
	DefaultRequestTimeout = 30 * time.Second
)

// AbortPolicy decides what an aborted request (the caller's context was
// cancelled while a request was in flight or a poll was scheduled) does to
// the operation.
type AbortPolicy int

const (
	// AbortSilent ends the operation as cancelled without notifying failure
	// observers.
	AbortSilent AbortPolicy = iota
	// AbortReport ends the operation as cancelled and notifies failure
	// observers with ErrCancelled.
	AbortReport
)

// ParseAbortPolicy accepts "silent" and "report"; anything else is silent.
func ParseAbortPolicy(s string) AbortPolicy {
	if s == "report" {
		return AbortReport
	}
	return AbortSilent
}

func (p AbortPolicy) String() string {
	if p == AbortReport {
		return "report"
	}
	return "silent"
}

// Config holds client configuration
type Config struct {
	// BaseURL resolves relative start URLs. Optional.
	BaseURL        string
	PollInterval   time.Duration
	RequestTimeout time.Duration
	AbortPolicy    AbortPolicy

	// CSRF header injection. Token overrides the cookie lookup.
	CSRFCookie string
	CSRFHeader string
	CSRFToken  string

	// Jar stores the server's cookies, including the CSRF cookie. A fresh
	// jar is created when nil.
	Jar http.CookieJar
	// Transport is the underlying round tripper. Defaults to
	// http.DefaultTransport.
	Transport http.RoundTripper

	Logger *slog.Logger
}

// SubmitOption configures a single operation.
type SubmitOption func(*submitOptions)

type submitOptions struct {
	pollInterval  time.Duration
	statusURL     string
	finalizeURL   string
	immediatePoll bool
	onProgress    []func(Progress)
	onComplete    []func(*Payload)
	onFailure     []func(error)
}

// WithPollInterval overrides the client's poll interval for this operation.
func WithPollInterval(d time.Duration) SubmitOption {
	return func(o *submitOptions) { o.pollInterval = d }
}

// WithStatusURL fixes the status URL instead of taking it from the start
// response.
func WithStatusURL(u string) SubmitOption {
	return func(o *submitOptions) { o.statusURL = u }
}

// WithFinalizeURL fixes the finalize (result) URL instead of taking it from
// the start response.
func WithFinalizeURL(u string) SubmitOption {
	return func(o *submitOptions) { o.finalizeURL = u }
}

// WithImmediatePoll issues the first status request without waiting for the
// poll interval.
func WithImmediatePoll() SubmitOption {
	return func(o *submitOptions) { o.immediatePoll = true }
}

// OnProgress registers a progress observer.
func OnProgress(fn func(Progress)) SubmitOption {
	return func(o *submitOptions) { o.onProgress = append(o.onProgress, fn) }
}

// OnComplete registers a completion observer.
func OnComplete(fn func(*Payload)) SubmitOption {
	return func(o *submitOptions) { o.onComplete = append(o.onComplete, fn) }
}

// OnFailure registers a failure observer.
func OnFailure(fn func(error)) SubmitOption {
	return func(o *submitOptions) { o.onFailure = append(o.onFailure, fn) }
}
