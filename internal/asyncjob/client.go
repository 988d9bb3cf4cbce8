// Package asyncjob follows remote background tasks through the
// start -> status -> finalize protocol.
//
// Usage:
//
//	c, err := asyncjob.NewClient(&asyncjob.Config{BaseURL: "https://example.com"})
//
//	op := c.Submit(ctx, "/api/v1/tasks/report/start", form,
//	    asyncjob.OnProgress(func(p asyncjob.Progress) {
//	        if pct, ok := p.Percent(); ok {
//	            fmt.Printf("%d%%\n", pct)
//	        }
//	    }),
//	)
//	payload, err := op.Wait(ctx)
//
// Each operation polls on its own goroutine until the task reaches a terminal
// status. There is no overall deadline; cancel the context passed to Submit
// or call Operation.Cancel to stop polling.
package asyncjob

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"time"
)

const (
	formContentType = "application/x-www-form-urlencoded"
	jsonContentType = "application/json"
)

var (
	errAborted = errors.New("request aborted")
	errTimeout = errors.New("request timed out")
)

// Client drives remote background tasks. It is safe for concurrent use;
// operations share nothing but the underlying http.Client.
type Client struct {
	httpClient     *http.Client
	baseURL        *url.URL
	pollInterval   time.Duration
	requestTimeout time.Duration
	abortPolicy    AbortPolicy
	logger         *slog.Logger
}

// NewClient creates a new Client instance
func NewClient(cfg *Config) (*Client, error) {
	if cfg == nil {
		cfg = &Config{}
	}

	c := &Client{
		pollInterval:   cfg.PollInterval,
		requestTimeout: cfg.RequestTimeout,
		abortPolicy:    cfg.AbortPolicy,
		logger:         cfg.Logger,
	}
	if c.pollInterval <= 0 {
		c.pollInterval = DefaultPollInterval
	}
	if c.requestTimeout <= 0 {
		c.requestTimeout = DefaultRequestTimeout
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}

	if cfg.BaseURL != "" {
		u, err := url.Parse(cfg.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid base url: %w", err)
		}
		c.baseURL = u
	}

	jar := cfg.Jar
	if jar == nil {
		var err error
		jar, err = cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create cookie jar: %w", err)
		}
	}

	c.httpClient = &http.Client{
		Jar: jar,
		Transport: &CSRFTransport{
			Base:       cfg.Transport,
			Jar:        jar,
			CookieName: cfg.CSRFCookie,
			HeaderName: cfg.CSRFHeader,
			Token:      cfg.CSRFToken,
		},
	}

	return c, nil
}

// HTTPClient returns the client's http.Client, CSRF transport included.
func (c *Client) HTTPClient() *http.Client {
	return c.httpClient
}

// Prime issues a GET so the server can hand out its CSRF cookie.
func (c *Client) Prime(ctx context.Context, rawURL string) error {
	target, err := c.resolve(nil, rawURL)
	if err != nil {
		return err
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, target.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to prime session: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("failed to prime session: http %d", resp.StatusCode)
	}
	return nil
}

// Submit posts params form-encoded to startURL and follows the task it
// starts. The returned operation is already running.
func (c *Client) Submit(ctx context.Context, startURL string, params url.Values, opts ...SubmitOption) *Operation {
	body := []byte(params.Encode())
	return c.launch(ctx, opts, false, func(ctx context.Context, o *submitOptions) (*Handle, error) {
		return c.start(ctx, startURL, formContentType, body, o)
	})
}

// SubmitJSON is Submit with a JSON request body.
func (c *Client) SubmitJSON(ctx context.Context, startURL string, payload any, opts ...SubmitOption) *Operation {
	body, err := json.Marshal(payload)
	return c.launch(ctx, opts, false, func(ctx context.Context, o *submitOptions) (*Handle, error) {
		if err != nil {
			return nil, newTaskError(ErrStartFailed, "", fmt.Errorf("failed to marshal parameters: %w", err))
		}
		return c.start(ctx, startURL, jsonContentType, body, o)
	})
}

// Catch follows a task that was started elsewhere. The first status request
// is sent immediately.
func (c *Client) Catch(ctx context.Context, h Handle, opts ...SubmitOption) *Operation {
	return c.launch(ctx, opts, true, func(_ context.Context, o *submitOptions) (*Handle, error) {
		if h.TaskID == "" {
			return nil, newTaskError(ErrStartFailed, "", errors.New("task id is required"))
		}
		return c.resolveHandle(nil, h.TaskID, first(o.statusURL, h.StatusURL), first(o.finalizeURL, h.FinalizeURL))
	})
}

type startFunc func(ctx context.Context, o *submitOptions) (*Handle, error)

func (c *Client) launch(ctx context.Context, opts []SubmitOption, immediate bool, start startFunc) *Operation {
	o := submitOptions{pollInterval: c.pollInterval}
	for _, opt := range opts {
		opt(&o)
	}
	if o.pollInterval <= 0 {
		o.pollInterval = c.pollInterval
	}
	o.immediatePoll = o.immediatePoll || immediate

	runCtx, cancel := context.WithCancel(ctx)
	op := newOperation(o, c.abortPolicy, cancel)
	go c.run(runCtx, op, start)
	return op
}

// run is the whole start -> poll -> finalize chain of one operation.
func (c *Client) run(ctx context.Context, op *Operation, start startFunc) {
	defer op.cancel()

	handle, err := start(ctx, &op.opts)
	if err != nil {
		c.end(op, err, nil)
		return
	}
	op.setHandle(handle)
	op.setPhase(PhasePolling)

	logger := c.logger.With(slog.String("task_id", handle.TaskID))
	logger.Debug("Task started",
		slog.String("status_url", handle.StatusURL),
		slog.String("finalize_url", handle.FinalizeURL),
	)

	if !op.opts.immediatePoll && !sleep(ctx, op.opts.pollInterval) {
		op.abort()
		return
	}

	for polls := 1; ; polls++ {
		st, err := c.poll(ctx, handle)
		if err != nil {
			logger.Warn("Task status request failed",
				slog.Int("polls", polls),
				slog.String("error", err.Error()),
			)
			var observed *Status
			if st.Kind == StatusUnknown {
				observed = &st
			}
			c.end(op, err, observed)
			return
		}

		logger.Debug("Task status received",
			slog.String("status", st.Wire),
			slog.Int("polls", polls),
		)

		if ctx.Err() != nil {
			op.abort()
			return
		}

		switch st.Kind {
		case StatusPending, StatusReceived, StatusStarted, StatusRetrying, StatusInProgress:
			op.observe(st)

		case StatusSucceeded:
			op.observe(st)
			op.setPhase(PhaseFinalizing)
			payload, err := c.finalize(ctx, handle)
			if err != nil {
				logger.Warn("Task finalize failed", slog.String("error", err.Error()))
				c.end(op, err, nil)
				return
			}
			if ctx.Err() != nil {
				op.abort()
				return
			}
			if op.complete(payload) {
				logger.Info("Task completed",
					slog.Int("polls", polls),
					slog.Int("payload_size", len(payload.Body)),
				)
			}
			return

		default:
			// FAILURE and REVOKED; unknown statuses are rejected by poll
			te := &TaskError{Kind: ErrJobFailed, TaskID: handle.TaskID, Status: st.Wire}
			if op.fail(te, &st) {
				logger.Warn("Task failed", slog.String("status", st.Wire))
			}
			return
		}

		if !sleep(ctx, op.opts.pollInterval) {
			op.abort()
			return
		}
	}
}

// end routes a step error: aborts go through the abort policy, everything
// else fails the operation.
func (c *Client) end(op *Operation, err error, st *Status) {
	if errors.Is(err, errAborted) {
		op.abort()
		return
	}
	op.fail(err, st)
}

type startResponse struct {
	TaskID      string              `json:"task_id"`
	StatusURL   string              `json:"status_url"`
	FinalizeURL string              `json:"finalize_url"`
	ResultURL   string              `json:"result_url"`
	Status      string              `json:"status"`
	FormErrors  map[string][]string `json:"form_errors"`
}

func (c *Client) start(ctx context.Context, startURL, contentType string, body []byte, o *submitOptions) (*Handle, error) {
	target, err := c.resolve(nil, startURL)
	if err != nil {
		return nil, newTaskError(ErrStartFailed, "", err)
	}

	resp, err := c.post(ctx, target.String(), contentType, body)
	if err != nil {
		if errors.Is(err, errAborted) {
			return nil, err
		}
		return nil, newTaskError(ErrStartFailed, "", err)
	}

	if !resp.ok() {
		te := newTaskError(ErrStartFailed, "", nil)
		te.StatusCode = resp.code
		te.FormErrors = parseFormErrors(resp.body)
		return nil, te
	}

	var sr startResponse
	if err := json.Unmarshal(resp.body, &sr); err != nil {
		return nil, newTaskError(ErrStartFailed, "", fmt.Errorf("malformed start response: %w", err))
	}
	if sr.TaskID == "" {
		te := newTaskError(ErrStartFailed, "", errors.New("start response has no task_id"))
		te.FormErrors = sr.FormErrors
		return nil, te
	}

	return c.resolveHandle(target, sr.TaskID,
		first(o.statusURL, sr.StatusURL),
		first(o.finalizeURL, sr.FinalizeURL, sr.ResultURL),
	)
}

type statusResponse struct {
	TaskID string          `json:"task_id"`
	Status string          `json:"status"`
	Result json.RawMessage `json:"result"`
}

func (c *Client) poll(ctx context.Context, h *Handle) (Status, error) {
	unknown := Status{Kind: StatusUnknown}

	resp, err := c.post(ctx, h.StatusURL, formContentType, taskForm(h.TaskID))
	if err != nil {
		switch {
		case errors.Is(err, errAborted):
			return Status{}, err
		case errors.Is(err, errTimeout):
			return Status{}, newTaskError(ErrLostConnection, h.TaskID, err)
		default:
			return Status{}, newTaskError(ErrPollFailed, h.TaskID, err)
		}
	}

	if !resp.ok() {
		te := newTaskError(ErrPollFailed, h.TaskID, nil)
		te.StatusCode = resp.code
		return Status{}, te
	}

	var sr statusResponse
	if err := json.Unmarshal(resp.body, &sr); err != nil {
		return unknown, newTaskError(ErrUnknownStatus, h.TaskID, fmt.Errorf("malformed status response: %w", err))
	}

	st := ParseStatus(sr.Status, sr.Result)
	if st.Kind == StatusUnknown {
		te := newTaskError(ErrUnknownStatus, h.TaskID, nil)
		te.Status = sr.Status
		return st, te
	}
	return st, nil
}

func (c *Client) finalize(ctx context.Context, h *Handle) (*Payload, error) {
	resp, err := c.post(ctx, h.FinalizeURL, formContentType, taskForm(h.TaskID))
	if err != nil {
		if errors.Is(err, errAborted) {
			return nil, err
		}
		return nil, newTaskError(ErrFinalizeFailed, h.TaskID, err)
	}

	if !resp.ok() {
		te := newTaskError(ErrFinalizeFailed, h.TaskID, nil)
		te.StatusCode = resp.code
		var body struct {
			TaskStatus string `json:"task_status"`
		}
		if json.Unmarshal(resp.body, &body) == nil {
			te.Status = body.TaskStatus
		}
		return nil, te
	}

	return &Payload{ContentType: resp.contentType, Body: resp.body}, nil
}

type response struct {
	code        int
	contentType string
	body        []byte
}

func (r *response) ok() bool {
	return r.code >= 200 && r.code < 300
}

// post issues one request bounded by the request timeout. Errors are tagged
// errAborted when ctx itself ended and errTimeout when only the request
// deadline passed.
func (c *Client) post(ctx context.Context, target, contentType string, body []byte) (*response, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", errAborted, err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", jsonContentType)
	req.Header.Set("X-Requested-With", "XMLHttpRequest")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classify(ctx, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classify(ctx, err)
	}

	return &response{
		code:        resp.StatusCode,
		contentType: resp.Header.Get("Content-Type"),
		body:        data,
	}, nil
}

func classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %w", errAborted, err)
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %w", errTimeout, err)
	}
	return err
}

func (c *Client) resolveHandle(ref *url.URL, taskID, statusURL, finalizeURL string) (*Handle, error) {
	if statusURL == "" {
		return nil, newTaskError(ErrStartFailed, taskID, errors.New("no status url"))
	}
	if finalizeURL == "" {
		return nil, newTaskError(ErrStartFailed, taskID, errors.New("no finalize url"))
	}

	status, err := c.resolve(ref, statusURL)
	if err != nil {
		return nil, newTaskError(ErrStartFailed, taskID, err)
	}
	finalize, err := c.resolve(ref, finalizeURL)
	if err != nil {
		return nil, newTaskError(ErrStartFailed, taskID, err)
	}

	return &Handle{TaskID: taskID, StatusURL: status.String(), FinalizeURL: finalize.String()}, nil
}

// resolve makes raw absolute against ref, or the base URL when ref is nil.
func (c *Client) resolve(ref *url.URL, raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", raw, err)
	}
	if ref == nil {
		ref = c.baseURL
	}
	if ref != nil {
		u = ref.ResolveReference(u)
	}
	if !u.IsAbs() {
		return nil, fmt.Errorf("url %q is not absolute and no base url is configured", raw)
	}
	return u, nil
}

// parseFormErrors accepts {"form_errors": {...}} as well as a bare
// field -> messages object.
func parseFormErrors(body []byte) map[string][]string {
	var wrapped struct {
		FormErrors map[string][]string `json:"form_errors"`
	}
	if json.Unmarshal(body, &wrapped) == nil && len(wrapped.FormErrors) > 0 {
		return wrapped.FormErrors
	}
	var bare map[string][]string
	if json.Unmarshal(body, &bare) == nil && len(bare) > 0 {
		return bare
	}
	return nil
}

func taskForm(taskID string) []byte {
	return []byte(url.Values{"task_id": {taskID}}.Encode())
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func first(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
