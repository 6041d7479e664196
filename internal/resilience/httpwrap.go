package resilience

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// maxBodyBytes caps how much of an upstream response is buffered.
const maxBodyBytes = 1 << 20

// HTTPClient performs a single attempt per call under a fixed timeout and a circuit breaker.
// It never retries: a slow success must not be duplicated upstream, so retrying is left to
// the end user.
type HTTPClient struct {
	Client  *http.Client
	Breaker *Breaker
	Timeout time.Duration
}

// Response is a fully buffered upstream response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// StatusError is returned for upstream 5xx responses.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream responded %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// Do executes req once and buffers the response. Transport errors, timeouts and 5xx
// responses count as breaker failures; anything below 500 is returned to the caller.
func (cl HTTPClient) Do(ctx context.Context, req *http.Request) (*Response, error) {
	if cl.Client == nil {
		return nil, errors.New("resilience: http client not configured")
	}
	if cl.Breaker != nil && !cl.Breaker.Allow(ctx) {
		return nil, ErrOpenCircuit
	}

	resp, err := cl.doOnce(ctx, req)
	if err == nil && resp.StatusCode >= http.StatusInternalServerError {
		err = &StatusError{StatusCode: resp.StatusCode}
	}
	if cl.Breaker != nil {
		cl.Breaker.Report(ctx, err == nil)
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (cl HTTPClient) doOnce(ctx context.Context, req *http.Request) (*Response, error) {
	timeout := cl.Timeout
	if timeout <= 0 {
		timeout = cl.Client.Timeout
	}
	var (
		callCtx context.Context
		cancel  context.CancelFunc
	)
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		callCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	resp, err := cl.Client.Do(req.WithContext(callCtx))
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
}
