// Package httpx holds the HTTP client conventions shared by the outbound
// adapters: one timeout-bounded client and one error classification.
package httpx

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"brandwatch/internal/domain"
)

const userAgent = "brandwatch/1.0"

func NewClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// StatusError is a non-2xx response.
type StatusError struct {
	Op     string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d", e.Op, e.Status)
}

// Transient reports whether a status is worth retrying.
func Transient(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// Do sends req and classifies the outcome. Transport errors and retryable
// statuses come back wrapped with domain.Transient. On success the caller
// owns resp.Body.
func Do(c *http.Client, req *http.Request, op string) (*http.Response, error) {
	req.Header.Set("User-Agent", userAgent)
	resp, err := c.Do(req)
	if err != nil {
		return nil, domain.Transient(fmt.Errorf("%s: %w", op, err))
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	Drain(resp)
	serr := &StatusError{Op: op, Status: resp.StatusCode}
	if Transient(resp.StatusCode) {
		return nil, domain.Transient(serr)
	}
	return nil, serr
}

// Drain discards the rest of the body so the connection can be reused.
func Drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}
