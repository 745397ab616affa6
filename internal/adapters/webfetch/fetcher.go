// Package webfetch retrieves suspect pages for the web step.
package webfetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"brandwatch/internal/adapters/httpx"
	"brandwatch/internal/domain"
	"brandwatch/internal/ports"
)

const maxBody = 256 << 10

type Fetcher struct {
	http *http.Client
}

var _ ports.PageFetcher = (*Fetcher)(nil)

func New(timeout time.Duration) *Fetcher {
	return &Fetcher{http: httpx.NewClient(timeout)}
}

// Fetch returns the status and at most 256KiB of body. A host that cannot be
// reached yields status 0 and no error; a timeout or a 5xx is transient.
func (f *Fetcher) Fetch(ctx context.Context, url string) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("User-Agent", "brandwatch/1.0")
	resp, err := f.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, "", ctx.Err()
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return 0, "", domain.Transient(fmt.Errorf("fetch %s: %w", url, err))
		}
		return 0, "", nil
	}
	defer httpx.Drain(resp)
	if resp.StatusCode >= 500 {
		return resp.StatusCode, "", domain.Transient(&httpx.StatusError{Op: "fetch " + url, Status: resp.StatusCode})
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return resp.StatusCode, "", domain.Transient(fmt.Errorf("fetch %s: read body: %w", url, err))
	}
	return resp.StatusCode, string(body), nil
}
