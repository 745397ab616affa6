// Package social probes public profile pages to tell whether a handle is
// taken on a platform.
package social

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"brandwatch/internal/adapters/httpx"
	"brandwatch/internal/ports"
)

// DefaultProfileURLs maps a platform to its profile URL pattern; %s is the
// handle without a leading @.
var DefaultProfileURLs = map[string]string{
	"twitter":   "https://x.com/%s",
	"instagram": "https://www.instagram.com/%s/",
	"facebook":  "https://www.facebook.com/%s",
	"linkedin":  "https://www.linkedin.com/company/%s",
	"tiktok":    "https://www.tiktok.com/@%s",
	"youtube":   "https://www.youtube.com/@%s",
	"github":    "https://github.com/%s",
}

type Checker struct {
	http     *http.Client
	profiles map[string]string
	perSec   float64

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

var _ ports.SocialChecker = (*Checker)(nil)

// New builds a checker; profiles defaults to DefaultProfileURLs. Requests
// to each platform are limited to perSec per second.
func New(profiles map[string]string, perSec float64, timeout time.Duration) *Checker {
	if profiles == nil {
		profiles = DefaultProfileURLs
	}
	if perSec <= 0 {
		perSec = 1
	}
	return &Checker{
		http:     httpx.NewClient(timeout),
		profiles: profiles,
		perSec:   perSec,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (c *Checker) limiter(platform string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[platform]
	if !ok {
		l = rate.NewLimiter(rate.Limit(c.perSec), 1)
		c.limiters[platform] = l
	}
	return l
}

func (c *Checker) Exists(ctx context.Context, platform, handle string) (bool, string, error) {
	pattern, ok := c.profiles[platform]
	if !ok {
		return false, "", fmt.Errorf("social: unsupported platform %q", platform)
	}
	url := fmt.Sprintf(pattern, strings.TrimPrefix(handle, "@"))
	if err := c.limiter(platform).Wait(ctx); err != nil {
		return false, "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, "", err
	}
	resp, err := httpx.Do(c.http, req, "social "+platform)
	if err != nil {
		var se *httpx.StatusError
		if errors.As(err, &se) && (se.Status == http.StatusNotFound || se.Status == http.StatusGone) {
			return false, "", nil
		}
		return false, "", err
	}
	httpx.Drain(resp)
	return true, url, nil
}
