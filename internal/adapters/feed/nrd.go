// Package feed reads daily newly-registered-domain lists over HTTP.
//
// A list for day D is expected once D has ended, so the newest day consumed
// is yesterday (UTC). The watermark is "YYYY-MM-DD#offset": the day being
// read and how many of its domains were already handed out.
package feed

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"brandwatch/internal/adapters/httpx"
	"brandwatch/internal/domain"
	"brandwatch/internal/ports"
)

const (
	dayLayout  = "2006-01-02"
	maxBacklog = 30 // days
)

type Source struct {
	name        string
	urlTemplate string
	http        *http.Client
	now         func() time.Time

	mu      sync.Mutex
	day     string
	domains []string
}

var _ ports.FeedSource = (*Source)(nil)

// New returns a source named name; {date} in urlTemplate is replaced by
// the day being read.
func New(name, urlTemplate string, timeout time.Duration) *Source {
	return &Source{name: name, urlTemplate: urlTemplate, http: httpx.NewClient(timeout), now: time.Now}
}

func (s *Source) Name() string { return s.name }

func (s *Source) Next(ctx context.Context, watermark string, limit int) (ports.FeedBatch, error) {
	if limit <= 0 {
		return ports.FeedBatch{}, fmt.Errorf("feed %s: non-positive batch size %d", s.name, limit)
	}
	now := s.now().UTC()
	latest := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, -1)
	day, offset, err := parseWatermark(watermark, latest)
	if err != nil {
		return ports.FeedBatch{}, err
	}
	if oldest := latest.AddDate(0, 0, -maxBacklog); day.Before(oldest) {
		day, offset = oldest, 0
	}

	for {
		if day.After(latest) {
			return ports.FeedBatch{Watermark: formatWatermark(day, 0), Done: true}, nil
		}
		domains, found, err := s.load(ctx, day)
		if err != nil {
			return ports.FeedBatch{}, err
		}
		if !found {
			if day.Equal(latest) {
				// not published yet
				return ports.FeedBatch{Watermark: formatWatermark(day, 0), Done: true}, nil
			}
			day, offset = day.AddDate(0, 0, 1), 0
			continue
		}
		if offset >= len(domains) {
			day, offset = day.AddDate(0, 0, 1), 0
			continue
		}
		end := min(offset+limit, len(domains))
		batch := ports.FeedBatch{Domains: domains[offset:end], Watermark: formatWatermark(day, end)}
		if end == len(domains) {
			batch.Watermark = formatWatermark(day.AddDate(0, 0, 1), 0)
			batch.Done = day.Equal(latest)
		}
		return batch, nil
	}
}

// load fetches one day's list, keeping the last one in memory so batches of
// the same day do not refetch it.
func (s *Source) load(ctx context.Context, day time.Time) ([]string, bool, error) {
	key := day.Format(dayLayout)
	s.mu.Lock()
	if s.day == key {
		d := s.domains
		s.mu.Unlock()
		return d, true, nil
	}
	s.mu.Unlock()

	url := strings.ReplaceAll(s.urlTemplate, "{date}", key)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false, err
	}
	resp, err := httpx.Do(s.http, req, "feed "+s.name)
	if err != nil {
		var se *httpx.StatusError
		if errors.As(err, &se) && se.Status == http.StatusNotFound {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer httpx.Drain(resp)

	var domains []string
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64<<10), 1<<20)
	for sc.Scan() {
		if d := parseLine(sc.Text()); d != "" {
			domains = append(domains, d)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, false, domain.Transient(fmt.Errorf("feed %s: read %s: %w", s.name, key, err))
	}

	s.mu.Lock()
	s.day, s.domains = key, domains
	s.mu.Unlock()
	return domains, true, nil
}

// parseLine accepts bare domains and CSV rows whose first column is the
// domain. Comments start with #.
func parseLine(line string) string {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return ""
	}
	if i := strings.IndexAny(line, ", \t"); i >= 0 {
		line = line[:i]
	}
	return domain.NormalizeDomain(line)
}

func parseWatermark(wm string, latest time.Time) (time.Time, int, error) {
	if wm == "" {
		return latest, 0, nil
	}
	dayPart, offPart, _ := strings.Cut(wm, "#")
	day, err := time.Parse(dayLayout, dayPart)
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("feed watermark %q: %w", wm, err)
	}
	offset := 0
	if offPart != "" {
		if offset, err = strconv.Atoi(offPart); err != nil || offset < 0 {
			return time.Time{}, 0, fmt.Errorf("feed watermark %q: bad offset", wm)
		}
	}
	return day, offset, nil
}

func formatWatermark(day time.Time, offset int) string {
	return day.Format(dayLayout) + "#" + strconv.Itoa(offset)
}
