// Package dnsresolve checks whether generated domain variations are
// registered by asking a recursive resolver directly.
package dnsresolve

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/miekg/dns"

	"brandwatch/internal/domain"
	"brandwatch/internal/ports"
)

type entry struct {
	registered bool
	expiry     time.Time
}

type Resolver struct {
	server string
	client *dns.Client
	ttl    time.Duration

	mu       sync.Mutex
	cache    map[string]entry
	maxCache int
}

var _ ports.Resolver = (*Resolver)(nil)

// New returns a resolver querying server (host:port). Answers are cached
// for ttl; zero disables the cache.
func New(server string, timeout, ttl time.Duration) *Resolver {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Resolver{
		server: server,
		client: &dns.Client{
			Net:          "udp",
			Timeout:      timeout,
			DialTimeout:  timeout,
			ReadTimeout:  timeout,
			WriteTimeout: timeout,
		},
		ttl:      ttl,
		cache:    make(map[string]entry),
		maxCache: 4096,
	}
}

// Registered reports whether name has NS or A records. NXDOMAIN is a
// definite no; timeouts and SERVFAIL are transient.
func (r *Resolver) Registered(ctx context.Context, name string) (bool, error) {
	if ok, hit := r.cached(name); hit {
		return ok, nil
	}
	registered := false
	for _, qt := range []uint16{dns.TypeNS, dns.TypeA} {
		rcode, answers, err := r.query(ctx, name, qt)
		if err != nil {
			return false, err
		}
		if rcode == dns.RcodeNameError {
			break
		}
		if answers > 0 {
			registered = true
			break
		}
	}
	r.store(name, registered)
	return registered, nil
}

func (r *Resolver) query(ctx context.Context, name string, qt uint16) (int, int, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), qt)
	msg.RecursionDesired = true
	resp, _, err := r.client.ExchangeContext(ctx, msg, r.server)
	if err != nil {
		return 0, 0, domain.Transient(fmt.Errorf("dns %s %s: %w", dns.TypeToString[qt], name, err))
	}
	switch resp.Rcode {
	case dns.RcodeSuccess, dns.RcodeNameError:
		return resp.Rcode, len(resp.Answer), nil
	case dns.RcodeServerFailure, dns.RcodeRefused:
		return 0, 0, domain.Transient(fmt.Errorf("dns %s %s: %s", dns.TypeToString[qt], name, dns.RcodeToString[resp.Rcode]))
	}
	return 0, 0, fmt.Errorf("dns %s %s: %s", dns.TypeToString[qt], name, dns.RcodeToString[resp.Rcode])
}

func (r *Resolver) cached(name string) (bool, bool) {
	if r.ttl <= 0 {
		return false, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.cache[name]
	if !ok || time.Now().After(e.expiry) {
		return false, false
	}
	return e.registered, true
}

func (r *Resolver) store(name string, registered bool) {
	if r.ttl <= 0 {
		return
	}
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.cache) >= r.maxCache {
		// drop expired entries first, then everything
		for k, e := range r.cache {
			if now.After(e.expiry) {
				delete(r.cache, k)
			}
		}
		if len(r.cache) >= r.maxCache {
			clear(r.cache)
		}
	}
	r.cache[name] = entry{registered: registered, expiry: now.Add(r.ttl)}
}
