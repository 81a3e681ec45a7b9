// Package resolver looks up the control server host against a fixed set of
// DNS servers instead of the system resolver.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	mdns "github.com/miekg/dns"
)

// MultiResolver queries upstream servers in order, follows CNAMEs and caches answers.
type MultiResolver struct {
	servers  []string      // host:port
	timeout  time.Duration // per server query
	cacheTTL time.Duration
	client   *mdns.Client
	dialer   net.Dialer
	mu       sync.RWMutex
	cache    map[string]cacheEntry
}

type cacheEntry struct {
	ips     []net.IP
	expires time.Time
}

// maxCNAMEHops bounds CNAME chasing.
const maxCNAMEHops = 5

// New normalizes servers (default port 53). It returns nil when no server is given,
// so callers fall back to the system resolver.
func New(servers []string, perTimeout, cacheTTL time.Duration) *MultiResolver {
	var norm []string
	for _, s := range servers {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(s); err != nil {
			s = net.JoinHostPort(strings.Trim(s, "[]"), "53")
		}
		norm = append(norm, s)
	}
	if len(norm) == 0 {
		return nil
	}
	if perTimeout <= 0 {
		perTimeout = 2 * time.Second
	}
	return &MultiResolver{
		servers:  norm,
		timeout:  perTimeout,
		cacheTTL: cacheTTL,
		client:   &mdns.Client{Net: "udp", Timeout: perTimeout},
		dialer:   net.Dialer{Timeout: 10 * time.Second},
		cache:    map[string]cacheEntry{},
	}
}

// Resolve returns the de-duplicated A and AAAA addresses of domain in a stable order.
func (r *MultiResolver) Resolve(ctx context.Context, domain string) ([]net.IP, error) {
	domain = strings.TrimSuffix(strings.TrimSpace(domain), ".")
	if domain == "" {
		return nil, errors.New("empty domain")
	}
	r.mu.RLock()
	if ce, ok := r.cache[domain]; ok && time.Now().Before(ce.expires) {
		ipsCopy := append([]net.IP{}, ce.ips...)
		r.mu.RUnlock()
		return ipsCopy, nil
	}
	r.mu.RUnlock()

	var collected []net.IP
	seen := map[string]struct{}{}
	target := domain
	for hop := 0; hop < maxCNAMEHops && len(collected) == 0; hop++ {
		next := ""
		for _, qtype := range []uint16{mdns.TypeA, mdns.TypeAAAA} {
			rrs, err := r.query(ctx, target, qtype)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				continue
			}
			for _, rr := range rrs {
				var ip net.IP
				switch v := rr.(type) {
				case *mdns.A:
					ip = v.A
				case *mdns.AAAA:
					ip = v.AAAA
				case *mdns.CNAME:
					next = strings.TrimSuffix(v.Target, ".")
				}
				if ip == nil {
					continue
				}
				if _, ok := seen[ip.String()]; !ok {
					seen[ip.String()] = struct{}{}
					collected = append(collected, ip)
				}
			}
		}
		if next == "" || next == target {
			break
		}
		target = next
	}
	if len(collected) == 0 {
		return nil, fmt.Errorf("no addresses for %s", domain)
	}
	// stable order, IPv4 first
	sort.SliceStable(collected, func(i, j int) bool {
		a4, b4 := collected[i].To4() != nil, collected[j].To4() != nil
		if a4 != b4 {
			return a4
		}
		return collected[i].String() < collected[j].String()
	})
	if r.cacheTTL > 0 {
		r.mu.Lock()
		r.cache[domain] = cacheEntry{ips: collected, expires: time.Now().Add(r.cacheTTL)}
		r.mu.Unlock()
	}
	return append([]net.IP{}, collected...), nil
}

// query asks each server in turn and returns the first successful answer section.
func (r *MultiResolver) query(ctx context.Context, fqdn string, qtype uint16) ([]mdns.RR, error) {
	m := new(mdns.Msg)
	m.SetQuestion(mdns.Fqdn(fqdn), qtype)
	var lastErr error
	for _, srv := range r.servers {
		qctx, cancel := context.WithTimeout(ctx, r.timeout)
		in, _, err := r.client.ExchangeContext(qctx, m, srv)
		cancel()
		if err != nil {
			lastErr = err
			continue
		}
		if in == nil || in.Rcode != mdns.RcodeSuccess {
			lastErr = fmt.Errorf("%s: rcode %d", srv, rcodeOf(in))
			continue
		}
		return append(in.Answer, in.Extra...), nil
	}
	if lastErr == nil {
		lastErr = errors.New("no answer")
	}
	return nil, lastErr
}

func rcodeOf(m *mdns.Msg) int {
	if m == nil {
		return -1
	}
	return m.Rcode
}

// DialContext resolves the host in addr with Resolve and dials the addresses in
// order until one connects. Literal IPs are dialed directly.
func (r *MultiResolver) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	if ip := net.ParseIP(host); ip != nil {
		return r.dialer.DialContext(ctx, network, addr)
	}
	ips, err := r.Resolve(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", host, err)
	}
	var lastErr error
	for _, ip := range ips {
		conn, err := r.dialer.DialContext(ctx, network, net.JoinHostPort(ip.String(), port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, lastErr
}
