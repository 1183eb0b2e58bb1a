// Package httpclient provides a cached pool of outbound HTTP transports
// keyed by proxy configuration and connect timeout. A cached transport is
// reused across many concurrent requests so connections to the same
// upstream are pooled rather than re-established per call.
package httpclient

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// ProxyKind identifies the outbound proxy variant for a transport.
type ProxyKind string

const (
	ProxyNone  ProxyKind = "none"
	ProxyHTTP  ProxyKind = "http"
	ProxySOCKS ProxyKind = "socks5"
)

// ProxyConfig describes the outbound proxy a group's transport should use.
// Password is never rendered by digest in a recoverable form and must
// never be logged.
type ProxyConfig struct {
	Kind          ProxyKind `json:"kind"`
	URL           string    `json:"url"`
	Username      string    `json:"username,omitempty"`
	Password      string    `json:"password,omitempty"`
	BypassLocal   bool      `json:"bypass_local,omitempty"`
	BypassDomains []string  `json:"bypass_domains,omitempty"`
}

// digest returns a stable identifier for this proxy configuration, suitable
// as part of a cache key. The password contributes to the digest (so a
// rotated password gets a fresh transport) but the digest itself does not
// reveal it.
func (p ProxyConfig) digest() string {
	// Canonical JSON encoding keyed by struct field order; password is
	// included so transports are invalidated on rotation, but SHA-256 makes
	// the digest one-way.
	b, _ := json.Marshal(p)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// poolKey is the cache key: (proxy_config_digest, connect timeout in
// milliseconds).
type poolKey struct {
	proxyDigest      string
	connectTimeoutMS int64
}

// Pool is a keyed cache of reusable *http.Transport instances.
type Pool struct {
	mu    sync.RWMutex
	cache map[poolKey]*http.Transport
}

// NewPool creates an empty transport pool.
func NewPool() *Pool {
	return &Pool{cache: make(map[poolKey]*http.Transport)}
}

// Get returns the cached transport for (proxy, connectTimeout), creating one
// if absent. The transport's own response-header timeout is left unset
// (effectively unlimited): callers enforce overall request timeouts via
// context cancellation so in-flight streaming responses are never cut off
// mid-stream by the transport itself.
func (p *Pool) Get(proxy ProxyConfig, connectTimeout time.Duration) (*http.Transport, error) {
	key := poolKey{proxyDigest: proxy.digest(), connectTimeoutMS: connectTimeout.Milliseconds()}

	p.mu.RLock()
	t, ok := p.cache[key]
	p.mu.RUnlock()
	if ok {
		return t, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.cache[key]; ok {
		return t, nil
	}

	t, err := buildTransport(proxy, connectTimeout)
	if err != nil {
		return nil, err
	}
	p.cache[key] = t
	return t, nil
}

// Client wraps Get in an *http.Client with no client-side timeout: the
// caller is expected to bound the request via a context deadline/cancel so
// streaming bodies are not truncated.
func (p *Pool) Client(proxy ProxyConfig, connectTimeout time.Duration) (*http.Client, error) {
	t, err := p.Get(proxy, connectTimeout)
	if err != nil {
		return nil, err
	}
	return &http.Client{Transport: t}, nil
}

func buildTransport(proxy ProxyConfig, connectTimeout time.Duration) (*http.Transport, error) {
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}

	dialer := &net.Dialer{Timeout: connectTimeout}
	t := &http.Transport{
		DialContext:           dialer.DialContext,
		MaxIdleConns:          0, // no cap; runtime/OS limits apply
		MaxIdleConnsPerHost:   64,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: 0, // unlimited: caller's context governs timeout
		ExpectContinueTimeout: 1 * time.Second,
	}

	switch proxy.Kind {
	case "", ProxyNone:
		// no proxy
	case ProxyHTTP:
		u, err := buildProxyURL(proxy)
		if err != nil {
			return nil, err
		}
		t.Proxy = proxyFuncWithBypass(u, proxy)
	case ProxySOCKS:
		// net/http's Transport has no native SOCKS5 dialer; fall back to an
		// HTTP proxy and note the degradation (never log the password).
		u, err := buildProxyURL(proxy)
		if err != nil {
			return nil, err
		}
		slog.Warn("httpclient: socks5 proxy has no native dialer; using it as an HTTP proxy", "proxy_host", u.Host)
		t.Proxy = proxyFuncWithBypass(u, proxy)
	default:
		return nil, fmt.Errorf("httpclient: unknown proxy kind %q", proxy.Kind)
	}

	return t, nil
}

func buildProxyURL(proxy ProxyConfig) (*url.URL, error) {
	u, err := url.Parse(proxy.URL)
	if err != nil {
		return nil, fmt.Errorf("httpclient: invalid proxy url: %w", err)
	}
	if proxy.Username != "" {
		u.User = url.UserPassword(proxy.Username, proxy.Password)
	}
	return u, nil
}

func proxyFuncWithBypass(u *url.URL, proxy ProxyConfig) func(*http.Request) (*url.URL, error) {
	return func(req *http.Request) (*url.URL, error) {
		host := req.URL.Hostname()
		if proxy.BypassLocal && isLocalHost(host) {
			return nil, nil
		}
		for _, d := range proxy.BypassDomains {
			d = strings.TrimSpace(d)
			if d == "" {
				continue
			}
			if host == d || strings.HasSuffix(host, "."+d) {
				return nil, nil
			}
		}
		return u, nil
	}
}

func isLocalHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && (ip.IsLoopback() || ip.IsPrivate())
}

// DerefProxy returns *p, or the zero ProxyConfig (no proxy) if p is nil —
// callers pass a group's optional *ProxyConfig straight into Pool.Client.
func DerefProxy(p *ProxyConfig) ProxyConfig {
	if p == nil {
		return ProxyConfig{}
	}
	return *p
}

// CancelCtx is a small helper kept for callers that want a context bound to
// both a parent context and a hard deadline without importing time directly.
func CancelCtx(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, d)
}
