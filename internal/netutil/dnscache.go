package netutil

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/dnscache"
	"github.com/rs/zerolog/log"
)

// DefaultRefreshInterval is how often cached DNS entries are refreshed.
const DefaultRefreshInterval = 5 * time.Minute

// CachingResolver dials through a DNS cache that is refreshed in the
// background, so webhook deliveries do not hit the resolver every time.
type CachingResolver struct {
	resolver *dnscache.Resolver
	interval time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewCachingResolver creates a resolver. Call Start to enable refreshing.
func NewCachingResolver(interval time.Duration) *CachingResolver {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	return &CachingResolver{
		resolver: &dnscache.Resolver{},
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the refresh loop.
func (r *CachingResolver) Start() {
	log.Debug().Dur("interval", r.interval).Msg("Starting DNS cache refresh")
	go func() {
		defer close(r.doneCh)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.resolver.Refresh(true)
			case <-r.stopCh:
				return
			}
		}
	}()
}

// Stop ends the refresh loop started by Start.
func (r *CachingResolver) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
	})
	select {
	case <-r.doneCh:
	case <-time.After(time.Second):
	}
}

// DialContext resolves address through the cache and dials the first
// address that accepts a connection.
func (r *CachingResolver) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}

	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	if ip := net.ParseIP(host); ip != nil {
		return dialer.DialContext(ctx, network, address)
	}

	ips, err := r.resolver.LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, &net.DNSError{Err: "no IP addresses found", Name: host}
	}

	var lastErr error
	for _, ip := range ips {
		conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// HTTPClient returns a client whose transport dials through the cache.
func (r *CachingResolver) HTTPClient(timeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = r.DialContext
	return &http.Client{Timeout: timeout, Transport: transport}
}
