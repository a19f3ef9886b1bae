// Package security guards outbound HTTP from the console services.
//
// The payment gateway client dials through an egress transport that refuses
// private, loopback and link-local destinations (including the instance
// metadata service), so a mistyped GATEWAY_BASE_URL or a poisoned DNS answer
// cannot turn order creation into a request against internal
// infrastructure.
package security

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// dnsTimeout bounds host resolution before each dial.
const dnsTimeout = 500 * time.Millisecond

var (
	// ErrEgressBlocked is returned when a destination resolves into a
	// blocked range.
	ErrEgressBlocked = errors.New("egress: destination address is blocked")
	// ErrEgressDNS is returned when the destination cannot be resolved.
	ErrEgressDNS = errors.New("egress: DNS resolution failed")
	// ErrTooManyRedirects is returned when a response chain exceeds the
	// redirect limit.
	ErrTooManyRedirects = errors.New("egress: too many redirects")
)

// BlockedCIDRs lists the destination ranges outbound calls may not reach.
var BlockedCIDRs = []string{
	"127.0.0.0/8",
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"169.254.0.0/16", // instance metadata
	"0.0.0.0/8",
	"100.64.0.0/10",
	"224.0.0.0/4",
	"240.0.0.0/4",
	"fc00::/7",
	"fe80::/10",
	"::1/128",
}

var blockedNets = mustParseCIDRs(BlockedCIDRs)

func mustParseCIDRs(cidrs []string) []*net.IPNet {
	out := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(fmt.Sprintf("egress: bad CIDR %q: %v", c, err))
		}
		out = append(out, n)
	}
	return out
}

// IsBlocked reports whether ip falls inside a blocked range.
func IsBlocked(ip net.IP) bool {
	for _, n := range blockedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// Resolver abstracts DNS lookups for tests.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Dialer abstracts the final connection for tests.
type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// EgressGuard validates every resolved address before dialing. All
// addresses for a host must pass, then the first one is dialed, which
// pins the connection to a checked IP.
type EgressGuard struct {
	Resolver Resolver
	Dialer   Dialer
}

// DialContext is suitable for http.Transport.DialContext.
func (g *EgressGuard) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("egress: invalid address %q: %w", addr, err)
	}
	ip, err := g.resolve(ctx, host)
	if err != nil {
		return nil, err
	}
	return g.dialer().DialContext(ctx, network, net.JoinHostPort(ip.String(), port))
}

func (g *EgressGuard) resolve(ctx context.Context, host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		if IsBlocked(ip) {
			return nil, fmt.Errorf("%w: %s", ErrEgressBlocked, ip)
		}
		return ip, nil
	}

	dnsCtx, cancel := context.WithTimeout(ctx, dnsTimeout)
	defer cancel()

	addrs, err := g.resolver().LookupIPAddr(dnsCtx, host)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrEgressDNS, host, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w: %s has no addresses", ErrEgressDNS, host)
	}
	for _, a := range addrs {
		if IsBlocked(a.IP) {
			return nil, fmt.Errorf("%w: %s (resolved from %s)", ErrEgressBlocked, a.IP, host)
		}
	}
	return addrs[0].IP, nil
}

func (g *EgressGuard) resolver() Resolver {
	if g.Resolver != nil {
		return g.Resolver
	}
	return net.DefaultResolver
}

func (g *EgressGuard) dialer() Dialer {
	if g.Dialer != nil {
		return g.Dialer
	}
	return &net.Dialer{Timeout: 5 * time.Second}
}

// CheckRedirect limits redirect chains and refuses redirects to literal
// blocked addresses. Named hosts are checked again at dial time.
func CheckRedirect(maxRedirects int) func(req *http.Request, via []*http.Request) error {
	return func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return fmt.Errorf("%w: limit is %d", ErrTooManyRedirects, maxRedirects)
		}
		if ip := net.ParseIP(req.URL.Hostname()); ip != nil && IsBlocked(ip) {
			return fmt.Errorf("%w: redirect to %s", ErrEgressBlocked, ip)
		}
		return nil
	}
}

// NewEgressClient returns an http.Client for third-party APIs. With
// allowPrivate set (local development against a stub gateway) the address
// guard is skipped but the redirect limit still applies.
func NewEgressClient(timeout time.Duration, allowPrivate bool) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSHandshakeTimeout = 5 * time.Second
	transport.MaxIdleConnsPerHost = 10
	if !allowPrivate {
		transport.DialContext = (&EgressGuard{}).DialContext
	}
	return &http.Client{
		Transport:     transport,
		Timeout:       timeout,
		CheckRedirect: CheckRedirect(3),
	}
}
