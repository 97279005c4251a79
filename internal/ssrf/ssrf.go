// Package ssrf keeps supplier API calls away from internal address space.
package ssrf

import (
    "context"
    "errors"
    "fmt"
    "net"
    "net/netip"
    "time"
)

var ErrBlockedHost = errors.New("supplier host resolves only to blocked addresses")

var blocked = []netip.Prefix{
    netip.MustParsePrefix("0.0.0.0/8"),
    netip.MustParsePrefix("10.0.0.0/8"),
    netip.MustParsePrefix("100.64.0.0/10"),
    netip.MustParsePrefix("127.0.0.0/8"),
    netip.MustParsePrefix("169.254.0.0/16"),
    netip.MustParsePrefix("172.16.0.0/12"),
    netip.MustParsePrefix("192.0.0.0/24"),
    netip.MustParsePrefix("192.168.0.0/16"),
    netip.MustParsePrefix("198.18.0.0/15"),
    netip.MustParsePrefix("224.0.0.0/4"),
    netip.MustParsePrefix("240.0.0.0/4"),
    netip.MustParsePrefix("::/128"),
    netip.MustParsePrefix("::1/128"),
    netip.MustParsePrefix("fc00::/7"),
    netip.MustParsePrefix("fe80::/10"),
    netip.MustParsePrefix("ff00::/8"),
}

func IsBlocked(ip netip.Addr) bool {
    ip = ip.Unmap()
    if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
        return true
    }
    for _, p := range blocked {
        if p.Contains(ip) {
            return true
        }
    }
    return false
}

type resolver interface {
    LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// Dialer resolves the target itself and connects only to a public address.
type Dialer struct {
    Resolver resolver
    Timeout  time.Duration
}

func NewDialer(timeout time.Duration) *Dialer {
    return &Dialer{Resolver: net.DefaultResolver, Timeout: timeout}
}

// ResolveAndPin returns the first allowed address for host.
func (d *Dialer) ResolveAndPin(ctx context.Context, host string) (netip.Addr, error) {
    if host == "" {
        return netip.Addr{}, errors.New("empty host")
    }
    if ip, err := netip.ParseAddr(host); err == nil {
        if IsBlocked(ip) {
            return netip.Addr{}, fmt.Errorf("%s: %w", host, ErrBlockedHost)
        }
        return ip, nil
    }
    ips, err := d.Resolver.LookupNetIP(ctx, "ip", host)
    if err != nil {
        return netip.Addr{}, err
    }
    for _, ip := range ips {
        if !IsBlocked(ip) {
            return ip, nil
        }
    }
    return netip.Addr{}, fmt.Errorf("%s: %w", host, ErrBlockedHost)
}

// DialContext has the http.Transport signature.
func (d *Dialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
    host, port, err := net.SplitHostPort(addr)
    if err != nil {
        return nil, err
    }
    ip, err := d.ResolveAndPin(ctx, host)
    if err != nil {
        return nil, err
    }
    nd := &net.Dialer{Timeout: d.Timeout}
    return nd.DialContext(ctx, network, net.JoinHostPort(ip.String(), port))
}
