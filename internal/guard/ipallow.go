package guard

import (
    "fmt"
    "net"
    "net/http"
    "net/netip"
    "strings"
)

// IPAllowed reports whether ip passes a supplier allow-list. An empty list
// admits everything. Entries match exactly, by first three octets when written
// as a /24, or by prefix containment for any other CIDR.
func IPAllowed(ip string, list []string) bool {
    if len(list) == 0 {
        return true
    }
    ip = strings.TrimSpace(ip)
    addr, err := netip.ParseAddr(ip)
    if err != nil {
        return false
    }
    addr = addr.Unmap()
    for _, entry := range list {
        entry = strings.TrimSpace(entry)
        if entry == "" { continue }
        if entry == ip {
            return true
        }
        host, bits, hasBits := strings.Cut(entry, "/")
        if !hasBits {
            if e, err := netip.ParseAddr(host); err == nil && e.Unmap() == addr {
                return true
            }
            continue
        }
        if bits == "24" {
            if sameSlash24(addr, host) {
                return true
            }
            continue
        }
        if p, err := netip.ParsePrefix(entry); err == nil && p.Contains(addr) {
            return true
        }
    }
    return false
}

func sameSlash24(addr netip.Addr, entryHost string) bool {
    if !addr.Is4() { return false }
    e, err := netip.ParseAddr(entryHost)
    if err != nil { return false }
    e = e.Unmap()
    if !e.Is4() { return false }
    a, b := addr.As4(), e.As4()
    return a[0] == b[0] && a[1] == b[1] && a[2] == b[2]
}

// ParseProxies turns TRUSTED_PROXIES entries into prefixes. A bare address
// becomes a single-host prefix.
func ParseProxies(list []string) ([]netip.Prefix, error) {
    var out []netip.Prefix
    for _, entry := range list {
        entry = strings.TrimSpace(entry)
        if entry == "" { continue }
        if !strings.Contains(entry, "/") {
            a, err := netip.ParseAddr(entry)
            if err != nil {
                return nil, fmt.Errorf("trusted proxy %q: %w", entry, err)
            }
            a = a.Unmap()
            out = append(out, netip.PrefixFrom(a, a.BitLen()))
            continue
        }
        p, err := netip.ParsePrefix(entry)
        if err != nil {
            return nil, fmt.Errorf("trusted proxy %q: %w", entry, err)
        }
        out = append(out, p.Masked())
    }
    return out, nil
}

func trustedHop(ip string, trusted []netip.Prefix) bool {
    a, err := netip.ParseAddr(strings.TrimSpace(ip))
    if err != nil { return false }
    a = a.Unmap()
    for _, p := range trusted {
        if p.Contains(a) { return true }
    }
    return false
}

// ClientIP returns the peer address. X-Forwarded-For is consulted only when the
// peer is a trusted proxy; the header is walked right to left and the first hop
// outside the trusted set wins.
func ClientIP(r *http.Request, trusted []netip.Prefix) string {
    peer, _, err := net.SplitHostPort(r.RemoteAddr)
    if err != nil {
        peer = r.RemoteAddr
    }
    if len(trusted) == 0 || !trustedHop(peer, trusted) {
        return peer
    }
    var hops []string
    for _, v := range r.Header.Values("X-Forwarded-For") {
        for _, h := range strings.Split(v, ",") {
            if h = strings.TrimSpace(h); h != "" {
                hops = append(hops, h)
            }
        }
    }
    client := peer
    for i := len(hops) - 1; i >= 0; i-- {
        client = hops[i]
        if !trustedHop(client, trusted) {
            break
        }
    }
    return client
}
