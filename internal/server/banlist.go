// Package server filters inbound peers against the static banned-address set
// loaded at startup.
package server

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
)

// BanList is a read-only set of banned addresses and CIDR prefixes.
type BanList struct {
	addrs    map[netip.Addr]struct{}
	prefixes []netip.Prefix
}

// NewBanList parses entries as single addresses or CIDR prefixes. Blank
// entries are skipped.
func NewBanList(entries []string) (*BanList, error) {
	b := &BanList{addrs: make(map[netip.Addr]struct{}, len(entries))}

	for _, entry := range entries {
		trimmed := strings.TrimSpace(entry)
		if trimmed == "" {
			continue
		}

		if strings.Contains(trimmed, "/") {
			prefix, err := netip.ParsePrefix(trimmed)
			if err != nil {
				return nil, fmt.Errorf("banned prefix %q: %w", entry, err)
			}
			b.prefixes = append(b.prefixes, prefix.Masked())
			continue
		}

		addr, err := netip.ParseAddr(trimmed)
		if err != nil {
			return nil, fmt.Errorf("banned address %q: %w", entry, err)
		}
		b.addrs[addr.Unmap()] = struct{}{}
	}

	return b, nil
}

// Len reports the number of entries.
func (b *BanList) Len() int {
	return len(b.addrs) + len(b.prefixes)
}

// ContainsIP reports whether ip is banned.
func (b *BanList) ContainsIP(ip netip.Addr) bool {
	if b == nil || !ip.IsValid() {
		return false
	}
	ip = ip.Unmap()
	if _, ok := b.addrs[ip]; ok {
		return true
	}
	for _, prefix := range b.prefixes {
		if prefix.Contains(ip) {
			return true
		}
	}
	return false
}

// Contains reports whether the peer behind addr is banned.
func (b *BanList) Contains(addr net.Addr) bool {
	ip, ok := addrIP(addr)
	return ok && b.ContainsIP(ip)
}

// ContainsHostPort is Contains for "host:port" strings such as
// http.Request.RemoteAddr.
func (b *BanList) ContainsHostPort(hostport string) bool {
	ip, ok := parseHostIP(hostport)
	return ok && b.ContainsIP(ip)
}

func addrIP(addr net.Addr) (netip.Addr, bool) {
	switch a := addr.(type) {
	case nil:
		return netip.Addr{}, false
	case *net.TCPAddr:
		ip, ok := netip.AddrFromSlice(a.IP)
		return ip.Unmap(), ok
	default:
		return parseHostIP(addr.String())
	}
}

func parseHostIP(hostport string) (netip.Addr, bool) {
	host, _, err := net.SplitHostPort(hostport)
	if err != nil {
		host = hostport
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, false
	}
	return ip.Unmap(), true
}
