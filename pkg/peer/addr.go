// Copyright (c) 2025 The FileZap developers

package peer

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	ma "github.com/multiformats/go-multiaddr"
)

// Addr is a dialable peer endpoint as kept in the peer directory.
type Addr struct {
	Host string
	Port uint16
}

// String returns the address in host:port form.
func (a Addr) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(int(a.Port)))
}

// Multiaddr returns the address as a multiaddr.
func (a Addr) Multiaddr() (ma.Multiaddr, error) {
	proto := "dns"
	if ip := net.ParseIP(a.Host); ip != nil {
		proto = "ip6"
		if ip.To4() != nil {
			proto = "ip4"
		}
	}
	return ma.NewMultiaddr(fmt.Sprintf("/%s/%s/tcp/%d", proto, a.Host, a.Port))
}

// ParseAddr accepts either host:port or a TCP multiaddr such as
// /ip4/10.0.0.1/tcp/9000 or /dns4/node.example.com/tcp/9000.
func ParseAddr(s string) (Addr, error) {
	if strings.HasPrefix(s, "/") {
		return parseMultiaddr(s)
	}

	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Addr{}, err
	}
	if host == "" {
		host = "127.0.0.1"
	}

	port, err := parsePort(portStr)
	if err != nil {
		return Addr{}, err
	}

	return Addr{Host: host, Port: port}, nil
}

func parseMultiaddr(s string) (Addr, error) {
	m, err := ma.NewMultiaddr(s)
	if err != nil {
		return Addr{}, fmt.Errorf("invalid multiaddr %q: %w", s, err)
	}

	var host string
	for _, code := range []int{ma.P_IP4, ma.P_IP6, ma.P_DNS4, ma.P_DNS6, ma.P_DNS} {
		if v, err := m.ValueForProtocol(code); err == nil {
			host = v
			break
		}
	}
	if host == "" {
		return Addr{}, fmt.Errorf("multiaddr %q has no host component", s)
	}

	portStr, err := m.ValueForProtocol(ma.P_TCP)
	if err != nil {
		return Addr{}, fmt.Errorf("multiaddr %q has no tcp component", s)
	}

	port, err := parsePort(portStr)
	if err != nil {
		return Addr{}, err
	}

	return Addr{Host: host, Port: port}, nil
}

func parsePort(s string) (uint16, error) {
	port, err := strconv.Atoi(s)
	if err != nil || port < 1 || port > 65535 {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return uint16(port), nil
}
