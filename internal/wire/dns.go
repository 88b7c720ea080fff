package wire

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
)

// DNSProtocolIPPort is the only upstream DNS transport currently spoken.
const DNSProtocolIPPort = "ip_port"

// DefaultDNSPort is assumed when an upstream entry omits the port.
const DefaultDNSPort = 53

// NormalizeDNSAddr parses one upstream DNS entry of the form "ip[:port]"
// into its wire view. IPv6 addresses may be bare or bracketed; the port
// defaults to 53.
func NormalizeDNSAddr(s string) (DNSServerView, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return DNSServerView{}, errors.New("empty upstream dns entry")
	}

	host, port, err := net.SplitHostPort(s)
	if err != nil {
		host, port = s, strconv.Itoa(DefaultDNSPort)
	} else {
		n, perr := strconv.Atoi(port)
		if perr != nil || n < 1 || n > 65535 {
			return DNSServerView{}, fmt.Errorf("upstream dns %q: invalid port %q", s, port)
		}
	}
	if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		host = host[1 : len(host)-1]
	}

	addr, err := netip.ParseAddr(host)
	if err != nil {
		return DNSServerView{}, fmt.Errorf("upstream dns %q: %w", s, err)
	}

	return DNSServerView{
		Protocol: DNSProtocolIPPort,
		Address:  net.JoinHostPort(addr.String(), port),
	}, nil
}

// UpstreamDNS normalizes an account's upstream DNS list, dropping
// entries that fail to parse. Account config is validated at write
// time, so drops here mean legacy rows; pushing a partial list beats
// failing the whole init.
func UpstreamDNS(addrs []string) []DNSServerView {
	out := make([]DNSServerView, 0, len(addrs))
	for _, a := range addrs {
		v, err := NormalizeDNSAddr(a)
		if err != nil {
			continue
		}
		out = append(out, v)
	}
	return out
}
