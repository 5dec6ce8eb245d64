package decision

import (
	"fmt"
	"net"
	"strings"
)

// ParseAndSanitize parses an IP or CIDR string and returns the canonical form.
// Returns an error for unparseable inputs.
func ParseAndSanitize(value string) (string, bool, error) {
	value = strings.TrimSpace(value)

	if strings.Contains(value, "/") {
		_, network, err := net.ParseCIDR(value)
		if err != nil {
			return "", false, fmt.Errorf("invalid CIDR %q: %w", value, err)
		}
		// A single-host prefix is the host itself.
		if ones, bits := network.Mask.Size(); ones == bits {
			return canonical(network.IP), false, nil
		}
		return network.String(), true, nil
	}

	ip := net.ParseIP(value)
	if ip == nil {
		return "", false, fmt.Errorf("invalid IP address %q", value)
	}
	return canonical(ip), false, nil
}

// canonical folds IPv4-mapped IPv6 (::ffff:1.2.3.4) to plain IPv4.
func canonical(ip net.IP) string {
	if ip4 := ip.To4(); ip4 != nil {
		return ip4.String()
	}
	return ip.String()
}

// HostIP returns the canonical address of a host or host:port string, as found
// in http.Request.RemoteAddr or a forwarding header. Zone suffixes are dropped.
func HostIP(value string) (string, error) {
	value = strings.TrimSpace(value)
	if host, _, err := net.SplitHostPort(value); err == nil {
		value = host
	}
	value = strings.Trim(value, "[]")
	if i := strings.IndexByte(value, '%'); i >= 0 {
		value = value[:i]
	}
	ip := net.ParseIP(value)
	if ip == nil {
		return "", fmt.Errorf("invalid IP address %q", value)
	}
	return canonical(ip), nil
}

// IsPrivate returns true if the IP/CIDR is RFC1918, loopback, link-local, or ULA.
func IsPrivate(value string) bool {
	var ip net.IP
	if strings.Contains(value, "/") {
		parsedIP, _, err := net.ParseCIDR(value)
		if err != nil {
			return false
		}
		ip = parsedIP
	} else {
		ip = net.ParseIP(value)
	}
	if ip == nil {
		return false
	}

	ip16 := ip.To16()
	for _, block := range privateBlocks {
		if block.Contains(ip16) {
			return true
		}
	}
	return false
}

var privateBlocks = func() []*net.IPNet {
	cidrs := []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"127.0.0.0/8",
		"169.254.0.0/16",
		"100.64.0.0/10", // CGNAT (RFC 6598)
		"::1/128",
		"fe80::/10",
		"fc00::/7",
		"100::/64",
	}
	blocks := make([]*net.IPNet, 0, len(cidrs))
	for _, cidr := range cidrs {
		_, block, err := net.ParseCIDR(cidr)
		if err != nil {
			panic("invalid private CIDR: " + cidr)
		}
		blocks = append(blocks, block)
	}
	return blocks
}()

// InNetworks reports whether ip (or the network address of a CIDR) falls in
// any of nets.
func InNetworks(ip string, nets []*net.IPNet) bool {
	var parsed net.IP
	if strings.Contains(ip, "/") {
		p, _, err := net.ParseCIDR(ip)
		if err != nil {
			return false
		}
		parsed = p
	} else {
		parsed = net.ParseIP(ip)
		if parsed == nil {
			return false
		}
	}

	for _, n := range nets {
		if n.Contains(parsed) {
			return true
		}
	}
	return false
}

// ParseNetworks parses IP/CIDR strings into net.IPNet entries. Bare addresses
// become /32 or /128 networks. Used for whitelists and trusted proxies.
func ParseNetworks(entries []string) ([]*net.IPNet, error) {
	result := make([]*net.IPNet, 0, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if !strings.Contains(e, "/") {
			ip := net.ParseIP(e)
			if ip == nil {
				return nil, fmt.Errorf("invalid network entry %q", e)
			}
			bits := 32
			if ip.To4() == nil {
				bits = 128
			}
			e = fmt.Sprintf("%s/%d", ip.String(), bits)
		}
		_, cidr, err := net.ParseCIDR(e)
		if err != nil {
			return nil, fmt.Errorf("invalid network CIDR %q: %w", e, err)
		}
		result = append(result, cidr)
	}
	return result, nil
}
