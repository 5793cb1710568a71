package discovery

import (
	"net"
	"sort"
)

// SortIPsByPreference orders addresses for connection attempts.
// Priority order (highest to lowest):
//  1. IPv6 global unicast
//  2. IPv6 unique local (fc00::/7)
//  3. IPv4
//  4. IPv6 link-local (needs a zone to be usable)
//  5. Loopback, then anything else
//
// The input slice is not modified.
func SortIPsByPreference(ips []net.IP) []net.IP {
	if len(ips) <= 1 {
		return ips
	}

	sorted := make([]net.IP, len(ips))
	copy(sorted, ips)

	sort.SliceStable(sorted, func(i, j int) bool {
		return ipPriority(sorted[i]) < ipPriority(sorted[j])
	})

	return sorted
}

// ipPriority returns the priority of an IP address (lower is better).
func ipPriority(ip net.IP) int {
	ip16 := ip.To16()
	switch {
	case ip16 == nil:
		return 99
	case ip.IsLoopback():
		return 80
	case ip.IsMulticast():
		return 90
	case ip.To4() != nil:
		return 20
	case isGlobalUnicast(ip16):
		return 0
	case isUniqueLocal(ip16):
		return 1
	case ip.IsLinkLocalUnicast():
		return 30
	}
	return 10
}

// isGlobalUnicast returns true for routable IPv6 unicast addresses outside
// the ULA range.
func isGlobalUnicast(ip net.IP) bool {
	return ip.IsGlobalUnicast() && !isUniqueLocal(ip)
}

// isUniqueLocal returns true if the IP is an IPv6 Unique Local Address (ULA).
// ULA range: fc00::/7 (fc00:: to fdff::)
func isUniqueLocal(ip net.IP) bool {
	if ip.To4() != nil {
		return false
	}
	ip = ip.To16()
	if ip == nil {
		return false
	}
	return ip[0] == 0xfc || ip[0] == 0xfd
}

// FilterIPv6 returns only IPv6 addresses from the slice.
func FilterIPv6(ips []net.IP) []net.IP {
	var result []net.IP
	for _, ip := range ips {
		if ip.To4() == nil && ip.To16() != nil {
			result = append(result, ip)
		}
	}
	return result
}

// FilterIPv4 returns only IPv4 addresses from the slice.
func FilterIPv4(ips []net.IP) []net.IP {
	var result []net.IP
	for _, ip := range ips {
		if ip.To4() != nil {
			result = append(result, ip)
		}
	}
	return result
}
