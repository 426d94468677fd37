// Package accesslist implements longest-prefix CIDR matching for the
// control channel's peer allowlist and each zone's notify/allow-notify
// ACLs, using a cidranger.PCTrieRanger.
package accesslist

import (
	"net"

	"github.com/semihalev/zlog/v2"
	"github.com/yl2chen/cidranger"
)

// AccessList matches an IP address against a set of configured CIDRs.
type AccessList struct {
	ranger cidranger.Ranger
}

// New builds an AccessList from presentation-format CIDRs (or bare IPs,
// which are treated as /32 or /128). Malformed entries are logged and
// skipped rather than failing the whole list.
func New(cidrs []string) *AccessList {
	a := &AccessList{ranger: cidranger.NewPCTrieRanger()}
	for _, entry := range cidrs {
		ipnet, err := parseCIDROrIP(entry)
		if err != nil {
			zlog.Error("accesslist: skipping unparseable entry", "entry", entry, "error", err.Error())
			continue
		}
		_ = a.ranger.Insert(cidranger.NewBasicRangerEntry(*ipnet))
	}
	return a
}

func parseCIDROrIP(entry string) (*net.IPNet, error) {
	if _, ipnet, err := net.ParseCIDR(entry); err == nil {
		return ipnet, nil
	}
	ip := net.ParseIP(entry)
	if ip == nil {
		_, ipnet, err := net.ParseCIDR(entry + "/32")
		return ipnet, err
	}
	bits := 32
	if ip.To4() == nil {
		bits = 128
	}
	return &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}, nil
}

// Allowed reports whether ip matches any configured CIDR. An empty
// AccessList denies everything: access has to be granted explicitly.
func (a *AccessList) Allowed(ip net.IP) bool {
	if a == nil || ip == nil {
		return false
	}
	ok, _ := a.ranger.Contains(ip)
	return ok
}

// AllowedAddr is a convenience wrapper for a net.Addr as returned by
// dns.ResponseWriter.RemoteAddr / net.Conn.RemoteAddr.
func (a *AccessList) AllowedAddr(addr net.Addr) bool {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		host = addr.String()
	}
	return a.Allowed(net.ParseIP(host))
}
