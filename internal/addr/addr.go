// Package addr defines the tagged IPv4-or-IPv6 socket address and the
// local/remote tuple that a received datagram carries.
package addr

import (
	"fmt"
	"net"
)

// Family is the address family of an Addr.
type Family uint8

const (
	// FamilyUnspec marks a zero-value Addr with no family assigned yet.
	FamilyUnspec Family = iota
	FamilyINET
	FamilyINET6
)

func (f Family) String() string {
	switch f {
	case FamilyINET:
		return "AF_INET"
	case FamilyINET6:
		return "AF_INET6"
	default:
		return "AF_UNSPEC"
	}
}

// Addr is a tagged IPv4-or-IPv6 socket address.
//
// ScopeID is the IPv6 zone id only. IPv4 egress interface pinning uses
// InterfaceIndex, a separate field — the teacher spec this is ported from
// overloaded ScopeID for both, which this port deliberately does not do
// (see SPEC_FULL.md §3).
type Addr struct {
	Family         Family
	IP             net.IP // 4 bytes for FamilyINET, 16 bytes for FamilyINET6
	Port           uint16
	ScopeID        uint32 // IPv6 zone id
	InterfaceIndex uint32 // IPv4 pktinfo interface index (ingress and egress); IPv6 carries it in ScopeID
}

// Tuple is the {local, remote} pair associated with a received datagram.
type Tuple struct {
	Local  Addr
	Remote Addr
}

// FromUDPAddr converts a stdlib net.UDPAddr into an Addr, used only at the
// edges (ResolveAddress, test fixtures) — the hot receive/send path never
// allocates through net.UDPAddr.
func FromUDPAddr(u *net.UDPAddr) Addr {
	a := Addr{Port: uint16(u.Port)}
	if ip4 := u.IP.To4(); ip4 != nil {
		a.Family = FamilyINET
		a.IP = ip4
		return a
	}
	a.Family = FamilyINET6
	a.IP = u.IP.To16()
	if u.Zone != "" {
		if iface, err := net.InterfaceByName(u.Zone); err == nil {
			a.ScopeID = uint32(iface.Index)
		}
	}
	return a
}

// UDPAddr converts an Addr back to a stdlib net.UDPAddr for interop with
// code that still wants one (logging, tests).
func (a Addr) UDPAddr() *net.UDPAddr {
	u := &net.UDPAddr{IP: append(net.IP(nil), a.IP...), Port: int(a.Port)}
	if a.Family == FamilyINET6 && a.ScopeID != 0 {
		if iface, err := net.InterfaceByIndex(int(a.ScopeID)); err == nil {
			u.Zone = iface.Name
		}
	}
	return u
}

func (a Addr) String() string {
	return fmt.Sprintf("%s:%d", a.IP, a.Port)
}

// IsZero reports whether the Addr has never been populated.
func (a Addr) IsZero() bool {
	return a.Family == FamilyUnspec
}
