//go:build darwin

package datapath

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"github.com/Global19-atlassian-net/quicudp/internal/addr"
)

// toSockaddr converts an Addr to the unix.Sockaddr the x/sys/unix socket
// calls (Bind, Connect, Sendto) expect.
func toSockaddr(a addr.Addr) (unix.Sockaddr, error) {
	switch a.Family {
	case addr.FamilyINET:
		ip := a.IP.To4()
		if ip == nil {
			return nil, fmt.Errorf("toSockaddr: not an IPv4 address: %v", a.IP)
		}
		sa := &unix.SockaddrInet4{Port: int(a.Port)}
		copy(sa.Addr[:], ip)
		return sa, nil

	case addr.FamilyINET6:
		ip := a.IP.To16()
		if ip == nil {
			return nil, fmt.Errorf("toSockaddr: not an IPv6 address: %v", a.IP)
		}
		sa := &unix.SockaddrInet6{Port: int(a.Port), ZoneId: a.ScopeID}
		copy(sa.Addr[:], ip)
		return sa, nil

	default:
		return nil, fmt.Errorf("toSockaddr: unset address family")
	}
}

// fromSockaddr is toSockaddr's inverse, used on the receive path to turn
// the kernel-filled source sockaddr into an Addr.
func fromSockaddr(sa unix.Sockaddr) addr.Addr {
	switch s := sa.(type) {
	case *unix.SockaddrInet4:
		return addr.Addr{Family: addr.FamilyINET, IP: append([]byte(nil), s.Addr[:]...), Port: uint16(s.Port)}
	case *unix.SockaddrInet6:
		return addr.Addr{Family: addr.FamilyINET6, IP: append([]byte(nil), s.Addr[:]...), Port: uint16(s.Port), ScopeID: s.ZoneId}
	default:
		return addr.Addr{}
	}
}

func bindSocket(fd int, family addr.Family, local addr.Addr) error {
	local.Family = family
	if local.IP == nil {
		if family == addr.FamilyINET {
			local.IP = net.IPv4zero.To4()
		} else {
			local.IP = net.IPv6zero
		}
	}
	sa, err := toSockaddr(local)
	if err != nil {
		return err
	}
	return unix.Bind(fd, sa)
}

func connectSocket(fd int, remote addr.Addr) error {
	sa, err := toSockaddr(remote)
	if err != nil {
		return err
	}
	return unix.Connect(fd, sa)
}

// getsockname captures the OS-assigned port after Bind (spec.md §4.5).
func getsockname(fd int) (uint16, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return 0, err
	}
	return fromSockaddr(sa).Port, nil
}
