//go:build darwin

// Package cmsg encodes and decodes IP_PKTINFO / IPV6_PKTINFO ancillary
// data — the wire layout spec.md §4.9 calls "bit-exact" — built on
// golang.org/x/sys/unix's own Inet4Pktinfo/Inet6Pktinfo struct
// definitions rather than a hand-rolled cmsghdr unpacker (DESIGN.md).
package cmsg

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/Global19-atlassian-net/quicudp/internal/addr"
)

// ControlBufferSize is an upper bound on either family's PKTINFO cmsg,
// computed at runtime per spec.md §9 ("the macro is not necessarily a
// constant expression on all platforms"): CMSG_SPACE(max(sizeof(in_pktinfo),
// sizeof(in6_pktinfo))).
var ControlBufferSize = func() int {
	v4 := unix.CmsgSpace(int(unsafe.Sizeof(unix.Inet4Pktinfo{})))
	v6 := unix.CmsgSpace(int(unsafe.Sizeof(unix.Inet6Pktinfo{})))
	if v6 > v4 {
		return v6
	}
	return v4
}()

// Decode walks the control message buffer b and returns the first PKTINFO
// it finds (spec.md §4.3 step 2: "accept exactly one of ..."), translated
// into a local Addr. PKTINFO never carries a port, so localPort is stamped
// in from the binding's bound port.
func Decode(b []byte, localPort uint16) (addr.Addr, bool, error) {
	msgs, err := unix.ParseSocketControlMessage(b)
	if err != nil {
		return addr.Addr{}, false, fmt.Errorf("parse control message: %w", err)
	}

	for _, m := range msgs {
		switch {
		case m.Header.Level == unix.IPPROTO_IPV6 && m.Header.Type == unix.IPV6_PKTINFO:
			var pi unix.Inet6Pktinfo
			if len(m.Data) < int(unsafe.Sizeof(pi)) {
				continue
			}
			copy(unsafe.Slice((*byte)(unsafe.Pointer(&pi)), unsafe.Sizeof(pi)), m.Data)
			return addr.Addr{
				Family:  addr.FamilyINET6,
				IP:      append([]byte(nil), pi.Addr[:]...),
				Port:    localPort,
				ScopeID: pi.Ifindex,
			}, true, nil

		case m.Header.Level == unix.IPPROTO_IP && m.Header.Type == unix.IP_PKTINFO:
			var pi unix.Inet4Pktinfo
			if len(m.Data) < int(unsafe.Sizeof(pi)) {
				continue
			}
			copy(unsafe.Slice((*byte)(unsafe.Pointer(&pi)), unsafe.Sizeof(pi)), m.Data)
			return addr.Addr{
				Family:         addr.FamilyINET,
				IP:             append([]byte(nil), pi.Addr[:]...),
				Port:           localPort,
				InterfaceIndex: pi.Ifindex,
			}, true, nil
		}
	}

	return addr.Addr{}, false, nil
}

// Encode emits exactly one PKTINFO control message for local, matching
// spec.md §4.4/§8: (IPPROTO_IP, IP_PKTINFO) iff local.Family == AF_INET,
// else (IPPROTO_IPV6, IPV6_PKTINFO).
func Encode(local addr.Addr) ([]byte, error) {
	switch local.Family {
	case addr.FamilyINET:
		var pi unix.Inet4Pktinfo
		pi.Ifindex = local.InterfaceIndex
		copy(pi.Addr[:], local.IP.To4())
		return marshalCmsg(unix.IPPROTO_IP, unix.IP_PKTINFO, &pi), nil

	case addr.FamilyINET6:
		var pi unix.Inet6Pktinfo
		pi.Ifindex = local.ScopeID
		copy(pi.Addr[:], local.IP.To16())
		return marshalCmsg(unix.IPPROTO_IPV6, unix.IPV6_PKTINFO, &pi), nil

	default:
		return nil, fmt.Errorf("cmsg encode: unset address family")
	}
}

func marshalCmsg[T any](level, typ int32, payload *T) []byte {
	dataLen := int(unsafe.Sizeof(*payload))
	buf := make([]byte, unix.CmsgSpace(dataLen))

	h := (*unix.Cmsghdr)(unsafe.Pointer(&buf[0]))
	h.Level = level
	h.Type = typ
	h.SetLen(unix.CmsgLen(dataLen))

	data := buf[unix.CmsgLen(0):]
	copy(data, unsafe.Slice((*byte)(unsafe.Pointer(payload)), dataLen))

	return buf
}
