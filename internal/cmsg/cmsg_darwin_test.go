//go:build darwin

package cmsg

import (
	"net"
	"testing"

	"github.com/Global19-atlassian-net/quicudp/internal/addr"
)

func TestEncodeDecode_RoundTrip_IPv4(t *testing.T) {
	local := addr.Addr{
		Family:         addr.FamilyINET,
		IP:             net.ParseIP("192.168.1.10").To4(),
		InterfaceIndex: 7,
	}

	buf, err := Encode(local)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if len(buf) > ControlBufferSize {
		t.Fatalf("Encode() produced %d bytes, exceeds ControlBufferSize %d", len(buf), ControlBufferSize)
	}

	got, ok, err := Decode(buf, 4242)
	if err != nil || !ok {
		t.Fatalf("Decode() = (%v, %v, %v), want a decoded PKTINFO", got, ok, err)
	}

	if got.Family != addr.FamilyINET {
		t.Errorf("Family = %v, want FamilyINET", got.Family)
	}
	if !got.IP.Equal(local.IP) {
		t.Errorf("IP = %v, want %v", got.IP, local.IP)
	}
	if got.InterfaceIndex != 7 {
		t.Errorf("InterfaceIndex = %d, want 7", got.InterfaceIndex)
	}
	if got.Port != 4242 {
		t.Errorf("Port = %d, want 4242 (stamped from localPort)", got.Port)
	}
}

func TestEncodeDecode_RoundTrip_IPv6(t *testing.T) {
	local := addr.Addr{
		Family:  addr.FamilyINET6,
		IP:      net.ParseIP("fe80::1"),
		ScopeID: 3,
	}

	buf, err := Encode(local)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	got, ok, err := Decode(buf, 9999)
	if err != nil || !ok {
		t.Fatalf("Decode() = (%v, %v, %v), want a decoded PKTINFO", got, ok, err)
	}

	if got.Family != addr.FamilyINET6 {
		t.Errorf("Family = %v, want FamilyINET6", got.Family)
	}
	if !got.IP.Equal(local.IP) {
		t.Errorf("IP = %v, want %v", got.IP, local.IP)
	}
	if got.ScopeID != 3 {
		t.Errorf("ScopeID = %d, want 3", got.ScopeID)
	}
}

func TestEncode_UnsetFamily(t *testing.T) {
	if _, err := Encode(addr.Addr{}); err == nil {
		t.Error("Encode() with unset family returned nil error, want an error")
	}
}

func TestDecode_NoPktinfo(t *testing.T) {
	got, ok, err := Decode(nil, 0)
	if err != nil {
		t.Fatalf("Decode(nil) error = %v", err)
	}
	if ok {
		t.Errorf("Decode(nil) ok = true, want false; got %v", got)
	}
}
