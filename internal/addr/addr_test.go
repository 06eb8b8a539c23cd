package addr

import (
	"net"
	"testing"
)

func TestFromUDPAddr_IPv4(t *testing.T) {
	u := &net.UDPAddr{IP: net.ParseIP("192.168.1.5"), Port: 5353}
	a := FromUDPAddr(u)

	if a.Family != FamilyINET {
		t.Fatalf("Family = %v, want FamilyINET", a.Family)
	}
	if a.Port != 5353 {
		t.Errorf("Port = %d, want 5353", a.Port)
	}
	if a.IP.String() != "192.168.1.5" {
		t.Errorf("IP = %s, want 192.168.1.5", a.IP)
	}
}

func TestFromUDPAddr_IPv6(t *testing.T) {
	u := &net.UDPAddr{IP: net.ParseIP("::1"), Port: 443}
	a := FromUDPAddr(u)

	if a.Family != FamilyINET6 {
		t.Fatalf("Family = %v, want FamilyINET6", a.Family)
	}
	if len(a.IP) != net.IPv6len {
		t.Errorf("IP length = %d, want %d", len(a.IP), net.IPv6len)
	}
}

func TestAddr_IsZero(t *testing.T) {
	var a Addr
	if !a.IsZero() {
		t.Error("zero-value Addr reports IsZero() = false")
	}

	a.Family = FamilyINET
	if a.IsZero() {
		t.Error("populated Addr reports IsZero() = true")
	}
}

func TestAddr_UDPAddrRoundTrip(t *testing.T) {
	want := &net.UDPAddr{IP: net.ParseIP("10.0.0.1").To4(), Port: 9999}
	a := FromUDPAddr(want)
	got := a.UDPAddr()

	if !got.IP.Equal(want.IP) || got.Port != want.Port {
		t.Errorf("round trip = %v, want %v", got, want)
	}
}
