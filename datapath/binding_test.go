//go:build darwin

package datapath

import "testing"

func TestBinding_SetGetParam_RoundTrip(t *testing.T) {
	b := &Binding{Mtu: QuicMaxMtu}

	if _, ok := b.GetParam("nonexistent"); ok {
		t.Fatal("GetParam on an unset key should report ok=false")
	}

	if err := b.SetParam("custom", []byte{1, 2, 3}); err != nil {
		t.Fatalf("SetParam: %v", err)
	}
	v, ok := b.GetParam("custom")
	if !ok || string(v) != "\x01\x02\x03" {
		t.Fatalf("GetParam(custom) = %v, %v", v, ok)
	}
}

func TestBinding_SetParamMTU_UpdatesMtu(t *testing.T) {
	b := &Binding{Mtu: QuicMaxMtu}

	mtu := 1400
	value := []byte{byte(mtu), byte(mtu >> 8), byte(mtu >> 16), byte(mtu >> 24)}
	if err := b.SetParam(BindingParamMTU, value); err != nil {
		t.Fatalf("SetParam(mtu): %v", err)
	}
	if b.GetLocalMtu() != mtu {
		t.Fatalf("Mtu = %d, want %d", b.GetLocalMtu(), mtu)
	}
}

func TestBinding_SetParamMTU_RejectsTooSmall(t *testing.T) {
	b := &Binding{Mtu: QuicMaxMtu}

	tooSmall := 100
	value := []byte{byte(tooSmall), byte(tooSmall >> 8), byte(tooSmall >> 16), byte(tooSmall >> 24)}
	if err := b.SetParam(BindingParamMTU, value); err == nil {
		t.Fatal("expected SetParam to reject an MTU below minMTU")
	}
}
