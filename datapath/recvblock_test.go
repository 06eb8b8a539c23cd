//go:build darwin

package datapath

import (
	"testing"

	"github.com/Global19-atlassian-net/quicudp/internal/pool"
)

func TestRecvBlock_AllocReturnsClientContextZeroed(t *testing.T) {
	d := newTestDatapath(t, 1)
	proc := d.procs[0]
	proc.recvBlockPool = pool.New(true, newRecvBlock(8))

	b := allocRecvBlock(proc)
	if b == nil {
		t.Fatal("allocRecvBlock returned nil")
	}
	if len(b.ClientContext) != 8 {
		t.Fatalf("ClientContext length = %d, want 8", len(b.ClientContext))
	}
	b.ClientContext[0] = 0xFF
	if len(b.Packet.Buffer) != MaxUDPPayloadLength {
		t.Fatalf("Packet.Buffer length = %d, want %d", len(b.Packet.Buffer), MaxUDPPayloadLength)
	}
	if b.Packet.Tuple != &b.Tuple {
		t.Fatal("Packet.Tuple does not point at the block's own Tuple")
	}

	b.Return()

	b2 := allocRecvBlock(proc)
	if b2 != b {
		t.Fatal("expected the single pooled block to be reused")
	}
	if b2.ClientContext[0] != 0 {
		t.Fatal("ClientContext was not re-zeroed on reuse")
	}
	b2.Return()
}

func TestReturnRecvDatagrams_ChainReturnsAllBlocks(t *testing.T) {
	d := newTestDatapath(t, 1)
	proc := d.procs[0]
	proc.recvBlockPool = pool.New(true, newRecvBlock(0))

	b1 := allocRecvBlock(proc)
	b2 := allocRecvBlock(proc)
	b1.Packet.Next = &b2.Packet

	before := proc.recvBlockPool.Len()
	ReturnRecvDatagrams(&b1.Packet)
	after := proc.recvBlockPool.Len()

	if after != before+2 {
		t.Fatalf("pool depth after return = %d, want %d", after, before+2)
	}
}
