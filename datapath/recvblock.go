//go:build darwin

package datapath

import (
	"github.com/Global19-atlassian-net/quicudp/internal/addr"
	"github.com/Global19-atlassian-net/quicudp/internal/pool"
)

// MaxUDPPayloadLength bounds a RecvBlock's inline buffer (spec.md §3).
const MaxUDPPayloadLength = 65507

// RecvDatagram is the header the upper-layer receive callback sees: the
// filled payload, the tuple it arrived on, which ProcContext partition
// received it, and a Next link so many datagrams can be handed to
// RecvHandler as one chain (spec.md §3, §6).
type RecvDatagram struct {
	Buffer         []byte // sub-slice of the owning RecvBlock's inline array
	BufferLength   int
	Tuple          *addr.Tuple
	PartitionIndex int
	Next           *RecvDatagram

	block *RecvBlock // owning block, for ReturnRecvDatagrams
}

// RecvBlock is a pre-sized receive buffer plus tuple plus a trailing
// client-context tail reserved for the upper layer (spec.md §3).
//
// Invariant: BufferLength <= MaxUDPPayloadLength; after a successful recv,
// BufferLength equals bytes received; Packet.Tuple points into this block.
type RecvBlock struct {
	owningPool    *pool.Pool[RecvBlock]
	Packet        RecvDatagram
	Tuple         addr.Tuple
	buffer        [MaxUDPPayloadLength]byte
	ClientContext []byte // len == Datapath.ClientRecvContextLength
}

func newRecvBlock(clientCtxLen int) func() *RecvBlock {
	return func() *RecvBlock {
		b := &RecvBlock{}
		if clientCtxLen > 0 {
			b.ClientContext = make([]byte, clientCtxLen)
		}
		return b
	}
}

// allocRecvBlock draws a block from procIndex's RecvBlockPool (spec.md
// §4.2). On success it zeroes the block's addressable state (everything
// but the still-allocated ClientContext backing array, which is reused
// and re-zeroed in place to avoid a reallocation on every receive).
func allocRecvBlock(proc *ProcContext) *RecvBlock {
	b := proc.recvBlockPool.Alloc()
	if b == nil {
		return nil
	}

	ctx := b.ClientContext
	*b = RecvBlock{}
	if n := cap(ctx); n > 0 {
		ctx = ctx[:n]
		for i := range ctx {
			ctx[i] = 0
		}
		b.ClientContext = ctx
	}

	b.owningPool = proc.recvBlockPool
	b.Packet.Buffer = b.buffer[:]
	b.Packet.Tuple = &b.Tuple
	b.Packet.block = b
	return b
}

// ReturnRecvDatagrams frees every block in the chain starting at chain
// back to its owning pool (spec.md §6: "upper layer must later call
// ReturnRecvDatagrams on every delivered block"). Pools are mt-safe, so
// this is safe to call from any goroutine, not just the one that
// delivered the chain (spec.md §3 "Ownership").
func ReturnRecvDatagrams(chain *RecvDatagram) {
	for d := chain; d != nil; {
		next := d.Next
		d.Next = nil
		d.block.Return()
		d = next
	}
}

// Return frees the RecvBlock back to its owning pool.
func (b *RecvBlock) Return() {
	if b.owningPool != nil {
		b.owningPool.Free(b)
	}
}
