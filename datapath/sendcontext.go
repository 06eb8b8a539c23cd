//go:build darwin

package datapath

import (
	"container/list"

	"github.com/Global19-atlassian-net/quicudp/internal/addr"
	"github.com/Global19-atlassian-net/quicudp/internal/pool"
)

// MaxSendBatchSize is QUIC_MAX_BATCH_SEND (spec.md §3, §4.4).
const MaxSendBatchSize = 10

// sendBuffer is one Buffer+Iov pair. Buffer.Buffer is owned by the
// ProcContext's SendBufferPool until freed (spec.md §3).
type sendBuffer struct {
	data []byte
	n    int // valid length within data
}

// SendContext is a batched set of outgoing buffers targeted at a single
// remote, optionally with an explicit source address (spec.md §3).
//
// Invariant: CurrentIndex <= BufferCount <= MaxSendBatchSize.
type SendContext struct {
	proc  *ProcContext
	owner *Binding

	Bound        bool // true once Local is meaningful (SendFromTo vs SendTo)
	Local        addr.Addr
	Remote       addr.Addr
	buffers      [MaxSendBatchSize]sendBuffer
	BufferCount  int
	CurrentIndex int
	Pending      bool

	pendingElem *list.Element // linkage on SocketContext.pendingSends
	bufferPool  *pool.Pool[[]byte]
}

// AllocSendContext allocates a SendContext for binding (spec.md §6).
// maxPacket is accepted but not used: each buffer is sized by the maxLen
// passed to AllocSendDatagram.
//
// The remote address, and therefore the partition that will eventually
// perform the write, isn't known yet at this point (spec.md §4.4's
// AllocSendContext precedes SendTo's remote argument) — buffer/context
// pool sourcing always goes through partition 0's pools, which are
// mt-safe precisely because sends are initiated from arbitrary caller
// goroutines (spec.md §3 "Ownership"). Which SocketContext's fd actually
// performs the write is chosen later, by the Partitioner, once Send sees
// the full tuple.
func AllocSendContext(b *Binding, maxPacket int) *SendContext {
	proc := b.datapath.procs[0]
	sc := proc.sendContextPool.Alloc()
	if sc == nil {
		return nil
	}
	*sc = SendContext{proc: proc, owner: b, bufferPool: proc.sendBufferPool}
	_ = maxPacket // buffers are sized on demand in AllocSendDatagram
	return sc
}

// FreeSendContext returns ctx and every buffer it still holds to their
// pools (spec.md §6).
func FreeSendContext(ctx *SendContext) {
	for i := 0; i < ctx.BufferCount; i++ {
		if data := ctx.buffers[i].data; data != nil {
			ctx.bufferPool.Free(&data)
		}
		ctx.buffers[i] = sendBuffer{}
	}
	proc := ctx.proc
	*ctx = SendContext{}
	proc.sendContextPool.Free(ctx)
}

// IsSendContextFull reports BufferCount == MaxSendBatchSize (spec.md §4.4,
// §8).
func IsSendContextFull(ctx *SendContext) bool {
	return ctx.BufferCount == MaxSendBatchSize
}

// AllocSendDatagram appends one more buffer of up to maxLen bytes to ctx,
// refusing beyond MaxSendBatchSize (spec.md §4.4).
func AllocSendDatagram(ctx *SendContext, maxLen int) []byte {
	if IsSendContextFull(ctx) {
		return nil
	}

	buf := ctx.bufferPool.Alloc()
	var data []byte
	if buf != nil && cap(*buf) >= maxLen {
		data = (*buf)[:maxLen]
	} else {
		data = make([]byte, maxLen)
	}

	idx := ctx.BufferCount
	ctx.buffers[idx] = sendBuffer{data: data, n: maxLen}
	ctx.BufferCount++
	return data
}

// FreeSendDatagram releases buf, one of ctx's not-yet-sent buffers — used
// when the caller decides not to use a buffer it just allocated (e.g. a
// build step failed). BufferCount shrinks only when buf is the most
// recently allocated buffer; releasing any other one leaves its slot empty.
func FreeSendDatagram(ctx *SendContext, buf []byte) {
	for i := ctx.CurrentIndex; i < ctx.BufferCount; i++ {
		if &ctx.buffers[i].data[0] == &buf[0] {
			data := ctx.buffers[i].data
			ctx.bufferPool.Free(&data)
			ctx.buffers[i] = sendBuffer{}
			if i == ctx.BufferCount-1 {
				ctx.BufferCount--
			}
			return
		}
	}
}
