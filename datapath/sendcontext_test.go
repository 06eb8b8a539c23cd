//go:build darwin

package datapath

import "testing"

func newTestDatapath(t *testing.T, procs int) *Datapath {
	t.Helper()
	d, err := Initialize(0, func(*Binding, any, *RecvDatagram) {}, nil, WithProcessorCount(procs))
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(d.Uninitialize)
	return d
}

func TestSendContext_AllocFreeDatagramBatching(t *testing.T) {
	d := newTestDatapath(t, 1)
	b := &Binding{datapath: d}

	ctx := AllocSendContext(b, 1200)
	if ctx == nil {
		t.Fatal("AllocSendContext returned nil")
	}

	for i := 0; i < MaxSendBatchSize; i++ {
		if IsSendContextFull(ctx) {
			t.Fatalf("context reported full at %d buffers, want %d", i, MaxSendBatchSize)
		}
		buf := AllocSendDatagram(ctx, 100)
		if buf == nil {
			t.Fatalf("AllocSendDatagram returned nil at index %d", i)
		}
		if len(buf) != 100 {
			t.Fatalf("buffer length = %d, want 100", len(buf))
		}
	}

	if !IsSendContextFull(ctx) {
		t.Fatal("expected context full after MaxSendBatchSize allocations")
	}
	if buf := AllocSendDatagram(ctx, 100); buf != nil {
		t.Fatal("AllocSendDatagram should refuse past MaxSendBatchSize")
	}

	FreeSendContext(ctx)
}

func TestSendContext_FreeSendDatagram(t *testing.T) {
	d := newTestDatapath(t, 1)
	b := &Binding{datapath: d}

	ctx := AllocSendContext(b, 1200)
	buf1 := AllocSendDatagram(ctx, 64)
	buf2 := AllocSendDatagram(ctx, 64)
	if ctx.BufferCount != 2 {
		t.Fatalf("BufferCount = %d, want 2", ctx.BufferCount)
	}

	FreeSendDatagram(ctx, buf2)
	if ctx.BufferCount != 1 {
		t.Fatalf("BufferCount after freeing last buffer = %d, want 1", ctx.BufferCount)
	}

	_ = buf1
	FreeSendContext(ctx)
}
