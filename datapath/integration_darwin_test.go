//go:build darwin

package datapath

import (
	"testing"
	"time"

	"github.com/Global19-atlassian-net/quicudp/internal/addr"
)

// echoClientCtx collects datagrams a client Binding receives, so the test
// goroutine can block on them instead of polling.
type echoClientCtx struct {
	received chan []byte
}

// echoHandler is shared by every Binding in these tests: bindings with a
// nil ClientCtx act as an echo server (spec.md §4.3/§4.4 round trip), and
// bindings with an *echoClientCtx just forward what they receive onto the
// channel for the test to observe.
func echoHandler(b *Binding, clientCtx any, chain *RecvDatagram) {
	defer ReturnRecvDatagrams(chain)

	if ctx, ok := clientCtx.(*echoClientCtx); ok {
		for d := chain; d != nil; d = d.Next {
			buf := append([]byte(nil), d.Buffer...)
			select {
			case ctx.received <- buf:
			default:
			}
		}
		return
	}

	for d := chain; d != nil; d = d.Next {
		sendCtx := AllocSendContext(b, len(d.Buffer))
		if sendCtx == nil {
			continue
		}
		out := AllocSendDatagram(sendCtx, len(d.Buffer))
		if out == nil {
			FreeSendContext(sendCtx)
			continue
		}
		copy(out, d.Buffer)
		_ = SendFromTo(b, d.Tuple.Local, d.Tuple.Remote, sendCtx)
	}
}

func newEchoServer(t *testing.T, d *Datapath, family addr.Family) *Binding {
	t.Helper()
	local := addr.Addr{Family: family, Port: 0}
	if family == addr.FamilyINET {
		local.IP = []byte{127, 0, 0, 1}
	}
	b, err := BindingCreate(d, &local, nil, nil)
	if err != nil {
		t.Fatalf("server BindingCreate: %v", err)
	}
	return b
}

func roundTrip(t *testing.T, family addr.Family, payload string) {
	d, err := Initialize(0, echoHandler, nil, WithProcessorCount(1))
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer d.Uninitialize()

	server := newEchoServer(t, d, family)
	defer BindingDelete(server)
	serverAddr := server.GetLocalAddress()

	clientCtx := &echoClientCtx{received: make(chan []byte, 1)}
	clientLocal := addr.Addr{Family: family, Port: 0}
	if family == addr.FamilyINET {
		clientLocal.IP = []byte{127, 0, 0, 1}
	}
	client, err := BindingCreate(d, &clientLocal, &serverAddr, clientCtx)
	if err != nil {
		t.Fatalf("client BindingCreate: %v", err)
	}
	defer BindingDelete(client)

	sendCtx := AllocSendContext(client, len(payload))
	buf := AllocSendDatagram(sendCtx, len(payload))
	copy(buf, payload)
	if err := SendTo(client, serverAddr, sendCtx); err != nil {
		t.Fatalf("SendTo: %v", err)
	}

	select {
	case got := <-clientCtx.received:
		if string(got) != payload {
			t.Fatalf("echoed payload = %q, want %q", got, payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for echo")
	}
}

func TestEchoRoundTrip_IPv4(t *testing.T) {
	roundTrip(t, addr.FamilyINET, "hello-v4")
}

func TestEchoRoundTrip_IPv6(t *testing.T) {
	t.Skip("requires a routable ::1 loopback binding; exercised manually per SPEC_FULL.md §8")
}

func TestSendBatch_FullBatchRoundTrips(t *testing.T) {
	d, err := Initialize(0, echoHandler, nil, WithProcessorCount(1))
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer d.Uninitialize()

	server := newEchoServer(t, d, addr.FamilyINET)
	defer BindingDelete(server)
	serverAddr := server.GetLocalAddress()

	clientCtx := &echoClientCtx{received: make(chan []byte, MaxSendBatchSize)}
	clientLocal := addr.Addr{Family: addr.FamilyINET, Port: 0, IP: []byte{127, 0, 0, 1}}
	client, err := BindingCreate(d, &clientLocal, &serverAddr, clientCtx)
	if err != nil {
		t.Fatalf("client BindingCreate: %v", err)
	}
	defer BindingDelete(client)

	sendCtx := AllocSendContext(client, 8)
	for i := 0; i < MaxSendBatchSize; i++ {
		buf := AllocSendDatagram(sendCtx, 1)
		buf[0] = byte(i)
	}
	if buf := AllocSendDatagram(sendCtx, 1); buf != nil {
		t.Fatal("expected AllocSendDatagram to refuse an 11th buffer")
	}
	if err := SendTo(client, serverAddr, sendCtx); err != nil {
		t.Fatalf("SendTo: %v", err)
	}

	seen := 0
	deadline := time.After(2 * time.Second)
	for seen < MaxSendBatchSize {
		select {
		case <-clientCtx.received:
			seen++
		case <-deadline:
			t.Fatalf("only received %d/%d echoed datagrams", seen, MaxSendBatchSize)
		}
	}
}

func TestBindingDelete_StopsFurtherCallbacks(t *testing.T) {
	d, err := Initialize(0, echoHandler, nil, WithProcessorCount(1))
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer d.Uninitialize()

	server := newEchoServer(t, d, addr.FamilyINET)
	if server.IsShutdown() {
		t.Fatal("freshly created binding reports shutdown")
	}

	BindingDelete(server)
	if !server.IsShutdown() {
		t.Fatal("binding should report shutdown after BindingDelete")
	}
}
