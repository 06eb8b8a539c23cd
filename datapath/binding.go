//go:build darwin

package datapath

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/Global19-atlassian-net/quicudp/internal/addr"
	"github.com/Global19-atlassian-net/quicudp/internal/quicerr"
)

// BindingParam names a SetParam/GetParam key (spec.md §6). The reference
// design treats these as opaque binding-level knobs; only the ones this
// port actually acts on are named here.
type BindingParam string

// MTU is the one binding param this port honors today: setting it updates
// Binding.Mtu (and therefore payloadCap) without requiring a new Binding.
const BindingParamMTU BindingParam = "mtu"

// Binding is a logical UDP endpoint: one local address, optional remote,
// fanned out to one SocketContext per core (spec.md §3).
type Binding struct {
	ID         string // rs/xid correlation id, see DESIGN.md
	datapath   *Datapath
	ClientCtx  any
	LocalAddr  addr.Addr
	RemoteAddr addr.Addr
	Mtu        int
	connected  bool
	shutdown   atomic.Bool

	sockets []*SocketContext

	paramsMu sync.RWMutex
	params   map[BindingParam][]byte
}

// BindingCreate creates a logical endpoint: one SocketContext per core,
// each with one receive armed, rolling back everything on any failure
// (spec.md §4.7).
func BindingCreate(d *Datapath, local, remote *addr.Addr, clientCtx any, opts ...BindingOption) (*Binding, error) {
	if d.IsShutdown() {
		return nil, quicerr.New("BindingCreate", quicerr.CodeInvalidParameter, nil, "datapath is shutting down")
	}

	b := &Binding{
		ID:        newID(),
		datapath:  d,
		ClientCtx: clientCtx,
		Mtu:       QuicMaxMtu,
	}
	if local != nil {
		b.LocalAddr = *local
	}
	if remote != nil {
		b.RemoteAddr = *remote
		b.connected = true
		if local == nil {
			b.LocalAddr.Family = remote.Family
		}
	}

	for _, opt := range opts {
		if err := opt(b); err != nil {
			return nil, quicerr.New("BindingCreate", quicerr.CodeInvalidParameter, err, "")
		}
	}

	d.bindingsWG.Add(1)
	rollback := true
	defer func() {
		if rollback {
			d.bindingsWG.Done()
		}
	}()

	b.sockets = make([]*SocketContext, d.ProcCount)
	for i, proc := range d.procs {
		sc, err := newSocketContext(proc, b)
		if err != nil {
			for j := 0; j < i; j++ {
				b.sockets[j].close()
			}
			return nil, quicerr.New("BindingCreate", quicerr.CodeInternalError, err, fmt.Sprintf("socket init failed on proc %d", i))
		}
		b.sockets[i] = sc
	}

	// Publish before arming receives: the receive callback closure
	// captures b, so it must be fully constructed first (spec.md §4.7
	// step 6).
	for i, sc := range b.sockets {
		if err := sc.startReceive(); err != nil {
			for j := 0; j <= i; j++ {
				b.sockets[j].close()
			}
			return nil, quicerr.New("BindingCreate", quicerr.CodeInternalError, err, fmt.Sprintf("start receive failed on proc %d", i))
		}
	}

	rollback = false
	return b, nil
}

// BindingDelete closes every socket (removing it from its kqueue), waits
// for all outstanding receive-callback activity to drain, and releases
// the datapath bindings rundown (spec.md §4.7).
func BindingDelete(b *Binding) {
	b.shutdown.Store(true)

	for _, sc := range b.sockets {
		sc.close()
	}
	for _, sc := range b.sockets {
		sc.wg.Wait()
	}

	b.datapath.bindingsWG.Done()
}

// IsShutdown reports whether BindingDelete has begun (one-way latch,
// spec.md §3).
func (b *Binding) IsShutdown() bool { return b.shutdown.Load() }

// GetLocalMtu returns the binding's MTU (spec.md §6).
func (b *Binding) GetLocalMtu() int { return b.Mtu }

// GetLocalAddress returns the binding's bound local address (spec.md §6),
// populated by newSocketContext's getsockname call.
func (b *Binding) GetLocalAddress() addr.Addr { return b.LocalAddr }

// GetRemoteAddress returns the binding's connected remote address, if any
// (spec.md §6).
func (b *Binding) GetRemoteAddress() addr.Addr { return b.RemoteAddr }

// SetParam sets an opaque binding-level parameter (spec.md §6). Param is
// validated and acted on when it names a behavior this port implements
// (BindingParamMTU); unrecognized params are just stored, so callers can
// round-trip values the core doesn't act on itself.
func (b *Binding) SetParam(param BindingParam, value []byte) error {
	if param == BindingParamMTU {
		if len(value) != 4 {
			return quicerr.New("Binding.SetParam", quicerr.CodeInvalidParameter, nil, "mtu value must be 4 bytes")
		}
		mtu := int(value[0]) | int(value[1])<<8 | int(value[2])<<16 | int(value[3])<<24
		if mtu < minMTU {
			return quicerr.New("Binding.SetParam", quicerr.CodeInvalidParameter, errInvalidMTU, "")
		}
		b.Mtu = mtu
	}

	b.paramsMu.Lock()
	defer b.paramsMu.Unlock()
	if b.params == nil {
		b.params = make(map[BindingParam][]byte)
	}
	b.params[param] = append([]byte(nil), value...)
	return nil
}

// GetParam returns the last value SetParam stored for param, if any.
func (b *Binding) GetParam(param BindingParam) ([]byte, bool) {
	b.paramsMu.RLock()
	defer b.paramsMu.RUnlock()
	v, ok := b.params[param]
	return v, ok
}

// payloadCap is MTU minus the IPv4/IPv6 + UDP header sizes for the given
// family (spec.md §6 "Payload cap = MTU - IPv4_HDR - UDP_HDR"; the IPv6
// variant subtracts the larger IPv6 header instead).
func (b *Binding) payloadCap(family addr.Family) int {
	return payloadCapForMTU(b.Mtu, family)
}
