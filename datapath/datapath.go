//go:build darwin

// Package datapath is the UDP datapath abstraction layer for a QUIC
// transport stack on Darwin: it owns the kernel sockets, drives I/O
// readiness through a per-core kqueue, and hands fully addressed
// datagrams to an upper-layer receive callback, while providing a batched
// send interface that can pin the source address of outgoing packets
// (spec.md §1).
package datapath

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"github.com/Global19-atlassian-net/quicudp/internal/addr"
	"github.com/Global19-atlassian-net/quicudp/internal/quicerr"
)

// QuicMaxMtu is the default MTU a Binding is initialized with (spec.md §3).
const QuicMaxMtu = 1500

const minMTU = 576 // smallest MTU that still fits an unfragmented IPv4 datagram

var (
	errInvalidProcessorCount = errors.New("datapath: processor count must be >= 1")
	errInvalidMTU            = fmt.Errorf("datapath: MTU must be >= %d", minMTU)
)

// RecvHandler is invoked synchronously on a ProcContext's worker goroutine
// for every datagram a SocketContext receives (spec.md §6). chain may
// link more than one RecvDatagram via Next; the caller must eventually
// call ReturnRecvDatagrams on every delivered block.
type RecvHandler func(b *Binding, clientCtx any, chain *RecvDatagram)

// UnreachableHandler is invoked when an ICMP port-unreachable equivalent
// is observed on a connected socket (spec.md §6, wired per SPEC_FULL.md
// §6/§9 via ECONNREFUSED).
type UnreachableHandler func(b *Binding, clientCtx any, remote addr.Addr)

// Metrics is the subset of internal/metrics.Collector the datapath needs
// to report into, kept as a local interface so this package never has to
// import the concrete Prometheus type (SPEC_FULL.md §6).
type Metrics interface {
	IncPacketsReceived(proc int, binding string)
	IncPacketsSent(proc int, binding string)
	SetPoolDepth(proc int, pool string, depth int)
	SetPendingSends(proc int, binding string, depth int)
}

// Datapath is the top-level handle: receive/unreachable callbacks,
// ProcContexts, and the bindings rundown (spec.md §3).
type Datapath struct {
	shutdown atomic.Bool

	ProcCount               int
	ClientRecvContextLength int
	MaxSendBatchSize        int

	RecvHandler        RecvHandler
	UnreachableHandler UnreachableHandler

	partitioner Partitioner
	metrics     Metrics

	procs []*ProcContext

	bindingsWG sync.WaitGroup // bindings rundown: Add at BindingCreate, Done at BindingDelete
	log        *logrus.Entry
}

// Initialize constructs a Datapath: one ProcContext per core (ProcCount
// defaults to hw.logicalcpu, spec.md §4.8/§9), each with its own kqueue,
// worker goroutine, and pools. On any failure it unwinds whatever was
// already started, in reverse (spec.md §7 "construction errors roll back
// all partially acquired resources").
func Initialize(clientRecvContextLength int, recv RecvHandler, unreachable UnreachableHandler, opts ...Option) (*Datapath, error) {
	if recv == nil {
		return nil, quicerr.New("Datapath.Initialize", quicerr.CodeInvalidParameter, nil, "RecvHandler must not be nil")
	}

	d := &Datapath{
		ClientRecvContextLength: clientRecvContextLength,
		MaxSendBatchSize:        MaxSendBatchSize,
		RecvHandler:             recv,
		UnreachableHandler:      unreachable,
		partitioner:             HashPartitioner{},
		log:                     logrus.WithField("component", "datapath"),
	}

	if n, err := defaultProcessorCount(); err == nil {
		d.ProcCount = n
	} else {
		d.log.WithError(err).Warn("falling back to a single processor context")
		d.ProcCount = 1
	}

	for _, opt := range opts {
		if err := opt(d); err != nil {
			return nil, quicerr.New("Datapath.Initialize", quicerr.CodeInvalidParameter, err, "")
		}
	}

	d.procs = make([]*ProcContext, 0, d.ProcCount)
	for i := 0; i < d.ProcCount; i++ {
		proc, err := newProcContext(d, i)
		if err != nil {
			// Set Shutdown before unwinding: each worker's run() loop only
			// exits on an EVFILT_USER wakeup once it observes this flag
			// (spec.md §5), and these procs are never published for
			// external use.
			d.shutdown.Store(true)
			for j := len(d.procs) - 1; j >= 0; j-- {
				d.procs[j].shutdown()
			}
			return nil, quicerr.New("Datapath.Initialize", quicerr.CodeInternalError, err, fmt.Sprintf("failed to start proc %d", i))
		}
		d.procs = append(d.procs, proc)
	}

	return d, nil
}

// Uninitialize drains outstanding bindings, signals shutdown, and joins
// every worker (spec.md §4.8).
func (d *Datapath) Uninitialize() {
	d.shutdown.Store(true) // release: BindingCreate checks this before joining the rundown
	d.bindingsWG.Wait()    // wait: drain bindings that joined before the flag was observed

	for _, p := range d.procs {
		p.shutdown()
	}
}

// IsShutdown reports whether Uninitialize has been called (spec.md §3:
// "once Shutdown is set, no new bindings may be created").
func (d *Datapath) IsShutdown() bool { return d.shutdown.Load() }

// Feature flags reported by GetSupportedFeatures. Always zero today
// (spec.md §1: GSO/URO/RSS are explicitly unsupported).
const SupportedFeaturesNone = 0

// GetSupportedFeatures reports no GSO/URO/RSS support (spec.md §4.8).
func (d *Datapath) GetSupportedFeatures() int { return SupportedFeaturesNone }

// IsPaddingPreferred always returns false (spec.md §4.8).
func (d *Datapath) IsPaddingPreferred() bool { return false }

// ResolveAddress resolves host via the system resolver, numeric-first
// then canonical-name fallback (spec.md §4.8), bounded by ctx.
func (d *Datapath) ResolveAddress(ctx context.Context, host string, port uint16) (addr.Addr, error) {
	if ip := net.ParseIP(host); ip != nil {
		return addr.FromUDPAddr(&net.UDPAddr{IP: ip, Port: int(port)}), nil
	}

	ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
	if err != nil {
		return addr.Addr{}, quicerr.New("Datapath.ResolveAddress", quicerr.CodeDNSResolutionError, err, host)
	}
	if len(ips) == 0 {
		return addr.Addr{}, quicerr.New("Datapath.ResolveAddress", quicerr.CodeDNSResolutionError, nil, "no addresses returned for "+host)
	}

	return addr.FromUDPAddr(&net.UDPAddr{IP: ips[0], Port: int(port)}), nil
}

// newID returns a short process-unique correlation id, used for Binding.ID
// (grounded on github.com/rs/xid — DESIGN.md).
func newID() string { return xid.New().String() }
