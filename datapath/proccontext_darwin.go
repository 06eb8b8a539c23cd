//go:build darwin

package datapath

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/Global19-atlassian-net/quicudp/internal/pool"
	"github.com/sirupsen/logrus"
)

const keventBatchSize = 32

// ProcContext is per-core state: an event queue, a worker goroutine, and
// three pools (spec.md §3).
type ProcContext struct {
	dp    *Datapath
	Index int
	kq    int

	recvBlockPool   *pool.Pool[RecvBlock]
	sendBufferPool  *pool.Pool[[]byte]
	sendContextPool *pool.Pool[SendContext]

	mu      sync.Mutex
	sockets map[int]*SocketContext // fd -> owner, for kevent dispatch

	doneWG sync.WaitGroup
	log    *logrus.Entry
}

// defaultProcessorCount queries hw.logicalcpu via sysctl (spec.md §4.8,
// §6 "OS surface": sysctlbyname("hw.logicalcpu")).
func defaultProcessorCount() (int, error) {
	n, err := unix.SysctlUint32("hw.logicalcpu")
	if err != nil {
		return 0, fmt.Errorf("sysctl hw.logicalcpu: %w", err)
	}
	if n == 0 {
		return 0, fmt.Errorf("sysctl hw.logicalcpu returned 0")
	}
	return int(n), nil
}

// shutdownUserIdent is the EVFILT_USER identity shutdown() triggers to wake
// a worker blocked in kevent — closing the kqueue alone is not a guaranteed
// wakeup on Darwin (spec.md §4.6/§5, maintainer review).
const shutdownUserIdent = 1

func newProcContext(d *Datapath, index int) (*ProcContext, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, fmt.Errorf("kqueue: %w", err)
	}

	p := &ProcContext{
		dp:      d,
		Index:   index,
		kq:      kq,
		sockets: make(map[int]*SocketContext),
		log:     logrus.WithField("proc", index),
	}

	register := []unix.Kevent_t{{
		Ident:  shutdownUserIdent,
		Filter: unix.EVFILT_USER,
		Flags:  unix.EV_ADD | unix.EV_CLEAR,
	}}
	if _, err := unix.Kevent(kq, register, nil, nil); err != nil {
		unix.Close(kq)
		return nil, fmt.Errorf("kevent register shutdown wakeup: %w", err)
	}

	p.recvBlockPool = pool.New(true, newRecvBlock(d.ClientRecvContextLength))
	p.sendBufferPool = pool.New[[]byte](true, func() *[]byte { b := make([]byte, MaxUDPPayloadLength); return &b })
	p.sendContextPool = pool.New[SendContext](true, func() *SendContext { return &SendContext{} })

	p.doneWG.Add(1)
	go p.run()

	return p, nil
}

// registerSocket adds fd to this ProcContext's read-event registration
// (edge-triggered, spec.md §4.7 step 7) and records it for dispatch.
func (p *ProcContext) registerSocket(sc *SocketContext) error {
	p.mu.Lock()
	p.sockets[sc.fd] = sc
	p.mu.Unlock()

	changes := []unix.Kevent_t{{
		Ident:  uint64(sc.fd),
		Filter: unix.EVFILT_READ,
		Flags:  unix.EV_ADD | unix.EV_CLEAR,
	}}
	if _, err := unix.Kevent(p.kq, changes, nil, nil); err != nil {
		p.mu.Lock()
		delete(p.sockets, sc.fd)
		p.mu.Unlock()
		return fmt.Errorf("kevent register read: %w", err)
	}
	return nil
}

func (p *ProcContext) unregisterSocket(fd int) {
	p.mu.Lock()
	delete(p.sockets, fd)
	p.mu.Unlock()
}

func (p *ProcContext) setWriteArmed(fd int, armed bool) error {
	flags := uint16(unix.EV_DELETE)
	if armed {
		flags = unix.EV_ADD | unix.EV_CLEAR
	}
	changes := []unix.Kevent_t{{
		Ident:  uint64(fd),
		Filter: unix.EVFILT_WRITE,
		Flags:  flags,
	}}
	_, err := unix.Kevent(p.kq, changes, nil, nil)
	return err
}

// run is the worker loop (spec.md §4.6): block on kevent, dispatch
// readiness, continue on spurious wakeups, exit on shutdown. Datapath.Shutdown
// is read after every wakeup, not just inferred from queue closure (spec.md
// §5: "volatile, read by each worker each iteration").
func (p *ProcContext) run() {
	defer p.doneWG.Done()

	events := make([]unix.Kevent_t, keventBatchSize)
	for {
		n, err := unix.Kevent(p.kq, nil, events, nil)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			// EBADF: the kqueue fd was closed by shutdown(). Any other
			// errno is logged once and the worker exits rather than
			// spinning on a broken queue.
			if err != unix.EBADF {
				p.log.WithError(err).Error("kevent wait failed, worker exiting")
			}
			return
		}

		if p.dp.IsShutdown() {
			return
		}

		// spec.md §9 redesign: a return < 1 is "keep looping", not fatal.
		if n < 1 {
			continue
		}

		for _, ev := range events[:n] {
			p.dispatch(ev)
		}
	}
}

func (p *ProcContext) dispatch(ev unix.Kevent_t) {
	switch ev.Filter {
	case unix.EVFILT_USER:
		return // shutdown() wakeup; Datapath.Shutdown was already checked in run()

	case unix.EVFILT_READ:
		fd := int(ev.Ident)
		p.mu.Lock()
		sc := p.sockets[fd]
		p.mu.Unlock()
		if sc == nil {
			return // socket already closed/unregistered; drop the stale event
		}
		if ev.Data == 0 {
			return // spurious: no bytes queued
		}
		sc.onReadable()

	case unix.EVFILT_WRITE:
		fd := int(ev.Ident)
		p.mu.Lock()
		sc := p.sockets[fd]
		p.mu.Unlock()
		if sc == nil {
			return // socket already closed/unregistered; drop the stale event
		}
		sc.onWritable()

	default:
		p.log.WithField("filter", ev.Filter).Warn("unexpected kevent filter")
	}
}

// shutdown triggers the EVFILT_USER wakeup (guaranteed to unblock a pending
// kevent, unlike queue closure alone on Darwin), waits for the worker to
// observe Datapath.Shutdown and exit, then closes the event queue.
func (p *ProcContext) shutdown() {
	trigger := []unix.Kevent_t{{
		Ident:  shutdownUserIdent,
		Filter: unix.EVFILT_USER,
		Fflags: unix.NOTE_TRIGGER,
	}}
	unix.Kevent(p.kq, trigger, nil, nil)
	p.doneWG.Wait()
	unix.Close(p.kq)
}
