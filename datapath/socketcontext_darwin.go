//go:build darwin

package datapath

import (
	"container/list"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
	"golang.org/x/sys/unix"

	"github.com/sirupsen/logrus"

	"github.com/Global19-atlassian-net/quicudp/internal/addr"
	"github.com/Global19-atlassian-net/quicudp/internal/cmsg"
	"github.com/Global19-atlassian-net/quicudp/internal/quicerr"
)

const udpHeaderLen = 8

// payloadCapForMTU is MTU minus the family's IP header and the UDP header
// (spec.md §6), using golang.org/x/net's header-length constants rather
// than hand-rolled ones (DESIGN.md).
func payloadCapForMTU(mtu int, family addr.Family) int {
	hdr := ipv4.HeaderLen
	if family == addr.FamilyINET6 {
		hdr = ipv6.HeaderLen
	}
	n := mtu - hdr - udpHeaderLen
	if n < 0 {
		return 0
	}
	return n
}

// SocketContext is one UDP socket plus its receive-arming state and
// pending-send queue (spec.md §3).
type SocketContext struct {
	proc    *ProcContext
	binding *Binding
	fd      int
	family  addr.Family

	wg sync.WaitGroup // tracks in-flight onReadable/onWritable calls, drained by BindingDelete

	mu           sync.Mutex
	pendingSends list.List // of *SendContext, oldest-first
	writeArmed   bool

	control []byte // scratch ancillary-data buffer, reused across recvmsg calls
	closed  atomic.Bool
}

// newSocketContext creates and configures the raw socket for one core's
// share of a Binding (spec.md §4.5): family detection, SO_REUSEADDR +
// SO_REUSEPORT (so every core can bind the same port), the PKTINFO
// sockopts, Bind, optional Connect, and a Getsockname round-trip to learn
// the OS-assigned port on the first socket.
func newSocketContext(proc *ProcContext, b *Binding) (*SocketContext, error) {
	family := b.LocalAddr.Family
	if family == addr.FamilyUnspec {
		family = b.RemoteAddr.Family
	}
	if family == addr.FamilyUnspec {
		family = addr.FamilyINET
	}

	domain := unix.AF_INET
	if family == addr.FamilyINET6 {
		domain = unix.AF_INET6
	}

	fd, err := unix.Socket(domain, unix.SOCK_DGRAM, 0)
	if err != nil {
		return nil, err
	}
	ok := false
	defer func() {
		if !ok {
			unix.Close(fd)
		}
	}()

	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return nil, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
		return nil, err
	}

	if family == addr.FamilyINET {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_RECVDSTADDR, 1); err != nil {
			return nil, err
		}
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_PKTINFO, 1); err != nil {
			return nil, err
		}
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_RECVIF, 1); err != nil {
			return nil, err
		}
	} else {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_RECVPKTINFO, 1); err != nil {
			return nil, err
		}
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 0); err != nil {
			return nil, err
		}
	}

	if err := bindSocket(fd, family, b.LocalAddr); err != nil {
		return nil, quicerr.New("newSocketContext", quicerr.CodeAddressInUse, err, "bind")
	}

	if b.connected {
		if err := connectSocket(fd, b.RemoteAddr); err != nil {
			return nil, quicerr.New("newSocketContext", quicerr.CodeInternalError, err, "connect")
		}
	}

	port, err := getsockname(fd)
	if err != nil {
		return nil, err
	}
	if b.LocalAddr.Port == 0 {
		b.LocalAddr.Port = port
	}
	b.LocalAddr.Family = family

	sc := &SocketContext{proc: proc, binding: b, fd: fd, family: family}
	sc.control = make([]byte, cmsg.ControlBufferSize)

	ok = true
	return sc, nil
}

// startReceive arms the initial (and only, since EVFILT_READ is
// edge-triggered and re-used for every subsequent receive) read
// registration (spec.md §4.5 step 5, §4.7 step 7).
func (sc *SocketContext) startReceive() error {
	return sc.proc.registerSocket(sc)
}

// close unregisters and closes the fd. The caller (BindingDelete) waits
// on sc.wg afterward to let any already-dispatched callback finish
// (spec.md §4.7: "no further receive callbacks for that binding occur").
func (sc *SocketContext) close() {
	if !sc.closed.CompareAndSwap(false, true) {
		return
	}
	sc.proc.unregisterSocket(sc.fd)
	unix.Close(sc.fd)
}

// onReadable runs on the owning ProcContext's worker goroutine in
// response to an EVFILT_READ event (spec.md §4.6): recv once, hand the
// result to RecvComplete.
func (sc *SocketContext) onReadable() {
	sc.wg.Add(1)
	defer sc.wg.Done()

	if sc.closed.Load() {
		return
	}

	block := allocRecvBlock(sc.proc)
	if block == nil {
		sc.log().Warn("recv block pool exhausted, dropping readiness event")
		return
	}

	// iov_len is bounded by the binding's current MTU minus headers
	// (spec.md §4.3 PrepareReceive, §6 "Payload cap"), not the full
	// MaxUDPPayloadLength backing array.
	recvLen := sc.binding.payloadCap(sc.family)
	if recvLen <= 0 || recvLen > len(block.Packet.Buffer) {
		recvLen = len(block.Packet.Buffer)
	}
	block.Packet.Buffer = block.Packet.Buffer[:recvLen]

	n, oobn, _, from, err := unix.Recvmsg(sc.fd, block.Packet.Buffer, sc.control, 0)
	if err != nil {
		block.Return()
		switch err {
		case unix.EAGAIN, unix.EWOULDBLOCK:
			return
		case unix.ECONNREFUSED:
			if sc.binding.datapath.UnreachableHandler != nil {
				sc.binding.datapath.UnreachableHandler(sc.binding, sc.binding.ClientCtx, sc.binding.RemoteAddr)
			}
			return
		default:
			sc.log().WithError(err).Warn("recvmsg failed")
			return
		}
	}

	sc.recvComplete(block, n, oobn, from)
}

// recvComplete fills in the received datagram's tuple from the PKTINFO
// cmsg and the kernel-reported peer sockaddr, then invokes the upper
// layer's RecvHandler (spec.md §4.3).
func (sc *SocketContext) recvComplete(block *RecvBlock, n, oobn int, from unix.Sockaddr) {
	local, ok, err := cmsg.Decode(sc.control[:oobn], sc.binding.LocalAddr.Port)
	if err != nil || !ok {
		// spec.md §8: the local address must always be recoverable from
		// the PKTINFO cmsg; a receive without one is a configuration bug,
		// not routine packet loss.
		sc.log().WithError(err).Error("recvmsg completed without a PKTINFO control message")
		block.Return()
		return
	}

	block.Packet.BufferLength = n
	block.Packet.Buffer = block.Packet.Buffer[:n]
	block.Packet.PartitionIndex = sc.proc.Index
	block.Tuple = addr.Tuple{Local: local, Remote: fromSockaddr(from)}

	if m := sc.binding.datapath.metrics; m != nil {
		m.IncPacketsReceived(sc.proc.Index, sc.binding.ID)
		m.SetPoolDepth(sc.proc.Index, "recvBlock", sc.proc.recvBlockPool.Len())
	}

	sc.binding.datapath.RecvHandler(sc.binding, sc.binding.ClientCtx, &block.Packet)
}

// onWritable runs in response to an EVFILT_WRITE event: drain
// pendingSends in order, resuming each from its retained CurrentIndex,
// until the list empties or a send re-pends (spec.md §9 redesign, §4.4).
func (sc *SocketContext) onWritable() {
	sc.wg.Add(1)
	defer sc.wg.Done()

	for {
		sc.mu.Lock()
		front := sc.pendingSends.Front()
		if front == nil {
			sc.mu.Unlock()
			return
		}
		sc.mu.Unlock()

		ctx := front.Value.(*SendContext)
		disposition := sc.resume(ctx)
		if disposition == sendPending {
			return // still can't write; wait for the next EVFILT_WRITE
		}

		sc.mu.Lock()
		sc.pendingSends.Remove(front)
		empty := sc.pendingSends.Len() == 0
		sc.mu.Unlock()

		ctx.Pending = false
		ctx.pendingElem = nil
		if m := sc.binding.datapath.metrics; m != nil && disposition == sendComplete {
			for i := 0; i < ctx.BufferCount; i++ {
				m.IncPacketsSent(sc.proc.Index, sc.binding.ID)
			}
		}
		FreeSendContext(ctx)

		if m := sc.binding.datapath.metrics; m != nil {
			m.SetPendingSends(sc.proc.Index, sc.binding.ID, sc.pendingSendsLen())
		}
		if empty {
			sc.disarmWrite()
			return
		}
	}
}

func (sc *SocketContext) pendingSendsLen() int {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.pendingSends.Len()
}

type sendDisposition int

const (
	sendComplete sendDisposition = iota
	sendPending
	sendFailed
)

// SendTo performs a connected-style send: no explicit source address, so
// sendto is called with a nil destination, relying on the socket's own
// connect()/bind() (spec.md §4.4 "Send"). The Partitioner picks which
// core's SocketContext performs the write.
func SendTo(b *Binding, remote addr.Addr, ctx *SendContext) error {
	sc := b.sockets[b.datapath.partitioner.Partition(len(b.sockets), b.LocalAddr, remote)]
	return sc.submit(ctx, nil)
}

// SendFromTo performs a source-address-controlled send via a single
// sendmsg carrying the full buffer batch as a gather vector and exactly
// one PKTINFO ancillary message (spec.md §4.4).
func SendFromTo(b *Binding, local, remote addr.Addr, ctx *SendContext) error {
	sc := b.sockets[b.datapath.partitioner.Partition(len(b.sockets), local, remote)]
	ctx.Local, ctx.Remote, ctx.Bound = local, remote, true
	return sc.submit(ctx, &remote)
}

// submit performs ctx's remaining buffers, pending it on EAGAIN and
// freeing it on any other terminal outcome (spec.md §4.4 "On final
// disposition ... free the SendContext and its buffers; on pending,
// retain it").
func (sc *SocketContext) submit(ctx *SendContext, remote *addr.Addr) error {
	var disp sendDisposition
	var err error
	if ctx.Bound {
		disp, err = sc.sendFromToOnce(ctx, *remote)
	} else {
		disp, err = sc.sendConnectedOnce(ctx)
	}

	switch disp {
	case sendComplete:
		if m := sc.binding.datapath.metrics; m != nil {
			for i := 0; i < ctx.BufferCount; i++ {
				m.IncPacketsSent(sc.proc.Index, sc.binding.ID)
			}
		}
		FreeSendContext(ctx)
		return nil
	case sendPending:
		sc.pend(ctx)
		if m := sc.binding.datapath.metrics; m != nil {
			m.SetPendingSends(sc.proc.Index, sc.binding.ID, sc.pendingSendsLen())
		}
		return quicerr.New("Send", quicerr.CodePending, nil, "")
	default:
		FreeSendContext(ctx)
		return quicerr.New("Send", quicerr.CodeInternalError, err, "")
	}
}

func (sc *SocketContext) pend(ctx *SendContext) {
	sc.mu.Lock()
	ctx.Pending = true
	ctx.pendingElem = sc.pendingSends.PushBack(ctx)
	armed := sc.writeArmed
	sc.writeArmed = true
	sc.mu.Unlock()

	if !armed {
		if err := sc.proc.setWriteArmed(sc.fd, true); err != nil {
			sc.log().WithError(err).Warn("failed to arm EVFILT_WRITE")
		}
	}
}

func (sc *SocketContext) disarmWrite() {
	sc.mu.Lock()
	sc.writeArmed = false
	sc.mu.Unlock()
	if err := sc.proc.setWriteArmed(sc.fd, false); err != nil {
		sc.log().WithError(err).Warn("failed to disarm EVFILT_WRITE")
	}
}

// log returns sc's ProcContext logger tagged with the owning Binding's
// correlation id, so every log line touching this socket can be traced back
// to one logical endpoint (spec.md §3 Binding.ID; DESIGN.md).
func (sc *SocketContext) log() *logrus.Entry {
	return sc.proc.log.WithField("binding", sc.binding.ID)
}

// resume retries a pended SendContext from its retained CurrentIndex
// (invoked from onWritable), using whichever path it was originally
// submitted through.
func (sc *SocketContext) resume(ctx *SendContext) sendDisposition {
	var disp sendDisposition
	if ctx.Bound {
		disp, _ = sc.sendFromToOnce(ctx, ctx.Remote)
	} else {
		disp, _ = sc.sendConnectedOnce(ctx)
	}
	return disp
}

// sendConnectedOnce iterates buffers from CurrentIndex, calling sendto
// with a nil destination so an already-connect()ed socket doesn't yield
// EISCONN (spec.md §4.4).
func (sc *SocketContext) sendConnectedOnce(ctx *SendContext) (sendDisposition, error) {
	for ctx.CurrentIndex < ctx.BufferCount {
		buf := ctx.buffers[ctx.CurrentIndex]
		err := unix.Sendto(sc.fd, buf.data[:buf.n], 0, nil)
		if err != nil {
			switch err {
			case unix.EAGAIN, unix.EWOULDBLOCK:
				return sendPending, nil
			case unix.ECONNREFUSED:
				if sc.binding.datapath.UnreachableHandler != nil {
					sc.binding.datapath.UnreachableHandler(sc.binding, sc.binding.ClientCtx, sc.binding.RemoteAddr)
				}
				return sendFailed, err
			default:
				return sendFailed, err
			}
		}
		ctx.CurrentIndex++
	}
	return sendComplete, nil
}

// sendFromToOnce builds one sendmsg carrying every remaining buffer as a
// gather vector plus a single PKTINFO cmsg (spec.md §4.4, §8). Unlike the
// connected path this is all-or-nothing: the kernel either accepts the
// whole gather vector or it doesn't, so CurrentIndex is not advanced
// buffer-by-buffer here.
func (sc *SocketContext) sendFromToOnce(ctx *SendContext, remote addr.Addr) (sendDisposition, error) {
	control, err := cmsg.Encode(ctx.Local)
	if err != nil {
		return sendFailed, err
	}

	iovs := make([]unix.Iovec, 0, ctx.BufferCount-ctx.CurrentIndex)
	for i := ctx.CurrentIndex; i < ctx.BufferCount; i++ {
		b := ctx.buffers[i]
		iovs = append(iovs, unix.Iovec{Base: &b.data[0], Len: uint64(b.n)})
	}

	sa, err := toSockaddr(remote)
	if err != nil {
		return sendFailed, err
	}

	n, err := sendmsgIovs(sc.fd, sa, iovs, control)
	if err != nil {
		switch err {
		case unix.EAGAIN, unix.EWOULDBLOCK:
			return sendPending, nil
		case unix.ECONNREFUSED:
			if sc.binding.datapath.UnreachableHandler != nil {
				sc.binding.datapath.UnreachableHandler(sc.binding, sc.binding.ClientCtx, remote)
			}
			return sendFailed, err
		default:
			return sendFailed, err
		}
	}
	_ = n
	ctx.CurrentIndex = ctx.BufferCount
	return sendComplete, nil
}

// sendmsgIovs issues a single raw sendmsg syscall carrying a multi-iovec
// gather vector plus ancillary data — x/sys/unix has no exported
// multi-iovec Sendmsg, only the single-buffer convenience wrapper, so the
// msghdr is built by hand the same way unix.Sendmsg itself does
// internally (DESIGN.md).
func sendmsgIovs(fd int, to unix.Sockaddr, iovs []unix.Iovec, control []byte) (int, error) {
	var msg unix.Msghdr

	ptr, salen, err := sockaddrPointer(to)
	if err != nil {
		return 0, err
	}
	msg.Name = (*byte)(ptr)
	msg.Namelen = salen

	if len(iovs) > 0 {
		msg.Iov = &iovs[0]
		msg.SetIovlen(len(iovs))
	}
	if len(control) > 0 {
		msg.Control = &control[0]
		msg.SetControllen(len(control))
	}

	r0, _, errno := unix.Syscall(unix.SYS_SENDMSG, uintptr(fd), uintptr(unsafe.Pointer(&msg)), 0)
	if errno != 0 {
		return 0, errno
	}
	return int(r0), nil
}

// sockaddrPointer lays out a raw sockaddr for to and returns a pointer to
// it plus its length, keeping the byte layout alive for the duration of
// the sendmsg call via the returned value's ownership by the caller's
// stack frame.
func sockaddrPointer(to unix.Sockaddr) (unsafe.Pointer, uint32, error) {
	switch sa := to.(type) {
	case *unix.SockaddrInet4:
		var raw unix.RawSockaddrInet4
		raw.Len = unix.SizeofSockaddrInet4
		raw.Family = unix.AF_INET
		p := (*[2]byte)(unsafe.Pointer(&raw.Port))
		p[0] = byte(sa.Port >> 8)
		p[1] = byte(sa.Port)
		raw.Addr = sa.Addr
		return unsafe.Pointer(&raw), uint32(unix.SizeofSockaddrInet4), nil

	case *unix.SockaddrInet6:
		var raw unix.RawSockaddrInet6
		raw.Len = unix.SizeofSockaddrInet6
		raw.Family = unix.AF_INET6
		p := (*[2]byte)(unsafe.Pointer(&raw.Port))
		p[0] = byte(sa.Port >> 8)
		p[1] = byte(sa.Port)
		raw.Scope_id = sa.ZoneId
		raw.Addr = sa.Addr
		return unsafe.Pointer(&raw), uint32(unix.SizeofSockaddrInet6), nil

	default:
		return nil, 0, unix.EAFNOSUPPORT
	}
}
