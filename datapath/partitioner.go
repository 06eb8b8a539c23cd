//go:build darwin

package datapath

import (
	"hash/fnv"
	"sync/atomic"

	"github.com/Global19-atlassian-net/quicudp/internal/addr"
)

// Partitioner chooses which of a Binding's per-core SocketContexts should
// perform a given send. spec.md §9 flags the reference design's hard-coded
// "always SocketContexts[0]" as a baseline to generalize, not a contract —
// this keeps the data model plural (spec.md §3) and makes the choice
// pluggable.
type Partitioner interface {
	Partition(procCount int, local, remote addr.Addr) int
}

// HashPartitioner picks a partition by hashing the local/remote 4-tuple,
// so repeated sends to the same peer land on the same core (keeps
// per-peer ordering meaningful even though spec.md §5 only promises
// ordering within a single SocketContext).
type HashPartitioner struct{}

func (HashPartitioner) Partition(procCount int, local, remote addr.Addr) int {
	if procCount <= 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write(local.IP)
	h.Write([]byte{byte(local.Port), byte(local.Port >> 8)})
	h.Write(remote.IP)
	h.Write([]byte{byte(remote.Port), byte(remote.Port >> 8)})
	return int(h.Sum32()) % procCount
}

// RoundRobinPartitioner cycles through partitions; useful for
// connectionless sends issued before any remote is known. Safe for
// concurrent use: Send may be called from arbitrary goroutines (spec.md §3
// "Ownership"), so next is updated with atomic.AddUint32 rather than a plain
// increment.
type RoundRobinPartitioner struct {
	next uint32
}

func (p *RoundRobinPartitioner) Partition(procCount int, _, _ addr.Addr) int {
	if procCount <= 1 {
		return 0
	}
	n := atomic.AddUint32(&p.next, 1) - 1
	return int(n) % procCount
}
