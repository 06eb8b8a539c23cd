//go:build darwin

package datapath

import (
	"testing"

	"github.com/Global19-atlassian-net/quicudp/internal/addr"
)

func TestHashPartitioner_Deterministic(t *testing.T) {
	local := addr.Addr{Family: addr.FamilyINET, IP: []byte{127, 0, 0, 1}, Port: 4433}
	remote := addr.Addr{Family: addr.FamilyINET, IP: []byte{10, 0, 0, 5}, Port: 9999}

	p := HashPartitioner{}
	first := p.Partition(4, local, remote)
	for i := 0; i < 10; i++ {
		if got := p.Partition(4, local, remote); got != first {
			t.Fatalf("partition not deterministic: got %d, want %d", got, first)
		}
	}
	if first < 0 || first >= 4 {
		t.Fatalf("partition %d out of range [0,4)", first)
	}
}

func TestHashPartitioner_SingleProc(t *testing.T) {
	p := HashPartitioner{}
	if got := p.Partition(1, addr.Addr{}, addr.Addr{}); got != 0 {
		t.Fatalf("expected partition 0 for procCount=1, got %d", got)
	}
}

func TestRoundRobinPartitioner_Cycles(t *testing.T) {
	p := &RoundRobinPartitioner{}
	seen := make(map[int]int)
	for i := 0; i < 8; i++ {
		seen[p.Partition(4, addr.Addr{}, addr.Addr{})]++
	}
	for i := 0; i < 4; i++ {
		if seen[i] != 2 {
			t.Fatalf("expected partition %d to be visited twice, got %d", i, seen[i])
		}
	}
}
