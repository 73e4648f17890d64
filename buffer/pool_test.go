package buffer

import (
	"bytes"
	"sync"
	"testing"
)

func TestPoolAccounting(t *testing.T) {
	p := NewPool(8)
	if got := p.Available(); got != 8 {
		t.Fatalf("Available() = %d, want 8", got)
	}

	var pkts []*Packet
	for i := 0; i < 5; i++ {
		pkt := p.Allocate()
		if pkt == nil {
			t.Fatalf("Allocate() failed with %d slots free", 8-i)
		}
		pkts = append(pkts, pkt)
	}
	if got := p.Available(); got != 3 {
		t.Fatalf("Available() = %d, want 3", got)
	}

	for _, pkt := range pkts[:2] {
		pkt.Release()
	}
	if got := p.Available(); got != 5 {
		t.Fatalf("Available() after partial release = %d, want 5", got)
	}

	for _, pkt := range pkts[2:] {
		pkt.Release()
	}
	if got := p.Available(); got != 8 {
		t.Fatalf("Available() after full release = %d, want 8", got)
	}
}

func TestPoolExhaustion(t *testing.T) {
	p := NewPool(2)

	a := p.Allocate()
	b := p.Allocate()
	if a == nil || b == nil {
		t.Fatal("Allocate() failed with free slots")
	}

	if pkt := p.Allocate(); pkt != nil {
		t.Fatal("Allocate() succeeded on an exhausted pool")
	}
	if got := p.AllocationFailures(); got != 1 {
		t.Fatalf("AllocationFailures() = %d, want 1", got)
	}

	// Exhaustion is transient: a release makes the slot allocatable again
	a.Release()
	if pkt := p.Allocate(); pkt == nil {
		t.Fatal("Allocate() failed after a release")
	}
}

func TestPrependHeadroomBounds(t *testing.T) {
	p := NewPool(1)
	pkt := p.Allocate()

	if _, ok := pkt.Prepend(Headroom); !ok {
		t.Fatalf("Prepend(%d) on a fresh buffer failed", Headroom)
	}
	pkt.Release()

	pkt = p.Allocate()
	if _, ok := pkt.Prepend(Headroom + 1); ok {
		t.Fatalf("Prepend(%d) succeeded past the headroom", Headroom+1)
	}
	// The failed prepend must not have moved head
	if got := pkt.AvailableHeadroom(); got != Headroom {
		t.Fatalf("AvailableHeadroom() after failed prepend = %d, want %d", got, Headroom)
	}
	if _, ok := pkt.Prepend(Headroom); !ok {
		t.Fatal("Prepend(Headroom) failed after a rejected oversized prepend")
	}
}

func TestCopyInConsumeAppend(t *testing.T) {
	p := NewPool(1)

	frame := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	pkt := p.CopyIn(frame)
	if pkt == nil {
		t.Fatal("CopyIn() failed")
	}
	if pkt.AvailableHeadroom() != 0 {
		t.Fatalf("CopyIn head = %d, want 0", pkt.AvailableHeadroom())
	}
	if !bytes.Equal(pkt.Data(), frame) {
		t.Fatalf("Data() = %v, want %v", pkt.Data(), frame)
	}

	hdr, ok := pkt.Consume(4)
	if !ok || !bytes.Equal(hdr, frame[:4]) {
		t.Fatalf("Consume(4) = %v, %v", hdr, ok)
	}
	if _, ok := pkt.Consume(100); ok {
		t.Fatal("Consume(100) succeeded past the active region")
	}
	if !bytes.Equal(pkt.Data(), frame[4:]) {
		t.Fatalf("Data() after consume = %v, want %v", pkt.Data(), frame[4:])
	}

	if !pkt.Append([]byte{9, 10}) {
		t.Fatal("Append failed with room to spare")
	}
	if got := pkt.Length(); got != 6 {
		t.Fatalf("Length() = %d, want 6", got)
	}
	if pkt.Append(make([]byte, PacketSize)) {
		t.Fatal("Append succeeded past capacity")
	}
}

func TestLayerBoundaries(t *testing.T) {
	p := NewPool(1)

	// Parse an inbound frame: 14 bytes link, 20 network, 8 transport
	frame := make([]byte, 64)
	pkt := p.CopyIn(frame)

	pkt.MarkLinkHeader()
	pkt.Consume(14)
	pkt.MarkNetworkHeader()
	pkt.Consume(20)
	pkt.MarkTransportHeader()
	pkt.Consume(8)

	if got := len(pkt.LinkHeader()); got != 14 {
		t.Errorf("LinkHeader() length = %d, want 14", got)
	}
	if got := len(pkt.NetworkHeader()); got != 20 {
		t.Errorf("NetworkHeader() length = %d, want 20", got)
	}
	if got := len(pkt.TransportHeader()); got != 30 {
		t.Errorf("TransportHeader() length = %d, want 30", got)
	}
}

func TestPoolConcurrentChurn(t *testing.T) {
	const workers = 8
	p := NewPool(workers)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				pkt := p.Allocate()
				if pkt == nil {
					continue
				}
				pkt.Release()
			}
		}()
	}
	wg.Wait()

	if got := p.Available(); got != workers {
		t.Fatalf("Available() after churn = %d, want %d", got, workers)
	}
}

func TestPoolContendedFreeList(t *testing.T) {
	// Far more workers than slots, so pops race for the same list head
	const workers = 16
	p := NewPool(2)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 2000; i++ {
				pkt := p.Allocate()
				if pkt == nil {
					continue
				}
				pkt.Release()
			}
		}()
	}
	wg.Wait()

	if got := p.Available(); got != 2 {
		t.Fatalf("Available() after churn = %d, want 2", got)
	}
}
