package tcp_test

import (
	"bytes"
	"testing"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/SlopLabs/netstack/checker"
	"github.com/SlopLabs/netstack/checksum"
	"github.com/SlopLabs/netstack/header"
	"github.com/SlopLabs/netstack/link/channel"
	"github.com/SlopLabs/netstack/network/ipv4"
	"github.com/SlopLabs/netstack/stack"
	"github.com/SlopLabs/netstack/transport/tcp"
	"github.com/SlopLabs/netstack/types"
	"github.com/SlopLabs/netstack/waiter"
)

const (
	stackAddr     = "\x0a\x00\x00\x01"
	stackLinkAddr = "\x0a\x0a\x0b\x0b\x0c\x0c"
	stackPort     = 1234
	testAddr      = "\x0a\x00\x00\x02"
	testLinkAddr  = "\x01\x02\x03\x04\x05\x06"
	testPort      = 4096

	// testInitialSeq is the sequence number the fake peer starts from
	testInitialSeq = 789

	// expectedMSS is what the stack advertises for the test MTU of 1500
	expectedMSS = 1460
)

type testContext struct {
	t   *testing.T
	dev *channel.Device
	s   *stack.Stack

	ep types.Endpoint
	wq waiter.Queue
}

func newTestContext(t *testing.T) *testContext {
	s := stack.New([]string{ipv4.ProtocolName}, []string{tcp.ProtocolName})

	dev := channel.New(256, 1500, stackLinkAddr, 0, s.Pool())

	if err := s.CreateDevice(1, dev); err != nil {
		t.Fatalf("CreateDevice failed: %v", err)
	}
	if err := s.EnableDevice(1); err != nil {
		t.Fatalf("EnableDevice failed: %v", err)
	}
	if err := s.AddAddress(1, ipv4.ProtocolNumber, stackAddr); err != nil {
		t.Fatalf("AddAddress failed: %v", err)
	}

	s.SetRouteTable([]types.RouteEntry{
		{
			Prefix:    "\x00\x00\x00\x00",
			PrefixLen: 0,
			Device:    1,
		},
	})

	return &testContext{
		t:   t,
		s:   s,
		dev: dev,
	}
}

func (c *testContext) cleanup() {
	if c.ep != nil {
		c.ep.Close()
	}
	c.s.RemoveDevice(1)
}

func (c *testContext) createEndpoint() {
	var err *types.Error
	c.ep, err = c.s.NewEndpoint(tcp.ProtocolNumber, ipv4.ProtocolNumber, &c.wq)
	if err != nil {
		c.t.Fatalf("NewEndpoint failed: %v", err)
	}
}

// readSegment pulls the next transmitted frame off the device and returns
// its network-layer bytes
func (c *testContext) readSegment(timeout time.Duration) []byte {
	select {
	case pkt := <-c.dev.C:
		b := pkt.Data()
		ip := make([]byte, len(b)-header.EthernetMinimumSize)
		copy(ip, b[header.EthernetMinimumSize:])
		pkt.Release()
		return ip
	case <-time.After(timeout):
		c.t.Fatal("timed out waiting for a segment")
		return nil
	}
}

// checkNoSegment asserts nothing is transmitted for a while
func (c *testContext) checkNoSegment() {
	select {
	case pkt := <-c.dev.C:
		b := pkt.Data()
		flags := header.TCP(b[header.EthernetMinimumSize+header.IPv4MinimumSize:]).Flags()
		pkt.Release()
		c.t.Fatalf("unexpected segment transmitted, flags 0x%x", flags)
	case <-time.After(100 * time.Millisecond):
	}
}

type segmentSpec struct {
	srcPort uint16
	dstPort uint16
	seq     uint32
	ack     uint32
	flags   uint8
	wnd     uint16
	payload []byte
}

func buildSegmentFrame(s *segmentSpec) []byte {
	frameLen := header.EthernetMinimumSize + header.IPv4MinimumSize + header.TCPMinimumSize + len(s.payload)
	buf := make([]byte, frameLen)
	copy(buf[frameLen-len(s.payload):], s.payload)

	eth := header.Ethernet(buf)
	eth.Encode(&header.EthernetFields{
		SrcAddr: testLinkAddr,
		DstAddr: stackLinkAddr,
		Type:    ipv4.ProtocolNumber,
	})

	ip := header.IPv4(buf[header.EthernetMinimumSize:])
	ip.Encode(&header.IPv4Fields{
		IHL:         header.IPv4MinimumSize,
		TotalLength: uint16(header.IPv4MinimumSize + header.TCPMinimumSize + len(s.payload)),
		TTL:         64,
		Protocol:    uint8(tcp.ProtocolNumber),
		SrcAddr:     testAddr,
		DstAddr:     stackAddr,
	})
	ip.SetChecksum(^ip.CalculateChecksum())

	t := header.TCP(buf[header.EthernetMinimumSize+header.IPv4MinimumSize:])
	t.Encode(&header.TCPFields{
		SrcPort:    s.srcPort,
		DstPort:    s.dstPort,
		SeqNum:     s.seq,
		AckNum:     s.ack,
		DataOffset: header.TCPMinimumSize,
		Flags:      s.flags,
		WindowSize: s.wnd,
	})

	length := uint16(header.TCPMinimumSize + len(s.payload))
	xsum := checksum.Checksum([]byte(testAddr), 0)
	xsum = checksum.Checksum([]byte(stackAddr), xsum)
	xsum = checksum.Checksum([]byte{0, uint8(tcp.ProtocolNumber)}, xsum)
	xsum = checksum.Checksum(s.payload, xsum)
	t.SetChecksum(^t.CalculateChecksum(xsum, length))

	return buf
}

func (c *testContext) sendSegment(s *segmentSpec) {
	if s.srcPort == 0 {
		s.srcPort = testPort
	}
	if s.dstPort == 0 {
		s.dstPort = stackPort
	}
	if s.wnd == 0 {
		s.wnd = 30000
	}
	if !c.dev.Inject(buildSegmentFrame(s)) {
		c.t.Fatal("Inject failed")
	}
}

// passiveEstablish runs a complete three-way handshake against a listening
// test endpoint and returns the accepted connection and the server's
// initial sequence number
func (c *testContext) passiveEstablish(backlog int) (types.Endpoint, *waiter.Queue, uint32) {
	c.createEndpoint()
	if err := c.ep.Bind(types.FullAddress{Port: stackPort}); err != nil {
		c.t.Fatalf("Bind failed: %v", err)
	}
	if err := c.ep.Listen(backlog); err != nil {
		c.t.Fatalf("Listen failed: %v", err)
	}

	we, ch := waiter.NewChannelEntry(nil)
	c.wq.EventRegister(&we, waiter.EventIn)
	defer c.wq.EventUnregister(&we)

	c.sendSegment(&segmentSpec{
		seq:   testInitialSeq,
		flags: header.TCPFlagSyn,
	})

	b := c.readSegment(time.Second)
	var iss uint32
	checker.IPv4(c.t, b,
		checker.SrcAddr(stackAddr),
		checker.DstAddr(testAddr),
		checker.TCP(
			checker.SrcPort(stackPort),
			checker.DstPort(testPort),
			checker.TCPFlags(header.TCPFlagSyn|header.TCPFlagAck),
			checker.AckNum(testInitialSeq+1),
			checker.TCPSynOptions(header.TCPSynOptions{MSS: expectedMSS}),
		),
	)
	iss = header.TCP(header.IPv4(b).Payload()).SequenceNumber()

	c.sendSegment(&segmentSpec{
		seq:   testInitialSeq + 1,
		ack:   iss + 1,
		flags: header.TCPFlagAck,
	})

	ep, wq := c.accept(ch)
	return ep, wq, iss
}

func (c *testContext) accept(ch chan struct{}) (types.Endpoint, *waiter.Queue) {
	for {
		ep, wq, err := c.ep.Accept()
		if err == nil {
			return ep, wq
		}
		if err != types.ErrWouldBlock {
			c.t.Fatalf("Accept failed: %v", err)
		}
		select {
		case <-ch:
		case <-time.After(time.Second):
			c.t.Fatal("timed out waiting for an accepted connection")
		}
	}
}

// blockingRead reads from ep, waiting on wq when no data is pending yet
func (c *testContext) blockingRead(ep types.Endpoint, wq *waiter.Queue) []byte {
	we, ch := waiter.NewChannelEntry(nil)
	wq.EventRegister(&we, waiter.EventIn)
	defer wq.EventUnregister(&we)

	for {
		v, err := ep.Read(nil)
		if err == nil {
			return v
		}
		if err != types.ErrWouldBlock {
			c.t.Fatalf("Read failed: %v", err)
		}
		select {
		case <-ch:
		case <-time.After(time.Second):
			c.t.Fatal("timed out waiting for data")
		}
	}
}

func TestPassiveHandshakeAndDataTransfer(t *testing.T) {
	c := newTestContext(t)
	defer c.cleanup()

	ep, wq, iss := c.passiveEstablish(10)
	defer ep.Close()

	// Peer sends data; the stack acknowledges it
	c.sendSegment(&segmentSpec{
		seq:     testInitialSeq + 1,
		ack:     iss + 1,
		flags:   header.TCPFlagAck,
		payload: []byte("hello"),
	})

	checker.IPv4(t, c.readSegment(time.Second), checker.TCP(
		checker.TCPFlags(header.TCPFlagAck),
		checker.AckNum(testInitialSeq+6),
	))

	if v := c.blockingRead(ep, wq); !bytes.Equal(v, []byte("hello")) {
		t.Fatalf("Read: got %q, want %q", v, "hello")
	}

	// The stack sends data; the peer sees one PSH segment
	if _, err := ep.Write([]byte("world"), nil); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	b := c.readSegment(time.Second)
	checker.IPv4(t, b, checker.TCP(
		checker.TCPFlags(header.TCPFlagAck|header.TCPFlagPsh),
		checker.SeqNum(iss+1),
		checker.AckNum(testInitialSeq+6),
	))
	if p := header.TCP(header.IPv4(b).Payload()).Payload(); !bytes.Equal(p, []byte("world")) {
		t.Fatalf("segment payload: got %q, want %q", p, "world")
	}

	c.sendSegment(&segmentSpec{
		seq:   testInitialSeq + 6,
		ack:   iss + 6,
		flags: header.TCPFlagAck,
	})
}

func TestActiveHandshake(t *testing.T) {
	c := newTestContext(t)
	defer c.cleanup()

	c.createEndpoint()

	we, ch := waiter.NewChannelEntry(nil)
	c.wq.EventRegister(&we, waiter.EventOut)
	defer c.wq.EventUnregister(&we)

	err := c.ep.Connect(types.FullAddress{Address: testAddr, Port: testPort})
	if err != types.ErrInProgress {
		t.Fatalf("Connect: got %v, want %v", err, types.ErrInProgress)
	}

	b := c.readSegment(time.Second)
	checker.IPv4(t, b, checker.TCP(
		checker.DstPort(testPort),
		checker.TCPFlags(header.TCPFlagSyn),
		checker.TCPSynOptions(header.TCPSynOptions{MSS: expectedMSS}),
	))
	hdr := header.TCP(header.IPv4(b).Payload())
	iss := hdr.SequenceNumber()
	localPort := hdr.SourcePort()

	c.sendSegment(&segmentSpec{
		srcPort: testPort,
		dstPort: localPort,
		seq:     testInitialSeq,
		ack:     iss + 1,
		flags:   header.TCPFlagSyn | header.TCPFlagAck,
	})

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the handshake to finish")
	}

	checker.IPv4(t, c.readSegment(time.Second), checker.TCP(
		checker.TCPFlags(header.TCPFlagAck),
		checker.SeqNum(iss+1),
		checker.AckNum(testInitialSeq+1),
	))

	addr, gerr := c.ep.GetRemoteAddress()
	if gerr != nil {
		t.Fatalf("GetRemoteAddress failed: %v", gerr)
	}
	if addr.Address != testAddr || addr.Port != testPort {
		t.Fatalf("remote address: got %q:%d, want %q:%d", addr.Address, addr.Port, testAddr, testPort)
	}
}

func TestConnectionRefused(t *testing.T) {
	c := newTestContext(t)
	defer c.cleanup()

	c.createEndpoint()

	we, ch := waiter.NewChannelEntry(nil)
	c.wq.EventRegister(&we, waiter.EventOut|waiter.EventErr)
	defer c.wq.EventUnregister(&we)

	if err := c.ep.Connect(types.FullAddress{Address: testAddr, Port: testPort}); err != types.ErrInProgress {
		t.Fatalf("Connect: got %v, want %v", err, types.ErrInProgress)
	}

	b := c.readSegment(time.Second)
	hdr := header.TCP(header.IPv4(b).Payload())
	iss := hdr.SequenceNumber()

	c.sendSegment(&segmentSpec{
		srcPort: testPort,
		dstPort: hdr.SourcePort(),
		seq:     testInitialSeq,
		ack:     iss + 1,
		flags:   header.TCPFlagRst | header.TCPFlagAck,
	})

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the refusal")
	}

	var opt types.ErrorOption
	if err := c.ep.GetSockOpt(&opt); err != types.ErrConnectionRefused {
		t.Fatalf("GetSockOpt: got %v, want %v", err, types.ErrConnectionRefused)
	}
}

func TestSynAckRetransmitThenExpiry(t *testing.T) {
	c := newTestContext(t)
	defer c.cleanup()

	c.createEndpoint()
	if err := c.ep.Bind(types.FullAddress{Port: stackPort}); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	if err := c.ep.Listen(10); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}

	c.sendSegment(&segmentSpec{seq: testInitialSeq, flags: header.TCPFlagSyn})

	// Initial answer plus four timer-driven retransmits, doubling from
	// five ticks
	b := c.readSegment(time.Second)
	iss := header.TCP(header.IPv4(b).Payload()).SequenceNumber()

	delay := uint64(5)
	for attempt := 1; attempt < 5; attempt++ {
		for i := uint64(0); i < delay; i++ {
			c.s.Tick()
		}
		checker.IPv4(t, c.readSegment(time.Second), checker.TCP(
			checker.TCPFlags(header.TCPFlagSyn|header.TCPFlagAck),
			checker.SeqNum(iss),
			checker.AckNum(testInitialSeq+1),
		))
		delay *= 2
	}

	// The fifth expiry abandons the handshake without a trace
	for i := uint64(0); i < delay; i++ {
		c.s.Tick()
	}
	c.checkNoSegment()

	// A late ACK meets no half-open entry; nothing is established
	c.sendSegment(&segmentSpec{
		seq:   testInitialSeq + 1,
		ack:   iss + 1,
		flags: header.TCPFlagAck,
	})
	time.Sleep(50 * time.Millisecond)
	if _, _, err := c.ep.Accept(); err != types.ErrWouldBlock {
		t.Fatalf("Accept: got %v, want %v", err, types.ErrWouldBlock)
	}
}

// collidingPorts finds remote ports whose connection identities share one
// half-open bucket, mirroring the table's hash
func collidingPorts(count int) []uint16 {
	target := -1
	var ports []uint16
	for port := uint16(2000); port < 65000 && len(ports) < count; port++ {
		var d xxhash.Digest
		d.Reset()
		d.WriteString(stackAddr)
		d.WriteString(testAddr)
		var pb [4]byte
		pb[0] = byte(stackPort >> 8)
		pb[1] = byte(stackPort & 0xff)
		pb[2] = byte(port >> 8)
		pb[3] = byte(port)
		d.Write(pb[:])
		bucket := int(d.Sum64() % 64)
		if target == -1 {
			target = bucket
		}
		if bucket == target {
			ports = append(ports, port)
		}
	}
	return ports
}

func TestHalfOpenBucketCollisionDropsSilently(t *testing.T) {
	c := newTestContext(t)
	defer c.cleanup()

	c.createEndpoint()
	if err := c.ep.Bind(types.FullAddress{Port: stackPort}); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	if err := c.ep.Listen(10); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}

	ports := collidingPorts(2)
	if len(ports) < 2 {
		t.Fatal("could not find colliding ports")
	}

	// First attempt claims the bucket
	c.sendSegment(&segmentSpec{srcPort: ports[0], seq: testInitialSeq, flags: header.TCPFlagSyn})
	b := c.readSegment(time.Second)
	checker.IPv4(t, b, checker.TCP(
		checker.DstPort(ports[0]),
		checker.TCPFlags(header.TCPFlagSyn|header.TCPFlagAck),
	))
	iss := header.TCP(header.IPv4(b).Payload()).SequenceNumber()

	// Second attempt collides and dies without an answer
	c.sendSegment(&segmentSpec{srcPort: ports[1], seq: testInitialSeq, flags: header.TCPFlagSyn})
	c.checkNoSegment()

	stats := c.s.Stats()
	if got := stats.TCP.ListenOverflowSynDrops.Value(); got != 1 {
		t.Fatalf("ListenOverflowSynDrops: got %d, want 1", got)
	}

	// The first handshake is unharmed
	we, ch := waiter.NewChannelEntry(nil)
	c.wq.EventRegister(&we, waiter.EventIn)
	defer c.wq.EventUnregister(&we)

	c.sendSegment(&segmentSpec{
		srcPort: ports[0],
		seq:     testInitialSeq + 1,
		ack:     iss + 1,
		flags:   header.TCPFlagAck,
	})
	ep, _ := c.accept(ch)
	ep.Close()
}

func TestShutdownWritePeerStillReadable(t *testing.T) {
	c := newTestContext(t)
	defer c.cleanup()

	ep, wq, iss := c.passiveEstablish(10)
	defer ep.Close()

	// Peer data arrives and stays unread
	c.sendSegment(&segmentSpec{
		seq:     testInitialSeq + 1,
		ack:     iss + 1,
		flags:   header.TCPFlagAck,
		payload: []byte("abcde"),
	})
	c.readSegment(time.Second) // its ACK

	// Local write side closes; the peer observes a FIN
	if err := ep.Shutdown(types.ShutdownWrite); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	checker.IPv4(t, c.readSegment(time.Second), checker.TCP(
		checker.TCPFlags(header.TCPFlagFin|header.TCPFlagAck),
		checker.SeqNum(iss+1),
	))
	c.sendSegment(&segmentSpec{
		seq:   testInitialSeq + 6,
		ack:   iss + 2,
		flags: header.TCPFlagAck,
	})

	// Reads continue: buffered data first, then fresh arrivals
	if v := c.blockingRead(ep, wq); !bytes.Equal(v, []byte("abcde")) {
		t.Fatalf("Read: got %q, want %q", v, "abcde")
	}

	c.sendSegment(&segmentSpec{
		seq:     testInitialSeq + 6,
		ack:     iss + 2,
		flags:   header.TCPFlagAck,
		payload: []byte("fgh"),
	})
	c.readSegment(time.Second) // its ACK
	if v := c.blockingRead(ep, wq); !bytes.Equal(v, []byte("fgh")) {
		t.Fatalf("Read: got %q, want %q", v, "fgh")
	}

	// Writing after shutdown stays refused
	if _, err := ep.Write([]byte("x"), nil); err != types.ErrClosedForSend {
		t.Fatalf("Write: got %v, want %v", err, types.ErrClosedForSend)
	}
}

func TestRetransmitThenTimeout(t *testing.T) {
	c := newTestContext(t)
	defer c.cleanup()

	ep, _, iss := c.passiveEstablish(10)
	defer ep.Close()

	if _, err := ep.Write([]byte("xyz"), nil); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	checker.IPv4(t, c.readSegment(time.Second), checker.TCP(
		checker.SeqNum(iss+1),
	))

	// No acknowledgment: four timer retransmissions, doubling from ten
	// ticks, then the connection resets
	stats := c.s.Stats()
	delay := uint64(10)
	for attempt := 1; attempt < 5; attempt++ {
		for i := uint64(0); i < delay; i++ {
			c.s.Tick()
		}
		checker.IPv4(t, c.readSegment(time.Second), checker.TCP(
			checker.SeqNum(iss+1),
		))
		if got := stats.TCP.Retransmits.Value(); got != uint64(attempt) {
			t.Fatalf("Retransmits after attempt %d: got %d", attempt, got)
		}
		delay *= 2
	}
	for i := uint64(0); i < delay; i++ {
		c.s.Tick()
	}

	if _, err := ep.Write([]byte("more"), nil); err != types.ErrTimeout {
		t.Fatalf("Write after timeout: got %v, want %v", err, types.ErrTimeout)
	}
}

func TestFullCloseThroughTimeWait(t *testing.T) {
	c := newTestContext(t)
	defer c.cleanup()

	ep, _, iss := c.passiveEstablish(10)

	ep.Close()
	checker.IPv4(t, c.readSegment(time.Second), checker.TCP(
		checker.TCPFlags(header.TCPFlagFin|header.TCPFlagAck),
		checker.SeqNum(iss+1),
	))

	// Peer acknowledges our FIN and sends its own
	c.sendSegment(&segmentSpec{
		seq:   testInitialSeq + 1,
		ack:   iss + 2,
		flags: header.TCPFlagAck,
	})
	c.sendSegment(&segmentSpec{
		seq:   testInitialSeq + 1,
		ack:   iss + 2,
		flags: header.TCPFlagFin | header.TCPFlagAck,
	})
	checker.IPv4(t, c.readSegment(time.Second), checker.TCP(
		checker.TCPFlags(header.TCPFlagAck),
		checker.AckNum(testInitialSeq+2),
	))

	// During the quiet period a retransmitted FIN is still answered
	c.sendSegment(&segmentSpec{
		seq:   testInitialSeq + 1,
		ack:   iss + 2,
		flags: header.TCPFlagFin | header.TCPFlagAck,
	})
	checker.IPv4(t, c.readSegment(time.Second), checker.TCP(
		checker.TCPFlags(header.TCPFlagAck),
	))

	// After twice the maximum segment lifetime the 4-tuple is gone
	for i := 0; i < 601; i++ {
		c.s.Tick()
	}
	c.sendSegment(&segmentSpec{
		seq:   testInitialSeq + 1,
		ack:   iss + 2,
		flags: header.TCPFlagFin | header.TCPFlagAck,
	})
	c.checkNoSegment()
}

func TestAcceptQueueOverflowDropsSyn(t *testing.T) {
	c := newTestContext(t)
	defer c.cleanup()

	// Backlog of one, filled by a complete handshake that nobody accepts
	c.createEndpoint()
	if err := c.ep.Bind(types.FullAddress{Port: stackPort}); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	if err := c.ep.Listen(1); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}

	c.sendSegment(&segmentSpec{seq: testInitialSeq, flags: header.TCPFlagSyn})
	b := c.readSegment(time.Second)
	iss := header.TCP(header.IPv4(b).Payload()).SequenceNumber()
	c.sendSegment(&segmentSpec{
		seq:   testInitialSeq + 1,
		ack:   iss + 1,
		flags: header.TCPFlagAck,
	})

	// Wait until the connection reaches the accept queue
	stats := c.s.Stats()
	deadline := time.Now().Add(time.Second)
	for stats.TCP.PassiveConnectionOpenings.Value() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for the first connection")
		}
		time.Sleep(time.Millisecond)
	}

	// A second attempt from another port dies silently
	c.sendSegment(&segmentSpec{srcPort: testPort + 1, seq: testInitialSeq, flags: header.TCPFlagSyn})
	c.checkNoSegment()
	if got := stats.TCP.ListenOverflowSynDrops.Value(); got == 0 {
		t.Fatal("expected a listen overflow drop")
	}
}
