package socket_test

import (
	"bytes"
	"testing"
	"time"

	"github.com/SlopLabs/netstack/checksum"
	"github.com/SlopLabs/netstack/header"
	"github.com/SlopLabs/netstack/link/channel"
	"github.com/SlopLabs/netstack/network/ipv4"
	"github.com/SlopLabs/netstack/socket"
	"github.com/SlopLabs/netstack/stack"
	"github.com/SlopLabs/netstack/transport/tcp"
	"github.com/SlopLabs/netstack/transport/udp"
	"github.com/SlopLabs/netstack/types"
)

const (
	stackAddr     = "\x0a\x00\x00\x01"
	stackLinkAddr = "\x0a\x0a\x0b\x0b\x0c\x0c"
	stackPort     = 1234
	testAddr      = "\x0a\x00\x00\x02"
	testLinkAddr  = "\x01\x02\x03\x04\x05\x06"
	testPort      = 4096

	testInitialSeq = 789
)

type testContext struct {
	t   *testing.T
	dev *channel.Device
	s   *stack.Stack
	tbl *socket.Table
}

func newTestContext(t *testing.T) *testContext {
	s := stack.New([]string{ipv4.ProtocolName}, []string{udp.ProtocolName, tcp.ProtocolName})

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
		tbl: socket.NewTable(s),
	}
}

func (c *testContext) cleanup() {
	c.s.RemoveDevice(1)
}

func (c *testContext) open(kind socket.Kind) socket.Handle {
	h, err := c.tbl.Open(kind)
	if err != nil {
		c.t.Fatalf("Open failed: %v", err)
	}
	return h
}

// readFrame pulls the next transmitted frame off the device and returns its
// network-layer bytes
func (c *testContext) readFrame(timeout time.Duration) []byte {
	select {
	case pkt := <-c.dev.C:
		b := pkt.Data()
		ip := make([]byte, len(b)-header.EthernetMinimumSize)
		copy(ip, b[header.EthernetMinimumSize:])
		pkt.Release()
		return ip
	case <-time.After(timeout):
		c.t.Fatal("timed out waiting for a frame")
		return nil
	}
}

func buildDatagramFrame(payload []byte, srcPort, dstPort uint16) []byte {
	frameLen := header.EthernetMinimumSize + header.IPv4MinimumSize + header.UDPMinimumSize + len(payload)
	buf := make([]byte, frameLen)
	copy(buf[frameLen-len(payload):], payload)

	eth := header.Ethernet(buf)
	eth.Encode(&header.EthernetFields{
		SrcAddr: testLinkAddr,
		DstAddr: stackLinkAddr,
		Type:    ipv4.ProtocolNumber,
	})

	ip := header.IPv4(buf[header.EthernetMinimumSize:])
	ip.Encode(&header.IPv4Fields{
		IHL:         header.IPv4MinimumSize,
		TotalLength: uint16(header.IPv4MinimumSize + header.UDPMinimumSize + len(payload)),
		TTL:         64,
		Protocol:    uint8(udp.ProtocolNumber),
		SrcAddr:     testAddr,
		DstAddr:     stackAddr,
	})
	ip.SetChecksum(^ip.CalculateChecksum())

	u := header.UDP(buf[header.EthernetMinimumSize+header.IPv4MinimumSize:])
	length := uint16(header.UDPMinimumSize + len(payload))
	u.Encode(&header.UDPFields{
		SrcPort: srcPort,
		DstPort: dstPort,
		Length:  length,
	})

	xsum := checksum.Checksum([]byte(testAddr), 0)
	xsum = checksum.Checksum([]byte(stackAddr), xsum)
	xsum = checksum.Checksum([]byte{0, uint8(udp.ProtocolNumber)}, xsum)
	xsum = checksum.Checksum(payload, xsum)
	u.SetChecksum(^u.CalculateChecksum(xsum, length))

	return buf
}

func buildSegmentFrame(srcPort, dstPort uint16, seq, ack uint32, flags uint8, payload []byte) []byte {
	frameLen := header.EthernetMinimumSize + header.IPv4MinimumSize + header.TCPMinimumSize + len(payload)
	buf := make([]byte, frameLen)
	copy(buf[frameLen-len(payload):], payload)

	eth := header.Ethernet(buf)
	eth.Encode(&header.EthernetFields{
		SrcAddr: testLinkAddr,
		DstAddr: stackLinkAddr,
		Type:    ipv4.ProtocolNumber,
	})

	ip := header.IPv4(buf[header.EthernetMinimumSize:])
	ip.Encode(&header.IPv4Fields{
		IHL:         header.IPv4MinimumSize,
		TotalLength: uint16(header.IPv4MinimumSize + header.TCPMinimumSize + len(payload)),
		TTL:         64,
		Protocol:    uint8(tcp.ProtocolNumber),
		SrcAddr:     testAddr,
		DstAddr:     stackAddr,
	})
	ip.SetChecksum(^ip.CalculateChecksum())

	t := header.TCP(buf[header.EthernetMinimumSize+header.IPv4MinimumSize:])
	t.Encode(&header.TCPFields{
		SrcPort:    srcPort,
		DstPort:    dstPort,
		SeqNum:     seq,
		AckNum:     ack,
		DataOffset: header.TCPMinimumSize,
		Flags:      flags,
		WindowSize: 30000,
	})

	length := uint16(header.TCPMinimumSize + len(payload))
	xsum := checksum.Checksum([]byte(testAddr), 0)
	xsum = checksum.Checksum([]byte(stackAddr), xsum)
	xsum = checksum.Checksum([]byte{0, uint8(tcp.ProtocolNumber)}, xsum)
	xsum = checksum.Checksum(payload, xsum)
	t.SetChecksum(^t.CalculateChecksum(xsum, length))

	return buf
}

func (c *testContext) inject(frame []byte) {
	if !c.dev.Inject(frame) {
		c.t.Fatal("Inject failed")
	}
}

// tickUntil drives the stack's timer wheel until done yields a value or the
// wall deadline passes
func tickUntil(t *testing.T, s *stack.Stack, done <-chan *types.Error) *types.Error {
	deadline := time.Now().Add(5 * time.Second)
	for {
		select {
		case err := <-done:
			return err
		default:
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for a blocked operation to settle")
		}
		s.Tick()
		time.Sleep(time.Millisecond)
	}
}

func TestStaleHandleRejected(t *testing.T) {
	c := newTestContext(t)
	defer c.cleanup()

	h := c.open(socket.Datagram)
	if err := c.tbl.Bind(h, types.FullAddress{Port: stackPort}); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	if err := c.tbl.Close(h); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Every operation on the dead handle fails, including a second close
	if err := c.tbl.Bind(h, types.FullAddress{Port: stackPort}); err != types.ErrBadHandle {
		t.Fatalf("Bind on closed handle: got %v, want %v", err, types.ErrBadHandle)
	}
	if err := c.tbl.Close(h); err != types.ErrBadHandle {
		t.Fatalf("double Close: got %v, want %v", err, types.ErrBadHandle)
	}

	// The slot is reused under a new generation; the old handle still
	// does not resolve
	h2 := c.open(socket.Datagram)
	if h2.Index != h.Index {
		t.Fatalf("slot not reused: got index %d, want %d", h2.Index, h.Index)
	}
	if h2.Generation == h.Generation {
		t.Fatal("reused slot kept its generation")
	}
	if _, err := c.tbl.GetLocalAddress(h); err != types.ErrBadHandle {
		t.Fatalf("stale handle resolved: got %v, want %v", err, types.ErrBadHandle)
	}
	if err := c.tbl.Close(h2); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}

func TestOpenUnknownKind(t *testing.T) {
	c := newTestContext(t)
	defer c.cleanup()

	if _, err := c.tbl.Open(socket.Kind(99)); err != types.ErrUnknownProtocol {
		t.Fatalf("Open: got %v, want %v", err, types.ErrUnknownProtocol)
	}
}

func TestTableGrowsToHardCap(t *testing.T) {
	c := newTestContext(t)
	defer c.cleanup()

	handles := make([]socket.Handle, 0, 4096)
	for {
		h, err := c.tbl.Open(socket.Datagram)
		if err == types.ErrNoSocketSlot {
			break
		}
		if err != nil {
			t.Fatalf("Open %d failed: %v", len(handles), err)
		}
		handles = append(handles, h)
	}

	if len(handles) != 4096 {
		t.Fatalf("table capacity: got %d, want %d", len(handles), 4096)
	}

	// Freeing one slot makes allocation work again
	if err := c.tbl.Close(handles[100]); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	h, err := c.tbl.Open(socket.Datagram)
	if err != nil {
		t.Fatalf("Open after free failed: %v", err)
	}
	if h.Index != handles[100].Index {
		t.Errorf("freed slot not reused: got index %d, want %d", h.Index, handles[100].Index)
	}
}

func TestDatagramRoundTrip(t *testing.T) {
	c := newTestContext(t)
	defer c.cleanup()

	h := c.open(socket.Datagram)
	defer c.tbl.Close(h)

	if err := c.tbl.Bind(h, types.FullAddress{Port: stackPort}); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}

	sent := []byte("ping")
	n, err := c.tbl.SendTo(h, sent, types.FullAddress{Address: testAddr, Port: testPort})
	if err != nil {
		t.Fatalf("SendTo failed: %v", err)
	}
	if n != len(sent) {
		t.Fatalf("SendTo returned %d, want %d", n, len(sent))
	}

	b := c.readFrame(time.Second)
	u := header.UDP(b[header.IPv4MinimumSize:])
	if u.SourcePort() != stackPort || u.DestinationPort() != testPort {
		t.Fatalf("ports: got %d->%d, want %d->%d",
			u.SourcePort(), u.DestinationPort(), stackPort, testPort)
	}
	if !bytes.Equal(u.Payload(), sent) {
		t.Fatalf("bad payload: got %x, want %x", u.Payload(), sent)
	}

	c.inject(buildDatagramFrame([]byte("pong"), testPort, stackPort))

	v, from, err := c.tbl.ReceiveFrom(h)
	if err != nil {
		t.Fatalf("ReceiveFrom failed: %v", err)
	}
	if !bytes.Equal(v, []byte("pong")) {
		t.Fatalf("bad payload: got %x, want %q", v, "pong")
	}
	if from.Address != testAddr || from.Port != testPort {
		t.Fatalf("sender: got %q:%d, want %q:%d", from.Address, from.Port, testAddr, testPort)
	}
}

func TestBlockingReceiveWakesOnDelivery(t *testing.T) {
	c := newTestContext(t)
	defer c.cleanup()

	h := c.open(socket.Datagram)
	defer c.tbl.Close(h)

	if err := c.tbl.Bind(h, types.FullAddress{Port: stackPort}); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}

	type result struct {
		v   []byte
		err *types.Error
	}
	done := make(chan result, 1)
	go func() {
		v, err := c.tbl.Receive(h)
		done <- result{v, err}
	}()

	// Let the receiver block before anything arrives
	time.Sleep(50 * time.Millisecond)
	c.inject(buildDatagramFrame([]byte("late"), testPort, stackPort))

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("Receive failed: %v", r.err)
		}
		if !bytes.Equal(r.v, []byte("late")) {
			t.Fatalf("bad payload: got %x, want %q", r.v, "late")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("blocked receive never woke")
	}
}

func TestReceiveTimeout(t *testing.T) {
	c := newTestContext(t)
	defer c.cleanup()

	h := c.open(socket.Datagram)
	defer c.tbl.Close(h)

	if err := c.tbl.Bind(h, types.FullAddress{Port: stackPort}); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	if err := c.tbl.SetSockOpt(h, types.ReceiveTimeoutOption(300*time.Millisecond)); err != nil {
		t.Fatalf("SetSockOpt failed: %v", err)
	}

	done := make(chan *types.Error, 1)
	go func() {
		_, err := c.tbl.Receive(h)
		done <- err
	}()

	if err := tickUntil(t, c.s, done); err != types.ErrTimeout {
		t.Fatalf("Receive: got %v, want %v", err, types.ErrTimeout)
	}
}

func TestAcceptTimeout(t *testing.T) {
	c := newTestContext(t)
	defer c.cleanup()

	h := c.open(socket.Stream)
	defer c.tbl.Close(h)

	if err := c.tbl.Bind(h, types.FullAddress{Port: stackPort}); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	if err := c.tbl.Listen(h, 10); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	if err := c.tbl.SetSockOpt(h, types.ReceiveTimeoutOption(200*time.Millisecond)); err != nil {
		t.Fatalf("SetSockOpt failed: %v", err)
	}

	done := make(chan *types.Error, 1)
	go func() {
		_, err := c.tbl.Accept(h)
		done <- err
	}()

	if err := tickUntil(t, c.s, done); err != types.ErrTimeout {
		t.Fatalf("Accept: got %v, want %v", err, types.ErrTimeout)
	}
}

func TestCloseWakesBlockedReceive(t *testing.T) {
	c := newTestContext(t)
	defer c.cleanup()

	h := c.open(socket.Datagram)

	if err := c.tbl.Bind(h, types.FullAddress{Port: stackPort}); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}

	done := make(chan *types.Error, 1)
	go func() {
		_, err := c.tbl.Receive(h)
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	if err := c.tbl.Close(h); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	select {
	case err := <-done:
		if err != types.ErrClosedForReceive {
			t.Fatalf("Receive after Close: got %v, want %v", err, types.ErrClosedForReceive)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("blocked receive never woke after Close")
	}
}

func TestDatagramListenNotSupported(t *testing.T) {
	c := newTestContext(t)
	defer c.cleanup()

	h := c.open(socket.Datagram)
	defer c.tbl.Close(h)

	if err := c.tbl.Listen(h, 10); err != types.ErrNotSupported {
		t.Fatalf("Listen: got %v, want %v", err, types.ErrNotSupported)
	}
	if _, err := c.tbl.Accept(h); err != types.ErrNotSupported {
		t.Fatalf("Accept: got %v, want %v", err, types.ErrNotSupported)
	}
}

func TestStreamConnectSendReceive(t *testing.T) {
	c := newTestContext(t)
	defer c.cleanup()

	h := c.open(socket.Stream)
	defer c.tbl.Close(h)

	done := make(chan *types.Error, 1)
	go func() {
		done <- c.tbl.Connect(h, types.FullAddress{Address: testAddr, Port: testPort})
	}()

	// The handshake starts with our SYN
	b := c.readFrame(time.Second)
	syn := header.TCP(b[header.IPv4MinimumSize:])
	if syn.Flags() != header.TCPFlagSyn {
		t.Fatalf("flags: got 0x%x, want SYN", syn.Flags())
	}
	iss := syn.SequenceNumber()
	localPort := syn.SourcePort()

	c.inject(buildSegmentFrame(testPort, localPort, testInitialSeq, iss+1,
		header.TCPFlagSyn|header.TCPFlagAck, nil))

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Connect failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Connect never completed")
	}

	// The final ACK of the handshake
	b = c.readFrame(time.Second)
	ackSeg := header.TCP(b[header.IPv4MinimumSize:])
	if ackSeg.Flags() != header.TCPFlagAck {
		t.Fatalf("flags: got 0x%x, want ACK", ackSeg.Flags())
	}
	if ackSeg.AckNumber() != testInitialSeq+1 {
		t.Fatalf("ack: got %d, want %d", ackSeg.AckNumber(), testInitialSeq+1)
	}

	if _, err := c.tbl.Send(h, []byte("hello")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	b = c.readFrame(time.Second)
	data := header.TCP(b[header.IPv4MinimumSize:])
	if data.Flags() != header.TCPFlagPsh|header.TCPFlagAck {
		t.Fatalf("flags: got 0x%x, want PSH|ACK", data.Flags())
	}
	if !bytes.Equal(data.Payload(), []byte("hello")) {
		t.Fatalf("bad payload: got %x, want %q", data.Payload(), "hello")
	}

	c.inject(buildSegmentFrame(testPort, localPort, testInitialSeq+1, iss+1+5,
		header.TCPFlagAck|header.TCPFlagPsh, []byte("world")))

	// Data delivery triggers an ACK first
	c.readFrame(time.Second)

	v, err := c.tbl.Receive(h)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if !bytes.Equal(v, []byte("world")) {
		t.Fatalf("bad payload: got %x, want %q", v, "world")
	}
}

func TestStreamAccept(t *testing.T) {
	c := newTestContext(t)
	defer c.cleanup()

	h := c.open(socket.Stream)
	defer c.tbl.Close(h)

	if err := c.tbl.Bind(h, types.FullAddress{Port: stackPort}); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	if err := c.tbl.Listen(h, 1); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}

	type result struct {
		h   socket.Handle
		err *types.Error
	}
	done := make(chan result, 1)
	go func() {
		ah, err := c.tbl.Accept(h)
		done <- result{ah, err}
	}()

	time.Sleep(50 * time.Millisecond)
	c.inject(buildSegmentFrame(testPort, stackPort, testInitialSeq, 0, header.TCPFlagSyn, nil))

	b := c.readFrame(time.Second)
	synAck := header.TCP(b[header.IPv4MinimumSize:])
	if synAck.Flags() != header.TCPFlagSyn|header.TCPFlagAck {
		t.Fatalf("flags: got 0x%x, want SYN|ACK", synAck.Flags())
	}
	iss := synAck.SequenceNumber()

	c.inject(buildSegmentFrame(testPort, stackPort, testInitialSeq+1, iss+1, header.TCPFlagAck, nil))

	var accepted socket.Handle
	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("Accept failed: %v", r.err)
		}
		accepted = r.h
	case <-time.After(2 * time.Second):
		t.Fatal("Accept never completed")
	}
	defer c.tbl.Close(accepted)

	remote, err := c.tbl.GetRemoteAddress(accepted)
	if err != nil {
		t.Fatalf("GetRemoteAddress failed: %v", err)
	}
	if remote.Address != testAddr || remote.Port != testPort {
		t.Fatalf("remote: got %q:%d, want %q:%d", remote.Address, remote.Port, testAddr, testPort)
	}
}
