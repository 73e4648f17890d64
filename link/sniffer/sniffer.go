// Package sniffer provides a device wrapper that logs every frame crossing
// it. Wrap a driver with New before registering it to watch the stack's
// traffic during development
package sniffer

import (
	"fmt"
	"log"
	"sync/atomic"

	"github.com/SlopLabs/netstack/buffer"
	"github.com/SlopLabs/netstack/header"
	"github.com/SlopLabs/netstack/types"
)

// LogPackets gates logging at runtime. Set it to 0 to silence a wrapped
// device without detaching it
var LogPackets uint32 = 1

type device struct {
	lower types.Device
}

// New wraps a device so that every transmitted and received frame is logged
func New(lower types.Device) types.Device {
	return &device{lower: lower}
}

// Transmit implements types.Device. The frame is logged on its way down to
// the wrapped driver
func (d *device) Transmit(pkt *buffer.Packet) *types.Error {
	if atomic.LoadUint32(&LogPackets) == 1 {
		logFrame("send", pkt.Data())
	}
	return d.lower.Transmit(pkt)
}

// Receive implements types.Device. Inbound frames are logged as they are
// pulled from the wrapped driver
func (d *device) Receive(budget int) []*buffer.Packet {
	pkts := d.lower.Receive(budget)
	if atomic.LoadUint32(&LogPackets) == 1 {
		for _, pkt := range pkts {
			logFrame("recv", pkt.Data())
		}
	}
	return pkts
}

func (d *device) Attach(notifier types.ReceiveNotifier) { d.lower.Attach(notifier) }
func (d *device) Detach()                               { d.lower.Detach() }
func (d *device) MTU() uint32                           { return d.lower.MTU() }
func (d *device) MaxHeaderLength() uint16               { return d.lower.MaxHeaderLength() }
func (d *device) LinkAddress() types.LinkAddress        { return d.lower.LinkAddress() }

func (d *device) Capabilities() types.DeviceCapabilities { return d.lower.Capabilities() }
func (d *device) Stats() *types.DeviceStats              { return d.lower.Stats() }

// logFrame prints a one-line summary of an ethernet frame
func logFrame(prefix string, b []byte) {
	if len(b) < header.EthernetMinimumSize {
		log.Printf("%s truncated frame, %d bytes", prefix, len(b))
		return
	}

	eth := header.Ethernet(b)
	b = b[header.EthernetMinimumSize:]

	switch eth.Type() {
	case header.ARPProtocolNumber:
		a := header.ARP(b)
		if !a.IsValid() {
			log.Printf("%s arp invalid packet", prefix)
			return
		}
		op := "request"
		if a.Op() == header.ARPReply {
			op = "reply"
		}
		log.Printf("%s arp %s %v/%v -> %v/%v", prefix, op,
			types.Address(a.ProtocolAddressSender()), types.LinkAddress(a.HardwareAddressSender()),
			types.Address(a.ProtocolAddressTarget()), types.LinkAddress(a.HardwareAddressTarget()))

	case header.IPv4ProtocolNumber:
		ip := header.IPv4(b)
		if !ip.IsValid(len(b)) {
			log.Printf("%s ipv4 invalid packet", prefix)
			return
		}
		logIPv4(prefix, ip)

	default:
		log.Printf("%s unknown ethertype 0x%04x", prefix, eth.Type())
	}
}

func logIPv4(prefix string, ip header.IPv4) {
	src := ip.SourceAddress()
	dst := ip.DestinationAddress()
	size := ip.PayloadLength()
	b := ip.Payload()

	switch ip.TransportProtocol() {
	case header.UDPProtocolNumber:
		if len(b) < header.UDPMinimumSize {
			log.Printf("%s udp %v -> %v truncated", prefix, src, dst)
			return
		}
		u := header.UDP(b)
		log.Printf("%s udp %v:%d -> %v:%d len:%d id:%04x xsum:0x%04x", prefix,
			src, u.SourcePort(), dst, u.DestinationPort(), size-header.UDPMinimumSize, ip.ID(), u.Checksum())

	case header.TCPProtocolNumber:
		if len(b) < header.TCPMinimumSize {
			log.Printf("%s tcp %v -> %v truncated", prefix, src, dst)
			return
		}
		t := header.TCP(b)
		flags := t.Flags()
		flagsStr := []byte("FSRPAU")
		for i := range flagsStr {
			if flags&(1<<uint(i)) == 0 {
				flagsStr[i] = ' '
			}
		}
		details := fmt.Sprintf("flags:0x%02x (%s) seq:%v ack:%v win:%v xsum:0x%04x",
			flags, flagsStr, t.SequenceNumber(), t.AckNumber(), t.WindowSize(), t.Checksum())
		if flags&header.TCPFlagSyn != 0 {
			details += fmt.Sprintf(" options:%+v", header.ParseSynOptions(t.Options()))
		}
		log.Printf("%s tcp %v:%d -> %v:%d len:%d id:%04x %s", prefix,
			src, t.SourcePort(), dst, t.DestinationPort(), int(size)-int(t.DataOffset()), ip.ID(), details)

	default:
		log.Printf("%s ip %v -> %v proto:%d len:%d", prefix, src, dst, ip.Protocol(), size)
	}
}
