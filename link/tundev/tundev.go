// Package tundev provides a link device backed by a linux tap interface.
// Frames are exchanged with the kernel through the tap file descriptor; a
// reader goroutine moves inbound frames into the device's receive queue and
// signals the stack's poll loop
package tundev

import (
	"sync"

	"golang.org/x/sys/unix"

	"github.com/SlopLabs/netstack/buffer"
	"github.com/SlopLabs/netstack/types"
)

// rxQueueLimit caps frames held between the reader goroutine and the
// stack's poll loop. The kernel absorbs backpressure beyond it
const rxQueueLimit = 512

// Device is a tap backed link device
type Device struct {
	fd       int
	mtu      uint32
	linkAddr types.LinkAddress
	pool     *buffer.Pool
	stats    types.DeviceStats

	mu       sync.Mutex
	notifier types.ReceiveNotifier
	rx       []*buffer.Packet

	// wakeR/wakeW is a pipe used to interrupt the reader's poll on Detach
	wakeR int
	wakeW int
	done  chan struct{}
}

// New opens the named tap interface. The interface must already exist and be
// up; its MTU is read from the kernel. The stack's ethernet framing needs a
// link address, which the caller supplies
func New(name string, linkAddr types.LinkAddress, pool *buffer.Pool) (*Device, error) {
	mtu, err := interfaceMTU(name)
	if err != nil {
		return nil, err
	}

	fd, err := openTap(name)
	if err != nil {
		return nil, err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, err
	}

	return &Device{
		fd:       fd,
		mtu:      mtu,
		linkAddr: linkAddr,
		pool:     pool,
	}, nil
}

// openTap attaches to the named tap interface without packet info framing
func openTap(name string) (int, error) {
	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR, 0)
	if err != nil {
		return -1, err
	}

	ifr, err := unix.NewIfreq(name)
	if err != nil {
		unix.Close(fd)
		return -1, err
	}
	ifr.SetUint16(unix.IFF_TAP | unix.IFF_NO_PI)
	if err := unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr); err != nil {
		unix.Close(fd)
		return -1, err
	}

	return fd, nil
}

// interfaceMTU reads the interface MTU from the kernel
func interfaceMTU(name string) (uint32, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return 0, err
	}
	defer unix.Close(fd)

	ifr, err := unix.NewIfreq(name)
	if err != nil {
		return 0, err
	}
	if err := unix.IoctlIfreq(fd, unix.SIOCGIFMTU, ifr); err != nil {
		return 0, err
	}

	return ifr.Uint32(), nil
}

// Transmit implements types.Device.Transmit. Frames the kernel cannot take
// right now are dropped; the transport's retransmission deals with the loss
func (d *Device) Transmit(pkt *buffer.Packet) *types.Error {
	defer pkt.Release()

	for {
		_, err := unix.Write(d.fd, pkt.Data())
		if err == nil {
			d.stats.TxPackets.Increment()
			return nil
		}
		if err == unix.EINTR {
			continue
		}
		d.stats.TxErrors.Increment()
		if errno, ok := err.(unix.Errno); ok {
			return translateErrno(errno)
		}
		return types.ErrInvalidArgument
	}
}

// Receive implements types.Device.Receive
func (d *Device) Receive(budget int) []*buffer.Packet {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := len(d.rx)
	if n > budget {
		n = budget
	}
	if n == 0 {
		return nil
	}
	out := make([]*buffer.Packet, n)
	copy(out, d.rx[:n])
	copy(d.rx, d.rx[n:])
	d.rx = d.rx[:len(d.rx)-n]
	return out
}

// Attach implements types.Device.Attach. It launches the reader goroutine
func (d *Device) Attach(notifier types.ReceiveNotifier) {
	var wake [2]int
	if err := unix.Pipe(wake[:]); err != nil {
		return
	}

	d.mu.Lock()
	d.notifier = notifier
	d.wakeR, d.wakeW = wake[0], wake[1]
	d.done = make(chan struct{})
	d.mu.Unlock()

	go d.readLoop(wake[0])
}

// Detach implements types.Device.Detach. It stops the reader and drops
// anything still queued
func (d *Device) Detach() {
	d.mu.Lock()
	if d.notifier == nil {
		d.mu.Unlock()
		return
	}
	d.notifier = nil
	wakeW := d.wakeW
	done := d.done
	d.mu.Unlock()

	unix.Write(wakeW, []byte{0})
	<-done
	unix.Close(wakeW)

	d.mu.Lock()
	for _, pkt := range d.rx {
		pkt.Release()
	}
	d.rx = nil
	d.mu.Unlock()
}

// Close releases the tap file descriptor. The device must be detached first
func (d *Device) Close() {
	unix.Close(d.fd)
}

// readLoop blocks on the tap descriptor and moves complete frames into the
// receive queue. A byte on the wake pipe ends the loop
func (d *Device) readLoop(wakeR int) {
	defer func() {
		unix.Close(wakeR)
		close(d.done)
	}()

	scratch := make([]byte, int(d.mtu)+18)
	fds := []unix.PollFd{
		{Fd: int32(d.fd), Events: unix.POLLIN},
		{Fd: int32(wakeR), Events: unix.POLLIN},
	}

	for {
		fds[0].Revents = 0
		fds[1].Revents = 0
		if _, err := unix.Poll(fds, -1); err != nil {
			if err == unix.EINTR {
				continue
			}
			return
		}
		if fds[1].Revents != 0 {
			return
		}

		for {
			n, err := unix.Read(d.fd, scratch)
			if err != nil || n <= 0 {
				break
			}
			d.queueFrame(scratch[:n])
		}
	}
}

// queueFrame copies one inbound frame into a pool buffer and signals the
// notifier
func (d *Device) queueFrame(frame []byte) {
	pkt := d.pool.Allocate()
	if pkt == nil {
		d.stats.RxDropped.Increment()
		return
	}
	if !pkt.Append(frame) {
		pkt.Release()
		d.stats.RxDropped.Increment()
		return
	}

	d.mu.Lock()
	if d.notifier == nil || len(d.rx) >= rxQueueLimit {
		d.mu.Unlock()
		pkt.Release()
		d.stats.RxDropped.Increment()
		return
	}
	d.rx = append(d.rx, pkt)
	n := d.notifier
	d.mu.Unlock()

	d.stats.RxPackets.Increment()
	n.Notify()
}

// MTU implements types.Device.MTU
func (d *Device) MTU() uint32 {
	return d.mtu
}

// LinkAddress implements types.Device.LinkAddress
func (d *Device) LinkAddress() types.LinkAddress {
	return d.linkAddr
}

// MaxHeaderLength implements types.Device.MaxHeaderLength. The tap itself
// adds no header
func (d *Device) MaxHeaderLength() uint16 {
	return 0
}

// Capabilities implements types.Device.Capabilities. Peers on a tap segment
// are found through arp
func (d *Device) Capabilities() types.DeviceCapabilities {
	return types.CapabilityResolutionRequired
}

// Stats implements types.Device.Stats
func (d *Device) Stats() *types.DeviceStats {
	return &d.stats
}
