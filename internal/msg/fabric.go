package msg

import (
	"context"
	"fmt"
	"sync"

	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
)

// Fabric is an in-process interconnect: one gvisor channel endpoint per
// node, with a pump goroutine per port moving outbound frames to their
// destinations. Single-machine multi-node runs and the test suites use
// it in place of a physical LAN segment.
//
// Delivery per (sender, receiver) pair is FIFO: a sender's pump pushes
// into the receiver's inbound queue in order, and each port drains its
// queue with a single dispatch goroutine.
type Fabric struct {
	mu    sync.Mutex
	ports map[[6]byte]*fabricPort

	ctx    context.Context
	cancel context.CancelFunc
}

const (
	fabricQueueLen = 1024
	// Full frames: L2 header + message header + one page body.
	fabricMTU = ethHeaderLen + hdrLen + MaxBody
)

// NewFabric creates an empty interconnect.
func NewFabric() *Fabric {
	ctx, cancel := context.WithCancel(context.Background())
	return &Fabric{
		ports:  make(map[[6]byte]*fabricPort),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Attach adds a port with the given MAC and returns its carrier.
func (f *Fabric) Attach(mac [6]byte) (Carrier, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.ports[mac]; ok {
		return nil, fmt.Errorf("msg: fabric port %x already attached", mac)
	}

	p := &fabricPort{
		fabric: f,
		mac:    mac,
		ep:     channel.New(fabricQueueLen, fabricMTU, tcpip.LinkAddress(string(mac[:]))),
		inq:    make(chan []byte, fabricQueueLen),
	}
	f.ports[mac] = p

	go p.pump(f.ctx)
	go p.dispatch(f.ctx)

	return p, nil
}

// Close tears down every port.
func (f *Fabric) Close() error {
	f.cancel()
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.ports {
		p.ep.Close()
	}
	f.ports = nil
	return nil
}

func (f *Fabric) deliver(src [6]byte, frame []byte) {
	dst := [6]byte(frame[0:6])

	f.mu.Lock()
	var targets []*fabricPort
	if dst == [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff} {
		for mac, p := range f.ports {
			if mac != src {
				targets = append(targets, p)
			}
		}
	} else if p, ok := f.ports[dst]; ok {
		targets = append(targets, p)
	}
	f.mu.Unlock()

	for _, p := range targets {
		select {
		case p.inq <- frame:
		default:
			// A full inbound queue means the receiver stopped
			// draining; the LAN would drop the frame too.
		}
	}
}

type fabricPort struct {
	fabric *Fabric
	mac    [6]byte
	ep     *channel.Endpoint
	inq    chan []byte

	recvMu sync.Mutex
	recv   func(frame []byte)
}

func (p *fabricPort) Send(frame []byte) error {
	pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
		Payload: buffer.MakeWithData(append([]byte(nil), frame...)),
	})
	defer pkt.DecRef()

	var list stack.PacketBufferList
	list.PushBack(pkt)
	if _, err := p.ep.WritePackets(list); err != nil {
		return fmt.Errorf("msg: fabric write: %v", err)
	}
	return nil
}

func (p *fabricPort) SetReceiver(recv func(frame []byte)) {
	p.recvMu.Lock()
	p.recv = recv
	p.recvMu.Unlock()
}

func (p *fabricPort) Close() error {
	return nil // ports close with the fabric
}

// pump drains the endpoint's outbound queue onto the fabric.
func (p *fabricPort) pump(ctx context.Context) {
	for {
		pkt := p.ep.ReadContext(ctx)
		if pkt == nil {
			return
		}
		frame := append([]byte(nil), pkt.ToView().AsSlice()...)
		pkt.DecRef()

		if len(frame) < ethHeaderLen {
			continue
		}
		p.fabric.deliver(p.mac, frame)
	}
}

// dispatch serializes inbound delivery to the receiver callback.
func (p *fabricPort) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-p.inq:
			p.recvMu.Lock()
			recv := p.recv
			p.recvMu.Unlock()
			if recv != nil {
				recv(frame)
			}
		}
	}
}

var _ Carrier = (*fabricPort)(nil)
