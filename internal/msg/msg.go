// Package msg is the typed message transport between cluster nodes.
// Messages ride Ethernet-style frames with EtherType 0x0019: a 14-byte
// L2 header, a 64-byte message header carrying the source node, type,
// requesting CPU and type-specific arguments, then an optional body of
// up to one guest page.
//
// Each message type has at most one handler, registered before the
// endpoint starts. Handlers run on the endpoint's dispatch goroutine
// (the interrupt context of the hardware build) and must not block.
// Types without a handler are replies: they are routed to the per-CPU
// wait slot named by the header's requesting-CPU field.
package msg

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tinyrange/vsm/internal/cluster"
)

// Type identifies a message on the wire.
type Type uint32

const (
	TypeNone         Type = 0x0
	TypeInit         Type = 0x1
	TypeInitAck      Type = 0x2
	TypeClusterInfo  Type = 0x3
	TypeSetupDone    Type = 0x4
	TypeCPUWakeup    Type = 0x5
	TypeCPUWakeupAck Type = 0x6
	TypeFetch        Type = 0x8
	TypeFetchReply   Type = 0x9
	TypeInvalidate   Type = 0xa
	TypeSGI          Type = 0x10

	numTypes = 0x11
)

func (t Type) String() string {
	switch t {
	case TypeInit:
		return "init"
	case TypeInitAck:
		return "init_ack"
	case TypeClusterInfo:
		return "cluster_info"
	case TypeSetupDone:
		return "setup_done"
	case TypeCPUWakeup:
		return "cpu_wakeup"
	case TypeCPUWakeupAck:
		return "cpu_wakeup_ack"
	case TypeFetch:
		return "fetch"
	case TypeFetchReply:
		return "fetch_reply"
	case TypeInvalidate:
		return "invalidate"
	case TypeSGI:
		return "sgi"
	}
	return fmt.Sprintf("type(%#x)", uint32(t))
}

// Broadcast addresses a send to every other node.
const Broadcast = -1

// MaxBody is the largest message body: one guest page plus nothing.
const MaxBody = 4096

// NCPUMax bounds the per-node reply slots.
const NCPUMax = 16

var (
	ErrTimeout = errors.New("msg: reply timeout")
	ErrClosed  = errors.New("msg: endpoint closed")
)

// Msg is one decoded message.
type Msg struct {
	Src    int  // sending node
	Type   Type //
	ReqCPU int  // wait slot on the requesting node a reply routes to
	Args   Args // type-specific header arguments
	Body   []byte
}

// Handler processes an inbound message on the dispatch goroutine.
type Handler func(m *Msg)

// Carrier moves raw Ethernet frames. Implementations deliver frames to
// the receiver sequentially; ordering holds per (sender, receiver)
// pair, nothing stronger.
type Carrier interface {
	Send(frame []byte) error
	// SetReceiver installs the inbound frame callback. Must be called
	// once, before any frame arrives.
	SetReceiver(recv func(frame []byte))
	Close() error
}

// Endpoint is one node's attachment to the interconnect.
type Endpoint struct {
	dir     *cluster.Directory
	carrier Carrier
	log     *slog.Logger
	timeout time.Duration

	handlers [numTypes]Handler

	mu    sync.Mutex
	slots [NCPUMax]chan *Msg

	closed chan struct{}
}

// NewEndpoint attaches to the carrier using the directory for address
// lookup. The endpoint does not receive until Start is called.
func NewEndpoint(dir *cluster.Directory, carrier Carrier, log *slog.Logger) *Endpoint {
	if log == nil {
		log = slog.Default()
	}
	return &Endpoint{
		dir:     dir,
		carrier: carrier,
		log:     log,
		timeout: 3 * time.Second,
		closed:  make(chan struct{}),
	}
}

// SetReplyTimeout overrides the reply wait bound (default 3 s).
func (e *Endpoint) SetReplyTimeout(d time.Duration) { e.timeout = d }

// Handle registers the handler for a message type. A type may have at
// most one handler; reply types have none.
func (e *Endpoint) Handle(t Type, h Handler) {
	if int(t) >= numTypes {
		panic(fmt.Sprintf("msg: handler for unknown type %#x", uint32(t)))
	}
	if e.handlers[t] != nil {
		panic(fmt.Sprintf("msg: duplicate handler for %v", t))
	}
	e.handlers[t] = h
}

// Start begins receiving from the carrier.
func (e *Endpoint) Start() {
	e.carrier.SetReceiver(e.recvFrame)
}

// Close detaches from the carrier and fails pending waits.
func (e *Endpoint) Close() error {
	close(e.closed)
	return e.carrier.Close()
}

// Send transmits m to dst (a node id, or Broadcast). Fire and forget.
func (e *Endpoint) Send(dst int, m *Msg) error {
	m.Src = e.dir.LocalID()

	var dstMAC [6]byte
	if dst == Broadcast {
		dstMAC = [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	} else {
		n := e.dir.Node(dst)
		if n == nil {
			return fmt.Errorf("msg: send to unknown node %d", dst)
		}
		dstMAC = n.MAC
	}

	frame, err := encodeFrame(e.dir.Me().MAC, dstMAC, m)
	if err != nil {
		return err
	}

	e.log.Debug("msg: send", "dst", dst, "type", m.Type, "body", len(m.Body))

	return e.carrier.Send(frame)
}

// SendAndWait transmits m to dst and blocks the calling CPU's wait
// slot until the matching reply arrives or the timeout fires. onReply,
// if non-nil, runs on the caller before the reply is returned.
func (e *Endpoint) SendAndWait(dst int, m *Msg, onReply func(*Msg)) (*Msg, error) {
	cpu := m.ReqCPU
	if cpu < 0 || cpu >= NCPUMax {
		return nil, fmt.Errorf("msg: bad requesting cpu %d", cpu)
	}

	ch := make(chan *Msg, 1)
	e.mu.Lock()
	if e.slots[cpu] != nil {
		e.mu.Unlock()
		return nil, fmt.Errorf("msg: cpu %d already waiting", cpu)
	}
	e.slots[cpu] = ch
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.slots[cpu] = nil
		e.mu.Unlock()
	}()

	if err := e.Send(dst, m); err != nil {
		return nil, err
	}

	select {
	case reply := <-ch:
		if onReply != nil {
			onReply(reply)
		}
		return reply, nil
	case <-time.After(e.timeout):
		return nil, fmt.Errorf("%w: %v to node %d", ErrTimeout, m.Type, dst)
	case <-e.closed:
		return nil, ErrClosed
	}
}

func (e *Endpoint) recvFrame(frame []byte) {
	srcMAC, dstMAC, m, err := decodeFrame(frame)
	if err != nil {
		if !errors.Is(err, errNotOurs) {
			e.log.Warn("msg: drop frame", "error", err)
		}
		return
	}

	me := e.dir.Me().MAC
	if srcMAC == me {
		return // our own broadcast
	}
	if dstMAC != me && dstMAC != [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff} {
		return
	}

	e.log.Debug("msg: recv", "src", m.Src, "type", m.Type, "body", len(m.Body))

	if h := e.handlers[m.Type]; h != nil {
		h(m)
		return
	}

	// No handler: a reply. Route to the wait slot named in the header.
	if m.ReqCPU < 0 || m.ReqCPU >= NCPUMax {
		e.log.Warn("msg: reply with bad cpu", "type", m.Type, "cpu", m.ReqCPU)
		return
	}
	e.mu.Lock()
	ch := e.slots[m.ReqCPU]
	e.mu.Unlock()
	if ch == nil {
		e.log.Warn("msg: unexpected reply", "type", m.Type, "cpu", m.ReqCPU, "src", m.Src)
		return
	}
	select {
	case ch <- m:
	default:
		e.log.Warn("msg: reply slot full", "type", m.Type, "cpu", m.ReqCPU)
	}
}
