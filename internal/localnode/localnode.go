// Package localnode assembles one node of the cluster: directory,
// transport, shared-memory engine, interrupt controller, PSCI and the
// fault dispatcher, plus the bring-up handshake that takes the node
// from boot to ONLINE.
package localnode

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tinyrange/vsm/internal/cluster"
	"github.com/tinyrange/vsm/internal/irqchip"
	"github.com/tinyrange/vsm/internal/mem"
	"github.com/tinyrange/vsm/internal/msg"
	"github.com/tinyrange/vsm/internal/s2mm"
	"github.com/tinyrange/vsm/internal/trap"
	"github.com/tinyrange/vsm/internal/vcpu"
	"github.com/tinyrange/vsm/internal/vgic"
	"github.com/tinyrange/vsm/internal/vmmio"
	"github.com/tinyrange/vsm/internal/vpsci"
	"github.com/tinyrange/vsm/internal/vsm"
)

// GIC distributor window in guest physical space, the virt layout.
const distBase = 0x800_0000

// Node is the per-process aggregate. Initialized by the boot CPU
// before anything else touches the VSM path, never resized.
type Node struct {
	Dir  *cluster.Directory
	EP   *msg.Endpoint
	S2   *s2mm.Stage2
	VSM  *vsm.Engine
	GIC  *vgic.VGIC
	PSCI *vpsci.Emulator
	MMIO *vmmio.Registry
	Trap *trap.Dispatcher

	VCPUs []*vcpu.VCPU

	log *slog.Logger

	// bring-up signals
	gotInit      chan int
	gotInitAck   chan ackInfo
	gotInfo      chan []cluster.Node
	gotSetupDone chan int
}

type ackInfo struct {
	node      int
	nvcpu     int32
	allocated uint64
}

// New wires a node from its config. The chip is the boot-selected
// irqchip capability.
func New(cfg *cluster.Config, localID int, carrier msg.Carrier,
	chip irqchip.Chip, log *slog.Logger) (*Node, error) {
	if log == nil {
		log = slog.Default()
	}

	dir, err := cfg.Directory(localID)
	if err != nil {
		return nil, err
	}

	n := &Node{
		Dir:          dir,
		log:          log,
		gotInit:      make(chan int, 1),
		gotInitAck:   make(chan ackInfo, cluster.NodeMax),
		gotInfo:      make(chan []cluster.Node, 1),
		gotSetupDone: make(chan int, cluster.NodeMax),
	}

	n.EP = msg.NewEndpoint(dir, carrier, log)
	n.S2 = s2mm.New(nil)

	// The arena covers this node's slice plus headroom for pages
	// fetched from peers.
	me := dir.Me()
	npages := int(me.Mem.Size>>mem.PageShift) + int(dir.RAM().Size>>mem.PageShift)
	arena := mem.NewArena(0x1_0000_0000, npages)

	n.VSM, err = vsm.New(dir, n.S2, arena, n.EP, log)
	if err != nil {
		return nil, err
	}

	for local, id := range me.VCPUs {
		n.VCPUs = append(n.VCPUs, vcpu.New(id, local))
	}
	resolve := func(id uint32) *vcpu.VCPU {
		for _, v := range n.VCPUs {
			if v.ID == id {
				return v
			}
		}
		return nil
	}

	n.GIC = vgic.New(dir, chip, n.EP, resolve, log)
	for _, v := range n.VCPUs {
		n.GIC.CPUInit(v)
	}

	n.PSCI = vpsci.New(dir, n.EP, resolve, log)

	n.MMIO = vmmio.New()
	if err := n.MMIO.Register(distBase, vgic.DistSize, n.GIC); err != nil {
		return nil, err
	}

	n.Trap = trap.New(n.VSM, n.MMIO, n.PSCI, n.GIC, log)

	n.EP.Handle(msg.TypeInit, func(m *msg.Msg) {
		select {
		case n.gotInit <- m.Src:
		default:
		}
	})
	n.EP.Handle(msg.TypeInitAck, func(m *msg.Msg) {
		args := m.Args.(*msg.InitAckArgs)
		n.gotInitAck <- ackInfo{node: m.Src, nvcpu: args.NVCPU, allocated: args.Allocated}
	})
	n.EP.Handle(msg.TypeClusterInfo, func(m *msg.Msg) {
		args := m.Args.(*msg.ClusterInfoArgs)
		nodes, err := msg.DecodeClusterInfoBody(m.Body, int(args.NNodes))
		if err != nil {
			panic(fmt.Sprintf("localnode: bad cluster info: %v", err))
		}
		select {
		case n.gotInfo <- nodes:
		default:
		}
	})
	n.EP.Handle(msg.TypeSetupDone, func(m *msg.Msg) {
		args := m.Args.(*msg.SetupDoneArgs)
		if args.Status != 0 {
			panic(fmt.Sprintf("localnode: node %d failed setup (status %d)", m.Src, args.Status))
		}
		n.gotSetupDone <- m.Src
	})

	n.EP.Start()
	return n, nil
}

// Join runs the bring-up handshake. Node 0 drives: INIT broadcast,
// one INIT_ACK per peer, CLUSTER_INFO broadcast, one SETUP_DONE per
// peer. Peers mirror it. After Join returns the directory is final.
func (n *Node) Join(ctx context.Context) error {
	if n.Dir.LocalID() == 0 {
		return n.joinAsBoot(ctx)
	}
	return n.joinAsPeer(ctx)
}

func (n *Node) joinAsBoot(ctx context.Context) error {
	peers := n.Dir.Len() - 1

	n.log.Info("localnode: bring-up start", "peers", peers)
	if err := n.EP.Send(msg.Broadcast, &msg.Msg{Type: msg.TypeInit, Args: msg.NoArgs{}}); err != nil {
		return err
	}

	acked := map[int]bool{}
	for len(acked) < peers {
		select {
		case ack := <-n.gotInitAck:
			rec := n.Dir.Node(ack.node)
			if rec == nil {
				return fmt.Errorf("localnode: init ack from unknown node %d", ack.node)
			}
			if int(ack.nvcpu) != len(rec.VCPUs) || ack.allocated != rec.Mem.Size {
				return fmt.Errorf("localnode: node %d config mismatch (nvcpu %d, alloc %#x)",
					ack.node, ack.nvcpu, ack.allocated)
			}
			rec.Status = cluster.NodeAck
			acked[ack.node] = true
			n.log.Info("localnode: node acked", "node", ack.node)
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	nodes := make([]cluster.Node, n.Dir.Len())
	for i := 0; i < n.Dir.Len(); i++ {
		nodes[i] = *n.Dir.Node(i)
		nodes[i].Status = cluster.NodeOnline
	}
	err := n.EP.Send(msg.Broadcast, &msg.Msg{
		Type: msg.TypeClusterInfo,
		Args: &msg.ClusterInfoArgs{NNodes: int32(len(nodes))},
		Body: msg.EncodeClusterInfoBody(nodes),
	})
	if err != nil {
		return err
	}

	done := map[int]bool{}
	for len(done) < peers {
		select {
		case id := <-n.gotSetupDone:
			done[id] = true
			n.log.Info("localnode: node ready", "node", id)
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for i := 0; i < n.Dir.Len(); i++ {
		n.Dir.Node(i).Status = cluster.NodeOnline
	}
	n.log.Info("localnode: cluster online", "nodes", n.Dir.Len())

	// The guest boots on vCPU 0; secondaries wait for PSCI CPU_ON.
	n.VCPUs[0].Wake(0)
	return nil
}

func (n *Node) joinAsPeer(ctx context.Context) error {
	select {
	case src := <-n.gotInit:
		if src != 0 {
			return fmt.Errorf("localnode: init from node %d, want 0", src)
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	me := n.Dir.Me()
	err := n.EP.Send(0, &msg.Msg{
		Type: msg.TypeInitAck,
		Args: &msg.InitAckArgs{NVCPU: int32(len(me.VCPUs)), Allocated: me.Mem.Size},
	})
	if err != nil {
		return err
	}

	select {
	case nodes := <-n.gotInfo:
		if len(nodes) != n.Dir.Len() {
			return fmt.Errorf("localnode: cluster info names %d nodes, config has %d",
				len(nodes), n.Dir.Len())
		}
		for i := range nodes {
			rec := n.Dir.Node(i)
			if nodes[i].MAC != rec.MAC || nodes[i].Mem != rec.Mem {
				return fmt.Errorf("localnode: cluster info mismatch for node %d", i)
			}
			rec.Status = nodes[i].Status
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := n.EP.Send(0, &msg.Msg{Type: msg.TypeSetupDone, Args: &msg.SetupDoneArgs{Status: 0}}); err != nil {
		return err
	}

	n.log.Info("localnode: online", "node", n.Dir.LocalID())
	return nil
}

// Run hosts the vCPU entry loops: each waits for its wakeup, then
// drains pending injections on every kick until ctx ends.
func (n *Node) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, v := range n.VCPUs {
		v := v
		g.Go(func() error { return n.runVCPU(ctx, v) })
	}
	return g.Wait()
}

func (n *Node) runVCPU(ctx context.Context, v *vcpu.VCPU) error {
	// Sleep until PSCI (or the boot path) wakes this vCPU.
	for !v.Awake() {
		select {
		case <-v.KickCh():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	n.log.Info("localnode: vcpu running", "vcpu", v.ID, "entry", fmt.Sprintf("%#x", v.Entry))
	v.Reg.ELR = v.Entry

	for {
		select {
		case <-v.KickCh():
			n.GIC.InjectPending(v)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// WaitOnline blocks until the handshake settles or the timeout
// elapses, for callers that joined asynchronously.
func (n *Node) WaitOnline(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if n.Dir.Me().Status == cluster.NodeOnline {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return fmt.Errorf("localnode: node %d not online after %v", n.Dir.LocalID(), timeout)
}
