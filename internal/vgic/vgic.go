// Package vgic models the guest-visible interrupt controller: a GICv2
// distributor emulated over stage-2 MMIO traps, per-vCPU SGI/PPI
// state, and injection into the hardware list registers. Interrupts
// for vCPUs on other nodes travel the message transport.
package vgic

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/vsm/internal/cluster"
	"github.com/tinyrange/vsm/internal/irqchip"
	"github.com/tinyrange/vsm/internal/msg"
	"github.com/tinyrange/vsm/internal/vcpu"
)

// Config is the trigger configuration of one interrupt.
type Config int

const (
	ConfigLevel Config = 0
	ConfigEdge  Config = 1
)

// IRQ is one virtual interrupt record.
type IRQ struct {
	mu sync.Mutex

	intid    uint32
	enabled  bool
	priority uint8
	cfg      Config
	igroup   uint8

	// SPI routing. target is nil when the vCPU lives on another node.
	vcpuid uint32
	target *vcpu.VCPU
}

// cpuState is the per-vCPU bank of SGI and PPI records.
type cpuState struct {
	sgis [irqchip.NSGI]IRQ
	ppis [irqchip.NPPI]IRQ
}

// VGIC is the distributor shared by every vCPU on this node.
type VGIC struct {
	dir  *cluster.Directory
	chip irqchip.Chip
	ep   *msg.Endpoint
	log  *slog.Logger

	mu      sync.Mutex
	enabled bool
	archrev int
	nspis   int
	spis    []IRQ

	cpus map[uint32]*cpuState

	// resolve maps a cluster vCPU id to the local record, nil when
	// the vCPU is homed elsewhere.
	resolve func(vcpuid uint32) *vcpu.VCPU
}

// New builds the distributor and registers the cross-node SGI handler.
func New(dir *cluster.Directory, chip irqchip.Chip, ep *msg.Endpoint,
	resolve func(vcpuid uint32) *vcpu.VCPU, log *slog.Logger) *VGIC {
	if log == nil {
		log = slog.Default()
	}
	irqchip.Check(chip)

	g := &VGIC{
		dir:     dir,
		chip:    chip,
		ep:      ep,
		log:     log,
		archrev: 2,
		nspis:   int(chip.NIRQs()) - irqchip.SpiBase,
		cpus:    make(map[uint32]*cpuState),
		resolve: resolve,
	}
	g.spis = make([]IRQ, g.nspis)
	for i := range g.spis {
		g.spis[i].intid = uint32(irqchip.SpiBase + i)
		// SPIs start routed to vCPU 0, as readTargets reports.
		g.spis[i].target = resolve(0)
	}

	ep.Handle(msg.TypeSGI, g.recvSGI)
	return g
}

// CPUInit banks the SGI and PPI records for a local vCPU. SGIs come up
// enabled and edge-triggered; PPIs disabled, level, targeting their
// own vCPU.
func (g *VGIC) CPUInit(v *vcpu.VCPU) {
	st := &cpuState{}
	for i := range st.sgis {
		irq := &st.sgis[i]
		irq.intid = uint32(i)
		irq.enabled = true
		irq.cfg = ConfigEdge
	}
	for i := range st.ppis {
		irq := &st.ppis[i]
		irq.intid = uint32(irqchip.NSGI + i)
		irq.cfg = ConfigLevel
		irq.vcpuid = v.ID
		irq.target = v
	}

	g.mu.Lock()
	g.cpus[v.ID] = st
	g.mu.Unlock()
}

// getIRQ resolves an intid against the banked or shared arenas.
func (g *VGIC) getIRQ(v *vcpu.VCPU, intid uint32) *IRQ {
	switch {
	case irqchip.IsSGI(intid):
		return &g.cpuStateOf(v).sgis[intid]
	case irqchip.IsPPI(intid):
		return &g.cpuStateOf(v).ppis[intid-irqchip.NSGI]
	case int(intid)-irqchip.SpiBase < g.nspis:
		return &g.spis[intid-irqchip.SpiBase]
	}
	return nil
}

func (g *VGIC) cpuStateOf(v *vcpu.VCPU) *cpuState {
	g.mu.Lock()
	defer g.mu.Unlock()
	st := g.cpus[v.ID]
	if st == nil {
		panic(fmt.Sprintf("vgic: vcpu %d has no banked state", v.ID))
	}
	return st
}

func (g *VGIC) enableIRQ(irq *IRQ) {
	if irq.enabled {
		return
	}
	irq.enabled = true
	g.log.Debug("vgic: enable irq", "intid", irq.intid)
	g.chip.EnableIRQ(irq.intid)
}

func (g *VGIC) disableIRQ(irq *IRQ) {
	if !irq.enabled {
		return
	}
	irq.enabled = false
	g.log.Debug("vgic: disable irq", "intid", irq.intid)
	g.chip.DisableIRQ(irq.intid)
}

func (g *VGIC) irqPending(irq *IRQ) bool {
	return g.chip.GuestIRQPending(irq.intid)
}

// buildPending assembles the injection record for virq: SGIs carry no
// physical line, PPIs and SPIs reference this node's hardware IRQ so
// the list register can do direct EOI-deactivation.
func (g *VGIC) buildPending(current *vcpu.VCPU, irq *IRQ, virq uint32) (*irqchip.PendingIRQ, error) {
	irq.mu.Lock()
	enabled := irq.enabled
	priority := irq.priority
	irq.mu.Unlock()
	if !enabled {
		return nil, fmt.Errorf("vgic: virq %d disabled", virq)
	}

	pend := &irqchip.PendingIRQ{
		VIRQ:     virq,
		Group:    1,
		Priority: priority,
	}
	if !irqchip.IsSGI(virq) {
		pend.Pirq = &irqchip.IRQ{Number: virq}
	}
	if current != nil {
		pend.ReqCPU = current.LocalID
	}
	return pend, nil
}

// InjectVIRQ delivers virq to target. current names the vCPU running
// on the calling CPU; when it is the target the list register is
// written directly, otherwise the injection queues on the target's
// ring and its CPU is kicked. SPIs follow the distributor's current
// target, which may live on another node.
func (g *VGIC) InjectVIRQ(current, target *vcpu.VCPU, virq uint32) error {
	irq := g.getIRQ(target, virq)
	if irq == nil {
		return fmt.Errorf("vgic: virq %d does not exist", virq)
	}

	if irqchip.IsSPI(virq) {
		irq.mu.Lock()
		target = irq.target
		spiVCPU := irq.vcpuid
		irq.mu.Unlock()
		if target == nil {
			// The routed node rebuilds the physical reference from
			// its own chip; only the numbering crosses the wire.
			return g.injectRemote(spiVCPU, virq)
		}
	}

	pend, err := g.buildPending(current, irq, virq)
	if err != nil {
		return err
	}
	return g.injectLocal(current, target, pend)
}

func (g *VGIC) injectLocal(current, target *vcpu.VCPU, pend *irqchip.PendingIRQ) error {
	if target == current {
		if err := g.chip.InjectGuestIRQ(pend); err != nil {
			// List registers full or virq already pending: the
			// injection is dropped, as InjectPending does.
			g.log.Debug("vgic: lr busy", "virq", pend.VIRQ, "error", err)
		}
		return nil
	}

	target.Pending.Push(pend)
	target.Kick()
	return nil
}

// injectRemote routes an interrupt to the node hosting the target
// vCPU. The physical IRQ reference cannot follow the wire; the
// receiving node rebuilds it from its own chip.
func (g *VGIC) injectRemote(vcpuid uint32, virq uint32) error {
	node := g.dir.NodeOfVCPU(vcpuid)
	if node == nil {
		return fmt.Errorf("vgic: no node hosts vcpu %d", vcpuid)
	}

	g.log.Debug("vgic: route virq to remote node", "virq", virq,
		"vcpu", vcpuid, "node", node.ID)

	return g.ep.Send(node.ID, &msg.Msg{
		Type: msg.TypeSGI,
		Args: &msg.SGIArgs{TargetVCPU: int32(vcpuid), SGIID: int32(virq)},
	})
}

// recvSGI handles an interrupt routed from another node.
func (g *VGIC) recvSGI(m *msg.Msg) {
	args := m.Args.(*msg.SGIArgs)
	target := g.resolve(uint32(args.TargetVCPU))
	if target == nil {
		panic(fmt.Sprintf("vgic: routed virq %d for vcpu %d not hosted here",
			args.SGIID, args.TargetVCPU))
	}
	virq := uint32(args.SGIID)
	if !irqchip.IsSGI(virq) && !irqchip.IsSPI(virq) {
		panic(fmt.Sprintf("vgic: routed virq %d is not SGI or SPI", virq))
	}

	g.log.Debug("vgic: recv routed virq", "virq", virq, "vcpu", target.ID, "from", m.Src)

	// Deliver to the local target directly: re-consulting the SPI
	// routing here could bounce the interrupt back across the wire.
	irq := g.getIRQ(target, virq)
	if irq == nil {
		panic(fmt.Sprintf("vgic: routed virq %d does not exist", virq))
	}
	pend, err := g.buildPending(nil, irq, virq)
	if err != nil {
		panic(fmt.Sprintf("vgic: routed injection failed: %v", err))
	}
	if err := g.injectLocal(nil, target, pend); err != nil {
		panic(fmt.Sprintf("vgic: routed injection failed: %v", err))
	}
}

// EmulateSGI1R handles a guest write to ICC_SGI1R_EL1 (or the v2
// GICD_SGIR equivalent already normalized to the same fields):
// fan the SGI out to each target vCPU, locally or across the cluster.
func (g *VGIC) EmulateSGI1R(current *vcpu.VCPU, sgir uint64) error {
	targets := uint16(sgir & 0xffff)
	intid := uint32((sgir >> 24) & 0xf)
	irm := (sgir >> 40) & 0x1

	if irm == 1 {
		panic("vgic: SGI1R broadcast (IRM=1) unsupported")
	}

	for _, node := range g.clusterNodes() {
		for _, vcpuid := range node.VCPUs {
			if targets&(1<<vcpuid) == 0 {
				continue
			}
			if local := g.resolve(vcpuid); local != nil {
				if err := g.InjectVIRQ(current, local, intid); err != nil {
					panic(fmt.Sprintf("vgic: sgi %d to vcpu %d: %v", intid, vcpuid, err))
				}
				continue
			}

			g.log.Debug("vgic: route sgi to remote vcpu", "sgi", intid,
				"vcpu", vcpuid, "node", node.ID)

			err := g.ep.Send(node.ID, &msg.Msg{
				Type: msg.TypeSGI,
				Args: &msg.SGIArgs{TargetVCPU: int32(vcpuid), SGIID: int32(intid)},
			})
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func (g *VGIC) clusterNodes() []*cluster.Node {
	nodes := make([]*cluster.Node, 0, g.dir.Len())
	for i := 0; i < g.dir.Len(); i++ {
		nodes = append(nodes, g.dir.Node(i))
	}
	return nodes
}

// InjectPending drains v's ring into the list registers, called on
// every guest entry. Injections the chip rejects are dropped the way
// the hardware build drops them.
func (g *VGIC) InjectPending(v *vcpu.VCPU) {
	for _, pend := range v.Pending.Drain() {
		if err := g.chip.InjectGuestIRQ(pend); err != nil {
			g.log.Debug("vgic: lr busy on entry", "virq", pend.VIRQ, "error", err)
		}
	}
}
