package vgic

import (
	"fmt"

	"github.com/tinyrange/vsm/internal/irqchip"
	"github.com/tinyrange/vsm/internal/vcpu"
	"github.com/tinyrange/vsm/internal/vmmio"
)

// Distributor register offsets, GICv2 layout.
const (
	gicdCTLR      = 0x000
	gicdTYPER     = 0x004
	gicdIIDR      = 0x008
	gicdTYPER2    = 0x00c
	gicdIGROUPR   = 0x080
	gicdISENABLER = 0x100
	gicdICENABLER = 0x180
	gicdISPENDR   = 0x200
	gicdICPENDR   = 0x280
	gicdISACTIVER = 0x300
	gicdICACTIVER = 0x380
	gicdIPRIORITY = 0x400
	gicdITARGETSR = 0x800
	gicdICFGR     = 0xc00
	gicdSGIR      = 0xf00
)

const (
	iidrProductIDShift = 24
	iidrRevisionShift  = 12
	iidrImplementer    = 0x43b // ARM
	productID          = 0x19
)

// DistSize is the distributor's MMIO footprint.
const DistSize = 0x1000

// ReadMMIO emulates a distributor register load.
func (g *VGIC) ReadMMIO(v *vcpu.VCPU, acc *vmmio.Access) error {
	off := acc.Offset

	switch {
	case off == gicdCTLR:
		g.mu.Lock()
		if g.enabled {
			acc.Val = 1
		} else {
			acc.Val = 0
		}
		g.mu.Unlock()
	case off == gicdTYPER:
		// ITLinesNumber encodes (nirqs/32 - 1); CPUNumber the cluster
		// vCPU count minus one.
		lines := uint64(g.chip.NIRQs()/32 - 1)
		cpus := uint64(g.dir.NVCPUs()-1) & 0x7
		acc.Val = lines | cpus<<5
	case off == gicdIIDR:
		acc.Val = productID<<iidrProductIDShift |
			uint64(g.archrev)<<iidrRevisionShift | iidrImplementer
	case off == gicdTYPER2:
		// Linux's GICv3 probe touches this; reads as zero on v2.
		acc.Val = 0
	case off >= gicdIGROUPR && off < gicdISENABLER:
		acc.Val = g.readBits(v, off-gicdIGROUPR, func(irq *IRQ) bool { return irq.igroup != 0 })
	case off >= gicdISENABLER && off < gicdICENABLER:
		acc.Val = g.readBits(v, off-gicdISENABLER, func(irq *IRQ) bool { return irq.enabled })
	case off >= gicdICENABLER && off < gicdISPENDR:
		acc.Val = g.readBits(v, off-gicdICENABLER, func(irq *IRQ) bool { return irq.enabled })
	case off >= gicdISPENDR && off < gicdICPENDR:
		acc.Val = g.readBits(v, off-gicdISPENDR, g.irqPending)
	case off >= gicdICPENDR && off < gicdISACTIVER:
		acc.Val = g.readBits(v, off-gicdICPENDR, g.irqPending)
	case off >= gicdISACTIVER && off < gicdICACTIVER:
		acc.Val = 0
	case off >= gicdICACTIVER && off < gicdIPRIORITY:
		acc.Val = 0
	case off >= gicdIPRIORITY && off < gicdITARGETSR:
		acc.Val = g.readPriority(v, off-gicdIPRIORITY)
	case off >= gicdITARGETSR && off < gicdICFGR:
		acc.Val = g.readTargets(v, off-gicdITARGETSR)
	case off >= gicdICFGR && off < gicdICFGR+0x100:
		acc.Val = g.readCfg(v, off-gicdICFGR)
	default:
		g.log.Warn("vgic: unhandled distributor read", "offset", fmt.Sprintf("%#x", off))
		return fmt.Errorf("vgic: unhandled read at %#x", off)
	}
	return nil
}

// WriteMMIO emulates a distributor register store.
func (g *VGIC) WriteMMIO(v *vcpu.VCPU, acc *vmmio.Access) error {
	off := acc.Offset
	val := acc.Val

	switch {
	case off == gicdCTLR:
		g.mu.Lock()
		g.enabled = val&1 != 0
		g.mu.Unlock()
	case off == gicdTYPER || off == gicdIIDR:
		// Read-only; write ignored.
		g.log.Warn("vgic: write to read-only register", "offset", fmt.Sprintf("%#x", off))
	case off >= gicdIGROUPR && off < gicdISENABLER:
		g.writeBits(v, off-gicdIGROUPR, func(irq *IRQ, set bool) {
			if set {
				irq.igroup = 1
			} else {
				irq.igroup = 0
			}
		}, val, true)
	case off >= gicdISENABLER && off < gicdICENABLER:
		g.writeBits(v, off-gicdISENABLER, func(irq *IRQ, set bool) {
			if set {
				g.enableIRQ(irq)
			}
		}, val, false)
	case off >= gicdICENABLER && off < gicdISPENDR:
		g.writeBits(v, off-gicdICENABLER, func(irq *IRQ, set bool) {
			if set {
				g.disableIRQ(irq)
			}
		}, val, false)
	case off >= gicdISPENDR && off < gicdISACTIVER:
		// Software pending bits are not modeled.
		g.log.Warn("vgic: software set/clear-pending unsupported",
			"offset", fmt.Sprintf("%#x", off))
	case off >= gicdISACTIVER && off < gicdICACTIVER:
		g.log.Warn("vgic: set-active unsupported", "offset", fmt.Sprintf("%#x", off))
	case off >= gicdICACTIVER && off < gicdIPRIORITY:
		// Deactivation happens through the list registers; ignored.
	case off >= gicdIPRIORITY && off < gicdITARGETSR:
		g.writePriority(v, off-gicdIPRIORITY, val)
	case off >= gicdITARGETSR && off < gicdICFGR:
		g.writeTargets(v, off-gicdITARGETSR, val)
	case off >= gicdICFGR && off < gicdICFGR+0x100:
		g.writeCfg(v, off-gicdICFGR, val)
	case off == gicdSGIR:
		return g.emulateSGIR(v, val)
	default:
		g.log.Warn("vgic: unhandled distributor write",
			"offset", fmt.Sprintf("%#x", off), "val", fmt.Sprintf("%#x", val))
		return fmt.Errorf("vgic: unhandled write at %#x", off)
	}
	return nil
}

// readBits collects one status bit per intid for a 32-interrupt word.
func (g *VGIC) readBits(v *vcpu.VCPU, off uint64, get func(*IRQ) bool) uint64 {
	intid := uint32(off / 4 * 32)
	var out uint64
	for i := uint32(0); i < 32; i++ {
		irq := g.getIRQ(v, intid+i)
		if irq == nil {
			break
		}
		irq.mu.Lock()
		if get(irq) {
			out |= 1 << i
		}
		irq.mu.Unlock()
	}
	return out
}

func (g *VGIC) writeBits(v *vcpu.VCPU, off uint64, set func(*IRQ, bool), val uint64, clearToo bool) {
	intid := uint32(off / 4 * 32)
	for i := uint32(0); i < 32; i++ {
		irq := g.getIRQ(v, intid+i)
		if irq == nil {
			return
		}
		bit := val&(1<<i) != 0
		if !bit && !clearToo {
			continue
		}
		irq.mu.Lock()
		set(irq, bit)
		irq.mu.Unlock()
	}
}

func (g *VGIC) readPriority(v *vcpu.VCPU, off uint64) uint64 {
	intid := uint32(off / 4 * 4)
	var out uint64
	for i := uint32(0); i < 4; i++ {
		irq := g.getIRQ(v, intid+i)
		if irq == nil {
			break
		}
		irq.mu.Lock()
		out |= uint64(irq.priority) << (i * 8)
		irq.mu.Unlock()
	}
	return out
}

func (g *VGIC) writePriority(v *vcpu.VCPU, off uint64, val uint64) {
	intid := uint32(off / 4 * 4)
	for i := uint32(0); i < 4; i++ {
		irq := g.getIRQ(v, intid+i)
		if irq == nil {
			return
		}
		irq.mu.Lock()
		irq.priority = uint8(val >> (i * 8))
		irq.mu.Unlock()
	}
}

func (g *VGIC) readTargets(v *vcpu.VCPU, off uint64) uint64 {
	intid := uint32(off / 4 * 4)
	var out uint64
	for i := uint32(0); i < 4; i++ {
		irq := g.getIRQ(v, intid+i)
		if irq == nil {
			break
		}
		irq.mu.Lock()
		out |= uint64(1<<irq.vcpuid) << (i * 8)
		irq.mu.Unlock()
	}
	return out
}

// writeTargets retargets SPIs byte by byte. The lowest set bit picks
// the vCPU; hardware SPIs are mirrored into the physical distributor.
func (g *VGIC) writeTargets(v *vcpu.VCPU, off uint64, val uint64) {
	intid := uint32(off / 4 * 4)
	for i := uint32(0); i < 4; i++ {
		if !irqchip.IsSPI(intid + i) {
			continue
		}
		irq := g.getIRQ(v, intid+i)
		if irq == nil {
			return
		}
		targets := uint8(val >> (i * 8))
		if targets == 0 {
			continue
		}
		vcpuid := uint32(0)
		for targets&(1<<vcpuid) == 0 {
			vcpuid++
		}

		irq.mu.Lock()
		irq.vcpuid = vcpuid
		irq.target = g.resolve(vcpuid)
		irq.mu.Unlock()

		g.chip.SetTargets(intid+i, targets)
	}
}

func (g *VGIC) readCfg(v *vcpu.VCPU, off uint64) uint64 {
	intid := uint32(off / 4 * 16)
	var out uint64
	for i := uint32(0); i < 16; i++ {
		irq := g.getIRQ(v, intid+i)
		if irq == nil {
			break
		}
		irq.mu.Lock()
		if irq.cfg == ConfigEdge {
			out |= 0x2 << (i * 2)
		}
		irq.mu.Unlock()
	}
	return out
}

func (g *VGIC) writeCfg(v *vcpu.VCPU, off uint64, val uint64) {
	intid := uint32(off / 4 * 16)
	for i := uint32(0); i < 16; i++ {
		irq := g.getIRQ(v, intid+i)
		if irq == nil {
			return
		}
		c := (val >> (i * 2)) & 0x3

		irq.mu.Lock()
		if c>>1 == 0 {
			irq.cfg = ConfigLevel
		} else {
			irq.cfg = ConfigEdge
		}
		irq.mu.Unlock()
	}
}

// emulateSGIR handles the v2 GICD_SGIR write by normalizing it into
// the SGI1R shape.
func (g *VGIC) emulateSGIR(v *vcpu.VCPU, val uint64) error {
	filter := (val >> 24) & 0x3
	targets := (val >> 16) & 0xff
	intid := val & 0xf

	switch filter {
	case 0:
		return g.EmulateSGI1R(v, targets|intid<<24)
	case 2:
		return g.EmulateSGI1R(v, uint64(1)<<v.ID|intid<<24)
	default:
		panic(fmt.Sprintf("vgic: SGIR filter %d unsupported", filter))
	}
}

var _ vmmio.Device = (*VGIC)(nil)
