package irqchip

import (
	"fmt"
	"sync"
)

// SoftChip is a software model of a GICv2: a list-register pool per
// core plus distributor enable/pending state. It stands in for the
// memory-mapped chip when the hypervisor core runs hosted, and the
// test suites observe injections through it.
type SoftChip struct {
	mu sync.Mutex

	nirqs   uint32
	maxLR   int
	lrs     []lrState
	enabled map[uint32]bool
	pending map[uint32]bool
	targets map[uint32]uint8

	// SGIHook, when set, observes physical SGIs instead of a real
	// distributor raising them.
	SGIHook func(sgi SGI)
}

type lrState struct {
	inUse bool
	pend  PendingIRQ
}

// NewSoftChip builds a chip with the given line count and four list
// registers, the GIC-400 default.
func NewSoftChip(nirqs uint32) *SoftChip {
	return &SoftChip{
		nirqs:   nirqs,
		maxLR:   4,
		lrs:     make([]lrState, 4),
		enabled: make(map[uint32]bool),
		pending: make(map[uint32]bool),
		targets: make(map[uint32]uint8),
	}
}

func (c *SoftChip) Version() int  { return 2 }
func (c *SoftChip) NIRQs() uint32 { return c.nirqs }
func (c *SoftChip) InitCore()     {}

func (c *SoftChip) InjectGuestIRQ(pend *PendingIRQ) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	free := -1
	for i := range c.lrs {
		if !c.lrs[i].inUse {
			if free < 0 {
				free = i
			}
			continue
		}
		if c.lrs[i].pend.VIRQ == pend.VIRQ {
			return fmt.Errorf("irqchip: virq %d already pending", pend.VIRQ)
		}
	}
	if free < 0 {
		return fmt.Errorf("irqchip: no free list register for virq %d", pend.VIRQ)
	}
	c.lrs[free] = lrState{inUse: true, pend: *pend}
	return nil
}

func (c *SoftChip) GuestIRQPending(virq uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.lrs {
		if c.lrs[i].inUse && c.lrs[i].pend.VIRQ == virq {
			return true
		}
	}
	return false
}

// TakePending pops every pending injection, the way a guest entry
// consumes the list registers.
func (c *SoftChip) TakePending() []PendingIRQ {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []PendingIRQ
	for i := range c.lrs {
		if c.lrs[i].inUse {
			out = append(out, c.lrs[i].pend)
			c.lrs[i] = lrState{}
		}
	}
	return out
}

func (c *SoftChip) IRQPending(irq uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending[irq]
}

func (c *SoftChip) IRQEnabled(irq uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled[irq]
}

func (c *SoftChip) EnableIRQ(irq uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled[irq] = true
}

func (c *SoftChip) DisableIRQ(irq uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.enabled, irq)
}

func (c *SoftChip) SetupIRQ(irq uint32) {
	if IsSPI(irq) {
		c.SetTargets(irq, 1<<0)
	}
	c.EnableIRQ(irq)
}

func (c *SoftChip) SetTargets(irq uint32, targets uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.targets[irq] = targets
}

func (c *SoftChip) HostEOI(iar uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, iar&0x3ff)
}

func (c *SoftChip) GuestEOI(iar uint32) {}

func (c *SoftChip) DeactivateIRQ(irq uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, irq)
}

func (c *SoftChip) SendSGI(sgi SGI) {
	if c.SGIHook != nil {
		c.SGIHook(sgi)
	}
}

var _ Chip = (*SoftChip)(nil)
