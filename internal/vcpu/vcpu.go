// Package vcpu holds the per-vCPU state: the register file saved on
// guest exit, the data-abort decode scratch, and the pending-injection
// ring the virtual interrupt controller drains on guest entry.
package vcpu

import (
	"fmt"
	"sync"

	"github.com/tinyrange/vsm/internal/irqchip"
)

// Regs is the saved guest register file.
type Regs struct {
	X    [31]uint64
	ELR  uint64 // return address, advanced to step over trapped ops
	SPSR uint64

	// Banked system registers the emulators touch.
	SctlrEL1 uint64
	MpidrEL1 uint64
}

// DABT is the decoded state of the current data abort.
type DABT struct {
	FaultVA  uint64
	FaultIPA uint64
	ISV      bool
	Write    bool
	Reg      int
	AccBytes int
}

// PendingRingSize bounds injections queued between guest entries.
const PendingRingSize = 4

// PendingRing is the per-vCPU FIFO of interrupts awaiting injection.
// Overflow means the guest stopped taking entries, which the protocol
// treats as unrecoverable.
type PendingRing struct {
	mu   sync.Mutex
	irqs [PendingRingSize]*irqchip.PendingIRQ
	head int
	tail int
}

// Push enqueues one injection. A full ring panics; it never silently
// overwrites.
func (r *PendingRing) Push(pend *irqchip.PendingIRQ) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tail := (r.tail + 1) % PendingRingSize
	if tail == r.head {
		panic(fmt.Sprintf("vcpu: pending ring full (virq %d)", pend.VIRQ))
	}
	r.irqs[r.tail] = pend
	r.tail = tail
}

// Drain pops every queued injection in FIFO order.
func (r *PendingRing) Drain() []*irqchip.PendingIRQ {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*irqchip.PendingIRQ
	for r.head != r.tail {
		out = append(out, r.irqs[r.head])
		r.irqs[r.head] = nil
		r.head = (r.head + 1) % PendingRingSize
	}
	return out
}

// Len reports the queued count.
func (r *PendingRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return (r.tail - r.head + PendingRingSize) % PendingRingSize
}

// VCPU is one guest CPU, owned exclusively by the node whose cluster
// entry lists it.
type VCPU struct {
	ID      uint32 // cluster-unique
	LocalID int    // index on the hosting node; doubles as pcpu id

	Reg  Regs
	DABT DABT

	Pending PendingRing

	// wakeup is set by PSCI CPU_ON (possibly from a remote node);
	// kick is signalled by Wake and by injection kicks.
	wakeupMu sync.Mutex
	wakeup   bool
	Entry    uint64
	kick     chan struct{}
}

// New creates a vCPU with its MPIDR derived from the cluster id.
func New(id uint32, localID int) *VCPU {
	v := &VCPU{ID: id, LocalID: localID, kick: make(chan struct{}, 1)}
	v.Reg.MpidrEL1 = uint64(id)
	return v
}

// Wake marks the vCPU runnable at entry and kicks it.
func (v *VCPU) Wake(entry uint64) {
	v.wakeupMu.Lock()
	v.wakeup = true
	v.Entry = entry
	v.wakeupMu.Unlock()
	v.Kick()
}

// Awake reports whether the vCPU has been woken.
func (v *VCPU) Awake() bool {
	v.wakeupMu.Lock()
	defer v.wakeupMu.Unlock()
	return v.wakeup
}

// Kick nudges the vCPU to re-enter the guest and drain its pending
// ring, the software stand-in for the inject SGI.
func (v *VCPU) Kick() {
	select {
	case v.kick <- struct{}{}:
	default:
	}
}

// KickCh exposes the kick channel to the vCPU's run loop.
func (v *VCPU) KickCh() <-chan struct{} { return v.kick }
