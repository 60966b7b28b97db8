// Package trap demultiplexes the synchronous exception taken on guest
// exit: WFx, HVC/SMC, system-register traps, and stage-2 instruction
// and data aborts. Aborts inside guest RAM go to the shared-memory
// engine; aborts on device addresses go to the MMIO emulator.
package trap

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/vsm/internal/vcpu"
	"github.com/tinyrange/vsm/internal/vgic"
	"github.com/tinyrange/vsm/internal/vmmio"
	"github.com/tinyrange/vsm/internal/vpsci"
	"github.com/tinyrange/vsm/internal/vsm"
)

// Exception classes of ESR_EL2 we dispatch on.
const (
	ecWFx    = 0x01
	ecHVC    = 0x16
	ecSMC    = 0x17
	ecSysReg = 0x18
	ecIAbort = 0x20
	ecDAbort = 0x24
)

// SyncRegs is the trap state the hardware hands us on a synchronous
// guest exit.
type SyncRegs struct {
	ESR   uint64
	FAR   uint64
	HPFAR uint64 // faulting IPA >> 8
}

func (r SyncRegs) ec() uint64  { return (r.ESR >> 26) & 0x3f }
func (r SyncRegs) iss() uint64 { return r.ESR & 0x1ff_ffff }

// faultIPAPage recovers the page-aligned faulting IPA.
func (r SyncRegs) faultIPAPage() uint64 {
	return (r.HPFAR << 8) &^ uint64(vsm.PageSize-1)
}

// Dispatcher routes decoded guest exits to their emulators.
type Dispatcher struct {
	vsm  *vsm.Engine
	mmio *vmmio.Registry
	psci *vpsci.Emulator
	gic  *vgic.VGIC
	log  *slog.Logger
}

func New(eng *vsm.Engine, mmio *vmmio.Registry, psci *vpsci.Emulator,
	gic *vgic.VGIC, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{vsm: eng, mmio: mmio, psci: psci, gic: gic, log: log}
}

// HandleSync dispatches one synchronous exception for the vCPU
// running on the calling CPU. Unrecoverable states panic with the
// trap dump; guest-visible faults come back as errors.
func (d *Dispatcher) HandleSync(v *vcpu.VCPU, regs SyncRegs) error {
	switch regs.ec() {
	case ecWFx:
		// Trap-and-emulate as a no-op: the guest busy-waits.
		v.Reg.ELR += 4

	case ecHVC:
		d.handleHVC(v, int(regs.iss()&0xffff))

	case ecSMC:
		d.handleHVC(v, int(regs.iss()&0xffff))

	case ecSysReg:
		if err := d.emulateSysReg(v, regs.iss()); err != nil {
			return err
		}
		v.Reg.ELR += 4

	case ecIAbort:
		return d.iabort(v, regs)

	case ecDAbort:
		redo, err := d.dabort(v, regs)
		if err != nil {
			return err
		}
		if !redo {
			v.Reg.ELR += 4
		}

	default:
		panic(fmt.Sprintf("trap: unknown sync exception ec=%#x iss=%#x elr=%#x far=%#x",
			regs.ec(), regs.iss(), v.Reg.ELR, regs.FAR))
	}
	return nil
}

// handleHVC runs the hypercall. Only immediate 0 (PSCI) is defined;
// anything else is reported to the guest through x0.
func (d *Dispatcher) handleHVC(v *vcpu.VCPU, imm int) {
	if imm != 0 {
		d.log.Warn("trap: unknown hvc immediate", "imm", imm, "elr", fmt.Sprintf("%#x", v.Reg.ELR))
		v.Reg.X[0] = vpsci.RetNotSupported
		return
	}

	argv := &vpsci.Argv{
		FuncID: uint32(v.Reg.X[0]),
		X1:     v.Reg.X[1],
		X2:     v.Reg.X[2],
		X3:     v.Reg.X[3],
	}
	v.Reg.X[0] = d.psci.Emulate(v, argv)
}

// iabort serves an instruction abort: the faulting page is fetched
// with read permission. S1PTW aborts come from the guest's own
// page-table walk and fetch the table page instead.
func (d *Dispatcher) iabort(v *vcpu.VCPU, regs SyncRegs) error {
	iss := regs.iss()
	fnv := iss>>10&1 != 0
	s1ptw := iss>>7&1 != 0

	if fnv {
		panic(fmt.Sprintf("trap: iabort with invalid FAR, elr=%#x", v.Reg.ELR))
	}

	page := regs.faultIPAPage()

	if s1ptw {
		if d.vsm.ReadFetch(v.LocalID, page) == nil {
			panic(fmt.Sprintf("trap: iabort walk fetch failed ipa=%#x elr=%#x", page, v.Reg.ELR))
		}
		return nil
	}

	if d.vsm.ReadFetchInstr(v.LocalID, page) == nil {
		panic(fmt.Sprintf("trap: iabort fetch failed ipa=%#x far=%#x elr=%#x",
			page, regs.FAR, v.Reg.ELR))
	}
	return nil
}

// dabort serves a data abort. Returns redo=true when the faulting
// instruction must be retried (the page is mapped now); false when
// the access was emulated and the PC steps over it.
func (d *Dispatcher) dabort(v *vcpu.VCPU, regs SyncRegs) (redo bool, err error) {
	iss := regs.iss()
	isv := iss>>24&1 != 0
	sas := int(iss >> 22 & 0x3)
	srt := int(iss >> 16 & 0x1f)
	fnv := iss>>10&1 != 0
	s1ptw := iss>>7&1 != 0
	wnr := iss>>6&1 != 0

	if fnv {
		panic(fmt.Sprintf("trap: dabort with invalid FAR, elr=%#x", v.Reg.ELR))
	}

	page := regs.faultIPAPage()

	if s1ptw {
		// Stage-1 walk read of a guest page table: fetch readable
		// regardless of the original access kind.
		if d.vsm.ReadFetch(v.LocalID, page) == nil {
			panic(fmt.Sprintf("trap: dabort walk fetch failed ipa=%#x elr=%#x", page, v.Reg.ELR))
		}
		return true, nil
	}

	ipa := page | (regs.FAR & uint64(vsm.PageSize-1))
	v.DABT = vcpu.DABT{
		FaultVA:  regs.FAR,
		FaultIPA: ipa,
		ISV:      isv,
		Write:    wnr,
		Reg:      srt,
		AccBytes: 1 << sas,
	}

	var pageVA []byte
	if wnr {
		pageVA = d.vsm.WriteFetch(v.LocalID, page)
	} else {
		pageVA = d.vsm.ReadFetch(v.LocalID, page)
	}
	if pageVA != nil {
		return true, nil
	}

	// Outside guest RAM: emulate as MMIO.
	if !isv {
		return false, fmt.Errorf("trap: dabort without syndrome at %#x, elr=%#x", ipa, v.Reg.ELR)
	}

	acc := &vmmio.Access{
		IPA:  ipa,
		Size: 1 << sas,
		WnR:  wnr,
	}
	if wnr && srt != 31 {
		acc.Val = v.Reg.X[srt]
	}

	if err := d.mmio.Emulate(v, acc); err != nil {
		d.log.Warn("trap: unhandled mmio access", "ipa", fmt.Sprintf("%#x", ipa),
			"write", wnr, "size", acc.Size, "elr", fmt.Sprintf("%#x", v.Reg.ELR))
		return false, err
	}
	if !wnr && srt != 31 {
		v.Reg.X[srt] = acc.Val
	}
	return false, nil
}
