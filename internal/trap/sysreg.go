package trap

import (
	"fmt"

	"github.com/tinyrange/vsm/internal/vcpu"
)

// sysreg identifies a trapped MSR/MRS target by its encoding.
type sysreg struct {
	op0, op1, crn, crm, op2 uint32
}

var sgi1rEL1 = sysreg{op0: 3, op1: 0, crn: 12, crm: 11, op2: 5}

// emulateSysReg handles an EC 0x18 trap. The only register with real
// behavior is ICC_SGI1R_EL1; everything else reads as zero and
// ignores writes, with a log line for the unexpected ones.
func (d *Dispatcher) emulateSysReg(v *vcpu.VCPU, iss uint64) error {
	reg := sysreg{
		op0: uint32(iss >> 20 & 0x3),
		op2: uint32(iss >> 17 & 0x7),
		op1: uint32(iss >> 14 & 0x7),
		crn: uint32(iss >> 10 & 0xf),
		crm: uint32(iss >> 1 & 0xf),
	}
	rt := int(iss >> 5 & 0x1f)
	read := iss&1 != 0

	if reg == sgi1rEL1 {
		if read {
			if rt != 31 {
				v.Reg.X[rt] = 0
			}
			return nil
		}
		var val uint64
		if rt != 31 {
			val = v.Reg.X[rt]
		}
		return d.gic.EmulateSGI1R(v, val)
	}

	d.log.Warn("trap: unhandled sysreg access",
		"reg", fmt.Sprintf("s%d_%d_c%d_c%d_%d", reg.op0, reg.op1, reg.crn, reg.crm, reg.op2),
		"read", read, "elr", fmt.Sprintf("%#x", v.Reg.ELR))

	if read && rt != 31 {
		v.Reg.X[rt] = 0
	}
	return nil
}
