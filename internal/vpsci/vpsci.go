// Package vpsci emulates the PSCI control plane the guest reaches
// through HVC: CPU on/off, system off and reset. CPU_ON for a vCPU
// homed on another node crosses the message transport.
package vpsci

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/vsm/internal/cluster"
	"github.com/tinyrange/vsm/internal/msg"
	"github.com/tinyrange/vsm/internal/vcpu"
)

// PSCI function ids (SMC calling convention, 32- and 64-bit forms).
const (
	FnVersion         = 0x8400_0000
	FnCPUOff          = 0x8400_0002
	FnCPUOn           = 0x8400_0003
	FnCPUOn64         = 0xc400_0003
	FnMigrateInfoType = 0x8400_0006
	FnSystemOff       = 0x8400_0008
	FnSystemReset     = 0x8400_0009
)

// PSCI return codes.
const (
	RetSuccess      = 0
	RetNotSupported = ^uint64(0)     // -1
	RetInvalid      = ^uint64(0) - 1 // -2
	RetDenied       = ^uint64(0) - 2 // -3
)

// version 1.1
const psciVersion = 1<<16 | 1

// Argv carries the HVC argument registers.
type Argv struct {
	FuncID uint32
	X1     uint64
	X2     uint64
	X3     uint64
}

// Emulator resolves PSCI calls against the cluster.
type Emulator struct {
	dir *cluster.Directory
	ep  *msg.Endpoint
	log *slog.Logger

	// resolve maps a cluster vCPU id to the local record, nil when
	// remote.
	resolve func(vcpuid uint32) *vcpu.VCPU

	// powerOff and reset hand SYSTEM_OFF/SYSTEM_RESET to the node
	// controller.
	powerOff func()
	reset    func()
}

// New builds the emulator and registers the wakeup handler.
func New(dir *cluster.Directory, ep *msg.Endpoint,
	resolve func(vcpuid uint32) *vcpu.VCPU, log *slog.Logger) *Emulator {
	if log == nil {
		log = slog.Default()
	}
	e := &Emulator{dir: dir, ep: ep, resolve: resolve, log: log}
	ep.Handle(msg.TypeCPUWakeup, e.recvWakeup)
	return e
}

// SetPowerHooks installs the SYSTEM_OFF and SYSTEM_RESET actions.
func (e *Emulator) SetPowerHooks(powerOff, reset func()) {
	e.powerOff = powerOff
	e.reset = reset
}

// Emulate runs one PSCI call for the current vCPU and returns the
// value for x0.
func (e *Emulator) Emulate(current *vcpu.VCPU, argv *Argv) uint64 {
	switch argv.FuncID {
	case FnVersion:
		return psciVersion
	case FnMigrateInfoType:
		// No trusted OS to migrate.
		return 2
	case FnCPUOn, FnCPUOn64:
		return e.cpuOn(current, argv.X1, argv.X2)
	case FnCPUOff:
		// CPU_OFF is not carried out: the call returns DENIED and
		// the calling vCPU keeps running.
		e.log.Info("vpsci: cpu off", "vcpu", current.ID)
		return RetDenied
	case FnSystemOff:
		e.log.Info("vpsci: system off", "vcpu", current.ID)
		if e.powerOff != nil {
			e.powerOff()
		}
		return RetSuccess
	case FnSystemReset:
		e.log.Info("vpsci: system reset", "vcpu", current.ID)
		if e.reset != nil {
			e.reset()
		}
		return RetSuccess
	}

	e.log.Warn("vpsci: unknown function", "funcid", fmt.Sprintf("%#x", argv.FuncID))
	return RetNotSupported
}

// cpuOn targets a vCPU by MPIDR: wake it locally, or ask its home
// node to.
func (e *Emulator) cpuOn(current *vcpu.VCPU, mpidr, entry uint64) uint64 {
	vcpuid := uint32(mpidr & 0xffffff)

	if target := e.resolve(vcpuid); target != nil {
		e.log.Info("vpsci: cpu on", "vcpu", vcpuid, "entry", fmt.Sprintf("%#x", entry))
		target.Wake(entry)
		return RetSuccess
	}

	node := e.dir.NodeOfVCPU(vcpuid)
	if node == nil {
		return RetInvalid
	}

	e.log.Info("vpsci: cpu on remote", "vcpu", vcpuid, "node", node.ID,
		"entry", fmt.Sprintf("%#x", entry))

	_, err := e.ep.SendAndWait(node.ID, &msg.Msg{
		Type:   msg.TypeCPUWakeup,
		ReqCPU: current.LocalID,
		Args:   &msg.CPUWakeupArgs{VCPUID: vcpuid, Entry: entry},
	}, nil)
	if err != nil {
		panic(fmt.Sprintf("vpsci: wakeup of vcpu %d on node %d: %v", vcpuid, node.ID, err))
	}
	return RetSuccess
}

// recvWakeup handles a CPU_WAKEUP from another node.
func (e *Emulator) recvWakeup(m *msg.Msg) {
	args := m.Args.(*msg.CPUWakeupArgs)
	target := e.resolve(args.VCPUID)
	if target == nil {
		panic(fmt.Sprintf("vpsci: wakeup for vcpu %d not hosted here", args.VCPUID))
	}

	e.log.Info("vpsci: remote wakeup", "vcpu", args.VCPUID, "from", m.Src)
	target.Wake(args.Entry)

	err := e.ep.Send(m.Src, &msg.Msg{
		Type:   msg.TypeCPUWakeupAck,
		ReqCPU: m.ReqCPU,
		Args:   msg.NoArgs{},
	})
	if err != nil {
		panic(fmt.Sprintf("vpsci: wakeup ack to node %d: %v", m.Src, err))
	}
}
