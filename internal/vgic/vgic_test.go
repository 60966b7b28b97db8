package vgic

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/tinyrange/vsm/internal/cluster"
	"github.com/tinyrange/vsm/internal/irqchip"
	"github.com/tinyrange/vsm/internal/msg"
	"github.com/tinyrange/vsm/internal/vcpu"
	"github.com/tinyrange/vsm/internal/vmmio"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type gicNode struct {
	dir   *cluster.Directory
	ep    *msg.Endpoint
	chip  *irqchip.SoftChip
	gic   *VGIC
	vcpus map[uint32]*vcpu.VCPU
}

// newGICCluster builds two nodes: vCPUs 0,1 on node 0 and 2,3 on
// node 1, joined by a fabric.
func newGICCluster(t *testing.T) [2]*gicNode {
	t.Helper()

	records := []cluster.Node{
		{ID: 0, Status: cluster.NodeOnline, MAC: [6]byte{2, 0, 0, 0, 0, 1},
			Mem: cluster.MemRange{Start: 0x4000_0000, Size: 0x100_0000}, VCPUs: []uint32{0, 1}},
		{ID: 1, Status: cluster.NodeOnline, MAC: [6]byte{2, 0, 0, 0, 0, 2},
			Mem: cluster.MemRange{Start: 0x4100_0000, Size: 0x100_0000}, VCPUs: []uint32{2, 3}},
	}

	fabric := msg.NewFabric()
	t.Cleanup(func() { fabric.Close() })

	var nodes [2]*gicNode
	for i := range nodes {
		dir, err := cluster.New(i, records)
		if err != nil {
			t.Fatalf("cluster.New: %v", err)
		}
		carrier, err := fabric.Attach(dir.Me().MAC)
		if err != nil {
			t.Fatalf("fabric.Attach: %v", err)
		}
		ep := msg.NewEndpoint(dir, carrier, quietLogger())

		n := &gicNode{dir: dir, ep: ep, chip: irqchip.NewSoftChip(192), vcpus: map[uint32]*vcpu.VCPU{}}
		for local, id := range dir.Me().VCPUs {
			n.vcpus[id] = vcpu.New(id, local)
		}
		n.gic = New(dir, n.chip, ep, func(id uint32) *vcpu.VCPU { return n.vcpus[id] }, quietLogger())
		for _, v := range n.vcpus {
			n.gic.CPUInit(v)
		}
		ep.Start()
		nodes[i] = n
	}
	return nodes
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestCrossNodeSGI(t *testing.T) {
	nodes := newGICCluster(t)

	// vCPU 0 on node 0 raises SGI 5 at vCPU 2 on node 1.
	cur := nodes[0].vcpus[0]
	if err := nodes[0].gic.EmulateSGI1R(cur, uint64(1)<<2|uint64(5)<<24); err != nil {
		t.Fatalf("EmulateSGI1R: %v", err)
	}

	target := nodes[1].vcpus[2]
	waitFor(t, "pending injection at vcpu 2", func() bool { return target.Pending.Len() == 1 })

	// Guest entry drains the ring into the list registers: exactly
	// one injection.
	nodes[1].gic.InjectPending(target)
	if !nodes[1].chip.GuestIRQPending(5) {
		t.Fatal("virq 5 not pending in a list register")
	}
	if target.Pending.Len() != 0 {
		t.Fatal("ring not drained")
	}
	if got := len(nodes[1].chip.TakePending()); got != 1 {
		t.Fatalf("%d injections, want 1", got)
	}
}

func TestLocalSGIInjectsDirectly(t *testing.T) {
	nodes := newGICCluster(t)
	cur := nodes[0].vcpus[0]

	// Target is the current vCPU: straight to a list register.
	if err := nodes[0].gic.EmulateSGI1R(cur, uint64(1)<<0|uint64(3)<<24); err != nil {
		t.Fatalf("EmulateSGI1R: %v", err)
	}
	if !nodes[0].chip.GuestIRQPending(3) {
		t.Fatal("virq 3 not in a list register")
	}

	// Target is the sibling vCPU: queued on its ring with a kick.
	sibling := nodes[0].vcpus[1]
	if err := nodes[0].gic.EmulateSGI1R(cur, uint64(1)<<1|uint64(7)<<24); err != nil {
		t.Fatalf("EmulateSGI1R: %v", err)
	}
	if sibling.Pending.Len() != 1 {
		t.Fatalf("sibling ring %d, want 1", sibling.Pending.Len())
	}
	select {
	case <-sibling.KickCh():
	default:
		t.Fatal("sibling not kicked")
	}
}

func TestSGI1RBroadcastPanics(t *testing.T) {
	nodes := newGICCluster(t)
	defer func() {
		if recover() == nil {
			t.Fatal("IRM=1 did not panic")
		}
	}()
	_ = nodes[0].gic.EmulateSGI1R(nodes[0].vcpus[0], uint64(1)<<40|uint64(2)<<24)
}

func distAccess(t *testing.T, g *VGIC, v *vcpu.VCPU, off uint64, val uint64, write bool) uint64 {
	t.Helper()
	reg := vmmio.New()
	if err := reg.Register(0x800_0000, DistSize, g); err != nil {
		t.Fatalf("register: %v", err)
	}
	acc := &vmmio.Access{IPA: 0x800_0000 + off, Val: val, Size: 4, WnR: write}
	if err := reg.Emulate(v, acc); err != nil {
		t.Fatalf("emulate %#x: %v", off, err)
	}
	return acc.Val
}

func TestDistributorEnableDisable(t *testing.T) {
	nodes := newGICCluster(t)
	g, v := nodes[0].gic, nodes[0].vcpus[0]

	// Enable SPI 34 (bit 2 of word 1).
	distAccess(t, g, v, gicdISENABLER+4, 1<<2, true)
	if !nodes[0].chip.IRQEnabled(34) {
		t.Fatal("hardware line 34 not enabled")
	}
	if got := distAccess(t, g, v, gicdISENABLER+4, 0, false); got&(1<<2) == 0 {
		t.Fatalf("ISENABLER=%#x, bit 2 clear", got)
	}

	distAccess(t, g, v, gicdICENABLER+4, 1<<2, true)
	if nodes[0].chip.IRQEnabled(34) {
		t.Fatal("hardware line 34 still enabled")
	}
}

func TestDistributorPriorityAndCfg(t *testing.T) {
	nodes := newGICCluster(t)
	g, v := nodes[0].gic, nodes[0].vcpus[0]

	// Priority of intid 33: byte 1 of the intid-32 word.
	off := uint64(gicdIPRIORITY + 32)
	distAccess(t, g, v, off, 0xa0<<8, true)
	if got := distAccess(t, g, v, off, 0, false); (got>>8)&0xff != 0xa0 {
		t.Fatalf("IPRIORITYR=%#x", got)
	}

	// ICFGR: intid 34 edge (bit 5:4 of word for 32..47).
	cfgOff := uint64(gicdICFGR + 8)
	distAccess(t, g, v, cfgOff, 0x2<<4, true)
	if got := distAccess(t, g, v, cfgOff, 0, false); (got>>4)&0x3 != 0x2 {
		t.Fatalf("ICFGR=%#x", got)
	}
}

func TestDistributorIdentity(t *testing.T) {
	nodes := newGICCluster(t)
	g, v := nodes[0].gic, nodes[0].vcpus[0]

	iidr := distAccess(t, g, v, gicdIIDR, 0, false)
	if iidr>>iidrProductIDShift != productID {
		t.Errorf("IIDR=%#x, product id %#x", iidr, iidr>>iidrProductIDShift)
	}
	if iidr&0xfff != iidrImplementer {
		t.Errorf("IIDR implementer %#x", iidr&0xfff)
	}

	typer := distAccess(t, g, v, gicdTYPER, 0, false)
	if typer&0x1f != 192/32-1 {
		t.Errorf("TYPER lines %#x", typer&0x1f)
	}
	if (typer>>5)&0x7 != 3 { // 4 vCPUs
		t.Errorf("TYPER cpus %d", (typer>>5)&0x7)
	}
}

func TestRetargetSPIToRemoteVCPURoutes(t *testing.T) {
	nodes := newGICCluster(t)
	g, v := nodes[0].gic, nodes[0].vcpus[0]

	// SPI 40 must be enabled on the hosting node too; distributor
	// state is configured per node.
	distAccess(t, nodes[1].gic, nodes[1].vcpus[2], gicdISENABLER+4, 1<<8, true)

	// Route SPI 40 to vCPU 2 (remote) and enable it here.
	distAccess(t, g, v, gicdISENABLER+4, 1<<8, true)
	distAccess(t, g, v, gicdITARGETSR+40, uint64(1)<<(2+0*8), true)

	if err := g.InjectVIRQ(v, v, 40); err != nil {
		t.Fatalf("InjectVIRQ: %v", err)
	}

	target := nodes[1].vcpus[2]
	waitFor(t, "routed SPI at node 1", func() bool { return target.Pending.Len() == 1 })
	nodes[1].gic.InjectPending(target)
	if !nodes[1].chip.GuestIRQPending(40) {
		t.Fatal("virq 40 not pending on node 1")
	}
}

func TestISPENDRReflectsListRegisters(t *testing.T) {
	nodes := newGICCluster(t)
	g, v := nodes[0].gic, nodes[0].vcpus[0]

	if err := g.InjectVIRQ(v, v, 3); err != nil {
		t.Fatalf("inject: %v", err)
	}
	pend := distAccess(t, g, v, gicdISPENDR, 0, false)
	if pend&(1<<3) == 0 {
		t.Fatalf("ISPENDR=%#x, bit 3 clear", pend)
	}
}
