package localnode

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tinyrange/vsm/internal/cluster"
	"github.com/tinyrange/vsm/internal/irqchip"
	"github.com/tinyrange/vsm/internal/msg"
	"github.com/tinyrange/vsm/internal/trap"
	"github.com/tinyrange/vsm/internal/vpsci"
)

func testConfig() *cluster.Config {
	return &cluster.Config{
		RAMStart: 0x4000_0000,
		Nodes: []cluster.NodeConfig{
			{MAC: "52:54:00:00:00:01", NVCPU: 1, Allocate: 0x100_0000},
			{MAC: "52:54:00:00:00:02", NVCPU: 1, Allocate: 0x100_0000},
			{MAC: "52:54:00:00:00:03", NVCPU: 2, Allocate: 0x100_0000},
		},
	}
}

func bringUp(t *testing.T, nnodes int) []*Node {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := testConfig()
	cfg.Nodes = cfg.Nodes[:nnodes]

	fabric := msg.NewFabric()
	t.Cleanup(func() { fabric.Close() })

	nodes := make([]*Node, nnodes)
	for i := 0; i < nnodes; i++ {
		dir, err := cfg.Directory(i)
		if err != nil {
			t.Fatalf("directory: %v", err)
		}
		carrier, err := fabric.Attach(dir.Me().MAC)
		if err != nil {
			t.Fatal(err)
		}
		nodes[i], err = New(cfg, i, carrier, irqchip.NewSoftChip(192), log)
		if err != nil {
			t.Fatalf("node %d: %v", i, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	for _, n := range nodes {
		n := n
		g.Go(func() error { return n.Join(ctx) })
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("bring-up: %v", err)
	}
	return nodes
}

func TestBringUpThreeNodes(t *testing.T) {
	nodes := bringUp(t, 3)

	for i, n := range nodes {
		for j := 0; j < n.Dir.Len(); j++ {
			if st := n.Dir.Node(j).Status; st != cluster.NodeOnline {
				t.Errorf("node %d sees node %d as %v", i, j, st)
			}
		}
	}

	// The boot vCPU is awake; secondaries wait for PSCI.
	if !nodes[0].VCPUs[0].Awake() {
		t.Error("boot vcpu not awake")
	}
	if nodes[2].VCPUs[0].Awake() {
		t.Error("secondary vcpu awake before CPU_ON")
	}
}

func TestSharedMemoryAfterBringUp(t *testing.T) {
	nodes := bringUp(t, 2)

	// Node 0 writes into node 1's slice; node 1 reads it back.
	const ipa = 0x4100_7000
	page := nodes[0].VSM.WriteFetch(0, ipa)
	if page == nil {
		t.Fatal("write fetch failed")
	}
	copy(page, []byte("cross-node"))

	got := nodes[1].VSM.ReadFetch(0, ipa)
	if !bytes.Equal(got[:10], []byte("cross-node")) {
		t.Fatalf("read %q", got[:10])
	}
}

func TestRemoteCPUOnThroughPSCI(t *testing.T) {
	nodes := bringUp(t, 3)

	// vCPU 0 (node 0) turns on vCPU 3 (node 2, second local vcpu).
	cur := nodes[0].VCPUs[0]
	cur.Reg.X[0] = vpsci.FnCPUOn64
	cur.Reg.X[1] = 3
	cur.Reg.X[2] = 0x4000_1000

	if err := nodes[0].Trap.HandleSync(cur, trap.SyncRegs{ESR: 0x16 << 26}); err != nil {
		t.Fatalf("HandleSync: %v", err)
	}
	if cur.Reg.X[0] != vpsci.RetSuccess {
		t.Fatalf("x0=%#x", cur.Reg.X[0])
	}

	target := nodes[2].VCPUs[1]
	if !target.Awake() || target.Entry != 0x4000_1000 {
		t.Fatalf("awake=%v entry=%#x", target.Awake(), target.Entry)
	}
}

func TestRunDrainsInjections(t *testing.T) {
	nodes := bringUp(t, 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- nodes[0].Run(ctx) }()

	// An SGI queued for the (running) boot vCPU gets injected on the
	// next kick.
	v := nodes[0].VCPUs[0]
	if err := nodes[0].GIC.InjectVIRQ(nil, v, 11); err != nil {
		t.Fatalf("inject: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for v.Pending.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("pending ring never drained")
		}
		time.Sleep(time.Millisecond)
	}

	cancel()
	if err := <-runDone; err != context.Canceled {
		t.Fatalf("Run returned %v", err)
	}
}
