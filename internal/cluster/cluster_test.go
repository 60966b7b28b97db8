package cluster

import (
	"os"
	"path/filepath"
	"testing"
)

func twoNodes(t *testing.T) *Directory {
	t.Helper()
	d, err := New(1, []Node{
		{ID: 0, Status: NodeOnline, MAC: [6]byte{0x52, 0x54, 0, 0, 0, 1},
			Mem: MemRange{Start: 0x4000_0000, Size: 0x800_0000}, VCPUs: []uint32{0, 1}},
		{ID: 1, Status: NodeOnline, MAC: [6]byte{0x52, 0x54, 0, 0, 0, 2},
			Mem: MemRange{Start: 0x4800_0000, Size: 0x800_0000}, VCPUs: []uint32{2, 3}},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return d
}

func TestManagerOf(t *testing.T) {
	d := twoNodes(t)

	if got := d.ManagerOf(0x4080_3000); got != 0 {
		t.Errorf("ManagerOf(0x40803000)=%d, want 0", got)
	}
	if got := d.ManagerOf(0x4800_0000); got != 1 {
		t.Errorf("ManagerOf(0x48000000)=%d, want 1", got)
	}
	if got := d.ManagerOf(0x5000_0000); got != -1 {
		t.Errorf("ManagerOf(0x50000000)=%d, want -1", got)
	}
}

func TestVCPULookup(t *testing.T) {
	d := twoNodes(t)

	if n := d.NodeOfVCPU(2); n == nil || n.ID != 1 {
		t.Fatalf("NodeOfVCPU(2)=%v, want node 1", n)
	}
	if d.VCPULocal(0) {
		t.Errorf("vcpu 0 should be remote from node 1")
	}
	if !d.VCPULocal(3) {
		t.Errorf("vcpu 3 should be local to node 1")
	}
	if n := d.NodeOfVCPU(99); n != nil {
		t.Errorf("NodeOfVCPU(99)=%v, want nil", n)
	}
}

func TestNodeByMAC(t *testing.T) {
	d := twoNodes(t)

	if n := d.NodeByMAC([6]byte{0x52, 0x54, 0, 0, 0, 1}); n == nil || n.ID != 0 {
		t.Fatalf("NodeByMAC=%v, want node 0", n)
	}
	if n := d.NodeByMAC([6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}); n != nil {
		t.Errorf("broadcast MAC matched node %d", n.ID)
	}
}

func TestConfigDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cluster.yaml")
	conf := `
ram_start: 0x40000000
nodes:
  - mac: "52:54:00:00:00:01"
    nvcpu: 1
    allocate: 0x8000000
  - mac: "52:54:00:00:00:02"
    nvcpu: 2
    allocate: 0x8000000
`
	if err := os.WriteFile(path, []byte(conf), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	d, err := cfg.Directory(0)
	if err != nil {
		t.Fatalf("Directory: %v", err)
	}

	if d.NVCPUs() != 3 {
		t.Errorf("NVCPUs=%d, want 3", d.NVCPUs())
	}
	n1 := d.Node(1)
	if n1.Mem.Start != 0x4800_0000 {
		t.Errorf("node 1 mem start %#x, want 0x48000000", n1.Mem.Start)
	}
	if len(n1.VCPUs) != 2 || n1.VCPUs[0] != 1 || n1.VCPUs[1] != 2 {
		t.Errorf("node 1 vcpus %v, want [1 2]", n1.VCPUs)
	}
	ram := d.RAM()
	if ram.Start != 0x4000_0000 || ram.Size != 0x1000_0000 {
		t.Errorf("RAM=%+v", ram)
	}
}

func TestConfigRejectsBadNode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cluster.yaml")
	conf := `
ram_start: 0x40000000
nodes:
  - mac: "not-a-mac"
    nvcpu: 1
    allocate: 0x1000
`
	if err := os.WriteFile(path, []byte(conf), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("LoadConfig accepted bad MAC")
	}
}
