package vsm

import (
	"bytes"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/tinyrange/vsm/internal/cluster"
	"github.com/tinyrange/vsm/internal/mem"
	"github.com/tinyrange/vsm/internal/msg"
	"github.com/tinyrange/vsm/internal/s2mm"
)

// countingCarrier counts frames by message type in each direction.
type countingCarrier struct {
	inner msg.Carrier

	mu       sync.Mutex
	sent     map[msg.Type]int
	received map[msg.Type]int
	bodyIn   int // bytes of body received
}

func newCountingCarrier(inner msg.Carrier) *countingCarrier {
	return &countingCarrier{
		inner:    inner,
		sent:     make(map[msg.Type]int),
		received: make(map[msg.Type]int),
	}
}

func frameType(frame []byte) (msg.Type, int) {
	if len(frame) < 14+64 {
		return 0, 0
	}
	t := msg.Type(uint32(frame[18]) | uint32(frame[19])<<8 | uint32(frame[20])<<16 | uint32(frame[21])<<24)
	return t, len(frame) - 14 - 64
}

func (c *countingCarrier) Send(frame []byte) error {
	t, _ := frameType(frame)
	c.mu.Lock()
	c.sent[t]++
	c.mu.Unlock()
	return c.inner.Send(frame)
}

func (c *countingCarrier) SetReceiver(recv func(frame []byte)) {
	c.inner.SetReceiver(func(frame []byte) {
		t, body := frameType(frame)
		c.mu.Lock()
		c.received[t]++
		c.bodyIn += body
		c.mu.Unlock()
		recv(frame)
	})
}

func (c *countingCarrier) Close() error { return c.inner.Close() }

func (c *countingCarrier) counts() (sent, received map[msg.Type]int, bodyIn int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := make(map[msg.Type]int, len(c.sent))
	for k, v := range c.sent {
		s[k] = v
	}
	r := make(map[msg.Type]int, len(c.received))
	for k, v := range c.received {
		r[k] = v
	}
	return s, r, c.bodyIn
}

type testNode struct {
	dir     *cluster.Directory
	carrier *countingCarrier
	ep      *msg.Endpoint
	s2      *s2mm.Stage2
	arena   *mem.Arena
	eng     *Engine
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestCluster builds an n-node in-process cluster over a fabric.
// Every node contributes 32 MiB starting at 0x4000_0000.
func newTestCluster(t *testing.T, n int) []*testNode {
	t.Helper()

	var records []cluster.Node
	for i := 0; i < n; i++ {
		rec := cluster.Node{ID: i, Status: cluster.NodeOnline,
			MAC:   [6]byte{2, 0, 0, 0, 0, byte(i + 1)},
			Mem:   cluster.MemRange{Start: 0x4000_0000 + uint64(i)*0x200_0000, Size: 0x200_0000},
			VCPUs: []uint32{uint32(i)},
		}
		records = append(records, rec)
	}

	fabric := msg.NewFabric()
	t.Cleanup(func() { fabric.Close() })

	nodes := make([]*testNode, n)
	for i := 0; i < n; i++ {
		dir, err := cluster.New(i, records)
		if err != nil {
			t.Fatalf("cluster.New: %v", err)
		}
		raw, err := fabric.Attach(dir.Me().MAC)
		if err != nil {
			t.Fatalf("fabric.Attach: %v", err)
		}
		carrier := newCountingCarrier(raw)
		ep := msg.NewEndpoint(dir, carrier, quietLogger())

		arena := mem.NewArena(0x8000_0000, 3*0x200_0000>>PageShift)
		s2 := s2mm.New(nil)
		eng, err := New(dir, s2, arena, ep, quietLogger())
		if err != nil {
			t.Fatalf("vsm.New: %v", err)
		}
		ep.Start()
		nodes[i] = &testNode{dir: dir, carrier: carrier, ep: ep, s2: s2, arena: arena, eng: eng}
	}
	return nodes
}

// checkSingleWriter asserts that at most one node holds the page
// writable and that the owner's copyset names exactly the other
// holders.
func checkSingleWriter(t *testing.T, nodes []*testNode, ipa uint64) {
	t.Helper()
	writers := 0
	ownerNode := -1
	var ownerCopyset uint8
	holders := uint8(0)
	for i, n := range nodes {
		pte := n.s2.Lookup(ipa)
		if !pte.Valid() {
			continue
		}
		holders |= 1 << i
		if pte.Writable() {
			writers++
			ownerNode = i
			ownerCopyset = pte.Copyset()
		} else if pte.Copyset() != 0 {
			ownerNode = i
			ownerCopyset = pte.Copyset()
		}
	}
	if writers > 1 {
		t.Fatalf("ipa %#x: %d writers", ipa, writers)
	}
	if ownerNode >= 0 {
		// The owner's copyset must name exactly the other holders.
		want := holders &^ (1 << ownerNode)
		if ownerCopyset != want {
			t.Fatalf("ipa %#x: owner %d copyset %#02x, holders %#02x", ipa, ownerNode, ownerCopyset, want)
		}
	}
}

// settle waits for in-flight fire-and-forget messages to drain.
func settle() { time.Sleep(50 * time.Millisecond) }

func TestScenarioReadMiss(t *testing.T) {
	nodes := newTestCluster(t, 2)
	const ipa = 0x4080_3000 // node 0's slice

	// Put recognizable bytes in the page on its home node.
	home := nodes[0].eng.WriteFetch(0, ipa)
	copy(home, bytes.Repeat([]byte{0x77}, PageSize))

	page := nodes[1].eng.ReadFetch(0, ipa)
	if page == nil {
		t.Fatal("read fetch failed")
	}
	if page[0] != 0x77 || page[PageSize-1] != 0x77 {
		t.Fatalf("page contents %x...%x", page[0], page[PageSize-1])
	}

	settle()

	pte1 := nodes[1].s2.Lookup(ipa)
	if !pte1.Readable() || pte1.Writable() || pte1.Copyset() != 0 {
		t.Errorf("node 1 pte %v, want RO copyset=0", pte1)
	}
	pte0 := nodes[0].s2.Lookup(ipa)
	if !pte0.Readable() || pte0.Writable() || pte0.Copyset() != 0x02 {
		t.Errorf("node 0 pte %v, want RO copyset={1}", pte0)
	}
	checkSingleWriter(t, nodes, ipa)

	sent, _, _ := nodes[1].carrier.counts()
	if sent[msg.TypeFetch] != 1 {
		t.Errorf("node 1 sent %d fetches, want 1", sent[msg.TypeFetch])
	}

	// Round-trip law: reading again produces no further messages.
	_ = nodes[1].eng.ReadFetch(0, ipa)
	sent2, _, _ := nodes[1].carrier.counts()
	if sent2[msg.TypeFetch] != 1 {
		t.Errorf("second read sent another fetch")
	}
}

func TestScenarioWriteToOwnerUpgrade(t *testing.T) {
	nodes := newTestCluster(t, 2)
	const ipa = 0x4080_3000

	_ = nodes[1].eng.ReadFetch(0, ipa) // node 0 now RO copyset={1}
	settle()

	page := nodes[0].eng.WriteFetch(0, ipa)
	if page == nil {
		t.Fatal("write fetch failed")
	}
	settle()

	pte0 := nodes[0].s2.Lookup(ipa)
	if !pte0.Writable() || pte0.Copyset() != 0 {
		t.Errorf("node 0 pte %v, want RW copyset=0", pte0)
	}
	if nodes[1].s2.Accessible(ipa) {
		t.Error("node 1 copy not invalidated")
	}
	checkSingleWriter(t, nodes, ipa)

	// No page was shipped for the upgrade.
	_, _, bodyIn := nodes[0].carrier.counts()
	if bodyIn != 0 {
		t.Errorf("node 0 received %d body bytes, want 0", bodyIn)
	}
}

func TestScenarioWriteSteal(t *testing.T) {
	nodes := newTestCluster(t, 2)
	const ipa = 0x4080_3000

	// S1 then S2: node 0 owner RW.
	_ = nodes[1].eng.ReadFetch(0, ipa)
	settle()
	home := nodes[0].eng.WriteFetch(0, ipa)
	copy(home, bytes.Repeat([]byte{0xcd}, PageSize))
	settle()

	// S3: node 1 steals the page for writing.
	page := nodes[1].eng.WriteFetch(0, ipa)
	if page == nil {
		t.Fatal("write fetch failed")
	}
	if page[100] != 0xcd {
		t.Errorf("stolen page lost contents: %#x", page[100])
	}
	settle()

	pte1 := nodes[1].s2.Lookup(ipa)
	if !pte1.Writable() || pte1.Copyset() != 0 {
		t.Errorf("node 1 pte %v, want RW copyset=0", pte1)
	}
	if nodes[0].s2.Accessible(ipa) {
		t.Error("node 0 kept its copy after handover")
	}
	if owner := nodes[0].eng.Owner(ipa); owner != 1 {
		t.Errorf("manager owner=%d, want 1", owner)
	}
	checkSingleWriter(t, nodes, ipa)
}

func TestScenarioThreePartyForwarding(t *testing.T) {
	nodes := newTestCluster(t, 3)
	const ipa = 0x4100_0000 // node 0's slice (manager 0)

	// Make node 2 the owner.
	stolen := nodes[2].eng.WriteFetch(0, ipa)
	copy(stolen, bytes.Repeat([]byte{0x3c}, PageSize))
	settle()
	if owner := nodes[0].eng.Owner(ipa); owner != 2 {
		t.Fatalf("setup: owner=%d, want 2", owner)
	}
	_, _, base0body := nodes[0].carrier.counts()

	// Node 1 write-faults; node 0 forwards to node 2, which ships the
	// page straight to node 1.
	page := nodes[1].eng.WriteFetch(0, ipa)
	if page == nil {
		t.Fatal("write fetch failed")
	}
	if page[7] != 0x3c {
		t.Errorf("page lost contents through forwarding")
	}
	settle()

	if owner := nodes[0].eng.Owner(ipa); owner != 1 {
		t.Errorf("manager owner=%d, want 1", owner)
	}
	if nodes[2].s2.Accessible(ipa) {
		t.Error("node 2 kept the page")
	}
	checkSingleWriter(t, nodes, ipa)

	// The manager never saw page data.
	_, _, body0 := nodes[0].carrier.counts()
	if body0 != base0body {
		t.Errorf("manager received %d body bytes during forwarding", body0-base0body)
	}
}

func TestWriteThenRemoteReadObservesBytes(t *testing.T) {
	nodes := newTestCluster(t, 2)
	const ipa = 0x4200_5000 // node 1's slice

	page := nodes[0].eng.WriteFetch(0, ipa)
	copy(page[0x350:], []byte("written by node 0"))
	settle()

	got := nodes[1].eng.ReadFetch(0, ipa)
	if !bytes.Equal(got[0x350:0x350+17], []byte("written by node 0")) {
		t.Fatalf("node 1 read %q", got[0x350:0x350+17])
	}
	checkSingleWriter(t, nodes, ipa)
}

func TestImmediateAccessCrossesPages(t *testing.T) {
	nodes := newTestCluster(t, 2)
	const ipa = 0x4080_3ff8 // straddles two pages of node 0's slice

	in := []byte("0123456789abcdef")
	if err := nodes[1].eng.Access(0, in, ipa, true); err != nil {
		t.Fatalf("write access: %v", err)
	}

	out := make([]byte, len(in))
	if err := nodes[1].eng.Access(0, out, ipa, false); err != nil {
		t.Fatalf("read access: %v", err)
	}
	if !bytes.Equal(in, out) {
		t.Fatalf("round trip %q != %q", out, in)
	}

	// Both touched pages are writable on node 1 now.
	for _, pageIPA := range []uint64{0x4080_3000, 0x4080_4000} {
		if pte := nodes[1].s2.Lookup(pageIPA); !pte.Writable() {
			t.Errorf("pte %v for %#x", pte, pageIPA)
		}
	}
}

func TestStaleInvalidateRace(t *testing.T) {
	nodes := newTestCluster(t, 2)
	const ipa = 0x4080_3000

	// Node 0 owner RO copyset={1}, node 1 RO copyset=0.
	_ = nodes[1].eng.ReadFetch(0, ipa)
	settle()

	// Both upgrade at once; the manager serializes, stale invalidates
	// are discarded by the owner check.
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = nodes[i].eng.WriteFetch(0, ipa)
		}(i)
	}
	wg.Wait()
	settle()

	writers, invalid := 0, 0
	for _, n := range nodes {
		pte := n.s2.Lookup(ipa)
		switch {
		case pte.Writable():
			writers++
		case !pte.Valid():
			invalid++
		}
	}
	if writers != 1 || invalid != 1 {
		t.Fatalf("after race: %d writers, %d invalid", writers, invalid)
	}
	checkSingleWriter(t, nodes, ipa)
}

func TestConcurrentWritersConverge(t *testing.T) {
	nodes := newTestCluster(t, 3)
	const ipa = 0x4090_0000

	var wg sync.WaitGroup
	for round := 0; round < 8; round++ {
		for i := range nodes {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				page := nodes[i].eng.WriteFetch(0, ipa)
				if page == nil {
					t.Errorf("node %d write fetch failed", i)
				}
			}(i)
		}
		wg.Wait()
	}
	settle()

	checkSingleWriter(t, nodes, ipa)
	writers := 0
	for _, n := range nodes {
		if n.s2.Lookup(ipa).Writable() {
			writers++
		}
	}
	if writers != 1 {
		t.Fatalf("%d writers after converging", writers)
	}
}

func TestPageLockPrimitives(t *testing.T) {
	var pg pageDesc

	if !pg.tryLock(0) {
		t.Fatal("trylock of free page failed")
	}
	if pg.tryLock(1) {
		t.Fatal("trylock of held page succeeded")
	}
	pg.unlock(0)

	// Taking the wait-queue lock on an unlocked page claims the page.
	if !pg.wqLock(2) {
		t.Fatal("wqLock did not claim the free page")
	}
	if pg.tryLock(3) {
		t.Fatal("page claimed through wqLock still trylockable")
	}
	pg.wqUnlock()
	if pg.wqLocked() {
		t.Fatal("wqUnlock left wqlock set")
	}
	if !pg.locked() {
		t.Fatal("wqUnlock dropped the page lock")
	}
	pg.unlock(2)
	if pg.locked() || pg.wqLocked() {
		t.Fatalf("lock word %#04x after release", pg.ll.Load())
	}
}

func TestUnlockByWrongCPUPanics(t *testing.T) {
	var pg pageDesc
	pg.spinLock(1)

	defer func() {
		if recover() == nil {
			t.Fatal("unlock by non-holder did not panic")
		}
	}()
	pg.unlock(2)
}

func TestAccessOutsideRAM(t *testing.T) {
	nodes := newTestCluster(t, 2)

	if page := nodes[0].eng.ReadFetch(0, 0x0900_0000); page != nil {
		t.Error("read outside guest ram returned a page")
	}
	if err := nodes[0].eng.Access(0, make([]byte, 8), 0x0900_0000, false); err == nil {
		t.Error("access outside guest ram succeeded")
	}
}

func TestManagerStartsOwningItsSlice(t *testing.T) {
	nodes := newTestCluster(t, 2)

	for i, n := range nodes {
		start := n.dir.Me().Mem.Start
		if owner := n.eng.Owner(start); owner != i {
			t.Errorf("node %d: initial owner %d", i, owner)
		}
		if pte := n.s2.Lookup(start); !pte.Writable() {
			t.Errorf("node %d: initial pte %v", i, pte)
		}
	}
}
