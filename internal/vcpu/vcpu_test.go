package vcpu

import (
	"testing"

	"github.com/tinyrange/vsm/internal/irqchip"
)

func TestPendingRingFIFO(t *testing.T) {
	v := New(2, 0)

	for _, virq := range []uint32{5, 9, 27} {
		v.Pending.Push(&irqchip.PendingIRQ{VIRQ: virq})
	}
	if v.Pending.Len() != 3 {
		t.Fatalf("len=%d, want 3", v.Pending.Len())
	}

	got := v.Pending.Drain()
	if len(got) != 3 {
		t.Fatalf("drained %d", len(got))
	}
	for i, virq := range []uint32{5, 9, 27} {
		if got[i].VIRQ != virq {
			t.Errorf("slot %d: virq %d, want %d", i, got[i].VIRQ, virq)
		}
	}
	if v.Pending.Len() != 0 {
		t.Errorf("len=%d after drain", v.Pending.Len())
	}
}

func TestPendingRingCapacity(t *testing.T) {
	v := New(0, 0)

	// Capacity is size-1: three entries fit.
	for i := 0; i < PendingRingSize-1; i++ {
		v.Pending.Push(&irqchip.PendingIRQ{VIRQ: uint32(i)})
	}

	defer func() {
		if recover() == nil {
			t.Fatal("overflow did not panic")
		}
	}()
	v.Pending.Push(&irqchip.PendingIRQ{VIRQ: 99})
}

func TestWakeAndKick(t *testing.T) {
	v := New(1, 1)

	if v.Awake() {
		t.Fatal("vcpu awake at creation")
	}
	v.Wake(0x4000_0000)
	if !v.Awake() || v.Entry != 0x4000_0000 {
		t.Fatalf("awake=%v entry=%#x", v.Awake(), v.Entry)
	}

	select {
	case <-v.KickCh():
	default:
		t.Fatal("wake did not kick")
	}

	// Kicks coalesce instead of blocking.
	v.Kick()
	v.Kick()
	select {
	case <-v.KickCh():
	default:
		t.Fatal("kick lost")
	}
}
