// Package vmmio routes guest MMIO accesses trapped at stage 2 to the
// device emulations registered for the faulting range.
package vmmio

import (
	"fmt"
	"sort"
	"sync"

	"github.com/tinyrange/vsm/internal/vcpu"
)

// Access is one decoded guest MMIO access. Offset is filled in from
// the matched region before dispatch; Val carries the store value in,
// and the load result out.
type Access struct {
	IPA    uint64
	Offset uint64
	Val    uint64
	Size   int // access width in bytes
	WnR    bool
}

// Device emulates a memory-mapped register block.
type Device interface {
	ReadMMIO(v *vcpu.VCPU, acc *Access) error
	WriteMMIO(v *vcpu.VCPU, acc *Access) error
}

type region struct {
	base uint64
	size uint64
	dev  Device
}

// Registry maps guest physical ranges to device emulations. Regions
// are registered during bring-up and never removed.
type Registry struct {
	mu      sync.RWMutex
	regions []region
}

func New() *Registry { return &Registry{} }

// Register binds dev to [base, base+size). Overlaps are rejected.
func (r *Registry) Register(base, size uint64, dev Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, reg := range r.regions {
		if base < reg.base+reg.size && reg.base < base+size {
			return fmt.Errorf("vmmio: [%#x,%#x) overlaps [%#x,%#x)",
				base, base+size, reg.base, reg.base+reg.size)
		}
	}
	r.regions = append(r.regions, region{base: base, size: size, dev: dev})
	sort.Slice(r.regions, func(i, j int) bool { return r.regions[i].base < r.regions[j].base })
	return nil
}

// Covers reports whether ipa falls inside a registered region.
func (r *Registry) Covers(ipa uint64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.find(ipa) != nil
}

func (r *Registry) find(ipa uint64) *region {
	i := sort.Search(len(r.regions), func(i int) bool {
		return r.regions[i].base+r.regions[i].size > ipa
	})
	if i < len(r.regions) && ipa >= r.regions[i].base {
		return &r.regions[i]
	}
	return nil
}

// Emulate dispatches acc to the owning device. Returns an error the
// caller surfaces to the guest when no device claims the address.
func (r *Registry) Emulate(v *vcpu.VCPU, acc *Access) error {
	r.mu.RLock()
	reg := r.find(acc.IPA)
	r.mu.RUnlock()
	if reg == nil {
		return fmt.Errorf("vmmio: no device at %#x", acc.IPA)
	}
	acc.Offset = acc.IPA - reg.base

	if acc.WnR {
		return reg.dev.WriteMMIO(v, acc)
	}
	return reg.dev.ReadMMIO(v, acc)
}
