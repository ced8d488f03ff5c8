package kvm

import (
	"fmt"
	"math"
	"sort"
)

// MemoryRegion is one guest-physical to host mapping.
// It has the same layout as the C struct kvm_userspace_memory_region.
type MemoryRegion struct {
	Slot          uint32 `json:"slot"`
	Flags         uint32 `json:"flags"`
	GuestPhysAddr uint64 `json:"guest_phys_addr"`
	MemorySize    uint64 `json:"memory_size"`
	UserspaceAddr uint64 `json:"userspace_addr"`
}

func (r MemoryRegion) end() uint64 { return r.GuestPhysAddr + r.MemorySize }

func (r MemoryRegion) String() string {
	return fmt.Sprintf("slot %d [0x%x, 0x%x) -> 0x%x", r.Slot, r.GuestPhysAddr, r.end(), r.UserspaceAddr)
}

// regionTable holds the registrations of one VM.
type regionTable struct {
	maxSlots int
	slots    map[uint32]MemoryRegion
}

func newRegionTable(maxSlots int) regionTable {
	return regionTable{maxSlots: maxSlots, slots: make(map[uint32]MemoryRegion)}
}

// check validates r against the table without modifying it.
func (t *regionTable) check(r MemoryRegion) error {
	if _, used := t.slots[r.Slot]; used {
		return fmt.Errorf("slot %d already registered", r.Slot)
	}
	if t.maxSlots > 0 && int(r.Slot) >= t.maxSlots {
		return fmt.Errorf("slot %d exceeds the %d available memory slots", r.Slot, t.maxSlots)
	}
	if r.Flags != 0 {
		return fmt.Errorf("unsupported flags 0x%x", r.Flags)
	}
	if r.MemorySize == 0 {
		return fmt.Errorf("slot %d has zero size", r.Slot)
	}

	// Security: Prevent integer overflow vulnerabilities
	if r.GuestPhysAddr > math.MaxUint64-r.MemorySize {
		return fmt.Errorf("guest range 0x%x+0x%x would overflow", r.GuestPhysAddr, r.MemorySize)
	}
	if r.UserspaceAddr > math.MaxUint64-r.MemorySize {
		return fmt.Errorf("host range 0x%x+0x%x would overflow", r.UserspaceAddr, r.MemorySize)
	}

	if !isPageAligned(r.GuestPhysAddr) {
		return fmt.Errorf("guest address not page-aligned: 0x%x (page size: %d)", r.GuestPhysAddr, pageSize())
	}
	if !isPageAligned(r.MemorySize) {
		return fmt.Errorf("size not page multiple: 0x%x (page size: %d)", r.MemorySize, pageSize())
	}
	if r.UserspaceAddr == 0 {
		return fmt.Errorf("slot %d has no host address", r.Slot)
	}
	if !isPageAligned(r.UserspaceAddr) {
		return fmt.Errorf("host address not page-aligned: 0x%x (page size: %d)", r.UserspaceAddr, pageSize())
	}

	for _, other := range t.slots {
		if r.GuestPhysAddr < other.end() && other.GuestPhysAddr < r.end() {
			return fmt.Errorf("guest range [0x%x, 0x%x) overlaps %s", r.GuestPhysAddr, r.end(), other)
		}
	}
	return nil
}

func (t *regionTable) insert(r MemoryRegion) {
	t.slots[r.Slot] = r
}

// list returns the registrations sorted by slot.
func (t *regionTable) list() []MemoryRegion {
	out := make([]MemoryRegion, 0, len(t.slots))
	for _, r := range t.slots {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slot < out[j].Slot })
	return out
}
