package kvm

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"unsafe"
)

// Range is a guest-physical address range to back with host memory.
type Range struct {
	GuestAddr uint64
	Size      uint64
}

func (r Range) end() uint64 { return r.GuestAddr + r.Size }

// GuestRegion is one reserved range and its host backing.
type GuestRegion struct {
	GuestAddr uint64
	host      []byte
}

// Size returns the length of the region in bytes.
func (r *GuestRegion) Size() uint64 { return uint64(len(r.host)) }

// HostAddress returns the host virtual address backing GuestAddr.
func (r *GuestRegion) HostAddress() uintptr {
	if len(r.host) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&r.host[0]))
}

func (r *GuestRegion) contains(addr, n uint64) bool {
	if addr < r.GuestAddr {
		return false
	}
	off := addr - r.GuestAddr
	return off <= r.Size() && n <= r.Size()-off
}

// GuestMemory owns the host memory backing a guest address space. It must
// outlive every VM it has been registered with.
type GuestMemory struct {
	drv     driver
	regions []*GuestRegion

	mu     sync.Mutex
	closed bool
}

// ReserveGuestMemory maps anonymous host memory for each range.
func ReserveGuestMemory(ranges []Range) (*GuestMemory, error) {
	return reserveGuestMemory(hostDriver, ranges)
}

func reserveGuestMemory(drv driver, ranges []Range) (*GuestMemory, error) {
	if err := validateRanges(ranges); err != nil {
		recordValidationError()
		return nil, newError(KindAllocationFailed, "reserve guest memory", err.Error(), nil)
	}

	sorted := append([]Range(nil), ranges...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].GuestAddr < sorted[j].GuestAddr })

	m := &GuestMemory{drv: drv}
	for _, r := range sorted {
		host, err := drv.mmapAnon(int(r.Size))
		if err != nil || len(host) == 0 {
			m.Close()
			recordResourceError()
			return nil, newError(KindAllocationFailed, "reserve guest memory",
				fmt.Sprintf("mmap 0x%x bytes for [0x%x, 0x%x)", r.Size, r.GuestAddr, r.end()), err)
		}
		m.regions = append(m.regions, &GuestRegion{GuestAddr: r.GuestAddr, host: host})
	}
	return m, nil
}

func validateRanges(ranges []Range) error {
	if len(ranges) == 0 {
		return fmt.Errorf("no ranges requested")
	}
	for i, r := range ranges {
		if r.Size == 0 {
			return fmt.Errorf("range %d has zero size", i)
		}
		if r.Size > math.MaxInt {
			return fmt.Errorf("range %d too large (max %d bytes)", i, math.MaxInt)
		}
		if r.GuestAddr > math.MaxUint64-r.Size {
			return fmt.Errorf("range %d would overflow", i)
		}
		if !isPageAligned(r.GuestAddr) {
			return fmt.Errorf("range %d start not page-aligned: 0x%x (page size: %d)", i, r.GuestAddr, pageSize())
		}
		if !isPageAligned(r.Size) {
			return fmt.Errorf("range %d size not page multiple: 0x%x (page size: %d)", i, r.Size, pageSize())
		}
		for j := 0; j < i; j++ {
			o := ranges[j]
			if r.GuestAddr < o.end() && o.GuestAddr < r.end() {
				return fmt.Errorf("range %d [0x%x, 0x%x) overlaps range %d [0x%x, 0x%x)",
					i, r.GuestAddr, r.end(), j, o.GuestAddr, o.end())
			}
		}
	}
	return nil
}

// Regions returns the reserved regions ordered by guest address.
func (m *GuestMemory) Regions() []*GuestRegion {
	return append([]*GuestRegion(nil), m.regions...)
}

// Size returns the total number of reserved bytes.
func (m *GuestMemory) Size() uint64 {
	var n uint64
	for _, r := range m.regions {
		n += r.Size()
	}
	return n
}

// find returns the single region holding [addr, addr+n).
func (m *GuestMemory) find(addr, n uint64) *GuestRegion {
	for _, r := range m.regions {
		if r.contains(addr, n) {
			return r
		}
	}
	return nil
}

// Write copies p into guest memory at addr. The span must lie inside one
// region; otherwise nothing is written.
func (m *GuestMemory) Write(p []byte, addr uint64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrClosed
	}
	r := m.find(addr, uint64(len(p)))
	if r == nil {
		return 0, newError(KindOutOfRange, "write guest memory",
			fmt.Sprintf("[0x%x, +%d)", addr, len(p)), nil)
	}
	off := addr - r.GuestAddr
	return copy(r.host[off:], p), nil
}

// WriteAll is Write with a short write treated as an error.
func (m *GuestMemory) WriteAll(p []byte, addr uint64) error {
	n, err := m.Write(p, addr)
	if err != nil {
		return err
	}
	return checkWrite(n, len(p), addr)
}

// checkWrite turns a short copy into ShortWrite. Write copies whole spans,
// so this only fires if that containment check is ever broken.
func checkWrite(n, want int, addr uint64) error {
	if n != want {
		return newError(KindShortWrite, "write guest memory",
			fmt.Sprintf("wrote %d of %d bytes at 0x%x", n, want, addr), nil)
	}
	return nil
}

// Read copies guest memory at addr into p, under the same containment rule
// as Write.
func (m *GuestMemory) Read(p []byte, addr uint64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrClosed
	}
	r := m.find(addr, uint64(len(p)))
	if r == nil {
		return 0, newError(KindOutOfRange, "read guest memory",
			fmt.Sprintf("[0x%x, +%d)", addr, len(p)), nil)
	}
	off := addr - r.GuestAddr
	return copy(p, r.host[off:]), nil
}

// HostAddress resolves a guest-physical address to the host address
// backing it.
func (m *GuestMemory) HostAddress(addr uint64) (uintptr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrClosed
	}
	for _, r := range m.regions {
		if addr >= r.GuestAddr && addr-r.GuestAddr < r.Size() {
			return r.HostAddress() + uintptr(addr-r.GuestAddr), nil
		}
	}
	return 0, newError(KindNotMapped, "host address", fmt.Sprintf("guest address 0x%x", addr), nil)
}

// Close unmaps all host memory. Call it only after every VM using this
// memory is closed. Idempotent.
func (m *GuestMemory) Close() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true

	var firstErr error
	for _, r := range m.regions {
		if err := m.drv.munmap(r.host); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to unmap region 0x%x+%d: %w", r.GuestAddr, r.Size(), err)
		}
		r.host = nil
	}
	return firstErr
}
