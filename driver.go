package kvm

import (
	"sync"
	"unsafe"
)

// DevicePath is the host virtualization device.
const DevicePath = "/dev/kvm"

// APIVersion is the only KVM_GET_API_VERSION value this package speaks.
const APIVersion = 12

// ioctl request numbers (linux/kvm.h, x86_64).
const (
	kvmGetAPIVersion       = 0xae00
	kvmCreateVM            = 0xae01
	kvmCheckExtension      = 0xae03
	kvmGetVCPUMmapSize     = 0xae04
	kvmCreateVCPU          = 0xae41
	kvmSetUserMemoryRegion = 0x4020ae46
	kvmRunIoctl            = 0xae80
	kvmGetRegs             = 0x8090ae81
	kvmSetRegs             = 0x4090ae82
	kvmGetSregs            = 0x8138ae83
	kvmSetSregs            = 0x4138ae84
)

// Cap is a KVM_CAP_* extension number for CheckExtension.
type Cap uintptr

const (
	CapUserMemory Cap = 3
	CapNrVCPUs    Cap = 9
	CapNrMemslots Cap = 10
	CapMaxVCPUs   Cap = 66
)

// driver is the boundary to the host kernel. Every value crossing it has
// already been validated by the caller.
type driver interface {
	open(path string) (int, error)
	close(fd int) error
	// ioctl passes a pointer argument.
	ioctl(fd int, req uintptr, arg unsafe.Pointer) (uintptr, error)
	// ioctlValue passes an integer argument.
	ioctlValue(fd int, req uintptr, val uintptr) (uintptr, error)
	// mmap maps length bytes of fd shared read/write.
	mmap(fd int, length int) ([]byte, error)
	// mmapAnon maps length bytes of private anonymous memory.
	mmapAnon(length int) ([]byte, error)
	munmap(b []byte) error
	// mapped reports whether [addr, addr+length) is mapped in this process.
	mapped(addr uintptr, length uint64) bool
	// interrupted reports whether err means the call should simply be reissued.
	interrupted(err error) bool
}

var (
	cachedPageSize int
	cachedPageMask uint64 // For fast alignment checks: addr & mask == 0
	pageSizeOnce   sync.Once
)

// pageSize returns the system page size, cached for performance
func pageSize() int {
	pageSizeOnce.Do(func() {
		cachedPageSize = hostPageSize()
		cachedPageMask = uint64(cachedPageSize - 1)
	})
	return cachedPageSize
}

// isPageAligned returns true if addr is page-aligned (fast path)
func isPageAligned(addr uint64) bool {
	pageSize()
	return addr&cachedPageMask == 0
}
