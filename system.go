package kvm

import (
	"fmt"
	"runtime"
	"sync"
)

const (
	defaultMaxVCPUs  = 4
	defaultMemSlots  = 32
	minVCPUMmapBytes = 2352 // sizeof(struct kvm_run)
)

// System is an open handle on the KVM device. It owns no guest state.
type System struct {
	drv  driver
	fd   int
	path string

	apiVersion int
	maxVCPUs   int
	mmapSize   int
	memSlots   int

	closed  bool
	closeMu sync.Mutex
}

// Open opens /dev/kvm and verifies the API version.
func Open() (*System, error) {
	return OpenDevice(DevicePath)
}

// OpenDevice opens the KVM device at path. A device reporting any API
// version other than APIVersion is closed again before anything else is
// created from it.
func OpenDevice(path string) (*System, error) {
	return openSystem(hostDriver, path)
}

func openSystem(drv driver, path string) (*System, error) {
	fd, err := drv.open(path)
	if err != nil {
		recordResourceError()
		return nil, newError(KindFacilityUnavailable, "open", path, err)
	}

	version, err := drv.ioctlValue(fd, kvmGetAPIVersion, 0)
	if err != nil {
		drv.close(fd)
		recordResourceError()
		return nil, newError(KindFacilityUnavailable, "get api version", path, err)
	}
	if int(version) != APIVersion {
		drv.close(fd)
		recordValidationError()
		return nil, newError(KindIncompatibleVersion, "get api version",
			fmt.Sprintf("got %d, want %d", int(version), APIVersion), nil)
	}

	mmapSize, err := drv.ioctlValue(fd, kvmGetVCPUMmapSize, 0)
	if err != nil {
		drv.close(fd)
		recordResourceError()
		return nil, newError(KindFacilityUnavailable, "get vcpu mmap size", path, err)
	}
	if int(mmapSize) < minVCPUMmapBytes {
		drv.close(fd)
		recordValidationError()
		return nil, newError(KindIncompatibleVersion, "get vcpu mmap size",
			fmt.Sprintf("%d bytes is smaller than struct kvm_run", int(mmapSize)), nil)
	}

	s := &System{
		drv:        drv,
		fd:         fd,
		path:       path,
		apiVersion: int(version),
		mmapSize:   int(mmapSize),
	}

	s.maxVCPUs = s.CheckExtension(CapMaxVCPUs)
	if s.maxVCPUs <= 0 {
		s.maxVCPUs = s.CheckExtension(CapNrVCPUs)
	}
	if s.maxVCPUs <= 0 {
		s.maxVCPUs = defaultMaxVCPUs
	}
	s.memSlots = s.CheckExtension(CapNrMemslots)
	if s.memSlots <= 0 {
		s.memSlots = defaultMemSlots
	}

	// Set finalizer as safety net in case Close() is not called
	runtime.SetFinalizer(s, (*System).finalize)

	recordSystemOpen()
	return s, nil
}

// APIVersion returns the API version the device reported.
func (s *System) APIVersion() int { return s.apiVersion }

// MaxVCPUs returns the maximum number of vCPUs per VM.
func (s *System) MaxVCPUs() int { return s.maxVCPUs }

// VCPUMmapSize returns the size of the per-vCPU shared run area.
func (s *System) VCPUMmapSize() int { return s.mmapSize }

// MemorySlots returns the number of user memory slots per VM.
func (s *System) MemorySlots() int { return s.memSlots }

// CheckExtension returns the KVM_CHECK_EXTENSION value for c, 0 if absent.
func (s *System) CheckExtension(c Cap) int {
	if s == nil || s.closed {
		return 0
	}
	r, err := s.drv.ioctlValue(s.fd, kvmCheckExtension, uintptr(c))
	if err != nil {
		return 0
	}
	return int(r)
}

// Close releases the device handle. Idempotent.
func (s *System) Close() error {
	if s == nil {
		return nil
	}
	s.closeMu.Lock()
	defer s.closeMu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	runtime.SetFinalizer(s, nil)
	if err := s.drv.close(s.fd); err != nil {
		return fmt.Errorf("failed to close %s: %w", s.path, err)
	}
	return nil
}

// finalize is called by the garbage collector as a safety net
func (s *System) finalize() {
	// Security: Use non-blocking lock to prevent deadlock in finalizers
	if s.closeMu.TryLock() {
		defer s.closeMu.Unlock()
		if !s.closed {
			s.closed = true
			s.drv.close(s.fd)
		}
	}
}
