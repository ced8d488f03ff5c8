package kvm

import (
	"fmt"
	"sync"
	"time"
	"unsafe"
)

// VM represents a single KVM virtual machine.
type VM struct {
	sys     *System
	fd      int
	regions regionTable
	vcpus   map[int]*VCPU

	closed  bool
	closeMu sync.Mutex // Protect against concurrent Close() and use
}

// NewVM creates a new virtual machine from the open device.
func (s *System) NewVM() (*VM, error) {
	start := time.Now()
	defer func() {
		recordVMCreate(time.Since(start))
	}()

	if s == nil {
		return nil, fmt.Errorf("kvm: System is nil")
	}
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	fd, err := s.drv.ioctlValue(s.fd, kvmCreateVM, 0)
	if err != nil {
		recordResourceError()
		return nil, newError(KindCreationFailed, "create vm", "", err)
	}

	return &VM{
		sys:     s,
		fd:      int(fd),
		regions: newRegionTable(s.memSlots),
		vcpus:   make(map[int]*VCPU),
	}, nil
}

// RegisterMemory installs one memory region. Every field is validated
// before the ioctl; on failure the existing registrations are untouched.
// The host memory must stay mapped until the VM is closed.
func (vm *VM) RegisterMemory(r MemoryRegion) error {
	if vm == nil {
		return fmt.Errorf("kvm: VM is nil")
	}
	vm.closeMu.Lock()
	defer vm.closeMu.Unlock()

	if vm.closed {
		return ErrClosed
	}
	if err := vm.regions.check(r); err != nil {
		recordValidationError()
		return newError(KindInvalidRegion, "set user memory region", err.Error(), nil)
	}
	if !vm.sys.drv.mapped(uintptr(r.UserspaceAddr), r.MemorySize) {
		recordValidationError()
		return newError(KindInvalidRegion, "set user memory region",
			fmt.Sprintf("host range 0x%x+0x%x is not mapped", r.UserspaceAddr, r.MemorySize), nil)
	}

	if _, err := vm.sys.drv.ioctl(vm.fd, kvmSetUserMemoryRegion, unsafe.Pointer(&r)); err != nil {
		recordResourceError()
		return newError(KindInvalidRegion, "set user memory region", r.String(), err)
	}

	vm.regions.insert(r)
	recordRegionRegistration()
	return nil
}

// MapGuestMemory registers every region of mem, using the region index as
// the slot number.
func (vm *VM) MapGuestMemory(mem *GuestMemory) error {
	for i, region := range mem.Regions() {
		host, err := mem.HostAddress(region.GuestAddr)
		if err != nil {
			return fmt.Errorf("failed to resolve region %d: %w", i, err)
		}
		err = vm.RegisterMemory(MemoryRegion{
			Slot:          uint32(i),
			Flags:         0,
			GuestPhysAddr: region.GuestAddr,
			MemorySize:    region.Size(),
			UserspaceAddr: uint64(host),
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Regions returns the registered memory regions sorted by slot.
func (vm *VM) Regions() []MemoryRegion {
	vm.closeMu.Lock()
	defer vm.closeMu.Unlock()
	return vm.regions.list()
}

// NewVCPU creates vCPU number index and maps its shared run area.
func (vm *VM) NewVCPU(index int) (*VCPU, error) {
	if vm == nil {
		return nil, fmt.Errorf("kvm: VM is nil")
	}
	vm.closeMu.Lock()
	defer vm.closeMu.Unlock()

	if vm.closed {
		return nil, ErrClosed
	}
	if index < 0 || index >= vm.sys.maxVCPUs {
		recordValidationError()
		return nil, newError(KindCreationFailed, "create vcpu",
			fmt.Sprintf("index %d outside [0, %d)", index, vm.sys.maxVCPUs), nil)
	}
	if _, exists := vm.vcpus[index]; exists {
		recordValidationError()
		return nil, newError(KindCreationFailed, "create vcpu", fmt.Sprintf("index %d already exists", index), nil)
	}

	fd, err := vm.sys.drv.ioctlValue(vm.fd, kvmCreateVCPU, uintptr(index))
	if err != nil {
		recordResourceError()
		return nil, newError(KindCreationFailed, "create vcpu", fmt.Sprintf("index %d", index), err)
	}

	run, err := vm.sys.drv.mmap(int(fd), vm.sys.mmapSize)
	if err != nil {
		vm.sys.drv.close(int(fd))
		recordResourceError()
		return nil, newError(KindCreationFailed, "map vcpu run area", fmt.Sprintf("index %d", index), err)
	}

	c := &VCPU{
		vm:    vm,
		drv:   vm.sys.drv,
		fd:    int(fd),
		index: index,
		run:   run,
		state: VCPUCreated,
	}
	vm.vcpus[index] = c

	recordVCPUCreate()
	return c, nil
}

// Close destroys the VM and any vCPU still open. Guest memory is not
// released here. Idempotent.
func (vm *VM) Close() error {
	if vm == nil {
		return nil
	}

	vm.closeMu.Lock()
	if vm.closed {
		vm.closeMu.Unlock()
		return nil
	}
	vm.closed = true
	vcpus := make([]*VCPU, 0, len(vm.vcpus))
	for _, c := range vm.vcpus {
		vcpus = append(vcpus, c)
	}
	vm.closeMu.Unlock()

	var firstErr error
	for _, c := range vcpus {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := vm.sys.drv.close(vm.fd); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("failed to destroy VM: %w", err)
	}

	recordVMDestroy()
	return firstErr
}
