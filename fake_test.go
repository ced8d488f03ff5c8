package kvm

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"
)

var errFakeInterrupted = errors.New("fake: interrupted system call")

// fakeDriver emulates /dev/kvm closely enough to run tiny real-mode
// programs: it keeps the registers handed to KVM_SET_REGS, the regions
// handed to KVM_SET_USER_MEMORY_REGION, and interprets a handful of
// opcodes on KVM_RUN.
type fakeDriver struct {
	mu sync.Mutex

	apiVersion int
	maxVCPUs   int
	memSlots   int
	mmapSize   int

	// fail makes the given ioctl request return the error.
	fail map[uintptr]error
	// interrupts is the number of KVM_RUN calls to fail with EINTR first.
	interrupts int
	// failAnonAfter makes mmapAnon fail after this many successful calls
	// (negative disables).
	failAnonAfter int

	nextFD  int
	fds     map[int]string
	calls   []uintptr
	regions []MemoryRegion
	anon    [][]byte
	runs    map[int][]byte

	regs  Regs
	sregs Sregs
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		apiVersion:    APIVersion,
		maxVCPUs:      4,
		memSlots:      32,
		mmapSize:      3 * 4096,
		fail:          make(map[uintptr]error),
		failAnonAfter: -1,
		nextFD:        3,
		fds:           make(map[int]string),
		runs:          make(map[int][]byte),
	}
}

func (f *fakeDriver) newFD(kind string) int {
	fd := f.nextFD
	f.nextFD++
	f.fds[fd] = kind
	return fd
}

func (f *fakeDriver) called(req uintptr) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == req {
			n++
		}
	}
	return n
}

func (f *fakeDriver) openFDs() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fds)
}

func (f *fakeDriver) open(path string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if path != DevicePath {
		return -1, fmt.Errorf("fake: open %s: no such file or directory", path)
	}
	return f.newFD("kvm"), nil
}

func (f *fakeDriver) close(fd int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.fds[fd]; !ok {
		return fmt.Errorf("fake: close of unknown fd %d", fd)
	}
	delete(f.fds, fd)
	return nil
}

func (f *fakeDriver) ioctlValue(fd int, req uintptr, val uintptr) (uintptr, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if err := f.fail[req]; err != nil {
		return 0, err
	}

	switch req {
	case kvmGetAPIVersion:
		return uintptr(f.apiVersion), nil
	case kvmGetVCPUMmapSize:
		return uintptr(f.mmapSize), nil
	case kvmCheckExtension:
		switch Cap(val) {
		case CapMaxVCPUs:
			return uintptr(f.maxVCPUs), nil
		case CapNrMemslots:
			return uintptr(f.memSlots), nil
		case CapUserMemory:
			return 1, nil
		}
		return 0, nil
	case kvmCreateVM:
		return uintptr(f.newFD("vm")), nil
	case kvmCreateVCPU:
		return uintptr(f.newFD(fmt.Sprintf("vcpu%d", val))), nil
	case kvmRunIoctl:
		if f.interrupts > 0 {
			f.interrupts--
			return 0, errFakeInterrupted
		}
		return 0, f.step(fd)
	}
	return 0, fmt.Errorf("fake: unexpected ioctl 0x%x", req)
}

func (f *fakeDriver) ioctl(fd int, req uintptr, arg unsafe.Pointer) (uintptr, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if err := f.fail[req]; err != nil {
		return 0, err
	}

	switch req {
	case kvmSetUserMemoryRegion:
		f.regions = append(f.regions, *(*MemoryRegion)(arg))
	case kvmGetRegs:
		*(*Regs)(arg) = f.regs
	case kvmSetRegs:
		f.regs = *(*Regs)(arg)
	case kvmGetSregs:
		*(*Sregs)(arg) = f.sregs
	case kvmSetSregs:
		f.sregs = *(*Sregs)(arg)
	default:
		return 0, fmt.Errorf("fake: unexpected ioctl 0x%x", req)
	}
	return 0, nil
}

func (f *fakeDriver) mmap(fd int, length int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := make([]byte, length)
	f.runs[fd] = b
	return b, nil
}

func (f *fakeDriver) mmapAnon(length int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAnonAfter == 0 {
		return nil, errors.New("fake: cannot allocate memory")
	}
	if f.failAnonAfter > 0 {
		f.failAnonAfter--
	}
	// Over-allocate so the returned slice starts on a page boundary.
	page := pageSize()
	raw := make([]byte, length+page)
	off := 0
	if rem := int(uintptr(unsafe.Pointer(&raw[0])) % uintptr(page)); rem != 0 {
		off = page - rem
	}
	b := raw[off : off+length : off+length]
	f.anon = append(f.anon, b)
	return b, nil
}

func (f *fakeDriver) munmap(b []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, a := range f.anon {
		if len(a) > 0 && len(b) > 0 && &a[0] == &b[0] {
			f.anon = append(f.anon[:i], f.anon[i+1:]...)
			return nil
		}
	}
	for fd, r := range f.runs {
		if len(r) > 0 && len(b) > 0 && &r[0] == &b[0] {
			delete(f.runs, fd)
			return nil
		}
	}
	return errors.New("fake: munmap of unknown mapping")
}

func (f *fakeDriver) mapped(addr uintptr, length uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hostSlice(uint64(addr), length) != nil
}

func (f *fakeDriver) interrupted(err error) bool {
	return errors.Is(err, errFakeInterrupted)
}

// hostSlice returns the anonymous mapping holding [addr, addr+n).
func (f *fakeDriver) hostSlice(addr, n uint64) []byte {
	for _, a := range f.anon {
		base := uint64(uintptr(unsafe.Pointer(&a[0])))
		if addr >= base && addr-base <= uint64(len(a)) && n <= uint64(len(a))-(addr-base) {
			return a[addr-base : addr-base+n]
		}
	}
	return nil
}

// guestByte reads guest-physical memory through the registered regions.
func (f *fakeDriver) guestByte(gpa uint64) (byte, bool) {
	for _, r := range f.regions {
		if gpa >= r.GuestPhysAddr && gpa < r.GuestPhysAddr+r.MemorySize {
			b := f.hostSlice(r.UserspaceAddr+(gpa-r.GuestPhysAddr), 1)
			if b == nil {
				return 0, false
			}
			return b[0], true
		}
	}
	return 0, false
}

const fakeIODataOffset = 4096

func kvmRunAt(run []byte) *kvmRun { return (*kvmRun)(unsafe.Pointer(&run[0])) }

func ioExitAt(kr *kvmRun) *ioExitData { return (*ioExitData)(unsafe.Pointer(&kr.exitData[0])) }

func failEntryAt(kr *kvmRun) *failEntryData {
	return (*failEntryData)(unsafe.Pointer(&kr.exitData[0]))
}

// step interprets guest instructions until one of them exits.
func (f *fakeDriver) step(fd int) error {
	run := f.runs[fd]
	if run == nil {
		return fmt.Errorf("fake: KVM_RUN on unmapped vcpu fd %d", fd)
	}
	kr := kvmRunAt(run)

	setExit := func(reason ExitReason) {
		kr.exitReason = uint32(reason)
	}
	fetch := func() (byte, bool) {
		b, ok := f.guestByte(f.sregs.CS.Base + f.regs.RIP)
		if ok {
			f.regs.RIP++
		}
		return b, ok
	}
	setLow8 := func(r *uint64, v uint8) { *r = *r&^0xff | uint64(v) }

	for {
		op, ok := fetch()
		if !ok {
			setExit(ExitFailEntry)
			failEntryAt(kr).hardwareEntryFailureReason = 0x80000021
			return nil
		}
		switch op {
		case 0xba: // mov $imm16, %dx
			lo, _ := fetch()
			hi, _ := fetch()
			f.regs.RDX = f.regs.RDX&^0xffff | uint64(lo) | uint64(hi)<<8
		case 0x00: // add %r8, %r/m8 (only add %bl, %al)
			modrm, _ := fetch()
			if modrm != 0xd8 {
				setExit(ExitInternalError)
				return nil
			}
			setLow8(&f.regs.RAX, uint8(f.regs.RAX)+uint8(f.regs.RBX))
		case 0x04: // add $imm8, %al
			imm, _ := fetch()
			setLow8(&f.regs.RAX, uint8(f.regs.RAX)+imm)
		case 0xb0: // mov $imm8, %al
			imm, _ := fetch()
			setLow8(&f.regs.RAX, imm)
		case 0xee: // out %al, (%dx)
			setExit(ExitIO)
			*ioExitAt(kr) = ioExitData{
				direction:  uint8(IODirectionOut),
				size:       1,
				port:       uint16(f.regs.RDX),
				count:      1,
				dataOffset: fakeIODataOffset,
			}
			run[fakeIODataOffset] = uint8(f.regs.RAX)
			return nil
		case 0xec: // in (%dx), %al
			setExit(ExitIO)
			*ioExitAt(kr) = ioExitData{
				direction:  uint8(IODirectionIn),
				size:       1,
				port:       uint16(f.regs.RDX),
				count:      1,
				dataOffset: fakeIODataOffset,
			}
			return nil
		case 0xf4: // hlt
			setExit(ExitHlt)
			return nil
		default:
			setExit(ExitInternalError)
			(*internalErrorData)(unsafe.Pointer(&kr.exitData[0])).suberror = 1
			return nil
		}
	}
}

// openFake opens a System on a fresh fake driver.
func openFake() (*System, *fakeDriver, error) {
	drv := newFakeDriver()
	sys, err := openSystem(drv, DevicePath)
	return sys, drv, err
}
