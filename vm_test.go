package kvm

import (
	"errors"
	"testing"
)

// newFakeVM returns a VM and one page of guest memory at guest address 0.
func newFakeVM(t *testing.T) (*VM, *GuestMemory, *fakeDriver) {
	t.Helper()

	sys, drv, err := openFake()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { sys.Close() })

	vm, err := sys.NewVM()
	if err != nil {
		t.Fatalf("NewVM failed: %v", err)
	}
	mem, err := reserveGuestMemory(drv, []Range{{GuestAddr: 0, Size: 2 * uint64(pageSize())}})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		vm.Close()
		mem.Close()
	})
	return vm, mem, drv
}

func TestNewVMFailure(t *testing.T) {
	sys, drv, err := openFake()
	if err != nil {
		t.Fatal(err)
	}
	defer sys.Close()

	drv.fail[kvmCreateVM] = errors.New("EMFILE")
	if _, err := sys.NewVM(); !errors.Is(err, ErrCreationFailed) {
		t.Errorf("err = %v, want ErrCreationFailed", err)
	}
}

func TestRegisterMemory(t *testing.T) {
	vm, mem, drv := newFakeVM(t)
	ps := uint64(pageSize())
	host := uint64(mem.Regions()[0].HostAddress())

	if err := vm.RegisterMemory(MemoryRegion{Slot: 0, GuestPhysAddr: 0, MemorySize: ps, UserspaceAddr: host}); err != nil {
		t.Fatalf("RegisterMemory failed: %v", err)
	}

	tests := []struct {
		name   string
		region MemoryRegion
	}{
		{name: "duplicate slot", region: MemoryRegion{Slot: 0, GuestPhysAddr: ps, MemorySize: ps, UserspaceAddr: host + ps}},
		{name: "overlapping range", region: MemoryRegion{Slot: 1, GuestPhysAddr: 0, MemorySize: ps, UserspaceAddr: host + ps}},
		{name: "unmapped host range", region: MemoryRegion{Slot: 1, GuestPhysAddr: ps, MemorySize: ps, UserspaceAddr: 0x7f0000000000}},
		{name: "host range past the mapping", region: MemoryRegion{Slot: 1, GuestPhysAddr: ps, MemorySize: 2 * ps, UserspaceAddr: host + ps}},
		{name: "misaligned", region: MemoryRegion{Slot: 1, GuestPhysAddr: ps + 1, MemorySize: ps, UserspaceAddr: host + ps}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := drv.called(kvmSetUserMemoryRegion)
			err := vm.RegisterMemory(tt.region)
			if !errors.Is(err, ErrInvalidRegion) {
				t.Fatalf("err = %v, want ErrInvalidRegion", err)
			}
			if drv.called(kvmSetUserMemoryRegion) != before {
				t.Error("rejected region reached the kernel")
			}
			regions := vm.Regions()
			if len(regions) != 1 || regions[0].Slot != 0 || regions[0].MemorySize != ps {
				t.Errorf("registered regions changed: %v", regions)
			}
		})
	}

	t.Run("kernel rejects", func(t *testing.T) {
		drv.fail[kvmSetUserMemoryRegion] = errors.New("EEXIST")
		defer delete(drv.fail, kvmSetUserMemoryRegion)

		err := vm.RegisterMemory(MemoryRegion{Slot: 1, GuestPhysAddr: ps, MemorySize: ps, UserspaceAddr: host + ps})
		if !errors.Is(err, ErrInvalidRegion) {
			t.Fatalf("err = %v, want ErrInvalidRegion", err)
		}
		if len(vm.Regions()) != 1 {
			t.Error("failed registration was recorded")
		}
	})

	t.Run("second slot", func(t *testing.T) {
		err := vm.RegisterMemory(MemoryRegion{Slot: 1, GuestPhysAddr: ps, MemorySize: ps, UserspaceAddr: host + ps})
		if err != nil {
			t.Fatalf("RegisterMemory failed: %v", err)
		}
		if len(vm.Regions()) != 2 {
			t.Errorf("got %d regions, want 2", len(vm.Regions()))
		}
	})
}

func TestMapGuestMemory(t *testing.T) {
	vm, mem, drv := newFakeVM(t)

	if err := vm.MapGuestMemory(mem); err != nil {
		t.Fatalf("MapGuestMemory failed: %v", err)
	}
	regions := vm.Regions()
	if len(regions) != 1 {
		t.Fatalf("got %d regions, want 1", len(regions))
	}
	r := regions[0]
	if r.Slot != 0 || r.GuestPhysAddr != 0 || r.MemorySize != mem.Size() {
		t.Errorf("region = %s", r)
	}
	if r.UserspaceAddr != uint64(mem.Regions()[0].HostAddress()) {
		t.Errorf("UserspaceAddr = 0x%x, want 0x%x", r.UserspaceAddr, mem.Regions()[0].HostAddress())
	}
	if len(drv.regions) != 1 || drv.regions[0] != r {
		t.Errorf("kernel saw %v, want [%s]", drv.regions, r)
	}
}

func TestNewVCPU(t *testing.T) {
	vm, _, drv := newFakeVM(t)

	vcpu, err := vm.NewVCPU(0)
	if err != nil {
		t.Fatalf("NewVCPU(0) failed: %v", err)
	}
	if vcpu.Index() != 0 {
		t.Errorf("Index() = %d, want 0", vcpu.Index())
	}
	if vcpu.State() != VCPUCreated {
		t.Errorf("State() = %s, want created", vcpu.State())
	}
	if len(vcpu.run) != drv.mmapSize {
		t.Errorf("run area is %d bytes, want %d", len(vcpu.run), drv.mmapSize)
	}

	tests := []struct {
		name  string
		index int
	}{
		{name: "duplicate", index: 0},
		{name: "negative", index: -1},
		{name: "at limit", index: drv.maxVCPUs},
		{name: "beyond limit", index: drv.maxVCPUs + 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := drv.called(kvmCreateVCPU)
			if _, err := vm.NewVCPU(tt.index); !errors.Is(err, ErrCreationFailed) {
				t.Errorf("NewVCPU(%d): err = %v, want ErrCreationFailed", tt.index, err)
			}
			if drv.called(kvmCreateVCPU) != before {
				t.Error("invalid index reached the kernel")
			}
		})
	}

	t.Run("kernel rejects", func(t *testing.T) {
		drv.fail[kvmCreateVCPU] = errors.New("EINVAL")
		defer delete(drv.fail, kvmCreateVCPU)
		if _, err := vm.NewVCPU(1); !errors.Is(err, ErrCreationFailed) {
			t.Errorf("err = %v, want ErrCreationFailed", err)
		}
	})

	t.Run("index reusable after close", func(t *testing.T) {
		if err := vcpu.Close(); err != nil {
			t.Fatal(err)
		}
		again, err := vm.NewVCPU(0)
		if err != nil {
			t.Fatalf("NewVCPU(0) after Close failed: %v", err)
		}
		again.Close()
	})
}

func TestVMClose(t *testing.T) {
	sys, drv, err := openFake()
	if err != nil {
		t.Fatal(err)
	}
	defer sys.Close()

	vm, err := sys.NewVM()
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if _, err := vm.NewVCPU(i); err != nil {
			t.Fatal(err)
		}
	}

	if err := vm.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := vm.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
	// Only the device itself stays open.
	if n := drv.openFDs(); n != 1 {
		t.Errorf("%d descriptors open after Close, want 1", n)
	}
	if len(drv.runs) != 0 {
		t.Errorf("%d run areas still mapped", len(drv.runs))
	}
	if _, err := vm.NewVCPU(2); !errors.Is(err, ErrClosed) {
		t.Errorf("NewVCPU after Close: err = %v, want ErrClosed", err)
	}
	if err := vm.RegisterMemory(MemoryRegion{}); !errors.Is(err, ErrClosed) {
		t.Errorf("RegisterMemory after Close: err = %v, want ErrClosed", err)
	}
}
