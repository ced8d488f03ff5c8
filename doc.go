// Package kvm runs tiny x86 real-mode guests on the Linux KVM API.
//
// Provides the /dev/kvm capability handle, VM and vCPU management, guest
// memory reservation and registration, register access, and an exit loop
// that forwards a debug port to the host.
//
// # Requirements
//
//   - Linux on amd64
//   - Read/write access to /dev/kvm (usually membership of the kvm group)
//   - KVM API version 12
//
// # Basic Usage
//
// Check if KVM is available:
//
//	supported, err := kvm.Supported()
//	if err != nil || !supported {
//		log.Fatal("KVM not available on this system")
//	}
//
// Run a program to completion:
//
//	report, err := kvm.Launch(kvm.Config{
//		Memory:  []kvm.Range{{GuestAddr: 0, Size: 0x2000}},
//		Entry:   0x1000,
//		Payload: code,
//		Regs:    kvm.Regs{RAX: 2, RBX: 2},
//		Output:  os.Stdout,
//		Notice:  os.Stderr,
//	})
//
// Or drive each step yourself:
//
//	sys, err := kvm.Open()
//	if err != nil {
//		log.Fatal("Failed to open /dev/kvm:", err)
//	}
//	defer sys.Close()
//
//	vm, err := sys.NewVM()
//	if err != nil {
//		log.Fatal("Failed to create VM:", err)
//	}
//
//	// Reserve guest memory (page-aligned ranges)
//	mem, err := kvm.ReserveGuestMemory([]kvm.Range{{GuestAddr: 0, Size: 0x2000}})
//	if err != nil {
//		log.Fatal("Failed to reserve memory:", err)
//	}
//	defer mem.Close() // after vm.Close
//	defer vm.Close()
//
//	if err := mem.WriteAll(code, 0x1000); err != nil {
//		log.Fatal(err)
//	}
//	if err := vm.MapGuestMemory(mem); err != nil {
//		log.Fatal(err)
//	}
//
//	vcpu, err := vm.NewVCPU(0)
//	if err != nil {
//		log.Fatal("Failed to create vCPU:", err)
//	}
//	defer vcpu.Close()
//
//	sregs, _ := vcpu.GetSregs()
//	sregs.CS.Base, sregs.CS.Selector = 0, 0
//	vcpu.SetSregs(sregs)
//	vcpu.SetRegs(kvm.Regs{RIP: 0x1000, RFlags: kvm.FlagsReserved})
//
//	d := &kvm.Dispatcher{Output: os.Stdout, Notice: os.Stderr}
//	if _, err := d.Loop(vcpu); err != nil {
//		log.Fatal(err)
//	}
//
// # Error Handling
//
// Every failure is an *Error carrying a Kind, the failing operation, and
// the underlying host error. Compare against the sentinels with errors.Is:
//
//	if errors.Is(err, kvm.ErrInvalidRegion) { ... }
//
// Set KVM_ENV=production (or KVM_DEBUG=false) to reduce messages to their
// kind only.
//
// # Resource Management
//
// Close vCPUs, then the VM, then guest memory, then the System. Guest memory
// must stay mapped for as long as a VM refers to it.
//
// # Threads
//
// Callers should hold runtime.LockOSThread for the whole launch. Pinning
// keeps the vCPU on one host thread, so signal-driven re-entry of KVM_RUN
// stays cheap and scheduling behaviour stays predictable.
//
// # Platform Support
//
// Linux amd64 only. Other platforms return ErrUnsupported.
package kvm
