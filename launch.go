package kvm

import (
	"bytes"
	"fmt"
	"io"
)

// Config describes one guest launch.
type Config struct {
	// Memory is the guest address space to reserve.
	Memory []Range
	// Entry is the guest-physical address of the first instruction.
	Entry uint64
	// Payload is copied to Entry before the vCPU starts.
	Payload []byte
	// Regs seeds the general-purpose registers; only non-zero fields are
	// applied. RIP is always Entry and RFLAGS always has bit 1 set.
	Regs Regs
	// VCPU is the vCPU index to create.
	VCPU int

	// DebugPort, StrictPorts and Trace are passed to the Dispatcher.
	DebugPort   uint16
	StrictPorts bool
	Trace       func(ExitInfo)

	// Output receives guest console bytes; Notice receives diagnostics.
	Output io.Writer
	Notice io.Writer
}

// Report is the outcome of a completed launch.
type Report struct {
	Result  DispatchResult `json:"result"`
	Regs    Regs           `json:"regs"`
	Regions []MemoryRegion `json:"regions"`
	Output  []byte         `json:"output,omitempty"`
}

// Launch opens /dev/kvm and runs cfg to completion. Once the guest has
// started, a failed run still returns a Report holding the output and
// exits seen so far.
func Launch(cfg Config) (*Report, error) {
	sys, err := Open()
	if err != nil {
		return nil, err
	}
	defer sys.Close()
	return launch(sys, cfg)
}

func launch(sys *System, cfg Config) (*Report, error) {
	notice := cfg.Notice
	if notice == nil {
		notice = io.Discard
	}

	fmt.Fprintf(notice, "the required mmap size of vcpu is: %d\n", sys.VCPUMmapSize())
	fmt.Fprintf(notice, "max vcpu is: %d\n", sys.MaxVCPUs())

	vm, err := sys.NewVM()
	if err != nil {
		return nil, fmt.Errorf("failed to create VM: %w", err)
	}
	// Memory is closed after the VM (defers run in reverse).
	mem, err := reserveGuestMemory(sys.drv, cfg.Memory)
	if err != nil {
		vm.Close()
		return nil, fmt.Errorf("failed to reserve guest memory: %w", err)
	}
	defer mem.Close()
	defer vm.Close()

	if err := mem.WriteAll(cfg.Payload, cfg.Entry); err != nil {
		return nil, fmt.Errorf("failed to load payload: %w", err)
	}
	if err := vm.MapGuestMemory(mem); err != nil {
		return nil, fmt.Errorf("failed to map memory: %w", err)
	}

	vcpu, err := vm.NewVCPU(cfg.VCPU)
	if err != nil {
		return nil, fmt.Errorf("failed to create vCPU: %w", err)
	}
	defer vcpu.Close()

	if err := configureVCPU(vcpu, cfg); err != nil {
		return nil, err
	}

	var captured bytes.Buffer
	out := io.Writer(&captured)
	if cfg.Output != nil {
		out = io.MultiWriter(cfg.Output, &captured)
	}

	fmt.Fprintln(notice, "---run vm---")
	d := &Dispatcher{
		DebugPort:   cfg.DebugPort,
		Output:      out,
		Notice:      notice,
		StrictPorts: cfg.StrictPorts,
		Trace:       cfg.Trace,
	}
	res, err := d.Loop(vcpu)
	report := &Report{
		Result:  res,
		Regions: vm.Regions(),
		Output:  captured.Bytes(),
	}
	if err != nil {
		return report, err
	}

	report.Regs, err = vcpu.GetRegs()
	if err != nil {
		return report, fmt.Errorf("failed to get final state: %w", err)
	}
	return report, nil
}

// configureVCPU sets a flat real-mode code segment and the initial
// registers.
func configureVCPU(vcpu *VCPU, cfg Config) error {
	sregs, err := vcpu.GetSregs()
	if err != nil {
		return err
	}
	sregs.CS.Base = 0
	sregs.CS.Selector = 0
	if err := vcpu.SetSregs(sregs); err != nil {
		return fmt.Errorf("failed to set initial segments: %w", err)
	}

	regs, err := vcpu.GetRegs()
	if err != nil {
		return err
	}
	regs.Overlay(cfg.Regs)
	regs.RIP = cfg.Entry
	regs.RFlags |= FlagsReserved
	if err := vcpu.SetRegs(regs); err != nil {
		return fmt.Errorf("failed to set initial registers: %w", err)
	}
	return nil
}
