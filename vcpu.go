package kvm

import (
	"fmt"
	"sync"
	"time"
	"unsafe"
)

// VCPU represents a single vCPU associated with a VM.
type VCPU struct {
	vm    *VM
	drv   driver
	fd    int
	index int

	// run is the shared kvm_run area mapped from the vCPU fd.
	run []byte

	state  VCPUState
	closed bool
	mu     sync.Mutex // Serializes register access, Run and Close
}

// Index returns the vCPU id passed to NewVCPU.
func (c *VCPU) Index() int { return c.index }

// State returns the current lifecycle state.
func (c *VCPU) State() VCPUState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *VCPU) usable() error {
	if c.closed {
		return ErrClosed
	}
	return nil
}

// GetRegs reads the general-purpose registers.
func (c *VCPU) GetRegs() (Regs, error) {
	var regs Regs
	if c == nil {
		return regs, fmt.Errorf("kvm: VCPU is nil")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.usable(); err != nil {
		return regs, err
	}
	if _, err := c.drv.ioctl(c.fd, kvmGetRegs, unsafe.Pointer(&regs)); err != nil {
		recordResourceError()
		return regs, fmt.Errorf("failed to get registers: %w", err)
	}
	recordRegisterOp()
	return regs, nil
}

// SetRegs replaces the general-purpose registers.
func (c *VCPU) SetRegs(regs Regs) error {
	if c == nil {
		return fmt.Errorf("kvm: VCPU is nil")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.configurable(); err != nil {
		return err
	}
	if _, err := c.drv.ioctl(c.fd, kvmSetRegs, unsafe.Pointer(&regs)); err != nil {
		recordResourceError()
		return fmt.Errorf("failed to set registers: %w", err)
	}
	c.configured()
	recordRegisterOp()
	return nil
}

// GetSregs reads the special registers.
func (c *VCPU) GetSregs() (Sregs, error) {
	var sregs Sregs
	if c == nil {
		return sregs, fmt.Errorf("kvm: VCPU is nil")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.usable(); err != nil {
		return sregs, err
	}
	if _, err := c.drv.ioctl(c.fd, kvmGetSregs, unsafe.Pointer(&sregs)); err != nil {
		recordResourceError()
		return sregs, fmt.Errorf("failed to get special registers: %w", err)
	}
	recordRegisterOp()
	return sregs, nil
}

// SetSregs replaces the special registers.
func (c *VCPU) SetSregs(sregs Sregs) error {
	if c == nil {
		return fmt.Errorf("kvm: VCPU is nil")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.configurable(); err != nil {
		return err
	}
	if _, err := c.drv.ioctl(c.fd, kvmSetSregs, unsafe.Pointer(&sregs)); err != nil {
		recordResourceError()
		return fmt.Errorf("failed to set special registers: %w", err)
	}
	c.configured()
	recordRegisterOp()
	return nil
}

func (c *VCPU) configurable() error {
	if err := c.usable(); err != nil {
		return err
	}
	if c.state == VCPUHalted {
		return fmt.Errorf("kvm: vcpu %d is halted", c.index)
	}
	return nil
}

func (c *VCPU) configured() {
	if c.state == VCPUCreated {
		c.state = VCPUConfigured
	}
}

// Run resumes the guest until it exits. Host signal interruptions re-enter
// the guest; every other failure is returned as a resume error.
func (c *VCPU) Run() (ExitInfo, error) {
	start := time.Now()
	defer func() {
		recordRun(time.Since(start))
	}()

	var info ExitInfo
	if c == nil {
		return info, fmt.Errorf("kvm: VCPU is nil")
	}

	// Security: Lock to prevent use-after-free
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.usable(); err != nil {
		return info, err
	}
	switch c.state {
	case VCPUCreated:
		return info, newError(KindResumeFailed, "run", fmt.Sprintf("vcpu %d has not been configured", c.index), nil)
	case VCPUHalted:
		return info, newError(KindResumeFailed, "run", fmt.Sprintf("vcpu %d is halted", c.index), nil)
	}

	c.state = VCPURunning
	for {
		_, err := c.drv.ioctlValue(c.fd, kvmRunIoctl, 0)
		if err == nil {
			break
		}
		if c.drv.interrupted(err) {
			continue
		}
		c.state = VCPUExited
		recordResourceError()
		return info, newError(KindResumeFailed, "run", fmt.Sprintf("vcpu %d", c.index), err)
	}

	info, err := decodeExit(c.run)
	c.state = VCPUExited
	if err != nil {
		recordResourceError()
		return info, newError(KindResumeFailed, "decode exit", fmt.Sprintf("vcpu %d", c.index), err)
	}
	if info.IsHalt() {
		c.state = VCPUHalted
	}
	recordExit(info.Reason)
	return info, nil
}

// Close unmaps the run area and destroys the vCPU. Idempotent.
func (c *VCPU) Close() error {
	if c == nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	var firstErr error
	if c.run != nil {
		if err := c.drv.munmap(c.run); err != nil {
			firstErr = fmt.Errorf("failed to unmap run area: %w", err)
		}
		c.run = nil
	}
	if err := c.drv.close(c.fd); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("failed to destroy vCPU: %w", err)
	}

	c.vm.closeMu.Lock()
	delete(c.vm.vcpus, c.index)
	c.vm.closeMu.Unlock()

	recordVCPUDestroy()
	return firstErr
}
