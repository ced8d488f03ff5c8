package kvm

import (
	"fmt"
	"io"
)

// DebugPort is the I/O port whose output bytes are forwarded to the host
// (COM1 data register).
const DebugPort uint16 = 0x3f8

// HaltNotice is printed when the guest halts.
const HaltNotice = "vm hlt"

// Runner resumes a guest and reports why it stopped. *VCPU implements it.
type Runner interface {
	Run() (ExitInfo, error)
}

// Dispatcher drives a Runner until the guest halts.
type Dispatcher struct {
	// DebugPort receives guest console output. Zero means DebugPort.
	DebugPort uint16
	// Output receives the bytes written to DebugPort.
	Output io.Writer
	// Notice receives the halt notice. Nil discards it.
	Notice io.Writer
	// StrictPorts turns writes to any other port into an UnexpectedExit
	// instead of dropping them.
	StrictPorts bool
	// Trace, if set, sees every exit before it is handled.
	Trace func(ExitInfo)
}

// DispatchResult summarizes a completed loop.
type DispatchResult struct {
	Exits   int `json:"exits"`
	IOOut   int `json:"io_out"`
	Bytes   int `json:"bytes"`
	Dropped int `json:"dropped"`
}

// Loop runs r until it halts. Every Run error and every exit other than
// halt or port output ends the loop with an error.
func (d *Dispatcher) Loop(r Runner) (DispatchResult, error) {
	var res DispatchResult

	port := d.DebugPort
	if port == 0 {
		port = DebugPort
	}
	out := d.Output
	if out == nil {
		out = io.Discard
	}

	for {
		exit, err := r.Run()
		if err != nil {
			return res, err
		}
		res.Exits++
		if d.Trace != nil {
			d.Trace(exit)
		}

		switch {
		case exit.IsHalt():
			if d.Notice != nil {
				fmt.Fprintln(d.Notice, HaltNotice)
			}
			return res, nil

		case exit.IsIOOut():
			res.IOOut++
			if exit.Port != port {
				if d.StrictPorts {
					return res, newError(KindUnexpectedExit, "dispatch", exit.String(), nil)
				}
				res.Dropped++
				continue
			}
			n, err := out.Write(exit.Data)
			res.Bytes += n
			if err != nil {
				return res, fmt.Errorf("failed to write guest output: %w", err)
			}

		default:
			return res, newError(KindUnexpectedExit, "dispatch", exit.String(), nil)
		}
	}
}
