package kvm

import (
	"fmt"
	"unsafe"
)

// ExitReason is the KVM_EXIT_* code reported in the shared run area.
type ExitReason uint32

const (
	ExitUnknown ExitReason = iota
	ExitException
	ExitIO
	ExitHypercall
	ExitDebug
	ExitHlt
	ExitMmio
	ExitIrqWindowOpen
	ExitShutdown
	ExitFailEntry
	ExitIntr
	ExitSetTpr
	ExitTprAccess
	ExitS390Sieic
	ExitS390Reset
	ExitDcr
	ExitNmi
	ExitInternalError
	ExitOsi
	ExitPaprHcall
	ExitS390Ucontrol
	ExitWatchdog
	ExitS390Tsch
	ExitEpr
	ExitSystemEvent
)

var exitNames = [...]string{
	ExitUnknown:       "KVM_EXIT_UNKNOWN",
	ExitException:     "KVM_EXIT_EXCEPTION",
	ExitIO:            "KVM_EXIT_IO",
	ExitHypercall:     "KVM_EXIT_HYPERCALL",
	ExitDebug:         "KVM_EXIT_DEBUG",
	ExitHlt:           "KVM_EXIT_HLT",
	ExitMmio:          "KVM_EXIT_MMIO",
	ExitIrqWindowOpen: "KVM_EXIT_IRQ_WINDOW_OPEN",
	ExitShutdown:      "KVM_EXIT_SHUTDOWN",
	ExitFailEntry:     "KVM_EXIT_FAIL_ENTRY",
	ExitIntr:          "KVM_EXIT_INTR",
	ExitSetTpr:        "KVM_EXIT_SET_TPR",
	ExitTprAccess:     "KVM_EXIT_TPR_ACCESS",
	ExitS390Sieic:     "KVM_EXIT_S390_SIEIC",
	ExitS390Reset:     "KVM_EXIT_S390_RESET",
	ExitDcr:           "KVM_EXIT_DCR",
	ExitNmi:           "KVM_EXIT_NMI",
	ExitInternalError: "KVM_EXIT_INTERNAL_ERROR",
	ExitOsi:           "KVM_EXIT_OSI",
	ExitPaprHcall:     "KVM_EXIT_PAPR_HCALL",
	ExitS390Ucontrol:  "KVM_EXIT_S390_UCONTROL",
	ExitWatchdog:      "KVM_EXIT_WATCHDOG",
	ExitS390Tsch:      "KVM_EXIT_S390_TSCH",
	ExitEpr:           "KVM_EXIT_EPR",
	ExitSystemEvent:   "KVM_EXIT_SYSTEM_EVENT",
}

func (r ExitReason) String() string {
	if int(r) < len(exitNames) {
		return exitNames[r]
	}
	return fmt.Sprintf("ExitReason(%d)", uint32(r))
}

// IODirection is the direction of a port I/O exit.
type IODirection uint8

const (
	IODirectionIn  IODirection = 0
	IODirectionOut IODirection = 1
)

func (d IODirection) String() string {
	if d == IODirectionOut {
		return "out"
	}
	return "in"
}

// ExitInfo captures information about a recent vCPU exit.
type ExitInfo struct {
	Reason ExitReason `json:"reason"`

	// Port I/O (Reason == ExitIO).
	Direction IODirection `json:"direction,omitempty"`
	Port      uint16      `json:"port,omitempty"`
	Size      uint8       `json:"size,omitempty"`
	Count     uint32      `json:"count,omitempty"`
	Data      []byte      `json:"data,omitempty"`

	// Raw codes for ExitUnknown, ExitFailEntry and ExitInternalError.
	HardwareReason uint64 `json:"hardware_reason,omitempty"`
	Suberror       uint32 `json:"suberror,omitempty"`
}

// IsHalt reports whether the guest executed hlt.
func (e ExitInfo) IsHalt() bool { return e.Reason == ExitHlt }

// IsIOOut reports whether the guest wrote to an I/O port.
func (e ExitInfo) IsIOOut() bool {
	return e.Reason == ExitIO && e.Direction == IODirectionOut
}

func (e ExitInfo) String() string {
	switch e.Reason {
	case ExitIO:
		return fmt.Sprintf("%s %s port=0x%x size=%d count=%d data=% x", e.Reason, e.Direction, e.Port, e.Size, e.Count, e.Data)
	case ExitUnknown, ExitFailEntry:
		return fmt.Sprintf("%s hardware_reason=0x%x", e.Reason, e.HardwareReason)
	case ExitInternalError:
		return fmt.Sprintf("%s suberror=%d", e.Reason, e.Suberror)
	default:
		return e.Reason.String()
	}
}

// kvmRun has the layout of the C struct kvm_run.
type kvmRun struct {
	requestInterruptWindow     uint8
	immediateExit              uint8
	_                          [6]uint8
	exitReason                 uint32
	readyForInterruptInjection uint8
	ifFlag                     uint8
	flags                      uint16
	cr8                        uint64
	apicBase                   uint64

	// exitData is a union of anonymous structs in the C struct.
	exitData [256]byte

	kvmValidRegs uint64
	kvmDirtyRegs uint64
	_            [2048]byte
}

// ioExitData has the layout of the "io" member of the kvm_run exit union.
type ioExitData struct {
	direction  uint8
	size       uint8
	port       uint16
	count      uint32
	dataOffset uint64
}

// failEntryData has the layout of the "fail_entry" member.
type failEntryData struct {
	hardwareEntryFailureReason uint64
	cpu                        uint32
}

// internalErrorData has the layout of the "internal" member.
type internalErrorData struct {
	suberror uint32
	ndata    uint32
	data     [16]uint64
}

// decodeExit reads the exit described by the shared run area. I/O data is
// copied out so the result stays valid across the next KVM_RUN.
func decodeExit(run []byte) (ExitInfo, error) {
	if len(run) < int(unsafe.Sizeof(kvmRun{})) {
		return ExitInfo{}, fmt.Errorf("run area too small: %d bytes", len(run))
	}
	kr := (*kvmRun)(unsafe.Pointer(&run[0]))
	info := ExitInfo{Reason: ExitReason(kr.exitReason)}

	switch info.Reason {
	case ExitIO:
		io := (*ioExitData)(unsafe.Pointer(&kr.exitData[0]))
		info.Direction = IODirection(io.direction)
		info.Port = io.port
		info.Size = io.size
		info.Count = io.count
		n := uint64(io.size) * uint64(io.count)
		if io.dataOffset > uint64(len(run)) || n > uint64(len(run))-io.dataOffset {
			return info, fmt.Errorf("io data [0x%x, +%d) outside run area of %d bytes", io.dataOffset, n, len(run))
		}
		info.Data = make([]byte, n)
		copy(info.Data, run[io.dataOffset:io.dataOffset+n])
	case ExitUnknown:
		info.HardwareReason = *(*uint64)(unsafe.Pointer(&kr.exitData[0]))
	case ExitFailEntry:
		info.HardwareReason = (*failEntryData)(unsafe.Pointer(&kr.exitData[0])).hardwareEntryFailureReason
	case ExitInternalError:
		info.Suberror = (*internalErrorData)(unsafe.Pointer(&kr.exitData[0])).suberror
	}
	return info, nil
}
