package kvm

// FlagsReserved is RFLAGS bit 1, which must always be set.
const FlagsReserved = 1 << 1

const nrInterrupts = 256

// Regs holds a VCPU's general-purpose registers.
// It has the same layout as the C struct kvm_regs.
type Regs struct {
	RAX    uint64 `json:"rax"`
	RBX    uint64 `json:"rbx"`
	RCX    uint64 `json:"rcx"`
	RDX    uint64 `json:"rdx"`
	RSI    uint64 `json:"rsi"`
	RDI    uint64 `json:"rdi"`
	RSP    uint64 `json:"rsp"`
	RBP    uint64 `json:"rbp"`
	R8     uint64 `json:"r8"`
	R9     uint64 `json:"r9"`
	R10    uint64 `json:"r10"`
	R11    uint64 `json:"r11"`
	R12    uint64 `json:"r12"`
	R13    uint64 `json:"r13"`
	R14    uint64 `json:"r14"`
	R15    uint64 `json:"r15"`
	RIP    uint64 `json:"rip"`
	RFlags uint64 `json:"rflags"`
}

// Overlay copies every non-zero register of src into r.
func (r *Regs) Overlay(src Regs) {
	dst := []*uint64{
		&r.RAX, &r.RBX, &r.RCX, &r.RDX, &r.RSI, &r.RDI, &r.RSP, &r.RBP,
		&r.R8, &r.R9, &r.R10, &r.R11, &r.R12, &r.R13, &r.R14, &r.R15,
		&r.RIP, &r.RFlags,
	}
	vals := []uint64{
		src.RAX, src.RBX, src.RCX, src.RDX, src.RSI, src.RDI, src.RSP, src.RBP,
		src.R8, src.R9, src.R10, src.R11, src.R12, src.R13, src.R14, src.R15,
		src.RIP, src.RFlags,
	}
	for i, v := range vals {
		if v != 0 { // Only set non-zero values
			*dst[i] = v
		}
	}
}

// Sregs holds a VCPU's special registers.
// It has the same layout as the C struct kvm_sregs.
type Sregs struct {
	CS, DS, ES, FS, GS, SS  Segment
	TR, LDT                 Segment
	GDT, IDT                Dtable
	CR0, CR2, CR3, CR4, CR8 uint64
	EFER                    uint64
	APICBase                uint64
	InterruptBitmap         [(nrInterrupts + 63) / 64]uint64
}

// Segment has the same layout as the C struct kvm_segment.
type Segment struct {
	Base                           uint64
	Limit                          uint32
	Selector                       uint16
	Type                           uint8
	Present, DPL, DB, S, L, G, AVL uint8
	Unusable                       uint8
	_                              uint8
}

// Dtable has the same layout as the C struct kvm_dtable.
type Dtable struct {
	Base  uint64
	Limit uint16
	_     [3]uint16
}

// VCPUState is the lifecycle state of a VCPU.
type VCPUState int

const (
	VCPUCreated VCPUState = iota
	VCPUConfigured
	VCPURunning
	VCPUExited
	VCPUHalted
)

func (s VCPUState) String() string {
	switch s {
	case VCPUCreated:
		return "created"
	case VCPUConfigured:
		return "configured"
	case VCPURunning:
		return "running"
	case VCPUExited:
		return "exited"
	case VCPUHalted:
		return "halted"
	default:
		return "unknown"
	}
}
