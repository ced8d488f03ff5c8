package kvm

import (
	"sync/atomic"
	"time"
)

// Performance metrics for monitoring KVM operations
var (
	// Operation counters
	systemOpens         uint64
	vmCreateCount       uint64
	vmDestroyCount      uint64
	vcpuCreateCount     uint64
	vcpuDestroyCount    uint64
	regionRegistrations uint64
	registerOps         uint64
	runOperations       uint64

	// Exit counters
	ioExits    uint64
	haltExits  uint64
	otherExits uint64

	// Timing metrics (nanoseconds)
	totalVMCreateTime uint64
	totalRunTime      uint64

	// Error counters
	validationErrors uint64
	resourceErrors   uint64
)

// Metrics provides access to performance metrics
type Metrics struct {
	SystemOpens         uint64 `json:"system_opens"`
	VMCreated           uint64 `json:"vm_created"`
	VMDestroyed         uint64 `json:"vm_destroyed"`
	VCPUCreated         uint64 `json:"vcpu_created"`
	VCPUDestroyed       uint64 `json:"vcpu_destroyed"`
	RegionRegistrations uint64 `json:"region_registrations"`
	RegisterOps         uint64 `json:"register_operations"`
	RunOperations       uint64 `json:"run_operations"`
	IOExits             uint64 `json:"io_exits"`
	HaltExits           uint64 `json:"halt_exits"`
	OtherExits          uint64 `json:"other_exits"`
	AvgVMCreateTimeNs   uint64 `json:"avg_vm_create_time_ns"`
	AvgRunTimeNs        uint64 `json:"avg_run_time_ns"`
	ValidationErrors    uint64 `json:"validation_errors"`
	ResourceErrors      uint64 `json:"resource_errors"`
}

// GetMetrics returns current performance metrics
func GetMetrics() Metrics {
	vmCreated := atomic.LoadUint64(&vmCreateCount)
	runOps := atomic.LoadUint64(&runOperations)

	var avgVMCreate, avgRun uint64
	if vmCreated > 0 {
		avgVMCreate = atomic.LoadUint64(&totalVMCreateTime) / vmCreated
	}
	if runOps > 0 {
		avgRun = atomic.LoadUint64(&totalRunTime) / runOps
	}

	return Metrics{
		SystemOpens:         atomic.LoadUint64(&systemOpens),
		VMCreated:           vmCreated,
		VMDestroyed:         atomic.LoadUint64(&vmDestroyCount),
		VCPUCreated:         atomic.LoadUint64(&vcpuCreateCount),
		VCPUDestroyed:       atomic.LoadUint64(&vcpuDestroyCount),
		RegionRegistrations: atomic.LoadUint64(&regionRegistrations),
		RegisterOps:         atomic.LoadUint64(&registerOps),
		RunOperations:       runOps,
		IOExits:             atomic.LoadUint64(&ioExits),
		HaltExits:           atomic.LoadUint64(&haltExits),
		OtherExits:          atomic.LoadUint64(&otherExits),
		AvgVMCreateTimeNs:   avgVMCreate,
		AvgRunTimeNs:        avgRun,
		ValidationErrors:    atomic.LoadUint64(&validationErrors),
		ResourceErrors:      atomic.LoadUint64(&resourceErrors),
	}
}

// ResetMetrics clears all performance metrics
func ResetMetrics() {
	for _, p := range []*uint64{
		&systemOpens, &vmCreateCount, &vmDestroyCount, &vcpuCreateCount,
		&vcpuDestroyCount, &regionRegistrations, &registerOps, &runOperations,
		&ioExits, &haltExits, &otherExits, &totalVMCreateTime, &totalRunTime,
		&validationErrors, &resourceErrors,
	} {
		atomic.StoreUint64(p, 0)
	}
}

// Internal metric recording functions
func recordSystemOpen() {
	atomic.AddUint64(&systemOpens, 1)
}

func recordVMCreate(duration time.Duration) {
	atomic.AddUint64(&vmCreateCount, 1)
	atomic.AddUint64(&totalVMCreateTime, uint64(duration.Nanoseconds()))
}

func recordVMDestroy() {
	atomic.AddUint64(&vmDestroyCount, 1)
}

func recordVCPUCreate() {
	atomic.AddUint64(&vcpuCreateCount, 1)
}

func recordVCPUDestroy() {
	atomic.AddUint64(&vcpuDestroyCount, 1)
}

func recordRegionRegistration() {
	atomic.AddUint64(&regionRegistrations, 1)
}

func recordRegisterOp() {
	atomic.AddUint64(&registerOps, 1)
}

func recordRun(duration time.Duration) {
	atomic.AddUint64(&runOperations, 1)
	atomic.AddUint64(&totalRunTime, uint64(duration.Nanoseconds()))
}

func recordExit(reason ExitReason) {
	switch reason {
	case ExitIO:
		atomic.AddUint64(&ioExits, 1)
	case ExitHlt:
		atomic.AddUint64(&haltExits, 1)
	default:
		atomic.AddUint64(&otherExits, 1)
	}
}

func recordValidationError() {
	atomic.AddUint64(&validationErrors, 1)
}

func recordResourceError() {
	atomic.AddUint64(&resourceErrors, 1)
}
