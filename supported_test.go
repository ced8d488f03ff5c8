//go:build linux && amd64

package kvm

import (
	"errors"
	"testing"
)

func TestSupported(t *testing.T) {
	if isCI() {
		t.Skip("Skipping KVM tests in CI environment")
	}

	supported, err := Supported()
	if err != nil {
		t.Fatalf("Supported() returned error: %v", err)
	}
	t.Logf("KVM support: %v", supported)
	if !supported {
		t.Skip("KVM not available on this system - skipping remaining tests")
	}

	sys, err := Open()
	if err != nil {
		t.Fatalf("Supported() reported true but Open failed: %v", err)
	}
	defer sys.Close()

	if sys.APIVersion() != APIVersion {
		t.Errorf("APIVersion() = %d, want %d", sys.APIVersion(), APIVersion)
	}
	if sys.MaxVCPUs() < 1 {
		t.Errorf("MaxVCPUs() = %d", sys.MaxVCPUs())
	}
	if sys.CheckExtension(CapUserMemory) == 0 {
		t.Error("KVM_CAP_USER_MEMORY missing")
	}
}

func TestOpenDeviceMissing(t *testing.T) {
	_, err := OpenDevice("/dev/kvm-does-not-exist")
	if !errors.Is(err, ErrFacilityUnavailable) {
		t.Errorf("err = %v, want ErrFacilityUnavailable", err)
	}
}
