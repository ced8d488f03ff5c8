//go:build !linux || !amd64

package kvm

import (
	"os"
	"unsafe"
)

// Supported returns false on platforms without KVM.
func Supported() (bool, error) {
	return false, ErrUnsupported
}

var hostDriver driver = unsupportedDriver{}

func hostPageSize() int {
	return os.Getpagesize()
}

// unsupportedDriver fails every host call.
type unsupportedDriver struct{}

func (unsupportedDriver) open(string) (int, error) {
	return -1, ErrUnsupported
}

func (unsupportedDriver) close(int) error {
	return ErrUnsupported
}

func (unsupportedDriver) ioctl(int, uintptr, unsafe.Pointer) (uintptr, error) {
	return 0, ErrUnsupported
}

func (unsupportedDriver) ioctlValue(int, uintptr, uintptr) (uintptr, error) {
	return 0, ErrUnsupported
}

func (unsupportedDriver) mmap(int, int) ([]byte, error) {
	return nil, ErrUnsupported
}

func (unsupportedDriver) mmapAnon(int) ([]byte, error) {
	return nil, ErrUnsupported
}

func (unsupportedDriver) munmap([]byte) error {
	return ErrUnsupported
}

func (unsupportedDriver) mapped(uintptr, uint64) bool {
	return false
}

func (unsupportedDriver) interrupted(error) bool {
	return false
}
