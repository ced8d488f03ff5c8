//go:build linux && amd64

package kvm

import (
	"errors"
	"unsafe"

	"golang.org/x/sys/unix"
)

var hostDriver driver = unixDriver{}

func hostPageSize() int {
	return unix.Getpagesize()
}

type unixDriver struct{}

func (unixDriver) open(path string) (int, error) {
	return unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
}

func (unixDriver) close(fd int) error {
	return unix.Close(fd)
}

func (unixDriver) ioctl(fd int, req uintptr, arg unsafe.Pointer) (uintptr, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return 0, errno
	}
	return r, nil
}

func (unixDriver) ioctlValue(fd int, req uintptr, val uintptr) (uintptr, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, val)
	if errno != 0 {
		return 0, errno
	}
	return r, nil
}

func (unixDriver) mmap(fd int, length int) ([]byte, error) {
	return unix.Mmap(fd, 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
}

func (unixDriver) mmapAnon(length int) ([]byte, error) {
	return unix.Mmap(-1, 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE|unix.MAP_NORESERVE)
}

func (unixDriver) munmap(b []byte) error {
	return unix.Munmap(b)
}

// mapped asks mincore about every page; it fails with ENOMEM on a hole.
func (unixDriver) mapped(addr uintptr, length uint64) bool {
	if length == 0 || !isPageAligned(uint64(addr)) {
		return false
	}
	pages := (length + uint64(pageSize()) - 1) / uint64(pageSize())
	vec := make([]byte, pages)
	_, _, errno := unix.Syscall(unix.SYS_MINCORE, addr, uintptr(length), uintptr(unsafe.Pointer(&vec[0])))
	return errno == 0
}

func (unixDriver) interrupted(err error) bool {
	return errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN)
}
