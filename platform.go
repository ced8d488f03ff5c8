//go:build linux && amd64

package kvm

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// Supported returns true if /dev/kvm exists and is accessible.
func Supported() (bool, error) {
	if _, err := os.Stat(DevicePath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if err := unix.Access(DevicePath, unix.R_OK|unix.W_OK); err != nil {
		return false, nil
	}
	return true, nil
}
