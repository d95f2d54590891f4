//go:build linux || darwin || freebsd

package tags

import (
	"golang.org/x/sys/unix"
)

// unameMachine returns the kernel's machine name (x86_64, aarch64, ...)
func unameMachine() string {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return ""
	}

	return unix.ByteSliceToString(uts.Machine[:])
}
