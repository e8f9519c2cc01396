//go:build unix

package ipc

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// sun_path is a fixed-size array (108 bytes on Linux, 104 on Darwin);
// paths at or over the limit cannot be bound.
const socketPathLimit = len(unix.RawSockaddrUnix{}.Path)

func validatePairSocketPath(path string) error {
	if path == "" {
		return nil
	}
	limit := socketPathLimit - 1
	if len(path) > limit {
		return fmt.Errorf("pairing IPC socket path exceeds %d bytes: %s", limit, path)
	}
	return nil
}
