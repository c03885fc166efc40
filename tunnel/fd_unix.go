//go:build linux || darwin

package tunnel

import (
	"os"

	"golang.org/x/sys/unix"
	"golang.zx2c4.com/wireguard/tun"

	"github.com/norootfw/norootfw/logger"
)

// createTUNFromFD wraps a duplicate of fd, leaving the caller's copy open.
func createTUNFromFD(fd int, mtu int) (tun.Device, error) {
	dupTunFd, err := unix.Dup(fd)
	if err != nil {
		logger.Error("Unable to dup tun fd: %v", err)
		return nil, err
	}

	err = unix.SetNonblock(dupTunFd, true)
	if err != nil {
		unix.Close(dupTunFd)
		return nil, err
	}

	file := os.NewFile(uintptr(dupTunFd), "/dev/tun")
	device, err := tun.CreateTUNFromFile(file, mtu)
	if err != nil {
		file.Close()
		return nil, err
	}

	return device, nil
}
