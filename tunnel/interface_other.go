//go:build !linux && !darwin && !windows

package tunnel

import (
	"fmt"
	"net/netip"
	"runtime"

	"golang.zx2c4.com/wireguard/tun"
)

const defaultInterfaceName = "tun"

func createTUN(cfg Config) (tun.Device, error) {
	return nil, fmt.Errorf("unsupported operating system: %s", runtime.GOOS)
}

func configureInterface(string, netip.Prefix) error {
	return fmt.Errorf("unsupported operating system: %s", runtime.GOOS)
}

func addRoutes(string, []netip.Prefix) (func() error, error) {
	return nil, fmt.Errorf("unsupported operating system: %s", runtime.GOOS)
}

func addExcludeRoute(netip.Prefix) error {
	return fmt.Errorf("unsupported operating system: %s", runtime.GOOS)
}

func delExcludeRoute(netip.Prefix) error {
	return fmt.Errorf("unsupported operating system: %s", runtime.GOOS)
}
