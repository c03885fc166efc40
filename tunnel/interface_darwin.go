//go:build darwin

package tunnel

import (
	"fmt"
	"net/netip"
	"os/exec"

	"golang.zx2c4.com/wireguard/tun"

	"github.com/norootfw/norootfw/logger"
)

// utun names are assigned by the system; an explicit name must be utunN.
const defaultInterfaceName = "utun"

func createTUN(cfg Config) (tun.Device, error) {
	if cfg.FileDescriptor >= 0 {
		return createTUNFromFD(cfg.FileDescriptor, cfg.MTU)
	}

	name := cfg.InterfaceName
	if name == "" || name == defaultInterfaceName {
		names, err := interfaceNames()
		if err != nil {
			return nil, err
		}
		if name, err = findUnused("utun", names); err != nil {
			return nil, err
		}
	}
	return tun.CreateTUN(name, cfg.MTU)
}

func configureInterface(interfaceName string, addr netip.Prefix) error {
	logger.Info("Configuring darwin interface: %s", interfaceName)

	ip := addr.Addr().String()
	if err := runCommand("ifconfig", interfaceName, "inet", addr.String(), ip, "alias"); err != nil {
		return err
	}

	return runCommand("ifconfig", interfaceName, "up")
}

func addRoutes(interfaceName string, routes []netip.Prefix) (func() error, error) {
	var added []netip.Prefix
	remove := func() error {
		var firstErr error
		for _, r := range added {
			if err := runCommand("route", "-q", "-n", "delete", "-inet", r.String()); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}

	for _, r := range routes {
		if err := runCommand("route", "-q", "-n", "add", "-inet", r.String(), "-interface", interfaceName); err != nil {
			remove()
			return nil, fmt.Errorf("failed to add route %s: %w", r, err)
		}
		added = append(added, r)
	}

	return remove, nil
}

// addExcludeRoute pins the host to the gateway it uses before capture
// starts.
func addExcludeRoute(p netip.Prefix) error {
	out, err := exec.Command("route", "-n", "get", p.Addr().String()).CombinedOutput()
	if err != nil {
		return fmt.Errorf("route get command failed: %v, output: %s", err, out)
	}

	gateway, iface := parseRouteGet(string(out))
	switch {
	case gateway != "":
		return runCommand("route", "-q", "-n", "add", "-inet", p.String(), "-gateway", gateway)
	case iface != "":
		return runCommand("route", "-q", "-n", "add", "-inet", p.String(), "-interface", iface)
	default:
		return fmt.Errorf("no route to %s", p.Addr())
	}
}

func delExcludeRoute(p netip.Prefix) error {
	return runCommand("route", "-q", "-n", "delete", "-inet", p.String())
}
