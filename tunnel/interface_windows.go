//go:build windows

package tunnel

import (
	"fmt"
	"net"
	"net/netip"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"golang.zx2c4.com/wireguard/tun"

	"github.com/norootfw/norootfw/logger"
)

const defaultInterfaceName = "norootfw"

func createTUN(cfg Config) (tun.Device, error) {
	if cfg.FileDescriptor >= 0 {
		return nil, fmt.Errorf("tunnel fd hand-off is not supported on windows")
	}
	return tun.CreateTUN(cfg.InterfaceName, cfg.MTU)
}

func configureInterface(interfaceName string, addr netip.Prefix) error {
	logger.Info("Configuring Windows interface: %s", interfaceName)

	if err := runCommand("netsh", "interface", "ipv4", "set", "address",
		fmt.Sprintf("name=%s", interfaceName),
		"source=static",
		fmt.Sprintf("addr=%s", addr.Addr()),
		fmt.Sprintf("mask=%s", maskString(addr))); err != nil {
		return err
	}

	// setting the address usually brings the interface up, but not always
	if err := runCommand("netsh", "interface", "set", "interface", interfaceName, "admin=enable"); err != nil {
		return err
	}

	if err := waitForInterfaceUp(interfaceName, addr.Addr(), 30*time.Second); err != nil {
		return fmt.Errorf("interface did not come up within timeout: %v", err)
	}

	return nil
}

// waitForInterfaceUp polls the network interface until it's up or times out
func waitForInterfaceUp(interfaceName string, expected netip.Addr, timeout time.Duration) error {
	logger.Info("Waiting for interface %s to be up with IP %s", interfaceName, expected)
	deadline := time.Now().Add(timeout)
	pollInterval := 500 * time.Millisecond

	for time.Now().Before(deadline) {
		iface, err := net.InterfaceByName(interfaceName)
		if err == nil && iface.Flags&net.FlagUp != 0 {
			if addrs, err := iface.Addrs(); err == nil {
				for _, a := range addrs {
					ipNet, ok := a.(*net.IPNet)
					if !ok {
						continue
					}
					if got, ok := netip.AddrFromSlice(ipNet.IP); ok && got.Unmap() == expected {
						logger.Info("Interface %s is up with correct IP", interfaceName)
						return nil
					}
				}
			}
			logger.Debug("Interface %s is up but doesn't have expected IP yet", interfaceName)
		} else {
			logger.Debug("Interface %s not ready yet", interfaceName)
		}

		time.Sleep(pollInterval)
	}

	return fmt.Errorf("timed out waiting for interface %s to be up with IP %s", interfaceName, expected)
}

func interfaceIndex(interfaceName string) (int, error) {
	output, err := exec.Command("netsh", "interface", "ipv4", "show", "interfaces").CombinedOutput()
	if err != nil {
		return 0, fmt.Errorf("failed to get interface index: %v, output: %s", err, output)
	}

	for _, line := range strings.Split(string(output), "\n") {
		if !strings.Contains(line, interfaceName) {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		idx, err := strconv.Atoi(fields[0])
		if err != nil {
			return 0, fmt.Errorf("invalid interface index: %v", err)
		}
		return idx, nil
	}

	return 0, fmt.Errorf("could not find index for interface %s", interfaceName)
}

func addRoutes(interfaceName string, routes []netip.Prefix) (func() error, error) {
	if len(routes) == 0 {
		return nil, nil
	}

	idx, err := interfaceIndex(interfaceName)
	if err != nil {
		return nil, err
	}

	var added []netip.Prefix
	remove := func() error {
		var firstErr error
		for _, r := range added {
			err := runCommand("route", "delete", r.Addr().String(), "mask", maskString(r))
			if err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}

	for _, r := range routes {
		err := runCommand("route", "add", r.Addr().String(),
			"mask", maskString(r),
			"0.0.0.0",
			"if", strconv.Itoa(idx),
			"metric", "1")
		if err != nil {
			remove()
			return nil, fmt.Errorf("failed to add route %s: %w", r, err)
		}
		added = append(added, r)
	}

	return remove, nil
}

// addExcludeRoute sends the host through the default gateway instead of
// the capture routes.
func addExcludeRoute(p netip.Prefix) error {
	out, err := exec.Command("route", "print", "-4", "0.0.0.0").CombinedOutput()
	if err != nil {
		return fmt.Errorf("route print command failed: %v, output: %s", err, out)
	}
	gateway, err := parseDefaultGateway(string(out))
	if err != nil {
		return err
	}
	return runCommand("route", "add", p.Addr().String(), "mask", maskString(p), gateway, "metric", "1")
}

func delExcludeRoute(p netip.Prefix) error {
	return runCommand("route", "delete", p.Addr().String(), "mask", maskString(p))
}
