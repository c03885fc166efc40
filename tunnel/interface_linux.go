//go:build linux

package tunnel

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/vishvananda/netlink"
	"golang.zx2c4.com/wireguard/tun"
)

// the kernel picks the first free index, so a replacement interface can be
// created while the previous one is still being torn down
const defaultInterfaceName = "norootfw%d"

func createTUN(cfg Config) (tun.Device, error) {
	if cfg.FileDescriptor >= 0 {
		return createTUNFromFD(cfg.FileDescriptor, cfg.MTU)
	}
	return tun.CreateTUN(cfg.InterfaceName, cfg.MTU)
}

func configureInterface(interfaceName string, addr netip.Prefix) error {
	link, err := netlink.LinkByName(interfaceName)
	if err != nil {
		return fmt.Errorf("failed to get interface %s: %v", interfaceName, err)
	}

	a := &netlink.Addr{
		IPNet: &net.IPNet{
			IP:   addr.Addr().AsSlice(),
			Mask: net.CIDRMask(addr.Bits(), 32),
		},
	}
	if err := netlink.AddrAdd(link, a); err != nil {
		return fmt.Errorf("failed to add IP address: %v", err)
	}

	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("failed to bring up interface: %v", err)
	}

	return nil
}

// addRoutes installs link-scoped routes. They are removed by the kernel
// together with the interface, so there is nothing to clean up.
func addRoutes(interfaceName string, routes []netip.Prefix) (func() error, error) {
	if len(routes) == 0 {
		return nil, nil
	}

	link, err := netlink.LinkByName(interfaceName)
	if err != nil {
		return nil, fmt.Errorf("failed to get interface %s: %v", interfaceName, err)
	}

	for _, r := range routes {
		route := &netlink.Route{
			LinkIndex: link.Attrs().Index,
			Scope:     netlink.SCOPE_LINK,
			Dst: &net.IPNet{
				IP:   r.Addr().AsSlice(),
				Mask: net.CIDRMask(r.Bits(), 32),
			},
		}
		if err := netlink.RouteAdd(route); err != nil {
			return nil, fmt.Errorf("failed to add route %s: %v", r, err)
		}
	}

	return nil, nil
}

func hostNet(p netip.Prefix) *net.IPNet {
	return &net.IPNet{IP: p.Addr().AsSlice(), Mask: net.CIDRMask(p.Bits(), 32)}
}

// addExcludeRoute pins the host to the route it uses before capture starts.
func addExcludeRoute(p netip.Prefix) error {
	via, err := netlink.RouteGet(p.Addr().AsSlice())
	if err != nil {
		return fmt.Errorf("failed to look up route to %s: %v", p.Addr(), err)
	}
	if len(via) == 0 {
		return fmt.Errorf("no route to %s", p.Addr())
	}

	route := &netlink.Route{
		LinkIndex: via[0].LinkIndex,
		Gw:        via[0].Gw,
		Dst:       hostNet(p),
	}
	if route.Gw == nil {
		route.Scope = netlink.SCOPE_LINK
	}
	if err := netlink.RouteAdd(route); err != nil {
		return fmt.Errorf("failed to add route %s: %v", p, err)
	}
	return nil
}

func delExcludeRoute(p netip.Prefix) error {
	if err := netlink.RouteDel(&netlink.Route{Dst: hostNet(p)}); err != nil {
		return fmt.Errorf("failed to delete route %s: %v", p, err)
	}
	return nil
}
