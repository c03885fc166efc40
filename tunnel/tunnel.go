// Package tunnel acquires and configures the virtual interface that a
// capture session reads from.
package tunnel

import (
	"fmt"
	"net"
	"net/netip"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/norootfw/norootfw/capture"
	"github.com/norootfw/norootfw/device"
	"github.com/norootfw/norootfw/logger"
)

const (
	DefaultSession = "norootfw"
	DefaultAddress = "10.0.2.1/24"
	DefaultMTU     = 1500

	minMTU = 576
)

// DefaultRoutes together cover the whole IPv4 space while staying more
// specific than a default route.
var DefaultRoutes = []string{"0.0.0.0/1", "128.0.0.0/1"}

// Config describes the interface to establish.
type Config struct {
	Session       string
	Address       netip.Prefix
	Routes        []netip.Prefix
	MTU           int
	InterfaceName string

	// Exclude lists hosts, such as the decision engine, whose traffic
	// keeps its current route instead of entering the tunnel.
	Exclude []netip.Addr

	// FileDescriptor is an already configured tunnel fd handed over by the
	// platform, or -1 to create and configure an interface here.
	FileDescriptor int
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() Config {
	routes, _ := ParseRoutes(DefaultRoutes)
	return Config{
		Session:        DefaultSession,
		Address:        netip.MustParsePrefix(DefaultAddress),
		Routes:         routes,
		MTU:            DefaultMTU,
		InterfaceName:  defaultInterfaceName,
		FileDescriptor: -1,
	}
}

// ParseAddress parses the interface address in CIDR form. The host bits
// are kept: 10.0.2.1/24 assigns 10.0.2.1 to the interface.
func ParseAddress(s string) (netip.Prefix, error) {
	p, err := netip.ParsePrefix(strings.TrimSpace(s))
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid address %q: %w", s, err)
	}
	if !p.Addr().Is4() {
		return netip.Prefix{}, fmt.Errorf("invalid address %q: only IPv4 is captured", s)
	}
	return p, nil
}

// ParseRoutes parses route prefixes, masking off host bits.
func ParseRoutes(routes []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(routes))
	for _, r := range routes {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		p, err := netip.ParsePrefix(r)
		if err != nil {
			return nil, fmt.Errorf("invalid route %q: %w", r, err)
		}
		if !p.Addr().Is4() {
			return nil, fmt.Errorf("invalid route %q: only IPv4 is captured", r)
		}
		out = append(out, p.Masked())
	}
	return out, nil
}

// Validate reports the first problem that would make Establish fail
// before touching the system.
func (c Config) Validate() error {
	if c.FileDescriptor >= 0 {
		// the platform already configured the handed-over interface
		return nil
	}
	if !c.Address.IsValid() || !c.Address.Addr().Is4() {
		return fmt.Errorf("tunnel address must be an IPv4 prefix, got %v", c.Address)
	}
	if c.MTU < minMTU || c.MTU > 65535 {
		return fmt.Errorf("tunnel MTU %d out of range [%d, 65535]", c.MTU, minMTU)
	}
	for _, r := range c.Routes {
		if !r.IsValid() || !r.Addr().Is4() {
			return fmt.Errorf("tunnel route must be an IPv4 prefix, got %v", r)
		}
	}
	return nil
}

// iface is an established interface plus whatever has to be undone after
// the device is closed.
type iface struct {
	*device.Streams
	name    string
	cleanup func() error
}

func (i *iface) Close() error {
	err := i.Streams.Close()
	if i.cleanup != nil {
		if cerr := i.cleanup(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// Establish creates the interface, assigns its address, brings it up and
// installs the routes. With a handed-over fd only the device is wrapped.
func Establish(cfg Config) (capture.Interface, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	tdev, err := createTUN(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create TUN device: %w", err)
	}

	name := cfg.InterfaceName
	if realName, err := tdev.Name(); err == nil {
		name = realName
	}

	i := &iface{name: name}
	if cfg.FileDescriptor < 0 {
		if err := configureInterface(name, cfg.Address); err != nil {
			tdev.Close()
			return nil, fmt.Errorf("failed to configure interface %s: %w", name, err)
		}
		// host routes go in first, while the lookup still sees the
		// system's own route to each host
		release, err := excluded.acquire(exclusionRoutes(cfg.Routes, cfg.Exclude))
		if err != nil {
			tdev.Close()
			return nil, err
		}
		removeRoutes, err := addRoutes(name, cfg.Routes)
		if err != nil {
			tdev.Close()
			release()
			return nil, fmt.Errorf("failed to add routes on %s: %w", name, err)
		}
		i.cleanup = func() error {
			var err error
			if removeRoutes != nil {
				err = removeRoutes()
			}
			if rerr := release(); rerr != nil && err == nil {
				err = rerr
			}
			return err
		}
	}

	logger.Info("tunnel: session %s established on %s (%s, mtu %d, %d routes)",
		cfg.Session, name, cfg.Address, cfg.MTU, len(cfg.Routes))

	i.Streams = device.NewStreams(tdev)
	return i, nil
}

// Establisher binds cfg for use as a capture.EstablishFunc.
func Establisher(cfg Config) capture.EstablishFunc {
	return func() (capture.Interface, error) {
		return Establish(cfg)
	}
}

// maskString renders the prefix mask in dotted decimal (e.g. 255.255.255.0).
func maskString(p netip.Prefix) string {
	return net.IP(net.CIDRMask(p.Bits(), 32)).String()
}

func runCommand(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	logger.Info("Running command: %v", cmd)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s command failed: %v, output: %s", name, err, out)
	}
	return nil
}

// findUnused returns the first name of the form prefixN not in use.
func findUnused(prefix string, inUse []string) (string, error) {
	used := make(map[int]bool)
	re := regexp.MustCompile(`^` + regexp.QuoteMeta(prefix) + `(\d+)$`)
	for _, name := range inUse {
		if matches := re.FindStringSubmatch(name); len(matches) == 2 {
			if num, err := strconv.Atoi(matches[1]); err == nil {
				used[num] = true
			}
		}
	}
	for i := 0; i < 256; i++ {
		if !used[i] {
			return fmt.Sprintf("%s%d", prefix, i), nil
		}
	}
	return "", fmt.Errorf("no unused %s interface found", prefix)
}

func interfaceNames() ([]string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("failed to list interfaces: %v", err)
	}
	names := make([]string, 0, len(ifaces))
	for _, i := range ifaces {
		names = append(names, i.Name)
	}
	return names, nil
}
