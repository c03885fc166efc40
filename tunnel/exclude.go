package tunnel

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/norootfw/norootfw/logger"
)

// ResolveEndpoint returns the IPv4 addresses of the host in endpoint, a
// URL such as wss://engine.example.com/ws.
func ResolveEndpoint(ctx context.Context, endpoint string) ([]netip.Addr, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to parse endpoint: %w", err)
	}
	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("endpoint %q has no host", endpoint)
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{addr.Unmap()}, nil
	}

	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip4", host)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", host, err)
	}
	for i := range addrs {
		addrs[i] = addrs[i].Unmap()
	}
	return addrs, nil
}

// exclusionRoutes returns a host route for every IPv4 address in hosts that
// one of routes would send into the tunnel.
func exclusionRoutes(routes []netip.Prefix, hosts []netip.Addr) []netip.Prefix {
	var out []netip.Prefix
	seen := make(map[netip.Addr]bool)
	for _, h := range hosts {
		h = h.Unmap()
		if !h.Is4() || h.IsLoopback() || seen[h] {
			continue
		}
		for _, r := range routes {
			if r.Contains(h) {
				seen[h] = true
				out = append(out, netip.PrefixFrom(h, 32))
				break
			}
		}
	}
	return out
}

// hostRoutes reference-counts exclusion routes so that overlapping sessions
// share one system route per host.
type hostRoutes struct {
	mu   sync.Mutex
	refs map[netip.Prefix]int
	add  func(netip.Prefix) error
	del  func(netip.Prefix) error
}

var excluded = &hostRoutes{
	refs: make(map[netip.Prefix]int),
	add:  addExcludeRoute,
	del:  delExcludeRoute,
}

// acquire installs the routes not yet held by another session. The
// returned release drops this session's references.
func (h *hostRoutes) acquire(routes []netip.Prefix) (func() error, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var held []netip.Prefix
	for _, r := range routes {
		if h.refs[r] == 0 {
			if err := h.add(r); err != nil {
				h.releaseLocked(held)
				return nil, fmt.Errorf("failed to exclude %s: %w", r, err)
			}
			logger.Info("tunnel: %s excluded from capture", r)
		}
		h.refs[r]++
		held = append(held, r)
	}

	var once sync.Once
	return func() (err error) {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			err = h.releaseLocked(held)
		})
		return err
	}, nil
}

func (h *hostRoutes) releaseLocked(held []netip.Prefix) error {
	var firstErr error
	for _, r := range held {
		h.refs[r]--
		if h.refs[r] > 0 {
			continue
		}
		delete(h.refs, r)
		if err := h.del(r); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// parseRouteGet reads the gateway and interface from darwin's
// `route -n get` output.
func parseRouteGet(out string) (gateway, iface string) {
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		key, val, ok := strings.Cut(strings.TrimSpace(sc.Text()), ":")
		if !ok {
			continue
		}
		switch key {
		case "gateway":
			gateway = strings.TrimSpace(val)
		case "interface":
			iface = strings.TrimSpace(val)
		}
	}
	return gateway, iface
}

// parseDefaultGateway picks the lowest-metric default gateway from the
// windows `route print -4 0.0.0.0` table.
func parseDefaultGateway(out string) (string, error) {
	gateway := ""
	best := -1
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) != 5 || fields[0] != "0.0.0.0" || fields[1] != "0.0.0.0" {
			continue
		}
		if _, err := netip.ParseAddr(fields[2]); err != nil {
			// On-link
			continue
		}
		metric, err := strconv.Atoi(fields[4])
		if err != nil {
			continue
		}
		if best < 0 || metric < best {
			best = metric
			gateway = fields[2]
		}
	}
	if gateway == "" {
		return "", fmt.Errorf("no default gateway found")
	}
	return gateway, nil
}
