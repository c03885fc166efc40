package tunnel

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.Equal(t, netip.MustParsePrefix("10.0.2.1/24"), cfg.Address)
	require.Equal(t, []netip.Prefix{
		netip.MustParsePrefix("0.0.0.0/1"),
		netip.MustParsePrefix("128.0.0.0/1"),
	}, cfg.Routes)
	require.Equal(t, 1500, cfg.MTU)
	require.Equal(t, -1, cfg.FileDescriptor)
	require.NoError(t, cfg.Validate())
}

func TestParseAddressKeepsHostBits(t *testing.T) {
	p, err := ParseAddress(" 10.0.2.1/24 ")
	require.NoError(t, err)
	require.Equal(t, "10.0.2.1", p.Addr().String())
	require.Equal(t, 24, p.Bits())

	_, err = ParseAddress("fd00::1/64")
	require.Error(t, err)
	_, err = ParseAddress("10.0.2.1")
	require.Error(t, err)
}

func TestParseRoutes(t *testing.T) {
	routes, err := ParseRoutes([]string{"192.168.1.7/24", "", " 0.0.0.0/1"})
	require.NoError(t, err)
	require.Equal(t, []netip.Prefix{
		netip.MustParsePrefix("192.168.1.0/24"),
		netip.MustParsePrefix("0.0.0.0/1"),
	}, routes)

	_, err = ParseRoutes([]string{"::/0"})
	require.Error(t, err)
	_, err = ParseRoutes([]string{"not-a-route"})
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"mtu too small", func(c *Config) { c.MTU = 100 }, true},
		{"mtu too large", func(c *Config) { c.MTU = 70000 }, true},
		{"missing address", func(c *Config) { c.Address = netip.Prefix{} }, true},
		{"ipv6 route", func(c *Config) { c.Routes = append(c.Routes, netip.MustParsePrefix("::/0")) }, true},
		{"handed-over fd skips checks", func(c *Config) {
			c.FileDescriptor = 3
			c.Address = netip.Prefix{}
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if tt.wantErr {
				require.Error(t, cfg.Validate())
			} else {
				require.NoError(t, cfg.Validate())
			}
		})
	}
}

func TestEstablishRejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MTU = 0
	iface, err := Establish(cfg)
	require.Error(t, err)
	require.Nil(t, iface)
}

func TestFindUnused(t *testing.T) {
	name, err := findUnused("utun", []string{"lo0", "utun0", "utun1", "utun3", "en0"})
	require.NoError(t, err)
	require.Equal(t, "utun2", name)

	name, err = findUnused("utun", nil)
	require.NoError(t, err)
	require.Equal(t, "utun0", name)
}

func TestMaskString(t *testing.T) {
	require.Equal(t, "255.255.255.0", maskString(netip.MustParsePrefix("10.0.2.1/24")))
	require.Equal(t, "128.0.0.0", maskString(netip.MustParsePrefix("128.0.0.0/1")))
}
