// Package config loads the stack's startup configuration. The stack keeps
// no persisted state of its own; interfaces, addresses and administrative
// routes rebuild from this file on every restart
package config

import (
	"fmt"
	"net"
	"os"

	"github.com/goccy/go-yaml"

	"github.com/SlopLabs/netstack/types"
)

// Interface is one configured tap interface
type Interface struct {
	ID          types.DeviceID
	Name        string
	LinkAddress types.LinkAddress
	Addresses   []types.Address

	// Sniff wraps the device so every frame is logged
	Sniff bool
}

// Config is the resolved startup configuration
type Config struct {
	Interfaces []Interface
	Routes     []types.RouteEntry
}

type rawInterface struct {
	ID          int32    `yaml:"id"`
	Name        string   `yaml:"name"`
	LinkAddress string   `yaml:"link_address"`
	Addresses   []string `yaml:"addresses"`
	Sniff       bool     `yaml:"sniff"`
}

type rawRoute struct {
	Prefix    string `yaml:"prefix"`
	NextHop   string `yaml:"next_hop"`
	Interface int32  `yaml:"interface"`
	Metric    int    `yaml:"metric"`
}

type rawConfig struct {
	Interfaces []rawInterface `yaml:"interfaces"`
	Routes     []rawRoute     `yaml:"routes"`
}

// Load reads and parses the configuration file at path
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := Parse(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse parses and validates a yaml configuration
func Parse(b []byte) (*Config, error) {
	var raw rawConfig
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return nil, err
	}

	if len(raw.Interfaces) == 0 {
		return nil, fmt.Errorf("no interfaces configured")
	}

	cfg := &Config{}
	ids := make(map[types.DeviceID]bool)

	for i, ri := range raw.Interfaces {
		if ri.ID <= 0 {
			return nil, fmt.Errorf("interface %d: id must be positive", i)
		}
		id := types.DeviceID(ri.ID)
		if ids[id] {
			return nil, fmt.Errorf("interface %d: duplicate id %d", i, ri.ID)
		}
		ids[id] = true

		if ri.Name == "" {
			return nil, fmt.Errorf("interface %d: missing name", i)
		}

		linkAddr, err := parseLinkAddress(ri.LinkAddress)
		if err != nil {
			return nil, fmt.Errorf("interface %q: %w", ri.Name, err)
		}

		iface := Interface{
			ID:          id,
			Name:        ri.Name,
			LinkAddress: linkAddr,
			Sniff:       ri.Sniff,
		}
		if len(ri.Addresses) == 0 {
			return nil, fmt.Errorf("interface %q: no addresses", ri.Name)
		}
		for _, a := range ri.Addresses {
			addr, err := parseAddress(a)
			if err != nil {
				return nil, fmt.Errorf("interface %q: %w", ri.Name, err)
			}
			iface.Addresses = append(iface.Addresses, addr)
		}

		cfg.Interfaces = append(cfg.Interfaces, iface)
	}

	for i, rr := range raw.Routes {
		prefix, prefixLen, err := parsePrefix(rr.Prefix)
		if err != nil {
			return nil, fmt.Errorf("route %d: %w", i, err)
		}

		var nextHop types.Address
		if rr.NextHop != "" {
			nextHop, err = parseAddress(rr.NextHop)
			if err != nil {
				return nil, fmt.Errorf("route %d: %w", i, err)
			}
		}

		dev := types.DeviceID(rr.Interface)
		if !ids[dev] {
			return nil, fmt.Errorf("route %d: unknown interface %d", i, rr.Interface)
		}

		cfg.Routes = append(cfg.Routes, types.RouteEntry{
			Prefix:    prefix,
			PrefixLen: prefixLen,
			NextHop:   nextHop,
			Device:    dev,
			Metric:    rr.Metric,
		})
	}

	return cfg, nil
}

// parseAddress converts a dotted-quad string to a 4-byte address
func parseAddress(s string) (types.Address, error) {
	ip := net.ParseIP(s)
	if ip == nil {
		return "", fmt.Errorf("bad address %q", s)
	}
	v4 := ip.To4()
	if v4 == nil {
		return "", fmt.Errorf("address %q is not ipv4", s)
	}
	return types.Address(v4), nil
}

// parsePrefix converts cidr notation to a prefix and its length
func parsePrefix(s string) (types.Address, int, error) {
	_, ipnet, err := net.ParseCIDR(s)
	if err != nil {
		return "", 0, fmt.Errorf("bad prefix %q", s)
	}
	v4 := ipnet.IP.To4()
	if v4 == nil {
		return "", 0, fmt.Errorf("prefix %q is not ipv4", s)
	}
	ones, bits := ipnet.Mask.Size()
	if bits != 32 {
		return "", 0, fmt.Errorf("prefix %q is not ipv4", s)
	}
	return types.Address(v4), ones, nil
}

// parseLinkAddress converts a colon-separated mac string to a 6-byte link
// address
func parseLinkAddress(s string) (types.LinkAddress, error) {
	if s == "" {
		return "", fmt.Errorf("missing link_address")
	}
	hw, err := net.ParseMAC(s)
	if err != nil || len(hw) != 6 {
		return "", fmt.Errorf("bad link_address %q", s)
	}
	return types.LinkAddress(hw), nil
}
