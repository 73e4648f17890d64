package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SlopLabs/netstack/types"
)

const validConfig = `
interfaces:
  - id: 1
    name: tap0
    link_address: 02:00:00:00:00:01
    addresses: [10.0.0.1]
    sniff: true
  - id: 2
    name: tap1
    link_address: 02:00:00:00:00:02
    addresses: [10.0.1.1, 10.0.1.2]
routes:
  - prefix: 10.0.0.0/24
    interface: 1
  - prefix: 0.0.0.0/0
    next_hop: 10.0.0.254
    interface: 1
    metric: 10
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(validConfig))
	require.NoError(t, err)

	require.Len(t, cfg.Interfaces, 2)
	tap0 := cfg.Interfaces[0]
	assert.Equal(t, types.DeviceID(1), tap0.ID)
	assert.Equal(t, "tap0", tap0.Name)
	assert.Equal(t, types.LinkAddress("\x02\x00\x00\x00\x00\x01"), tap0.LinkAddress)
	assert.Equal(t, []types.Address{"\x0a\x00\x00\x01"}, tap0.Addresses)
	assert.True(t, tap0.Sniff)

	tap1 := cfg.Interfaces[1]
	assert.Equal(t, types.DeviceID(2), tap1.ID)
	assert.Len(t, tap1.Addresses, 2)
	assert.False(t, tap1.Sniff)

	require.Len(t, cfg.Routes, 2)
	assert.Equal(t, types.RouteEntry{
		Prefix:    "\x0a\x00\x00\x00",
		PrefixLen: 24,
		Device:    1,
	}, cfg.Routes[0])
	assert.Equal(t, types.RouteEntry{
		Prefix:    "\x00\x00\x00\x00",
		PrefixLen: 0,
		NextHop:   "\x0a\x00\x00\xfe",
		Device:    1,
		Metric:    10,
	}, cfg.Routes[1])
}

func TestParseRejects(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"empty", ``},
		{"no interfaces", `routes: []`},
		{"zero id", `
interfaces:
  - id: 0
    name: tap0
    link_address: 02:00:00:00:00:01
    addresses: [10.0.0.1]
`},
		{"duplicate id", `
interfaces:
  - id: 1
    name: tap0
    link_address: 02:00:00:00:00:01
    addresses: [10.0.0.1]
  - id: 1
    name: tap1
    link_address: 02:00:00:00:00:02
    addresses: [10.0.1.1]
`},
		{"missing name", `
interfaces:
  - id: 1
    link_address: 02:00:00:00:00:01
    addresses: [10.0.0.1]
`},
		{"missing link address", `
interfaces:
  - id: 1
    name: tap0
    addresses: [10.0.0.1]
`},
		{"bad link address", `
interfaces:
  - id: 1
    name: tap0
    link_address: not-a-mac
    addresses: [10.0.0.1]
`},
		{"no addresses", `
interfaces:
  - id: 1
    name: tap0
    link_address: 02:00:00:00:00:01
`},
		{"ipv6 address", `
interfaces:
  - id: 1
    name: tap0
    link_address: 02:00:00:00:00:01
    addresses: ["2001:db8::1"]
`},
		{"bad route prefix", `
interfaces:
  - id: 1
    name: tap0
    link_address: 02:00:00:00:00:01
    addresses: [10.0.0.1]
routes:
  - prefix: banana
    interface: 1
`},
		{"route to unknown interface", `
interfaces:
  - id: 1
    name: tap0
    link_address: 02:00:00:00:00:01
    addresses: [10.0.0.1]
routes:
  - prefix: 0.0.0.0/0
    interface: 7
`},
		{"bad next hop", `
interfaces:
  - id: 1
    name: tap0
    link_address: 02:00:00:00:00:01
    addresses: [10.0.0.1]
routes:
  - prefix: 0.0.0.0/0
    next_hop: nope
    interface: 1
`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			assert.Error(t, err)
		})
	}
}

func TestParsePrefixMasksHostBits(t *testing.T) {
	cfg, err := Parse([]byte(`
interfaces:
  - id: 1
    name: tap0
    link_address: 02:00:00:00:00:01
    addresses: [10.0.0.1]
routes:
  - prefix: 10.0.0.7/24
    interface: 1
`))
	require.NoError(t, err)
	require.Len(t, cfg.Routes, 1)

	// Host bits inside the prefix are zeroed so Match works bytewise
	assert.Equal(t, types.Address("\x0a\x00\x00\x00"), cfg.Routes[0].Prefix)
}
