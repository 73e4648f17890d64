package ports

import (
	"testing"

	"github.com/SlopLabs/netstack/types"
)

const (
	fakeNetwork   types.NetworkProtocolNumber   = 0x0800
	fakeTransport types.TransportProtocolNumber = 17
)

func TestEphemeralExhaustion(t *testing.T) {
	pm := NewManager()

	seen := make(map[uint16]struct{})
	for i := 0; i < NumEphemeral; i++ {
		port, err := pm.PickEphemeralPort(fakeTransport)
		if err != nil {
			t.Fatalf("PickEphemeralPort failed after %d allocations: %v", i, err)
		}
		if port < FirstEphemeral {
			t.Fatalf("PickEphemeralPort returned %d, below the dynamic range", port)
		}
		if _, ok := seen[port]; ok {
			t.Fatalf("PickEphemeralPort returned %d twice", port)
		}
		seen[port] = struct{}{}
	}

	if _, err := pm.PickEphemeralPort(fakeTransport); err != types.ErrNoPortAvailable {
		t.Fatalf("PickEphemeralPort on exhausted range = %v, want ErrNoPortAvailable", err)
	}

	// Releasing any port makes exactly one allocation possible again
	pm.ReleasePort([]types.NetworkProtocolNumber{fakeNetwork}, fakeTransport, anyIPAddress, FirstEphemeral+100)
	if _, err := pm.PickEphemeralPort(fakeTransport); err != nil {
		t.Fatalf("PickEphemeralPort after release failed: %v", err)
	}
	if _, err := pm.PickEphemeralPort(fakeTransport); err != types.ErrNoPortAvailable {
		t.Fatalf("PickEphemeralPort = %v, want ErrNoPortAvailable", err)
	}
}

func TestCursorAvoidsImmediateReuse(t *testing.T) {
	pm := NewManager()

	first, err := pm.PickEphemeralPort(fakeTransport)
	if err != nil {
		t.Fatalf("PickEphemeralPort failed: %v", err)
	}
	pm.ReleasePort([]types.NetworkProtocolNumber{fakeNetwork}, fakeTransport, anyIPAddress, first)

	second, err := pm.PickEphemeralPort(fakeTransport)
	if err != nil {
		t.Fatalf("PickEphemeralPort failed: %v", err)
	}
	if second == first {
		t.Errorf("cursor handed back just-released port %d", first)
	}
}

func TestReservePort(t *testing.T) {
	networks := []types.NetworkProtocolNumber{fakeNetwork}
	addrA := types.Address("\x0a\x00\x00\x01")
	addrB := types.Address("\x0a\x00\x00\x02")

	for _, test := range []struct {
		name    string
		setup   []struct{ addr types.Address }
		addr    types.Address
		wantErr *types.Error
	}{
		{
			name:    "free-port",
			addr:    addrA,
			wantErr: nil,
		},
		{
			name:    "same-addr-conflict",
			setup:   []struct{ addr types.Address }{{addrA}},
			addr:    addrA,
			wantErr: types.ErrPortInUse,
		},
		{
			name:    "different-addr-ok",
			setup:   []struct{ addr types.Address }{{addrA}},
			addr:    addrB,
			wantErr: nil,
		},
		{
			name:    "wildcard-blocks-specific",
			setup:   []struct{ addr types.Address }{{anyIPAddress}},
			addr:    addrA,
			wantErr: types.ErrPortInUse,
		},
		{
			name:    "specific-blocks-wildcard",
			setup:   []struct{ addr types.Address }{{addrA}},
			addr:    anyIPAddress,
			wantErr: types.ErrPortInUse,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			pm := NewManager()
			const port = 8080
			for _, s := range test.setup {
				if _, err := pm.ReservePort(networks, fakeTransport, s.addr, port); err != nil {
					t.Fatalf("setup ReservePort(%q) failed: %v", s.addr, err)
				}
			}
			if _, err := pm.ReservePort(networks, fakeTransport, test.addr, port); err != test.wantErr {
				t.Errorf("ReservePort(%q) = %v, want %v", test.addr, err, test.wantErr)
			}
		})
	}
}

func TestReleaseThenRebind(t *testing.T) {
	pm := NewManager()
	networks := []types.NetworkProtocolNumber{fakeNetwork}
	addr := types.Address("\x0a\x00\x00\x01")

	if _, err := pm.ReservePort(networks, fakeTransport, addr, 9000); err != nil {
		t.Fatalf("ReservePort failed: %v", err)
	}
	if _, err := pm.ReservePort(networks, fakeTransport, addr, 9000); err != types.ErrPortInUse {
		t.Fatalf("ReservePort on held port = %v, want ErrPortInUse", err)
	}

	pm.ReleasePort(networks, fakeTransport, addr, 9000)
	if _, err := pm.ReservePort(networks, fakeTransport, addr, 9000); err != nil {
		t.Fatalf("ReservePort after release failed: %v", err)
	}
}
