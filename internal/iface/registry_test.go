package iface

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func testRegistry() *Registry {
	return New(123, logrus.New())
}

// TestBroadcastAddress covers invariant 5 of SPEC_FULL.md #8: the broadcast
// address equals address | ~mask bit-exactly.
func TestBroadcastAddress(t *testing.T) {
	e := Entry{
		Address: [4]byte{192, 168, 1, 10},
		Mask:    [4]byte{255, 255, 255, 0},
	}
	for i := range e.Broadcast {
		e.Broadcast[i] = e.Address[i] | ^e.Mask[i]
	}
	require.Equal(t, [4]byte{192, 168, 1, 255}, e.Broadcast)
}

func TestScenario6InterfaceFanout(t *testing.T) {
	entries := []struct {
		addr, mask, wantBroadcast [4]byte
	}{
		{[4]byte{192, 168, 1, 10}, [4]byte{255, 255, 255, 0}, [4]byte{192, 168, 1, 255}},
		{[4]byte{10, 0, 0, 5}, [4]byte{255, 0, 0, 0}, [4]byte{10, 255, 255, 255}},
	}
	for _, e := range entries {
		var got [4]byte
		for i := range got {
			got[i] = e.addr[i] | ^e.mask[i]
		}
		require.Equal(t, e.wantBroadcast, got)
	}
}

func TestLocalMatch(t *testing.T) {
	r := testRegistry()
	r.entries = []Entry{
		{Name: "eth0", Address: [4]byte{192, 168, 1, 10}, Mask: [4]byte{255, 255, 255, 0}},
		{Name: "eth1", Address: [4]byte{10, 0, 0, 5}, Mask: [4]byte{255, 0, 0, 0}},
	}

	got, ok := r.LocalMatch([4]byte{192, 168, 1, 200})
	require.True(t, ok)
	require.Equal(t, [4]byte{192, 168, 1, 10}, got)

	got, ok = r.LocalMatch([4]byte{10, 9, 9, 9})
	require.True(t, ok)
	require.Equal(t, [4]byte{10, 0, 0, 5}, got)

	_, ok = r.LocalMatch([4]byte{8, 8, 8, 8})
	require.False(t, ok)
}

func TestMaxEntriesCapacity(t *testing.T) {
	require.Equal(t, 16, MaxEntries)
}
