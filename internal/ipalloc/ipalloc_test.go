package ipalloc

import (
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsBadSubnets(t *testing.T) {
	for _, cidr := range []string{"", "10.0.0.1", "10.0.0.0/31", "10.0.0.0/32", "::1/64", "10.0.0.0/33"} {
		_, err := New(cidr)
		assert.ErrorIs(t, err, ErrInvalidSubnet, cidr)
	}
}

func TestReservedAddresses(t *testing.T) {
	a, err := New("192.168.1.0/30")
	require.NoError(t, err)

	assert.Equal(t, "192.168.1.0", a.NetworkIP())
	assert.Equal(t, "192.168.1.3", a.BroadcastIP())
	assert.False(t, a.IsAvailable("192.168.1.0"))
	assert.False(t, a.IsAvailable("192.168.1.3"))

	ip1, err := a.Allocate()
	require.NoError(t, err)
	ip2, err := a.Allocate()
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.1", ip1)
	assert.Equal(t, "192.168.1.2", ip2)

	_, err = a.Allocate()
	assert.ErrorIs(t, err, ErrPoolExhausted)

	assert.ErrorIs(t, a.Release("192.168.1.0"), ErrInvalidRelease)
	assert.ErrorIs(t, a.Release("192.168.1.3"), ErrInvalidRelease)
}

func TestReleaseRules(t *testing.T) {
	a, err := New("10.0.0.0/24")
	require.NoError(t, err)

	assert.ErrorIs(t, a.Release("10.0.0.7"), ErrInvalidRelease, "never allocated")
	assert.ErrorIs(t, a.Release("10.0.1.7"), ErrInvalidRelease, "outside subnet")
	assert.ErrorIs(t, a.Release("bogus"), ErrInvalidRelease)

	ip, err := a.Allocate()
	require.NoError(t, err)
	assert.False(t, a.IsAvailable(ip))
	assert.True(t, a.IsAllocated(ip))

	require.NoError(t, a.Release(ip))
	assert.True(t, a.IsAvailable(ip))
	assert.ErrorIs(t, a.Release(ip), ErrInvalidRelease, "double release")
}

func TestReleasedAddressesAreFIFO(t *testing.T) {
	a, err := New("10.0.0.0/29")
	require.NoError(t, err)

	var ips []string
	for i := 0; i < 6; i++ {
		ip, err := a.Allocate()
		require.NoError(t, err)
		ips = append(ips, ip)
	}

	require.NoError(t, a.Release(ips[3]))
	require.NoError(t, a.Release(ips[1]))

	got, err := a.Allocate()
	require.NoError(t, err)
	assert.Equal(t, ips[3], got)
	got, err = a.Allocate()
	require.NoError(t, err)
	assert.Equal(t, ips[1], got)
}

func TestLargeSubnetIsLazy(t *testing.T) {
	a, err := New("72.16.0.0/14")
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<18-2), a.AvailableCount())

	ip, err := a.Allocate()
	require.NoError(t, err)
	assert.Equal(t, "72.16.0.1", ip)
	assert.Equal(t, 1, a.Allocated())
}

func TestNeverHandsOutReserved(t *testing.T) {
	a, err := New("10.1.2.0/28")
	require.NoError(t, err)

	rng := rand.New(rand.NewPCG(1, 2))
	var held []string
	for i := 0; i < 2000; i++ {
		if len(held) > 0 && rng.IntN(2) == 0 {
			j := rng.IntN(len(held))
			require.NoError(t, a.Release(held[j]))
			held = append(held[:j], held[j+1:]...)
			continue
		}
		ip, err := a.Allocate()
		if errors.Is(err, ErrPoolExhausted) {
			assert.Len(t, held, 14)
			continue
		}
		require.NoError(t, err)
		assert.NotEqual(t, a.NetworkIP(), ip)
		assert.NotEqual(t, a.BroadcastIP(), ip)
		held = append(held, ip)
	}
	assert.Equal(t, len(held), a.Allocated())
	assert.Equal(t, uint64(14-len(held)), a.AvailableCount())
}

func TestInSubnet(t *testing.T) {
	tests := []struct {
		ip, subnet string
		want       bool
	}{
		{"72.16.0.5", "72.16.0.0/14", true},
		{"72.20.0.5", "72.16.0.0/14", false},
		{"72.16.0.5", "72.16.0.5", true},
		{"72.16.0.6", "72.16.0.5", false},
		{"8.8.8.8", "0.0.0.0", true},
		{"8.8.8.8", "0.0.0.0/32", true},
		{"garbage", "72.16.0.0/14", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, InSubnet(tt.ip, tt.subnet), "%s in %s", tt.ip, tt.subnet)
	}

	assert.True(t, IsLoopback("127.0.0.1"))
	assert.True(t, IsLoopback("127.3.0.1"))
	assert.False(t, IsLoopback("72.16.0.1"))
	assert.True(t, IsCIDR("10.0.0.0/8"))
	assert.False(t, IsCIDR("10.0.0.0"))
}
