package ippool

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"

	apperrors "gnt-shepherd.io/shepherd/internal/pkg/errors"
)

func TestNew_ReservesNetworkBroadcastGateway(t *testing.T) {
	p, err := New(netip.MustParsePrefix("10.0.0.0/29"), netip.MustParseAddr("10.0.0.1"))
	require.NoError(t, err)
	require.Equal(t, 8, p.Size())
	require.Equal(t, 5, p.Available())

	require.False(t, p.IsAvailable(netip.MustParseAddr("10.0.0.0")))
	require.False(t, p.IsAvailable(netip.MustParseAddr("10.0.0.1")))
	require.False(t, p.IsAvailable(netip.MustParseAddr("10.0.0.7")))
	require.True(t, p.IsAvailable(netip.MustParseAddr("10.0.0.2")))
	require.False(t, p.IsAvailable(netip.MustParseAddr("10.0.1.2")))
}

func TestAllocate_LowestFirstUntilFull(t *testing.T) {
	p, err := New(netip.MustParsePrefix("192.168.5.0/29"), netip.MustParseAddr("192.168.5.1"))
	require.NoError(t, err)

	var got []string
	for i := 0; i < 5; i++ {
		addr, err := p.Allocate()
		require.NoError(t, err)
		got = append(got, addr.String())
	}
	require.Equal(t, []string{"192.168.5.2", "192.168.5.3", "192.168.5.4", "192.168.5.5", "192.168.5.6"}, got)

	_, err = p.Allocate()
	require.True(t, apperrors.IsKind(err, apperrors.KindConflict))
	appErr, _ := apperrors.IsAppError(err)
	require.Equal(t, apperrors.CodeAddressPoolFull, appErr.Code)

	require.NoError(t, p.Release(netip.MustParseAddr("192.168.5.4")))
	addr, err := p.Allocate()
	require.NoError(t, err)
	require.Equal(t, "192.168.5.4", addr.String())
}

func TestReserveRelease(t *testing.T) {
	p, err := New(netip.MustParsePrefix("10.1.0.0/24"), netip.Addr{})
	require.NoError(t, err)
	require.Equal(t, 254, p.Available())

	a := netip.MustParseAddr("10.1.0.77")
	require.NoError(t, p.Reserve(a))
	require.False(t, p.IsAvailable(a))
	require.True(t, apperrors.IsKind(p.Reserve(a), apperrors.KindConflict))

	require.NoError(t, p.Release(a))
	require.NoError(t, p.Release(a))
	require.True(t, p.IsAvailable(a))

	outside := netip.MustParseAddr("10.2.0.1")
	require.True(t, apperrors.IsKind(p.Reserve(outside), apperrors.KindValidation))
	require.True(t, apperrors.IsKind(p.Release(outside), apperrors.KindValidation))
}

func TestBytesRoundTrip(t *testing.T) {
	prefix := netip.MustParsePrefix("172.16.0.0/28")
	p, err := New(prefix, netip.MustParseAddr("172.16.0.1"))
	require.NoError(t, err)
	_, err = p.Allocate()
	require.NoError(t, err)

	restored, err := FromBytes(prefix, p.Bytes())
	require.NoError(t, err)
	require.Equal(t, p.Available(), restored.Available())
	require.False(t, restored.IsAvailable(netip.MustParseAddr("172.16.0.2")))

	_, err = FromBytes(prefix, []byte{0})
	require.Error(t, err)
}

func TestNew_InvalidSubnets(t *testing.T) {
	tests := []struct {
		name   string
		prefix netip.Prefix
	}{
		{name: "zero prefix", prefix: netip.Prefix{}},
		{name: "ipv6", prefix: netip.MustParsePrefix("2001:db8::/64")},
		{name: "too large", prefix: netip.MustParsePrefix("10.0.0.0/8")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.prefix, netip.Addr{})
			require.True(t, apperrors.IsKind(err, apperrors.KindValidation))
		})
	}
}

func TestNew_HostRoutes(t *testing.T) {
	p, err := New(netip.MustParsePrefix("10.9.9.9/32"), netip.Addr{})
	require.NoError(t, err)
	require.Equal(t, 1, p.Available())
	addr, err := p.Allocate()
	require.NoError(t, err)
	require.Equal(t, "10.9.9.9", addr.String())
}
