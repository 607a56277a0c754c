package main

import (
	"bytes"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"

	"gnt-shepherd.io/shepherd/internal/backend"
	"gnt-shepherd.io/shepherd/internal/domain"
	"gnt-shepherd.io/shepherd/internal/ippool"
)

func TestParseID(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{in: "42", want: 42},
		{in: "0", wantErr: true},
		{in: "-3", wantErr: true},
		{in: "abc", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseID("vm", tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestParseRebootType(t *testing.T) {
	got, err := parseRebootType("hard")
	require.NoError(t, err)
	require.Equal(t, backend.RebootHard, got)

	_, err = parseRebootType("cold")
	require.Error(t, err)
}

func TestParseDecision(t *testing.T) {
	accept, err := parseDecision("ACCEPT")
	require.NoError(t, err)
	require.True(t, accept)

	accept, err = parseDecision("reject")
	require.NoError(t, err)
	require.False(t, accept)

	_, err = parseDecision("maybe")
	require.Error(t, err)
}

func TestSerialState(t *testing.T) {
	require.Equal(t, "pending", serialState(&domain.CommissionSerial{Pending: true}))
	require.Equal(t, "accept (undelivered)", serialState(&domain.CommissionSerial{Accept: true}))
	require.Equal(t, "reject", serialState(&domain.CommissionSerial{Resolved: true}))
}

func TestRender(t *testing.T) {
	v := serialView{Serial: 7, Name: "BUILD", State: "pending"}

	var buf bytes.Buffer
	require.NoError(t, render(&buf, outputJSON, v))
	require.Contains(t, buf.String(), `"serial": 7`)

	buf.Reset()
	require.NoError(t, render(&buf, outputYAML, v))
	require.Contains(t, buf.String(), "serial: 7")
	require.Contains(t, buf.String(), "state: pending")

	require.Error(t, validateOutput("xml"))
}

func TestDescribePool(t *testing.T) {
	subnet := netip.MustParsePrefix("10.0.0.0/29")
	p, err := ippool.New(subnet, netip.MustParseAddr("10.0.0.1"))
	require.NoError(t, err)
	require.NoError(t, p.Reserve(netip.MustParseAddr("10.0.0.2")))

	n := &domain.Network{ID: 3, Name: "public", Subnet: subnet.String(), Gateway: "10.0.0.1", Pool: p.Bytes()}

	v, err := describePool(n, netip.MustParseAddr("10.0.0.2"))
	require.NoError(t, err)
	require.Equal(t, 8, v.Size)
	require.Equal(t, 4, v.Available)
	require.NotNil(t, v.Free)
	require.False(t, *v.Free)

	_, err = describePool(&domain.Network{ID: 4, Subnet: "10.0.1.0/24"}, netip.Addr{})
	require.Error(t, err)
}

func TestRootCommandTree(t *testing.T) {
	root := newRootCommand()
	for _, path := range [][]string{
		{"vm", "show"},
		{"vm", "reset-error"},
		{"vm", "connect"},
		{"commission", "resolve"},
		{"pool", "show"},
	} {
		cmd, _, err := root.Find(path)
		require.NoError(t, err)
		require.Equal(t, path[len(path)-1], cmd.Name())
	}
}
