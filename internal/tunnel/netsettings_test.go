package tunnel

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLAN0(t *testing.T) {
	lans := parseLAN0("10.0.0.0/255.255.255.0 10.1.0.0/255.255.0.0")
	require.Len(t, lans, 2)
	require.Equal(t, net.ParseIP("10.0.0.0").String(), lans[0].Network.String())
	require.Equal(t, 24, lans[0].PrefixLen)
	require.Equal(t, 16, lans[1].PrefixLen)
}

func TestParseLAN0SkipsInvalidEntries(t *testing.T) {
	lans := parseLAN0("not-an-entry 10.0.0.0/255.255.255.0 10.2.0.0/not-a-mask")
	require.Len(t, lans, 1)
	require.Equal(t, 24, lans[0].PrefixLen)
}

func TestParseDNS0(t *testing.T) {
	dns := parseDNS0("8.8.8.8 8.8.4.4")
	require.Len(t, dns, 2)
	require.Equal(t, "8.8.8.8", dns[0].String())
}

func TestParseDNS0SkipsInvalidEntries(t *testing.T) {
	dns := parseDNS0("8.8.8.8 not-an-ip")
	require.Len(t, dns, 1)
}
