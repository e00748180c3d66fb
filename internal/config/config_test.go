package config

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCIDRDefaults(t *testing.T) {
	cidr, err := ParseCIDR(DefaultGatewayIP, DefaultPrefixLen)
	require.NoError(t, err)
	assert.True(t, cidr.Contains(net.ParseIP(DefaultGatewayIP)))
	assert.True(t, cidr.Contains(net.ParseIP("10.13.0.1")))
	assert.False(t, cidr.Contains(net.ParseIP("10.14.0.1")))
}

func TestParseCIDRRejectsBroadcastGateway(t *testing.T) {
	_, err := ParseCIDR("10.13.37.255", 24)
	assert.Error(t, err)
}

func TestParseCIDRRejectsBadInput(t *testing.T) {
	_, err := ParseCIDR("not-an-ip", 24)
	assert.Error(t, err)

	_, err = ParseCIDR(DefaultGatewayIP, 33)
	assert.Error(t, err)
}

func TestBPFFilterDerivation(t *testing.T) {
	cidr, err := ParseCIDR("10.13.37.2", 24)
	require.NoError(t, err)
	assert.Equal(t, "net 10.13.37.0/24", cidr.BPFFilter())
}
