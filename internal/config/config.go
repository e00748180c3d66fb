// Package config holds the network and timing constants shared by every
// subsystem, plus the CIDR type describing the virtual LAN segment.
package config

import (
	"fmt"
	"net"
)

const (
	// EthHeaderSize is the size in bytes of an Ethernet II header.
	EthHeaderSize = 14
	// IPHeaderMinSize is the minimum size in bytes of an IPv4 header.
	IPHeaderMinSize = 20
	// FrameSize is the buffer size used for captured/injected frames.
	FrameSize = 2048
	// DefaultMTU is the MTU advertised by the userspace stack's virtual NIC.
	DefaultMTU = 1500

	// CaptureQueueSize bounds the capture adapter's receive channel.
	CaptureQueueSize = 100
	// DeviceQueueSize bounds the userspace stack's device queues.
	DeviceQueueSize = 100
	// MaxBurstSize is advertised to the stack as max_burst_size.
	MaxBurstSize = 100

	// UDPFlowCapacity is the maximum number of concurrent UDP flows kept
	// in the gateway's LRU flow table.
	UDPFlowCapacity = 100
	// FlowIdleTimeout is the idle duration after which a TCP or UDP flow
	// is torn down.
	FlowIdleTimeout = 60 // seconds

	// ProxyConnectTimeout bounds new_tcp_timeout / new_udp_timeout.
	ProxyConnectTimeout = 10 // seconds

	// RelayKeepaliveInterval is how often the relay client emits a
	// Keepalive forwarder frame.
	RelayKeepaliveInterval = 30 // seconds

	// DefaultGatewayIP is the gateway address assigned to the virtual
	// NIC when no --gateway-ip flag is supplied.
	DefaultGatewayIP = "10.13.37.2"
	// DefaultPrefixLen is the CIDR prefix length used when no
	// --prefix-len flag is supplied.
	DefaultPrefixLen = 16

	// CPU affinity for the capture adapter's dedicated threads.
	CpuRXProcessing = 0
	CpuTXProcessing = 1
)

// CIDR is an IPv4 network prefix (address, prefix length) defining the
// virtual LAN segment. The gateway IP must lie inside it and must not be
// the broadcast address.
type CIDR struct {
	Network   *net.IPNet
	GatewayIP net.IP
}

// ParseCIDR builds a CIDR from a gateway IP and a prefix length, validating
// that the gateway address lies inside the resulting network and is not
// its broadcast address.
func ParseCIDR(gatewayIP string, prefixLen int) (CIDR, error) {
	ip := net.ParseIP(gatewayIP)
	if ip == nil {
		return CIDR{}, fmt.Errorf("config: invalid gateway IP %q", gatewayIP)
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return CIDR{}, fmt.Errorf("config: gateway IP %q is not IPv4", gatewayIP)
	}
	if prefixLen < 0 || prefixLen > 32 {
		return CIDR{}, fmt.Errorf("config: invalid prefix length %d", prefixLen)
	}
	mask := net.CIDRMask(prefixLen, 32)
	network := &net.IPNet{IP: ip4.Mask(mask), Mask: mask}

	if broadcast(network).Equal(ip4) {
		return CIDR{}, fmt.Errorf("config: gateway IP %q is the broadcast address of %s", gatewayIP, network)
	}
	return CIDR{Network: network, GatewayIP: ip4}, nil
}

// Contains reports whether ip lies inside the CIDR's network.
func (c CIDR) Contains(ip net.IP) bool {
	if c.Network == nil {
		return false
	}
	return c.Network.Contains(ip)
}

func (c CIDR) String() string {
	if c.Network == nil {
		return "<nil>"
	}
	return c.Network.String()
}

// BPFFilter derives the default capture filter from the CIDR's network,
// matching the original "net <network>" derivation when no explicit
// filter string is configured.
func (c CIDR) BPFFilter() string {
	return fmt.Sprintf("net %s", c.Network.String())
}

func broadcast(n *net.IPNet) net.IP {
	ip := make(net.IP, len(n.IP))
	for i := range ip {
		ip[i] = n.IP[i] | ^n.Mask[i]
	}
	return ip
}

// Config is the assembled set of knobs the CLI entrypoint translates into
// the core engine's constructors. It carries no behavior of its own.
type Config struct {
	InterfaceName string
	CIDR          CIDR
	BPFFilter     string
	RelayAddr     string
	ProxyURL      string
	Verbose       bool
}
