// Package netstack wraps an embedded gVisor TCP/IP stack as the "userspace
// Ethernet/TCP stack driver" and "socket reactor" subsystems: one stack
// instance per virtual interface, fed by a channel-based device, with a
// single-goroutine reactor bridging the stack's waiter-queue readiness
// events to parked reader/writer tasks.
package netstack

import (
	"fmt"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"

	"github.com/lanrelay/gwcore/internal/config"
)

const nicID = tcpip.NICID(1)

// New builds and wires the gVisor stack: IPv4+TCP+UDP protocols, a
// channel-backed virtual NIC, the gateway IP assigned to that NIC, and a
// default route so all off-segment traffic is handed to this stack.
func New(cidr config.CIDR, mtu uint32) (*stack.Stack, *channel.Endpoint, error) {
	s := stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol, udp.NewProtocol},
	})

	linkEP := channel.New(config.DeviceQueueSize, mtu, "")

	if err := s.CreateNIC(nicID, linkEP); err != nil {
		return nil, nil, fmt.Errorf("netstack: create NIC: %s", err)
	}
	if err := s.SetPromiscuousMode(nicID, true); err != nil {
		return nil, nil, fmt.Errorf("netstack: set promiscuous mode: %s", err)
	}
	if err := s.SetSpoofing(nicID, true); err != nil {
		return nil, nil, fmt.Errorf("netstack: set spoofing: %s", err)
	}

	gw4 := cidr.GatewayIP.To4()
	if gw4 == nil {
		return nil, nil, fmt.Errorf("netstack: gateway IP %s is not IPv4", cidr.GatewayIP)
	}
	protocolAddr := tcpip.ProtocolAddress{
		Protocol: ipv4.ProtocolNumber,
		AddressWithPrefix: tcpip.AddressWithPrefix{
			Address:   tcpip.AddrFromSlice(gw4),
			PrefixLen: prefixLenOf(cidr),
		},
	}
	if err := s.AddProtocolAddress(nicID, protocolAddr, stack.AddressProperties{}); err != nil {
		return nil, nil, fmt.Errorf("netstack: add address: %s", err)
	}

	s.SetRouteTable([]tcpip.Route{
		{
			Destination: header.IPv4EmptySubnet,
			Gateway:     tcpip.AddrFromSlice(gw4),
			NIC:         nicID,
		},
	})

	return s, linkEP, nil
}

func prefixLenOf(cidr config.CIDR) int {
	ones, _ := cidr.Network.Mask.Size()
	return ones
}
