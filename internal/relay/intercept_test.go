package relay

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanrelay/gwcore/internal/config"
)

func ethIPv4Frame(t *testing.T, src, dst net.IP) []byte {
	t.Helper()
	frame := make([]byte, config.EthHeaderSize+config.IPHeaderMinSize)
	frame[12] = 0x08
	frame[13] = 0x00 // ethertype IPv4
	ip := frame[config.EthHeaderSize:]
	ip[0] = 0x45 // version/IHL
	copy(ip[12:16], src.To4())
	copy(ip[16:20], dst.To4())
	return frame
}

func mustCIDR(t *testing.T, gw string, prefix int) config.CIDR {
	t.Helper()
	c, err := config.ParseCIDR(gw, prefix)
	require.NoError(t, err)
	return c
}

type fakeRelay struct {
	dead bool
	sent [][]byte
}

func (f *fakeRelay) Dead() bool { return f.dead }
func (f *fakeRelay) SendIPv4(packet []byte) error {
	f.sent = append(f.sent, packet)
	return nil
}

type fakeCounters struct {
	redirected int
	dropped    int
}

func (f *fakeCounters) IncRedirected() { f.redirected++ }
func (f *fakeCounters) IncDropped()    { f.dropped++ }

func TestInterceptLANLocalConsumed(t *testing.T) {
	cidr := mustCIDR(t, "10.13.37.2", 24)
	fake := &fakeRelay{}
	ic := NewIntercepter(cidr, fake, nil)

	frame := ethIPv4Frame(t, net.ParseIP("10.13.37.5"), net.ParseIP("10.13.37.6"))
	assert.True(t, ic.Process(frame))
	require.Len(t, fake.sent, 1)
}

func TestInterceptOffSegmentPassesThrough(t *testing.T) {
	cidr := mustCIDR(t, "10.13.37.2", 24)
	ic := NewIntercepter(cidr, nil, nil)

	frame := ethIPv4Frame(t, net.ParseIP("10.13.37.5"), net.ParseIP("8.8.8.8"))
	assert.False(t, ic.Process(frame))
}

func TestInterceptNonIPv4PassesThrough(t *testing.T) {
	cidr := mustCIDR(t, "10.13.37.2", 24)
	ic := NewIntercepter(cidr, nil, nil)

	frame := ethIPv4Frame(t, net.ParseIP("10.13.37.5"), net.ParseIP("10.13.37.6"))
	frame[12], frame[13] = 0x08, 0x06 // ARP ethertype
	assert.False(t, ic.Process(frame))
}

func TestInterceptRelayDeadDropsButConsumes(t *testing.T) {
	cidr := mustCIDR(t, "10.13.37.2", 24)
	fake := &fakeRelay{dead: true}
	ic := NewIntercepter(cidr, fake, nil)

	frame := ethIPv4Frame(t, net.ParseIP("10.13.37.5"), net.ParseIP("10.13.37.6"))
	assert.True(t, ic.Process(frame))
	assert.Empty(t, fake.sent)
}

func TestInterceptCountsRedirectedAndDropped(t *testing.T) {
	cidr := mustCIDR(t, "10.13.37.2", 24)
	frame := ethIPv4Frame(t, net.ParseIP("10.13.37.5"), net.ParseIP("10.13.37.6"))

	counters := &fakeCounters{}
	ic := NewIntercepter(cidr, &fakeRelay{}, counters)
	assert.True(t, ic.Process(frame))
	assert.Equal(t, 1, counters.redirected)
	assert.Equal(t, 0, counters.dropped)

	deadCounters := &fakeCounters{}
	icDead := NewIntercepter(cidr, &fakeRelay{dead: true}, deadCounters)
	assert.True(t, icDead.Process(frame))
	assert.Equal(t, 0, deadCounters.redirected)
	assert.Equal(t, 1, deadCounters.dropped)
}
