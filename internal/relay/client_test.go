package relay

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanrelay/gwcore/internal/wire"
)

// fakeServer answers pings with a configurable reply, modeling the three
// scenario-1 failure shapes plus the success case.
func fakeServer(t *testing.T, reply []byte) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)

	go func() {
		buf := make([]byte, 2048)
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		_ = n
		if reply != nil {
			conn.WriteToUDP(reply, addr)
		}
	}()
	return conn
}

func TestPingSuccess(t *testing.T) {
	srv := fakeServer(t, wire.Ping())
	defer srv.Close()

	c, err := Dial(srv.LocalAddr().String())
	require.NoError(t, err)
	defer c.conn.Close()

	assert.NoError(t, c.Ping())
}

func TestPingWrongLength(t *testing.T) {
	srv := fakeServer(t, []byte{0x02, 0x31, 0x32})
	defer srv.Close()

	c, err := Dial(srv.LocalAddr().String())
	require.NoError(t, err)
	defer c.conn.Close()

	assert.ErrorIs(t, c.Ping(), ErrWrongPingLength)
}

func TestPingWrongContent(t *testing.T) {
	srv := fakeServer(t, []byte{0x02, 0x39, 0x39, 0x39, 0x39})
	defer srv.Close()

	c, err := Dial(srv.LocalAddr().String())
	require.NoError(t, err)
	defer c.conn.Close()

	assert.ErrorIs(t, c.Ping(), ErrWrongPingContent)
}
