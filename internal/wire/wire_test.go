package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTripVariants(t *testing.T) {
	ipv4Body := bytes.Repeat([]byte{0xAB}, minIPv4Body)

	cases := []Frame{
		{Kind: KindKeepalive},
		{Kind: KindAuthMe},
		{Kind: KindInfo},
		{Kind: KindPing, Body: PingPayload[:]},
		{Kind: KindIPv4, Body: ipv4Body},
	}

	for _, f := range cases {
		built := Build(f)
		got, err := Parse(built)
		require.NoError(t, err)
		assert.Equal(t, f.Kind, got.Kind)
		assert.Equal(t, f.Body, got.Body)
	}
}

func TestParseRejectsUnknownTag(t *testing.T) {
	_, err := Parse([]byte{0xFF})
	assert.ErrorIs(t, err, ErrNotParseable)
}

func TestParseRejectsBadLengthBounds(t *testing.T) {
	_, err := Parse(nil)
	assert.ErrorIs(t, err, ErrNotParseable)

	tooLong := make([]byte, 2049)
	_, err = Parse(tooLong)
	assert.ErrorIs(t, err, ErrNotParseable)
}

func TestParseRejectsShortIPv4Body(t *testing.T) {
	body := bytes.Repeat([]byte{0x00}, minIPv4Body-1)
	_, err := Parse(append([]byte{byte(KindIPv4)}, body...))
	assert.ErrorIs(t, err, ErrNotParseable)
}

func TestParseRejectsWrongPingLength(t *testing.T) {
	_, err := Parse([]byte{byte(KindPing), 1, 2, 3})
	assert.ErrorIs(t, err, ErrNotParseable)

	_, err = Parse([]byte{byte(KindPing), 1, 2, 3, 4, 5})
	assert.ErrorIs(t, err, ErrNotParseable)
}

func TestParseNeverPanics(t *testing.T) {
	lengths := []int{0, 1, 2, 3, 19, 20, 21, 2047, 2048, 2049, 5000}
	for _, n := range lengths {
		b := make([]byte, n)
		if n > 0 {
			b[0] = byte(KindIPv4)
		}
		assert.NotPanics(t, func() {
			_, _ = Parse(b)
		})
	}
}

func TestParseIPv4FragLayout(t *testing.T) {
	body := make([]byte, fragDataOff+3)
	body[fragSrcIPOff] = 10
	body[fragDstIPOff] = 20
	body[fragPartOff] = 1
	body[fragTotalPartOff] = 4
	copy(body[fragDataOff:], []byte{1, 2, 3})

	full := append([]byte{byte(KindIPv4Frag)}, body...)
	f, err := Parse(full)
	require.NoError(t, err)
	assert.Equal(t, KindIPv4Frag, f.Kind)

	frag, err := ParseIPv4Frag(f.Body)
	require.NoError(t, err)
	assert.Equal(t, uint8(1), frag.Part)
	assert.Equal(t, uint8(4), frag.TotalPart)
	assert.Equal(t, []byte{1, 2, 3}, frag.Data)
}
