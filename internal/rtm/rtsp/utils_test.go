package rtsp

import (
	"bufio"
	"bytes"
	"net"
	"testing"

	"github.com/aler9/gortsplib/pkg/base"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteInterleavedWireFormat(t *testing.T) {
	var out bytes.Buffer
	bw := bufio.NewWriter(&out)
	var fb bytes.Buffer

	payload := make([]byte, 300)
	payload[0] = 0x80
	require.NoError(t, writeInterleaved(bw, &fb, 3, payload))
	require.NoError(t, writeInterleaved(bw, &fb, 1, []byte{0x81, 0xc9}))

	raw := out.Bytes()
	require.Len(t, raw, 4+300+4+2)
	assert.Equal(t, []byte{'$', 3, 0x01, 0x2c}, raw[:4])
	assert.Equal(t, []byte{'$', 1, 0x00, 0x02, 0x81, 0xc9}, raw[304:])

	br := bufio.NewReader(bytes.NewReader(raw))
	var frame base.InterleavedFrame
	var res base.Response

	what, err := base.ReadInterleavedFrameOrResponse(&frame, maxInterleavedLen, &res, br)
	require.NoError(t, err)
	require.IsType(t, &base.InterleavedFrame{}, what)
	assert.Equal(t, 3, frame.Channel)
	assert.Equal(t, payload, frame.Payload)

	what, err = base.ReadInterleavedFrameOrResponse(&frame, maxInterleavedLen, &res, br)
	require.NoError(t, err)
	require.IsType(t, &base.InterleavedFrame{}, what)
	assert.Equal(t, 1, frame.Channel)
	assert.Equal(t, []byte{0x81, 0xc9}, frame.Payload)
}

func TestWriteInterleavedTooLarge(t *testing.T) {
	var out bytes.Buffer
	var fb bytes.Buffer
	bw := bufio.NewWriter(&out)

	assert.Error(t, writeInterleaved(bw, &fb, 0, make([]byte, maxInterleavedLen+1)))
	assert.Zero(t, out.Len())
}

func TestReadSkipsInterleavedFrames(t *testing.T) {
	var out bytes.Buffer
	bw := bufio.NewWriter(&out)
	var fb bytes.Buffer

	require.NoError(t, writeInterleaved(bw, &fb, 0, []byte{0x80, 0x60}))
	require.NoError(t, writeRequest(bw, &base.Request{
		Method: base.Options,
		URL:    mustURL(t, "rtsp://127.0.0.1:8554/live"),
		Header: base.Header{"CSeq": base.HeaderValue{"7"}},
	}))
	require.NoError(t, writeInterleaved(bw, &fb, 1, []byte{0x81, 0xc9}))
	require.NoError(t, writeResponse(bw, &base.Response{
		StatusCode: base.StatusOK,
		Header:     base.Header{"CSeq": base.HeaderValue{"7"}},
	}))

	br := bufio.NewReader(&out)

	req, err := readRequest(br)
	require.NoError(t, err)
	assert.Equal(t, base.Options, req.Method)
	assert.Equal(t, base.HeaderValue{"7"}, req.Header["CSeq"])

	res, err := readResponse(br)
	require.NoError(t, err)
	assert.Equal(t, base.StatusOK, res.StatusCode)
}

func TestHostOf(t *testing.T) {
	assert.Equal(t, "127.0.0.1", hostOf(&net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 8554}))
	assert.Equal(t, "::1", hostOf(&net.UDPAddr{IP: net.IPv6loopback, Port: 5000}))
}
