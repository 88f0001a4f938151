package slcan

import (
	"fmt"
	"testing"
	"time"

	tritoncan "github.com/evm100/TritonCAN"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testRig struct {
	engine *Engine
	ctrl   *tritoncan.VirtualController
	peer   *tritoncan.VirtualController
}

func newTestRig(t *testing.T, cfg Config) *testRig {
	t.Helper()
	bus := tritoncan.NewVirtualBus()
	ctrl := bus.NewController()
	peer := bus.NewController()
	bt, err := tritoncan.TimingForBitrate(500_000)
	require.NoError(t, err)
	require.NoError(t, peer.Install(bt))
	require.NoError(t, peer.Start())
	return &testRig{
		engine: New(tritoncan.NewTransport(ctrl), cfg),
		ctrl:   ctrl,
		peer:   peer,
	}
}

func (r *testRig) process(t *testing.T, line string) ([]byte, error) {
	t.Helper()
	return r.engine.ProcessLine([]byte(line))
}

func TestEngineOpenClose(t *testing.T) {
	r := newTestRig(t, Config{})

	resp, err := r.process(t, "O")
	require.NoError(t, err)
	assert.Equal(t, []byte{CR}, resp)
	assert.True(t, r.engine.IsOpen())

	resp, err = r.process(t, "C")
	require.NoError(t, err)
	assert.Equal(t, []byte{CR}, resp)
	assert.False(t, r.engine.IsOpen())
}

func TestEngineVersionAndStatus(t *testing.T) {
	r := newTestRig(t, Config{})
	for line, want := range map[string]string{
		"V": "V1100\r",
		"v": "v1100\r",
		"F": "F00\r",
		"N": "NT100\r",
	} {
		resp, err := r.process(t, line)
		require.NoError(t, err, line)
		assert.Equal(t, want, string(resp), line)
	}
}

func TestEngineSetBitrate(t *testing.T) {
	r := newTestRig(t, Config{})

	resp, err := r.process(t, "S4")
	require.NoError(t, err)
	assert.Equal(t, []byte{CR}, resp)
	assert.Equal(t, 125_000, r.engine.Bitrate())

	_, err = r.process(t, "S9")
	assert.ErrorIs(t, err, tritoncan.ErrUnsupportedBitrate)
	_, err = r.process(t, "SX")
	assert.ErrorIs(t, err, tritoncan.ErrUnsupportedBitrate)
	_, err = r.process(t, "S")
	assert.ErrorIs(t, err, tritoncan.ErrTruncatedLine)
	// A rejected code leaves the staged bitrate alone.
	assert.Equal(t, 125_000, r.engine.Bitrate())
}

func TestEngineSetBitrateWhileOpen(t *testing.T) {
	r := newTestRig(t, Config{})
	_, err := r.process(t, "O")
	require.NoError(t, err)

	_, err = r.process(t, "S8")
	assert.ErrorIs(t, err, tritoncan.ErrSessionOpen)

	// Close, retime, reopen is the sanctioned sequence.
	_, err = r.process(t, "C")
	require.NoError(t, err)
	_, err = r.process(t, "S8")
	require.NoError(t, err)
	assert.Equal(t, 1_000_000, r.engine.Bitrate())
}

func TestEngineSetBitrateReinitOptIn(t *testing.T) {
	r := newTestRig(t, Config{ReinitOnSetBitrate: true})
	_, err := r.process(t, "O")
	require.NoError(t, err)

	resp, err := r.process(t, "S8")
	require.NoError(t, err)
	assert.Equal(t, []byte{CR}, resp)
	assert.True(t, r.engine.IsOpen())
	assert.Equal(t, 1_000_000, r.engine.Bitrate())
}

func TestEngineTransmitSessionState(t *testing.T) {
	r := newTestRig(t, Config{})

	_, err := r.process(t, "t1231AA")
	assert.ErrorIs(t, err, tritoncan.ErrSessionClosed)

	_, err = r.process(t, "O")
	require.NoError(t, err)
	resp, err := r.process(t, "t1231AA")
	require.NoError(t, err)
	assert.Equal(t, []byte{CR}, resp)

	got, ok, err := r.peer.Receive(100 * time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint32(0x123), got.Identifier)
	assert.Equal(t, []byte{0xAA}, got.Payload())

	_, err = r.process(t, "C")
	require.NoError(t, err)
	_, err = r.process(t, "t1231AA")
	assert.ErrorIs(t, err, tritoncan.ErrSessionClosed)
}

func TestEngineUnrecognizedCommand(t *testing.T) {
	r := newTestRig(t, Config{})
	_, err := r.process(t, "Z")
	assert.ErrorIs(t, err, tritoncan.ErrUnrecognizedCommand)
	_, err = r.process(t, "X123")
	assert.ErrorIs(t, err, tritoncan.ErrUnrecognizedCommand)
}

func TestParseFrameBoundaries(t *testing.T) {
	tests := []struct {
		line string
		err  error
	}{
		{"t1238", tritoncan.ErrTruncatedLine},            // dlc 8, no data
		{"t1239", tritoncan.ErrInvalidLength},            // dlc 9
		{"t12", tritoncan.ErrTruncatedLine},              // shorter than header
		{"t1231AABB", tritoncan.ErrInvalidLength},        // extra data pair
		{"t12G1AA", tritoncan.ErrMalformedHex},           // bad id digit
		{"t1231AG", tritoncan.ErrMalformedHex},           // bad data digit
		{"r1231AA", tritoncan.ErrInvalidLength},          // remote with payload
		{"T1200FD01880AA0BB0CC0DD0EE0FF0110022", tritoncan.ErrInvalidLength},
		{"t8000", tritoncan.ErrInvalidIdentifier},        // 0x800 over 11 bits
	}
	for _, tt := range tests {
		_, err := ParseFrame([]byte(tt.line))
		assert.ErrorIs(t, err, tt.err, tt.line)
	}
}

func TestParseFrameExtended(t *testing.T) {
	f, err := ParseFrame([]byte("T1200FD0180A0B0C0D0E0F1011"))
	require.NoError(t, err)
	assert.True(t, f.Extended)
	assert.Equal(t, uint32(0x1200FD01), f.Identifier)
	assert.Equal(t, uint8(8), f.Length)
	assert.Equal(t, []byte{0x0A, 0x0B, 0x0C, 0x0D, 0x0E, 0x0F, 0x10, 0x11}, f.Payload())
}

func TestMarshalParseRoundTrip(t *testing.T) {
	var frames []tritoncan.Frame
	for length := 0; length <= 8; length++ {
		data := make([]byte, length)
		for i := range data {
			data[i] = byte(0xA0 + i)
		}
		frames = append(frames,
			tritoncan.NewFrame(uint32(0x100+length), data),
			tritoncan.NewExtendedFrame(uint32(0x1ABC0000+length), data),
		)
	}
	frames = append(frames,
		tritoncan.NewRemoteFrame(0x7FF, 3, false),
		tritoncan.NewRemoteFrame(0x1FFFFFFF, 0, true),
	)
	for _, want := range frames {
		line := Marshal(want)
		require.Equal(t, byte(CR), line[len(line)-1])
		got, err := ParseFrame(line[:len(line)-1])
		require.NoError(t, err, "%q", line)
		assert.Equal(t, want, got, "%q", line)
	}
}

func TestMarshalFormat(t *testing.T) {
	f := tritoncan.NewFrame(0x123, []byte{0xAB})
	assert.Equal(t, "t1231AB\r", string(Marshal(f)))
	e := tritoncan.NewExtendedFrame(0x1200FD01, []byte{0x0A, 0x0B})
	assert.Equal(t, "T1200FD0120A0B\r", string(Marshal(e)))
	r := tritoncan.NewRemoteFrame(0x0FF, 2, false)
	assert.Equal(t, "r0FF2\r", string(Marshal(r)))
}

func TestLineSplitter(t *testing.T) {
	var s LineSplitter
	assert.Empty(t, s.Feed([]byte("t123")))
	lines := s.Feed([]byte("1AA\rO\r\nC\r"))
	require.Len(t, lines, 3)
	assert.Equal(t, "t1231AA", string(lines[0]))
	assert.Equal(t, "O", string(lines[1]))
	assert.Equal(t, "C", string(lines[2]))
	// Bare terminators produce nothing.
	assert.Empty(t, s.Feed([]byte("\r\r\n")))
}

func TestProcessLineErrorsDoNotPoisonState(t *testing.T) {
	r := newTestRig(t, Config{})
	_, err := r.process(t, "O")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err = r.process(t, fmt.Sprintf("t123%d", 9))
		require.Error(t, err)
	}
	// A valid line right after a run of bad ones still works.
	resp, err := r.process(t, "t0010")
	require.NoError(t, err)
	assert.Equal(t, []byte{CR}, resp)
}
