package switchbox

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KevinKickass/OpenLabCore/internal/codec"
	"github.com/KevinKickass/OpenLabCore/internal/transport"
	"github.com/KevinKickass/OpenLabCore/internal/types"
)

func cmd(name string, args ...any) codec.Command {
	return codec.Command{Name: name, Args: args}
}

func TestEncode(t *testing.T) {
	tests := []struct {
		cmd  codec.Command
		want string
	}{
		{cmd(CapGetVersion), "get ver\r"},
		{cmd(CapSetPort, "a", int64(65535)), "set a:65535\r"},
		{cmd(CapSetPort, "b", int64(0)), "set b:0\r"},
		{cmd(CapGetPort, "b"), "get b\r"},
		{cmd(CapSetStart, "a", int64(65535)), "set starta:65535\r"},
		{cmd(CapGetStart, "d"), "get startd\r"},
		{cmd(CapSetPorts, []int64{1, 2, 3, 65535}), "set abcd:1,2,3,65535\r"},
		{cmd(CapGetPorts), "get abcd\r"},
		{cmd(CapSetDAC, int64(1), int64(4095)), "set dac1:4095\r"},
		{cmd(CapSetDACVoltage, int64(2), 5.0), "set dac2:2048\r"},
		{cmd(CapGetDAC, int64(2)), "get dac2\r"},
		{cmd(CapGetADC, int64(7)), "get adc7\r"},
		{cmd(CapGetADCAll), "get adcx\r"},
		{cmd(CapSetChannels, "c", []int64{1, 0, 2, 0, 0, 0, 0, 0}), "set c:1284\r"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			frame, err := Codec{}.Encode(tt.cmd)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(frame.Payload))
			assert.Equal(t, []byte("\r"), frame.Reply.Delimiter)
		})
	}
}

func TestEncodeRejectsOutOfRange(t *testing.T) {
	bad := []codec.Command{
		cmd(CapSetPort, "a", int64(65536)),
		cmd(CapSetPort, "a", int64(-1)),
		cmd(CapSetPort, "e", int64(1)),
		cmd(CapSetPort, "a", "1"),
		cmd(CapSetDAC, int64(1), int64(4096)),
		cmd(CapSetDAC, int64(3), int64(1)),
		cmd(CapSetDACVoltage, int64(1), 10.5),
		cmd(CapSetPorts, []int64{1, 2, 3}),
		cmd(CapSetChannels, "a", []int64{0, 0, 0, 0, 0, 0, 0, 3}),
		cmd("set-flow"),
	}
	for _, c := range bad {
		_, err := Codec{}.Encode(c)
		require.Error(t, err, c.String())
		assert.ErrorIs(t, err, types.ErrEncoding, c.String())
	}
}

func TestPortRoundTrip(t *testing.T) {
	sim := NewSimulator()
	for _, v := range []int64{0, 1, 12345, 65535} {
		set := cmd(CapSetPort, "a", v)
		frame, err := Codec{}.Encode(set)
		require.NoError(t, err)
		reply, err := sim.Respond(frame.Payload)
		require.NoError(t, err)
		_, err = Codec{}.Decode(set, reply)
		require.NoError(t, err)

		get := cmd(CapGetPort, "a")
		frame, err = Codec{}.Encode(get)
		require.NoError(t, err)
		reply, err = sim.Respond(frame.Payload)
		require.NoError(t, err)
		res, err := Codec{}.Decode(get, reply)
		require.NoError(t, err)
		assert.Equal(t, v, res.Value)
	}
}

func TestFirmwareReplyFraming(t *testing.T) {
	sim := NewSimulator()
	assert.Equal(t, []byte("\nSwitchBox MPIKG V1.2\r\n>"), WireReply(sim.Version))

	link := transport.NewSimulated(t.Name(), sim)
	require.NoError(t, link.Open())
	t.Cleanup(func() { _ = link.Close() })

	exchange := func(c codec.Command) codec.Result {
		t.Helper()
		frame, err := Codec{}.Encode(c)
		require.NoError(t, err)
		require.NoError(t, link.Write(frame.Payload))
		reply, err := link.ReadUntil(frame.Reply, 100*time.Millisecond)
		require.NoError(t, err)
		res, err := Codec{}.Decode(c, reply)
		require.NoError(t, err)
		return res
	}

	assert.Equal(t, sim.Version, exchange(cmd(CapGetVersion)).Value)

	// prompt of the previous reply still pending
	exchange(cmd(CapSetPort, "a", int64(513)))
	assert.Equal(t, int64(513), exchange(cmd(CapGetPort, "a")).Value)

	require.NoError(t, link.Flush())
	assert.Equal(t, int64(0), exchange(cmd(CapGetPort, "b")).Value)
}

func TestDecode(t *testing.T) {
	res, err := Codec{}.Decode(cmd(CapGetPort, "b"), []byte("12345\r\n"))
	require.NoError(t, err)
	assert.Equal(t, int64(12345), res.Value)

	res, err = Codec{}.Decode(cmd(CapGetStart, "a"), []byte("starta:65535\r\n"))
	require.NoError(t, err)
	assert.Equal(t, int64(65535), res.Value)

	res, err = Codec{}.Decode(cmd(CapSetPort, "a", int64(1)), []byte("\n\r"))
	require.NoError(t, err)
	assert.Nil(t, res.Value)

	res, err = Codec{}.Decode(cmd(CapGetPorts), []byte("a:1,b:2,c:3,d:65535\r\n"))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": int64(1), "b": int64(2), "c": int64(3), "d": int64(65535)}, res.Value)

	res, err = Codec{}.Decode(cmd(CapGetDAC, int64(1)), []byte("4095\r\n"))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"raw": int64(4095), "volts": 10.0}, res.Value)

	res, err = Codec{}.Decode(cmd(CapGetADC, int64(0)), []byte("2.500\r\n"))
	require.NoError(t, err)
	assert.InDelta(t, 2.5, res.Value, 1e-9)
}

func TestDecodeFailures(t *testing.T) {
	_, err := Codec{}.Decode(cmd(CapSetPort, "a", int64(1)), []byte("ERROR value\r\n"))
	assert.ErrorIs(t, err, types.ErrDeviceReported)
	assert.Equal(t, types.KindDeviceReported, types.KindOf(err))

	_, err = Codec{}.Decode(cmd(CapGetPort, "a"), []byte("65536\r\n"))
	assert.ErrorIs(t, err, types.ErrDecoding)

	_, err = Codec{}.Decode(cmd(CapGetPort, "a"), []byte("abc\r\n"))
	assert.ErrorIs(t, err, types.ErrDecoding)

	_, err = Codec{}.Decode(cmd(CapGetADC, int64(0)), []byte("5.2\r\n"))
	assert.ErrorIs(t, err, types.ErrDecoding)

	_, err = Codec{}.Decode(cmd(CapSetPort, "a", int64(1)), []byte("12\r\n"))
	assert.ErrorIs(t, err, types.ErrDecoding)
}

func TestChannelWord(t *testing.T) {
	assert.Equal(t, int64(0), ChannelWord([]int64{0, 0, 0, 0, 0, 0, 0, 0}))
	assert.Equal(t, int64(0x0100), ChannelWord([]int64{1, 0, 0, 0, 0, 0, 0, 0}))
	assert.Equal(t, int64(0x0101), ChannelWord([]int64{2, 0, 0, 0, 0, 0, 0, 0}))
	assert.Equal(t, int64(0xFFFF), ChannelWord([]int64{2, 2, 2, 2, 2, 2, 2, 2}))
}

func TestDACConversion(t *testing.T) {
	assert.Equal(t, int64(0), VoltsToDAC(0))
	assert.Equal(t, int64(4095), VoltsToDAC(10))
	assert.InDelta(t, 10.0, DACToVolts(4095), 1e-9)
}

func TestStartState(t *testing.T) {
	cmds, err := startState(map[string]any{"starta": 65535, "dac2": float64(100)})
	require.NoError(t, err)
	assert.Equal(t, []codec.Command{
		{Name: CapSetStart, Args: []any{"a", int64(65535)}},
		{Name: CapSetPort, Args: []any{"a", int64(65535)}},
		{Name: CapSetDAC, Args: []any{int64(2), int64(100)}},
	}, cmds)

	_, err = startState(map[string]any{"startb": 70000})
	assert.Error(t, err)
}

func TestSafeState(t *testing.T) {
	cmds, err := safeState(nil)
	require.NoError(t, err)
	assert.Empty(t, cmds)

	cmds, err = safeState(map[string]any{"safe_shutdown": true})
	require.NoError(t, err)
	assert.Len(t, cmds, 3)
}
