package runze

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KevinKickass/OpenLabCore/internal/codec"
	"github.com/KevinKickass/OpenLabCore/internal/types"
)

func newCodec(t *testing.T, settings map[string]any) *Codec {
	t.Helper()
	c, err := NewCodec(settings)
	require.NoError(t, err)
	return c.(*Codec)
}

func TestFrameEncode(t *testing.T) {
	// CC 01 44 03 00 DD -> sum 0x01F1
	got := Frame{Address: 1, Code: FuncSetPosition, Param: 3}.Encode()
	assert.Equal(t, []byte{0xCC, 0x01, 0x44, 0x03, 0x00, 0xDD, 0xF1, 0x01}, got)
}

func TestFrameDecodeRejectsCorruption(t *testing.T) {
	good := Frame{Address: 1, Code: StatusNormal, Param: 4}.Encode()
	_, err := DecodeFrame(good)
	require.NoError(t, err)

	bad := append([]byte(nil), good...)
	bad[3] ^= 0x01
	_, err = DecodeFrame(bad)
	assert.ErrorContains(t, err, "checksum")

	bad = append([]byte(nil), good...)
	bad[0] = 0xAA
	_, err = DecodeFrame(bad)
	assert.Error(t, err)

	_, err = DecodeFrame(good[:7])
	assert.Error(t, err)
}

func TestPositionRoundTrip(t *testing.T) {
	c := newCodec(t, map[string]any{"address": 2, "ports": 16})
	sim := NewSimulator(2, 16)

	for _, pos := range []int64{1, 8, 16} {
		set := codec.Command{Name: CapSetPosition, Args: []any{pos}}
		frame, err := c.Encode(set)
		require.NoError(t, err)
		assert.Equal(t, FrameLen, frame.Reply.Length)

		reply, err := sim.Respond(frame.Payload)
		require.NoError(t, err)
		_, err = c.Decode(set, reply)
		require.NoError(t, err)

		get := codec.Command{Name: CapGetPosition}
		frame, err = c.Encode(get)
		require.NoError(t, err)
		reply, err = sim.Respond(frame.Payload)
		require.NoError(t, err)
		res, err := c.Decode(get, reply)
		require.NoError(t, err)
		assert.Equal(t, pos, res.Value)
	}
}

func TestEncodeChecksHead(t *testing.T) {
	c := newCodec(t, map[string]any{"ports": 6})
	_, err := c.Encode(codec.Command{Name: CapSetPosition, Args: []any{int64(7)}})
	var argErr *types.ArgumentError
	require.ErrorAs(t, err, &argErr)
	assert.Equal(t, "position", argErr.Argument)
	assert.Equal(t, types.KindInvalidArgument, types.KindOf(err))
	_, err = c.Encode(codec.Command{Name: CapSetPosition, Args: []any{int64(0)}})
	assert.ErrorIs(t, err, types.ErrEncoding)
}

func TestDecodeStatus(t *testing.T) {
	c := newCodec(t, nil)
	set := codec.Command{Name: CapSetPosition, Args: []any{int64(2)}}

	_, err := c.Decode(set, Frame{Address: 1, Code: StatusMotorStalled}.Encode())
	require.ErrorIs(t, err, types.ErrDeviceReported)
	var devErr *types.DeviceError
	require.ErrorAs(t, err, &devErr)
	assert.Equal(t, "0x05", devErr.Code)
	assert.Equal(t, "motor stalled", devErr.Message)

	_, err = c.Decode(set, Frame{Address: 9, Code: StatusNormal}.Encode())
	assert.ErrorIs(t, err, types.ErrDecoding)
}

func TestSimulatorBusy(t *testing.T) {
	c := newCodec(t, nil)
	sim := NewSimulator(1, 6)
	sim.Busy = true

	set := codec.Command{Name: CapSetPosition, Args: []any{int64(3)}}
	frame, err := c.Encode(set)
	require.NoError(t, err)
	reply, err := sim.Respond(frame.Payload)
	require.NoError(t, err)
	_, err = c.Decode(set, reply)
	assert.Equal(t, types.KindDeviceReported, types.KindOf(err))
	assert.Equal(t, int64(1), sim.Position())
}

func TestNewCodecRejectsUnknownHead(t *testing.T) {
	_, err := NewCodec(map[string]any{"ports": 7})
	assert.Error(t, err)
	_, err = NewCodec(map[string]any{"address": 300})
	assert.Error(t, err)
}
