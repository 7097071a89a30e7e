package capability

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KevinKickass/OpenLabCore/internal/codec"
	"github.com/KevinKickass/OpenLabCore/internal/types"
)

type recordingInvoker struct {
	calls [][]any
}

func (r *recordingInvoker) Invoke(_ context.Context, c Capability, args []any) (codec.Result, error) {
	r.calls = append(r.calls, args)
	return codec.Result{Value: c.Name}, nil
}

var setPort = Capability{
	Name: "set-port",
	Args: []Arg{
		{Name: "port", Kind: KindString, Enum: []string{"a", "b", "c", "d"}},
		{Name: "value", Kind: KindInt, Range: &Range{Min: 0, Max: 65535}},
	},
	Result: KindNone,
}

var setChannels = Capability{
	Name: "set-channels",
	Args: []Arg{
		{Name: "port", Kind: KindString, Enum: []string{"a", "b", "c", "d"}, Default: "a"},
		{Name: "channels", Kind: KindIntList, Length: 8, Range: &Range{Min: 0, Max: 2}},
	},
	Result: KindNone,
}

func newTestRegistry(t *testing.T) (*Registry, *recordingInvoker) {
	t.Helper()
	r := NewRegistry()
	require.NoError(t, r.Register("box", setPort))
	require.NoError(t, r.Register("box", setChannels))
	inv := &recordingInvoker{}
	require.NoError(t, r.Bind("box1", "box", inv))
	return r, inv
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("box", setPort))
	require.Error(t, r.Register("box", setPort))

	// same name on another type is fine
	require.NoError(t, r.Register("valve", setPort))
}

func TestRegisterFrozenAfterBind(t *testing.T) {
	r, _ := newTestRegistry(t)
	err := r.Register("box", Capability{Name: "get-version", Result: KindString})
	require.Error(t, err)
}

func TestRegisterRejectsIncompleteSchema(t *testing.T) {
	r := NewRegistry()
	err := r.Register("box", Capability{Name: "bad", Args: []Arg{{Name: "x"}}})
	require.Error(t, err)
	err = r.Register("box", Capability{Name: "bad-list", Args: []Arg{{Name: "x", Kind: KindIntList}}})
	require.Error(t, err)
}

func TestDispatch(t *testing.T) {
	r, inv := newTestRegistry(t)

	res, err := r.Dispatch(context.Background(), "box1", "set-port", map[string]any{"port": "a", "value": float64(65535)})
	require.NoError(t, err)
	assert.Equal(t, "set-port", res.Value)
	require.Len(t, inv.calls, 1)
	assert.Equal(t, []any{"a", int64(65535)}, inv.calls[0])
}

func TestDispatchErrors(t *testing.T) {
	tests := []struct {
		name     string
		device   string
		cap      string
		args     map[string]any
		wantKind types.Kind
		wantArg  string
	}{
		{"unknown device", "box9", "set-port", nil, types.KindUnknownDevice, ""},
		{"unknown capability", "box1", "set-flow", nil, types.KindUnknownCapability, ""},
		{"port above range", "box1", "set-port", map[string]any{"port": "a", "value": 65536}, types.KindInvalidArgument, "value"},
		{"negative port", "box1", "set-port", map[string]any{"port": "a", "value": -1}, types.KindInvalidArgument, "value"},
		{"fractional value", "box1", "set-port", map[string]any{"port": "a", "value": 1.5}, types.KindInvalidArgument, "value"},
		{"wrong type", "box1", "set-port", map[string]any{"port": "a", "value": "12"}, types.KindInvalidArgument, "value"},
		{"bad enum", "box1", "set-port", map[string]any{"port": "e", "value": 1}, types.KindInvalidArgument, "port"},
		{"missing", "box1", "set-port", map[string]any{"port": "a"}, types.KindInvalidArgument, "value"},
		{"undeclared", "box1", "set-port", map[string]any{"port": "a", "value": 1, "force": true}, types.KindInvalidArgument, "force"},
		{"short list", "box1", "set-channels", map[string]any{"channels": []any{1, 2}}, types.KindInvalidArgument, "channels"},
		{"list element range", "box1", "set-channels", map[string]any{"channels": []any{0, 0, 0, 3, 0, 0, 0, 0}}, types.KindInvalidArgument, "channels"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, inv := newTestRegistry(t)
			_, err := r.Dispatch(context.Background(), tt.device, tt.cap, tt.args)
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, types.KindOf(err))
			assert.Empty(t, inv.calls, "invoker must not be reached")

			if tt.wantArg != "" {
				var argErr *types.ArgumentError
				require.True(t, errors.As(err, &argErr))
				assert.Equal(t, tt.wantArg, argErr.Argument)
				assert.NotEmpty(t, argErr.Reason)
			}
		})
	}
}

func TestDispatchDefaultsAndJSONNumbers(t *testing.T) {
	r, inv := newTestRegistry(t)

	_, err := r.Dispatch(context.Background(), "box1", "set-channels", map[string]any{
		"channels": []any{json.Number("2"), json.Number("1"), 0, 0, 0, 0, 0, float64(2)},
	})
	require.NoError(t, err)
	require.Len(t, inv.calls, 1)
	assert.Equal(t, []any{"a", []int64{2, 1, 0, 0, 0, 0, 0, 2}}, inv.calls[0])
}

func TestListIsRestartable(t *testing.T) {
	r, _ := newTestRegistry(t)
	seq, err := r.List("box1")
	require.NoError(t, err)

	var first, second []string
	for c := range seq {
		first = append(first, c.Name)
	}
	for c := range seq {
		second = append(second, c.Name)
	}
	assert.Equal(t, []string{"set-port", "set-channels"}, first)
	assert.Equal(t, first, second)

	for c := range seq {
		assert.Equal(t, "set-port", c.Name)
		break
	}

	_, err = r.List("nope")
	assert.ErrorIs(t, err, types.ErrUnknownDevice)
}
