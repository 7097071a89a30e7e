package codec

import (
	"fmt"

	"github.com/KevinKickass/OpenLabCore/internal/transport"
	"github.com/KevinKickass/OpenLabCore/internal/types"
)

// Command is an abstract device command: a capability name plus its
// arguments in schema order. Argument values are int64, float64, bool,
// string or []int64.
type Command struct {
	Name string
	Args []any
}

func (c Command) String() string {
	return fmt.Sprintf("%s%v", c.Name, c.Args)
}

// Result is the decoded success value of a command. Value is nil for
// acknowledgements, otherwise int64, float64, bool, string or map[string]any.
type Result struct {
	Value any `json:"value"`
}

// Frame is an encoded request plus the shape of the reply it expects.
type Frame struct {
	Payload []byte
	Reply   transport.ReadSpec
}

// Codec translates commands of one device family to and from wire bytes.
// Encode fails with types.ErrEncoding, Decode with types.ErrDecoding or a
// *types.DeviceError when the device answered with an error response.
//
// A Codec instance belongs to a single session and may keep state learned
// from earlier replies.
type Codec interface {
	Encode(cmd Command) (Frame, error)
	Decode(cmd Command, reply []byte) (Result, error)
}

// Encoding builds an ErrEncoding failure.
func Encoding(cmd Command, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", types.ErrEncoding, cmd.Name, fmt.Sprintf(format, args...))
}

// Argument builds an InvalidArgument failure for a value that passed the
// capability schema but does not fit this device instance.
func Argument(cmd Command, name, format string, args ...any) error {
	return &types.ArgumentError{Capability: cmd.Name, Argument: name, Reason: fmt.Sprintf(format, args...)}
}

// Decoding builds an ErrDecoding failure quoting the reply.
func Decoding(cmd Command, reply []byte, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s (reply %q)", types.ErrDecoding, cmd.Name, fmt.Sprintf(format, args...), reply)
}

// IntArg returns argument i as int64, checked against [lo, hi].
func IntArg(cmd Command, i int, lo, hi int64) (int64, error) {
	if i >= len(cmd.Args) {
		return 0, Encoding(cmd, "missing argument %d", i)
	}
	v, ok := cmd.Args[i].(int64)
	if !ok {
		return 0, Encoding(cmd, "argument %d: expected integer, got %T", i, cmd.Args[i])
	}
	if v < lo || v > hi {
		return 0, Encoding(cmd, "argument %d: %d outside %d..%d", i, v, lo, hi)
	}
	return v, nil
}

// FloatArg returns argument i as float64, checked against [lo, hi].
func FloatArg(cmd Command, i int, lo, hi float64) (float64, error) {
	if i >= len(cmd.Args) {
		return 0, Encoding(cmd, "missing argument %d", i)
	}
	var v float64
	switch n := cmd.Args[i].(type) {
	case float64:
		v = n
	case int64:
		v = float64(n)
	default:
		return 0, Encoding(cmd, "argument %d: expected number, got %T", i, cmd.Args[i])
	}
	if v < lo || v > hi {
		return 0, Encoding(cmd, "argument %d: %g outside %g..%g", i, v, lo, hi)
	}
	return v, nil
}

// StringArg returns argument i as string.
func StringArg(cmd Command, i int) (string, error) {
	if i >= len(cmd.Args) {
		return "", Encoding(cmd, "missing argument %d", i)
	}
	s, ok := cmd.Args[i].(string)
	if !ok {
		return "", Encoding(cmd, "argument %d: expected string, got %T", i, cmd.Args[i])
	}
	return s, nil
}

// IntListArg returns argument i as []int64 of exactly n elements, each in [lo, hi].
func IntListArg(cmd Command, i, n int, lo, hi int64) ([]int64, error) {
	if i >= len(cmd.Args) {
		return nil, Encoding(cmd, "missing argument %d", i)
	}
	list, ok := cmd.Args[i].([]int64)
	if !ok {
		return nil, Encoding(cmd, "argument %d: expected integer list, got %T", i, cmd.Args[i])
	}
	if len(list) != n {
		return nil, Encoding(cmd, "argument %d: expected %d values, got %d", i, n, len(list))
	}
	for j, v := range list {
		if v < lo || v > hi {
			return nil, Encoding(cmd, "argument %d[%d]: %d outside %d..%d", i, j, v, lo, hi)
		}
	}
	return list, nil
}
