package capability

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"sort"
	"strings"

	"github.com/KevinKickass/OpenLabCore/internal/types"
)

type Kind string

const (
	KindNone    Kind = "none"
	KindInt     Kind = "int"
	KindFloat   Kind = "float"
	KindBool    Kind = "bool"
	KindString  Kind = "string"
	KindIntList Kind = "int_list"
	KindRecord  Kind = "record"
)

type Range struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

func (r *Range) contains(v float64) bool {
	return r == nil || (v >= r.Min && v <= r.Max)
}

// Arg declares one capability parameter.
type Arg struct {
	Name        string   `json:"name"`
	Kind        Kind     `json:"type"`
	Description string   `json:"description,omitempty"`
	Unit        string   `json:"unit,omitempty"`
	Range       *Range   `json:"range,omitempty"`
	Enum        []string `json:"enum,omitempty"`
	// Length is the exact element count of an int_list.
	Length   int `json:"length,omitempty"`
	Optional bool `json:"optional,omitempty"`
	Default  any  `json:"default,omitempty"`
}

// Capability is a named, typed operation of a device type.
type Capability struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Args        []Arg  `json:"args"`
	Result      Kind   `json:"result"`
	// Restorable marks setters whose last successful arguments are replayed
	// after a reconnect. RestoreKey names the arguments that select the
	// target, so only the latest write per target is kept.
	Restorable bool     `json:"restorable,omitempty"`
	RestoreKey []string `json:"-"`
}

// RestoreSlot identifies the target a restorable call writes to.
func (c Capability) RestoreSlot(args []any) string {
	slot := c.Name
	for _, key := range c.RestoreKey {
		for i, a := range c.Args {
			if a.Name == key && i < len(args) {
				slot += fmt.Sprintf("|%v", args[i])
			}
		}
	}
	return slot
}

// check verifies the declaration itself: every argument is named, typed
// and unique.
func (c Capability) check() error {
	if c.Name == "" {
		return fmt.Errorf("capability without name")
	}
	seen := make(map[string]bool, len(c.Args))
	for _, a := range c.Args {
		if a.Name == "" {
			return fmt.Errorf("capability %s: argument without name", c.Name)
		}
		if seen[a.Name] {
			return fmt.Errorf("capability %s: duplicate argument %q", c.Name, a.Name)
		}
		seen[a.Name] = true
		switch a.Kind {
		case KindInt, KindFloat, KindBool, KindString:
		case KindIntList:
			if a.Length <= 0 {
				return fmt.Errorf("capability %s: list argument %q needs a length", c.Name, a.Name)
			}
		default:
			return fmt.Errorf("capability %s: argument %q has unsupported type %q", c.Name, a.Name, a.Kind)
		}
	}
	return nil
}

// Validate type- and range-checks raw arguments and returns them in
// declaration order, converted to the codec's value types.
func (c Capability) Validate(raw map[string]any) ([]any, error) {
	for name := range raw {
		if !slices.ContainsFunc(c.Args, func(a Arg) bool { return a.Name == name }) {
			return nil, c.invalid(name, "not a parameter of this capability")
		}
	}

	out := make([]any, 0, len(c.Args))
	for _, a := range c.Args {
		v, present := raw[a.Name]
		if !present || v == nil {
			if a.Default != nil {
				v = a.Default
			} else if a.Optional {
				out = append(out, nil)
				continue
			} else {
				return nil, c.invalid(a.Name, "is required")
			}
		}
		converted, err := a.convert(v)
		if err != nil {
			return nil, c.invalid(a.Name, err.Error())
		}
		out = append(out, converted)
	}
	return out, nil
}

func (c Capability) invalid(arg, reason string) error {
	return &types.ArgumentError{Capability: c.Name, Argument: arg, Reason: reason}
}

func (a Arg) convert(v any) (any, error) {
	switch a.Kind {
	case KindInt:
		n, err := toInt(v)
		if err != nil {
			return nil, err
		}
		if !a.Range.contains(float64(n)) {
			return nil, fmt.Errorf("%d is outside %g..%g", n, a.Range.Min, a.Range.Max)
		}
		return n, nil

	case KindFloat:
		f, err := toFloat(v)
		if err != nil {
			return nil, err
		}
		if !a.Range.contains(f) {
			return nil, fmt.Errorf("%g is outside %g..%g", f, a.Range.Min, a.Range.Max)
		}
		return f, nil

	case KindBool:
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("expected boolean, got %s", describe(v))
		}
		return b, nil

	case KindString:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %s", describe(v))
		}
		if len(a.Enum) > 0 && !slices.Contains(a.Enum, s) {
			return nil, fmt.Errorf("%q is not one of %s", s, strings.Join(a.Enum, ", "))
		}
		return s, nil

	case KindIntList:
		items, err := toList(v)
		if err != nil {
			return nil, err
		}
		if len(items) != a.Length {
			return nil, fmt.Errorf("expected %d values, got %d", a.Length, len(items))
		}
		list := make([]int64, len(items))
		for i, item := range items {
			n, err := toInt(item)
			if err != nil {
				return nil, fmt.Errorf("element %d: %w", i, err)
			}
			if !a.Range.contains(float64(n)) {
				return nil, fmt.Errorf("element %d: %d is outside %g..%g", i, n, a.Range.Min, a.Range.Max)
			}
			list[i] = n
		}
		return list, nil
	}
	return nil, fmt.Errorf("unsupported type %q", a.Kind)
}

func toInt(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint16:
		return int64(n), nil
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) || n != math.Trunc(n) {
			return 0, fmt.Errorf("expected integer, got %v", n)
		}
		if n > math.MaxInt64 || n < math.MinInt64 {
			return 0, fmt.Errorf("%v does not fit an integer", n)
		}
		return int64(n), nil
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, fmt.Errorf("expected integer, got %s", n)
		}
		return i, nil
	}
	return 0, fmt.Errorf("expected integer, got %s", describe(v))
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return 0, fmt.Errorf("expected finite number, got %v", n)
		}
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, fmt.Errorf("expected number, got %s", n)
		}
		return f, nil
	}
	return 0, fmt.Errorf("expected number, got %s", describe(v))
}

func toList(v any) ([]any, error) {
	switch l := v.(type) {
	case []any:
		return l, nil
	case []int64:
		out := make([]any, len(l))
		for i, n := range l {
			out[i] = n
		}
		return out, nil
	case []int:
		out := make([]any, len(l))
		for i, n := range l {
			out[i] = n
		}
		return out, nil
	}
	return nil, fmt.Errorf("expected list, got %s", describe(v))
}

func describe(v any) string {
	switch v.(type) {
	case string:
		return "string"
	case bool:
		return "boolean"
	case map[string]any:
		return "object"
	case []any:
		return "list"
	}
	return fmt.Sprintf("%T", v)
}

// Names returns the capability names of caps in sorted order.
func Names(caps []Capability) []string {
	names := make([]string, len(caps))
	for i, c := range caps {
		names[i] = c.Name
	}
	sort.Strings(names)
	return names
}
