// Package via holds the named value transforms a receiver field can be
// piped through before its templates are rendered ("temp via divideby10").
package via

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"sort"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
)

// ErrUnknown is returned for a transform name that is not registered.
var ErrUnknown = errors.New("via: unknown transform")

// ErrArgument is returned when a transform cannot handle its input.
var ErrArgument = errors.New("via: unsupported argument")

// Func transforms one decoded value.
type Func func(v any) (any, error)

var registry = map[string]Func{
	"int2on_off":   onOff,
	"divideby10":   divideBy(10),
	"divideby100":  divideBy(100),
	"divideby1000": divideBy(1000),
	"hex":          hex,
	"bytes":        bytes,
	"comma":        comma,
}

// Lookup returns the transform registered under name.
func Lookup(name string) (Func, error) {
	fn, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknown, name)
	}
	return fn, nil
}

// Names lists the registered transforms in sorted order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Field is a field declaration with an optional transform.
type Field struct {
	Name string
	Via  string // empty without a transform
	Fn   Func
}

// ParseField parses "name" or "name via transform" and resolves the
// transform.
func ParseField(decl string) (Field, error) {
	parts := strings.Fields(decl)
	switch {
	case len(parts) == 1:
		return Field{Name: parts[0]}, nil
	case len(parts) == 3 && parts[1] == "via":
		fn, err := Lookup(parts[2])
		if err != nil {
			return Field{}, err
		}
		return Field{Name: parts[0], Via: parts[2], Fn: fn}, nil
	}
	return Field{}, fmt.Errorf("via: invalid field declaration %q", decl)
}

// Apply runs the field's transform on v, or returns v unchanged.
func (f Field) Apply(v any) (any, error) {
	if f.Fn == nil {
		return v, nil
	}
	out, err := f.Fn(v)
	if err != nil {
		return nil, fmt.Errorf("%s via %s: %w", f.Name, f.Via, err)
	}
	return out, nil
}

func onOff(v any) (any, error) {
	f, ok := number(v)
	switch {
	case !ok:
		return "unknown", nil
	case f == 0:
		return "off", nil
	case f == 1:
		return "on", nil
	}
	return "unknown", nil
}

func divideBy(d float64) Func {
	return func(v any) (any, error) {
		f, ok := number(v)
		if !ok {
			s, isString := v.(string)
			if !isString {
				return nil, fmt.Errorf("%w: %T", ErrArgument, v)
			}
			var err error
			if f, err = strconv.ParseFloat(strings.TrimSpace(s), 64); err != nil {
				return nil, fmt.Errorf("%w: %q", ErrArgument, s)
			}
		}
		return f / d, nil
	}
}

func hex(v any) (any, error) {
	switch x := v.(type) {
	case int64:
		if x < 0 {
			return "-0x" + strconv.FormatUint(uint64(-(x+1))+1, 16), nil
		}
		return "0x" + strconv.FormatInt(x, 16), nil
	case uint64:
		return "0x" + strconv.FormatUint(x, 16), nil
	case bool:
		if x {
			return "0x1", nil
		}
		return "0x0", nil
	}
	return nil, fmt.Errorf("%w: %T", ErrArgument, v)
}

func bytes(v any) (any, error) {
	switch x := v.(type) {
	case uint64:
		return humanize.Bytes(x), nil
	case int64:
		if x >= 0 {
			return humanize.Bytes(uint64(x)), nil
		}
	case float64:
		if x >= 0 && x < math.MaxUint64 {
			return humanize.Bytes(uint64(x)), nil
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrArgument, v)
}

func comma(v any) (any, error) {
	switch x := v.(type) {
	case int64:
		return humanize.Comma(x), nil
	case uint64:
		if x <= math.MaxInt64 {
			return humanize.Comma(int64(x)), nil
		}
		return humanize.BigComma(new(big.Int).SetUint64(x)), nil
	case float64:
		return humanize.Commaf(x), nil
	}
	return nil, fmt.Errorf("%w: %T", ErrArgument, v)
}

// number converts the numeric kinds a codec decodes to into float64.
func number(v any) (float64, bool) {
	switch x := v.(type) {
	case int64:
		return float64(x), true
	case uint64:
		return float64(x), true
	case float64:
		return x, true
	case int:
		return float64(x), true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}
