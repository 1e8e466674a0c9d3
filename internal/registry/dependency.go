package registry

import (
	"fmt"
	"strings"

	"github.com/nerrad567/microscope-core/internal/device"
)

// Operator compares two setting values.
type Operator string

// Supported operators. Ordering operators need numeric settings.
const (
	OpLess         Operator = "<"
	OpLessEqual    Operator = "<="
	OpGreater      Operator = ">"
	OpGreaterEqual Operator = ">="
	OpEqual        Operator = "=="
	OpNotEqual     Operator = "!="
)

// operators is ordered so two-character operators are matched first.
var operators = []Operator{OpLessEqual, OpGreaterEqual, OpEqual, OpNotEqual, OpLess, OpGreater}

// Ref names one setting of one device.
type Ref struct {
	Device  string `json:"device"`
	Setting string `json:"setting"`
}

func (r Ref) String() string { return r.Device + "." + r.Setting }

// parseRef splits "device.setting". The device part may itself contain dots
// (controller sub-devices), so the last dot separates the setting.
func parseRef(s string) (Ref, error) {
	s = strings.TrimSpace(s)
	i := strings.LastIndex(s, ".")
	if i <= 0 || i == len(s)-1 {
		return Ref{}, fmt.Errorf("%w: %q is not device.setting", ErrInvalidDependency, s)
	}
	return Ref{Device: s[:i], Setting: s[i+1:]}, nil
}

// Dependency constrains one setting against another, such as a camera
// exposure that may not exceed the light source pulse width.
type Dependency struct {
	Left  Ref      `json:"left"`
	Op    Operator `json:"op"`
	Right Ref      `json:"right"`
}

// ParseDependency parses expressions like "camera.exposure <= light.pulse_width".
func ParseDependency(expr string) (Dependency, error) {
	for _, op := range operators {
		left, right, ok := strings.Cut(expr, string(op))
		if !ok {
			continue
		}
		l, err := parseRef(left)
		if err != nil {
			return Dependency{}, err
		}
		r, err := parseRef(right)
		if err != nil {
			return Dependency{}, err
		}
		if l == r {
			return Dependency{}, fmt.Errorf("%w: %q compares a setting with itself", ErrInvalidDependency, expr)
		}
		return Dependency{Left: l, Op: op, Right: r}, nil
	}
	return Dependency{}, fmt.Errorf("%w: %q has no comparison operator", ErrInvalidDependency, expr)
}

func (d Dependency) String() string {
	return fmt.Sprintf("%s %s %s", d.Left, d.Op, d.Right)
}

// Touches reports whether ref is either side of the dependency.
func (d Dependency) Touches(ref Ref) bool {
	return d.Left == ref || d.Right == ref
}

// Holds evaluates the dependency for the given values. Numeric values are
// compared as numbers; bool and enum values support only == and !=.
func (d Dependency) Holds(left, right device.Value) (bool, error) {
	if left.Numeric() && right.Numeric() {
		l, r := left.AsFloat(), right.AsFloat()
		switch d.Op {
		case OpLess:
			return l < r, nil
		case OpLessEqual:
			return l <= r, nil
		case OpGreater:
			return l > r, nil
		case OpGreaterEqual:
			return l >= r, nil
		case OpEqual:
			return l == r, nil
		case OpNotEqual:
			return l != r, nil
		}
		return false, fmt.Errorf("%w: unknown operator %q", ErrInvalidDependency, d.Op)
	}

	if left.Type() != right.Type() {
		return false, fmt.Errorf("%w: %s: cannot compare %s with %s", ErrInvalidDependency, d, left.Type(), right.Type())
	}
	switch d.Op {
	case OpEqual:
		return left.Equal(right), nil
	case OpNotEqual:
		return !left.Equal(right), nil
	}
	return false, fmt.Errorf("%w: %s: %s values support only == and !=", ErrInvalidDependency, d, left.Type())
}
