package drivers

import (
	"errors"
	"testing"
	"time"

	"github.com/nerrad567/microscope-core/internal/device"
)

type nopDriver struct{ device.Driver }

func TestCatalogNew(t *testing.T) {
	c := NewCatalog()
	var got Params
	err := c.Register("test.nop", func(p Params) (device.Driver, error) {
		got = p
		return nopDriver{}, nil
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	if _, err := c.New("test.nop", nil); err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if got == nil {
		t.Error("factory received nil params, want empty map")
	}
	if _, err := c.New("test.missing", nil); !errors.Is(err, ErrUnknownDriver) {
		t.Errorf("New(missing) = %v, want ErrUnknownDriver", err)
	}
	if err := c.Register("", nil); !errors.Is(err, ErrInvalidParam) {
		t.Errorf("Register(empty) = %v, want ErrInvalidParam", err)
	}
}

func TestCatalogFactoryError(t *testing.T) {
	c := NewCatalog()
	boom := errors.New("boom")
	_ = c.Register("test.broken", func(Params) (device.Driver, error) { return nil, boom })
	if _, err := c.New("test.broken", Params{}); !errors.Is(err, boom) {
		t.Errorf("New() = %v, want wrapped factory error", err)
	}
}

func TestParams(t *testing.T) {
	p := Params{
		"f":     2,
		"i":     3.0,
		"frac":  3.5,
		"b":     true,
		"s":     "x",
		"list":  []any{"a", "b"},
		"bad":   []any{1},
		"dur":   "150ms",
		"secs":  2,
		"inner": map[string]any{"k": "v"},
	}

	if v, err := p.Float("f", 0); err != nil || v != 2 {
		t.Errorf("Float(f) = %v, %v", v, err)
	}
	if v, err := p.Int("i", 0); err != nil || v != 3 {
		t.Errorf("Int(i) = %v, %v", v, err)
	}
	if _, err := p.Int("frac", 0); !errors.Is(err, ErrInvalidParam) {
		t.Errorf("Int(frac) error = %v, want ErrInvalidParam", err)
	}
	if v, err := p.Bool("b", false); err != nil || !v {
		t.Errorf("Bool(b) = %v, %v", v, err)
	}
	if _, err := p.Bool("s", false); !errors.Is(err, ErrInvalidParam) {
		t.Errorf("Bool(s) error = %v, want ErrInvalidParam", err)
	}
	if v, err := p.Strings("list", nil); err != nil || len(v) != 2 {
		t.Errorf("Strings(list) = %v, %v", v, err)
	}
	if _, err := p.Strings("bad", nil); !errors.Is(err, ErrInvalidParam) {
		t.Errorf("Strings(bad) error = %v, want ErrInvalidParam", err)
	}
	if v, err := p.Duration("dur", 0); err != nil || v != 150*time.Millisecond {
		t.Errorf("Duration(dur) = %v, %v", v, err)
	}
	if v, err := p.Duration("secs", 0); err != nil || v != 2*time.Second {
		t.Errorf("Duration(secs) = %v, %v", v, err)
	}
	if v, _ := p.String("missing", "def"); v != "def" {
		t.Errorf("String(missing) = %q, want def", v)
	}
	if v, _ := p.Sub("inner").String("k", ""); v != "v" {
		t.Errorf("Sub(inner).String(k) = %q, want v", v)
	}
	if len(p.Sub("nothing")) != 0 {
		t.Error("Sub(nothing) should be empty")
	}
}
