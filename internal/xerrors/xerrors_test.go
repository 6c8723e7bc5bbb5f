package xerrors

import (
	"errors"
	"runtime"
	"strings"
	"testing"
)

var errSentinel = errors.New("sentinel")

func stackHas(pcs []uintptr, fn string) bool {
	frames := runtime.CallersFrames(pcs)
	for {
		fr, more := frames.Next()
		if strings.Contains(fr.Function, fn) {
			return true
		}
		if !more {
			return false
		}
	}
}

func TestNew_MessageAndStack(t *testing.T) {
	err := New("store unavailable")
	if err.Error() != "store unavailable" {
		t.Fatalf("Error() = %q", err.Error())
	}
	var hs interface{ StackPCs() []uintptr }
	if !errors.As(err, &hs) {
		t.Fatal("New should carry a stack")
	}
	if !stackHas(hs.StackPCs(), "TestNew_MessageAndStack") {
		t.Fatal("stack should include the calling test")
	}
}

func TestNewf_WrapsWithPercentW(t *testing.T) {
	err := Newf("purge %s: %w", "user123", errSentinel)
	if !errors.Is(err, errSentinel) {
		t.Fatal("Newf with %w should keep the chain")
	}
	if !strings.Contains(err.Error(), "purge user123") {
		t.Fatalf("Error() = %q", err.Error())
	}
}

func TestWrap_NilPassthrough(t *testing.T) {
	if Wrap(nil, "x") != nil {
		t.Fatal("Wrap(nil) should be nil")
	}
	if Wrapf(nil, "x %d", 1) != nil {
		t.Fatal("Wrapf(nil) should be nil")
	}
	if WithStack(nil) != nil {
		t.Fatal("WithStack(nil) should be nil")
	}
	if EnsureTrace(nil) != nil {
		t.Fatal("EnsureTrace(nil) should be nil")
	}
}

func TestWrap_PrefixAndUnwrap(t *testing.T) {
	err := Wrap(errSentinel, "redis zadd")
	if err.Error() != "redis zadd: sentinel" {
		t.Fatalf("Error() = %q", err.Error())
	}
	if !Is(err, errSentinel) {
		t.Fatal("Is should find sentinel through Wrap")
	}
	var pc interface{ PC() uintptr }
	if !As(err, &pc) || pc.PC() == 0 {
		t.Fatal("Wrap should record a caller PC")
	}
}

func TestWrapf_Formats(t *testing.T) {
	err := Wrapf(errSentinel, "lock %s after %d tries", "user123", 3)
	if err.Error() != "lock user123 after 3 tries: sentinel" {
		t.Fatalf("Error() = %q", err.Error())
	}
}

func TestEnsureTrace_DoesNotDoubleWrap(t *testing.T) {
	first := WithStack(errSentinel)
	if EnsureTrace(first) != first {
		t.Fatal("EnsureTrace should return an already stacked error unchanged")
	}

	wrapped := Wrap(first, "outer")
	if EnsureTrace(wrapped) != wrapped {
		t.Fatal("EnsureTrace should see a stack deeper in the chain")
	}
}

func TestEnsureTrace_AddsStack(t *testing.T) {
	err := EnsureTrace(errSentinel)
	var hs interface{ StackPCs() []uintptr }
	if !errors.As(err, &hs) || len(hs.StackPCs()) == 0 {
		t.Fatal("EnsureTrace should add a stack to a plain error")
	}
	if !errors.Is(err, errSentinel) {
		t.Fatal("chain should be preserved")
	}
}
