package gic_test

import (
	"testing"

	"github.com/scarlet-project/scarlet/pkg/interrupt/gic"
)

func TestClaimAndCompleteRoundTrip(t *testing.T) {
	g := gic.New()
	g.SetPriority(4, 10)
	g.Enable(4, 0, true)
	g.Raise(4)

	id, ok := g.Claim(0)
	if !ok || id != 4 {
		t.Fatalf("Claim = (%d, %v), want (4, true)", id, ok)
	}

	if err := g.Complete(0, 4); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if err := g.Complete(0, 4); err == nil {
		t.Fatalf("expected double-complete to fail")
	}
}

func TestEnableIsPerCPU(t *testing.T) {
	g := gic.New()
	g.SetPriority(1, 5)
	g.Enable(1, 0, true)
	g.Raise(1)

	if _, ok := g.Claim(1); ok {
		t.Fatalf("expected cpu 1 to have no claim, interrupt only enabled on cpu 0")
	}
	if _, ok := g.Claim(0); !ok {
		t.Fatalf("expected cpu 0 to claim the enabled interrupt")
	}
}
