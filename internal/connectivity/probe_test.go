package connectivity

import (
	"context"
	"errors"
	"testing"
)

func TestSetFiresOnTransitionsOnly(t *testing.T) {
	var transitions []bool
	p := New(func(ctx context.Context) error { return nil }, 0, func(online bool) {
		transitions = append(transitions, online)
	})

	if p.Online() {
		t.Fatal("device must start offline")
	}
	p.Set(true)
	p.Set(true)
	p.Set(false)
	p.Set(false)
	p.Set(true)

	want := []bool{true, false, true}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", transitions, want)
		}
	}
}

func TestProbeTracksHealth(t *testing.T) {
	healthy := errors.New("unreachable")
	p := New(func(ctx context.Context) error { return healthy }, 0, nil)

	p.probe(context.Background())
	if p.Online() {
		t.Fatal("failed probe must leave device offline")
	}
	healthy = nil
	p.probe(context.Background())
	if !p.Online() {
		t.Fatal("successful probe must mark device online")
	}
}
