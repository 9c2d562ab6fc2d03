package connectivity

import (
	"context"
	"log"
	"sync/atomic"
	"time"
)

// HealthFunc checks platform reachability; nil error means online.
type HealthFunc func(ctx context.Context) error

// Prober maintains the device's view of connectivity by probing the platform
// health endpoint on an interval. The flag can also be forced by the UI
// (airplane-mode toggle, known venue dead zones).
type Prober struct {
	health   HealthFunc
	interval time.Duration
	online   atomic.Bool
	onChange func(online bool)
}

// New creates a prober. onChange fires on every transition; it may be nil.
// The device starts offline until the first successful probe.
func New(health HealthFunc, interval time.Duration, onChange func(online bool)) *Prober {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Prober{health: health, interval: interval, onChange: onChange}
}

// Online reports the last known connectivity state.
func (p *Prober) Online() bool { return p.online.Load() }

// Set forces the connectivity flag, firing onChange on a transition.
func (p *Prober) Set(online bool) {
	if p.online.Swap(online) != online {
		log.Printf("connectivity changed: online=%v", online)
		if p.onChange != nil {
			p.onChange(online)
		}
	}
}

// Run probes until the context is cancelled. The first probe fires
// immediately so startup doesn't wait a full interval to go online.
func (p *Prober) Run(ctx context.Context) {
	p.probe(ctx)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.probe(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (p *Prober) probe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	p.Set(p.health(probeCtx) == nil)
}
