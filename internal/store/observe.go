package store

import (
	"context"
	"log"
	"sync"
	"time"

	"checkpointd/internal/model"
)

// Reactive reads: the UI subscribes to projections instead of polling. Every
// mutating operation notifies subscribers with a fresh snapshot of the
// collection they watch. Channels carry the latest state only; a slow
// consumer sees the newest snapshot, not every intermediate one.

type observerSet struct {
	mu   sync.Mutex
	next int
	subs map[int]*subscriber
}

type subscriber struct {
	eventID string // "" watches all events
	refresh func()
}

// ObserveHistory subscribes to the history projection for an event (empty
// eventID spans all events). The initial snapshot is pushed immediately.
// Call the returned cancel func to unsubscribe.
func (s *Store) ObserveHistory(eventID string, limit int) (<-chan []model.CacheEntry, func()) {
	ch := make(chan []model.CacheEntry, 1)
	refresh := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		entries, err := s.History(ctx, eventID, limit)
		if err != nil {
			log.Printf("history projection failed: %v", err)
			return
		}
		push(ch, entries)
	}
	cancel := s.observers.add(&subscriber{eventID: eventID, refresh: refresh})
	refresh()
	return ch, cancel
}

// ObservePendingCount subscribes to the number of unsent scans.
func (s *Store) ObservePendingCount() (<-chan int, func()) {
	ch := make(chan int, 1)
	refresh := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		n, err := s.PendingCount(ctx)
		if err != nil {
			log.Printf("pending count projection failed: %v", err)
			return
		}
		push(ch, n)
	}
	cancel := s.observers.add(&subscriber{refresh: refresh})
	refresh()
	return ch, cancel
}

func (o *observerSet) add(sub *subscriber) func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.subs == nil {
		o.subs = make(map[int]*subscriber)
	}
	id := o.next
	o.next++
	o.subs[id] = sub
	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.subs, id)
	}
}

// changed notifies subscribers after a committed mutation touching eventID.
func (o *observerSet) changed(eventID string) {
	o.mu.Lock()
	subs := make([]*subscriber, 0, len(o.subs))
	for _, sub := range o.subs {
		if sub.eventID == "" || sub.eventID == eventID {
			subs = append(subs, sub)
		}
	}
	o.mu.Unlock()
	for _, sub := range subs {
		sub.refresh()
	}
}

// changedAll notifies once per distinct event id in a batch of records.
func (o *observerSet) changedAll(records []model.PendingScan) {
	seen := map[string]bool{}
	for _, r := range records {
		if !seen[r.EventID] {
			seen[r.EventID] = true
			o.changed(r.EventID)
		}
	}
}

// push delivers latest-wins: a full buffer is drained so the subscriber
// always reads the newest snapshot.
func push[T any](ch chan T, v T) {
	for {
		select {
		case ch <- v:
			return
		default:
			select {
			case <-ch:
			default:
			}
		}
	}
}
