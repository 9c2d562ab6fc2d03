package syncer

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"checkpointd/internal/bus"
	"checkpointd/internal/metrics"
	"checkpointd/internal/model"
	"checkpointd/internal/serverapi"
	"checkpointd/internal/store"
)

// Connectivity reports whether the platform is believed reachable.
type Connectivity interface {
	Online() bool
}

// Options tune a single pass.
type Options struct {
	// ForceEventID reconciles this event even when no local records needed
	// sending (an operator opened its view).
	ForceEventID string
}

// Duplicate identifies one queued scan the server classified as a duplicate
// during batch confirmation.
type Duplicate struct {
	Code          string `json:"code"`
	EventID       string `json:"event_id,omitempty"`
	Message       string `json:"message,omitempty"`
	LocalRecordID int64  `json:"local_record_id"`
}

// Result is the outcome of one pass. Performed is false when the pass was
// skipped (already running, or offline).
type Result struct {
	Performed  bool        `json:"performed"`
	Duplicates []Duplicate `json:"duplicates,omitempty"`
	Err        error       `json:"-"`
}

// Syncer drains the durable queue against the bulk validation endpoint and
// reconciles server-side activity the device never submitted itself. A single
// pass runs at a time; concurrent triggers are no-ops, not queued retries.
type Syncer struct {
	store     *store.Store
	api       *serverapi.Client
	bus       bus.Bus
	net       Connectivity
	metrics   *metrics.Metrics
	batchSize int
	pageCap   int

	running atomic.Bool
}

// New wires a synchronizer. batchSize <= 0 falls back to 25, pageCap <= 0
// to 5 reconciliation pages per event per pass.
func New(st *store.Store, api *serverapi.Client, b bus.Bus, net Connectivity, m *metrics.Metrics, batchSize, pageCap int) *Syncer {
	if batchSize <= 0 {
		batchSize = 25
	}
	if pageCap <= 0 {
		pageCap = 5
	}
	return &Syncer{store: st, api: api, bus: b, net: net, metrics: m, batchSize: batchSize, pageCap: pageCap}
}

// RunPass drains the queue once, then reconciles every event touched by the
// pass (plus any forced event) and publishes a notification per duplicate
// detected. Transport failure reverts the in-flight batch and aborts the
// pass; the next trigger resumes from persisted state.
func (s *Syncer) RunPass(ctx context.Context, opts Options) Result {
	if !s.running.CompareAndSwap(false, true) {
		return Result{Performed: false}
	}
	defer s.running.Store(false)

	if !s.net.Online() {
		return Result{Performed: false}
	}

	touched := map[string]bool{}
	if opts.ForceEventID != "" {
		touched[opts.ForceEventID] = true
	}
	var duplicates []Duplicate

	for {
		batch, err := s.store.NextPendingBatch(ctx, s.batchSize)
		if err != nil {
			return Result{Performed: true, Err: err}
		}
		if len(batch) == 0 {
			break
		}

		// Sent before any network I/O so a concurrent trigger cannot
		// re-select these records.
		if err := s.store.MarkSent(ctx, batch); err != nil {
			return Result{Performed: true, Err: err}
		}

		payloads := make([]serverapi.ScanPayload, len(batch))
		for i, rec := range batch {
			payloads[i] = serverapi.ScanPayload{
				Code:         rec.Code,
				ScannedAt:    rec.ScannedAt,
				CheckpointID: rec.CheckpointID,
				DeviceID:     rec.DeviceID,
				EventID:      rec.EventID,
				Offline:      true,
				ClientRef:    rec.ClientRef,
			}
		}

		results, err := s.api.ValidateBatch(ctx, payloads)
		if err != nil {
			s.metrics.SyncFailures.Inc()
			if revertErr := s.store.RevertToPending(ctx, batch, err.Error()); revertErr != nil {
				log.Printf("reverting batch failed: %v", revertErr)
			}
			s.updateDepth(ctx)
			return Result{Performed: true, Err: err}
		}

		confirmed := make([]bool, len(batch))
		progressed := 0
		for _, res := range results {
			if res.Index < 0 || res.Index >= len(batch) {
				log.Printf("batch result index %d out of range, skipping", res.Index)
				continue
			}
			rec := batch[res.Index]
			result, err := model.ParseResult(res.Result)
			if err != nil {
				log.Printf("record %d: %v", rec.ID, err)
				continue
			}

			outcome := store.Confirmation{
				Result:  result,
				Message: res.Message,
				Reason:  res.Reason,
				Offline: true,
			}
			if res.Attendance != nil {
				outcome.AttendanceID = res.Attendance.ID
				outcome.Metadata = res.Attendance.Metadata
			}
			if err := s.store.Confirm(ctx, rec, outcome); err != nil {
				return Result{Performed: true, Err: err}
			}
			confirmed[res.Index] = true
			progressed++
			touched[rec.EventID] = true

			if result.Conflict() {
				s.metrics.Duplicates.Inc()
				duplicates = append(duplicates, Duplicate{
					Code:          rec.Code,
					EventID:       rec.EventID,
					Message:       res.Message,
					LocalRecordID: rec.ID,
				})
			}
		}

		// Anything the server returned no result for goes back to pending so
		// it isn't stranded in sent.
		var missing []model.PendingScan
		for i, ok := range confirmed {
			if !ok {
				missing = append(missing, batch[i])
			}
		}
		if len(missing) > 0 {
			if err := s.store.RevertToPending(ctx, missing, "no result returned for scan"); err != nil {
				return Result{Performed: true, Err: err}
			}
		}

		// A batch that confirmed nothing would be re-selected verbatim; stop
		// here and let the next trigger retry it.
		if progressed == 0 {
			log.Printf("no records confirmed out of %d, ending pass", len(batch))
			break
		}
		if len(batch) < s.batchSize {
			break
		}
	}

	for eventID := range touched {
		s.reconcile(ctx, eventID)
	}

	for _, dup := range duplicates {
		s.publish(ctx, bus.Notification{
			Type:    bus.TypeDuplicate,
			EventID: dup.EventID,
			Code:    dup.Code,
			Message: dup.Message,
		})
	}
	s.publish(ctx, bus.Notification{Type: bus.TypeSyncResult})

	s.metrics.SyncPasses.Inc()
	s.updateDepth(ctx)
	return Result{Performed: true, Duplicates: duplicates}
}

// Run triggers passes on a fixed interval while online, and immediately on a
// kick (regained connectivity, operator action). Terminates with the context.
func (s *Syncer) Run(ctx context.Context, interval time.Duration, kick <-chan string) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.logPass(ctx, Options{})
		case eventID, ok := <-kick:
			if !ok {
				return
			}
			s.logPass(ctx, Options{ForceEventID: eventID})
		case <-ctx.Done():
			return
		}
	}
}

func (s *Syncer) logPass(ctx context.Context, opts Options) {
	if res := s.RunPass(ctx, opts); res.Err != nil {
		log.Printf("sync pass aborted: %v", res.Err)
	}
}

func (s *Syncer) publish(ctx context.Context, n bus.Notification) {
	if err := s.bus.Publish(ctx, n); err != nil {
		log.Printf("publish %s failed: %v", n.Type, err)
	}
}

func (s *Syncer) updateDepth(ctx context.Context) {
	if n, err := s.store.PendingCount(ctx); err == nil {
		s.metrics.PendingDepth.Set(float64(n))
	}
}
