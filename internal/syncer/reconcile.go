package syncer

import (
	"context"
	"log"
	"time"

	"checkpointd/internal/model"
	"checkpointd/internal/store"
)

// reconcile pulls server-side activity for an event since the stored cursor
// and merges it into the cache. It is enrichment, not a correctness
// requirement: every failure is logged and swallowed, and the page cap keeps
// a long catch-up from blocking the enclosing pass.
func (s *Syncer) reconcile(ctx context.Context, eventID string) {
	if eventID == "" {
		return
	}
	cursor, err := s.store.Cursor(ctx, eventID)
	if err != nil {
		log.Printf("reconcile %s: loading cursor failed: %v", eventID, err)
		return
	}

	for page := 0; page < s.pageCap; page++ {
		activity, err := s.api.ActivitySince(ctx, eventID, cursor)
		if err != nil {
			log.Printf("reconcile %s: activity pull failed: %v", eventID, err)
			return
		}
		if len(activity.Data) == 0 {
			return
		}

		for _, att := range activity.Data {
			result, err := model.ParseResult(att.Result)
			if err != nil {
				log.Printf("reconcile %s: attendance %s: %v", eventID, att.ID, err)
				continue
			}
			err = s.store.UpsertOutcome(ctx, eventID, store.Attendance{
				AttendanceID: att.ID,
				Code:         att.Code,
				Result:       result,
				Message:      att.Message,
				Reason:       att.Reason,
				ScannedAt:    att.ScannedAt,
				CheckpointID: att.CheckpointID,
				DeviceID:     att.DeviceID,
				Offline:      att.Offline,
				Metadata:     att.Metadata,
			})
			if err != nil {
				log.Printf("reconcile %s: upsert failed: %v", eventID, err)
				return
			}
			s.metrics.Reconciled.Inc()
		}

		next := activity.Meta.NextCursor
		if next == "" || next == cursor {
			// No next-cursor signal means the page was terminal; fall back to
			// the last record's scan timestamp as the watermark.
			last := activity.Data[len(activity.Data)-1]
			if err := s.store.SetCursor(ctx, eventID, last.ScannedAt.UTC().Format(time.RFC3339Nano)); err != nil {
				log.Printf("reconcile %s: storing cursor failed: %v", eventID, err)
			}
			return
		}
		if err := s.store.SetCursor(ctx, eventID, next); err != nil {
			log.Printf("reconcile %s: storing cursor failed: %v", eventID, err)
			return
		}
		cursor = next
	}
}
