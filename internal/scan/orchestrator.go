package scan

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"checkpointd/internal/metrics"
	"checkpointd/internal/model"
	"checkpointd/internal/serverapi"
	"checkpointd/internal/store"
)

// Connectivity reports whether the platform is believed reachable.
type Connectivity interface {
	Online() bool
}

// Identity carries the agent's configured defaults applied to scans that
// don't specify their own.
type Identity struct {
	CheckpointID string
	DeviceID     string
	EventID      string
}

// Orchestrator is the synchronous entry point the scanning UI calls for every
// decoded code. It decides between an immediate online validation and an
// offline enqueue, and always answers without waiting on network recovery.
type Orchestrator struct {
	store    *store.Store
	api      *serverapi.Client
	net      Connectivity
	identity Identity
	metrics  *metrics.Metrics
}

// NewOrchestrator wires the submission path.
func NewOrchestrator(st *store.Store, api *serverapi.Client, net Connectivity, identity Identity, m *metrics.Metrics) *Orchestrator {
	return &Orchestrator{store: st, api: api, net: net, identity: identity, metrics: m}
}

// Submit handles one scan. Offline (or on transport/server failure) the scan
// is queued durably and a synthetic pending outcome is returned immediately.
// Online, the platform's authoritative outcome is cached and returned. Client
// rejections (malformed code) propagate to the caller and are never queued.
func (o *Orchestrator) Submit(ctx context.Context, req model.ScanRequest) (model.Outcome, error) {
	if req.Code == "" {
		return model.Outcome{}, errors.New("code required")
	}
	if req.ScannedAt.IsZero() {
		req.ScannedAt = time.Now().UTC()
	}
	if req.CheckpointID == "" {
		req.CheckpointID = o.identity.CheckpointID
	}
	if req.DeviceID == "" {
		req.DeviceID = o.identity.DeviceID
	}
	if req.EventID == "" {
		req.EventID = o.identity.EventID
	}

	if !o.net.Online() {
		return o.enqueue(ctx, req, "offline, queued for sync")
	}

	resp, err := o.api.Validate(ctx, serverapi.ScanPayload{
		Code:         req.Code,
		ScannedAt:    req.ScannedAt,
		CheckpointID: req.CheckpointID,
		DeviceID:     req.DeviceID,
		EventID:      req.EventID,
		Offline:      false,
		ClientRef:    uuid.NewString(),
	})
	if err != nil {
		var apiErr *serverapi.APIError
		if errors.As(err, &apiErr) && apiErr.ClientRejection() {
			o.metrics.ScansRejected.Inc()
			return model.Outcome{}, err
		}
		log.Printf("immediate validation failed, queueing scan: %v", err)
		return o.enqueue(ctx, req, "server unreachable, queued for sync")
	}

	return o.record(ctx, req, resp)
}

func (o *Orchestrator) enqueue(ctx context.Context, req model.ScanRequest, message string) (model.Outcome, error) {
	rec, err := o.store.Enqueue(ctx, req, uuid.NewString())
	if err != nil {
		return model.Outcome{}, err
	}
	o.metrics.ScansEnqueued.Inc()
	return model.Outcome{
		Result:        model.ResultPending,
		Message:       message,
		Code:          req.Code,
		Offline:       true,
		LocalRecordID: rec.ID,
	}, nil
}

// record writes an authoritative outcome straight into the cache; the queue
// is never involved on the immediate path.
func (o *Orchestrator) record(ctx context.Context, req model.ScanRequest, resp *serverapi.ValidationResponse) (model.Outcome, error) {
	result := model.Result(resp.Result)
	att := store.Attendance{
		Code:         req.Code,
		Result:       result,
		Message:      resp.Message,
		Reason:       resp.Reason,
		ScannedAt:    req.ScannedAt,
		CheckpointID: req.CheckpointID,
		DeviceID:     req.DeviceID,
	}
	eventID := req.EventID
	if resp.Attendance != nil {
		att.AttendanceID = resp.Attendance.ID
		att.Offline = resp.Attendance.Offline
		att.Metadata = resp.Attendance.Metadata
		if !resp.Attendance.ScannedAt.IsZero() {
			att.ScannedAt = resp.Attendance.ScannedAt
		}
		if resp.Attendance.EventID != "" {
			eventID = resp.Attendance.EventID
		}
	}
	if err := o.store.UpsertOutcome(ctx, eventID, att); err != nil {
		log.Printf("caching outcome failed: %v", err)
	}
	o.metrics.ScansSubmitted.Inc()

	return model.Outcome{
		Result:       result,
		Message:      resp.Message,
		Reason:       resp.Reason,
		Code:         req.Code,
		Conflict:     result.Conflict(),
		Offline:      att.Offline,
		AttendanceID: att.AttendanceID,
		Ticket:       resp.Ticket,
	}, nil
}
