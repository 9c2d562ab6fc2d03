package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"checkpointd/internal/model"
)

// Store owns the device's durable state: the pending-scan queue, the
// attendance cache and the per-event sync cursors. Every other component goes
// through it; nothing holds a long-lived in-memory copy.
type Store struct {
	db           *sql.DB
	historyLimit int

	observers observerSet
}

// Attendance is a final outcome written to the cache independently of the
// queue: either pulled by the reconciler or returned by an immediate
// online validation.
type Attendance struct {
	AttendanceID string
	Code         string
	Result       model.Result
	Message      string
	Reason       string
	ScannedAt    time.Time
	CheckpointID string
	DeviceID     string
	Offline      bool
	Metadata     json.RawMessage
}

// Confirmation is the per-item server outcome applied to a queued record.
type Confirmation struct {
	Result       model.Result
	Message      string
	Reason       string
	AttendanceID string
	Offline      bool
	Metadata     json.RawMessage
}

// New wraps an open database. historyLimit caps cache entries kept per event;
// zero or negative falls back to 200.
func New(db *sql.DB, historyLimit int) *Store {
	if historyLimit <= 0 {
		historyLimit = 200
	}
	return &Store{db: db, historyLimit: historyLimit}
}

// HistoryLimit returns the configured per-event cache cap.
func (s *Store) HistoryLimit() int { return s.historyLimit }

// Enqueue records a scan for later batch submission. The queue row and its
// linked cache entry are created in one transaction: both exist, or neither.
func (s *Store) Enqueue(ctx context.Context, scan model.ScanRequest, clientRef string) (model.PendingScan, error) {
	now := time.Now().UTC()
	if scan.ScannedAt.IsZero() {
		scan.ScannedAt = now
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.PendingScan{}, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO pending_scans (client_ref, code, scanned_at, checkpoint_id, device_id, event_id, status, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?)
	`, clientRef, scan.Code, ms(scan.ScannedAt), nullStr(scan.CheckpointID), nullStr(scan.DeviceID), nullStr(scan.EventID),
		model.StatusPending, ms(now), ms(now))
	if err != nil {
		return model.PendingScan{}, fmt.Errorf("enqueue scan: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return model.PendingScan{}, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO attendance_cache (event_id, code, result, message, scanned_at, status, local_record_id, offline, checkpoint_id, device_id, updated_at)
		VALUES (?,?,?,?,?,?,?,1,?,?,?)
	`, nullStr(scan.EventID), scan.Code, model.ResultPending, "queued for sync", ms(scan.ScannedAt),
		model.StatusPending, id, nullStr(scan.CheckpointID), nullStr(scan.DeviceID), ms(now))
	if err != nil {
		return model.PendingScan{}, fmt.Errorf("enqueue cache entry: %w", err)
	}
	if err := s.pruneTx(ctx, tx, scan.EventID, s.historyLimit); err != nil {
		return model.PendingScan{}, err
	}

	if err := tx.Commit(); err != nil {
		return model.PendingScan{}, err
	}
	s.observers.changed(scan.EventID)

	return model.PendingScan{
		ID:           id,
		ClientRef:    clientRef,
		Code:         scan.Code,
		ScannedAt:    scan.ScannedAt,
		CheckpointID: scan.CheckpointID,
		DeviceID:     scan.DeviceID,
		EventID:      scan.EventID,
		Status:       model.StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// NextPendingBatch returns up to limit pending records, oldest scan first.
func (s *Store) NextPendingBatch(ctx context.Context, limit int) ([]model.PendingScan, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, client_ref, code, scanned_at, checkpoint_id, device_id, event_id, status, attempts, last_error, created_at, updated_at
		FROM pending_scans
		WHERE status = ?
		ORDER BY scanned_at, id
		LIMIT ?
	`, model.StatusPending, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPendingRows(rows)
}

// MarkSent moves pending records to sent and bumps their attempt counter
// before any network I/O, so a concurrent trigger cannot re-select them.
// Records already past pending are left untouched.
func (s *Store) MarkSent(ctx context.Context, records []model.PendingScan) error {
	if len(records) == 0 {
		return nil
	}
	ids := recordIDs(records)
	now := ms(time.Now().UTC())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	args := append([]any{model.StatusSent, now}, ids...)
	if _, err := tx.ExecContext(ctx, `
		UPDATE pending_scans SET status = ?, attempts = attempts + 1, last_error = NULL, updated_at = ?
		WHERE id IN (`+placeholders(len(ids))+`) AND status = 'pending'
	`, args...); err != nil {
		return err
	}
	args = append([]any{model.StatusSent, now}, ids...)
	if _, err := tx.ExecContext(ctx, `
		UPDATE attendance_cache SET status = ?, updated_at = ?
		WHERE local_record_id IN (`+placeholders(len(ids))+`) AND status = 'pending'
	`, args...); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.observers.changedAll(records)
	return nil
}

// Confirm applies a server outcome to a sent record and finalizes its cache
// entry. Confirmed is terminal: applying an outcome to an already-confirmed
// record is a no-op.
func (s *Store) Confirm(ctx context.Context, rec model.PendingScan, outcome Confirmation) error {
	now := ms(time.Now().UTC())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE pending_scans SET status = ?, last_error = NULL, updated_at = ?
		WHERE id = ? AND status = 'sent'
	`, model.StatusConfirmed, now, rec.ID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return nil
	}

	// A reconciliation pull may already have created an entry for the same
	// server attendance. Fold the queued entry into it rather than violating
	// the one-entry-per-attendance invariant.
	if outcome.AttendanceID != "" {
		var existing int64
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM attendance_cache WHERE attendance_id = ?`, outcome.AttendanceID).Scan(&existing)
		switch {
		case err == nil:
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM attendance_cache WHERE local_record_id = ? AND id <> ?`, rec.ID, existing); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE attendance_cache
				SET result = ?, message = ?, reason = ?, status = ?, local_record_id = ?, offline = ?, metadata = ?, updated_at = ?
				WHERE id = ?
			`, outcome.Result, outcome.Message, nullStr(outcome.Reason), model.StatusConfirmed,
				rec.ID, boolInt(outcome.Offline), metadataArg(outcome.Metadata), now, existing); err != nil {
				return err
			}
			return s.finishConfirm(ctx, tx, rec.EventID)
		case !errors.Is(err, sql.ErrNoRows):
			return err
		}
	}

	res, err = tx.ExecContext(ctx, `
		UPDATE attendance_cache
		SET result = ?, message = ?, reason = ?, status = ?, attendance_id = ?, offline = ?, metadata = ?, updated_at = ?
		WHERE local_record_id = ?
	`, outcome.Result, outcome.Message, nullStr(outcome.Reason), model.StatusConfirmed,
		nullStr(outcome.AttendanceID), boolInt(outcome.Offline), metadataArg(outcome.Metadata), now, rec.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Cache entry was pruned while the record sat in the queue; recreate it.
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO attendance_cache (event_id, code, result, message, reason, scanned_at, status, local_record_id, offline, checkpoint_id, device_id, attendance_id, metadata, updated_at)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		`, nullStr(rec.EventID), rec.Code, outcome.Result, outcome.Message, nullStr(outcome.Reason),
			ms(rec.ScannedAt), model.StatusConfirmed, rec.ID, boolInt(outcome.Offline),
			nullStr(rec.CheckpointID), nullStr(rec.DeviceID), nullStr(outcome.AttendanceID),
			metadataArg(outcome.Metadata), now); err != nil {
			return err
		}
	}
	return s.finishConfirm(ctx, tx, rec.EventID)
}

func (s *Store) finishConfirm(ctx context.Context, tx *sql.Tx, eventID string) error {
	if err := s.pruneTx(ctx, tx, eventID, s.historyLimit); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.observers.changed(eventID)
	return nil
}

// RevertToPending returns sent records to the queue after a transport
// failure, recording the error for operator visibility. Attempt counters are
// kept; there is no retry ceiling.
func (s *Store) RevertToPending(ctx context.Context, records []model.PendingScan, errMsg string) error {
	if len(records) == 0 {
		return nil
	}
	ids := recordIDs(records)
	now := ms(time.Now().UTC())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	args := append([]any{model.StatusPending, errMsg, now}, ids...)
	if _, err := tx.ExecContext(ctx, `
		UPDATE pending_scans SET status = ?, last_error = ?, updated_at = ?
		WHERE id IN (`+placeholders(len(ids))+`) AND status = 'sent'
	`, args...); err != nil {
		return err
	}
	args = append([]any{model.StatusPending, now}, ids...)
	if _, err := tx.ExecContext(ctx, `
		UPDATE attendance_cache SET status = ?, updated_at = ?
		WHERE local_record_id IN (`+placeholders(len(ids))+`) AND status = 'sent'
	`, args...); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.observers.changedAll(records)
	return nil
}

// RecoverInFlight returns records stranded in sent by an interrupted pass to
// pending. The agent is the queue's only writer, so at startup any sent row is
// stale: the pass that marked it died before confirming or reverting.
func (s *Store) RecoverInFlight(ctx context.Context) (int64, error) {
	now := ms(time.Now().UTC())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE pending_scans SET status = ?, last_error = ?, updated_at = ?
		WHERE status = 'sent'
	`, model.StatusPending, "interrupted before confirmation", now)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE attendance_cache SET status = ?, updated_at = ?
		WHERE status = 'sent'
	`, model.StatusPending, now); err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

// UpsertOutcome writes a final outcome that did not travel through the queue:
// a reconciliation pull or an immediate online validation. Entries are keyed
// by server attendance id when present; an existing local link is preserved.
func (s *Store) UpsertOutcome(ctx context.Context, eventID string, att Attendance) error {
	now := ms(time.Now().UTC())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO attendance_cache (event_id, code, result, message, reason, scanned_at, status, offline, checkpoint_id, device_id, attendance_id, metadata, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT (attendance_id) WHERE attendance_id IS NOT NULL DO UPDATE SET
			event_id = excluded.event_id,
			code = excluded.code,
			result = excluded.result,
			message = excluded.message,
			reason = excluded.reason,
			scanned_at = excluded.scanned_at,
			status = excluded.status,
			offline = excluded.offline,
			checkpoint_id = excluded.checkpoint_id,
			device_id = excluded.device_id,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at
	`, nullStr(eventID), att.Code, att.Result, att.Message, nullStr(att.Reason), ms(att.ScannedAt),
		model.StatusConfirmed, boolInt(att.Offline), nullStr(att.CheckpointID), nullStr(att.DeviceID),
		nullStr(att.AttendanceID), metadataArg(att.Metadata), now)
	if err != nil {
		return fmt.Errorf("upsert outcome: %w", err)
	}
	if err := s.pruneTx(ctx, tx, eventID, s.historyLimit); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.observers.changed(eventID)
	return nil
}

// Prune deletes cache entries for an event beyond limit, evicting oldest scan
// timestamps first (ties broken by insertion order).
func (s *Store) Prune(ctx context.Context, eventID string, limit int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := s.pruneTx(ctx, tx, eventID, limit); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.observers.changed(eventID)
	return nil
}

func (s *Store) pruneTx(ctx context.Context, tx *sql.Tx, eventID string, limit int) error {
	_, err := tx.ExecContext(ctx, `
		DELETE FROM attendance_cache
		WHERE event_id IS ? AND id NOT IN (
			SELECT id FROM attendance_cache
			WHERE event_id IS ?
			ORDER BY scanned_at DESC, id DESC
			LIMIT ?
		)
	`, nullStr(eventID), nullStr(eventID), limit)
	return err
}

// Cursor returns the reconciliation watermark for an event, empty when the
// event has never been pulled.
func (s *Store) Cursor(ctx context.Context, eventID string) (string, error) {
	var cur sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT cursor FROM sync_cursors WHERE event_id = ?`, eventID).Scan(&cur)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return cur.String, nil
}

// SetCursor stores the watermark for an event; empty clears it.
func (s *Store) SetCursor(ctx context.Context, eventID, cursor string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_cursors (event_id, cursor, updated_at) VALUES (?,?,?)
		ON CONFLICT (event_id) DO UPDATE SET cursor = excluded.cursor, updated_at = excluded.updated_at
	`, eventID, nullStr(cursor), ms(time.Now().UTC()))
	return err
}

// History returns cache entries most-recent-first, for display. An empty
// eventID spans all events.
func (s *Store) History(ctx context.Context, eventID string, limit int) ([]model.CacheEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, event_id, code, result, message, reason, scanned_at, status, local_record_id, offline, checkpoint_id, device_id, attendance_id, metadata, updated_at
		FROM attendance_cache`
	args := []any{}
	if eventID != "" {
		query += ` WHERE event_id = ?`
		args = append(args, eventID)
	}
	query += ` ORDER BY scanned_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []model.CacheEntry
	for rows.Next() {
		var (
			e        model.CacheEntry
			evID     sql.NullString
			reason   sql.NullString
			localID  sql.NullInt64
			cpID     sql.NullString
			devID    sql.NullString
			attID    sql.NullString
			metadata sql.NullString
			scanned  int64
			updated  int64
			offline  int
		)
		if err := rows.Scan(&e.ID, &evID, &e.Code, &e.Result, &e.Message, &reason, &scanned, &e.Status,
			&localID, &offline, &cpID, &devID, &attID, &metadata, &updated); err != nil {
			return nil, err
		}
		e.EventID = evID.String
		e.Reason = reason.String
		e.LocalRecordID = localID.Int64
		e.Offline = offline != 0
		e.CheckpointID = cpID.String
		e.DeviceID = devID.String
		e.AttendanceID = attID.String
		if metadata.Valid {
			e.Metadata = json.RawMessage(metadata.String)
		}
		e.ScannedAt = fromMS(scanned)
		e.UpdatedAt = fromMS(updated)
		e.Conflict = e.Result.Conflict()
		res = append(res, e)
	}
	return res, rows.Err()
}

// PendingCount returns the number of scans still waiting to be sent.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pending_scans WHERE status IN ('pending','sent')`).Scan(&n)
	return n, err
}

// GetScan returns a single queued record by local id.
func (s *Store) GetScan(ctx context.Context, id int64) (model.PendingScan, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, client_ref, code, scanned_at, checkpoint_id, device_id, event_id, status, attempts, last_error, created_at, updated_at
		FROM pending_scans WHERE id = ?
	`, id)
	if err != nil {
		return model.PendingScan{}, err
	}
	defer rows.Close()
	recs, err := scanPendingRows(rows)
	if err != nil {
		return model.PendingScan{}, err
	}
	if len(recs) == 0 {
		return model.PendingScan{}, sql.ErrNoRows
	}
	return recs[0], nil
}

// ArchiveConfirmed moves confirmed records older than the given time into the
// archive table, keeping the hot queue small while preserving the audit
// trail. Returns the number of records moved.
func (s *Store) ArchiveConfirmed(ctx context.Context, before time.Time) (int64, error) {
	now := ms(time.Now().UTC())
	cutoff := ms(before)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO archived_scans (id, client_ref, code, scanned_at, checkpoint_id, device_id, event_id, status, attempts, last_error, created_at, updated_at, archived_at)
		SELECT id, client_ref, code, scanned_at, checkpoint_id, device_id, event_id, status, attempts, last_error, created_at, updated_at, ?
		FROM pending_scans WHERE status = 'confirmed' AND updated_at < ?
	`, now, cutoff)
	if err != nil {
		return 0, err
	}
	moved, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM pending_scans WHERE status = 'confirmed' AND updated_at < ?`, cutoff); err != nil {
		return 0, err
	}
	return moved, tx.Commit()
}

func scanPendingRows(rows *sql.Rows) ([]model.PendingScan, error) {
	var res []model.PendingScan
	for rows.Next() {
		var (
			r       model.PendingScan
			cpID    sql.NullString
			devID   sql.NullString
			eventID sql.NullString
			lastErr sql.NullString
			scanned int64
			created int64
			updated int64
		)
		if err := rows.Scan(&r.ID, &r.ClientRef, &r.Code, &scanned, &cpID, &devID, &eventID,
			&r.Status, &r.Attempts, &lastErr, &created, &updated); err != nil {
			return nil, err
		}
		r.CheckpointID = cpID.String
		r.DeviceID = devID.String
		r.EventID = eventID.String
		r.LastError = lastErr.String
		r.ScannedAt = fromMS(scanned)
		r.CreatedAt = fromMS(created)
		r.UpdatedAt = fromMS(updated)
		res = append(res, r)
	}
	return res, rows.Err()
}

func recordIDs(records []model.PendingScan) []any {
	ids := make([]any, len(records))
	for i, r := range records {
		ids[i] = r.ID
	}
	return ids
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func metadataArg(m json.RawMessage) any {
	if len(m) == 0 {
		return nil
	}
	return string(m)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func ms(t time.Time) int64 { return t.UnixMilli() }

func fromMS(v int64) time.Time { return time.UnixMilli(v).UTC() }
