package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kcook98765/librarygenie/models"
)

// GetSyncState loads the singleton sync_state row, returning zero values
// when the row does not exist yet (it is not created here; PutSyncState
// inserts it).
func GetSyncState(ctx context.Context, q Queryer) (models.SyncState, error) {
	row := q.QueryRowContext(ctx, `
		SELECT local_snapshot, server_version, server_etag, last_sync_at FROM sync_state WHERE id = 1
	`)

	var (
		snapshotJSON string
		lastSync     sql.NullTime
		state        models.SyncState
	)

	if err := row.Scan(&snapshotJSON, &state.ServerVersion, &state.ServerETag, &lastSync); err != nil {
		if err == sql.ErrNoRows {
			return models.SyncState{}, nil
		}
		return models.SyncState{}, fmt.Errorf("load sync state: %w", err)
	}

	if err := json.Unmarshal([]byte(snapshotJSON), &state.LocalSnapshot); err != nil {
		return models.SyncState{}, fmt.Errorf("decode local snapshot: %w", err)
	}
	if lastSync.Valid {
		state.LastSyncAt = lastSync.Time
	}

	return state, nil
}

// PutSyncState persists the singleton sync_state row (insert-or-replace).
func PutSyncState(ctx context.Context, tx *sql.Tx, state models.SyncState) error {
	snapshotJSON, err := json.Marshal(state.LocalSnapshot)
	if err != nil {
		return fmt.Errorf("encode local snapshot: %w", err)
	}

	var lastSync any
	if !state.LastSyncAt.IsZero() {
		lastSync = state.LastSyncAt
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sync_state (id, local_snapshot, server_version, server_etag, last_sync_at)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			local_snapshot = excluded.local_snapshot,
			server_version = excluded.server_version,
			server_etag = excluded.server_etag,
			last_sync_at = excluded.last_sync_at
	`, string(snapshotJSON), state.ServerVersion, state.ServerETag, lastSync)
	if err != nil {
		return fmt.Errorf("put sync state: %w", err)
	}
	return nil
}

// EnqueuePendingOperation durably records a batched add/remove request with
// its idempotency key (spec §4.5 step 4).
func EnqueuePendingOperation(ctx context.Context, tx *sql.Tx, op models.SyncOperation, imdbIDs []string, idempotencyKey string) (int64, error) {
	idsJSON, err := json.Marshal(imdbIDs)
	if err != nil {
		return 0, fmt.Errorf("encode pending op ids: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO pending_operations (operation, imdb_ids, idempotency_key) VALUES (?, ?, ?)
	`, string(op), string(idsJSON), idempotencyKey)
	if err != nil {
		return 0, fmt.Errorf("enqueue pending operation: %w", err)
	}
	return res.LastInsertId()
}

// NextPendingOperations returns queued operations in FIFO order by
// created_at (ties broken by id) across both kinds, so adds and removes
// are never reordered relative to each other.
func NextPendingOperations(ctx context.Context, q Queryer, limit int) ([]models.PendingOperation, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, operation, imdb_ids, created_at, retry_count, idempotency_key
		FROM pending_operations ORDER BY created_at ASC, id ASC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("load pending operations: %w", err)
	}
	defer rows.Close()

	var out []models.PendingOperation
	for rows.Next() {
		var (
			op      models.PendingOperation
			opName  string
			idsJSON string
		)
		if err := rows.Scan(&op.ID, &opName, &idsJSON, &op.CreatedAt, &op.RetryCount, &op.IdempotencyKey); err != nil {
			return nil, fmt.Errorf("scan pending operation: %w", err)
		}
		op.Operation = models.SyncOperation(opName)
		if err := json.Unmarshal([]byte(idsJSON), &op.IMDbIDs); err != nil {
			return nil, fmt.Errorf("decode pending operation ids: %w", err)
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

// DeletePendingOperation removes a drained or permanently-failed operation.
func DeletePendingOperation(ctx context.Context, tx *sql.Tx, id int64) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM pending_operations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete pending operation: %w", err)
	}
	return nil
}

// IncrementRetryCount bumps retry_count after a transient (5xx/timeout/
// network) failure, leaving the op in the queue with its idempotency key
// unchanged (spec §4.5 step 5, §7 idempotency_key preservation).
func IncrementRetryCount(ctx context.Context, tx *sql.Tx, id int64) error {
	_, err := tx.ExecContext(ctx, `UPDATE pending_operations SET retry_count = retry_count + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("increment retry count: %w", err)
	}
	return nil
}

// PendingOperationCount reports queue depth, used by the SyncReconciler to
// decide whether to resume draining queued operations instead of
// computing a fresh diff.
func PendingOperationCount(ctx context.Context, q Queryer) (int, error) {
	var n int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_operations`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending operations: %w", err)
	}
	return n, nil
}

// GetAuthState loads the singleton auth_state row.
func GetAuthState(ctx context.Context, q Queryer) (models.AuthState, bool, error) {
	var (
		state     models.AuthState
		expiresAt sql.NullTime
	)
	row := q.QueryRowContext(ctx, `
		SELECT access_token, expires_at, token_type, scope, server_url FROM auth_state WHERE id = 1
	`)
	if err := row.Scan(&state.AccessToken, &expiresAt, &state.TokenType, &state.Scope, &state.ServerURL); err != nil {
		if err == sql.ErrNoRows {
			return models.AuthState{}, false, nil
		}
		return models.AuthState{}, false, fmt.Errorf("load auth state: %w", err)
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		state.ExpiresAt = &t
	}
	if state.AccessToken == "" {
		return models.AuthState{}, false, nil
	}
	return state, true, nil
}

// PutAuthState persists the singleton auth_state row.
func PutAuthState(ctx context.Context, tx *sql.Tx, state models.AuthState) error {
	var expiresAt any
	if state.ExpiresAt != nil {
		expiresAt = *state.ExpiresAt
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO auth_state (id, access_token, expires_at, token_type, scope, server_url)
		VALUES (1, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			access_token = excluded.access_token,
			expires_at = excluded.expires_at,
			token_type = excluded.token_type,
			scope = excluded.scope,
			server_url = excluded.server_url
	`, state.AccessToken, expiresAt, state.TokenType, state.Scope, state.ServerURL)
	if err != nil {
		return fmt.Errorf("put auth state: %w", err)
	}
	return nil
}

// ClearAuthState wipes stored credentials after an unrecoverable refresh
// failure (spec §4.6 Refresh: "failures mark the token invalid and clear
// state").
func ClearAuthState(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM auth_state WHERE id = 1`)
	if err != nil {
		return fmt.Errorf("clear auth state: %w", err)
	}
	return nil
}

// InsertScanLog records a started scan and returns its id.
func InsertScanLog(ctx context.Context, tx *sql.Tx, scanType models.ScanType, startedAt time.Time) (int64, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO scan_log (scan_type, started_at) VALUES (?, ?)
	`, string(scanType), startedAt)
	if err != nil {
		return 0, fmt.Errorf("insert scan log: %w", err)
	}
	return res.LastInsertId()
}

// FinishScanLog records the terminal counts/error for a scan, pruning older
// rows beyond the retention window (spec-full §C: bounded scan_log
// retention).
const scanLogRetention = 50

func FinishScanLog(ctx context.Context, tx *sql.Tx, id int64, endedAt time.Time, added, updated, removed int, scanErr string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE scan_log SET ended_at = ?, added = ?, updated = ?, removed = ?, error = ? WHERE id = ?
	`, endedAt, added, updated, removed, scanErr, id)
	if err != nil {
		return fmt.Errorf("finish scan log: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		DELETE FROM scan_log WHERE id NOT IN (SELECT id FROM scan_log ORDER BY id DESC LIMIT ?)
	`, scanLogRetention)
	if err != nil {
		return fmt.Errorf("prune scan log: %w", err)
	}
	return nil
}

// RecentScanLogs returns the most recent scan log entries, newest first.
func RecentScanLogs(ctx context.Context, q Queryer, limit int) ([]models.ScanLog, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, scan_type, started_at, ended_at, added, updated, removed, error
		FROM scan_log ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("load scan logs: %w", err)
	}
	defer rows.Close()

	var out []models.ScanLog
	for rows.Next() {
		var (
			entry    models.ScanLog
			scanType string
			endedAt  sql.NullTime
		)
		if err := rows.Scan(&entry.ID, &scanType, &entry.StartedAt, &endedAt, &entry.Added, &entry.Updated, &entry.Removed, &entry.Error); err != nil {
			return nil, fmt.Errorf("scan scan log row: %w", err)
		}
		entry.ScanType = models.ScanType(scanType)
		if endedAt.Valid {
			entry.EndedAt = endedAt.Time
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}
