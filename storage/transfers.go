package storage

import (
	"database/sql"

	"github.com/pkg/errors"
)

// SaveTransfer inserts a transfer row, replacing an earlier row with the same call id.
func (s *Store) SaveTransfer(t Transfer) error {
	if t.CallID == "" {
		return errors.New("call_id is required")
	}
	if t.Peer == "" {
		return errors.New("peer is required")
	}
	if err := validateDirection(t.Direction); err != nil {
		return err
	}
	if t.Status == "" {
		t.Status = TransferStatusPending
	}
	if err := validateTransferStatus(t.Status); err != nil {
		return err
	}
	if t.StartedAt == 0 {
		t.StartedAt = nowUnixMilli()
	}
	if t.UpdatedAt == 0 {
		t.UpdatedAt = t.StartedAt
	}

	_, err := s.db.Exec(
		`INSERT INTO transfers (
			call_id,
			session_id,
			peer,
			direction,
			app_id,
			name,
			size,
			bytes,
			status,
			error,
			started_at,
			updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(call_id) DO UPDATE SET
			session_id = excluded.session_id,
			peer = excluded.peer,
			direction = excluded.direction,
			app_id = excluded.app_id,
			name = excluded.name,
			size = excluded.size,
			bytes = excluded.bytes,
			status = excluded.status,
			error = excluded.error,
			started_at = excluded.started_at,
			updated_at = excluded.updated_at`,
		t.CallID,
		int64(t.SessionID),
		t.Peer,
		t.Direction,
		int64(t.AppID),
		t.Name,
		int64(t.Size),
		int64(t.Bytes),
		t.Status,
		t.Error,
		t.StartedAt,
		t.UpdatedAt,
	)
	if err != nil {
		return errors.Wrapf(err, "insert transfer %q", t.CallID)
	}
	return nil
}

// UpdateTransferProgress records bytes moved and marks the transfer active.
func (s *Store) UpdateTransferProgress(callID string, bytes uint64) error {
	if callID == "" {
		return errors.New("call_id is required")
	}

	res, err := s.db.Exec(
		`UPDATE transfers
		SET bytes = ?,
		    status = CASE WHEN status = 'pending' THEN 'active' ELSE status END,
		    updated_at = ?
		WHERE call_id = ?`,
		int64(bytes),
		nowUnixMilli(),
		callID,
	)
	if err != nil {
		return errors.Wrapf(err, "update transfer progress %q", callID)
	}
	return requireAffected(res, callID)
}

// FinishTransfer records the terminal status of a transfer.
func (s *Store) FinishTransfer(callID, status, errText string) error {
	if callID == "" {
		return errors.New("call_id is required")
	}
	if err := validateTransferStatus(status); err != nil {
		return err
	}

	res, err := s.db.Exec(
		`UPDATE transfers
		SET status = ?,
		    error = ?,
		    updated_at = ?
		WHERE call_id = ?`,
		status,
		errText,
		nowUnixMilli(),
		callID,
	)
	if err != nil {
		return errors.Wrapf(err, "finish transfer %q", callID)
	}
	return requireAffected(res, callID)
}

// GetTransfer fetches a transfer by call id.
func (s *Store) GetTransfer(callID string) (*Transfer, error) {
	row := s.db.QueryRow(
		`SELECT
			call_id,
			session_id,
			peer,
			direction,
			app_id,
			name,
			size,
			bytes,
			status,
			error,
			started_at,
			updated_at
		FROM transfers
		WHERE call_id = ?`,
		callID,
	)

	t, err := scanTransfer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrapf(err, "get transfer %q", callID)
	}
	return t, nil
}

// ListTransfers returns transfers, newest first.
func (s *Store) ListTransfers(filter TransferFilter) ([]Transfer, error) {
	query := `SELECT
		call_id,
		session_id,
		peer,
		direction,
		app_id,
		name,
		size,
		bytes,
		status,
		error,
		started_at,
		updated_at
	FROM transfers
	WHERE 1 = 1`
	args := make([]any, 0, 3)
	if filter.Peer != "" {
		query += " AND peer = ?"
		args = append(args, filter.Peer)
	}
	if filter.Status != "" {
		if err := validateTransferStatus(filter.Status); err != nil {
			return nil, err
		}
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	query += " ORDER BY started_at DESC, call_id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list transfers")
	}
	defer rows.Close()

	transfers := make([]Transfer, 0)
	for rows.Next() {
		t, scanErr := scanTransfer(rows)
		if scanErr != nil {
			return nil, errors.Wrap(scanErr, "scan transfer row")
		}
		transfers = append(transfers, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate transfer rows")
	}
	return transfers, nil
}

func scanTransfer(row scanner) (*Transfer, error) {
	var (
		t                      Transfer
		sessionID, appID       int64
		size, bytesTransferred int64
	)
	if err := row.Scan(
		&t.CallID,
		&sessionID,
		&t.Peer,
		&t.Direction,
		&appID,
		&t.Name,
		&size,
		&bytesTransferred,
		&t.Status,
		&t.Error,
		&t.StartedAt,
		&t.UpdatedAt,
	); err != nil {
		return nil, err
	}
	t.SessionID = uint32(sessionID)
	t.AppID = uint32(appID)
	t.Size = uint64(size)
	t.Bytes = uint64(bytesTransferred)
	return &t, nil
}

func requireAffected(res sql.Result, key string) error {
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrapf(err, "read rows affected for %q", key)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
