package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/italolelis/smartcam_backup/internal/storage"
)

// fixed width so completed_at sorts chronologically as text
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// TransferRepository stores transfer history in SQLite.
type TransferRepository struct {
	db *sql.DB
}

var _ storage.TransferRepository = (*TransferRepository)(nil)

func NewTransferRepository(db *sql.DB) *TransferRepository {
	return &TransferRepository{db: db}
}

func (r *TransferRepository) RecordTransfer(ctx context.Context, rec storage.TransferRecord) error {
	completedAt := rec.CompletedAt
	if completedAt.IsZero() {
		completedAt = time.Now()
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO transfers (file_name, direction, size_bytes, remote_id, completed_at) VALUES (?, ?, ?, ?, ?)`,
		rec.FileName, string(rec.Direction), rec.SizeBytes, rec.RemoteID, completedAt.UTC().Format(timeLayout),
	)

	return err
}

func (r *TransferRepository) LatestTransfer(
	ctx context.Context, fileName string, direction storage.Direction,
) (*storage.TransferRecord, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT file_name, direction, size_bytes, remote_id, completed_at
		FROM transfers
		WHERE file_name = ? AND direction = ?
		ORDER BY completed_at DESC
		LIMIT 1`, fileName, string(direction))

	rec, err := scanTransfer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}

	if err != nil {
		return nil, err
	}

	return &rec, nil
}

// RecentTransfers returns up to limit records, newest first.
func (r *TransferRepository) RecentTransfers(ctx context.Context, limit int) ([]storage.TransferRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT file_name, direction, size_bytes, remote_id, completed_at
		FROM transfers
		ORDER BY completed_at DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []storage.TransferRecord

	for rows.Next() {
		rec, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}

		records = append(records, rec)
	}

	return records, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTransfer(s scanner) (storage.TransferRecord, error) {
	var (
		rec         storage.TransferRecord
		direction   string
		remoteID    sql.NullString
		completedAt string
	)

	if err := s.Scan(&rec.FileName, &direction, &rec.SizeBytes, &remoteID, &completedAt); err != nil {
		return storage.TransferRecord{}, err
	}

	rec.Direction = storage.Direction(direction)
	rec.RemoteID = remoteID.String

	t, err := time.Parse(time.RFC3339Nano, completedAt)
	if err != nil {
		return storage.TransferRecord{}, err
	}

	rec.CompletedAt = t

	return rec, nil
}
