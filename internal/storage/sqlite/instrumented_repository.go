package sqlite

import (
	"context"
	"database/sql"

	"github.com/italolelis/smartcam_backup/internal/storage"
	"github.com/italolelis/smartcam_backup/internal/telemetry"
)

const storeName = "history"

// InstrumentedTransferRepository wraps TransferRepository with telemetry.
type InstrumentedTransferRepository struct {
	repo      *TransferRepository
	telemetry *telemetry.Telemetry
}

var _ storage.TransferRepository = (*InstrumentedTransferRepository)(nil)

func NewInstrumentedTransferRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedTransferRepository {
	return &InstrumentedTransferRepository{
		repo:      NewTransferRepository(dbConn),
		telemetry: tel,
	}
}

// RecordTransfer stores a transfer record with telemetry.
func (r *InstrumentedTransferRepository) RecordTransfer(ctx context.Context, rec storage.TransferRecord) error {
	return r.telemetry.InstrumentStoreOperation(ctx, storeName, "record_transfer", func(ctx context.Context) error {
		return r.repo.RecordTransfer(ctx, rec)
	})
}

// LatestTransfer looks up the newest record for a file with telemetry.
func (r *InstrumentedTransferRepository) LatestTransfer(
	ctx context.Context, fileName string, direction storage.Direction,
) (*storage.TransferRecord, error) {
	var result *storage.TransferRecord

	err := r.telemetry.InstrumentStoreOperation(ctx, storeName, "latest_transfer", func(ctx context.Context) error {
		var err error

		result, err = r.repo.LatestTransfer(ctx, fileName, direction)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// RecentTransfers lists recent records with telemetry.
func (r *InstrumentedTransferRepository) RecentTransfers(ctx context.Context, limit int) ([]storage.TransferRecord, error) {
	var result []storage.TransferRecord

	err := r.telemetry.InstrumentStoreOperation(ctx, storeName, "recent_transfers", func(ctx context.Context) error {
		var err error

		result, err = r.repo.RecentTransfers(ctx, limit)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}
