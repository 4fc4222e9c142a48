package storage

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("transfer record not found")

// Direction of a completed transfer.
type Direction string

const (
	DirectionDownload Direction = "download"
	DirectionUpload   Direction = "upload"
)

// TransferRecord represents one completed download or upload. The ledger decides
// what still needs doing; these rows only describe what happened and when.
type TransferRecord struct {
	FileName    string
	Direction   Direction
	SizeBytes   int64
	RemoteID    string // media item id for uploads
	CompletedAt time.Time
}

type TransferReadRepository interface {
	// LatestTransfer returns the most recent record for fileName in the given direction.
	LatestTransfer(ctx context.Context, fileName string, direction Direction) (*TransferRecord, error)
	RecentTransfers(ctx context.Context, limit int) ([]TransferRecord, error)
}

type TransferWriteRepository interface {
	RecordTransfer(ctx context.Context, rec TransferRecord) error
}

type TransferRepository interface {
	TransferReadRepository
	TransferWriteRepository
}
