// Package status reports how far the backup has progressed.
package status

import (
	"context"

	"github.com/italolelis/smartcam_backup/internal/logctx"
	"github.com/italolelis/smartcam_backup/internal/telemetry"
)

// Counter is the part of the ledger the reporter reads.
type Counter interface {
	Counts() (downloaded, uploaded int)
}

type Reporter struct {
	ledger Counter
	tel    *telemetry.Telemetry
}

func NewReporter(l Counter, tel *telemetry.Telemetry) *Reporter {
	return &Reporter{ledger: l, tel: tel}
}

// Cycle logs one line with the ledger counts and exports them as gauges.
func (r *Reporter) Cycle(ctx context.Context) error {
	downloaded, uploaded := r.ledger.Counts()

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "backup status", "downloaded", downloaded, "uploaded", uploaded)

	r.tel.RecordLedgerEntries(ctx, downloaded, uploaded)

	return nil
}
