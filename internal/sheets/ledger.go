package sheets

import (
	"context"
	"time"

	"gilfond_flats/internal/discovery"
	"gilfond_flats/internal/retry"

	"github.com/rs/zerolog/log"
)

// Appender is the part of Client the ledger uses.
type Appender interface {
	AppendRows(ctx context.Context, spreadsheetID, range_ string, rows [][]interface{}) error
}

// Ledger appends one spreadsheet row per requested flat.
type Ledger struct {
	client        Appender
	spreadsheetID string
	sheetRange    string
	retry         retry.Config
	now           func() time.Time
}

func NewLedger(client Appender, spreadsheetID, sheetRange string, retryConfig retry.Config) *Ledger {
	return &Ledger{
		client:        client,
		spreadsheetID: spreadsheetID,
		sheetRange:    sheetRange,
		retry:         retryConfig,
		now:           time.Now,
	}
}

// LedgerRow is the column layout: added at, house, row id, flat number, floor, rooms, link.
func LedgerRow(at time.Time, scope string, row discovery.Row) []interface{} {
	return []interface{}{
		at.Format("2006-01-02 15:04:05"),
		scope,
		row.ID,
		row.Number,
		row.Floor,
		row.Rooms,
		row.URL,
	}
}

func (l *Ledger) RecordAdded(ctx context.Context, scope string, row discovery.Row) error {
	values := [][]interface{}{LedgerRow(l.now(), scope, row)}

	err := retry.Do(ctx, l.retry, func(ctx context.Context) error {
		return l.client.AppendRows(ctx, l.spreadsheetID, l.sheetRange, values)
	})
	if err != nil {
		return err
	}

	log.Debug().
		Str("id", row.ID).
		Str("range", l.sheetRange).
		Msg("Recorded flat in ledger")
	return nil
}
