package repository

import (
	"fmt"
	"testing"
	"time"

	"github.com/Mileskamau/mpesa-backend/internal/domain"
)

// staticRow feeds scanTransaction the values pgx would produce for a
// TIMESTAMPTZ column read on a host outside UTC.
type staticRow []any

func (r staticRow) Scan(dest ...any) error {
	if len(dest) != len(r) {
		return fmt.Errorf("scan: %d destinations for %d columns", len(dest), len(r))
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *string:
			*p = r[i].(string)
		case *time.Time:
			*p = r[i].(time.Time)
		case **time.Time:
			*p = r[i].(*time.Time)
		case *[]byte:
			*p = r[i].([]byte)
		default:
			return fmt.Errorf("scan: unsupported destination %T", d)
		}
	}
	return nil
}

func TestScanTransactionNormalizesTimestamps(t *testing.T) {
	eat := time.FixedZone("EAT", 3*60*60)
	created := time.Date(2024, 3, 1, 15, 0, 0, 123457000, eat)
	terminal := created.Add(time.Minute)

	rec, err := scanTransaction(staticRow{
		"txn_01HQ", string(domain.ProviderMobileMoney), "ws_CO_1", "", "500.00", "KES",
		"user-1", "order-1", string(domain.StatusSucceeded), "", "R123",
		created, terminal, &terminal, (*time.Time)(nil), []byte(nil),
	})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}

	want := time.Date(2024, 3, 1, 12, 0, 0, 123457000, time.UTC)
	if !rec.CreatedAt.Equal(want) || rec.CreatedAt.Location() != time.UTC {
		t.Fatalf("created_at = %v, want %v", rec.CreatedAt, want)
	}
	if rec.UpdatedAt.Location() != time.UTC || rec.TerminalAt == nil || rec.TerminalAt.Location() != time.UTC {
		t.Fatalf("timestamps not in UTC: %+v", rec)
	}
	if rec.SettledAt != nil || rec.RawProviderPayload != nil {
		t.Fatalf("unexpected optional fields: %+v", rec)
	}
	if rec.Amount.String() != "500" || rec.Status != domain.StatusSucceeded {
		t.Fatalf("unexpected record: %+v", rec)
	}
}
