package domain

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusCreated, StatusPending, true},
		{StatusCreated, StatusSucceeded, true},
		{StatusPending, StatusAcknowledged, true},
		{StatusAcknowledged, StatusFailed, true},
		{StatusAcknowledged, StatusPending, false},
		{StatusPending, StatusPending, false},
		{StatusSucceeded, StatusFailed, false},
		{StatusFailed, StatusSucceeded, false},
		{StatusSucceeded, StatusSucceeded, false},
		{Status("LOST"), StatusPending, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestTransitionStampsTerminalOnce(t *testing.T) {
	created := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	tx := Transaction{Status: StatusCreated, CreatedAt: created, UpdatedAt: created}

	pendingAt := created.Add(time.Second)
	if err := tx.Transition(StatusPending, pendingAt); err != nil {
		t.Fatalf("to pending: %v", err)
	}
	if tx.TerminalAt != nil {
		t.Fatal("terminal_at set on non-terminal status")
	}

	doneAt := created.Add(2 * time.Second)
	if err := tx.Transition(StatusSucceeded, doneAt); err != nil {
		t.Fatalf("to succeeded: %v", err)
	}
	if tx.TerminalAt == nil || !tx.TerminalAt.Equal(doneAt) {
		t.Fatalf("terminal_at = %v", tx.TerminalAt)
	}

	err := tx.Transition(StatusFailed, doneAt.Add(time.Second))
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
	if tx.Status != StatusSucceeded || !tx.TerminalAt.Equal(doneAt) {
		t.Fatalf("terminal record changed: %+v", tx)
	}
}

func TestSummary(t *testing.T) {
	for st, want := range map[Status]SummaryStatus{
		StatusCreated:      SummaryPending,
		StatusPending:      SummaryPending,
		StatusAcknowledged: SummaryPending,
		StatusSucceeded:    SummarySucceeded,
		StatusFailed:       SummaryFailed,
	} {
		if got := st.Summary(); got != want {
			t.Errorf("%s.Summary() = %s, want %s", st, got, want)
		}
	}
}

func TestParseProvider(t *testing.T) {
	for in, want := range map[string]Provider{
		"mpesa":        ProviderMobileMoney,
		"MOBILE_MONEY": ProviderMobileMoney,
		" card-wallet": ProviderCardWallet,
		"card_wallet":  ProviderCardWallet,
	} {
		got, err := ParseProvider(in)
		if err != nil || got != want {
			t.Errorf("ParseProvider(%q) = %s, %v", in, got, err)
		}
	}
	if _, err := ParseProvider("crypto"); !errors.Is(err, ErrUnknownProvider) {
		t.Fatalf("err = %v", err)
	}
}

func TestCloneIsDeep(t *testing.T) {
	at := time.Now()
	tx := Transaction{TerminalAt: &at, SettledAt: &at, RawProviderPayload: json.RawMessage(`{"a":1}`)}
	c := tx.Clone()
	*c.TerminalAt = at.Add(time.Hour)
	c.RawProviderPayload[2] = 'b'
	if !tx.TerminalAt.Equal(at) || string(tx.RawProviderPayload) != `{"a":1}` {
		t.Fatal("clone shares memory with the original")
	}
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		in      any
		want    string
		wantErr bool
	}{
		{json.Number("500.00"), "500", false},
		{"1.5", "1.5", false},
		{float64(12.25), "12.25", false},
		{int64(7), "7", false},
		{"-1", "", true},
		{"abc", "", true},
		{true, "", true},
	}
	for _, tt := range tests {
		got, err := ParseAmount(tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrInvalidRequest) {
				t.Errorf("ParseAmount(%v) err = %v, want ErrInvalidRequest", tt.in, err)
			}
			continue
		}
		if err != nil || !got.Equal(decimal.RequireFromString(tt.want)) {
			t.Errorf("ParseAmount(%v) = %s, %v", tt.in, got, err)
		}
	}
}

func TestWholeUnitsAndFormat(t *testing.T) {
	if got := WholeUnits(decimal.RequireFromString("499.01")); got != 500 {
		t.Fatalf("WholeUnits = %d, want 500", got)
	}
	if got := WholeUnits(decimal.NewFromInt(500)); got != 500 {
		t.Fatalf("WholeUnits = %d, want 500", got)
	}
	if got := FormatAmount(decimal.RequireFromString("10.5")); got != "10.50" {
		t.Fatalf("FormatAmount = %q", got)
	}
}

func TestTransactionIDs(t *testing.T) {
	id := NewTransactionID(time.Now())
	if !strings.HasPrefix(id, "txn_") || !IsTransactionID(id) {
		t.Fatalf("bad id %q", id)
	}
	for _, s := range []string{"ws_CO_191220191020363925", "txn_", "txn_not-a-ulid", ""} {
		if IsTransactionID(s) {
			t.Errorf("IsTransactionID(%q) = true", s)
		}
	}
}

func TestProviderErrorUnwrap(t *testing.T) {
	cause := errors.New("dial tcp: timeout")
	err := Unavailable(ProviderMobileMoney, "stk push", cause)
	if !errors.Is(err, ErrProviderUnavailable) || !errors.Is(err, cause) {
		t.Fatalf("unwrap chain broken: %v", err)
	}
	rej := Rejected(ProviderCardWallet, "create order", "INVALID_CURRENCY", "bad currency")
	if !errors.Is(rej, ErrProviderRejected) || errors.Is(rej, ErrProviderUnavailable) {
		t.Fatalf("rejected classification wrong: %v", rej)
	}
	if !strings.Contains(rej.Error(), "INVALID_CURRENCY") {
		t.Fatalf("code missing from %q", rej.Error())
	}
}

func TestTimestampIsMicrosecondUTC(t *testing.T) {
	eat := time.FixedZone("EAT", 3*60*60)
	in := time.Date(2024, 3, 1, 15, 0, 0, 123456789, eat)
	got := Timestamp(in)
	if got.Location() != time.UTC || got.Nanosecond() != 123456000 || !got.Equal(in.Truncate(time.Microsecond)) {
		t.Fatalf("Timestamp = %v", got)
	}
	if now := Now(); now.Location() != time.UTC || now.Nanosecond()%1000 != 0 {
		t.Fatalf("Now = %v", now)
	}
}
