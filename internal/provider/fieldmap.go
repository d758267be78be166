package provider

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Mileskamau/mpesa-backend/internal/domain"

	"github.com/shopspring/decimal"
)

// CallbackEvent is a provider callback reduced to the fields reconciliation
// needs. Optional fields are nil/empty when the payload does not carry them.
type CallbackEvent struct {
	Provider      domain.Provider
	CorrelationID string
	SecondaryID   string
	ResultCode    string
	Message       string
	Amount        *decimal.Decimal
	Currency      string
	ReceiptRef    string
	SettledAt     *time.Time
	Raw           json.RawMessage

	// FieldErrors lists optional fields that were present but unusable.
	// They are left empty on the event; the status still applies.
	FieldErrors []error
}

// FieldMap is the per-provider field-mapping table. Each field lists
// candidate dot-paths into the decoded callback; the first path yielding a
// non-empty value wins. A path segment applied to a list of {Name, Value}
// (or {Key, Value}) objects selects the Value of the element with that name.
type FieldMap struct {
	Provider      domain.Provider
	CorrelationID []string
	SecondaryID   []string
	ResultCode    []string
	Message       []string
	Amount        []string
	Currency      []string
	Receipt       []string
	SettledAt     []string

	// SettledAtLayouts are tried in order; numeric values are formatted
	// without exponent before parsing.
	SettledAtLayouts []string
	SettledAtZone    *time.Location

	// Ack is the success receipt returned to the provider for every callback.
	Ack json.RawMessage

	Vocabulary ResultVocabulary
}

// Normalize decodes payload and extracts the mapped fields.
func (m *FieldMap) Normalize(payload []byte) (CallbackEvent, error) {
	ev := CallbackEvent{Provider: m.Provider}

	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return ev, fmt.Errorf("%w: callback body is not a JSON object: %v", domain.ErrInvalidRequest, err)
	}
	ev.Raw = append(json.RawMessage(nil), payload...)

	ev.CorrelationID = firstString(doc, m.CorrelationID)
	ev.SecondaryID = firstString(doc, m.SecondaryID)
	if ev.CorrelationID == "" && ev.SecondaryID == "" {
		return ev, fmt.Errorf("%w: callback carries no correlation id", domain.ErrInvalidRequest)
	}
	ev.ResultCode = firstString(doc, m.ResultCode)
	ev.Message = firstString(doc, m.Message)
	ev.Currency = domain.NormalizeCurrency(firstString(doc, m.Currency))
	ev.ReceiptRef = firstString(doc, m.Receipt)
	if ev.ReceiptRef == ev.CorrelationID {
		// fell through to the resource id of an event that has no receipt yet
		ev.ReceiptRef = ""
	}

	if v, ok := firstValue(doc, m.Amount); ok {
		if amt, err := domain.ParseAmount(v); err == nil {
			ev.Amount = &amt
		} else {
			ev.FieldErrors = append(ev.FieldErrors, err)
		}
	}
	if s := firstString(doc, m.SettledAt); s != "" {
		if ts, ok := m.parseTime(s); ok {
			ev.SettledAt = &ts
		} else {
			ev.FieldErrors = append(ev.FieldErrors, fmt.Errorf("unparseable settled_at %q", s))
		}
	}
	return ev, nil
}

func (m *FieldMap) parseTime(s string) (time.Time, bool) {
	loc := m.SettledAtZone
	if loc == nil {
		loc = time.UTC
	}
	for _, layout := range m.SettledAtLayouts {
		if ts, err := time.ParseInLocation(layout, s, loc); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}

// ParseTime parses a settled-at value with the mapping's layouts. Adapters
// use it for the same timestamps in pull responses.
func (m *FieldMap) ParseTime(s string) *time.Time {
	if ts, ok := m.parseTime(s); ok {
		return &ts
	}
	return nil
}

func firstValue(doc any, paths []string) (any, bool) {
	for _, p := range paths {
		if v, ok := Lookup(doc, p); ok && v != nil && stringify(v) != "" {
			return v, true
		}
	}
	return nil, false
}

func firstString(doc any, paths []string) string {
	v, ok := firstValue(doc, paths)
	if !ok {
		return ""
	}
	return stringify(v)
}

// Lookup walks a dot-path through decoded JSON.
func Lookup(doc any, path string) (any, bool) {
	cur := doc
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			v, ok := lookupList(node, seg)
			if !ok {
				return nil, false
			}
			cur = v
		default:
			return nil, false
		}
	}
	return cur, true
}

func lookupList(list []any, seg string) (any, bool) {
	if i, err := strconv.Atoi(seg); err == nil {
		if i < 0 || i >= len(list) {
			return nil, false
		}
		return list[i], true
	}
	for _, el := range list {
		obj, ok := el.(map[string]any)
		if !ok {
			continue
		}
		name := obj["Name"]
		if name == nil {
			name = obj["Key"]
		}
		if s, ok := name.(string); ok && s == seg {
			v, ok := obj["Value"]
			return v, ok
		}
	}
	return nil, false
}

func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(x)
	case json.Number:
		return x.String()
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		return ""
	}
}
