package types

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Compile-time interface assertions.
// Scan is on pointer receivers; Value is on value receivers.
var (
	_ sql.Scanner   = (*Strategy)(nil)
	_ driver.Valuer = Strategy{}
	_ sql.Scanner   = (*AddressList)(nil)
	_ driver.Valuer = AddressList(nil)
	_ sql.Scanner   = (*Metadata)(nil)
	_ driver.Valuer = Metadata(nil)
)

// scanJSONB scans a JSONB database value into a Go pointer.
// It handles nil values, []byte, and string representations from different drivers.
func scanJSONB(dest any, value any) error {
	if value == nil {
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("jsonb: unsupported scan type %T", value)
	}
	return json.Unmarshal(data, dest)
}

func valueJSONB(v any) (driver.Value, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// Scan implements sql.Scanner.
func (s *Strategy) Scan(value any) error { return scanJSONB(s, value) }

// Value implements driver.Valuer.
func (s Strategy) Value() (driver.Value, error) { return valueJSONB(s) }

// AddressList is the ordered set of contact addresses captured for a recipient.
type AddressList []ContactAddress

// Scan implements sql.Scanner.
func (al *AddressList) Scan(value any) error { return scanJSONB(al, value) }

// Value implements driver.Valuer. A nil list is stored as an empty array.
func (al AddressList) Value() (driver.Value, error) {
	if al == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(al)
}

// ForChannel returns the addresses on channel in their stored order.
func (al AddressList) ForChannel(ch Channel) []ContactAddress {
	var out []ContactAddress
	for _, a := range al {
		if a.Channel == ch {
			out = append(out, a)
		}
	}
	return out
}

// Metadata is free-form JSON attached to attempts and recipients.
type Metadata map[string]any

// Scan implements sql.Scanner.
func (m *Metadata) Scan(value any) error { return scanJSONB(m, value) }

// Value implements driver.Valuer.
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// Merge returns a copy of m with other's keys layered on top.
func (m Metadata) Merge(other map[string]any) Metadata {
	out := make(Metadata, len(m)+len(other))
	for k, v := range m {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}
