package targets

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Target is an advertiser campaign: where to send traffic, what it pays,
// how many accepts it takes per UTC day and which visitors it accepts.
type Target struct {
	ID               string          `json:"id"`
	URL              string          `json:"url"`
	Value            decimal.Decimal `json:"value"`
	MaxAcceptsPerDay int64           `json:"maxAcceptsPerDay"`
	Accept           Criteria        `json:"accept"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        *time.Time      `json:"updatedAt,omitempty"`
}

// UnmarshalJSON also accepts records whose maxAcceptsPerDay was stored as a string.
func (t *Target) UnmarshalJSON(data []byte) error {
	type plain Target
	var aux struct {
		plain
		MaxAcceptsPerDay json.RawMessage `json:"maxAcceptsPerDay"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*t = Target(aux.plain)
	if len(aux.MaxAcceptsPerDay) > 0 {
		n, err := parseCount(aux.MaxAcceptsPerDay)
		if err != nil {
			return fmt.Errorf("maxAcceptsPerDay: %w", err)
		}
		t.MaxAcceptsPerDay = n
	}
	return nil
}

// merge applies every field present in in. Structured fields are replaced, not merged.
func (t Target) merge(in Input, now time.Time) Target {
	out := t
	if in.URL != nil {
		out.URL = *in.URL
	}
	if in.Value != nil {
		out.Value = *in.Value
	}
	if in.MaxAcceptsPerDay != nil {
		out.MaxAcceptsPerDay = *in.MaxAcceptsPerDay
	}
	if in.Accept != nil {
		out.Accept = in.Accept
	}
	ts := now.UTC()
	out.UpdatedAt = &ts
	return out
}

// parseCount reads a JSON number or numeric string holding a whole number.
func parseCount(raw json.RawMessage) (int64, error) {
	text, err := scalarText(raw)
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(text, 10, 64)
}

// scalarText returns the text of a JSON string or number.
func scalarText(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return "", fmt.Errorf("empty value")
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return strings.TrimSpace(s), nil
	}
	var n json.Number
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&n); err != nil {
		return "", fmt.Errorf("not a number or string: %s", raw)
	}
	return n.String(), nil
}
