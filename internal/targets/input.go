package targets

import (
	"bytes"
	"encoding/json"
	"net/url"

	"github.com/shopspring/decimal"

	"traffic-router/internal/apperr"
)

// Input is a create or update payload. A nil field was not supplied.
type Input struct {
	URL              *string
	Value            *decimal.Decimal
	MaxAcceptsPerDay *int64
	Accept           Criteria

	seen int // keys present in the body, recognized or not
}

// ParseInput decodes a JSON object, checking the type and range of every
// recognized field that is present. JSON null counts as absent.
func ParseInput(body []byte) (Input, error) {
	var in Input
	if len(bytes.TrimSpace(body)) == 0 {
		return in, nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return in, apperr.Validation("Invalid JSON body")
	}
	in.seen = len(raw)

	if v, ok := present(raw, "url"); ok {
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return in, apperr.Validation("url must be a string")
		}
		if s != "" {
			if _, err := url.ParseRequestURI(s); err != nil {
				return in, apperr.Validation("url is not a valid URL")
			}
		}
		in.URL = &s
	}

	if v, ok := present(raw, "value"); ok {
		text, err := scalarText(v)
		if err != nil {
			return in, apperr.Validation("value must be a decimal number")
		}
		if text != "" {
			d, err := decimal.NewFromString(text)
			if err != nil {
				return in, apperr.Validation("value must be a decimal number")
			}
			if d.IsNegative() {
				return in, apperr.Validation("value must not be negative")
			}
			// same representation a stored record decodes to
			d = decimal.RequireFromString(d.String())
			in.Value = &d
		}
	}

	if v, ok := present(raw, "maxAcceptsPerDay"); ok {
		text, err := scalarText(v)
		if err != nil {
			return in, apperr.Validation("maxAcceptsPerDay must be a positive integer")
		}
		if text != "" {
			n, err := parseCount(v)
			if err != nil || n <= 0 {
				return in, apperr.Validation("maxAcceptsPerDay must be a positive integer")
			}
			in.MaxAcceptsPerDay = &n
		}
	}

	if v, ok := present(raw, "accept"); ok {
		var c Criteria
		if err := json.Unmarshal(v, &c); err != nil {
			return in, apperr.Validation("accept must be an object")
		}
		if c == nil {
			c = Criteria{}
		}
		in.Accept = c
	}
	return in, nil
}

func present(raw map[string]json.RawMessage, key string) (json.RawMessage, bool) {
	v, ok := raw[key]
	if !ok || bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
		return nil, false
	}
	return v, true
}

func (in Input) validateCreate() error {
	switch {
	case in.URL == nil || *in.URL == "":
		return apperr.Validation("Missing required field: url")
	case in.Value == nil:
		return apperr.Validation("Missing required field: value")
	case in.MaxAcceptsPerDay == nil:
		return apperr.Validation("Missing required field: maxAcceptsPerDay")
	case in.Accept == nil:
		return apperr.Validation("Missing required field: accept")
	}
	return nil
}

func (in Input) validateUpdate() error {
	if in.seen == 0 {
		return apperr.Validation("Update data cannot be empty")
	}
	if in.URL == nil && in.Value == nil && in.MaxAcceptsPerDay == nil && in.Accept == nil {
		return apperr.Validation("At least one valid field (url, value, maxAcceptsPerDay, accept) must be provided")
	}
	if in.URL != nil && *in.URL == "" {
		return apperr.Validation("url must not be empty")
	}
	return nil
}
