package targets

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Rule is one attribute's accept rule. New rule shapes are added as new
// implementations; callers only ever ask whether a value matches.
type Rule interface {
	Match(value string) bool
}

// InRule accepts values that are members of a fixed set.
type InRule struct {
	Values []string
}

func (r InRule) Match(value string) bool {
	for _, v := range r.Values {
		if v == value {
			return true
		}
	}
	return false
}

func (r InRule) MarshalJSON() ([]byte, error) {
	vals := r.Values
	if vals == nil {
		vals = []string{}
	}
	return json.Marshal(struct {
		In []string `json:"in"`
	}{In: vals})
}

// OpaqueRule keeps a rule shape this service does not evaluate. It never restricts
// and is written back unchanged.
type OpaqueRule struct {
	Raw json.RawMessage
}

func (OpaqueRule) Match(string) bool { return true }

func (r OpaqueRule) MarshalJSON() ([]byte, error) {
	if len(r.Raw) == 0 {
		return []byte("null"), nil
	}
	return r.Raw, nil
}

// Criteria maps attribute names (geoState, hour, ...) to their rule.
type Criteria map[string]Rule

func (c *Criteria) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("accept must be an object: %w", err)
	}
	if raw == nil {
		*c = nil
		return nil
	}
	out := make(Criteria, len(raw))
	for attr, body := range raw {
		out[attr] = decodeRule(body)
	}
	*c = out
	return nil
}

func decodeRule(body json.RawMessage) Rule {
	var ops map[string]json.RawMessage
	if err := json.Unmarshal(body, &ops); err != nil || ops == nil {
		return OpaqueRule{Raw: body}
	}
	in, ok := ops["in"]
	if !ok {
		// legacy spelling
		in, ok = ops["$in"]
	}
	if !ok {
		return OpaqueRule{Raw: body}
	}
	values, err := decodeValues(in)
	if err != nil {
		return OpaqueRule{Raw: body}
	}
	return InRule{Values: values}
}

// decodeValues reads a JSON array of strings or numbers. Numbers keep their literal text.
func decodeValues(body json.RawMessage) ([]string, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var items []any
	if err := dec.Decode(&items); err != nil {
		return nil, err
	}
	if items == nil {
		return nil, fmt.Errorf("in must be an array")
	}
	values := make([]string, 0, len(items))
	for _, it := range items {
		switch v := it.(type) {
		case string:
			values = append(values, v)
		case json.Number:
			values = append(values, strings.TrimSpace(v.String()))
		default:
			return nil, fmt.Errorf("unsupported set member %v", it)
		}
	}
	return values, nil
}
