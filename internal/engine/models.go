package engine

import (
	"strings"
	"time"

	"traffic-router/internal/apperr"
)

const (
	DecisionAccept = "accept"
	DecisionReject = "reject"
)

// Visitor is the snapshot of one incoming request.
type Visitor struct {
	GeoState  string `json:"geoState"`
	Publisher string `json:"publisher"`
	Timestamp string `json:"timestamp"`
}

// Decision is the routing outcome. URL is set only on accept.
type Decision struct {
	Decision string `json:"decision"`
	URL      string `json:"url,omitempty"`
}

func Accept(url string) Decision { return Decision{Decision: DecisionAccept, URL: url} }
func Reject() Decision           { return Decision{Decision: DecisionReject} }

// timestampLayouts are tried in order; zone-less layouts are read as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05",
	time.RFC1123Z,
	time.RFC1123,
	"2006-01-02",
}

// validate checks required fields and returns the parsed timestamp.
func (v Visitor) validate() (time.Time, error) {
	if strings.TrimSpace(v.GeoState) == "" {
		return time.Time{}, apperr.Validation("Missing required field: geoState")
	}
	if strings.TrimSpace(v.Publisher) == "" {
		return time.Time{}, apperr.Validation("Missing required field: publisher")
	}
	if strings.TrimSpace(v.Timestamp) == "" {
		return time.Time{}, apperr.Validation("Missing required field: timestamp")
	}
	ts, ok := parseTimestamp(strings.TrimSpace(v.Timestamp))
	if !ok {
		return time.Time{}, apperr.Validation("Invalid timestamp format")
	}
	return ts, nil
}

func parseTimestamp(s string) (time.Time, bool) {
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}
