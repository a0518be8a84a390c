package engine

import (
	"strconv"
	"time"

	"traffic-router/internal/targets"
)

// Attributes the engine evaluates. Other criteria keys are ignored.
const (
	AttrGeoState = "geoState"
	AttrHour     = "hour"
)

// attributes is the visitor side of a match: attribute name -> value.
type attributes map[string]string

func visitorAttributes(v Visitor, ts time.Time) attributes {
	return attributes{
		AttrGeoState: v.GeoState,
		AttrHour:     HourOf(ts),
	}
}

// HourOf is the UTC hour of t without leading zero, "0".."23".
func HourOf(t time.Time) string {
	return strconv.Itoa(t.UTC().Hour())
}

// Matches reports whether value satisfies the rule for attr. A missing rule
// does not restrict.
func Matches(c targets.Criteria, attr, value string) bool {
	rule, ok := c[attr]
	if !ok || rule == nil {
		return true
	}
	return rule.Match(value)
}

func matchesAll(c targets.Criteria, attrs attributes) bool {
	for attr, value := range attrs {
		if !Matches(c, attr, value) {
			return false
		}
	}
	return true
}
