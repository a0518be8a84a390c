package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"traffic-router/internal/targets"
)

func BenchmarkDecide(b *testing.B) {
	store, _ := newRedisStore(b)
	geos := []string{"ca", "ny", "tx", "wa"}

	list := make(staticLister, 0, 200)
	created := time.Date(2018, 7, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < cap(list); i++ {
		list = append(list, targets.Target{
			ID:               fmt.Sprintf("t%d", i),
			URL:              fmt.Sprintf("http://example%d.com", i),
			Value:            decimal.New(int64(i%37), -2),
			MaxAcceptsPerDay: 1 << 40,
			Accept: targets.Criteria{
				AttrGeoState: targets.InRule{Values: []string{geos[i%len(geos)]}},
				AttrHour:     targets.InRule{Values: []string{"13", "14", "15"}},
			},
			CreatedAt: created.Add(time.Duration(i) * time.Minute),
		})
	}

	e := NewEngine(list, NewCapTracker(store, 0))
	v := visitor("ca", visitorTime)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := e.Decide(ctx, v); err != nil {
			b.Fatal(err)
		}
	}
}
