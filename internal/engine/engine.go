package engine

import (
	"context"
	"errors"
	"slices"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"traffic-router/internal/observability"
	"traffic-router/internal/targets"
)

const defaultConcurrency = 16

type Option func(*Engine)

// WithStrictCaps makes the winner's accept an increment-then-compare reservation,
// falling through to the next-ranked target when the cap was taken concurrently.
func WithStrictCaps(strict bool) Option {
	return func(e *Engine) { e.strict = strict }
}

// WithConcurrency bounds the number of in-flight cap reads per decision.
func WithConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// Engine decides, per visitor, which target (if any) receives the traffic.
type Engine struct {
	targets     targets.Lister
	caps        *CapTracker
	strict      bool
	concurrency int
}

func NewEngine(lister targets.Lister, caps *CapTracker, opts ...Option) *Engine {
	e := &Engine{targets: lister, caps: caps, concurrency: defaultConcurrency}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Decide validates the visitor, filters targets on criteria and daily cap, picks
// the best one and records its accept. A reject never touches counters.
func (e *Engine) Decide(ctx context.Context, v Visitor) (Decision, error) {
	ts, err := v.validate()
	if err != nil {
		return Decision{}, err
	}

	all, err := e.targets.ListAll(ctx)
	if err != nil {
		return Decision{}, err
	}
	if len(all) == 0 {
		return e.reject(v, "no targets"), nil
	}

	day := DayKey(ts)
	eligible, err := e.eligible(ctx, all, visitorAttributes(v, ts), day)
	if err != nil {
		return Decision{}, err
	}
	observability.EligibleTargets.Observe(float64(len(eligible)))
	if len(eligible) == 0 {
		return e.reject(v, "no eligible target"), nil
	}

	rank(eligible)
	winner, ok, err := e.commit(ctx, eligible, day)
	if err != nil {
		return Decision{}, err
	}
	if !ok {
		return e.reject(v, "caps exhausted during reservation"), nil
	}

	observability.Decisions.WithLabelValues(DecisionAccept).Inc()
	log.Debug().
		Str("geo_state", v.GeoState).
		Str("publisher", v.Publisher).
		Str("target_id", winner.ID).
		Int("eligible", len(eligible)).
		Msg("visitor accepted")
	return Accept(winner.URL), nil
}

// eligible keeps targets whose criteria match and that are under today's cap.
// Cap reads run concurrently; the first storage error aborts the rest.
func (e *Engine) eligible(ctx context.Context, all []targets.Target, attrs attributes, day string) ([]targets.Target, error) {
	under := make([]bool, len(all))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for i, t := range all {
		if !matchesAll(t.Accept, attrs) {
			continue
		}
		g.Go(func() error {
			ok, err := e.caps.UnderCap(gctx, t.ID, day, t.MaxAcceptsPerDay)
			if err != nil {
				return err
			}
			under[i] = ok
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]targets.Target, 0, len(all))
	for i, t := range all {
		if under[i] {
			out = append(out, t)
		}
	}
	return out, nil
}

// rank orders by value desc, then createdAt desc, then id.
func rank(ts []targets.Target) {
	slices.SortStableFunc(ts, func(a, b targets.Target) int {
		if c := b.Value.Cmp(a.Value); c != 0 {
			return c
		}
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}

// commit records the accept for the winner. In strict mode it reserves down the
// ranking until a reservation succeeds.
func (e *Engine) commit(ctx context.Context, ranked []targets.Target, day string) (targets.Target, bool, error) {
	if !e.strict {
		winner := ranked[0]
		_, err := e.caps.RecordAccept(ctx, winner.ID, day)
		if err = tolerateExpiry(err); err != nil {
			return targets.Target{}, false, err
		}
		return winner, true, nil
	}

	for _, t := range ranked {
		ok, err := e.caps.Reserve(ctx, t.ID, day, t.MaxAcceptsPerDay)
		if err = tolerateExpiry(err); err != nil {
			return targets.Target{}, false, err
		}
		if ok {
			return t, true, nil
		}
	}
	return targets.Target{}, false, nil
}

// tolerateExpiry logs an expiry failure and reports it as success: the increment
// already happened, so the accept stands.
func tolerateExpiry(err error) error {
	var expErr *ExpiryError
	if errors.As(err, &expErr) {
		log.Error().Err(expErr.Err).Str("key", expErr.Key).Int64("count", expErr.Count).
			Msg("accept recorded but counter expiry not set")
		return nil
	}
	return err
}

func (e *Engine) reject(v Visitor, reason string) Decision {
	observability.Decisions.WithLabelValues(DecisionReject).Inc()
	log.Debug().Str("geo_state", v.GeoState).Str("publisher", v.Publisher).Str("reason", reason).Msg("visitor rejected")
	return Reject()
}
