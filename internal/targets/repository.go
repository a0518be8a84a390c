package targets

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"traffic-router/internal/apperr"
	"traffic-router/internal/kv"
	"traffic-router/internal/observability"
)

// HashKey is the hash holding every target record, keyed by target id.
const HashKey = "targets"

// Backend is the part of the storage collaborator the repository needs.
type Backend interface {
	kv.Hash
	Publish(ctx context.Context, channel, payload string) error
}

type Option func(*Repository)

// WithChangeChannel publishes the id of every written target on channel.
func WithChangeChannel(channel string) Option {
	return func(r *Repository) { r.channel = channel }
}

func WithClock(now func() time.Time) Option {
	return func(r *Repository) { r.now = now }
}

func WithIDGenerator(newID func() string) Option {
	return func(r *Repository) { r.newID = newID }
}

// Repository stores targets as JSON records in one hash.
// Writes are whole-record, last writer wins.
type Repository struct {
	store   Backend
	channel string
	now     func() time.Time
	newID   func() string

	mu       sync.RWMutex
	onChange []func(id string)
}

func NewRepository(store Backend, opts ...Option) *Repository {
	r := &Repository{
		store: store,
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// OnChange registers fn to run after every successful write in this process.
func (r *Repository) OnChange(fn func(id string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = append(r.onChange, fn)
}

// ListAll returns every parseable target, newest createdAt first. Records that
// fail to parse are logged and skipped.
func (r *Repository) ListAll(ctx context.Context) ([]Target, error) {
	raw, err := r.store.HashGetAll(ctx, HashKey)
	if err != nil {
		observability.StorageErrors.WithLabelValues("hgetall").Inc()
		return nil, apperr.Storage("list targets", err)
	}

	out := make([]Target, 0, len(raw))
	for id, data := range raw {
		t, err := decodeTarget(data)
		if err != nil {
			observability.MalformedTargets.Inc()
			log.Warn().Err(err).Str("target_id", id).Msg("malformed target record skipped")
			continue
		}
		out = append(out, t)
	}
	sortNewestFirst(out)
	return out, nil
}

func (r *Repository) Get(ctx context.Context, id string) (Target, error) {
	if strings.TrimSpace(id) == "" {
		return Target{}, apperr.Validation("Target ID is required")
	}
	data, err := r.store.HashGet(ctx, HashKey, id)
	if errors.Is(err, kv.ErrNil) {
		return Target{}, apperr.NotFound("Target not found")
	}
	if err != nil {
		observability.StorageErrors.WithLabelValues("hget").Inc()
		return Target{}, apperr.Storage("get target", err)
	}
	t, err := decodeTarget(data)
	if err != nil {
		observability.MalformedTargets.Inc()
		return Target{}, apperr.Storage("Invalid target data in storage", err)
	}
	return t, nil
}

func (r *Repository) Create(ctx context.Context, in Input) (Target, error) {
	if err := in.validateCreate(); err != nil {
		return Target{}, err
	}
	t := Target{
		ID:               r.newID(),
		URL:              *in.URL,
		Value:            *in.Value,
		MaxAcceptsPerDay: *in.MaxAcceptsPerDay,
		Accept:           in.Accept,
		CreatedAt:        r.now().UTC(),
	}
	if err := r.save(ctx, t); err != nil {
		return Target{}, err
	}
	log.Info().Str("target_id", t.ID).Str("url", t.URL).Msg("target created")
	return t, nil
}

// Update merges the supplied fields into the stored target.
func (r *Repository) Update(ctx context.Context, id string, in Input) (Target, error) {
	if strings.TrimSpace(id) == "" {
		return Target{}, apperr.Validation("Target ID is required")
	}
	if err := in.validateUpdate(); err != nil {
		return Target{}, err
	}
	existing, err := r.Get(ctx, id)
	if err != nil {
		return Target{}, err
	}
	updated := existing.merge(in, r.now())
	if err := r.save(ctx, updated); err != nil {
		return Target{}, err
	}
	log.Info().Str("target_id", id).Msg("target updated")
	return updated, nil
}

func (r *Repository) save(ctx context.Context, t Target) error {
	data, err := json.Marshal(t)
	if err != nil {
		return apperr.Storage("encode target", err)
	}
	if err := r.store.HashSet(ctx, HashKey, t.ID, string(data)); err != nil {
		observability.StorageErrors.WithLabelValues("hset").Inc()
		return apperr.Storage("save target", err)
	}
	r.notify(ctx, t.ID)
	return nil
}

func (r *Repository) notify(ctx context.Context, id string) {
	r.mu.RLock()
	hooks := slices.Clone(r.onChange)
	r.mu.RUnlock()
	for _, fn := range hooks {
		fn(id)
	}

	if r.channel == "" {
		return
	}
	if err := r.store.Publish(ctx, r.channel, id); err != nil {
		observability.StorageErrors.WithLabelValues("publish").Inc()
		log.Warn().Err(err).Str("target_id", id).Str("channel", r.channel).Msg("change notification not published")
	}
}

func decodeTarget(data string) (Target, error) {
	var t Target
	if err := json.Unmarshal([]byte(data), &t); err != nil {
		return Target{}, err
	}
	if t.ID == "" {
		return Target{}, errors.New("record has no id")
	}
	return t, nil
}

// sortNewestFirst orders by createdAt descending; equal timestamps fall back to id
// so the order does not depend on hash iteration.
func sortNewestFirst(ts []Target) {
	slices.SortStableFunc(ts, func(a, b Target) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}
