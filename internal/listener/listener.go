// Package listener keeps in-process target caches coherent with writes made by
// other instances, by following the store's change channel.
package listener

import (
	"context"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"

	"traffic-router/internal/kv"
)

// ListenAndRefresh subscribes to channel and calls onChange with the target id
// of every notification. It reconnects with jittered backoff until ctx is done.
// After each (re)subscribe onChange is called with an empty id, since changes
// published while unsubscribed were missed.
func ListenAndRefresh(ctx context.Context, n kv.Notifier, channel string, onChange func(id string), baseBackoff time.Duration) {
	for ctx.Err() == nil {
		sub, err := n.Subscribe(ctx, channel)
		if err != nil {
			backoff := jitter(baseBackoff)
			log.Error().Err(err).Str("channel", channel).Dur("retry_in", backoff).Msg("subscribe")
			if !sleep(ctx, backoff) {
				break
			}
			continue
		}
		log.Info().Str("channel", channel).Msg("listening for target changes")
		onChange("")

		err = consume(ctx, sub, onChange)
		_ = sub.Close()
		if ctx.Err() != nil {
			break
		}
		backoff := jitter(baseBackoff)
		log.Error().Err(err).Dur("retry_in", backoff).Msg("notify wait error")
		if !sleep(ctx, backoff) {
			break
		}
	}
	log.Info().Msg("listener stopped")
}

func consume(ctx context.Context, sub kv.Subscription, onChange func(id string)) error {
	for {
		id, err := sub.Next(ctx)
		if err != nil {
			return err
		}
		log.Debug().Str("target_id", id).Msg("target change; invalidating cache")
		onChange(id)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func jitter(base time.Duration) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	factor := 0.5 + rand.Float64() // 0.5x-1.5x
	return time.Duration(float64(base) * factor)
}
