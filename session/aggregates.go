package session

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/r0hmer/relaykit"
	"github.com/r0hmer/relaykit/broker"
)

// registerAggregates subscribes the engine to its own topics. This is the
// event-sourcing loop: the write path stays fire-and-forget while these
// handlers fold events into the aggregate counters, possibly lagging.
func (e *Engine) registerAggregates() error {
	if err := e.broker.Subscribe(TopicUserEvents, e.applyUserEvent); err != nil {
		return err
	}
	return e.broker.Subscribe(TopicActivityEvents, e.applyActivityEvent)
}

func (e *Engine) applyUserEvent(ctx context.Context, d broker.Delivery) error {
	if !d.Decoded {
		// foreign payload on the topic; nothing to fold
		return nil
	}
	switch d.Event.Type {
	case EventUserLogin:
		return e.applyLogin(ctx, d.Event)
	case EventUserLogout:
		return e.applyLogout(ctx, d.Event)
	default:
		return nil
	}
}

func (e *Engine) applyLogin(ctx context.Context, ev relaykit.Event) error {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = e.now()
	}
	key := loginCountKey(dateOf(ts))
	n, err := e.cache.Incr(ctx, key)
	if err != nil {
		if errors.Is(err, relaykit.ErrOperationSkipped) {
			return nil
		}
		return err
	}
	if n == 1 {
		if _, err := e.cache.Expire(ctx, key, 48*time.Hour); err != nil {
			e.log.Warn("login counter expiry failed", relaykit.Fields{"key": key, "err": err})
		}
	}
	return nil
}

// applyLogout folds the session duration into a running mean stored as
// {count, mean} hash fields. The read-modify-write runs under the
// distributed lock because two consumers updating the pair concurrently
// would lose increments.
func (e *Engine) applyLogout(ctx context.Context, ev relaykit.Event) error {
	duration, ok := ev.Data["sessionDuration"].(float64)
	if !ok {
		return nil
	}
	err := e.locks.WithLock(ctx, sessionDurationLock, 5*time.Second, func(ctx context.Context) error {
		fields, err := e.cache.HGetAll(ctx, statsSessionDurationKey)
		if err != nil {
			return err
		}
		count, _ := strconv.ParseInt(fields["count"], 10, 64)
		mean, _ := strconv.ParseFloat(fields["mean"], 64)

		count++
		mean += (duration - mean) / float64(count)

		return e.cache.HSet(ctx, statsSessionDurationKey, map[string]string{
			"count": strconv.FormatInt(count, 10),
			"mean":  strconv.FormatFloat(mean, 'f', -1, 64),
		})
	})
	if errors.Is(err, relaykit.ErrOperationSkipped) {
		return nil
	}
	return err
}

func (e *Engine) applyActivityEvent(ctx context.Context, d broker.Delivery) error {
	if !d.Decoded || d.Event.Type != EventUserActivity {
		return nil
	}
	activity, ok := d.Event.Data["activity"].(string)
	if !ok || activity == "" {
		return nil
	}
	_, err := e.cache.HIncrBy(ctx, statsActivityCountsKey, activity, 1)
	if errors.Is(err, relaykit.ErrOperationSkipped) {
		return nil
	}
	return err
}
