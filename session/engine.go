// Package session is the event-sourced session and analytics engine. The
// write path (login, logout, activity tracking) updates the cache and
// publishes domain events fire-and-forget; a subscription on those same
// events maintains the aggregated statistics asynchronously, so aggregate
// reads may lag the write path slightly.
package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/r0hmer/relaykit"
	"github.com/r0hmer/relaykit/broker"
	"github.com/r0hmer/relaykit/cache"
	"github.com/r0hmer/relaykit/codec"
	"github.com/r0hmer/relaykit/coord"
)

// Topics and event types on the wire.
const (
	TopicUserEvents     = "user-events"
	TopicActivityEvents = "activity-events"

	EventUserLogin    = "USER_LOGIN"
	EventUserLogout   = "USER_LOGOUT"
	EventUserActivity = "USER_ACTIVITY"
)

// Session is the per-user session record. Exactly one active session id is
// tracked per user; a re-login overwrites the pointer.
type Session struct {
	SessionID       string            `json:"sessionId"`
	UserID          string            `json:"userId"`
	CreatedAt       time.Time         `json:"createdAt"`
	LastActivityAt  time.Time         `json:"lastActivityAt"`
	IsActive        bool              `json:"isActive"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	SessionDuration float64           `json:"sessionDuration,omitempty"` // seconds, set at logout
}

// Activity is one entry of a user's bounded recent-activity list.
type Activity struct {
	Type      string    `json:"type"`
	SessionID string    `json:"sessionId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type Engine struct {
	cache   *cache.Facade
	broker  *broker.Dispatcher
	locks   *coord.Lock
	limiter *coord.RateLimiter
	log     relaykit.Logger
	codec   codec.Codec[Session]

	sessionTTL   time.Duration
	loggedOutTTL time.Duration
	maxRecent    int64
	loginLimit   int64
	loginWindow  time.Duration

	now func() time.Time
}

type Options struct {
	Cache  *cache.Facade
	Broker *broker.Dispatcher
	Logger relaykit.Logger

	// Codec serializes Session records into the cache. Default JSON, which
	// keeps stored sessions readable by non-Go consumers of the namespace.
	Codec codec.Codec[Session]

	SessionTTL   time.Duration // 0 => 30m
	LoggedOutTTL time.Duration // post-logout retention; 0 => 5m
	MaxRecent    int64         // recent-activity cap; 0 => 50
	LoginLimit   int64         // logins allowed per user per window; 0 => 10
	LoginWindow  time.Duration // 0 => 1m

	// Now overrides the clock. Tests only.
	Now func() time.Time
}

// New wires the engine and registers its aggregate handlers on the
// dispatcher — the engine consumes its own events.
func New(opts Options) (*Engine, error) {
	if opts.Cache == nil {
		return nil, fmt.Errorf("session: cache facade is required")
	}
	if opts.Broker == nil {
		return nil, fmt.Errorf("session: broker dispatcher is required")
	}
	e := &Engine{
		cache:        opts.Cache,
		broker:       opts.Broker,
		locks:        coord.NewLock(opts.Cache, opts.Logger),
		limiter:      coord.NewRateLimiter(opts.Cache, opts.Logger),
		log:          relaykit.OrNop(opts.Logger),
		codec:        opts.Codec,
		sessionTTL:   opts.SessionTTL,
		loggedOutTTL: opts.LoggedOutTTL,
		maxRecent:    opts.MaxRecent,
		loginLimit:   opts.LoginLimit,
		loginWindow:  opts.LoginWindow,
		now:          opts.Now,
	}
	if e.codec == nil {
		e.codec = codec.JSON[Session]{}
	}
	if e.sessionTTL <= 0 {
		e.sessionTTL = 30 * time.Minute
	}
	if e.loggedOutTTL <= 0 {
		e.loggedOutTTL = 5 * time.Minute
	}
	if e.maxRecent <= 0 {
		e.maxRecent = 50
	}
	if e.loginLimit <= 0 {
		e.loginLimit = 10
	}
	if e.loginWindow <= 0 {
		e.loginWindow = time.Minute
	}
	if e.now == nil {
		e.now = func() time.Time { return time.Now().UTC() }
	}

	if err := e.registerAggregates(); err != nil {
		return nil, err
	}
	return e, nil
}

// Login creates a session, records it as the user's single active session,
// marks the user active for the day and publishes USER_LOGIN. Publish
// failures are logged, never surfaced: the session exists once the cache
// writes land.
func (e *Engine) Login(ctx context.Context, userID string, metadata map[string]string) (string, error) {
	res, err := e.limiter.Allow(ctx, "login:"+userID, e.loginLimit, e.loginWindow)
	if err != nil {
		return "", err
	}
	if !res.Allowed {
		return "", &relaykit.RateLimitError{
			Identifier: "login:" + userID, Limit: e.loginLimit, RetryAfter: res.RetryAfter,
		}
	}

	now := e.now()
	sess := Session{
		SessionID:      relaykit.NewID(),
		UserID:         userID,
		CreatedAt:      now,
		LastActivityAt: now,
		IsActive:       true,
		Metadata:       metadata,
	}
	if err := e.writeSession(ctx, sess, e.sessionTTL); err != nil {
		e.log.Error("login: session write failed", relaykit.Fields{"userId": userID, "err": err})
		return "", err
	}
	if err := e.cache.Set(ctx, activeSessionKey(userID), sess.SessionID, e.sessionTTL); err != nil {
		e.log.Error("login: active pointer write failed", relaykit.Fields{"userId": userID, "err": err})
		return "", err
	}

	day := dateOf(now)
	if err := e.cache.SAdd(ctx, dailyActiveUsersKey(day), userID); err != nil {
		e.log.Warn("login: daily active set update failed", relaykit.Fields{"userId": userID, "err": err})
	} else if _, err := e.cache.Expire(ctx, dailyActiveUsersKey(day), 48*time.Hour); err != nil {
		e.log.Warn("login: daily active set expiry failed", relaykit.Fields{"date": day, "err": err})
	}

	ev := relaykit.NewEvent(EventUserLogin)
	ev.UserID = userID
	ev.SessionID = sess.SessionID
	ev.Timestamp = now
	e.publish(ctx, TopicUserEvents, ev)

	return sess.SessionID, nil
}

// Logout marks the session inactive with a shorter retention TTL, clears the
// active-session pointer and publishes USER_LOGOUT with the computed
// duration. An absent or expired session is ErrSessionNotFound.
func (e *Engine) Logout(ctx context.Context, sessionID string) error {
	sess, ok, err := e.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if !ok {
		return relaykit.ErrSessionNotFound
	}

	now := e.now()
	duration := now.Sub(sess.CreatedAt).Seconds()
	if duration < 0 {
		duration = 0
	}
	sess.IsActive = false
	sess.LastActivityAt = now
	sess.SessionDuration = duration

	if err := e.writeSession(ctx, sess, e.loggedOutTTL); err != nil {
		e.log.Error("logout: session write failed", relaykit.Fields{"sessionId": sessionID, "err": err})
		return err
	}
	if err := e.cache.Delete(ctx, activeSessionKey(sess.UserID)); err != nil {
		e.log.Warn("logout: active pointer clear failed", relaykit.Fields{"userId": sess.UserID, "err": err})
	}

	ev := relaykit.NewEvent(EventUserLogout)
	ev.UserID = sess.UserID
	ev.SessionID = sessionID
	ev.Timestamp = now
	ev.Data["sessionDuration"] = duration
	e.publish(ctx, TopicUserEvents, ev)

	return nil
}

// TrackActivity refreshes the session's last-activity timestamp and TTL,
// appends to the user's bounded recent-activity list and publishes
// USER_ACTIVITY. Without an active session it reports false — non-fatal by
// contract.
func (e *Engine) TrackActivity(ctx context.Context, userID, activity string) (bool, error) {
	sid, ok, err := e.ActiveSessionID(ctx, userID)
	if err != nil {
		return false, err
	}
	if !ok {
		e.log.Debug("activity without active session", relaykit.Fields{"userId": userID, "activity": activity})
		return false, nil
	}
	sess, ok, err := e.GetSession(ctx, sid)
	if err != nil {
		return false, err
	}
	if !ok || !sess.IsActive {
		e.log.Debug("active pointer refers to a dead session", relaykit.Fields{"userId": userID, "sessionId": sid})
		return false, nil
	}

	now := e.now()
	sess.LastActivityAt = now
	if err := e.writeSession(ctx, sess, e.sessionTTL); err != nil {
		e.log.Error("activity: session refresh failed", relaykit.Fields{"sessionId": sid, "err": err})
		return false, err
	}
	if _, err := e.cache.Expire(ctx, activeSessionKey(userID), e.sessionTTL); err != nil {
		e.log.Warn("activity: pointer expiry refresh failed", relaykit.Fields{"userId": userID, "err": err})
	}

	entry, err := (codec.JSON[Activity]{}).Encode(Activity{Type: activity, SessionID: sid, Timestamp: now})
	if err != nil {
		return false, &relaykit.SerializationError{Op: "encode", Key: recentActivityKey(userID), Err: err}
	}
	if err := e.cache.PushBounded(ctx, recentActivityKey(userID), e.maxRecent, string(entry)); err != nil {
		e.log.Warn("activity: recent list update failed", relaykit.Fields{"userId": userID, "err": err})
	}

	ev := relaykit.NewEvent(EventUserActivity)
	ev.UserID = userID
	ev.SessionID = sid
	ev.Timestamp = now
	ev.Data["activity"] = activity
	e.publish(ctx, TopicActivityEvents, ev)

	return true, nil
}

// GetSession loads and decodes a session; absent or expired returns ok=false.
func (e *Engine) GetSession(ctx context.Context, sessionID string) (Session, bool, error) {
	raw, ok, err := e.cache.Get(ctx, sessionKey(sessionID))
	if err != nil || !ok {
		return Session{}, false, err
	}
	sess, err := e.codec.Decode([]byte(raw))
	if err != nil {
		return Session{}, false, &relaykit.SerializationError{Op: "decode", Key: sessionKey(sessionID), Err: err}
	}
	return sess, true, nil
}

// ActiveSessionID returns the user's current active session pointer.
func (e *Engine) ActiveSessionID(ctx context.Context, userID string) (string, bool, error) {
	return e.cache.Get(ctx, activeSessionKey(userID))
}

// GetUserRecentActivity returns up to limit recent activities, most recent
// first. Entries that fail to decode are skipped, not fatal.
func (e *Engine) GetUserRecentActivity(ctx context.Context, userID string, limit int64) ([]Activity, error) {
	if limit <= 0 || limit > e.maxRecent {
		limit = e.maxRecent
	}
	raws, err := e.cache.Range(ctx, recentActivityKey(userID), 0, limit-1)
	if err != nil {
		return nil, err
	}
	out := make([]Activity, 0, len(raws))
	for _, raw := range raws {
		a, err := (codec.JSON[Activity]{}).Decode([]byte(raw))
		if err != nil {
			e.log.Warn("skipping corrupt activity entry", relaykit.Fields{"userId": userID, "err": err})
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

// DailyStats is the aggregate view maintained by the event-sourcing loop.
type DailyStats struct {
	Date               string           `json:"date"`
	Logins             int64            `json:"logins"`
	ActiveUsers        int64            `json:"activeUsers"`
	AvgSessionDuration float64          `json:"avgSessionDuration"` // seconds
	SessionsMeasured   int64            `json:"sessionsMeasured"`
	ActivityCounts     map[string]int64 `json:"activityCounts"`
}

// GetDailyStats reads the aggregates for one date (YYYY-MM-DD). Aggregation
// is asynchronous; values may lag recent writes.
func (e *Engine) GetDailyStats(ctx context.Context, date string) (DailyStats, error) {
	stats := DailyStats{Date: date, ActivityCounts: map[string]int64{}}

	if raw, ok, err := e.cache.Get(ctx, loginCountKey(date)); err != nil {
		return stats, err
	} else if ok {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			stats.Logins = n
		}
	}

	active, err := e.cache.SCard(ctx, dailyActiveUsersKey(date))
	if err != nil {
		return stats, err
	}
	stats.ActiveUsers = active

	counts, err := e.cache.HGetAll(ctx, statsActivityCountsKey)
	if err != nil {
		return stats, err
	}
	for k, v := range counts {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			stats.ActivityCounts[k] = n
		}
	}

	dur, err := e.cache.HGetAll(ctx, statsSessionDurationKey)
	if err != nil {
		return stats, err
	}
	if v, ok := dur["mean"]; ok {
		stats.AvgSessionDuration, _ = strconv.ParseFloat(v, 64)
	}
	if v, ok := dur["count"]; ok {
		stats.SessionsMeasured, _ = strconv.ParseInt(v, 10, 64)
	}
	return stats, nil
}

func (e *Engine) writeSession(ctx context.Context, sess Session, ttl time.Duration) error {
	b, err := e.codec.Encode(sess)
	if err != nil {
		return &relaykit.SerializationError{Op: "encode", Key: sessionKey(sess.SessionID), Err: err}
	}
	return e.cache.Set(ctx, sessionKey(sess.SessionID), string(b), ttl)
}

// publish is fire-and-forget: failures are logged so the write path never
// blocks or fails on broker trouble.
func (e *Engine) publish(ctx context.Context, topic string, ev relaykit.Event) {
	if err := e.broker.Publish(ctx, topic, ev); err != nil {
		if errors.Is(err, relaykit.ErrConnection) {
			e.log.Warn("event publish dropped", relaykit.Fields{"topic": topic, "type": ev.Type})
			return
		}
		e.log.Error("event publish failed", relaykit.Fields{"topic": topic, "type": ev.Type, "err": err})
	}
}
