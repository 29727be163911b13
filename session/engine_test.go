package session

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/r0hmer/relaykit"
	"github.com/r0hmer/relaykit/broker"
	"github.com/r0hmer/relaykit/cache"
	"github.com/r0hmer/relaykit/codec"
	"github.com/r0hmer/relaykit/config"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type rig struct {
	engine *Engine
	driver *broker.MemoryDriver
	clock  *fakeClock
}

func newRig(t *testing.T, tweak func(*Options)) *rig {
	t.Helper()
	ctx := context.Background()

	f, err := cache.New(cache.Options{Store: cache.NewMemory(), Mode: config.Development})
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	if err := f.Connect(ctx); err != nil {
		t.Fatalf("cache connect: %v", err)
	}
	t.Cleanup(func() { f.Close(ctx) })

	drv := broker.NewMemoryDriver(config.Development, nil)
	d, err := broker.NewDispatcher(broker.Options{Driver: drv, Mode: config.Development})
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}

	clock := &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	opts := Options{Cache: f, Broker: d, Now: clock.now}
	if tweak != nil {
		tweak(&opts)
	}
	e, err := New(opts)
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	// subscriptions are registered by New; connect afterwards to prove
	// constructor order does not matter
	if err := d.Connect(ctx); err != nil {
		t.Fatalf("broker connect: %v", err)
	}
	t.Cleanup(func() { d.Close(ctx) })

	return &rig{engine: e, driver: drv, clock: clock}
}

func TestLoginLogoutRoundTrip(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, nil)

	id, err := r.engine.Login(ctx, "u1", map[string]string{"device": "cli"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if id == "" {
		t.Fatalf("Login returned empty session id")
	}

	sess, ok, err := r.engine.GetSession(ctx, id)
	if err != nil || !ok {
		t.Fatalf("GetSession = (ok=%v, err=%v), want hit", ok, err)
	}
	if !sess.IsActive || sess.UserID != "u1" || sess.Metadata["device"] != "cli" {
		t.Fatalf("session = %+v, want active session for u1", sess)
	}
	if sid, ok, _ := r.engine.ActiveSessionID(ctx, "u1"); !ok || sid != id {
		t.Fatalf("active pointer = (%q, %v), want %q", sid, ok, id)
	}

	r.clock.advance(90 * time.Second)
	if err := r.engine.Logout(ctx, id); err != nil {
		t.Fatalf("Logout: %v", err)
	}

	sess, ok, err = r.engine.GetSession(ctx, id)
	if err != nil || !ok {
		t.Fatalf("GetSession after logout = (ok=%v, err=%v), want retained record", ok, err)
	}
	if sess.IsActive {
		t.Fatalf("session still active after logout")
	}
	if sess.SessionDuration < 0 || math.Abs(sess.SessionDuration-90) > 1 {
		t.Fatalf("session duration = %v, want ~90s", sess.SessionDuration)
	}
	if _, ok, _ := r.engine.ActiveSessionID(ctx, "u1"); ok {
		t.Fatalf("active pointer survives logout")
	}
}

func TestMsgpackSessionCodec(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, func(o *Options) {
		o.Codec = codec.Msgpack[Session]{}
	})

	id, err := r.engine.Login(ctx, "u1", map[string]string{"device": "cli"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	sess, ok, err := r.engine.GetSession(ctx, id)
	if err != nil || !ok {
		t.Fatalf("GetSession = (ok=%v, err=%v), want hit", ok, err)
	}
	if sess.SessionID != id || sess.UserID != "u1" || !sess.IsActive || sess.Metadata["device"] != "cli" {
		t.Fatalf("msgpack round trip lost fields: %+v", sess)
	}

	r.clock.advance(30 * time.Second)
	if err := r.engine.Logout(ctx, id); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	sess, ok, _ = r.engine.GetSession(ctx, id)
	if !ok || sess.IsActive || math.Abs(sess.SessionDuration-30) > 1 {
		t.Fatalf("post-logout record = (ok=%v) %+v, want retained inactive ~30s", ok, sess)
	}
}

func TestLogoutUnknownSession(t *testing.T) {
	r := newRig(t, nil)
	if err := r.engine.Logout(context.Background(), "no-such-session"); !errors.Is(err, relaykit.ErrSessionNotFound) {
		t.Fatalf("Logout of unknown id = %v, want ErrSessionNotFound", err)
	}
}

func TestReloginOverwritesActivePointer(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, nil)

	first, _ := r.engine.Login(ctx, "u1", nil)
	second, err := r.engine.Login(ctx, "u1", nil)
	if err != nil {
		t.Fatalf("second Login: %v", err)
	}
	if sid, _, _ := r.engine.ActiveSessionID(ctx, "u1"); sid != second || sid == first {
		t.Fatalf("active pointer = %q, want the newest session %q", sid, second)
	}
}

func TestTrackActivityRequiresSession(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, nil)

	ok, err := r.engine.TrackActivity(ctx, "ghost", "page_view")
	if err != nil {
		t.Fatalf("TrackActivity without session: %v — must be non-fatal", err)
	}
	if ok {
		t.Fatalf("TrackActivity reported success without an active session")
	}
}

func TestRecentActivityIsBounded(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, nil)

	if _, err := r.engine.Login(ctx, "u1", nil); err != nil {
		t.Fatalf("Login: %v", err)
	}
	for i := 0; i < 60; i++ {
		ok, err := r.engine.TrackActivity(ctx, "u1", fmt.Sprintf("act-%d", i))
		if err != nil || !ok {
			t.Fatalf("TrackActivity #%d = (%v, %v)", i, ok, err)
		}
	}

	acts, err := r.engine.GetUserRecentActivity(ctx, "u1", 100)
	if err != nil {
		t.Fatalf("GetUserRecentActivity: %v", err)
	}
	if len(acts) == 0 || len(acts) > 50 {
		t.Fatalf("recent activity holds %d entries, want 1..50", len(acts))
	}
	if acts[0].Type != "act-59" {
		t.Fatalf("first entry = %q, want the most recent act-59", acts[0].Type)
	}
}

func TestLoginRateLimited(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, func(o *Options) {
		o.LoginLimit = 2
		o.LoginWindow = time.Minute
	})

	for i := 0; i < 2; i++ {
		if _, err := r.engine.Login(ctx, "u1", nil); err != nil {
			t.Fatalf("Login #%d: %v", i+1, err)
		}
	}
	_, err := r.engine.Login(ctx, "u1", nil)
	if !errors.Is(err, relaykit.ErrRateLimited) {
		t.Fatalf("third login = %v, want ErrRateLimited", err)
	}
}

func TestAggregatesFollowEvents(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, nil)

	var sessions []string
	for _, u := range []string{"u1", "u2", "u3"} {
		id, err := r.engine.Login(ctx, u, nil)
		if err != nil {
			t.Fatalf("Login %s: %v", u, err)
		}
		sessions = append(sessions, id)
	}
	if ok, err := r.engine.TrackActivity(ctx, "u1", "page_view"); err != nil || !ok {
		t.Fatalf("TrackActivity: (%v, %v)", ok, err)
	}
	if ok, err := r.engine.TrackActivity(ctx, "u1", "page_view"); err != nil || !ok {
		t.Fatalf("TrackActivity: (%v, %v)", ok, err)
	}

	r.clock.advance(60 * time.Second)
	if err := r.engine.Logout(ctx, sessions[0]); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	r.driver.Drain()

	date := dateOf(r.clock.now())
	stats, err := r.engine.GetDailyStats(ctx, date)
	if err != nil {
		t.Fatalf("GetDailyStats: %v", err)
	}
	if stats.Logins != 3 {
		t.Fatalf("daily logins = %d, want 3", stats.Logins)
	}
	if stats.ActiveUsers != 3 {
		t.Fatalf("daily active users = %d, want 3", stats.ActiveUsers)
	}
	if stats.ActivityCounts["page_view"] != 2 {
		t.Fatalf("page_view count = %d, want 2", stats.ActivityCounts["page_view"])
	}
	if stats.SessionsMeasured != 1 || math.Abs(stats.AvgSessionDuration-60) > 1 {
		t.Fatalf("duration aggregate = (%d, %v), want one session of ~60s",
			stats.SessionsMeasured, stats.AvgSessionDuration)
	}
}

func TestWritePathSurvivesDegradedBroker(t *testing.T) {
	ctx := context.Background()

	f, err := cache.New(cache.Options{Store: cache.NewMemory(), Mode: config.Development})
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	if err := f.Connect(ctx); err != nil {
		t.Fatalf("cache connect: %v", err)
	}

	// broker never connected: publishes become development no-ops
	drv := broker.NewMemoryDriver(config.Development, nil)
	d, err := broker.NewDispatcher(broker.Options{Driver: drv, Mode: config.Development})
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	e, err := New(Options{Cache: f, Broker: d})
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}

	id, err := e.Login(ctx, "u1", nil)
	if err != nil {
		t.Fatalf("Login with dead broker: %v — sessions must not depend on publish", err)
	}
	if err := e.Logout(ctx, id); err != nil {
		t.Fatalf("Logout with dead broker: %v", err)
	}
}
