package cache

import (
	"context"
	"time"

	"github.com/r0hmer/relaykit"
	"github.com/r0hmer/relaykit/config"
)

// Facade wraps a Store with the degraded-mode policy. It is the connection
// manager for the cache backend: it alone moves the ConnState, and every
// operation reads that state first. When the backend is not Connected, reads
// return absent results and writes return ErrOperationSkipped — nothing
// panics or fails the caller for an unavailable cache.
type Facade struct {
	store Store
	log   relaykit.Logger
	mode  config.Mode

	timeout time.Duration
	retries int

	state relaykit.StateVar
	near  *nearCache

	closed chan struct{}
}

type Options struct {
	Store  Store
	Logger relaykit.Logger
	Mode   config.Mode

	// ConnectTimeout bounds each connection attempt; ConnectRetries is the
	// attempt count. Zero values take the mode defaults.
	ConnectTimeout time.Duration
	ConnectRetries int

	// NearCache enables a small in-process read-through layer for plain Get
	// traffic. Optional.
	NearCache *NearCacheConfig
}

func New(opts Options) (*Facade, error) {
	if opts.Store == nil {
		return nil, ErrNilStore
	}
	if opts.Mode == "" {
		opts.Mode = config.Development
	}
	cfg := config.Config{Mode: opts.Mode}
	cfg.Cache.ConnectTimeout = opts.ConnectTimeout
	cfg.Cache.ConnectRetries = opts.ConnectRetries
	cfg.ApplyDefaults()

	f := &Facade{
		store:   opts.Store,
		log:     relaykit.OrNop(opts.Logger),
		mode:    opts.Mode,
		timeout: cfg.Cache.ConnectTimeout,
		retries: cfg.Cache.ConnectRetries,
		closed:  make(chan struct{}),
	}
	if opts.NearCache != nil {
		nc, err := newNearCache(*opts.NearCache)
		if err != nil {
			return nil, err
		}
		f.near = nc
	}
	return f, nil
}

// Connect probes the backend with a bounded timeout per attempt. On success
// the state becomes Connected. On exhaustion: development mode parks the
// facade in Degraded and returns nil; production mode returns a
// ConnectionError and leaves the state Disconnected — startup must abort.
func (f *Facade) Connect(ctx context.Context) error {
	f.state.Store(relaykit.StateConnecting)

	var lastErr error
	for attempt := 1; attempt <= f.retries; attempt++ {
		pctx, cancel := context.WithTimeout(ctx, f.timeout)
		err := f.store.Ping(pctx)
		cancel()
		if err == nil {
			f.state.Store(relaykit.StateConnected)
			f.log.Info("cache connected", relaykit.Fields{"attempt": attempt})
			return nil
		}
		lastErr = err
		f.log.Warn("cache connect attempt failed", relaykit.Fields{
			"attempt": attempt, "of": f.retries, "err": err,
		})
	}

	if f.mode == config.Development {
		f.state.Store(relaykit.StateDegraded)
		f.log.Warn("cache unavailable, continuing degraded", relaykit.Fields{"err": lastErr})
		return nil
	}
	f.state.Store(relaykit.StateDisconnected)
	return &relaykit.ConnectionError{Backend: "cache", Attempts: f.retries, Err: lastErr}
}

// Close is idempotent and safe to call when never connected.
func (f *Facade) Close(ctx context.Context) error {
	select {
	case <-f.closed:
		return nil
	default:
		close(f.closed)
	}
	f.state.Store(relaykit.StateDisconnected)
	if f.near != nil {
		f.near.close()
	}
	return f.store.Close(ctx)
}

func (f *Facade) State() relaykit.ConnState { return f.state.Load() }

// Ready reports the readiness predicate: the cache backend is connected.
func (f *Facade) Ready() bool { return f.state.Load() == relaykit.StateConnected }

// usable gates every operation. Reads translate !usable into absent results;
// writes into ErrOperationSkipped.
func (f *Facade) usable() bool { return f.state.Load() == relaykit.StateConnected }

func (f *Facade) skip(op, key string) error {
	f.log.Debug("cache op skipped", relaykit.Fields{"op": op, "key": key, "state": f.state.Load().String()})
	return relaykit.ErrOperationSkipped
}

func (f *Facade) Get(ctx context.Context, key string) (string, bool, error) {
	if !f.usable() {
		return "", false, nil
	}
	if f.near != nil {
		if v, ok := f.near.get(key); ok {
			return v, true, nil
		}
	}
	v, ok, err := f.store.Get(ctx, key)
	if err != nil {
		return "", false, err
	}
	if ok && f.near != nil {
		f.near.put(key, v)
	}
	return v, ok, nil
}

func (f *Facade) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if !f.usable() {
		return f.skip("set", key)
	}
	if f.near != nil {
		f.near.drop(key)
	}
	return f.store.Set(ctx, key, value, ttl)
}

func (f *Facade) Delete(ctx context.Context, keys ...string) error {
	if !f.usable() {
		return f.skip("del", "")
	}
	if f.near != nil {
		for _, k := range keys {
			f.near.drop(k)
		}
	}
	return f.store.Del(ctx, keys...)
}

func (f *Facade) Exists(ctx context.Context, key string) (bool, error) {
	if !f.usable() {
		return false, nil
	}
	return f.store.Exists(ctx, key)
}

func (f *Facade) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if !f.usable() {
		return false, f.skip("expire", key)
	}
	return f.store.Expire(ctx, key, ttl)
}

func (f *Facade) TTL(ctx context.Context, key string) (time.Duration, error) {
	if !f.usable() {
		return 0, nil
	}
	return f.store.TTL(ctx, key)
}

func (f *Facade) HGet(ctx context.Context, key, field string) (string, bool, error) {
	if !f.usable() {
		return "", false, nil
	}
	return f.store.HGet(ctx, key, field)
}

func (f *Facade) HSet(ctx context.Context, key string, fields map[string]string) error {
	if !f.usable() {
		return f.skip("hset", key)
	}
	return f.store.HSet(ctx, key, fields)
}

func (f *Facade) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	if !f.usable() {
		return map[string]string{}, nil
	}
	return f.store.HGetAll(ctx, key)
}

func (f *Facade) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	if !f.usable() {
		return 0, f.skip("hincrby", key)
	}
	return f.store.HIncrBy(ctx, key, field, delta)
}

// PushBounded prepends values and trims the list to at most max entries.
// Trimming after every push caps memory and read cost; older history is
// discarded.
func (f *Facade) PushBounded(ctx context.Context, key string, max int64, values ...string) error {
	if !f.usable() {
		return f.skip("push", key)
	}
	if err := f.store.LPush(ctx, key, values...); err != nil {
		return err
	}
	return f.store.LTrim(ctx, key, 0, max-1)
}

func (f *Facade) Range(ctx context.Context, key string, start, stop int64) ([]string, error) {
	if !f.usable() {
		return nil, nil
	}
	return f.store.LRange(ctx, key, start, stop)
}

func (f *Facade) SAdd(ctx context.Context, key string, members ...string) error {
	if !f.usable() {
		return f.skip("sadd", key)
	}
	return f.store.SAdd(ctx, key, members...)
}

func (f *Facade) SCard(ctx context.Context, key string) (int64, error) {
	if !f.usable() {
		return 0, nil
	}
	return f.store.SCard(ctx, key)
}

func (f *Facade) Incr(ctx context.Context, key string) (int64, error) {
	if !f.usable() {
		return 0, f.skip("incr", key)
	}
	return f.store.Incr(ctx, key)
}

// IncrWindow is the rate limiter's primitive: one atomic increment that also
// starts the window TTL on the first hit.
func (f *Facade) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	if !f.usable() {
		return 0, f.skip("incrwindow", key)
	}
	return f.store.IncrWithTTL(ctx, key, window)
}

func (f *Facade) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if !f.usable() {
		return false, f.skip("setnx", key)
	}
	return f.store.SetNX(ctx, key, value, ttl)
}

func (f *Facade) CompareAndDelete(ctx context.Context, key, expect string) (bool, error) {
	if !f.usable() {
		return false, f.skip("cad", key)
	}
	return f.store.CompareAndDelete(ctx, key, expect)
}

// Health is the status document consumed by the front end's health endpoint.
type Health struct {
	Status  string        `json:"status"` // connected | disconnected | error
	Latency time.Duration `json:"latency,omitempty"`
	Error   string        `json:"error,omitempty"`
}

// HealthCheck pings the backend and reports status with measured latency.
func (f *Facade) HealthCheck(ctx context.Context) Health {
	if !f.usable() {
		return Health{Status: "disconnected"}
	}
	start := time.Now()
	if err := f.store.Ping(ctx); err != nil {
		return Health{Status: "error", Error: err.Error()}
	}
	return Health{Status: "connected", Latency: time.Since(start)}
}
