package cache

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// Memory implements Store in-process. It backs development mode and tests;
// semantics mirror the Redis driver (lazy expiry on read, counters stored as
// decimal strings) so code exercised against it behaves the same in
// production. An optional janitor sweeps expired entries so idle keys do not
// accumulate.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*memEntry
	done    chan struct{}
	once    sync.Once
}

type memEntry struct {
	str  string
	hash map[string]string
	list []string
	set  map[string]struct{}
	exp  time.Time // zero => no expiry
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{entries: make(map[string]*memEntry), done: make(chan struct{})}
}

// NewMemoryWithJanitor starts a background sweep every interval.
func NewMemoryWithJanitor(interval time.Duration) *Memory {
	m := NewMemory()
	go m.janitor(interval)
	return m
}

func (m *Memory) janitor(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-t.C:
			now := time.Now()
			m.mu.Lock()
			for k, e := range m.entries {
				if !e.exp.IsZero() && now.After(e.exp) {
					delete(m.entries, k)
				}
			}
			m.mu.Unlock()
		}
	}
}

// live returns the entry for key, evicting it first when expired.
// Caller must hold mu.
func (m *Memory) live(key string) (*memEntry, bool) {
	e, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	if !e.exp.IsZero() && time.Now().After(e.exp) {
		delete(m.entries, key)
		return nil, false
	}
	return e, true
}

func (m *Memory) upsert(key string) *memEntry {
	if e, ok := m.live(key); ok {
		return e
	}
	e := &memEntry{}
	m.entries[key] = e
	return e
}

func expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key)
	if !ok {
		return "", false, nil
	}
	return e.str, true, nil
}

func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = &memEntry{str: value, exp: expiry(ttl)}
	return nil
}

func (m *Memory) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.entries, k)
	}
	return nil
}

func (m *Memory) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.live(key)
	return ok, nil
}

func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key)
	if !ok {
		return false, nil
	}
	e.exp = expiry(ttl)
	return true, nil
}

func (m *Memory) TTL(_ context.Context, key string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key)
	if !ok || e.exp.IsZero() {
		return 0, nil
	}
	return time.Until(e.exp), nil
}

func (m *Memory) HGet(_ context.Context, key, field string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key)
	if !ok || e.hash == nil {
		return "", false, nil
	}
	v, ok := e.hash[field]
	return v, ok, nil
}

func (m *Memory) HSet(_ context.Context, key string, fields map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.upsert(key)
	if e.hash == nil {
		e.hash = make(map[string]string, len(fields))
	}
	for f, v := range fields {
		e.hash[f] = v
	}
	return nil
}

func (m *Memory) HGetAll(_ context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]string{}
	e, ok := m.live(key)
	if !ok {
		return out, nil
	}
	for f, v := range e.hash {
		out[f] = v
	}
	return out, nil
}

func (m *Memory) HIncrBy(_ context.Context, key, field string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.upsert(key)
	if e.hash == nil {
		e.hash = make(map[string]string, 1)
	}
	cur, err := parseCounter(e.hash[field])
	if err != nil {
		return 0, err
	}
	cur += delta
	e.hash[field] = strconv.FormatInt(cur, 10)
	return cur, nil
}

func (m *Memory) LPush(_ context.Context, key string, values ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.upsert(key)
	for _, v := range values {
		e.list = append([]string{v}, e.list...)
	}
	return nil
}

func (m *Memory) LTrim(_ context.Context, key string, start, stop int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key)
	if !ok {
		return nil
	}
	n := int64(len(e.list))
	if stop < 0 {
		stop = n + stop
	}
	if start < 0 {
		start = n + start
	}
	if start < 0 {
		start = 0
	}
	if start >= n || stop < start {
		e.list = nil
		return nil
	}
	if stop >= n {
		stop = n - 1
	}
	e.list = e.list[start : stop+1]
	return nil
}

func (m *Memory) LRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key)
	if !ok {
		return nil, nil
	}
	n := int64(len(e.list))
	if stop < 0 {
		stop = n + stop
	}
	if start < 0 {
		start = n + start
	}
	if start < 0 {
		start = 0
	}
	if start >= n || stop < start {
		return nil, nil
	}
	if stop >= n {
		stop = n - 1
	}
	out := make([]string, stop-start+1)
	copy(out, e.list[start:stop+1])
	return out, nil
}

func (m *Memory) SAdd(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.upsert(key)
	if e.set == nil {
		e.set = make(map[string]struct{}, len(members))
	}
	for _, mem := range members {
		e.set[mem] = struct{}{}
	}
	return nil
}

func (m *Memory) SCard(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key)
	if !ok {
		return 0, nil
	}
	return int64(len(e.set)), nil
}

func (m *Memory) Incr(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.incrLocked(key, 0)
}

func (m *Memory) IncrWithTTL(_ context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.incrLocked(key, ttl)
}

// incrLocked increments the counter at key; when ttl > 0 and this is the
// first hit of a window the expiry is set in the same locked step.
func (m *Memory) incrLocked(key string, ttl time.Duration) (int64, error) {
	e := m.upsert(key)
	cur, err := parseCounter(e.str)
	if err != nil {
		return 0, err
	}
	cur++
	e.str = strconv.FormatInt(cur, 10)
	if ttl > 0 && cur == 1 {
		e.exp = expiry(ttl)
	}
	return cur, nil
}

func (m *Memory) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.live(key); ok {
		return false, nil
	}
	m.entries[key] = &memEntry{str: value, exp: expiry(ttl)}
	return true, nil
}

func (m *Memory) CompareAndDelete(_ context.Context, key, expect string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key)
	if !ok || e.str != expect {
		return false, nil
	}
	delete(m.entries, key)
	return true, nil
}

func (m *Memory) Close(context.Context) error {
	m.once.Do(func() { close(m.done) })
	return nil
}

func parseCounter(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("value is not an integer: %q", s)
	}
	return n, nil
}
