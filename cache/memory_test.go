package cache

import (
	"context"
	"testing"
	"time"
)

func TestMemoryIncrWithTTLWindow(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	// first hit opens the window
	if n, err := m.IncrWithTTL(ctx, "w", 40*time.Millisecond); err != nil || n != 1 {
		t.Fatalf("first incr = (%d, %v), want 1", n, err)
	}
	// second hit must not extend the window
	if n, _ := m.IncrWithTTL(ctx, "w", 40*time.Millisecond); n != 2 {
		t.Fatalf("second incr = %d, want 2", n)
	}

	time.Sleep(60 * time.Millisecond)
	// window elapsed: counter resets
	if n, _ := m.IncrWithTTL(ctx, "w", 40*time.Millisecond); n != 1 {
		t.Fatalf("incr after window = %d, want 1", n)
	}
}

func TestMemorySetNXAndCompareAndDelete(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	if ok, _ := m.SetNX(ctx, "k", "tok-1", 0); !ok {
		t.Fatalf("first SetNX should win")
	}
	if ok, _ := m.SetNX(ctx, "k", "tok-2", 0); ok {
		t.Fatalf("second SetNX should lose")
	}

	// wrong value: key must remain
	if ok, _ := m.CompareAndDelete(ctx, "k", "tok-2"); ok {
		t.Fatalf("CompareAndDelete with wrong value deleted the key")
	}
	if ok, _ := m.Exists(ctx, "k"); !ok {
		t.Fatalf("key vanished after failed CompareAndDelete")
	}

	if ok, _ := m.CompareAndDelete(ctx, "k", "tok-1"); !ok {
		t.Fatalf("CompareAndDelete with matching value should delete")
	}
	if ok, _ := m.Exists(ctx, "k"); ok {
		t.Fatalf("key still present after CompareAndDelete")
	}
}

func TestMemoryListSemantics(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	for _, v := range []string{"a", "b", "c"} {
		if err := m.LPush(ctx, "l", v); err != nil {
			t.Fatalf("LPush: %v", err)
		}
	}
	// LPush prepends: most recent first
	got, _ := m.LRange(ctx, "l", 0, -1)
	if len(got) != 3 || got[0] != "c" || got[2] != "a" {
		t.Fatalf("LRange = %v, want [c b a]", got)
	}

	if err := m.LTrim(ctx, "l", 0, 1); err != nil {
		t.Fatalf("LTrim: %v", err)
	}
	got, _ = m.LRange(ctx, "l", 0, -1)
	if len(got) != 2 || got[0] != "c" || got[1] != "b" {
		t.Fatalf("after trim LRange = %v, want [c b]", got)
	}
}

func TestMemoryHashAndSet(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	if err := m.HSet(ctx, "h", map[string]string{"a": "1"}); err != nil {
		t.Fatalf("HSet: %v", err)
	}
	if n, err := m.HIncrBy(ctx, "h", "a", 2); err != nil || n != 3 {
		t.Fatalf("HIncrBy = (%d, %v), want 3", n, err)
	}
	if v, ok, _ := m.HGet(ctx, "h", "a"); !ok || v != "3" {
		t.Fatalf("HGet = (%q, %v), want \"3\"", v, ok)
	}

	_ = m.SAdd(ctx, "s", "u1", "u2", "u1")
	if n, _ := m.SCard(ctx, "s"); n != 2 {
		t.Fatalf("SCard = %d, want 2", n)
	}
}
