package dedup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"
)

func TestMemorySeen(t *testing.T) {
	m := NewMemory(time.Minute, 10)
	ctx := context.Background()

	seen, err := m.Seen(ctx, "abc")
	if err != nil {
		t.Fatal(err)
	}
	if seen {
		t.Error("first Seen() = true, want false")
	}

	seen, err = m.Seen(ctx, "abc")
	if err != nil {
		t.Fatal(err)
	}
	if !seen {
		t.Error("second Seen() = false, want true")
	}

	seen, _ = m.Seen(ctx, "def")
	if seen {
		t.Error("unrelated hash reported as seen")
	}
}

func TestMemoryExpiry(t *testing.T) {
	m := NewMemory(time.Minute, 10)
	now := time.Unix(1000, 0)
	m.nowFunc = func() time.Time { return now }
	ctx := context.Background()

	m.Seen(ctx, "abc")
	now = now.Add(2 * time.Minute)

	seen, err := m.Seen(ctx, "abc")
	if err != nil {
		t.Fatal(err)
	}
	if seen {
		t.Error("Seen() after expiry = true, want false")
	}
	if m.Len() != 1 {
		t.Errorf("Len() = %d, want 1 after expired entry evicted", m.Len())
	}
}

func TestMemoryCap(t *testing.T) {
	m := NewMemory(time.Hour, 5)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		m.Seen(ctx, fmt.Sprintf("hash-%d", i))
	}
	if m.Len() > 5 {
		t.Errorf("Len() = %d, want at most 5", m.Len())
	}

	// The newest entry must survive eviction.
	seen, _ := m.Seen(ctx, "hash-19")
	if !seen {
		t.Error("most recent hash evicted before older ones")
	}
}

func TestNop(t *testing.T) {
	var n Nop
	for i := 0; i < 2; i++ {
		seen, err := n.Seen(context.Background(), "abc")
		if err != nil || seen {
			t.Errorf("Nop.Seen() = %v, %v; want false, nil", seen, err)
		}
	}
}

type failingDeduper struct{ err error }

func (f failingDeduper) Seen(context.Context, string) (bool, error) { return false, f.err }
func (f failingDeduper) Close() error                               { return nil }

func TestFailover(t *testing.T) {
	ctx := context.Background()

	t.Run("healthy primary wins", func(t *testing.T) {
		primary := NewMemory(time.Minute, 10)
		primary.Seen(ctx, "abc")
		f := NewFailover(primary, NewMemory(time.Minute, 10), nil)

		seen, err := f.Seen(ctx, "abc")
		if err != nil {
			t.Fatal(err)
		}
		if !seen {
			t.Error("Seen() = false, want true from primary")
		}
	})

	t.Run("failing primary degrades to secondary", func(t *testing.T) {
		secondary := NewMemory(time.Minute, 10)
		f := NewFailover(failingDeduper{err: errors.New("connection refused")}, secondary, nil)

		seen, err := f.Seen(ctx, "abc")
		if err != nil {
			t.Fatal(err)
		}
		if seen {
			t.Error("first fallback Seen() = true, want false")
		}
		seen, err = f.Seen(ctx, "abc")
		if err != nil {
			t.Fatal(err)
		}
		if !seen {
			t.Error("second fallback Seen() = false, want true")
		}
	})
}

func TestRedisSeen(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}

	ctx := context.Background()
	r, err := NewRedis(ctx, RedisConfig{Addr: addr, TTL: time.Minute, Prefix: "canflux:test:"})
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	hash := fmt.Sprintf("itest-%d", time.Now().UnixNano())
	seen, err := r.Seen(ctx, hash)
	if err != nil {
		t.Fatal(err)
	}
	if seen {
		t.Error("first Seen() = true, want false")
	}
	seen, err = r.Seen(ctx, hash)
	if err != nil {
		t.Fatal(err)
	}
	if !seen {
		t.Error("second Seen() = false, want true")
	}
}
