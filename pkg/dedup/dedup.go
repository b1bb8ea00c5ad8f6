// Package dedup suppresses replayed bus payloads by remembering content
// hashes for a retention window.
//
// The bridge keys deduplication on the envelope's SHA-256 (already computed
// by the publisher), so a replayed or double-delivered message is dropped
// before any decryption work. Plaintext payloads are hashed on arrival.
package dedup

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Deduper answers whether a content hash has been seen within the retention
// window. Seen records the hash as a side effect, so the first call for a
// hash returns false and later calls return true.
type Deduper interface {
	Seen(ctx context.Context, hash string) (bool, error)
	Close() error
}

// Nop never reports a duplicate, for bridges running with dedup disabled.
type Nop struct{}

func (Nop) Seen(context.Context, string) (bool, error) { return false, nil }
func (Nop) Close() error                               { return nil }

// Memory is an in-process Deduper with TTL expiry and a hard entry cap.
// It serves single-instance bridges and acts as the fallback when Redis is
// unreachable.
type Memory struct {
	mu      sync.Mutex
	ttl     time.Duration
	max     int
	expiry  map[string]time.Time
	order   []string
	nowFunc func() time.Time
}

// NewMemory builds an in-process deduper. Entries expire after ttl; when
// more than max are live the oldest are evicted first.
func NewMemory(ttl time.Duration, max int) *Memory {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if max <= 0 {
		max = 100_000
	}
	return &Memory{
		ttl:     ttl,
		max:     max,
		expiry:  make(map[string]time.Time),
		nowFunc: time.Now,
	}
}

func (m *Memory) Seen(_ context.Context, hash string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowFunc()
	m.evict(now)

	if exp, ok := m.expiry[hash]; ok && exp.After(now) {
		return true, nil
	}
	m.expiry[hash] = now.Add(m.ttl)
	m.order = append(m.order, hash)
	return false, nil
}

// evict drops expired entries from the front of the insertion order, then
// enforces the cap. Caller holds the lock.
func (m *Memory) evict(now time.Time) {
	i := 0
	for ; i < len(m.order); i++ {
		exp, ok := m.expiry[m.order[i]]
		if ok && exp.After(now) {
			break
		}
		delete(m.expiry, m.order[i])
	}
	m.order = m.order[i:]

	for len(m.order) > 0 && len(m.expiry) >= m.max {
		delete(m.expiry, m.order[0])
		m.order = m.order[1:]
	}
}

// Len returns the number of live entries.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.expiry)
}

func (m *Memory) Close() error { return nil }

// Failover consults primary and falls back to secondary when the primary
// errors, so a Redis outage degrades to per-instance dedup instead of
// stalling ingest.
type Failover struct {
	primary   Deduper
	secondary Deduper
	logger    *zap.Logger
}

// NewFailover wraps primary with secondary as the degraded path.
func NewFailover(primary, secondary Deduper, logger *zap.Logger) *Failover {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Failover{primary: primary, secondary: secondary, logger: logger}
}

func (f *Failover) Seen(ctx context.Context, hash string) (bool, error) {
	seen, err := f.primary.Seen(ctx, hash)
	if err == nil {
		return seen, nil
	}
	f.logger.Warn("dedup primary failed, using fallback", zap.Error(err))
	return f.secondary.Seen(ctx, hash)
}

func (f *Failover) Close() error {
	err := f.primary.Close()
	if cerr := f.secondary.Close(); err == nil {
		err = cerr
	}
	return err
}
