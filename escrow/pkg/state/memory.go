package state

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

type MemoryConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Lease  LeaseConfig
}

func (cfg *MemoryConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return cfg.Lease.Validate()
}

type entryKey struct {
	ns   string
	tier Tier
	key  string
}

type entry struct {
	value     []byte
	expiresAt time.Time // zero for instance entries
}

// MemoryBackend keeps all entries in process. Transactions are serialized by
// a single lock held from Begin until Commit or Rollback, which mirrors the
// ledger's global transaction order.
type MemoryBackend struct {
	log *slog.Logger
	cfg MemoryConfig

	txMu    sync.Mutex
	mu      sync.RWMutex
	entries map[entryKey]entry
}

func NewMemoryBackend(cfg MemoryConfig) (*MemoryBackend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &MemoryBackend{
		log:     cfg.Logger,
		cfg:     cfg,
		entries: make(map[entryKey]entry),
	}, nil
}

func (b *MemoryBackend) Begin(ctx context.Context) (Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.txMu.Lock()
	return &memoryTx{
		b:      b,
		now:    b.cfg.Clock.Now(),
		writes: make(map[entryKey]entry),
	}, nil
}

func (b *MemoryBackend) Close() error {
	return nil
}

// Len returns the number of stored entries, expired ones included.
func (b *MemoryBackend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

// Evict physically removes persistent entries whose lease lapsed before now.
func (b *MemoryBackend) Evict() int {
	now := b.cfg.Clock.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for k, e := range b.entries {
		if k.tier == Persistent && !e.expiresAt.After(now) {
			delete(b.entries, k)
			n++
		}
	}
	if n > 0 {
		b.log.Debug("state/memory: evicted expired entries", "count", n)
	}
	return n
}

type memoryTx struct {
	b      *MemoryBackend
	now    time.Time
	writes map[entryKey]entry
	done   bool
}

func (tx *memoryTx) Namespace(ns string) Store {
	return &memoryStore{tx: tx, ns: ns}
}

func (tx *memoryTx) Commit(ctx context.Context) error {
	if tx.done {
		return ErrTxDone
	}
	tx.done = true
	defer tx.b.txMu.Unlock()

	tx.b.mu.Lock()
	maps.Copy(tx.b.entries, tx.writes)
	tx.b.mu.Unlock()
	return nil
}

func (tx *memoryTx) Rollback(ctx context.Context) error {
	if tx.done {
		return nil
	}
	tx.done = true
	tx.writes = nil
	tx.b.txMu.Unlock()
	return nil
}

func (tx *memoryTx) lookup(k entryKey) (entry, bool) {
	if e, ok := tx.writes[k]; ok {
		return e, true
	}
	tx.b.mu.RLock()
	defer tx.b.mu.RUnlock()
	e, ok := tx.b.entries[k]
	return e, ok
}

func (tx *memoryTx) expired(k entryKey, e entry) bool {
	return k.tier == Persistent && !e.expiresAt.After(tx.now)
}

type memoryStore struct {
	tx *memoryTx
	ns string
}

func (s *memoryStore) key(tier Tier, key string) entryKey {
	return entryKey{ns: s.ns, tier: tier, key: key}
}

func (s *memoryStore) Get(ctx context.Context, tier Tier, key string) ([]byte, bool, error) {
	if s.tx.done {
		return nil, false, ErrTxDone
	}
	k := s.key(tier, key)
	e, ok := s.tx.lookup(k)
	if !ok {
		return nil, false, nil
	}
	if s.tx.expired(k, e) {
		return nil, false, ErrEntryExpired
	}
	return append([]byte(nil), e.value...), true, nil
}

func (s *memoryStore) Set(ctx context.Context, tier Tier, key string, value []byte) error {
	if s.tx.done {
		return ErrTxDone
	}
	k := s.key(tier, key)
	next := entry{value: append([]byte(nil), value...)}
	if tier == Persistent {
		next.expiresAt = s.tx.now.Add(s.tx.b.cfg.Lease.MinLease)
		if prev, ok := s.tx.lookup(k); ok && prev.expiresAt.After(next.expiresAt) {
			next.expiresAt = prev.expiresAt
		}
	}
	s.tx.writes[k] = next
	return nil
}

func (s *memoryStore) Has(ctx context.Context, tier Tier, key string) (bool, error) {
	if s.tx.done {
		return false, ErrTxDone
	}
	k := s.key(tier, key)
	e, ok := s.tx.lookup(k)
	if !ok {
		return false, nil
	}
	if s.tx.expired(k, e) {
		return false, ErrEntryExpired
	}
	return true, nil
}

func (s *memoryStore) ExtendLease(ctx context.Context, tier Tier, key string, ttl time.Duration) error {
	if s.tx.done {
		return ErrTxDone
	}
	if tier != Persistent {
		return nil
	}
	k := s.key(tier, key)
	e, ok := s.tx.lookup(k)
	if !ok {
		return nil
	}
	if s.tx.expired(k, e) {
		return ErrEntryExpired
	}
	target := s.tx.now.Add(s.tx.b.cfg.Lease.clamp(ttl))
	if target.After(e.expiresAt) {
		e.expiresAt = target
		s.tx.writes[k] = e
	}
	return nil
}
