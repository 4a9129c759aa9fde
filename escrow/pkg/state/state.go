// Package state is the durable key-value store behind every escrow
// invocation. It exposes two tiers: an always-resident instance tier for small
// fixed records, and a persistent tier whose entries carry a lease that must
// be renewed or the entry becomes inaccessible.
package state

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Tier selects the storage class of an entry.
type Tier uint8

const (
	// Instance entries never expire.
	Instance Tier = iota
	// Persistent entries expire unless their lease is extended.
	Persistent
)

func (t Tier) String() string {
	switch t {
	case Instance:
		return "instance"
	case Persistent:
		return "persistent"
	default:
		return fmt.Sprintf("tier(%d)", uint8(t))
	}
}

var (
	// ErrEntryExpired is returned when a persistent entry's lease has lapsed.
	ErrEntryExpired = errors.New("state: entry lease expired")
	// ErrConflict is returned when a transaction lost a serialization race and
	// should be re-run from the start.
	ErrConflict = errors.New("state: transaction conflict")
	// ErrTxDone is returned when a finished transaction is used again.
	ErrTxDone = errors.New("state: transaction already committed or rolled back")
)

// Store is the capability-scoped view of a single namespace.
type Store interface {
	Get(ctx context.Context, tier Tier, key string) ([]byte, bool, error)
	Set(ctx context.Context, tier Tier, key string, value []byte) error
	Has(ctx context.Context, tier Tier, key string) (bool, error)
	// ExtendLease moves the entry's expiry to at least now+ttl. It is a
	// no-op for instance entries and for missing keys.
	ExtendLease(ctx context.Context, tier Tier, key string, ttl time.Duration) error
}

// Tx is one all-or-nothing unit of work across any number of namespaces.
type Tx interface {
	Namespace(ns string) Store
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Backend opens transactions against the durable store.
type Backend interface {
	Begin(ctx context.Context) (Tx, error)
	Close() error
}

// LeaseConfig controls persistent-tier lease bookkeeping.
type LeaseConfig struct {
	// MinLease is the lease granted to a persistent entry when it is first
	// written or rewritten after expiry.
	MinLease time.Duration
	// MaxLease caps ExtendLease requests.
	MaxLease time.Duration
}

// DefaultLeaseConfig mirrors a ledger with roughly daily minimum leases and a
// six month ceiling.
func DefaultLeaseConfig() LeaseConfig {
	return LeaseConfig{
		MinLease: 24 * time.Hour,
		MaxLease: 180 * 24 * time.Hour,
	}
}

func (cfg *LeaseConfig) Validate() error {
	if cfg.MinLease <= 0 {
		cfg.MinLease = DefaultLeaseConfig().MinLease
	}
	if cfg.MaxLease <= 0 {
		cfg.MaxLease = DefaultLeaseConfig().MaxLease
	}
	if cfg.MaxLease < cfg.MinLease {
		return errors.New("max lease must be greater than or equal to min lease")
	}
	return nil
}

func (cfg LeaseConfig) clamp(ttl time.Duration) time.Duration {
	if ttl > cfg.MaxLease {
		return cfg.MaxLease
	}
	return ttl
}
