package campaign

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/malbeclabs/crowdfund/escrow/pkg/state"
)

// Instance-tier keys.
const (
	keyCreator       = "Creator"
	keyCampaign      = "Campaign"
	keyMetadata      = "Metadata"
	keyRoadmap       = "Roadmap"
	keyRefundCursor  = "RefundCursor"
	keyCollectCursor = "CollectCursor"
	keyLeaseCursor   = "LeaseCursor"
)

// Persistent-tier principal lists.
const (
	keyContributors = "Contributors"
	keyPledgers     = "Pledgers"
)

// role prefixes a per-principal persistent entry.
type role string

const (
	roleContribution     role = "Contribution"
	rolePledge           role = "Pledge"
	roleReferral         role = "Referral"
	roleLastContribution role = "LastContribution"
	roleWhitelist        role = "Whitelist"
	roleNonce            role = "Nonce"
)

func principalKey(r role, p solana.PublicKey) string {
	return string(r) + ":" + p.String()
}

// storageErr maps state failures into contract outcomes. Expired leases mean
// required state is gone, which aborts the invocation.
func storageErr(err error, key string) error {
	if errors.Is(err, state.ErrEntryExpired) {
		return abort("missing required state "+key, err)
	}
	return fmt.Errorf("failed to access %s: %w", key, err)
}

func (e *env) initialized() (bool, error) {
	ok, err := e.kv.Has(e.ctx, state.Instance, keyCreator)
	if err != nil {
		return false, storageErr(err, keyCreator)
	}
	return ok, nil
}

func (e *env) getJSON(tier state.Tier, key string, v any) (bool, error) {
	raw, ok, err := e.kv.Get(e.ctx, tier, key)
	if err != nil {
		return false, storageErr(err, key)
	}
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, abort("corrupt state "+key, err)
	}
	if tier == state.Persistent && e.writable {
		if err := e.kv.ExtendLease(e.ctx, tier, key, e.leaseTTL()); err != nil {
			return false, storageErr(err, key)
		}
	}
	return true, nil
}

func (e *env) putJSON(tier state.Tier, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return e.put(tier, key, raw)
}

func (e *env) put(tier state.Tier, key string, raw []byte) error {
	if err := e.kv.Set(e.ctx, tier, key, raw); err != nil {
		return storageErr(err, key)
	}
	if tier == state.Persistent {
		if err := e.kv.ExtendLease(e.ctx, tier, key, e.leaseTTL()); err != nil {
			return storageErr(err, key)
		}
	}
	return nil
}

// load returns the campaign record, aborting when the contract was never
// initialized.
func (e *env) load() (*record, error) {
	var rec record
	ok, err := e.getJSON(state.Instance, keyCampaign, &rec)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, abortf("campaign %s is not initialized", e.c.cfg.Address)
	}
	e.deadline = rec.Deadline
	return &rec, nil
}

func (e *env) save(rec *record) error {
	return e.putJSON(state.Instance, keyCampaign, rec)
}

// amount reads a per-principal counter. Missing entries read as zero.
func (e *env) amount(r role, p solana.PublicKey) (uint64, error) {
	v, _, err := e.lookupAmount(r, p)
	return v, err
}

func (e *env) lookupAmount(r role, p solana.PublicKey) (uint64, bool, error) {
	key := principalKey(r, p)
	raw, ok, err := e.kv.Get(e.ctx, state.Persistent, key)
	if err != nil {
		return 0, false, storageErr(err, key)
	}
	if !ok {
		return 0, false, nil
	}
	if len(raw) != 8 {
		return 0, false, abortf("corrupt state %s", key)
	}
	if e.writable {
		if err := e.kv.ExtendLease(e.ctx, state.Persistent, key, e.leaseTTL()); err != nil {
			return 0, false, storageErr(err, key)
		}
	}
	return binary.BigEndian.Uint64(raw), true, nil
}

// leaseTTL is the lease requested for touched persistent entries. It covers
// the time left until the deadline plus LeaseTTL, so the contributor ledger
// outlives the campaign by at least one full refund window.
func (e *env) leaseTTL() time.Duration {
	ttl := e.c.cfg.LeaseTTL
	if e.deadline > e.now {
		ttl += time.Duration(e.deadline-e.now) * time.Second
	}
	return ttl
}

func (e *env) setAmount(r role, p solana.PublicKey, v uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return e.put(state.Persistent, principalKey(r, p), buf[:])
}

func (e *env) flag(r role, p solana.PublicKey) (bool, error) {
	key := principalKey(r, p)
	ok, err := e.kv.Has(e.ctx, state.Persistent, key)
	if err != nil {
		return false, storageErr(err, key)
	}
	if ok && e.writable {
		if err := e.kv.ExtendLease(e.ctx, state.Persistent, key, e.leaseTTL()); err != nil {
			return false, storageErr(err, key)
		}
	}
	return ok, nil
}

func (e *env) setFlag(r role, p solana.PublicKey) error {
	return e.put(state.Persistent, principalKey(r, p), []byte{1})
}

func (e *env) principals(key string) (solana.PublicKeySlice, error) {
	var list solana.PublicKeySlice
	if _, err := e.getJSON(state.Persistent, key, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// appendPrincipal adds p to the list at key unless it is already present.
func (e *env) appendPrincipal(key string, p solana.PublicKey) error {
	list, err := e.principals(key)
	if err != nil {
		return err
	}
	if list.Has(p) {
		return nil
	}
	return e.putJSON(state.Persistent, key, append(list, p))
}

func (e *env) cursor(key string) (uint64, error) {
	raw, ok, err := e.kv.Get(e.ctx, state.Instance, key)
	if err != nil {
		return 0, storageErr(err, key)
	}
	if !ok || len(raw) != 8 {
		return 0, nil
	}
	return binary.BigEndian.Uint64(raw), nil
}

func (e *env) setCursor(key string, v uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return e.put(state.Instance, key, buf[:])
}

// refundableBalance reads p's contribution for a refund. A missing entry is
// zero only when p never contributed; an entry or contributor list that
// lapsed while value remains in custody aborts instead of paying nothing.
func (e *env) refundableBalance(rec *record, p solana.PublicKey, listed bool) (uint64, error) {
	bal, ok, err := e.lookupAmount(roleContribution, p)
	if err != nil || ok {
		return bal, err
	}
	if rec.TotalRaised == 0 {
		return 0, nil
	}
	if !listed {
		var list solana.PublicKeySlice
		found, err := e.getJSON(state.Persistent, keyContributors, &list)
		if err != nil {
			return 0, err
		}
		if found && !list.Has(p) {
			return 0, nil
		}
	}
	return 0, abortf("contribution entry for %s lapsed with %d still in custody", p, rec.TotalRaised)
}
