// Package asset implements the fungible asset transfer service used by the
// escrow. Balances live in the asset's own namespace of the caller's state
// transaction, so an aborted invocation rolls back its transfers too.
package asset

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gagliardetto/solana-go"
	"github.com/malbeclabs/crowdfund/escrow/pkg/state"
)

var (
	ErrInsufficientBalance   = errors.New("asset: insufficient balance")
	ErrInsufficientAllowance = errors.New("asset: insufficient allowance")
	ErrInvalidAmount         = errors.New("asset: amount must be positive")
	ErrBalanceOverflow       = errors.New("asset: balance overflow")
)

type Config struct {
	Logger *slog.Logger
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	return nil
}

// Ledger is stateless; every call operates on the transaction it is given.
type Ledger struct {
	log *slog.Logger
}

func NewLedger(cfg Config) (*Ledger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Ledger{log: cfg.Logger}, nil
}

func balanceKey(holder solana.PublicKey) string {
	return "Balance:" + holder.String()
}

func allowanceKey(owner, spender solana.PublicKey) string {
	return "Allowance:" + owner.String() + ":" + spender.String()
}

// Balances and allowances live in the instance tier; holdings never lapse.
func readAmount(ctx context.Context, kv state.Store, key string) (uint64, error) {
	raw, ok, err := kv.Get(ctx, state.Instance, key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("asset: corrupt amount at %s", key)
	}
	return binary.BigEndian.Uint64(raw), nil
}

func writeAmount(ctx context.Context, kv state.Store, key string, v uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return kv.Set(ctx, state.Instance, key, buf[:])
}

// Balance returns holder's balance of id.
func (l *Ledger) Balance(ctx context.Context, tx state.Tx, id, holder solana.PublicKey) (uint64, error) {
	return readAmount(ctx, tx.Namespace(id.String()), balanceKey(holder))
}

// Mint credits amount of id to holder out of thin air. It backs faucets and
// tests; production assets are issued elsewhere.
func (l *Ledger) Mint(ctx context.Context, tx state.Tx, id, to solana.PublicKey, amount uint64) error {
	if amount == 0 {
		return ErrInvalidAmount
	}
	kv := tx.Namespace(id.String())
	bal, err := readAmount(ctx, kv, balanceKey(to))
	if err != nil {
		return err
	}
	next := bal + amount
	if next < bal {
		return ErrBalanceOverflow
	}
	l.log.Debug("asset: mint", "asset", id, "to", to, "amount", amount)
	return writeAmount(ctx, kv, balanceKey(to), next)
}

// Transfer moves amount of id from one holder to another. Nothing is written
// unless both sides can be updated.
func (l *Ledger) Transfer(ctx context.Context, tx state.Tx, id, from, to solana.PublicKey, amount uint64) error {
	if amount == 0 {
		return ErrInvalidAmount
	}
	kv := tx.Namespace(id.String())
	fromBal, err := readAmount(ctx, kv, balanceKey(from))
	if err != nil {
		return err
	}
	if fromBal < amount {
		return fmt.Errorf("%w: %s has %d, needs %d", ErrInsufficientBalance, from, fromBal, amount)
	}
	if from.Equals(to) {
		return nil
	}
	toBal, err := readAmount(ctx, kv, balanceKey(to))
	if err != nil {
		return err
	}
	if toBal+amount < toBal {
		return ErrBalanceOverflow
	}
	if err := writeAmount(ctx, kv, balanceKey(from), fromBal-amount); err != nil {
		return err
	}
	if err := writeAmount(ctx, kv, balanceKey(to), toBal+amount); err != nil {
		return err
	}
	l.log.Debug("asset: transfer", "asset", id, "from", from, "to", to, "amount", amount)
	return nil
}

// Approve sets the amount spender may move out of owner's balance.
func (l *Ledger) Approve(ctx context.Context, tx state.Tx, id, owner, spender solana.PublicKey, amount uint64) error {
	return writeAmount(ctx, tx.Namespace(id.String()), allowanceKey(owner, spender), amount)
}

// Allowance returns the remaining amount spender may move for owner.
func (l *Ledger) Allowance(ctx context.Context, tx state.Tx, id, owner, spender solana.PublicKey) (uint64, error) {
	return readAmount(ctx, tx.Namespace(id.String()), allowanceKey(owner, spender))
}

// TransferFrom moves amount from owner to to on behalf of spender, consuming
// allowance.
func (l *Ledger) TransferFrom(ctx context.Context, tx state.Tx, id, spender, from, to solana.PublicKey, amount uint64) error {
	if amount == 0 {
		return ErrInvalidAmount
	}
	kv := tx.Namespace(id.String())
	allowed, err := readAmount(ctx, kv, allowanceKey(from, spender))
	if err != nil {
		return err
	}
	if allowed < amount {
		return fmt.Errorf("%w: %s approved %d for %s, needs %d", ErrInsufficientAllowance, from, allowed, spender, amount)
	}
	// Balance is checked before the allowance is consumed so a failed pull
	// leaves both untouched.
	bal, err := readAmount(ctx, kv, balanceKey(from))
	if err != nil {
		return err
	}
	if bal < amount {
		return fmt.Errorf("%w: %s has %d, needs %d", ErrInsufficientBalance, from, bal, amount)
	}
	if err := l.Transfer(ctx, tx, id, from, to, amount); err != nil {
		return err
	}
	return writeAmount(ctx, kv, allowanceKey(from, spender), allowed-amount)
}
