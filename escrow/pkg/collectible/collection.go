// Package collectible mints reward tokens for campaign backers. Each mint is
// its own committed transaction, independent of the settlement that asked for
// it.
package collectible

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gagliardetto/solana-go"
	"github.com/malbeclabs/crowdfund/escrow/pkg/state"
)

const nextIDKey = "NextTokenID"

func ownerKey(id uint64) string {
	return fmt.Sprintf("Owner:%d", id)
}

func holdingsKey(owner solana.PublicKey) string {
	return "Holdings:" + owner.String()
}

type Config struct {
	Logger  *slog.Logger
	Backend state.Backend
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Backend == nil {
		return errors.New("state backend is required")
	}
	return nil
}

// Collection mints sequential token ids per target contract.
type Collection struct {
	log *slog.Logger
	cfg Config
}

func NewCollection(cfg Config) (*Collection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Collection{log: cfg.Logger, cfg: cfg}, nil
}

func readUint(ctx context.Context, kv state.Store, key string) (uint64, error) {
	raw, ok, err := kv.Get(ctx, state.Instance, key)
	if err != nil || !ok {
		return 0, err
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("collectible: corrupt counter at %s", key)
	}
	return binary.BigEndian.Uint64(raw), nil
}

func writeUint(ctx context.Context, kv state.Store, key string, v uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return kv.Set(ctx, state.Instance, key, buf[:])
}

// Mint issues the next token of target to owner and returns its id.
func (c *Collection) Mint(ctx context.Context, target, owner solana.PublicKey) (id uint64, err error) {
	tx, err := c.cfg.Backend.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin mint: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	kv := tx.Namespace(target.String())
	id, err = readUint(ctx, kv, nextIDKey)
	if err != nil {
		return 0, err
	}
	held, err := readUint(ctx, kv, holdingsKey(owner))
	if err != nil {
		return 0, err
	}
	if err = kv.Set(ctx, state.Instance, ownerKey(id), owner[:]); err != nil {
		return 0, err
	}
	if err = writeUint(ctx, kv, holdingsKey(owner), held+1); err != nil {
		return 0, err
	}
	if err = writeUint(ctx, kv, nextIDKey, id+1); err != nil {
		return 0, err
	}
	if err = tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit mint: %w", err)
	}
	c.log.Debug("collectible: minted", "target", target, "owner", owner, "id", id)
	return id, nil
}

// Holdings returns how many tokens of target owner holds.
func (c *Collection) Holdings(ctx context.Context, target, owner solana.PublicKey) (uint64, error) {
	tx, err := c.cfg.Backend.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin read: %w", err)
	}
	defer tx.Rollback(ctx)
	return readUint(ctx, tx.Namespace(target.String()), holdingsKey(owner))
}

// OwnerOf returns the owner of token id of target.
func (c *Collection) OwnerOf(ctx context.Context, target solana.PublicKey, id uint64) (solana.PublicKey, bool, error) {
	tx, err := c.cfg.Backend.Begin(ctx)
	if err != nil {
		return solana.PublicKey{}, false, fmt.Errorf("failed to begin read: %w", err)
	}
	defer tx.Rollback(ctx)
	raw, ok, err := tx.Namespace(target.String()).Get(ctx, state.Instance, ownerKey(id))
	if err != nil || !ok {
		return solana.PublicKey{}, false, err
	}
	return solana.PublicKeyFromBytes(raw), true, nil
}
