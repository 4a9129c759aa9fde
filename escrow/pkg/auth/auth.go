// Package auth proves that a caller controls a principal for one specific
// invocation. Proofs are ed25519 signatures by the principal's Solana key over
// the invocation payload and a nonce.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"
)

const payloadDomainSep = "crowdfund-escrow/v2"

var (
	ErrUnauthorized  = errors.New("auth: principal did not authorize invocation")
	ErrInvalidProof  = errors.New("auth: invalid proof encoding")
	ErrNonceNotFresh = errors.New("auth: nonce already used")
)

// Invocation identifies one call against one contract.
type Invocation struct {
	Contract solana.PublicKey
	Function string
	Args     []string
}

// NewInvocation formats args with %v.
func NewInvocation(contract solana.PublicKey, function string, args ...any) Invocation {
	inv := Invocation{Contract: contract, Function: function, Args: make([]string, len(args))}
	for i, a := range args {
		inv.Args[i] = fmt.Sprint(a)
	}
	return inv
}

// Payload is the byte string a principal signs to authorize inv. Every field
// is length-prefixed so no two distinct invocations share a payload.
func (inv Invocation) Payload(nonce uint64) []byte {
	var b strings.Builder
	b.WriteString(payloadDomainSep)
	writeField(&b, inv.Contract.String())
	writeField(&b, inv.Function)
	fmt.Fprintf(&b, "\nargs:%d", len(inv.Args))
	for _, a := range inv.Args {
		writeField(&b, a)
	}
	fmt.Fprintf(&b, "\nnonce:%d", nonce)
	return []byte(b.String())
}

func writeField(b *strings.Builder, v string) {
	fmt.Fprintf(b, "\n%d:%s", len(v), v)
}

func (inv Invocation) String() string {
	return inv.Function + "(" + strings.Join(inv.Args, ", ") + ")"
}

// Authorizer aborts an invocation unless principal authorized it.
type Authorizer interface {
	RequireAuth(ctx context.Context, principal solana.PublicKey, inv Invocation) error
}

// Nonced is implemented by authorizers whose proofs carry a replay nonce. The
// contract records the highest nonce seen per principal and rejects reuse.
type Nonced interface {
	Nonce() uint64
}

// Signed carries ed25519 signatures from one or more principals, all over the
// same invocation payload and nonce.
type Signed struct {
	nonce      uint64
	signatures map[solana.PublicKey]solana.Signature
}

// Sign produces proofs for inv from each key.
func Sign(inv Invocation, nonce uint64, keys ...solana.PrivateKey) (*Signed, error) {
	s := &Signed{nonce: nonce, signatures: make(map[solana.PublicKey]solana.Signature, len(keys))}
	payload := inv.Payload(nonce)
	for _, k := range keys {
		sig, err := k.Sign(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to sign invocation: %w", err)
		}
		s.signatures[k.PublicKey()] = sig
	}
	return s, nil
}

// Proof is the wire form of one signature.
type Proof struct {
	Principal string `json:"principal"`
	Signature string `json:"signature"`
}

// ParseSigned decodes base58 principals and signatures received over the wire.
func ParseSigned(nonce uint64, proofs []Proof) (*Signed, error) {
	s := &Signed{nonce: nonce, signatures: make(map[solana.PublicKey]solana.Signature, len(proofs))}
	for _, p := range proofs {
		pk, err := solana.PublicKeyFromBase58(p.Principal)
		if err != nil {
			return nil, fmt.Errorf("%w: principal: %v", ErrInvalidProof, err)
		}
		raw, err := base58.Decode(p.Signature)
		if err != nil {
			return nil, fmt.Errorf("%w: signature: %v", ErrInvalidProof, err)
		}
		if len(raw) != len(solana.Signature{}) {
			return nil, fmt.Errorf("%w: signature size: expected %d, got %d", ErrInvalidProof, len(solana.Signature{}), len(raw))
		}
		var sig solana.Signature
		copy(sig[:], raw)
		s.signatures[pk] = sig
	}
	return s, nil
}

// Proofs returns the wire form of s.
func (s *Signed) Proofs() []Proof {
	out := make([]Proof, 0, len(s.signatures))
	for pk, sig := range s.signatures {
		out = append(out, Proof{Principal: pk.String(), Signature: base58.Encode(sig[:])})
	}
	return out
}

func (s *Signed) Nonce() uint64 {
	return s.nonce
}

func (s *Signed) RequireAuth(ctx context.Context, principal solana.PublicKey, inv Invocation) error {
	sig, ok := s.signatures[principal]
	if !ok {
		return fmt.Errorf("%w: no proof from %s for %s", ErrUnauthorized, principal, inv.Function)
	}
	if !principal.Verify(inv.Payload(s.nonce), sig) {
		return fmt.Errorf("%w: bad signature from %s for %s", ErrUnauthorized, principal, inv.Function)
	}
	return nil
}

// AllowAll authorizes every principal. It stands in for a trusted host in
// tests and local tooling.
type AllowAll struct{}

func (AllowAll) RequireAuth(context.Context, solana.PublicKey, Invocation) error {
	return nil
}

// Only authorizes exactly the listed principals.
type Only []solana.PublicKey

func (o Only) RequireAuth(_ context.Context, principal solana.PublicKey, inv Invocation) error {
	if solana.PublicKeySlice(o).Has(principal) {
		return nil
	}
	return fmt.Errorf("%w: %s for %s", ErrUnauthorized, principal, inv.Function)
}
