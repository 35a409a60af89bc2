// Package field provides the relayer's only window into the ZK base field:
// Poseidon hashing with domain separation and the address field-reduction
// rule shared with the on-chain verifying circuit.
//
// Grounded on parsdao-pars/zk/poseidon.go's Poseidon2Hasher (cache, HashPair,
// MerkleRoot/MerkleProof shape), generalized here to accept a leading domain
// tag on every application-level hash instead of bare concatenation.
package field

import (
	"hash"
	"sync"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr/poseidon2"
)

// Element is a BN254 scalar field element, the unit every hash input and
// output is expressed in.
type Element = fr.Element

// Domain tags: small field elements prepended to the hasher's input stream
// so that structurally-identical inputs used for different purposes never
// collide.
var (
	DomainCommit    = uint64Element(1)
	DomainNullifier = uint64Element(2)
	DomainBind      = uint64Element(3)
	DomainOwnerBind = uint64Element(4)
)

func uint64Element(v uint64) Element {
	var e Element
	e.SetUint64(v)
	return e
}

// hasherPool avoids re-allocating the Merkle-Damgård sponge on every call;
// gnark-crypto hashers are not safe for concurrent use so each goroutine
// must draw its own from the pool.
var hasherPool = sync.Pool{
	New: func() any { return poseidon2.NewMerkleDamgardHasher() },
}

// Hash computes Poseidon(domain, inputs...) and returns the digest as a
// field element.
func Hash(domain Element, inputs ...Element) Element {
	h := hasherPool.Get().(hash.Hash)
	defer func() {
		h.Reset()
		hasherPool.Put(h)
	}()

	db := domain.Bytes()
	h.Write(db[:])
	for _, in := range inputs {
		b := in.Bytes()
		h.Write(b[:])
	}
	sum := h.Sum(nil)
	var out Element
	out.SetBytes(sum)
	return out
}

// HashPair computes Poseidon(left, right) with no domain tag — the Merkle
// tree's internal-node combinator.
func HashPair(left, right Element) Element {
	h := hasherPool.Get().(hash.Hash)
	defer func() {
		h.Reset()
		hasherPool.Put(h)
	}()

	lb := left.Bytes()
	rb := right.Bytes()
	h.Write(lb[:])
	h.Write(rb[:])
	sum := h.Sum(nil)
	var out Element
	out.SetBytes(sum)
	return out
}

// CommitmentLeaf computes commit_leaf = Poseidon(DOMAIN_COMMIT, nullifier,
// secret, amount).
func CommitmentLeaf(nullifier, secret, amount Element) Element {
	return Hash(DomainCommit, nullifier, secret, amount)
}

// NullifierHash computes nullifier_hash = Poseidon(DOMAIN_NULLIFIER,
// nullifier).
func NullifierHash(nullifier Element) Element {
	return Hash(DomainNullifier, nullifier)
}

// WithdrawBind computes withdraw_bind = Poseidon(DOMAIN_BIND, nullifier_hash,
// recipient, relayer, fee), the binding hash that defeats proof malleability.
func WithdrawBind(nullifierHash, recipient, relayer, fee Element) Element {
	return Hash(DomainBind, nullifierHash, recipient, relayer, fee)
}

// OwnerBind computes owner_bind = Poseidon(DOMAIN_OWNER_BIND, nullifier,
// pendingWithdrawalID).
func OwnerBind(nullifier, pendingWithdrawalID Element) Element {
	return Hash(DomainOwnerBind, nullifier, pendingWithdrawalID)
}

// ReduceAddress zeroes the top 3 bits of a 32-byte ledger address so it fits
// the BN254 scalar field as the verifying circuit expects. The input is not
// mutated; the reduced copy is returned.
func ReduceAddress(addr [32]byte) [32]byte {
	out := addr
	out[0] &= 0x1F // clear bits 7,6,5 -> address[0] & 0xE0 == 0 for clients
	return out
}

// IsFieldReduced reports whether addr already satisfies the reduction the
// verifying circuit requires: addr[0] & 0xE0 == 0.
func IsFieldReduced(addr [32]byte) bool {
	return addr[0]&0xE0 == 0
}

// ElementFromAddress interprets a field-reduced address as a field element.
func ElementFromAddress(addr [32]byte) Element {
	var e Element
	e.SetBytes(ReduceAddress(addr)[:])
	return e
}

// ElementFromUint64 is a small convenience wrapper for amounts/fees/indices.
func ElementFromUint64(v uint64) Element { return uint64Element(v) }

// Bytes32 returns the canonical 32-byte big-endian encoding of e.
func Bytes32(e Element) [32]byte {
	return e.Bytes()
}

// ZeroChain returns the precomputed zero-subtree chain Z[0..depth] shared by
// every bucket's Merkle tree: Z[0] = 0, Z[i] = Poseidon(Z[i-1], Z[i-1]).
func ZeroChain(depth int) []Element {
	z := make([]Element, depth+1)
	// z[0] is already the zero element.
	for i := 1; i <= depth; i++ {
		z[i] = HashPair(z[i-1], z[i-1])
	}
	return z
}
