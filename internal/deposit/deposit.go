// Package deposit implements the intake pipeline: decrypt the client's
// HPKE envelope, verify the blinded credit, enforce single-use redemption,
// insert the commitment, and relay a pool transaction — with a
// commit-or-compensate rollback if that transaction fails.
//
// Grounded on core/escrow.go's Escrow_Release/Escrow_Cancel pairing: one
// mutating action (the ledger submission) guarded by a compensating undo
// (Merkle truncate + token removal) armed before the irreversible step and
// disarmed only once it succeeds.
package deposit

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/synnergy-network/veil-relayer/internal/apierr"
	"github.com/synnergy-network/veil-relayer/internal/blindsign"
	"github.com/synnergy-network/veil-relayer/internal/boxkey"
	"github.com/synnergy-network/veil-relayer/internal/field"
	"github.com/synnergy-network/veil-relayer/internal/ledger"
	"github.com/synnergy-network/veil-relayer/internal/merkletree"
	"github.com/synnergy-network/veil-relayer/internal/tokenstore"
	"github.com/synnergy-network/veil-relayer/pkg/config"
)

// Envelope is the encrypted HTTP payload delivered through the anonymizing
// overlay.
type Envelope struct {
	Encrypted    bool   `json:"encrypted"`
	Ciphertext   []byte `json:"ciphertext"`
	Nonce        []byte `json:"nonce"`
	ClientPubkey []byte `json:"client_pubkey"`
}

type creditPayload struct {
	TokenID   string `json:"token_id"`
	Signature string `json:"signature"`
	Amount    uint64 `json:"amount"`
}

type commitmentPayload struct {
	Nullifier string `json:"nullifier"`
	Secret    string `json:"secret"`
}

type plaintextPayload struct {
	Credit        creditPayload     `json:"credit"`
	Commitment    commitmentPayload `json:"commitment"`
	EncryptedNote []byte            `json:"encrypted_note,omitempty"`
}

// Result is returned to the client on a successful deposit.
type Result struct {
	TxSignature string
	LeafIndex   uint32
	Root        field.Element
}

// Pipeline wires together every component a deposit touches.
type Pipeline struct {
	Box     *boxkey.KeyPair
	Signer  *blindsign.Engine
	Tokens  *tokenstore.Store
	Trees   *merkletree.Service
	Chain   ledger.Adapter
	Buckets []config.Bucket
	Log     *logrus.Logger

	// bucketLocks serializes the insert-submit-or-rollback window per
	// bucket, so a concurrent deposit into the same bucket can never land
	// between this deposit's Trees.Insert and its compensating Remove —
	// Remove only undoes the most recent leaf, and a leaf inserted in
	// between would make that undo a no-op, permanently stranding this
	// deposit's commitment with no matching on-chain transaction.
	bucketLocks sync.Map // map[int]*sync.Mutex
}

func (p *Pipeline) lockBucket(id int) *sync.Mutex {
	actual, _ := p.bucketLocks.LoadOrStore(id, &sync.Mutex{})
	return actual.(*sync.Mutex)
}

func (p *Pipeline) bucketFor(amount uint64) (int, bool) {
	for _, b := range p.Buckets {
		if b.Amount == amount {
			return b.ID, true
		}
	}
	return 0, false
}

// Deposit runs the full intake pipeline described above.
func (p *Pipeline) Deposit(ctx context.Context, env Envelope) (Result, error) {
	if !env.Encrypted {
		return Result{}, apierr.New(apierr.ProtocolInput, "envelope_not_encrypted", "deposit payload must be encrypted")
	}

	// Step 1: decrypt. The client-supplied nonce field is passed through as
	// associated data binding the envelope's outer metadata; HPKE derives
	// the AEAD nonce itself from the sealed context's sequence number, so
	// there is no separate nonce to feed the cipher directly.
	plaintext, err := p.Box.Open(env.ClientPubkey, env.Ciphertext, env.Nonce)
	if err != nil {
		return Result{}, err
	}

	// Step 2: parse.
	var payload plaintextPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return Result{}, apierr.Wrap(apierr.ProtocolInput, "envelope_malformed", "decrypted payload is not valid JSON", err)
	}

	// Step 3: bucket resolution.
	bucketID, ok := p.bucketFor(payload.Credit.Amount)
	if !ok {
		return Result{}, apierr.New(apierr.ProtocolInput, "unknown_bucket", "amount does not match any configured bucket")
	}

	tokenIDRaw, err := hex.DecodeString(payload.Credit.TokenID)
	if err != nil || len(tokenIDRaw) != 32 {
		return Result{}, apierr.New(apierr.ProtocolInput, "bad_token_id", "token_id must be 32 bytes hex-encoded")
	}
	var tokenID [32]byte
	copy(tokenID[:], tokenIDRaw)

	sigRaw, err := hex.DecodeString(payload.Credit.Signature)
	if err != nil {
		return Result{}, apierr.New(apierr.ProtocolInput, "bad_signature", "signature must be hex-encoded")
	}
	sig := new(big.Int).SetBytes(sigRaw)

	// Step 4: credit verification.
	if !p.Signer.Verify(tokenID, sig) {
		return Result{}, apierr.New(apierr.AuthCredit, "invalid_credit", "blind signature does not verify")
	}

	// Step 5: single-use enforcement. Must complete before any
	// irreversible state is added.
	h := tokenstore.HashToken(tokenID)
	outcome, err := p.Tokens.Insert(h)
	if err != nil {
		return Result{}, err
	}
	if outcome == tokenstore.AlreadyPresent {
		return Result{}, apierr.New(apierr.AuthCredit, "token_already_used", "credit token has already been redeemed")
	}

	nullifier, serr := parseFieldHex(payload.Commitment.Nullifier)
	if serr != nil {
		_ = p.Tokens.Remove(h)
		return Result{}, apierr.New(apierr.ProtocolInput, "bad_nullifier", "nullifier must be hex-encoded field element")
	}
	secret, serr := parseFieldHex(payload.Commitment.Secret)
	if serr != nil {
		_ = p.Tokens.Remove(h)
		return Result{}, apierr.New(apierr.ProtocolInput, "bad_secret", "secret must be hex-encoded field element")
	}
	amountElem := field.ElementFromUint64(payload.Credit.Amount)
	leaf := field.CommitmentLeaf(nullifier, secret, amountElem)

	// Step 6: commit. The bucket lock is held from here through the
	// deferred rollback below so a concurrent deposit into the same
	// bucket can never insert between this leaf and its compensating
	// removal.
	bucketMu := p.lockBucket(bucketID)
	bucketMu.Lock()
	defer bucketMu.Unlock()

	leafIndex, root, err := p.Trees.Insert(bucketID, leaf)
	if err != nil {
		_ = p.Tokens.Remove(h)
		return Result{}, err
	}

	rollback := true
	defer func() {
		if rollback {
			if rerr := p.Trees.Remove(bucketID, leafIndex); rerr != nil {
				p.Log.Errorf("deposit: rollback of bucket %d leaf %d failed: %v", bucketID, leafIndex, rerr)
			}
			if rerr := p.Tokens.Remove(h); rerr != nil {
				p.Log.Errorf("deposit: rollback of token removal failed: %v", rerr)
			}
		}
	}()

	// Step 7: author pool transaction, signed by the deposit wallet.
	txSig, err := p.Chain.SubmitDeposit(ctx, bucketID, leaf, h, payload.EncryptedNote, root)
	if err != nil {
		// Step 8 (failure branch): compensate via the deferred rollback above.
		return Result{}, apierr.Wrap(apierr.Ledger, "deposit_submit_failed", "pool deposit transaction failed", err)
	}

	rollback = false
	return Result{TxSignature: txSig, LeafIndex: leafIndex, Root: root}, nil
}

func parseFieldHex(s string) (field.Element, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return field.Element{}, err
	}
	var e field.Element
	e.SetBytes(raw)
	return e, nil
}
