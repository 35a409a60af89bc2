package deposit

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"math/big"
	"path/filepath"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/synnergy-network/veil-relayer/internal/blindsign"
	"github.com/synnergy-network/veil-relayer/internal/boxkey"
	"github.com/synnergy-network/veil-relayer/internal/field"
	"github.com/synnergy-network/veil-relayer/internal/ledger"
	"github.com/synnergy-network/veil-relayer/internal/merkletree"
	"github.com/synnergy-network/veil-relayer/internal/tokenstore"
	"github.com/synnergy-network/veil-relayer/pkg/config"
)

func discardLog() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// fakeChain is a minimal ledger.Adapter double. Only SubmitDeposit is ever
// exercised by this package's tests.
type fakeChain struct {
	fail bool
	n    int

	mu         sync.Mutex
	failHashes map[[32]byte]bool
}

func (f *fakeChain) VerifyPayment(context.Context, string, [32]byte, [32]byte, uint64) (bool, error) {
	return false, errors.New("unused")
}
func (f *fakeChain) SubmitDeposit(ctx context.Context, bucket int, commitment field.Element, tokenHash [32]byte, encryptedNote []byte, newRoot field.Element) (string, error) {
	f.mu.Lock()
	fail := f.fail || f.failHashes[tokenHash]
	f.mu.Unlock()
	if fail {
		return "", errors.New("submission rejected")
	}
	f.mu.Lock()
	f.n++
	f.mu.Unlock()
	return "tx-sig-1", nil
}
func (f *fakeChain) RequestWithdrawal(context.Context, ledger.WithdrawalRequest) (string, error) {
	return "", errors.New("unused")
}
func (f *fakeChain) ExecuteWithdrawal(context.Context, string) (string, error) {
	return "", errors.New("unused")
}
func (f *fakeChain) FetchAccount(context.Context, [32]byte) (ledger.AccountView, error) {
	return ledger.AccountView{}, errors.New("unused")
}
func (f *fakeChain) ListPendingWithdrawals(context.Context) ([]ledger.PendingWithdrawalRecord, error) {
	return nil, errors.New("unused")
}
func (f *fakeChain) PoolSize(context.Context, int) (uint32, error) { return 0, errors.New("unused") }
func (f *fakeChain) PoolRoot(context.Context, int) (field.Element, error) {
	return field.Element{}, errors.New("unused")
}
func (f *fakeChain) TransferLamports(context.Context, [32]byte, uint64) (string, error) {
	return "", errors.New("unused")
}
func (f *fakeChain) PoolNextIndex(context.Context, int) (uint32, error) {
	return 0, errors.New("unused")
}
func (f *fakeChain) RecentDepositCommitments(context.Context, int, uint32, int) ([]field.Element, bool, error) {
	return nil, false, errors.New("unused")
}
func (f *fakeChain) TreasuryPubkey() [32]byte { return [32]byte{} }
func (f *fakeChain) DepositPubkey() [32]byte  { return [32]byte{} }

type harness struct {
	pipeline *Pipeline
	box      *boxkey.KeyPair
	signer   *blindsign.Engine
	chain    *fakeChain
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	log := discardLog()

	box, err := boxkey.LoadOrGenerate(filepath.Join(dir, "hpke.key"), log)
	if err != nil {
		t.Fatalf("boxkey.LoadOrGenerate: %v", err)
	}
	signer, err := blindsign.LoadOrGenerate(filepath.Join(dir, "blind.key"), log)
	if err != nil {
		t.Fatalf("blindsign.LoadOrGenerate: %v", err)
	}
	tokens, err := tokenstore.Open(filepath.Join(dir, "used.dat"), filepath.Join(dir, "used.checksum"), log)
	if err != nil {
		t.Fatalf("tokenstore.Open: %v", err)
	}
	trees, err := merkletree.Open(dir, 1, 64, log)
	if err != nil {
		t.Fatalf("merkletree.Open: %v", err)
	}
	chain := &fakeChain{}

	return &harness{
		pipeline: &Pipeline{
			Box:     box,
			Signer:  signer,
			Tokens:  tokens,
			Trees:   trees,
			Chain:   chain,
			Buckets: []config.Bucket{{ID: 0, Amount: 1_000_000}},
			Log:     log,
		},
		box:    box,
		signer: signer,
		chain:  chain,
	}
}

// buildEnvelope signs a fresh token id with the blind signer, encrypts the
// plaintext payload the pipeline expects, and returns the resulting
// Envelope. Callers keep tokenID themselves to reuse it in double-spend tests.
func (h *harness) buildEnvelope(t *testing.T, tokenID [32]byte, amount uint64, nullifier, secret field.Element) Envelope {
	t.Helper()

	sig := blindSignToken(t, h.signer, tokenID)

	payload := plaintextPayload{
		Credit: creditPayload{
			TokenID:   hex.EncodeToString(tokenID[:]),
			Signature: hex.EncodeToString(sig.Bytes()),
			Amount:    amount,
		},
		Commitment: commitmentPayload{
			Nullifier: hex.EncodeToString(fieldBytes(nullifier)),
			Secret:    hex.EncodeToString(fieldBytes(secret)),
		},
	}
	plaintext, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}

	pub, err := h.box.PublicBytes()
	if err != nil {
		t.Fatalf("PublicBytes: %v", err)
	}
	enc, ciphertext, err := boxkey.Seal(pub, plaintext, nil)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	return Envelope{
		Encrypted:    true,
		Ciphertext:   ciphertext,
		ClientPubkey: enc,
	}
}

func TestDepositHappyPath(t *testing.T) {
	h := newHarness(t)
	var nullifier, secret field.Element
	nullifier.SetUint64(11)
	secret.SetUint64(22)

	env := h.buildEnvelope(t, [32]byte{1, 2, 3}, 1_000_000, nullifier, secret)

	res, err := h.pipeline.Deposit(context.Background(), env)
	if err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if res.TxSignature == "" {
		t.Fatalf("expected a tx signature")
	}
	if res.LeafIndex != 0 {
		t.Fatalf("expected first leaf index 0, got %d", res.LeafIndex)
	}
	if h.pipeline.Trees == nil {
		t.Fatalf("trees must remain wired")
	}
	size, err := h.pipeline.Trees.Size(0)
	if err != nil || size != 1 {
		t.Fatalf("expected bucket size 1 after deposit, got %d err %v", size, err)
	}
}

func TestDepositRejectsDoubleRedeem(t *testing.T) {
	h := newHarness(t)
	var n1, s1, n2, s2 field.Element
	n1.SetUint64(1)
	s1.SetUint64(2)
	n2.SetUint64(3)
	s2.SetUint64(4)

	tokenID := [32]byte{7, 7, 7}
	env1 := h.buildEnvelope(t, tokenID, 1_000_000, n1, s1)
	if _, err := h.pipeline.Deposit(context.Background(), env1); err != nil {
		t.Fatalf("first deposit: %v", err)
	}

	env2 := h.buildEnvelope(t, tokenID, 1_000_000, n2, s2)
	if _, err := h.pipeline.Deposit(context.Background(), env2); err == nil {
		t.Fatalf("second deposit reusing the same token must fail")
	}
}

func TestDepositRollsBackOnLedgerFailure(t *testing.T) {
	h := newHarness(t)
	h.chain.fail = true

	var nullifier, secret field.Element
	nullifier.SetUint64(5)
	secret.SetUint64(6)
	tokenID := [32]byte{9, 9, 9}
	env := h.buildEnvelope(t, tokenID, 1_000_000, nullifier, secret)

	if _, err := h.pipeline.Deposit(context.Background(), env); err == nil {
		t.Fatalf("expected ledger failure to propagate")
	}

	size, err := h.pipeline.Trees.Size(0)
	if err != nil || size != 0 {
		t.Fatalf("Merkle insert must be rolled back, got size %d err %v", size, err)
	}
	h.chain.fail = false
	env2 := h.buildEnvelope(t, tokenID, 1_000_000, nullifier, secret)
	if _, err := h.pipeline.Deposit(context.Background(), env2); err != nil {
		t.Fatalf("token must be usable again after rollback: %v", err)
	}
}

// TestDepositConcurrentSameBucketSerializesRollback drives concurrent
// deposits into the same bucket, some of which fail their ledger
// submission, and checks the bucket lock keeps every rollback paired
// with the insert it undoes rather than truncating a different
// goroutine's leaf.
func TestDepositConcurrentSameBucketSerializesRollback(t *testing.T) {
	h := newHarness(t)

	const succeeding = 4
	const failing = 4
	type attempt struct {
		tokenID [32]byte
		fail    bool
	}
	var attempts []attempt
	for i := 0; i < succeeding; i++ {
		attempts = append(attempts, attempt{tokenID: [32]byte{1, byte(i)}, fail: false})
	}
	for i := 0; i < failing; i++ {
		attempts = append(attempts, attempt{tokenID: [32]byte{2, byte(i)}, fail: true})
	}

	h.chain.mu.Lock()
	h.chain.failHashes = make(map[[32]byte]bool)
	for _, a := range attempts {
		if a.fail {
			h.chain.failHashes[tokenstore.HashToken(a.tokenID)] = true
		}
	}
	h.chain.mu.Unlock()

	var wg sync.WaitGroup
	for i, a := range attempts {
		wg.Add(1)
		go func(i int, a attempt) {
			defer wg.Done()
			var nullifier, secret field.Element
			nullifier.SetUint64(uint64(100 + i))
			secret.SetUint64(uint64(200 + i))
			env := h.buildEnvelope(t, a.tokenID, 1_000_000, nullifier, secret)
			_, err := h.pipeline.Deposit(context.Background(), env)
			if a.fail && err == nil {
				t.Errorf("attempt %d: expected ledger failure to propagate", i)
			}
			if !a.fail && err != nil {
				t.Errorf("attempt %d: unexpected error: %v", i, err)
			}
		}(i, a)
	}
	wg.Wait()

	size, err := h.pipeline.Trees.Size(0)
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if size != succeeding {
		t.Fatalf("expected exactly %d surviving leaves, got %d", succeeding, size)
	}

	for _, a := range attempts {
		if !a.fail {
			continue
		}
		h.chain.mu.Lock()
		delete(h.chain.failHashes, tokenstore.HashToken(a.tokenID))
		h.chain.mu.Unlock()
		retryEnv := h.buildEnvelope(t, a.tokenID, 1_000_000, field.ElementFromUint64(999), field.ElementFromUint64(998))
		if _, err := h.pipeline.Deposit(context.Background(), retryEnv); err != nil {
			t.Fatalf("rolled-back token must be redeemable again: %v", err)
		}
	}
}

func TestDepositRejectsUnknownBucket(t *testing.T) {
	h := newHarness(t)
	var nullifier, secret field.Element
	nullifier.SetUint64(1)
	secret.SetUint64(2)
	env := h.buildEnvelope(t, [32]byte{1}, 42, nullifier, secret)

	if _, err := h.pipeline.Deposit(context.Background(), env); err == nil {
		t.Fatalf("an amount matching no bucket must be rejected")
	}
}

func TestDepositRejectsUnencryptedEnvelope(t *testing.T) {
	h := newHarness(t)
	if _, err := h.pipeline.Deposit(context.Background(), Envelope{Encrypted: false}); err == nil {
		t.Fatalf("an unencrypted envelope must be rejected")
	}
}

func fieldBytes(e field.Element) []byte {
	b := e.Bytes()
	return b[:]
}

// blindSignToken drives the client-side half of the blind-signature
// protocol against an Engine through only its exported surface
// (PublicHex + BlindSign + Verify), the way an external caller must.
func blindSignToken(t *testing.T, e *blindsign.Engine, tokenID [32]byte) *big.Int {
	t.Helper()

	nHex, eHex := e.PublicHex()
	n, ok := new(big.Int).SetString(nHex, 16)
	if !ok {
		t.Fatalf("parse modulus hex")
	}
	exp, ok := new(big.Int).SetString(eHex, 16)
	if !ok {
		t.Fatalf("parse exponent hex")
	}

	h := sha256.Sum256(tokenID[:])
	m := new(big.Int).SetBytes(h[:])

	var r *big.Int
	for {
		var err error
		r, err = rand.Int(rand.Reader, n)
		if err != nil {
			t.Fatalf("random blinding factor: %v", err)
		}
		if r.Sign() > 0 && new(big.Int).GCD(nil, nil, r, n).Cmp(big.NewInt(1)) == 0 {
			break
		}
	}
	rE := new(big.Int).Exp(r, exp, n)
	blinded := new(big.Int).Mod(new(big.Int).Mul(m, rE), n)

	blindSig, err := e.BlindSign(blinded)
	if err != nil {
		t.Fatalf("BlindSign: %v", err)
	}

	rInv := new(big.Int).ModInverse(r, n)
	sig := new(big.Int).Mod(new(big.Int).Mul(blindSig, rInv), n)

	if !e.Verify(tokenID, sig) {
		t.Fatalf("unblinded signature must verify against the same engine")
	}
	return sig
}
