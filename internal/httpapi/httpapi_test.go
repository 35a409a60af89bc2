package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/synnergy-network/veil-relayer/internal/blindsign"
	"github.com/synnergy-network/veil-relayer/internal/boxkey"
	"github.com/synnergy-network/veil-relayer/internal/creditsign"
	"github.com/synnergy-network/veil-relayer/internal/deposit"
	"github.com/synnergy-network/veil-relayer/internal/field"
	"github.com/synnergy-network/veil-relayer/internal/ledger"
	"github.com/synnergy-network/veil-relayer/internal/merkletree"
	"github.com/synnergy-network/veil-relayer/internal/tokenstore"
	"github.com/synnergy-network/veil-relayer/internal/withdraw"
	"github.com/synnergy-network/veil-relayer/pkg/config"
)

func discardLog() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type fakeChain struct {
	depositErr error
}

func (f *fakeChain) VerifyPayment(context.Context, string, [32]byte, [32]byte, uint64) (bool, error) {
	return true, nil
}
func (f *fakeChain) SubmitDeposit(context.Context, int, field.Element, [32]byte, []byte, field.Element) (string, error) {
	if f.depositErr != nil {
		return "", f.depositErr
	}
	return "tx-sig-1", nil
}
func (f *fakeChain) RequestWithdrawal(context.Context, ledger.WithdrawalRequest) (string, error) {
	return "record-1", nil
}
func (f *fakeChain) ExecuteWithdrawal(context.Context, string) (string, error) {
	return "exec-tx", nil
}
func (f *fakeChain) FetchAccount(context.Context, [32]byte) (ledger.AccountView, error) {
	return ledger.AccountView{Exists: true, Lamports: 2_000_000}, nil
}
func (f *fakeChain) ListPendingWithdrawals(context.Context) ([]ledger.PendingWithdrawalRecord, error) {
	return nil, nil
}
func (f *fakeChain) PoolSize(context.Context, int) (uint32, error) { return 0, errors.New("unused") }
func (f *fakeChain) PoolRoot(context.Context, int) (field.Element, error) {
	return field.Element{}, errors.New("unused")
}
func (f *fakeChain) TransferLamports(context.Context, [32]byte, uint64) (string, error) {
	return "topup-tx", nil
}
func (f *fakeChain) PoolNextIndex(context.Context, int) (uint32, error) {
	return 0, errors.New("unused")
}
func (f *fakeChain) RecentDepositCommitments(context.Context, int, uint32, int) ([]field.Element, bool, error) {
	return nil, false, errors.New("unused")
}
func (f *fakeChain) TreasuryPubkey() [32]byte { return [32]byte{0xAA} }
func (f *fakeChain) DepositPubkey() [32]byte  { return [32]byte{0xBB} }

func newTestServer(t *testing.T) (*Server, *boxkey.KeyPair, *blindsign.Engine) {
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
	paymentTokens, err := tokenstore.Open(filepath.Join(dir, "payment.dat"), filepath.Join(dir, "payment.checksum"), log)
	if err != nil {
		t.Fatalf("tokenstore.Open (payment): %v", err)
	}
	trees, err := merkletree.Open(dir, 1, 64, log)
	if err != nil {
		t.Fatalf("merkletree.Open: %v", err)
	}
	chain := &fakeChain{}
	buckets := []config.Bucket{{ID: 0, Amount: 1_000_000}}

	depositPipeline := &deposit.Pipeline{
		Box: box, Signer: signer, Tokens: tokens, Trees: trees, Chain: chain, Buckets: buckets, Log: log,
	}
	withdrawPipeline := withdraw.New(trees, chain, 50, 890_880, false, time.Hour, log)
	signEngine := &creditsign.Engine{Signer: signer, PaymentTokens: paymentTokens, Chain: chain, FeeBps: 50}

	return &Server{
		Deposit:  depositPipeline,
		Withdraw: withdrawPipeline,
		Sign:     signEngine,
		Trees:    trees,
		Chain:    chain,
		Blind:    signer,
		Box:      box,
		Buckets:  buckets,
		FeeBps:   50,
		Log:      log,
	}, box, signer
}

func TestHandleHealth(t *testing.T) {
	s, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("expected status ok, got %v", body["status"])
	}
}

func TestHandleInfo(t *testing.T) {
	s, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/info", nil)
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"rsa_n", "rsa_e", "ecdh_pubkey", "treasury_address", "fee_bps", "buckets"} {
		if _, ok := body[key]; !ok {
			t.Fatalf("expected field %q in /info response", key)
		}
	}
}

func TestHandlePoolsEmpty(t *testing.T) {
	s, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/pools/0", nil)
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["size"] != float64(0) {
		t.Fatalf("expected empty bucket size 0, got %v", body["size"])
	}
}

func TestHandlePoolByBucketUnknown(t *testing.T) {
	s, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/pools/5", nil)
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)

	if rr.Code == http.StatusOK {
		t.Fatalf("expected an error status for an out-of-range bucket, got 200")
	}
}

func TestHandleWithdrawPendingEmpty(t *testing.T) {
	s, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/withdraw/pending", nil)
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}
