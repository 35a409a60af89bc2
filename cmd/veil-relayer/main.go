// Command veil-relayer runs the mixer/relayer daemon: it loads its key
// material and persisted state, dials the ledger RPC endpoint, wires the
// credit-sign/deposit/withdraw pipelines to the HTTP surface, starts the
// timelock scheduler, and runs a bounded startup reconciliation pass
// before serving traffic.
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mr-tron/base58"
	"github.com/sirupsen/logrus"

	"github.com/synnergy-network/veil-relayer/internal/blindsign"
	"github.com/synnergy-network/veil-relayer/internal/boxkey"
	"github.com/synnergy-network/veil-relayer/internal/creditsign"
	"github.com/synnergy-network/veil-relayer/internal/deposit"
	"github.com/synnergy-network/veil-relayer/internal/httpapi"
	"github.com/synnergy-network/veil-relayer/internal/ledger"
	"github.com/synnergy-network/veil-relayer/internal/merkletree"
	"github.com/synnergy-network/veil-relayer/internal/tokenstore"
	"github.com/synnergy-network/veil-relayer/internal/withdraw"
	"github.com/synnergy-network/veil-relayer/pkg/config"
)

func main() {
	log := logrus.New()

	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	if cfg.OverlayRequired {
		log.Info("anonymizing overlay is required for this deployment; ensure this process is only reachable through it")
	} else {
		log.Warn("anonymizing overlay requirement is disabled by configuration for this process")
	}

	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		log.Fatalf("create state dir %s: %v", cfg.StateDir, err)
	}

	depositSigner, err := loadOrGenerateSigner(cfg.KeypairPath, log)
	if err != nil {
		log.Fatalf("load deposit keypair: %v", err)
	}
	var treasurySigner ed25519.PrivateKey
	if cfg.TreasuryKeypair != "" {
		treasurySigner, err = loadOrGenerateSigner(cfg.TreasuryKeypair, log)
		if err != nil {
			log.Fatalf("load treasury keypair: %v", err)
		}
	}

	blindEngine, err := blindsign.LoadOrGenerate(cfg.StateDir+"/rsa_signing_key.der", log)
	if err != nil {
		log.Fatalf("load blind-signature key: %v", err)
	}
	box, err := boxkey.LoadOrGenerate(cfg.StateDir+"/hpke_key.bin", log)
	if err != nil {
		log.Fatalf("load HPKE key: %v", err)
	}
	usedTokens, err := tokenstore.Open(cfg.StateDir+"/used_tokens.dat", cfg.StateDir+"/used_tokens.checksum", log)
	if err != nil {
		log.Fatalf("open used-token store: %v", err)
	}
	paymentTokens, err := tokenstore.Open(cfg.StateDir+"/payment_tokens.dat", cfg.StateDir+"/payment_tokens.checksum", log)
	if err != nil {
		log.Fatalf("open payment-token store: %v", err)
	}
	trees, err := merkletree.Open(cfg.StateDir+"/merkle_state", len(cfg.Buckets), cfg.HistoryWindow, log)
	if err != nil {
		log.Fatalf("open merkle service: %v", err)
	}

	poolProgramID, err := decodeProgramID(cfg.PoolProgramID)
	if err != nil {
		log.Fatalf("decode pool_program_id: %v", err)
	}
	verifierProgramID, err := decodeProgramID(cfg.VerifierProgramID)
	if err != nil {
		log.Fatalf("decode verifier_program_id: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	chain, err := ledger.Dial(ctx, cfg.RPCURL, depositSigner, treasurySigner, poolProgramID, verifierProgramID, log)
	if err != nil {
		log.Fatalf("dial ledger: %v", err)
	}

	reconcile(ctx, trees, chain, cfg.Buckets, cfg.ScanThreshold, log)

	depositPipeline := &deposit.Pipeline{
		Box: box, Signer: blindEngine, Tokens: usedTokens, Trees: trees, Chain: chain, Buckets: cfg.Buckets, Log: log,
	}
	withdrawPipeline := withdraw.New(trees, chain, cfg.FeeBps, cfg.RentExemptMinimum, cfg.DevMode,
		time.Duration(cfg.SchedulerPollSeconds)*time.Second, log)
	signEngine := &creditsign.Engine{Signer: blindEngine, PaymentTokens: paymentTokens, Chain: chain, FeeBps: cfg.FeeBps}

	server := &httpapi.Server{
		Deposit: depositPipeline, Withdraw: withdrawPipeline, Sign: signEngine,
		Trees: trees, Chain: chain, Blind: blindEngine, Box: box,
		Buckets: cfg.Buckets, FeeBps: cfg.FeeBps, Log: log,
	}

	withdrawPipeline.Start(ctx)
	defer withdrawPipeline.Stop()

	httpSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: server.Router(),
	}
	go func() {
		log.Infof("veil-relayer listening on %s", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
}

// reconcile runs the bounded startup scan: if a bucket's local tree lags
// the chain's by more than scanThreshold leaves, replaying history is
// skipped (logged, not silent) and new deposits are accepted from the
// current state forward rather than blocking startup on a potentially
// unbounded replay.
func reconcile(ctx context.Context, trees *merkletree.Service, chain ledger.Adapter, buckets []config.Bucket, scanThreshold int, log *logrus.Logger) {
	for _, b := range buckets {
		localSize, err := trees.Size(b.ID)
		if err != nil {
			log.Errorf("reconcile: bucket %d: read local size: %v", b.ID, err)
			continue
		}
		nextIndex, err := chain.PoolNextIndex(ctx, b.ID)
		if err != nil {
			log.Errorf("reconcile: bucket %d: read chain next index: %v", b.ID, err)
			continue
		}
		if localSize >= nextIndex {
			continue
		}
		gap := nextIndex - localSize
		if int(gap) > scanThreshold {
			log.Warnf("reconcile: bucket %d is %d leaves behind the chain, exceeding scan threshold %d; skipping history replay and accepting new deposits from here forward", b.ID, gap, scanThreshold)
			continue
		}
		commitments, truncated, err := chain.RecentDepositCommitments(ctx, b.ID, 0, scanThreshold)
		if err != nil {
			log.Errorf("reconcile: bucket %d: fetch deposit history: %v", b.ID, err)
			continue
		}
		if truncated {
			// SyncFromChain replaces a bucket's entire leaf state with
			// exactly what it is given, so a truncated scan must never
			// feed it — that would overwrite a valid local tree with
			// nothing. Leave local state authoritative and move on.
			log.Warnf("reconcile: bucket %d: on-chain deposit history exceeds the scan threshold; keeping local state authoritative and skipping sync", b.ID)
			continue
		}
		if err := trees.SyncFromChain(b.ID, commitments); err != nil {
			log.Errorf("reconcile: bucket %d: sync from chain: %v", b.ID, err)
		}
	}
}

type keyFile struct {
	PrivateKey string `json:"private_key_hex"`
}

// loadOrGenerateSigner reads an ed25519 private key from a veil-keygen
// JSON keypair file at path, or generates and persists a fresh one if
// absent.
func loadOrGenerateSigner(path string, log *logrus.Logger) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		var kf keyFile
		if jerr := json.Unmarshal(data, &kf); jerr != nil {
			return nil, fmt.Errorf("parse keypair file %s: %w", path, jerr)
		}
		raw, herr := hex.DecodeString(kf.PrivateKey)
		if herr != nil || len(raw) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("keypair file %s: malformed private key", path)
		}
		log.Infof("loaded signer from %s", path)
		return ed25519.PrivateKey(raw), nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read keypair file %s: %w", path, err)
	}

	pub, priv, gerr := ed25519.GenerateKey(nil)
	if gerr != nil {
		return nil, fmt.Errorf("generate keypair: %w", gerr)
	}
	kf := keyFile{PrivateKey: hex.EncodeToString(priv)}
	out, merr := json.MarshalIndent(kf, "", "  ")
	if merr != nil {
		return nil, fmt.Errorf("encode keypair: %w", merr)
	}
	if werr := os.WriteFile(path, out, 0o600); werr != nil {
		return nil, fmt.Errorf("persist keypair %s: %w", path, werr)
	}
	log.Warnf("generated new signer at %s, address %s", path, base58.Encode(pub))
	return priv, nil
}

func decodeProgramID(s string) ([32]byte, error) {
	var out [32]byte
	if s == "" {
		return out, nil
	}
	raw, err := base58.Decode(s)
	if err != nil || len(raw) != 32 {
		return out, fmt.Errorf("expected a 32-byte base58 program id, got %q", s)
	}
	copy(out[:], raw)
	return out, nil
}
