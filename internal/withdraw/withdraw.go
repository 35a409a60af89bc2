// Package withdraw implements the withdrawal pipeline: local precondition
// checks ahead of submitting a proof-gated request, and a background
// timelock scheduler that executes matured pending records — bringing the
// recipient and treasury-fee accounts up to the rent-exempt minimum first.
//
// The scheduler's ticker/closing-channel shutdown shape is grounded on
// core/connection_pool.go's reaper(): a goroutine launched by Start, woken
// on a fixed period, and stopped by closing a channel rather than by
// setting a flag.
package withdraw

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/synnergy-network/veil-relayer/internal/apierr"
	"github.com/synnergy-network/veil-relayer/internal/field"
	"github.com/synnergy-network/veil-relayer/internal/ledger"
	"github.com/synnergy-network/veil-relayer/internal/merkletree"
)

const settlementDelay = 500 * time.Millisecond

// minDelaySeconds/maxDelaySeconds bound the client-chosen timelock to the
// 1-24 hour window that makes a pending withdrawal's delay meaningful.
// A zero delay bypasses the window entirely and is only permitted in dev
// mode.
const (
	minDelaySeconds = 3600
	maxDelaySeconds = 24 * 3600
)

// RequestResult is returned to the client after a successful request.
type RequestResult struct {
	RecordID string
}

// Pipeline wires the components a withdrawal touches.
type Pipeline struct {
	Trees *merkletree.Service
	Chain ledger.Adapter
	Log   *logrus.Logger

	FeeBps            uint64
	RentExemptMinimum uint64
	DevMode           bool

	pollInterval time.Duration
	closing      chan struct{}
	stopped      chan struct{}
}

// New builds a Pipeline. pollInterval governs how often the timelock
// scheduler checks for matured pending withdrawals.
func New(trees *merkletree.Service, chain ledger.Adapter, feeBps, rentExemptMinimum uint64, devMode bool, pollInterval time.Duration, log *logrus.Logger) *Pipeline {
	return &Pipeline{
		Trees:             trees,
		Chain:             chain,
		Log:               log,
		FeeBps:            feeBps,
		RentExemptMinimum: rentExemptMinimum,
		DevMode:           devMode,
		pollInterval:      pollInterval,
		closing:           make(chan struct{}),
		stopped:           make(chan struct{}),
	}
}

func (p *Pipeline) checkPreconditions(req ledger.WithdrawalRequest) error {
	if !field.IsFieldReduced(req.Recipient) {
		return apierr.New(apierr.ProtocolInput, "recipient_not_reduced", "recipient address is not field-reduced")
	}
	if !field.IsFieldReduced(req.RelayerPubkey) {
		return apierr.New(apierr.ProtocolInput, "relayer_pubkey_not_reduced", "relayer public key is not field-reduced")
	}
	wantFee := (req.Amount * p.FeeBps) / 10000
	if req.Fee != wantFee {
		return apierr.New(apierr.ProtocolInput, "bad_fee", "fee does not match amount * fee_bps / 10000")
	}
	if req.DelaySeconds == 0 && !p.DevMode {
		return apierr.New(apierr.ProtocolInput, "delay_required", "a zero delay is only permitted in dev mode")
	}
	if req.DelaySeconds != 0 && (req.DelaySeconds < minDelaySeconds || req.DelaySeconds > maxDelaySeconds) {
		return apierr.New(apierr.ProtocolInput, "delay_out_of_range", "delay_seconds must fall within the 1-24 hour window")
	}
	hasRoot, err := p.Trees.HasRoot(req.Bucket, req.MerkleRoot)
	if err != nil {
		return err
	}
	if !hasRoot {
		return apierr.New(apierr.ProtocolInput, "stale_root", "merkle_root is not within the retained history window")
	}
	return nil
}

// Request validates req locally and, if it passes, submits it to the
// ledger, returning the pending-record id the verifier program assigned.
func (p *Pipeline) Request(ctx context.Context, req ledger.WithdrawalRequest) (RequestResult, error) {
	if err := p.checkPreconditions(req); err != nil {
		return RequestResult{}, err
	}
	recordID, err := p.Chain.RequestWithdrawal(ctx, req)
	if err != nil {
		return RequestResult{}, apierr.Wrap(apierr.Ledger, "withdrawal_request_failed", "request_withdrawal transaction failed", err)
	}
	return RequestResult{RecordID: recordID}, nil
}

// ensureRentExempt tops up pubkey to the rent-exempt minimum if its
// current balance falls short, returning whether a transfer was sent.
func (p *Pipeline) ensureRentExempt(ctx context.Context, pubkey [32]byte) (bool, error) {
	acct, err := p.Chain.FetchAccount(ctx, pubkey)
	if err != nil {
		return false, err
	}
	if acct.Exists && acct.Lamports >= p.RentExemptMinimum {
		return false, nil
	}
	topUp := p.RentExemptMinimum - acct.Lamports
	if _, err := p.Chain.TransferLamports(ctx, pubkey, topUp); err != nil {
		return false, apierr.Wrap(apierr.Ledger, "rent_topup_failed", "rent pre-funding transfer failed", err)
	}
	return true, nil
}

// Execute runs step 2 of the withdrawal pipeline for one pending record:
// rent pre-funding for the recipient and treasury-fee accounts, then
// execute_withdrawal.
func (p *Pipeline) Execute(ctx context.Context, rec ledger.PendingWithdrawalRecord) (string, error) {
	attempt := uuid.New()
	log := p.Log.WithField("attempt", attempt.String()).WithField("record", rec.ID)

	toppedRecipient, err := p.ensureRentExempt(ctx, rec.Recipient)
	if err != nil {
		return "", err
	}
	toppedTreasury, err := p.ensureRentExempt(ctx, p.Chain.TreasuryPubkey())
	if err != nil {
		return "", err
	}
	if toppedRecipient || toppedTreasury {
		log.Infof("withdraw: rent top-up sent, waiting %s before execute", settlementDelay)
		select {
		case <-time.After(settlementDelay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	txSig, err := p.Chain.ExecuteWithdrawal(ctx, rec.ID)
	if err != nil {
		return "", apierr.Wrap(apierr.Ledger, "withdrawal_execute_failed", "execute_withdrawal transaction failed", err)
	}
	log.Infof("withdraw: executed, tx=%s", txSig)
	return txSig, nil
}

// Start launches the background timelock scheduler. It must be called at
// most once per Pipeline.
func (p *Pipeline) Start(ctx context.Context) {
	go p.schedulerLoop(ctx)
}

func (p *Pipeline) schedulerLoop(ctx context.Context) {
	defer close(p.stopped)
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.runScheduledPass(ctx)
		case <-ctx.Done():
			return
		case <-p.closing:
			return
		}
	}
}

func (p *Pipeline) runScheduledPass(ctx context.Context) {
	records, err := p.Chain.ListPendingWithdrawals(ctx)
	if err != nil {
		p.Log.Errorf("withdraw: scheduler failed to list pending withdrawals: %v", err)
		return
	}
	now := time.Now().Unix()
	for _, rec := range records {
		if rec.Executed || rec.ExecuteAfter > now {
			continue
		}
		if _, err := p.Execute(ctx, rec); err != nil {
			p.Log.Errorf("withdraw: scheduled execution of %s failed: %v", rec.ID, err)
		}
	}
}

// Stop halts the scheduler goroutine and waits for it to exit. Must only
// be called after Start.
func (p *Pipeline) Stop() {
	select {
	case <-p.closing:
	default:
		close(p.closing)
	}
	<-p.stopped
}
