// Package creditsign implements the credit-signing pipeline: verify that
// the client's payment transaction actually paid the treasury enough,
// enforce that a given payment transaction signature funds at most one
// blind signature, and blind-sign the client's token.
//
// Without payment_tx single-use enforcement, redeeming the same payment
// signature more than once would let one payment fund unlimited credits,
// so this package reuses internal/tokenstore's hash-set primitive, keyed
// on the payment transaction signature, as a second independent keyspace
// from the deposit token-id store.
package creditsign

import (
	"context"
	"encoding/hex"
	"math/big"

	"github.com/synnergy-network/veil-relayer/internal/apierr"
	"github.com/synnergy-network/veil-relayer/internal/blindsign"
	"github.com/synnergy-network/veil-relayer/internal/ledger"
	"github.com/synnergy-network/veil-relayer/internal/tokenstore"
)

// Engine wires together payment verification, payment replay prevention,
// and blind signing.
type Engine struct {
	Signer        *blindsign.Engine
	PaymentTokens *tokenstore.Store
	Chain         ledger.Adapter
	FeeBps        uint64
}

// Result is returned to the client on a successful /sign call.
type Result struct {
	SignatureHex string
}

// Sign verifies paymentTx paid at least amount + amount*fee_bps/10000 to
// the treasury from payer, then blind-signs blindedHex.
func (e *Engine) Sign(ctx context.Context, blindedHex string, amount uint64, paymentTx string, payer [32]byte) (Result, error) {
	blindedRaw, err := hex.DecodeString(blindedHex)
	if err != nil {
		return Result{}, apierr.New(apierr.ProtocolInput, "bad_blinded_token", "blinded_token must be hex-encoded")
	}
	blinded := new(big.Int).SetBytes(blindedRaw)

	minLamports := amount + (amount*e.FeeBps)/10000
	ok, err := e.Chain.VerifyPayment(ctx, paymentTx, payer, e.Chain.TreasuryPubkey(), minLamports)
	if err != nil {
		return Result{}, apierr.Wrap(apierr.Ledger, "payment_verify_failed", "could not verify payment transaction", err)
	}
	if !ok {
		return Result{}, apierr.New(apierr.AuthCredit, "payment_underpaid", "payment transaction did not pay the required amount")
	}

	h := tokenstore.HashBytes([]byte(paymentTx))
	outcome, err := e.PaymentTokens.Insert(h)
	if err != nil {
		return Result{}, err
	}
	if outcome == tokenstore.AlreadyPresent {
		return Result{}, apierr.New(apierr.AuthCredit, "payment_already_redeemed", "payment transaction has already funded a credit")
	}

	sig, err := e.Signer.BlindSign(blinded)
	if err != nil {
		_ = e.PaymentTokens.Remove(h)
		return Result{}, apierr.Wrap(apierr.Crypto, "blind_sign_failed", "blind signing failed", err)
	}
	return Result{SignatureHex: hex.EncodeToString(sig.Bytes())}, nil
}
