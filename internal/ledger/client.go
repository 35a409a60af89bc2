package ledger

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/mr-tron/base58"
	"github.com/sirupsen/logrus"

	"github.com/synnergy-network/veil-relayer/internal/apierr"
	"github.com/synnergy-network/veil-relayer/internal/field"
)

// paymentVerifyAttempts/Backoff bound payment confirmation retries, which
// must tolerate slow propagation before giving up.
const (
	paymentVerifyAttempts = 10
	paymentVerifyBackoff  = 2 * time.Second

	submitConfirmAttempts = 10
	submitConfirmBackoff  = 500 * time.Millisecond
)

// Client is the concrete Adapter, a thin JSON-RPC 2.0 caller over a
// Solana-shaped ledger endpoint.
type Client struct {
	rpc *rpc.Client

	depositSigner  ed25519.PrivateKey
	depositPubkey  [32]byte
	treasurySigner ed25519.PrivateKey // nil if the deposit wallet doubles as treasury
	treasuryPubkey [32]byte

	poolProgramID     [32]byte
	verifierProgramID [32]byte

	log *logrus.Logger
}

// Dial connects to rpcURL. treasurySigner may be nil, in which case the
// deposit wallet's public key is used as the treasury address too, with
// a visible warning logged so the simplification isn't silent.
func Dial(ctx context.Context, rpcURL string, depositSigner, treasurySigner ed25519.PrivateKey, poolProgramID, verifierProgramID [32]byte, log *logrus.Logger) (*Client, error) {
	c, err := rpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, apierr.Wrap(apierr.Fatal, "ledger_dial", "connect to ledger RPC endpoint", err)
	}
	cl := &Client{
		rpc:               c,
		depositSigner:     depositSigner,
		poolProgramID:     poolProgramID,
		verifierProgramID: verifierProgramID,
		log:               log,
	}
	copy(cl.depositPubkey[:], depositSigner.Public().(ed25519.PublicKey))
	if treasurySigner != nil {
		cl.treasurySigner = treasurySigner
		copy(cl.treasuryPubkey[:], treasurySigner.Public().(ed25519.PublicKey))
	} else {
		cl.treasuryPubkey = cl.depositPubkey
		log.Warn("ledger: no treasury keypair configured, deposit wallet doubles as treasury")
	}
	return cl, nil
}

func (c *Client) TreasuryPubkey() [32]byte { return c.treasuryPubkey }
func (c *Client) DepositPubkey() [32]byte  { return c.depositPubkey }

// --- blockhash / submit / confirm plumbing ---

type blockhashResult struct {
	Value struct {
		Blockhash string `json:"blockhash"`
	} `json:"value"`
}

func (c *Client) getLatestBlockhash(ctx context.Context) ([32]byte, error) {
	var res blockhashResult
	if err := c.rpc.CallContext(ctx, &res, "getLatestBlockhash"); err != nil {
		return [32]byte{}, apierr.Wrap(apierr.Ledger, "rpc_blockhash", "fetch recent blockhash", err)
	}
	raw, err := base58.Decode(res.Value.Blockhash)
	if err != nil || len(raw) != 32 {
		return [32]byte{}, apierr.New(apierr.Ledger, "rpc_blockhash_decode", "malformed blockhash from RPC")
	}
	var out [32]byte
	copy(out[:], raw)
	return out, nil
}

// authorPool signs and submits instructions with the deposit wallet only —
// there is no parameter accepting any other signer, which enforces the
// single-wallet invariant at the type level rather than by convention.
func (c *Client) authorPool(ctx context.Context, instructions ...Instruction) (string, error) {
	bh, err := c.getLatestBlockhash(ctx)
	if err != nil {
		return "", err
	}
	msg := Message{FeePayer: c.depositPubkey, RecentBlockhash: bh, Instructions: instructions}
	tx := signTransaction(msg, c.depositSigner)
	return c.submitAndConfirm(ctx, tx)
}

type sendTxResult string

func (c *Client) submitAndConfirm(ctx context.Context, tx Transaction) (string, error) {
	raw := append(append([]byte{}, tx.Signatures[0]...), serializeMessage(tx.Message)...)
	encoded := base64.StdEncoding.EncodeToString(raw)

	var sig sendTxResult
	if err := c.rpc.CallContext(ctx, &sig, "sendTransaction", encoded); err != nil {
		return "", apierr.Wrap(apierr.Ledger, "rpc_send_tx", "submit transaction", err)
	}
	txSig := string(sig)

	err := withRetry(ctx, submitConfirmAttempts, submitConfirmBackoff, func() error {
		confirmed, cerr := c.signatureConfirmed(ctx, txSig)
		if cerr != nil {
			return cerr
		}
		if !confirmed {
			return fmt.Errorf("transaction %s not yet confirmed", txSig)
		}
		return nil
	})
	if err != nil {
		return "", apierr.Wrap(apierr.Ledger, "rpc_confirm_tx", "wait for transaction commitment", err)
	}
	return txSig, nil
}

type signatureStatusesResult struct {
	Value []*struct {
		ConfirmationStatus string `json:"confirmationStatus"`
		Err                 any    `json:"err"`
	} `json:"value"`
}

func (c *Client) signatureConfirmed(ctx context.Context, sig string) (bool, error) {
	var res signatureStatusesResult
	if err := c.rpc.CallContext(ctx, &res, "getSignatureStatuses", []string{sig}); err != nil {
		return false, apierr.Wrap(apierr.Ledger, "rpc_sig_status", "query signature status", err)
	}
	if len(res.Value) == 0 || res.Value[0] == nil {
		return false, nil
	}
	if res.Value[0].Err != nil {
		return false, apierr.New(apierr.Ledger, "tx_rejected", "transaction was rejected on-chain")
	}
	return res.Value[0].ConfirmationStatus == "confirmed" || res.Value[0].ConfirmationStatus == "finalized", nil
}

// --- verify_payment ---

type txResult struct {
	Meta *struct {
		Err          any      `json:"err"`
		PreBalances  []uint64 `json:"preBalances"`
		PostBalances []uint64 `json:"postBalances"`
	} `json:"meta"`
	Transaction *struct {
		Message struct {
			AccountKeys []string `json:"accountKeys"`
		} `json:"message"`
	} `json:"transaction"`
}

// VerifyPayment confirms that txSig committed, that payer is the
// transaction's fee payer, and that treasury's balance increased by at
// least minLamports — the precondition enforced before issuing any blind
// signature, so a credit can never be minted for free.
func (c *Client) VerifyPayment(ctx context.Context, txSig string, payer, treasury [32]byte, minLamports uint64) (bool, error) {
	var res *txResult
	err := withRetry(ctx, paymentVerifyAttempts, paymentVerifyBackoff, func() error {
		var r txResult
		if cerr := c.rpc.CallContext(ctx, &r, "getTransaction", txSig, map[string]string{"encoding": "json"}); cerr != nil {
			return cerr
		}
		if r.Meta == nil || r.Transaction == nil {
			return fmt.Errorf("transaction %s not yet visible", txSig)
		}
		res = &r
		return nil
	})
	if err != nil {
		return false, apierr.Wrap(apierr.Ledger, "rpc_get_tx", "fetch payment transaction", err)
	}
	if res.Meta.Err != nil {
		return false, nil
	}

	keys := res.Transaction.Message.AccountKeys
	if len(keys) == 0 {
		return false, apierr.New(apierr.Ledger, "tx_malformed", "transaction carries no account keys")
	}
	feePayerKey, err := base58.Decode(keys[0])
	if err != nil || len(feePayerKey) != 32 {
		return false, apierr.New(apierr.Ledger, "tx_malformed", "malformed fee payer key")
	}
	var feePayer [32]byte
	copy(feePayer[:], feePayerKey)
	if feePayer != payer {
		return false, nil
	}

	treasuryIdx := -1
	for i, k := range keys {
		raw, derr := base58.Decode(k)
		if derr != nil || len(raw) != 32 {
			continue
		}
		var addr [32]byte
		copy(addr[:], raw)
		if addr == treasury {
			treasuryIdx = i
			break
		}
	}
	if treasuryIdx < 0 || treasuryIdx >= len(res.Meta.PreBalances) || treasuryIdx >= len(res.Meta.PostBalances) {
		return false, nil
	}
	pre, post := res.Meta.PreBalances[treasuryIdx], res.Meta.PostBalances[treasuryIdx]
	if post < pre {
		return false, nil
	}
	return post-pre >= minLamports, nil
}

// --- account fetch ---

type accountInfoResult struct {
	Value *struct {
		Lamports uint64   `json:"lamports"`
		Owner    string   `json:"owner"`
		Data     []string `json:"data"`
	} `json:"value"`
}

func (c *Client) FetchAccount(ctx context.Context, pubkey [32]byte) (AccountView, error) {
	var res accountInfoResult
	addr := base58.Encode(pubkey[:])
	if err := c.rpc.CallContext(ctx, &res, "getAccountInfo", addr, map[string]string{"encoding": "base64"}); err != nil {
		return AccountView{}, apierr.Wrap(apierr.Ledger, "rpc_get_account", "fetch account info", err)
	}
	if res.Value == nil {
		return AccountView{Pubkey: pubkey}, nil
	}
	var data []byte
	if len(res.Value.Data) > 0 {
		d, derr := base64.StdEncoding.DecodeString(res.Value.Data[0])
		if derr != nil {
			return AccountView{}, apierr.New(apierr.Ledger, "account_data_decode", "malformed account data encoding")
		}
		data = d
	}
	var owner [32]byte
	if raw, oerr := base58.Decode(res.Value.Owner); oerr == nil && len(raw) == 32 {
		copy(owner[:], raw)
	}
	return AccountView{
		Pubkey:   pubkey,
		Lamports: res.Value.Lamports,
		Owner:    owner,
		Data:     data,
		Exists:   true,
	}, nil
}

// --- rent top-up ---

// TransferLamports issues a system-transfer from the deposit wallet to to,
// used for rent pre-funding. Like every pool-facing write, it always
// signs with the deposit wallet.
func (c *Client) TransferLamports(ctx context.Context, to [32]byte, lamports uint64) (string, error) {
	data := make([]byte, 8)
	binary.LittleEndian.PutUint64(data, lamports)
	ix := Instruction{
		ProgramID: systemProgramID,
		Accounts: []AccountMeta{
			{Pubkey: c.depositPubkey, IsSigner: true, IsWritable: true},
			{Pubkey: to, IsSigner: false, IsWritable: true},
		},
		Data: data,
	}
	return c.authorPool(ctx, ix)
}

var systemProgramID = [32]byte{} // the all-zero system program address

// --- pool-facing writes ---

func encodeDeposit(bucket int, commitment field.Element, tokenHash [32]byte, encryptedNote []byte, newRoot field.Element) []byte {
	cb := field.Bytes32(commitment)
	rb := field.Bytes32(newRoot)
	data := make([]byte, 0, 1+32+32+32+4+len(encryptedNote))
	data = append(data, byte(bucket))
	data = append(data, cb[:]...)
	data = append(data, tokenHash[:]...)
	data = append(data, rb[:]...)
	noteLen := make([]byte, 4)
	binary.LittleEndian.PutUint32(noteLen, uint32(len(encryptedNote)))
	data = append(data, noteLen...)
	data = append(data, encryptedNote...)
	return data
}

func (c *Client) SubmitDeposit(ctx context.Context, bucket int, commitment field.Element, tokenHash [32]byte, encryptedNote []byte, newRoot field.Element) (string, error) {
	poolState := derivePDA(c.poolProgramID, bucketSeed(bucket))
	ix := Instruction{
		ProgramID: c.poolProgramID,
		Accounts: []AccountMeta{
			{Pubkey: c.depositPubkey, IsSigner: true, IsWritable: true},
			{Pubkey: poolState, IsSigner: false, IsWritable: true},
		},
		Data: encodeDeposit(bucket, commitment, tokenHash, encryptedNote, newRoot),
	}
	return c.authorPool(ctx, ix)
}

func encodeWithdrawalRequest(req WithdrawalRequest) []byte {
	var buf []byte
	buf = append(buf, byte(req.Bucket))
	buf = append(buf, uint32Bytes(uint32(len(req.ProofA)))...)
	buf = append(buf, req.ProofA...)
	buf = append(buf, uint32Bytes(uint32(len(req.ProofB)))...)
	buf = append(buf, req.ProofB...)
	buf = append(buf, uint32Bytes(uint32(len(req.ProofC)))...)
	buf = append(buf, req.ProofC...)
	mr := field.Bytes32(req.MerkleRoot)
	nh := field.Bytes32(req.NullifierHash)
	bh := field.Bytes32(req.BindingHash)
	buf = append(buf, mr[:]...)
	buf = append(buf, nh[:]...)
	buf = append(buf, req.Recipient[:]...)
	buf = append(buf, uint64Bytes(req.Amount)...)
	buf = append(buf, req.RelayerPubkey[:]...)
	buf = append(buf, uint64Bytes(req.Fee)...)
	buf = append(buf, bh[:]...)
	buf = append(buf, uint64Bytes(req.DelaySeconds)...)
	return buf
}

func uint32Bytes(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func uint64Bytes(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

func (c *Client) RequestWithdrawal(ctx context.Context, req WithdrawalRequest) (string, error) {
	nh := field.Bytes32(req.NullifierHash)
	pending := derivePDA(c.verifierProgramID, pendingWithdrawalSeed(nh[:]))
	ix := Instruction{
		ProgramID: c.verifierProgramID,
		Accounts: []AccountMeta{
			{Pubkey: c.depositPubkey, IsSigner: true, IsWritable: true},
			{Pubkey: pending, IsSigner: false, IsWritable: true},
		},
		Data: encodeWithdrawalRequest(req),
	}
	if _, err := c.authorPool(ctx, ix); err != nil {
		return "", err
	}
	return base58.Encode(pending[:]), nil
}

func (c *Client) ExecuteWithdrawal(ctx context.Context, recordID string) (string, error) {
	raw, err := base58.Decode(recordID)
	if err != nil || len(raw) != 32 {
		return "", apierr.New(apierr.ProtocolInput, "bad_record_id", "malformed pending withdrawal record id")
	}
	var pending [32]byte
	copy(pending[:], raw)
	ix := Instruction{
		ProgramID: c.verifierProgramID,
		Accounts: []AccountMeta{
			{Pubkey: c.depositPubkey, IsSigner: true, IsWritable: true},
			{Pubkey: pending, IsSigner: false, IsWritable: true},
		},
		Data: []byte{0x01}, // execute_withdrawal discriminant
	}
	return c.authorPool(ctx, ix)
}

// --- reads: pool state, pending withdrawals, reconciliation ---

type poolState struct {
	NextIndex uint32
	Root      field.Element
}

func decodePoolState(data []byte) (poolState, bool) {
	if len(data) < 4+32 {
		return poolState{}, false
	}
	var ps poolState
	ps.NextIndex = binary.LittleEndian.Uint32(data[:4])
	ps.Root.SetBytes(data[4 : 4+32])
	return ps, true
}

func (c *Client) fetchPoolState(ctx context.Context, bucket int) (poolState, error) {
	addr := derivePDA(c.poolProgramID, bucketSeed(bucket))
	acc, err := c.FetchAccount(ctx, addr)
	if err != nil {
		return poolState{}, err
	}
	if !acc.Exists {
		return poolState{}, nil
	}
	ps, ok := decodePoolState(acc.Data)
	if !ok {
		return poolState{}, apierr.New(apierr.Ledger, "pool_state_malformed", "pool account data too short")
	}
	return ps, nil
}

func (c *Client) PoolSize(ctx context.Context, bucket int) (uint32, error) {
	ps, err := c.fetchPoolState(ctx, bucket)
	if err != nil {
		return 0, err
	}
	return ps.NextIndex, nil
}

func (c *Client) PoolRoot(ctx context.Context, bucket int) (field.Element, error) {
	ps, err := c.fetchPoolState(ctx, bucket)
	if err != nil {
		return field.Element{}, err
	}
	return ps.Root, nil
}

func (c *Client) PoolNextIndex(ctx context.Context, bucket int) (uint32, error) {
	return c.PoolSize(ctx, bucket)
}

type programAccountsResult []struct {
	Pubkey  string `json:"pubkey"`
	Account struct {
		Data []string `json:"data"`
	} `json:"account"`
}

func decodePendingWithdrawal(pubkey string, data []byte) (PendingWithdrawalRecord, bool) {
	if len(data) < 1+32+32+8+8+8+1 {
		return PendingWithdrawalRecord{}, false
	}
	var r PendingWithdrawalRecord
	r.ID = pubkey
	r.Bucket = int(data[0])
	off := 1
	r.NullifierHash.SetBytes(data[off : off+32])
	off += 32
	copy(r.Recipient[:], data[off:off+32])
	off += 32
	r.Amount = binary.LittleEndian.Uint64(data[off : off+8])
	off += 8
	r.Fee = binary.LittleEndian.Uint64(data[off : off+8])
	off += 8
	r.ExecuteAfter = int64(binary.LittleEndian.Uint64(data[off : off+8]))
	off += 8
	r.Executed = data[off] != 0
	return r, true
}

func (c *Client) ListPendingWithdrawals(ctx context.Context) ([]PendingWithdrawalRecord, error) {
	var res programAccountsResult
	addr := base58.Encode(c.verifierProgramID[:])
	if err := c.rpc.CallContext(ctx, &res, "getProgramAccounts", addr, map[string]string{"encoding": "base64"}); err != nil {
		return nil, apierr.Wrap(apierr.Ledger, "rpc_program_accounts", "list pending withdrawals", err)
	}
	out := make([]PendingWithdrawalRecord, 0, len(res))
	for _, acc := range res {
		if len(acc.Account.Data) == 0 {
			continue
		}
		data, derr := base64.StdEncoding.DecodeString(acc.Account.Data[0])
		if derr != nil {
			continue
		}
		rec, ok := decodePendingWithdrawal(acc.Pubkey, data)
		if !ok {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// RecentDepositCommitments enumerates deposit-commitment records for bucket
// at index >= sinceIndex, bounded by scanThreshold: if more than
// scanThreshold records would need replay, the scan aborts and reports
// truncated=true so the caller can fall back to local state as
// authoritative.
func (c *Client) RecentDepositCommitments(ctx context.Context, bucket int, sinceIndex uint32, scanThreshold int) ([]field.Element, bool, error) {
	var res programAccountsResult
	addr := base58.Encode(c.poolProgramID[:])
	if err := c.rpc.CallContext(ctx, &res, "getProgramAccounts", addr, map[string]string{"encoding": "base64"}); err != nil {
		return nil, false, apierr.Wrap(apierr.Ledger, "rpc_program_accounts", "scan deposit commitments", err)
	}

	type indexed struct {
		index      uint32
		commitment field.Element
	}
	var found []indexed
	for _, acc := range res {
		if len(acc.Account.Data) == 0 {
			continue
		}
		data, derr := base64.StdEncoding.DecodeString(acc.Account.Data[0])
		if derr != nil || len(data) < 1+4+32 {
			continue
		}
		if int(data[0]) != bucket {
			continue
		}
		idx := binary.LittleEndian.Uint32(data[1:5])
		if idx < sinceIndex {
			continue
		}
		var commitment field.Element
		commitment.SetBytes(data[5:37])
		found = append(found, indexed{index: idx, commitment: commitment})
	}

	if len(found) > scanThreshold {
		return nil, true, nil
	}
	sort.Slice(found, func(i, j int) bool { return found[i].index < found[j].index })
	out := make([]field.Element, len(found))
	for i, f := range found {
		out[i] = f.commitment
	}
	return out, false, nil
}
