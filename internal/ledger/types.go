// Package ledger isolates every other component from the external ledger
// runtime: a generic JSON-RPC 2.0 client addressing a Solana-shaped chain
// (lamports, program-owned accounts, a fee-payer/signer transaction model),
// reached only through this adapter's narrow interface.
//
// Grounded on core/ledger.go's WAL/snapshot Ledger for persisted-state
// shape and core/connection_pool.go's reaper() for the background polling
// idiom reused by the withdrawal scheduler; the transport itself is
// github.com/ethereum/go-ethereum/rpc, whose Client.CallContext is a
// protocol-agnostic JSON-RPC 2.0 caller already present as a teacher
// dependency (pulled in transitively through core/ledger.go's rlp import),
// promoted here to direct, exercised use.
package ledger

import (
	"context"

	"github.com/synnergy-network/veil-relayer/internal/field"
)

// AccountView is the balance/data view of one ledger account.
type AccountView struct {
	Pubkey   [32]byte
	Lamports uint64
	Owner    [32]byte
	Data     []byte
	Exists   bool
}

// PendingWithdrawalRecord mirrors a pending-withdrawal account's fields
// as returned by list_pending_withdrawals.
type PendingWithdrawalRecord struct {
	ID            string
	Bucket        int
	NullifierHash field.Element
	Recipient     [32]byte
	Amount        uint64
	Fee           uint64
	ExecuteAfter  int64
	Executed      bool
}

// WithdrawalRequest bundles the decoded request_withdrawal arguments.
type WithdrawalRequest struct {
	Bucket        int
	ProofA        []byte
	ProofB        []byte
	ProofC        []byte
	MerkleRoot    field.Element
	NullifierHash field.Element
	Recipient     [32]byte
	Amount        uint64
	RelayerPubkey [32]byte
	Fee           uint64
	BindingHash   field.Element
	DelaySeconds  uint64
}

// Adapter is the full set of ledger operations consumed by the deposit and
// withdrawal pipelines. It is implemented by *Client.
type Adapter interface {
	VerifyPayment(ctx context.Context, txSig string, payer, treasury [32]byte, minLamports uint64) (bool, error)
	SubmitDeposit(ctx context.Context, bucket int, commitment field.Element, tokenHash [32]byte, encryptedNote []byte, newRoot field.Element) (txSig string, err error)
	RequestWithdrawal(ctx context.Context, req WithdrawalRequest) (recordID string, err error)
	ExecuteWithdrawal(ctx context.Context, recordID string) (txSig string, err error)
	FetchAccount(ctx context.Context, pubkey [32]byte) (AccountView, error)
	ListPendingWithdrawals(ctx context.Context) ([]PendingWithdrawalRecord, error)
	PoolSize(ctx context.Context, bucket int) (uint32, error)
	PoolRoot(ctx context.Context, bucket int) (field.Element, error)
	TransferLamports(ctx context.Context, to [32]byte, lamports uint64) (txSig string, err error)
	PoolNextIndex(ctx context.Context, bucket int) (uint32, error)
	RecentDepositCommitments(ctx context.Context, bucket int, sinceIndex uint32, scanThreshold int) (commitments []field.Element, truncated bool, err error)
	TreasuryPubkey() [32]byte
	DepositPubkey() [32]byte
}
