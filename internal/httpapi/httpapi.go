// Package httpapi is the operator-facing HTTP surface: one thin handler per
// endpoint that decodes the request, calls into the components, and encodes
// the reply — no protocol logic lives here. Most handlers make a single
// component call; /withdraw/execute first lists pending records through the
// ledger adapter to find the one matching the nullifier hash and then calls
// withdraw.Pipeline.Execute, and /info and /pools read several components.
//
// Grounded on walletserver/controllers/wallet_controller.go's
// decode-call-encode handler shape and cmd/xchainserver/server/handlers.go's
// writeJSON helper and mux.Vars path-parameter use; the access-log
// middleware is grounded on walletserver/middleware/logger.go's Logger,
// generalized to structured logrus fields the way
// cmd/xchainserver/server/middleware.go's RequestLogger already does.
package httpapi

import (
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/mr-tron/base58"
	"github.com/sirupsen/logrus"

	"github.com/synnergy-network/veil-relayer/internal/apierr"
	"github.com/synnergy-network/veil-relayer/internal/blindsign"
	"github.com/synnergy-network/veil-relayer/internal/boxkey"
	"github.com/synnergy-network/veil-relayer/internal/creditsign"
	"github.com/synnergy-network/veil-relayer/internal/deposit"
	"github.com/synnergy-network/veil-relayer/internal/field"
	"github.com/synnergy-network/veil-relayer/internal/ledger"
	"github.com/synnergy-network/veil-relayer/internal/merkletree"
	"github.com/synnergy-network/veil-relayer/internal/withdraw"
	"github.com/synnergy-network/veil-relayer/pkg/config"
)

// Server holds every component a handler might call.
type Server struct {
	Deposit  *deposit.Pipeline
	Withdraw *withdraw.Pipeline
	Sign     *creditsign.Engine
	Trees    *merkletree.Service
	Chain    ledger.Adapter
	Blind    *blindsign.Engine
	Box      *boxkey.KeyPair
	Buckets  []config.Bucket
	FeeBps   uint64
	Log      *logrus.Logger
}

// Router builds the gorilla/mux router with every endpoint wired and the
// access-log middleware applied.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(s.accessLog)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/info", s.handleInfo).Methods(http.MethodGet)
	r.HandleFunc("/sign", s.handleSign).Methods(http.MethodPost)
	r.HandleFunc("/deposit", s.handleDeposit).Methods(http.MethodPost)
	r.HandleFunc("/withdraw", s.handleWithdraw).Methods(http.MethodPost)
	r.HandleFunc("/withdraw/execute", s.handleWithdrawExecute).Methods(http.MethodPost)
	r.HandleFunc("/withdraw/pending", s.handleWithdrawPending).Methods(http.MethodGet)
	r.HandleFunc("/pools", s.handlePools).Methods(http.MethodGet)
	r.HandleFunc("/pools/{bucket}", s.handlePoolByBucket).Methods(http.MethodGet)
	r.HandleFunc("/proof/{bucket}/{leaf_index}", s.handleProof).Methods(http.MethodGet)
	r.HandleFunc("/commitment/{bucket}/{leaf_index}", s.handleCommitment).Methods(http.MethodGet)
	return r
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.Log.WithFields(logrus.Fields{"method": r.Method, "path": r.URL.Path}).Info("http request")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError encodes err uniformly as {success:false, error:<code>},
// translating its apierr.Category to an HTTP status.
func writeError(w http.ResponseWriter, err error) {
	apiErr, ok := apierr.As(err)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "error": "internal_error"})
		return
	}
	status := http.StatusBadRequest
	switch apiErr.Category {
	case apierr.ProtocolInput:
		status = http.StatusBadRequest
	case apierr.AuthCredit:
		status = http.StatusForbidden
	case apierr.Concurrency:
		status = http.StatusConflict
	case apierr.Crypto:
		status = http.StatusBadRequest
	case apierr.Persistence, apierr.Ledger:
		status = http.StatusBadGateway
	case apierr.Fatal:
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, map[string]any{"success": false, "error": apiErr.Code, "message": apiErr.Message})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	nHex, eHex := s.Blind.PublicHex()
	pub, err := s.Box.PublicBytes()
	if err != nil {
		writeError(w, err)
		return
	}
	treasury := s.Chain.TreasuryPubkey()
	writeJSON(w, http.StatusOK, map[string]any{
		"rsa_n":            nHex,
		"rsa_e":            eHex,
		"ecdh_pubkey":      hex.EncodeToString(pub),
		"treasury_address": base58.Encode(treasury[:]),
		"fee_bps":          s.FeeBps,
		"buckets":          s.Buckets,
	})
}

func (s *Server) handleSign(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BlindedToken string `json:"blinded_token"`
		Amount       uint64 `json:"amount"`
		PaymentTx    string `json:"payment_tx"`
		Payer        string `json:"payer"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "bad_request_body"})
		return
	}
	payerRaw, err := base58.Decode(req.Payer)
	if err != nil || len(payerRaw) != 32 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "bad_payer_address"})
		return
	}
	var payer [32]byte
	copy(payer[:], payerRaw)

	res, err := s.Sign.Sign(r.Context(), req.BlindedToken, req.Amount, req.PaymentTx, payer)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "signature": res.SignatureHex})
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var env deposit.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "bad_request_body"})
		return
	}
	res, err := s.Deposit.Deposit(r.Context(), env)
	if err != nil {
		writeError(w, err)
		return
	}
	rootBytes := field.Bytes32(res.Root)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"tx_signature": res.TxSignature,
		"leaf_index":   res.LeafIndex,
		"merkle_root":  hex.EncodeToString(rootBytes[:]),
	})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Bucket        int    `json:"bucket"`
		ProofA        string `json:"proof_a"`
		ProofB        string `json:"proof_b"`
		ProofC        string `json:"proof_c"`
		MerkleRoot    string `json:"merkle_root"`
		NullifierHash string `json:"nullifier_hash"`
		Recipient     string `json:"recipient"`
		Amount        uint64 `json:"amount"`
		RelayerPubkey string `json:"relayer_pubkey"`
		Fee           uint64 `json:"fee"`
		BindingHash   string `json:"binding_hash"`
		DelaySeconds  uint64 `json:"delay_seconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "bad_request_body"})
		return
	}

	wreq, err := decodeWithdrawalRequest(req.Bucket, req.ProofA, req.ProofB, req.ProofC, req.MerkleRoot,
		req.NullifierHash, req.Recipient, req.Amount, req.RelayerPubkey, req.Fee, req.BindingHash, req.DelaySeconds)
	if err != nil {
		writeError(w, err)
		return
	}

	res, err := s.Withdraw.Request(r.Context(), wreq)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "record_id": res.RecordID})
}

func decodeWithdrawalRequest(bucket int, proofA, proofB, proofC, merkleRootHex, nullifierHashHex, recipientHex string,
	amount uint64, relayerPubkeyHex string, fee uint64, bindingHashHex string, delaySeconds uint64) (ledger.WithdrawalRequest, error) {

	a, err1 := hex.DecodeString(proofA)
	b, err2 := hex.DecodeString(proofB)
	c, err3 := hex.DecodeString(proofC)
	if err1 != nil || err2 != nil || err3 != nil {
		return ledger.WithdrawalRequest{}, apierr.New(apierr.ProtocolInput, "bad_proof_encoding", "proof components must be hex-encoded")
	}

	root, err := decodeFieldHex(merkleRootHex)
	if err != nil {
		return ledger.WithdrawalRequest{}, apierr.New(apierr.ProtocolInput, "bad_merkle_root", "merkle_root must be hex-encoded")
	}
	nullifierHash, err := decodeFieldHex(nullifierHashHex)
	if err != nil {
		return ledger.WithdrawalRequest{}, apierr.New(apierr.ProtocolInput, "bad_nullifier_hash", "nullifier_hash must be hex-encoded")
	}
	bindingHash, err := decodeFieldHex(bindingHashHex)
	if err != nil {
		return ledger.WithdrawalRequest{}, apierr.New(apierr.ProtocolInput, "bad_binding_hash", "binding_hash must be hex-encoded")
	}
	recipient, err := decodeAddress(recipientHex)
	if err != nil {
		return ledger.WithdrawalRequest{}, apierr.New(apierr.ProtocolInput, "bad_recipient", "recipient must be a 32-byte hex address")
	}
	relayerPubkey, err := decodeAddress(relayerPubkeyHex)
	if err != nil {
		return ledger.WithdrawalRequest{}, apierr.New(apierr.ProtocolInput, "bad_relayer_pubkey", "relayer_pubkey must be a 32-byte hex address")
	}

	return ledger.WithdrawalRequest{
		Bucket:        bucket,
		ProofA:        a,
		ProofB:        b,
		ProofC:        c,
		MerkleRoot:    root,
		NullifierHash: nullifierHash,
		Recipient:     recipient,
		Amount:        amount,
		RelayerPubkey: relayerPubkey,
		Fee:           fee,
		BindingHash:   bindingHash,
		DelaySeconds:  delaySeconds,
	}, nil
}

func decodeFieldHex(s string) (field.Element, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return field.Element{}, err
	}
	var e field.Element
	e.SetBytes(raw)
	return e, nil
}

func decodeAddress(s string) ([32]byte, error) {
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != 32 {
		return [32]byte{}, apierr.New(apierr.ProtocolInput, "bad_address", "address must be 32 bytes hex-encoded")
	}
	var out [32]byte
	copy(out[:], raw)
	return out, nil
}

func (s *Server) handleWithdrawExecute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		NullifierHash string `json:"nullifier_hash"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "bad_request_body"})
		return
	}
	records, err := s.Chain.ListPendingWithdrawals(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	for _, rec := range records {
		nh := field.Bytes32(rec.NullifierHash)
		if hex.EncodeToString(nh[:]) != req.NullifierHash {
			continue
		}
		txSig, err := s.Withdraw.Execute(r.Context(), rec)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "tx_signature": txSig})
		return
	}
	writeJSON(w, http.StatusNotFound, map[string]any{"success": false, "error": "pending_record_not_found"})
}

func (s *Server) handleWithdrawPending(w http.ResponseWriter, r *http.Request) {
	records, err := s.Chain.ListPendingWithdrawals(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		nh := field.Bytes32(rec.NullifierHash)
		out = append(out, map[string]any{
			"id":             rec.ID,
			"bucket":         rec.Bucket,
			"nullifier_hash": hex.EncodeToString(nh[:]),
			"recipient":      hex.EncodeToString(rec.Recipient[:]),
			"amount":         rec.Amount,
			"fee":            rec.Fee,
			"execute_after":  rec.ExecuteAfter,
			"executed":       rec.Executed,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "pending": out})
}

func (s *Server) handlePools(w http.ResponseWriter, r *http.Request) {
	out := make([]map[string]any, 0, len(s.Buckets))
	for _, b := range s.Buckets {
		size, root, err := s.poolStatus(r, b.ID)
		if err != nil {
			writeError(w, err)
			return
		}
		out = append(out, map[string]any{"bucket": b.ID, "amount": b.Amount, "size": size, "root": root})
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "pools": out})
}

func (s *Server) handlePoolByBucket(w http.ResponseWriter, r *http.Request) {
	bucket, err := strconv.Atoi(mux.Vars(r)["bucket"])
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "bad_bucket"})
		return
	}
	size, root, err := s.poolStatus(r, bucket)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "bucket": bucket, "size": size, "root": root})
}

func (s *Server) poolStatus(r *http.Request, bucket int) (uint32, string, error) {
	size, err := s.Trees.Size(bucket)
	if err != nil {
		return 0, "", err
	}
	root, err := s.Trees.Root(bucket)
	if err != nil {
		return 0, "", err
	}
	rootBytes := field.Bytes32(root)
	return size, hex.EncodeToString(rootBytes[:]), nil
}

func (s *Server) handleProof(w http.ResponseWriter, r *http.Request) {
	bucket, leafIndex, err := bucketAndLeaf(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "bad_path_params"})
		return
	}
	proof, err := s.Trees.Proof(bucket, leafIndex)
	if err != nil {
		writeError(w, err)
		return
	}
	siblings := make([]string, len(proof.Siblings))
	for i, sib := range proof.Siblings {
		b := field.Bytes32(sib)
		siblings[i] = hex.EncodeToString(b[:])
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"siblings":  siblings,
		"path_bits": proof.PathBits,
	})
}

func (s *Server) handleCommitment(w http.ResponseWriter, r *http.Request) {
	bucket, leafIndex, err := bucketAndLeaf(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "bad_path_params"})
		return
	}
	leaf, err := s.Trees.Leaf(bucket, leafIndex)
	if err != nil {
		writeError(w, err)
		return
	}
	b := field.Bytes32(leaf)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "commitment": hex.EncodeToString(b[:])})
}

func bucketAndLeaf(r *http.Request) (int, uint32, error) {
	vars := mux.Vars(r)
	bucket, err := strconv.Atoi(vars["bucket"])
	if err != nil {
		return 0, 0, err
	}
	leafIndex, err := strconv.ParseUint(vars["leaf_index"], 10, 32)
	if err != nil {
		return 0, 0, err
	}
	return bucket, uint32(leafIndex), nil
}
