package ledger

import "crypto/sha256"

// derivePDA computes a deterministic program-derived address from a program
// id and a set of seeds. The real on-chain ledger program is out of scope
// for this repository; the relayer only needs a stable address to query
// via RPC, so this collapses the usual off-curve bump-seed search into a
// single SHA-256, documented as an implementer-defined simplification in
// DESIGN.md.
func derivePDA(programID [32]byte, seeds ...[]byte) [32]byte {
	h := sha256.New()
	h.Write(programID[:])
	for _, s := range seeds {
		h.Write(s)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func bucketSeed(bucket int) []byte {
	return []byte{'p', 'o', 'o', 'l', byte(bucket)}
}

func pendingWithdrawalSeed(nullifierHash []byte) []byte {
	return append([]byte("pending"), nullifierHash...)
}
