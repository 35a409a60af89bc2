// Package tokenstore implements the used-token store: an at-most-once
// redemption set of 32-byte hashes, persisted to disk with write-rename
// atomicity and a checksum that must validate before the store will load.
//
// Grounded on core/escrow.go's load-mutate-persist-JSON idiom and
// core/ledger.go's snapshot-then-replace pattern, generalized to a
// stricter crash-atomicity guarantee: the original snapshot() writes
// directly to the live path, which is not atomic across a crash, so here
// every mutation instead writes to a sibling .tmp file, fsyncs, and
// renames into place.
package tokenstore

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/synnergy-network/veil-relayer/internal/apierr"
)

// Hash is the SHA-256 digest of a credit token id: H(token_id).
type Hash [32]byte

// Outcome distinguishes the possible results of Insert.
type Outcome int

const (
	// insertFailed is returned alongside a non-nil error, so callers that
	// check err first never observe it as a meaningful outcome.
	insertFailed Outcome = iota
	Inserted
	AlreadyPresent
)

// Store is the exclusive owner of the used-token set. A single mutex spans
// contains+insert+persist — correctness of double-spend prevention depends
// on never reporting Inserted before the write has durably landed.
type Store struct {
	mu       sync.Mutex
	set      map[Hash]struct{}
	dataPath string
	sumPath  string
	log      *logrus.Logger
}

// Open loads the store from dataPath/sumPath (siblings, e.g.
// "used_tokens.dat" / "used_tokens.checksum"). A missing pair starts an
// empty store; a present pair with a checksum mismatch is a fatal error —
// the store's entire purpose is preventing double redemption, so silently
// treating a corrupt file as empty would defeat it.
func Open(dataPath, sumPath string, log *logrus.Logger) (*Store, error) {
	s := &Store{
		set:      make(map[Hash]struct{}),
		dataPath: dataPath,
		sumPath:  sumPath,
		log:      log,
	}

	data, err := os.ReadFile(dataPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Infof("tokenstore: no existing state at %s, starting empty", dataPath)
			return s, nil
		}
		return nil, apierr.Wrap(apierr.Persistence, "tokenstore_read", "read token store data", err)
	}
	sum, err := os.ReadFile(sumPath)
	if err != nil {
		return nil, apierr.Wrap(apierr.Fatal, "tokenstore_checksum_missing", "token store data present without checksum", err)
	}
	want := sha256.Sum256(data)
	if !bytes.Equal(sum, want[:]) {
		return nil, apierr.New(apierr.Fatal, "tokenstore_checksum_mismatch", "token store checksum disagrees with data; refusing to start")
	}
	if len(data)%32 != 0 {
		return nil, apierr.New(apierr.Fatal, "tokenstore_corrupt", "token store data length is not a multiple of 32")
	}
	for i := 0; i+32 <= len(data); i += 32 {
		var h Hash
		copy(h[:], data[i:i+32])
		s.set[h] = struct{}{}
	}
	log.Infof("tokenstore: loaded %d used tokens from %s", len(s.set), dataPath)
	return s, nil
}

// Contains reports whether h has already been redeemed.
func (s *Store) Contains(h Hash) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.set[h]
	return ok
}

// Insert atomically checks-and-inserts h. If h is already present it
// returns AlreadyPresent and leaves the store untouched. On a persistence
// failure it returns an error and h is NOT considered inserted — the
// caller must treat the redemption as failed.
func (s *Store) Insert(h Hash) (Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.set[h]; ok {
		return AlreadyPresent, nil
	}

	s.set[h] = struct{}{}
	if err := s.persistLocked(); err != nil {
		delete(s.set, h)
		return insertFailed, apierr.Wrap(apierr.Persistence, "tokenstore_persist", "persist used token", err)
	}
	return Inserted, nil
}

// Remove undoes a previously successful Insert, used by the deposit
// pipeline's commit-or-compensate rollback when a later pipeline step
// fails. It is a no-op if h is not present.
func (s *Store) Remove(h Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.set[h]; !ok {
		return nil
	}
	delete(s.set, h)
	if err := s.persistLocked(); err != nil {
		s.set[h] = struct{}{}
		return apierr.Wrap(apierr.Persistence, "tokenstore_persist", "persist used token removal", err)
	}
	return nil
}

// persistLocked must be called with mu held. It serializes the full set as
// sorted 32-byte records (deterministic output, so successive snapshots of
// an unchanged set produce byte-identical files) and writes data+checksum
// with write-rename atomicity.
func (s *Store) persistLocked() error {
	hashes := make([]Hash, 0, len(s.set))
	for h := range s.set {
		hashes = append(hashes, h)
	}
	sortHashes(hashes)

	buf := make([]byte, 0, len(hashes)*32)
	for _, h := range hashes {
		buf = append(buf, h[:]...)
	}
	sum := sha256.Sum256(buf)

	if err := atomicWrite(s.dataPath, buf); err != nil {
		return fmt.Errorf("write data: %w", err)
	}
	if err := atomicWrite(s.sumPath, sum[:]); err != nil {
		return fmt.Errorf("write checksum: %w", err)
	}
	return nil
}

func sortHashes(hs []Hash) {
	// Insertion sort is fine here: the set is bounded by real redemption
	// volume and this only runs on the mutation path, not reads.
	for i := 1; i < len(hs); i++ {
		for j := i; j > 0 && bytes.Compare(hs[j][:], hs[j-1][:]) < 0; j-- {
			hs[j], hs[j-1] = hs[j-1], hs[j]
		}
	}
}

// atomicWrite writes data to a sibling ".tmp" file, fsyncs it, then renames
// it over path — so path is either absent/old or fully new, never partial.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	if dirF, err := os.Open(dir); err == nil {
		_ = dirF.Sync()
		_ = dirF.Close()
	}
	return nil
}

// Len returns the number of redeemed tokens currently tracked.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.set)
}

// HashToken computes H(token_id) = SHA-256(token_id).
func HashToken(tokenID [32]byte) Hash {
	return sha256.Sum256(tokenID[:])
}

// HashBytes hashes an arbitrary byte string, for callers keying a second
// redemption keyspace off something other than a fixed 32-byte token id
// (e.g. a payment transaction signature).
func HashBytes(b []byte) Hash {
	sum := sha256.Sum256(b)
	var h Hash
	copy(h[:], sum[:])
	return h
}
