// Package merkletree implements one incremental Poseidon Merkle tree per
// fixed-denomination bucket: depth 20, zero-padded unused subtrees,
// O(depth) insert and proof generation, and disk persistence with the same
// write-rename-plus-checksum discipline as the used-token store.
//
// Grounded on core/merkle_tree_operations.go's build/proof/verify trio
// (there built over SHA-256 leaves, rebuilding the whole tree per call),
// generalized to Poseidon hashing via internal/field and to an incremental,
// per-level node cache so insert and proof stay O(depth) instead of O(n).
package merkletree

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/synnergy-network/veil-relayer/internal/apierr"
	"github.com/synnergy-network/veil-relayer/internal/field"
)

const (
	Depth     = 20
	MaxLeaves = 1 << Depth
)

// Proof is a Merkle inclusion proof: depth siblings and the corresponding
// path bits, path_bits[i] = (leaf_index >> i) & 1.
type Proof struct {
	Siblings [Depth]field.Element
	PathBits [Depth]bool
}

// bucket is one denomination's authoritative tree state.
type bucket struct {
	mu    sync.RWMutex
	zero  []field.Element   // Z[0..Depth], computed once in Open and shared by every bucket
	nodes [Depth + 1][]field.Element // nodes[l][j] = hash of node j at level l
	roots []field.Element   // ring buffer of the most recent roots, newest last
	dataPath string
	sumPath  string
	log      *logrus.Logger
	histCap  int
}

func newBucket(zero []field.Element, dataPath, sumPath string, histCap int, log *logrus.Logger) *bucket {
	b := &bucket{
		zero:     zero,
		dataPath: dataPath,
		sumPath:  sumPath,
		log:      log,
		histCap:  histCap,
	}
	for l := 0; l <= Depth; l++ {
		b.nodes[l] = nil
	}
	return b
}

// Service owns one bucket tree per configured denomination.
type Service struct {
	buckets []*bucket
	zero    []field.Element
}

// Open constructs a Service with one tree per bucket id in 0..numBuckets-1,
// loading each from stateDir/bucket_<id>.dat (+ .checksum) if present.
func Open(stateDir string, numBuckets int, historyCap int, log *logrus.Logger) (*Service, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, apierr.Wrap(apierr.Fatal, "merkle_state_dir", "create merkle state directory", err)
	}
	zero := field.ZeroChain(Depth)
	svc := &Service{zero: zero}
	for id := 0; id < numBuckets; id++ {
		dataPath := filepath.Join(stateDir, fmt.Sprintf("bucket_%d.dat", id))
		sumPath := filepath.Join(stateDir, fmt.Sprintf("bucket_%d.checksum", id))
		b := newBucket(zero, dataPath, sumPath, historyCap, log)
		if err := b.load(); err != nil {
			return nil, err
		}
		svc.buckets = append(svc.buckets, b)
	}
	return svc, nil
}

func (s *Service) bucketAt(id int) (*bucket, error) {
	if id < 0 || id >= len(s.buckets) {
		return nil, apierr.New(apierr.ProtocolInput, "unknown_bucket", "bucket id out of range")
	}
	return s.buckets[id], nil
}

// Insert appends leaf to bucket id and returns its assigned index along
// with the new root, persisting the change before returning.
func (s *Service) Insert(id int, leaf field.Element) (index uint32, root field.Element, err error) {
	b, err := s.bucketAt(id)
	if err != nil {
		return 0, field.Element{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.nodes[0]) >= MaxLeaves {
		return 0, field.Element{}, apierr.New(apierr.Concurrency, "bucket_full", "bucket has reached its maximum capacity")
	}

	idx := uint32(len(b.nodes[0]))
	b.appendLeafLocked(leaf)
	newRoot := b.rootLocked()

	if err := b.persistLocked(); err != nil {
		b.truncateLocked(idx)
		return 0, field.Element{}, apierr.Wrap(apierr.Persistence, "merkle_persist", "persist merkle state", err)
	}
	b.recordRootLocked(newRoot)
	return idx, newRoot, nil
}

// Remove undoes the most recent Insert, used by the deposit pipeline's
// commit-or-compensate rollback when the on-chain transaction fails. It
// is only valid to call this immediately after the Insert it undoes, with
// no other insert into the same bucket landing in between — the caller
// must serialize that window itself (internal/deposit does this with a
// per-bucket lock); otherwise this returns merkle_rollback_desync rather
// than silently truncating the wrong leaf.
func (s *Service) Remove(id int, index uint32) error {
	b, err := s.bucketAt(id)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if uint32(len(b.nodes[0])) != index+1 {
		return apierr.New(apierr.Fatal, "merkle_rollback_desync", "rollback requested for a leaf that is not the most recent insert")
	}
	b.truncateLocked(index)
	if err := b.persistLocked(); err != nil {
		return apierr.Wrap(apierr.Persistence, "merkle_persist", "persist merkle state after rollback", err)
	}
	if len(b.roots) > 0 {
		b.roots = b.roots[:len(b.roots)-1]
	}
	return nil
}

// Root returns the current root of bucket id.
func (s *Service) Root(id int) (field.Element, error) {
	b, err := s.bucketAt(id)
	if err != nil {
		return field.Element{}, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.rootLocked(), nil
}

// Size returns the number of leaves committed to bucket id.
func (s *Service) Size(id int) (uint32, error) {
	b, err := s.bucketAt(id)
	if err != nil {
		return 0, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return uint32(len(b.nodes[0])), nil
}

// Leaf returns the commitment stored at leafIndex, for the diagnostic
// /commitment endpoint.
func (s *Service) Leaf(id int, leafIndex uint32) (field.Element, error) {
	b, err := s.bucketAt(id)
	if err != nil {
		return field.Element{}, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if int(leafIndex) >= len(b.nodes[0]) {
		return field.Element{}, apierr.New(apierr.ProtocolInput, "leaf_out_of_range", "no commitment at that leaf index")
	}
	return b.nodes[0][leafIndex], nil
}

// Proof returns the sibling path for leafIndex.
func (s *Service) Proof(id int, leafIndex uint32) (Proof, error) {
	b, err := s.bucketAt(id)
	if err != nil {
		return Proof{}, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if int(leafIndex) >= len(b.nodes[0]) {
		return Proof{}, apierr.New(apierr.ProtocolInput, "leaf_out_of_range", "no commitment at that leaf index")
	}
	return b.proofLocked(leafIndex), nil
}

// HasRoot reports whether root appears among bucket id's recent history
// (bounded to the configured history window), the precondition the
// withdrawal pipeline checks before relaying a proof.
func (s *Service) HasRoot(id int, root field.Element) (bool, error) {
	b, err := s.bucketAt(id)
	if err != nil {
		return false, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, r := range b.roots {
		if r.Equal(&root) {
			return true, nil
		}
	}
	// The empty-tree root Z[Depth] is never recorded in the history, so a
	// bucket with no insertions reports false for every root.
	return false, nil
}

// SyncFromChain replaces bucket id's state with exactly the given ordered
// commitments, used at cold start to reconcile with on-chain history.
func (s *Service) SyncFromChain(id int, commitments []field.Element) error {
	b, err := s.bucketAt(id)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nodes = [Depth + 1][]field.Element{}
	b.roots = nil
	for _, leaf := range commitments {
		b.appendLeafLocked(leaf)
		b.recordRootLocked(b.rootLocked())
	}
	if err := b.persistLocked(); err != nil {
		return apierr.Wrap(apierr.Persistence, "merkle_persist", "persist merkle state after sync", err)
	}
	return nil
}

// --- bucket internals (must be called with mu held) ---

func (b *bucket) appendLeafLocked(leaf field.Element) {
	b.nodes[0] = append(b.nodes[0], leaf)
	idx := len(b.nodes[0]) - 1
	for l := 1; l <= Depth; l++ {
		parent := idx / 2
		left := b.childLocked(l-1, parent*2)
		right := b.childLocked(l-1, parent*2+1)
		h := field.HashPair(left, right)
		if parent < len(b.nodes[l]) {
			b.nodes[l][parent] = h
		} else {
			b.nodes[l] = append(b.nodes[l], h)
		}
		idx = parent
	}
}

// childLocked returns the materialized hash of node j at level l, or the
// shared zero-subtree value if j has not been computed yet.
func (b *bucket) childLocked(l, j int) field.Element {
	if j < len(b.nodes[l]) {
		return b.nodes[l][j]
	}
	return b.zero[l]
}

func (b *bucket) rootLocked() field.Element {
	if len(b.nodes[Depth]) == 0 {
		return b.zero[Depth]
	}
	return b.nodes[Depth][0]
}

func (b *bucket) proofLocked(leafIndex uint32) Proof {
	var p Proof
	idx := int(leafIndex)
	for l := 0; l < Depth; l++ {
		siblingIdx := idx ^ 1
		p.Siblings[l] = b.childLocked(l, siblingIdx)
		p.PathBits[l] = idx&1 == 1
		idx /= 2
	}
	return p
}

func (b *bucket) truncateLocked(newSize uint32) {
	size := int(newSize)
	b.nodes[0] = b.nodes[0][:size]
	for l := 1; l <= Depth; l++ {
		size = (size + 1) / 2
		if size > len(b.nodes[l]) {
			size = len(b.nodes[l])
		}
		b.nodes[l] = b.nodes[l][:size]
	}
	// Recompute the now-stale rightmost path.
	if len(b.nodes[0]) > 0 {
		idx := len(b.nodes[0]) - 1
		for l := 1; l <= Depth; l++ {
			parent := idx / 2
			left := b.childLocked(l-1, parent*2)
			right := b.childLocked(l-1, parent*2+1)
			if parent < len(b.nodes[l]) {
				b.nodes[l][parent] = field.HashPair(left, right)
			}
			idx = parent
		}
	}
}

func (b *bucket) recordRootLocked(root field.Element) {
	b.roots = append(b.roots, root)
	if len(b.roots) > b.histCap {
		b.roots = b.roots[len(b.roots)-b.histCap:]
	}
}

// persistLocked writes the ordered leaf vector as the durable state; every
// higher level is deterministically reconstructible from it, so only the
// leaves are serialized.
func (b *bucket) persistLocked() error {
	leaves := b.nodes[0]
	buf := make([]byte, 0, len(leaves)*32)
	for _, l := range leaves {
		lb := l.Bytes()
		buf = append(buf, lb[:]...)
	}
	sum := sha256.Sum256(buf)

	if err := atomicWrite(b.dataPath, buf); err != nil {
		return fmt.Errorf("write leaves: %w", err)
	}
	if err := atomicWrite(b.sumPath, sum[:]); err != nil {
		return fmt.Errorf("write checksum: %w", err)
	}
	return nil
}

// load reads the leaf vector back and replays it through appendLeafLocked
// to reconstruct every internal level and the root history. A missing pair
// starts empty; a checksum mismatch also starts empty (with a warning),
// since — unlike the used-token store — the bucket can always be made
// whole again via SyncFromChain.
func (b *bucket) load() error {
	data, err := os.ReadFile(b.dataPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return apierr.Wrap(apierr.Persistence, "merkle_read", "read merkle state", err)
	}
	sum, err := os.ReadFile(b.sumPath)
	if err != nil || len(data)%32 != 0 {
		b.log.Warnf("merkletree: %s has no valid checksum pair, starting bucket empty", b.dataPath)
		return nil
	}
	want := sha256.Sum256(data)
	if !bytes.Equal(sum, want[:]) {
		b.log.Warnf("merkletree: checksum mismatch for %s, starting bucket empty (reconcile via sync_from_chain)", b.dataPath)
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for i := 0; i+32 <= len(data); i += 32 {
		var raw [32]byte
		copy(raw[:], data[i:i+32])
		var leaf field.Element
		leaf.SetBytes(raw[:])
		b.appendLeafLocked(leaf)
		b.recordRootLocked(b.rootLocked())
	}
	b.log.Infof("merkletree: loaded %d leaves from %s", len(b.nodes[0]), b.dataPath)
	return nil
}

func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

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
