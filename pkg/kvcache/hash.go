package kvcache

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
)

// HashBlock computes a content hash for one logical block's token span,
// chained with the previous block's hash so that two sequences only match
// at block i if every block 0..i is byte-identical. This mirrors
// scheduler/plugins/kv_cache.go's chained block hashing, swapped from
// SHA-256 to xxhash since the hash here only needs to key an in-process
// LRU index rather than cross a Redis wire boundary.
func HashBlock(prevHash uint64, tokens []int32) uint64 {
	d := xxhash.New()
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], prevHash)
	d.Write(buf[:])
	for _, t := range tokens {
		binary.LittleEndian.PutUint64(buf[:], uint64(uint32(t)))
		d.Write(buf[:])
	}
	return d.Sum64()
}

// donorBlock identifies a reusable physical block owned by another
// sequence at a given logical offset.
type donorBlock struct {
	sequenceID  string
	logicalIdx  int
	physicalIdx int
}

// PrefixIndex maps chained block hashes to the sequence that currently
// owns that block, so a new request whose prompt shares a prefix with an
// in-flight or recently-freed sequence can be pointed at the existing
// physical block instead of recomputing it. Bounded by an LRU so the index
// never grows past the pool's own block count.
type PrefixIndex struct {
	cache *lru.Cache[uint64, donorBlock]
}

// NewPrefixIndex builds an index sized to the block pool; a bigger index
// than the pool has blocks can't usefully hold more live entries.
func NewPrefixIndex(capacity int) *PrefixIndex {
	if capacity < 1 {
		capacity = 1
	}
	c, _ := lru.New[uint64, donorBlock](capacity)
	return &PrefixIndex{cache: c}
}

// Register records that sequenceID's logical block at logicalIdx (physical
// index physicalIdx) has the given chained hash, making it a reuse
// candidate for future prefixes.
func (p *PrefixIndex) Register(hash uint64, sequenceID string, logicalIdx, physicalIdx int) {
	p.cache.Add(hash, donorBlock{sequenceID: sequenceID, logicalIdx: logicalIdx, physicalIdx: physicalIdx})
}

// Lookup returns the donor owning the block with the given chained hash,
// if still live in the index.
func (p *PrefixIndex) Lookup(hash uint64) (sequenceID string, logicalIdx, physicalIdx int, ok bool) {
	d, ok := p.cache.Get(hash)
	if !ok {
		return "", 0, 0, false
	}
	return d.sequenceID, d.logicalIdx, d.physicalIdx, true
}

// MatchPrefix walks chained block hashes in order and returns how many
// leading blocks of hashes already exist, physically, under some donor
// sequence, plus the donor sequence owning the longest match. Matching
// stops at the first miss since hashes are chained (a later match without
// an earlier one is impossible by construction).
func (p *PrefixIndex) MatchPrefix(hashes []uint64) (donorSequenceID string, matchedBlocks int) {
	for i, h := range hashes {
		seq, logicalIdx, _, ok := p.Lookup(h)
		if !ok || logicalIdx != i {
			break
		}
		donorSequenceID = seq
		matchedBlocks = i + 1
	}
	return donorSequenceID, matchedBlocks
}
