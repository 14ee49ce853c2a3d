// Package kvcache implements the paged KV-cache manager (spec §4.1): a
// fixed-size off-heap block pool with a logical-to-physical block mapping
// per sequence, so that prefill and decode share one allocator instead of
// fragmenting memory per request.
//
// The allocator itself has no direct analogue in the teacher (matrixinfer
// scores pods by potential cache hits; it never owns physical memory), so
// its mutex+map shape is grounded on the teacher's general style
// (datastore/fairness_queue.go's single mutex guarding a small struct) while
// block-content hashing for prefix reuse is grounded on
// scheduler/plugins/kv_cache.go's token-block hashing, repurposed from a
// scoring signal into an actual block-sharing mechanism.
package kvcache

import (
	"fmt"
	"sync"
)

// Config describes the physical shape of the block pool, matching the
// config keys in spec §6 (kvcache.*).
type Config struct {
	BlockSize    int // tokens per block
	TotalBlocks  int
	HiddenDim    int
	HeadCount    int
	ElementBytes int // bytes per element (e.g. 2 for fp16)
}

// SlabBytes returns the size in bytes of one physical block: K and V each
// occupy BlockSize*HiddenDim*ElementBytes bytes.
func (c Config) SlabBytes() int64 {
	return int64(c.BlockSize) * int64(c.HiddenDim) * int64(c.ElementBytes) * 2
}

// ErrCacheExhausted is the sole failure mode of the allocator (spec §4.1).
// It is recoverable by the caller: retry after a free() or an eviction.
type ErrCacheExhausted struct {
	Requested int
	Free      int
}

func (e *ErrCacheExhausted) Error() string {
	return fmt.Sprintf("kvcache: exhausted: requested %d blocks, %d free", e.Requested, e.Free)
}

// BlockPool owns the free pool and the sequenceId -> logical block list
// mapping. All methods are safe for concurrent use; allocate/free take an
// exclusive lock. The free set is a container/heap min-heap of block
// indices, so allocation deterministically picks the lowest free index
// (which keeps tests reproducible); each block taken from or returned to
// it costs O(log TotalBlocks), not O(1).
type BlockPool struct {
	cfg Config

	mu             sync.Mutex
	free           *minIndexHeap
	sequenceBlocks map[string][]int
	sequenceTokens map[string]int
	blockHashes    map[string][]uint64 // sequenceId -> per-logical-block content hash
	prefixIndex    *PrefixIndex
}

// NewBlockPool allocates the logical structures for a pool of cfg.TotalBlocks
// physical blocks; no physical memory is touched until a real native
// backend is wired in (the allocator here only manages block identity).
func NewBlockPool(cfg Config) *BlockPool {
	h := newMinIndexHeap(cfg.TotalBlocks)
	return &BlockPool{
		cfg:            cfg,
		free:           h,
		sequenceBlocks: make(map[string][]int),
		sequenceTokens: make(map[string]int),
		blockHashes:    make(map[string][]uint64),
		prefixIndex:    NewPrefixIndex(cfg.TotalBlocks),
	}
}

// TotalBlocks returns the pool's fixed capacity.
func (p *BlockPool) TotalBlocks() int { return p.cfg.TotalBlocks }

// FreeCount returns the number of currently unallocated blocks.
func (p *BlockPool) FreeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.free.Len()
}

func blocksNeeded(tokens, blockSize int) int {
	if tokens <= 0 {
		return 0
	}
	return (tokens + blockSize - 1) / blockSize
}

// AllocatePrefill reserves ceil(promptTokens/blockSize) physical blocks for
// sequenceId. Allocation is all-or-nothing: if fewer blocks are free than
// required, no blocks are taken and ErrCacheExhausted is returned.
func (p *BlockPool) AllocatePrefill(sequenceID string, promptTokens int) ([]int, error) {
	required := blocksNeeded(promptTokens, p.cfg.BlockSize)

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.sequenceBlocks[sequenceID]; exists {
		return nil, fmt.Errorf("kvcache: sequence %q already has allocated blocks", sequenceID)
	}
	if p.free.Len() < required {
		return nil, &ErrCacheExhausted{Requested: required, Free: p.free.Len()}
	}

	blocks := make([]int, 0, required)
	for i := 0; i < required; i++ {
		blocks = append(blocks, p.free.PopMin())
	}

	p.sequenceBlocks[sequenceID] = blocks
	p.sequenceTokens[sequenceID] = promptTokens
	return append([]int(nil), blocks...), nil
}

// AppendDecode appends exactly one generated token to sequenceID's logical
// sequence. A new physical block is allocated only when the previous last
// block is now full; otherwise (nil, nil) is returned and the caller
// continues writing into the existing last block.
func (p *BlockPool) AppendDecode(sequenceID string) (*int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	blocks, ok := p.sequenceBlocks[sequenceID]
	if !ok {
		return nil, fmt.Errorf("kvcache: unknown sequence %q", sequenceID)
	}

	tokens := p.sequenceTokens[sequenceID] + 1
	needed := blocksNeeded(tokens, p.cfg.BlockSize)

	p.sequenceTokens[sequenceID] = tokens
	if needed <= len(blocks) {
		return nil, nil
	}

	if p.free.Len() < 1 {
		p.sequenceTokens[sequenceID] = tokens - 1 // roll back; no partial allocation
		return nil, &ErrCacheExhausted{Requested: 1, Free: 0}
	}

	b := p.free.PopMin()
	p.sequenceBlocks[sequenceID] = append(blocks, b)
	return &b, nil
}

// Free returns all of sequenceID's blocks to the free pool. Idempotent: a
// second call (or a call for an unknown sequence) is a no-op.
func (p *BlockPool) Free(sequenceID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	blocks, ok := p.sequenceBlocks[sequenceID]
	if !ok {
		return
	}
	for _, b := range blocks {
		p.free.Push(b)
	}
	delete(p.sequenceBlocks, sequenceID)
	delete(p.sequenceTokens, sequenceID)
	delete(p.blockHashes, sequenceID)
}

// GetBlocks returns a read-only, consistent snapshot of sequenceID's
// logical-to-physical block list.
func (p *BlockPool) GetBlocks(sequenceID string) []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	blocks := p.sequenceBlocks[sequenceID]
	if blocks == nil {
		return nil
	}
	return append([]int(nil), blocks...)
}

// RegisterBlockHashes records sequenceID's chained per-logical-block
// content hashes (as computed by HashBlock) so that a later sequence
// sharing the same prompt prefix can be matched by TryReuse. Only the
// blocks sequenceID has actually been allocated are indexed; extra
// hashes beyond len(sequenceBlocks[sequenceID]) are ignored.
func (p *BlockPool) RegisterBlockHashes(sequenceID string, hashes []uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	blocks, ok := p.sequenceBlocks[sequenceID]
	if !ok {
		return
	}
	n := len(hashes)
	if len(blocks) < n {
		n = len(blocks)
	}
	p.blockHashes[sequenceID] = append([]uint64(nil), hashes[:n]...)
	for i := 0; i < n; i++ {
		p.prefixIndex.Register(hashes[i], sequenceID, i, blocks[i])
	}
}

// TryReuse reports the donor sequence (if any) whose leading logical
// blocks already hold the content identified by hashes, and how many
// leading blocks match. A caller allocating a new sequence with the same
// leading prompt can copy-on-write share those physical blocks instead of
// recomputing them (spec.md §4.1's supplemental enrichment). Returns
// ("", 0) when no prefix is found.
func (p *BlockPool) TryReuse(hashes []uint64) (sequenceID string, matchedBlocks int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.prefixIndex.MatchPrefix(hashes)
}

// Conserved reports whether |free| + Σ|sequence blocks| == totalBlocks, the
// pool-wide invariant from spec §8.
func (p *BlockPool) Conserved() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	sum := p.free.Len()
	for _, b := range p.sequenceBlocks {
		sum += len(b)
	}
	return sum == p.cfg.TotalBlocks
}
