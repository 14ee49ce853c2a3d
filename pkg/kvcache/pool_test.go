package kvcache

import "testing"

func testConfig() Config {
	return Config{BlockSize: 4, TotalBlocks: 8, HiddenDim: 16, HeadCount: 2, ElementBytes: 2}
}

func TestAllocatePrefillExactMultiple(t *testing.T) {
	p := NewBlockPool(testConfig())

	blocks, err := p.AllocatePrefill("seq-1", 8) // exactly 2 blocks
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(blocks) != 2 {
		t.Fatalf("got %d blocks, want 2", len(blocks))
	}
	if p.FreeCount() != 6 {
		t.Fatalf("free count = %d, want 6", p.FreeCount())
	}
	if !p.Conserved() {
		t.Fatal("pool invariant violated after allocate")
	}
}

func TestAllocatePrefillRoundsUp(t *testing.T) {
	p := NewBlockPool(testConfig())

	blocks, err := p.AllocatePrefill("seq-1", 5) // ceil(5/4) = 2
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(blocks) != 2 {
		t.Fatalf("got %d blocks, want 2", len(blocks))
	}
}

func TestAllocatePrefillExhausted(t *testing.T) {
	p := NewBlockPool(testConfig())

	if _, err := p.AllocatePrefill("seq-1", 100); err == nil {
		t.Fatal("expected exhaustion error")
	} else if _, ok := err.(*ErrCacheExhausted); !ok {
		t.Fatalf("got %T, want *ErrCacheExhausted", err)
	}
	if !p.Conserved() {
		t.Fatal("pool invariant violated after failed allocate")
	}
}

func TestAppendDecodeGrowsOnlyAtBlockBoundary(t *testing.T) {
	p := NewBlockPool(testConfig())
	if _, err := p.AllocatePrefill("seq-1", 4); err != nil { // exactly 1 block, full
		t.Fatalf("unexpected error: %v", err)
	}

	b, err := p.AppendDecode("seq-1") // token 5 needs a new block
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b == nil {
		t.Fatal("expected a new block to be allocated")
	}
	if len(p.GetBlocks("seq-1")) != 2 {
		t.Fatalf("got %d blocks, want 2", len(p.GetBlocks("seq-1")))
	}

	b, err = p.AppendDecode("seq-1") // token 6 still fits in the second block
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b != nil {
		t.Fatal("expected no new block for a non-boundary token")
	}
	if len(p.GetBlocks("seq-1")) != 2 {
		t.Fatalf("got %d blocks, want 2", len(p.GetBlocks("seq-1")))
	}
}

func TestFreeIsIdempotentAndReturnsBlocks(t *testing.T) {
	p := NewBlockPool(testConfig())
	if _, err := p.AllocatePrefill("seq-1", 8); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	p.Free("seq-1")
	if p.FreeCount() != 8 {
		t.Fatalf("free count = %d, want 8", p.FreeCount())
	}
	if p.GetBlocks("seq-1") != nil {
		t.Fatal("expected no blocks after free")
	}

	p.Free("seq-1") // idempotent
	if p.FreeCount() != 8 {
		t.Fatalf("free count after second free = %d, want 8", p.FreeCount())
	}
}

func TestAppendDecodeUnknownSequence(t *testing.T) {
	p := NewBlockPool(testConfig())
	if _, err := p.AppendDecode("ghost"); err == nil {
		t.Fatal("expected error for unknown sequence")
	}
}

func TestBlockPoolTryReuseFindsDonorPrefix(t *testing.T) {
	p := NewBlockPool(testConfig())

	if _, err := p.AllocatePrefill("seq-1", 8); err != nil { // 2 blocks
		t.Fatalf("unexpected error: %v", err)
	}
	tokensBlock0 := []int32{1, 2, 3, 4}
	tokensBlock1 := []int32{5, 6, 7, 8}
	h0 := HashBlock(0, tokensBlock0)
	h1 := HashBlock(h0, tokensBlock1)
	p.RegisterBlockHashes("seq-1", []uint64{h0, h1})

	donor, matched := p.TryReuse([]uint64{h0, h1})
	if donor != "seq-1" || matched != 2 {
		t.Fatalf("got (%q, %d), want (\"seq-1\", 2)", donor, matched)
	}

	// A prompt sharing only the first block matches one block.
	divergent := HashBlock(h0, []int32{9, 9, 9, 9})
	donor, matched = p.TryReuse([]uint64{h0, divergent})
	if donor != "seq-1" || matched != 1 {
		t.Fatalf("got (%q, %d), want (\"seq-1\", 1)", donor, matched)
	}

	// A hash that was never registered: no match.
	if _, matched := p.TryReuse([]uint64{999}); matched != 0 {
		t.Fatalf("expected no match for unregistered hash, got %d", matched)
	}
}

func TestPrefixIndexMatchesChainedHashes(t *testing.T) {
	idx := NewPrefixIndex(8)

	tokensA := []int32{1, 2, 3, 4}
	tokensB := []int32{5, 6, 7, 8}
	h0 := HashBlock(0, tokensA)
	h1 := HashBlock(h0, tokensB)

	idx.Register(h0, "donor", 0, 3)
	idx.Register(h1, "donor", 1, 5)

	donor, matched := idx.MatchPrefix([]uint64{h0, h1})
	if donor != "donor" || matched != 2 {
		t.Fatalf("got (%q, %d), want (\"donor\", 2)", donor, matched)
	}

	// A divergent second block breaks the chain: only block 0 matches.
	otherTokensB := []int32{9, 9, 9, 9}
	hOther := HashBlock(h0, otherTokensB)
	donor, matched = idx.MatchPrefix([]uint64{h0, hOther + 1})
	if matched != 1 || donor != "donor" {
		t.Fatalf("got (%q, %d), want (\"donor\", 1)", donor, matched)
	}
}
