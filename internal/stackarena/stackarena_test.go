package stackarena

import "testing"

func TestReserveGrowsWithinSameBlock(t *testing.T) {
	a := New(Config{InitialBlockSize: 64})
	before := a.StackPointer()
	if !a.Reserve(8) {
		t.Fatal("Reserve(8) should succeed against a fresh 64-word block")
	}
	if got := a.StackPointer(); got != before {
		t.Fatalf("Reserve should not move the stack pointer, got %+v want %+v", got, before)
	}
	if a.Blocks() != 1 {
		t.Fatalf("Blocks() = %d, want 1", a.Blocks())
	}
}

func TestReserveGrowsToNewBlockWhenExhausted(t *testing.T) {
	a := New(Config{InitialBlockSize: 16})
	a.Push(8) // consume most of block 0's headroom
	if !a.Reserve(16) {
		t.Fatal("Reserve(16) should grow into a new, doubled block")
	}
	if a.Blocks() != 2 {
		t.Fatalf("Blocks() = %d, want 2 after growth", a.Blocks())
	}
	if a.BlockIndex() != 1 {
		t.Fatalf("BlockIndex() = %d, want 1", a.BlockIndex())
	}
}

func TestReserveFailsPastMaximumStackSize(t *testing.T) {
	a := New(Config{InitialBlockSize: 16, MaximumStackSize: 16})
	a.Push(8)
	if a.Reserve(16) {
		t.Fatal("Reserve should fail once cumulative capacity would exceed MaximumStackSize")
	}
}

func TestGrowCopiesAcrossBlockBoundary(t *testing.T) {
	a := New(Config{InitialBlockSize: 16})
	a.Push(4)
	sp := a.StackPointer()
	a.WriteU32(sp, 0xAAAA)

	grown, ok := a.Grow(16, 4)
	if !ok {
		t.Fatal("Grow(16, 4) should succeed")
	}
	if grown.BlockIndex == sp.BlockIndex {
		t.Fatalf("Grow should have crossed into a new block, stayed in %d", grown.BlockIndex)
	}
	a.CopyAcrossBlocks(grown, sp, 4)
	if got := a.ReadU32(grown); got != 0xAAAA {
		t.Fatalf("value lost across Grow+CopyAcrossBlocks: got %#x", got)
	}
}

func TestGrowReturnsSamePointerWithinBlock(t *testing.T) {
	a := New(Config{InitialBlockSize: 64})
	before := a.StackPointer()
	grown, ok := a.Grow(4, 4)
	if !ok {
		t.Fatal("Grow(4, 4) should succeed")
	}
	if grown != before {
		t.Fatalf("Grow within the same block must return the unchanged pointer, got %+v want %+v", grown, before)
	}
}

func TestPushPopMovesStackPointer(t *testing.T) {
	a := New(Config{InitialBlockSize: 64})
	before := a.StackPointer()
	a.Push(3)
	if got := a.StackPointer(); got.Offset != before.Offset-3 {
		t.Fatalf("Push(3) offset = %d, want %d", got.Offset, before.Offset-3)
	}
	a.Pop(3)
	if got := a.StackPointer(); got != before {
		t.Fatalf("Pop(3) should undo Push(3), got %+v want %+v", got, before)
	}
}

func TestReadWriteU32AndU64(t *testing.T) {
	a := New(Config{InitialBlockSize: 64})
	a.Push(2)
	p := a.StackPointer()
	a.WriteU32(p, 0x11223344)
	if got := a.ReadU32(p); got != 0x11223344 {
		t.Fatalf("ReadU32 = %#x", got)
	}

	a.WriteU64(p, 0x1122334455667788)
	if got := a.ReadU64(p); got != 0x1122334455667788 {
		t.Fatalf("ReadU64 = %#x", got)
	}
}

func TestSerializedRoundTrip(t *testing.T) {
	a := New(Config{InitialBlockSize: 64})
	p := a.StackPointer()
	s, err := a.ToSerialized(p)
	if err != nil {
		t.Fatalf("ToSerialized: %v", err)
	}
	got, err := a.FromSerialized(s)
	if err != nil {
		t.Fatalf("FromSerialized: %v", err)
	}
	if got != p {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, p)
	}
}

func TestFromSerializedRejectsUnallocatedBlock(t *testing.T) {
	a := New(Config{InitialBlockSize: 64})
	a.ensureBlock0()
	_, err := a.FromSerialized(Serialized(uint32(5) << offsetBits))
	if err == nil {
		t.Fatal("FromSerialized should reject a block index that was never allocated")
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	a := New(Config{InitialBlockSize: 32})
	a.Push(4)
	p := a.StackPointer()
	a.WriteU64(p, 0xDEADBEEFCAFEBABE)

	blocks, blockIndex, offset := a.Snapshot()

	b := New(Config{InitialBlockSize: 32})
	b.Restore(blocks, blockIndex, offset)

	if got := b.StackPointer(); got != p {
		t.Fatalf("restored stack pointer = %+v, want %+v", got, p)
	}
	if got := b.ReadU64(p); got != 0xDEADBEEFCAFEBABE {
		t.Fatalf("restored value = %#x", got)
	}
}

func TestResetKeepsBlockZero(t *testing.T) {
	a := New(Config{InitialBlockSize: 16})
	a.Push(8)
	a.Reserve(16) // forces growth to block 1
	if a.Blocks() < 2 {
		t.Fatal("setup failed to grow a second block")
	}
	a.Reset()
	if a.Blocks() != 1 {
		t.Fatalf("Reset should drop every block but the first, got %d", a.Blocks())
	}
	if a.BlockIndex() != 0 {
		t.Fatalf("Reset should leave the stack pointer in block 0")
	}
}

func TestReleaseAllClearsEverything(t *testing.T) {
	a := New(Config{InitialBlockSize: 16})
	a.Push(4)
	a.ReleaseAll()
	if a.Blocks() != 0 {
		t.Fatalf("ReleaseAll should free every block, got %d left", a.Blocks())
	}
}
