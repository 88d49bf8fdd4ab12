package callrecord

import (
	"testing"

	"vmctx/internal/fndesc"
	"vmctx/internal/stackarena"
)

func frame(pp int) Record {
	return Record{Kind: KindCallFrame, Frame: CallFrame{ProgramPointer: pp}}
}

func TestPushPopPeek(t *testing.T) {
	cs := New(Config{})
	if _, ok := cs.Pop(); ok {
		t.Fatal("Pop on empty stack should fail")
	}
	if !cs.Push(frame(1)) {
		t.Fatal("Push should succeed")
	}
	if !cs.Push(frame(2)) {
		t.Fatal("Push should succeed")
	}
	top, ok := cs.Peek()
	if !ok || top.Frame.ProgramPointer != 2 {
		t.Fatalf("Peek = %+v, ok=%v, want ProgramPointer 2", top, ok)
	}
	if cs.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", cs.Len())
	}
	popped, ok := cs.Pop()
	if !ok || popped.Frame.ProgramPointer != 2 {
		t.Fatalf("Pop() = %+v", popped)
	}
	if cs.Len() != 1 {
		t.Fatalf("Len() after Pop = %d, want 1", cs.Len())
	}
}

func TestAtAndReplace(t *testing.T) {
	cs := New(Config{})
	cs.Push(frame(1))
	cs.Push(frame(2))
	cs.Push(frame(3))

	rec, ok := cs.At(1)
	if !ok || rec.Frame.ProgramPointer != 2 {
		t.Fatalf("At(1) = %+v", rec)
	}
	if !cs.Replace(1, frame(99)) {
		t.Fatal("Replace(1, ...) should succeed")
	}
	rec, _ = cs.At(1)
	if rec.Frame.ProgramPointer != 99 {
		t.Fatalf("Replace did not take effect, At(1) = %+v", rec)
	}
	if cs.Replace(10, frame(1)) {
		t.Fatal("Replace out of range should fail")
	}
}

func TestGrowthChunking(t *testing.T) {
	cs := New(Config{InitialCapacity: 1, GrowChunk: 2})
	for i := 0; i < 10; i++ {
		if !cs.Push(frame(i)) {
			t.Fatalf("Push #%d should succeed with unbounded MaxCallStackSize", i)
		}
	}
	if cs.Len() != 10 {
		t.Fatalf("Len() = %d, want 10", cs.Len())
	}
}

func TestMaxCallStackSizeEnforced(t *testing.T) {
	cs := New(Config{MaxCallStackSize: 2})
	if !cs.Push(frame(1)) || !cs.Push(frame(2)) {
		t.Fatal("first two pushes should succeed")
	}
	if cs.Push(frame(3)) {
		t.Fatal("third push should fail once MaxCallStackSize is reached")
	}
	if cs.Len() != 2 {
		t.Fatalf("Len() = %d, want 2 after the rejected push", cs.Len())
	}
}

func TestIsSentinel(t *testing.T) {
	cf := Record{Kind: KindCallFrame}
	if cf.IsSentinel() {
		t.Fatal("a CallFrame record must not be a sentinel")
	}
	nm := Record{Kind: KindNestedMarker}
	if !nm.IsSentinel() {
		t.Fatal("a NestedMarker record must be a sentinel")
	}
	ss := Record{Kind: KindStateSnapshot}
	if !ss.IsSentinel() {
		t.Fatal("a StateSnapshot record must be a sentinel")
	}
}

func TestNestedDepthAndInnermostSentinelIndex(t *testing.T) {
	cs := New(Config{})
	cs.Push(frame(1))
	cs.Push(Record{Kind: KindNestedMarker})
	cs.Push(frame(2))
	cs.Push(Record{Kind: KindNestedMarker})

	if got := cs.NestedDepth(); got != 2 {
		t.Fatalf("NestedDepth() = %d, want 2", got)
	}
	if got := cs.InnermostSentinelIndex(); got != 3 {
		t.Fatalf("InnermostSentinelIndex() = %d, want 3", got)
	}
}

func TestInnermostSentinelIndexNoneFound(t *testing.T) {
	cs := New(Config{})
	cs.Push(frame(1))
	if got := cs.InnermostSentinelIndex(); got != -1 {
		t.Fatalf("InnermostSentinelIndex() = %d, want -1 with no sentinels", got)
	}
}

func TestTruncate(t *testing.T) {
	cs := New(Config{})
	cs.Push(frame(1))
	cs.Push(frame(2))
	cs.Push(frame(3))
	cs.Truncate(1)
	if cs.Len() != 1 {
		t.Fatalf("Len() after Truncate(1) = %d, want 1", cs.Len())
	}
	cs.Truncate(-5)
	if cs.Len() != 0 {
		t.Fatalf("Truncate(negative) should clamp to 0, got Len() = %d", cs.Len())
	}
}

func TestLevelIndexesFromTop(t *testing.T) {
	cs := New(Config{})
	cs.Push(frame(1))
	cs.Push(frame(2))
	cs.Push(frame(3))

	rec, ok := cs.Level(1)
	if !ok || rec.Frame.ProgramPointer != 3 {
		t.Fatalf("Level(1) = %+v, want the topmost frame", rec)
	}
	rec, ok = cs.Level(3)
	if !ok || rec.Frame.ProgramPointer != 1 {
		t.Fatalf("Level(3) = %+v, want the bottom frame", rec)
	}
	if _, ok := cs.Level(0); ok {
		t.Fatal("Level(0) should be invalid; callers use frameAt's own level-0 case instead")
	}
}

// sanity check that the record payloads carry the richer fndesc/stackarena
// types without any accidental truncation.
func TestRecordCarriesFullFrameShape(t *testing.T) {
	fn := &fndesc.Descriptor{ID: 42, Name: "f"}
	cf := CallFrame{
		StackFramePointer: stackarena.Pointer{BlockIndex: 1, Offset: 7},
		Function:          fn,
		ProgramPointer:    3,
		StackPointer:      stackarena.Pointer{BlockIndex: 1, Offset: 5},
	}
	cs := New(Config{})
	cs.Push(Record{Kind: KindCallFrame, Frame: cf})
	got, _ := cs.Peek()
	if got.Frame.Function.ID != 42 || got.Frame.StackFramePointer.Offset != 7 {
		t.Fatalf("round trip lost frame detail: %+v", got.Frame)
	}
}
