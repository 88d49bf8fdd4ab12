package fndesc

import "testing"

func TestSizeDWords(t *testing.T) {
	cases := map[TypeKind]int{
		KindVoid:    0,
		KindBool:    1,
		KindByte:    1,
		KindWord:    1,
		KindDWord:   1,
		KindFloat:   1,
		KindQWord:   2,
		KindDouble:  2,
		KindAddress: 1,
		KindObject:  1,
		KindFuncdef: 1,
	}
	for k, want := range cases {
		if got := k.SizeDWords(); got != want {
			t.Errorf("%v.SizeDWords() = %d, want %d", k, got, want)
		}
	}
}

func TestIsObject(t *testing.T) {
	if !KindObject.IsObject() || !KindFuncdef.IsObject() {
		t.Fatal("KindObject/KindFuncdef must report IsObject")
	}
	if KindDWord.IsObject() || KindAddress.IsObject() {
		t.Fatal("scalar/address kinds must not report IsObject")
	}
}

func TestSpaceForArgumentsPlainScalars(t *testing.T) {
	d := &Descriptor{Params: []Param{{Kind: KindDWord}, {Kind: KindQWord}, {Kind: KindFloat}}}
	if got := d.SpaceForArguments(); got != 4 {
		t.Fatalf("SpaceForArguments() = %d, want 4 (1+2+1)", got)
	}
}

func TestSpaceForArgumentsReferencesAreOneWord(t *testing.T) {
	d := &Descriptor{Params: []Param{{Kind: KindQWord, IsReference: true}, {Kind: KindObject, IsReference: true}}}
	if got := d.SpaceForArguments(); got != 2 {
		t.Fatalf("SpaceForArguments() = %d, want 2 (both references collapse to 1 word)", got)
	}
}

func TestArgOffsetPlain(t *testing.T) {
	d := &Descriptor{Params: []Param{{Kind: KindDWord}, {Kind: KindDWord}, {Kind: KindQWord}}}
	if got := d.ArgOffset(0); got != 0 {
		t.Fatalf("ArgOffset(0) = %d, want 0", got)
	}
	if got := d.ArgOffset(1); got != 1 {
		t.Fatalf("ArgOffset(1) = %d, want 1", got)
	}
	if got := d.ArgOffset(2); got != 2 {
		t.Fatalf("ArgOffset(2) = %d, want 2", got)
	}
}

func TestArgOffsetWithReceiverAndReturnOnStack(t *testing.T) {
	d := &Descriptor{
		HasReceiver:    true,
		ReturnsOnStack: true,
		Params:         []Param{{Kind: KindDWord}, {Kind: KindDWord}},
	}
	// slot 0 = receiver, slot 1 = return-on-stack out pointer, slot 2 = param 0
	if got := d.ArgOffset(0); got != 2 {
		t.Fatalf("ArgOffset(0) = %d, want 2", got)
	}
	if got := d.ArgOffset(1); got != 3 {
		t.Fatalf("ArgOffset(1) = %d, want 3", got)
	}
}
