package jmt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"testing"

	"rollup/kv"
)

func idxKey(i uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, i)
	return b
}

func newTestTree(root []byte) (*Tree, *kv.Overlay) {
	o := kv.NewOverlay(kv.NewMemoryStore())
	return NewMutableTree(o, 's', root), o
}

// ============================================
// Nibble 操作
// ============================================

func TestNibbleAt(t *testing.T) {
	path := []byte{0xAB, 0xCD}
	want := []byte{0xA, 0xB, 0xC, 0xD}
	for i, w := range want {
		if got := nibbleAt(path, i); got != w {
			t.Errorf("nibbleAt(path, %d) = 0x%X, want 0x%X", i, got, w)
		}
	}
}

func TestCommonNibbles(t *testing.T) {
	tests := []struct {
		a, b []byte
		want int
	}{
		{[]byte{0xAB, 0xCD}, []byte{0xAB, 0xCD}, 4},
		{[]byte{0xAB, 0xCD}, []byte{0xAB, 0xCE}, 3},
		{[]byte{0xAB, 0xCD}, []byte{0xAC, 0xCD}, 1},
		{[]byte{0xAB, 0xCD}, []byte{0xBB, 0xCD}, 0},
	}
	for i, tt := range tests {
		if got := commonNibbles(tt.a, tt.b); got != tt.want {
			t.Errorf("case %d: commonNibbles = %d, want %d", i, got, tt.want)
		}
	}
}

func TestInternalNodeRoundTrip(t *testing.T) {
	h := NewKeccakHasher()
	n := &internalNode{}
	n.setChild(9, h.Digest([]byte("b")))
	n.setChild(2, h.Digest([]byte("a")))
	n.setChild(9, h.Digest([]byte("c")))

	got, err := decodeInternal(encodeInternal(n, h.HashSize()), h.HashSize())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.bitmap != 1<<2|1<<9 {
		t.Fatalf("bitmap = %b", got.bitmap)
	}
	if !bytes.Equal(got.child(9), h.Digest([]byte("c"))) {
		t.Fatal("child 9 not overwritten")
	}
	if got.child(3) != nil {
		t.Fatal("unexpected child 3")
	}
	if _, err := decodeInternal([]byte{1, 0, 1}, h.HashSize()); !errors.Is(err, ErrCorruptedTree) {
		t.Fatalf("short node: err = %v", err)
	}
}

// ============================================
// Tree
// ============================================

func TestEmptyTree(t *testing.T) {
	tree, _ := newTestTree(nil)
	if !bytes.Equal(tree.Root(), make([]byte, 32)) {
		t.Fatalf("empty root = %x", tree.Root())
	}
	if _, err := tree.Get(idxKey(1)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get on empty tree: %v", err)
	}
}

func TestUpdateAndGet(t *testing.T) {
	tree, _ := newTestTree(nil)
	for i := uint64(1); i <= 300; i++ {
		if _, err := tree.Update(idxKey(i), []byte(fmt.Sprintf("v%d", i))); err != nil {
			t.Fatalf("update %d: %v", i, err)
		}
	}
	for i := uint64(1); i <= 300; i++ {
		v, err := tree.Get(idxKey(i))
		if err != nil {
			t.Fatalf("get %d: %v", i, err)
		}
		if string(v) != fmt.Sprintf("v%d", i) {
			t.Fatalf("get %d = %s", i, v)
		}
	}
	if _, err := tree.Get(idxKey(301)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing key: %v", err)
	}

	// overwrite
	if _, err := tree.Update(idxKey(7), []byte("seven")); err != nil {
		t.Fatal(err)
	}
	v, _ := tree.Get(idxKey(7))
	if string(v) != "seven" {
		t.Fatalf("overwrite: %s", v)
	}
}

func TestRootIndependentOfInsertOrder(t *testing.T) {
	a, _ := newTestTree(nil)
	b, _ := newTestTree(nil)
	const n = 64
	for i := uint64(1); i <= n; i++ {
		a.Update(idxKey(i), []byte{byte(i)})
		b.Update(idxKey(n+1-i), []byte{byte(n + 1 - i)})
	}
	if !bytes.Equal(a.Root(), b.Root()) {
		t.Fatalf("roots differ: %x vs %x", a.Root(), b.Root())
	}
}

func TestOldRootStillReadable(t *testing.T) {
	tree, store := newTestTree(nil)
	tree.Update(idxKey(1), []byte("old"))
	tree.Update(idxKey(2), []byte("two"))
	oldRoot := tree.Root()
	tree.Update(idxKey(1), []byte("new"))

	view := NewTree(store, 's', oldRoot)
	v, err := view.Get(idxKey(1))
	if err != nil || string(v) != "old" {
		t.Fatalf("old view: %s %v", v, err)
	}
	if _, err := view.Update(idxKey(3), nil); err == nil {
		t.Fatal("read-only view accepted an update")
	}
}

func TestMissingNodeIsCorruption(t *testing.T) {
	tree, _ := newTestTree(nil)
	tree.Update(idxKey(1), []byte("x"))
	// same root, different (empty) store
	view := NewTree(kv.NewMemoryStore(), 's', tree.Root())
	if _, err := view.Get(idxKey(1)); !errors.Is(err, ErrCorruptedTree) {
		t.Fatalf("err = %v, want ErrCorruptedTree", err)
	}
}

func TestNodeCacheShared(t *testing.T) {
	cache, err := NewNodeCache(128)
	if err != nil {
		t.Fatal(err)
	}
	o := kv.NewOverlay(kv.NewMemoryStore())
	tree := NewMutableTree(o, 's', nil, WithCache(cache))
	tree.Update(idxKey(1), []byte("x"))
	if cache.c.Len() == 0 {
		t.Fatal("cache not populated")
	}
	if c, _ := NewNodeCache(0); c != nil {
		t.Fatal("size 0 should disable the cache")
	}
}

// ============================================
// Proof
// ============================================

func TestProofMembership(t *testing.T) {
	tree, _ := newTestTree(nil)
	for i := uint64(1); i <= 50; i++ {
		tree.Update(idxKey(i), []byte(fmt.Sprintf("v%d", i)))
	}
	root := tree.Root()
	for i := uint64(1); i <= 50; i++ {
		p, err := tree.Prove(idxKey(i))
		if err != nil {
			t.Fatal(err)
		}
		if !p.IsMembership() {
			t.Fatalf("key %d: expected membership", i)
		}
		if !VerifyProof(p, root, tree.Hasher()) {
			t.Fatalf("key %d: proof rejected", i)
		}
		p.Value = []byte("forged")
		if VerifyProof(p, root, tree.Hasher()) {
			t.Fatalf("key %d: forged value accepted", i)
		}
	}
}

func TestProofNonMembership(t *testing.T) {
	tree, _ := newTestTree(nil)
	p, _ := tree.Prove(idxKey(9))
	if p.IsMembership() || !VerifyProof(p, tree.Root(), tree.Hasher()) {
		t.Fatal("empty tree non-membership")
	}

	for i := uint64(1); i <= 20; i++ {
		tree.Update(idxKey(i), []byte{byte(i)})
	}
	root := tree.Root()
	for i := uint64(100); i < 140; i++ {
		p, err := tree.Prove(idxKey(i))
		if err != nil {
			t.Fatal(err)
		}
		if p.IsMembership() {
			t.Fatalf("key %d: unexpected membership", i)
		}
		if !VerifyProof(p, root, tree.Hasher()) {
			t.Fatalf("key %d: non-membership rejected", i)
		}
	}
}

func TestSiblingInfoEncoding(t *testing.T) {
	h := NewKeccakHasher()
	info := &SiblingInfo{Bitmap: 0x8001, Siblings: [][]byte{h.Digest([]byte("a")), h.Digest([]byte("b"))}}
	got, n, err := DecodeSiblingInfo(EncodeSiblingInfo(info), h.HashSize())
	if err != nil {
		t.Fatal(err)
	}
	if n != 3+2*32 || got.Bitmap != info.Bitmap || !bytes.Equal(got.Siblings[1], info.Siblings[1]) {
		t.Fatalf("decoded %+v (%d bytes)", got, n)
	}
}
