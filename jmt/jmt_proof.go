package jmt

import (
	"bytes"
	"encoding/binary"
	"errors"
)

// ============================================
// Merkle proof
// ============================================

type Proof struct {
	Key  []byte
	Path []byte
	// Value is set for a membership proof.
	Value []byte
	// Siblings per level, root first.
	Siblings []*SiblingInfo
	// LeafData is the leaf the walk ended on, if any. For a
	// non-membership proof it belongs to another key.
	LeafData []byte
}

func (p *Proof) IsMembership() bool {
	return p.Value != nil
}

// Prove 生成 key 在当前根下的证明
func (t *Tree) Prove(key []byte) (*Proof, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	path := t.hasher.Path(key)
	leafData, siblings, err := t.walk(path, true)
	if err != nil {
		return nil, err
	}
	p := &Proof{Key: key, Path: path, Siblings: siblings, LeafData: leafData}
	if leafData == nil {
		return p, nil
	}
	leaf, err := decodeLeaf(leafData, t.hasher.hashSize)
	if err != nil {
		return nil, err
	}
	if bytes.Equal(leaf.path, path) {
		if p.Value, err = t.ReadValue(leaf.valueHash); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// VerifyProof checks p against root.
func VerifyProof(p *Proof, root []byte, h *Hasher) bool {
	if h.IsPlaceholder(root) {
		return !p.IsMembership() && len(p.Siblings) == 0 && p.LeafData == nil
	}
	if len(p.Siblings) > h.MaxDepth() {
		return false
	}

	var cur []byte
	switch {
	case p.IsMembership():
		cur, _ = h.digestLeaf(p.Path, h.Digest(p.Value))
	case p.LeafData != nil:
		leaf, err := decodeLeaf(p.LeafData, h.hashSize)
		if err != nil || bytes.Equal(leaf.path, p.Path) {
			return false
		}
		cur = h.Digest(p.LeafData)
	default:
		cur = h.Placeholder()
	}

	for i := len(p.Siblings) - 1; i >= 0; i-- {
		next, ok := h.rebuild(nibbleAt(p.Path, i), cur, p.Siblings[i])
		if !ok {
			return false
		}
		cur = next
	}
	return bytes.Equal(cur, root)
}

// ============================================
// 序列化
// ============================================
// [bitmap 2][count 1][sibling]...

func EncodeSiblingInfo(info *SiblingInfo) []byte {
	buf := make([]byte, 3)
	binary.BigEndian.PutUint16(buf, info.Bitmap)
	buf[2] = byte(len(info.Siblings))
	for _, s := range info.Siblings {
		buf = append(buf, s...)
	}
	return buf
}

func DecodeSiblingInfo(data []byte, hashSize int) (*SiblingInfo, int, error) {
	if len(data) < 3 {
		return nil, 0, errors.New("jmt: sibling info too short")
	}
	n := int(data[2])
	end := 3 + n*hashSize
	if len(data) < end {
		return nil, 0, errors.New("jmt: sibling info truncated")
	}
	info := &SiblingInfo{Bitmap: binary.BigEndian.Uint16(data), Siblings: make([][]byte, n)}
	for i := 0; i < n; i++ {
		off := 3 + i*hashSize
		info.Siblings[i] = append([]byte(nil), data[off:off+hashSize]...)
	}
	return info, end, nil
}
