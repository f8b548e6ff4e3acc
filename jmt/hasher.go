package jmt

import (
	"bytes"
	"hash"
	"sync"

	"golang.org/x/crypto/sha3"
)

// ============================================
// 16 叉 tree hasher
// ============================================

// Hasher hashes keys, values and nodes of the tree. The zero hash is the
// empty-subtree placeholder.
type Hasher struct {
	pool        sync.Pool
	hashSize    int
	placeholder []byte
}

// NewHasher wraps a hash constructor. Instances are pooled.
func NewHasher(newHash func() hash.Hash) *Hasher {
	size := newHash().Size()
	h := &Hasher{
		hashSize:    size,
		placeholder: make([]byte, size),
	}
	h.pool.New = func() interface{} { return newHash() }
	return h
}

// NewKeccakHasher is the hasher used by the rollup trees.
func NewKeccakHasher() *Hasher {
	return NewHasher(sha3.NewLegacyKeccak256)
}

func (h *Hasher) HashSize() int       { return h.hashSize }
func (h *Hasher) Placeholder() []byte { return h.placeholder }

func (h *Hasher) IsPlaceholder(b []byte) bool {
	return len(b) == 0 || bytes.Equal(b, h.placeholder)
}

// Digest 计算任意数据的哈希
func (h *Hasher) Digest(data []byte) []byte {
	hh := h.pool.Get().(hash.Hash)
	defer h.pool.Put(hh)
	hh.Reset()
	hh.Write(data)
	return hh.Sum(nil)
}

// Path 将原始 Key 转换为路径
func (h *Hasher) Path(key []byte) []byte {
	return h.Digest(key)
}

// MaxDepth is the number of nibbles in a path.
func (h *Hasher) MaxDepth() int {
	return h.hashSize * 2
}

func (h *Hasher) digestLeaf(path, valueHash []byte) ([]byte, []byte) {
	encoded := encodeLeaf(&leafNode{path: path, valueHash: valueHash})
	return h.Digest(encoded), encoded
}

func (h *Hasher) digestInternal(n *internalNode) ([]byte, []byte) {
	encoded := encodeInternal(n, h.hashSize)
	return h.Digest(encoded), encoded
}

// SiblingInfo is one level of a proof: the children of the internal node
// other than the one on the path.
type SiblingInfo struct {
	Bitmap   uint16
	Siblings [][]byte
}

func (h *Hasher) extractSiblings(n *internalNode, pathNibble byte) *SiblingInfo {
	info := &SiblingInfo{}
	n.forEach(func(nibble byte, child []byte) {
		if nibble == pathNibble || h.IsPlaceholder(child) {
			return
		}
		info.Bitmap |= 1 << nibble
		info.Siblings = append(info.Siblings, child)
	})
	return info
}

// rebuild recomputes the hash of an internal node from its siblings and
// the child hash at nibble.
func (h *Hasher) rebuild(nibble byte, child []byte, info *SiblingInfo) ([]byte, bool) {
	n := &internalNode{}
	idx := 0
	for i := byte(0); i < 16; i++ {
		if i == nibble {
			if !h.IsPlaceholder(child) {
				n.setChild(i, child)
			}
			continue
		}
		if info.Bitmap&(1<<i) == 0 {
			continue
		}
		if idx >= len(info.Siblings) {
			return nil, false
		}
		n.setChild(i, info.Siblings[idx])
		idx++
	}
	if idx != len(info.Siblings) {
		return nil, false
	}
	hash, _ := h.digestInternal(n)
	return hash, true
}
