package jmt

import (
	"encoding/binary"
	"fmt"
	"math/bits"
)

// ============================================
// 节点类型
// ============================================

type nodeType byte

const (
	nodeNull     nodeType = 0
	nodeInternal nodeType = 1
	nodeLeaf     nodeType = 2
)

// internalNode stores only the non-empty children, in nibble order.
// bitmap bit i set means children has an entry for nibble i.
type internalNode struct {
	bitmap   uint16
	children [][]byte
}

func (n *internalNode) slot(nibble byte) int {
	return bits.OnesCount16(n.bitmap & (uint16(1)<<nibble - 1))
}

func (n *internalNode) child(nibble byte) []byte {
	if nibble > 15 || n.bitmap&(1<<nibble) == 0 {
		return nil
	}
	return n.children[n.slot(nibble)]
}

func (n *internalNode) setChild(nibble byte, hash []byte) {
	mask := uint16(1) << nibble
	i := n.slot(nibble)
	if n.bitmap&mask != 0 {
		n.children[i] = hash
		return
	}
	n.bitmap |= mask
	n.children = append(n.children, nil)
	copy(n.children[i+1:], n.children[i:])
	n.children[i] = hash
}

func (n *internalNode) forEach(fn func(nibble byte, hash []byte)) {
	i := 0
	for nibble := byte(0); nibble < 16; nibble++ {
		if n.bitmap&(1<<nibble) != 0 {
			fn(nibble, n.children[i])
			i++
		}
	}
}

func (n *internalNode) clone() *internalNode {
	return &internalNode{bitmap: n.bitmap, children: append([][]byte(nil), n.children...)}
}

type leafNode struct {
	path      []byte
	valueHash []byte
}

// ============================================
// 序列化
// ============================================
// internal: [1][bitmap 2 bytes][child hash]...
// leaf:     [2][path][value hash]

func encodeInternal(n *internalNode, hashSize int) []byte {
	buf := make([]byte, 3, 3+len(n.children)*hashSize)
	buf[0] = byte(nodeInternal)
	binary.BigEndian.PutUint16(buf[1:3], n.bitmap)
	for _, c := range n.children {
		buf = append(buf, c...)
	}
	return buf
}

func decodeInternal(data []byte, hashSize int) (*internalNode, error) {
	if len(data) < 3 || nodeType(data[0]) != nodeInternal {
		return nil, fmt.Errorf("%w: bad internal node", ErrCorruptedTree)
	}
	bitmap := binary.BigEndian.Uint16(data[1:3])
	count := bits.OnesCount16(bitmap)
	if len(data) != 3+count*hashSize {
		return nil, fmt.Errorf("%w: internal node length %d, want %d", ErrCorruptedTree, len(data), 3+count*hashSize)
	}
	n := &internalNode{bitmap: bitmap, children: make([][]byte, count)}
	for i := 0; i < count; i++ {
		off := 3 + i*hashSize
		n.children[i] = append([]byte(nil), data[off:off+hashSize]...)
	}
	return n, nil
}

func encodeLeaf(n *leafNode) []byte {
	buf := make([]byte, 0, 1+len(n.path)+len(n.valueHash))
	buf = append(buf, byte(nodeLeaf))
	buf = append(buf, n.path...)
	return append(buf, n.valueHash...)
}

func decodeLeaf(data []byte, hashSize int) (*leafNode, error) {
	if len(data) != 1+2*hashSize || nodeType(data[0]) != nodeLeaf {
		return nil, fmt.Errorf("%w: bad leaf node", ErrCorruptedTree)
	}
	return &leafNode{
		path:      append([]byte(nil), data[1:1+hashSize]...),
		valueHash: append([]byte(nil), data[1+hashSize:]...),
	}, nil
}

func typeOf(data []byte) nodeType {
	if len(data) == 0 {
		return nodeNull
	}
	return nodeType(data[0])
}

// nibbleAt 获取指定位置的 Nibble (0-15)
func nibbleAt(path []byte, pos int) byte {
	b := path[pos/2]
	if pos%2 == 0 {
		return b >> 4
	}
	return b & 0x0f
}

// commonNibbles 计算两个路径的公共 Nibble 前缀长度
func commonNibbles(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n*2; i++ {
		if nibbleAt(a, i) != nibbleAt(b, i) {
			return i
		}
	}
	return n * 2
}
