// Package jmt is a 16-ary Jellyfish Merkle tree whose nodes and values are
// content addressed in a kv store. A root hash fully identifies a tree
// version: older roots stay readable as long as their nodes are kept.
package jmt

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"rollup/kv"
)

var (
	ErrNotFound      = errors.New("jmt: key not found")
	ErrCorruptedTree = errors.New("jmt: corrupted tree")
)

// NodeStore receives the nodes a mutable tree creates.
type NodeStore interface {
	kv.Reader
	Put(key, value []byte)
}

// NodeKey / ValueKey: [ns]['n'|'v'][hash]
func NodeKey(ns byte, hash []byte) []byte {
	return append([]byte{ns, 'n'}, hash...)
}

func ValueKey(ns byte, hash []byte) []byte {
	return append([]byte{ns, 'v'}, hash...)
}

// NodeCache is an LRU of encoded nodes. Nodes never change once written,
// so one cache can serve every tree view.
type NodeCache struct {
	c *lru.Cache[string, []byte]
}

// NewNodeCache returns nil when size <= 0, which disables caching.
func NewNodeCache(size int) (*NodeCache, error) {
	if size <= 0 {
		return nil, nil
	}
	c, err := lru.New[string, []byte](size)
	if err != nil {
		return nil, err
	}
	return &NodeCache{c: c}, nil
}

func (nc *NodeCache) get(key []byte) ([]byte, bool) {
	if nc == nil {
		return nil, false
	}
	return nc.c.Get(string(key))
}

func (nc *NodeCache) add(key, data []byte) {
	if nc != nil {
		nc.c.Add(string(key), data)
	}
}

// ============================================
// Tree
// ============================================

type Tree struct {
	mu     sync.RWMutex
	hasher *Hasher
	reader kv.Reader
	writer NodeStore // nil: read-only view
	ns     byte
	root   []byte
	cache  *NodeCache
}

type Option func(*Tree)

func WithCache(c *NodeCache) Option { return func(t *Tree) { t.cache = c } }
func WithHasher(h *Hasher) Option   { return func(t *Tree) { t.hasher = h } }

// NewTree opens a read-only view at root. A nil root is the empty tree.
func NewTree(r kv.Reader, ns byte, root []byte, opts ...Option) *Tree {
	t := &Tree{reader: r, ns: ns}
	for _, o := range opts {
		o(t)
	}
	if t.hasher == nil {
		t.hasher = NewKeccakHasher()
	}
	t.root = t.hasher.Placeholder()
	if len(root) > 0 {
		t.root = append([]byte(nil), root...)
	}
	return t
}

// NewMutableTree opens a tree at root that writes new nodes into s.
func NewMutableTree(s NodeStore, ns byte, root []byte, opts ...Option) *Tree {
	t := NewTree(s, ns, root, opts...)
	t.writer = s
	return t
}

func (t *Tree) Root() []byte {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]byte(nil), t.root...)
}

func (t *Tree) Hasher() *Hasher { return t.hasher }

// ValueHash is the digest a leaf records for value.
func (t *Tree) ValueHash(value []byte) []byte {
	return t.hasher.Digest(value)
}

func (t *Tree) node(hash []byte) ([]byte, error) {
	key := NodeKey(t.ns, hash)
	if data, ok := t.cache.get(key); ok {
		return data, nil
	}
	data, err := t.reader.Get(key)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, fmt.Errorf("%w: missing node %x", ErrCorruptedTree, hash)
		}
		return nil, err
	}
	t.cache.add(key, data)
	return data, nil
}

// ReadValue loads a value by its digest.
func (t *Tree) ReadValue(valueHash []byte) ([]byte, error) {
	v, err := t.reader.Get(ValueKey(t.ns, valueHash))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, fmt.Errorf("%w: missing value %x", ErrCorruptedTree, valueHash)
	}
	return v, err
}

func (t *Tree) putNode(hash, encoded []byte) []byte {
	key := NodeKey(t.ns, hash)
	t.writer.Put(key, encoded)
	t.cache.add(key, encoded)
	return hash
}

// Get 读取 key 对应的值
func (t *Tree) Get(key []byte) ([]byte, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	path := t.hasher.Path(key)
	leafData, _, err := t.walk(path, false)
	if err != nil {
		return nil, err
	}
	if leafData == nil {
		return nil, ErrNotFound
	}
	leaf, err := decodeLeaf(leafData, t.hasher.hashSize)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(leaf.path, path) {
		return nil, ErrNotFound
	}
	return t.ReadValue(leaf.valueHash)
}

// Update sets key to value and returns the new root.
func (t *Tree) Update(key, value []byte) ([]byte, error) {
	if t.writer == nil {
		return nil, errors.New("jmt: update on read-only tree")
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	valueHash := t.hasher.Digest(value)
	t.writer.Put(ValueKey(t.ns, valueHash), value)

	root, err := t.insert(t.root, t.hasher.Path(key), valueHash, 0)
	if err != nil {
		return nil, err
	}
	t.root = root
	return append([]byte(nil), root...), nil
}

func (t *Tree) insert(nodeHash, path, valueHash []byte, depth int) ([]byte, error) {
	if t.hasher.IsPlaceholder(nodeHash) {
		return t.putLeaf(path, valueHash), nil
	}
	if depth >= t.hasher.MaxDepth() {
		return nil, fmt.Errorf("%w: path deeper than %d nibbles", ErrCorruptedTree, t.hasher.MaxDepth())
	}
	data, err := t.node(nodeHash)
	if err != nil {
		return nil, err
	}
	switch typeOf(data) {
	case nodeLeaf:
		leaf, err := decodeLeaf(data, t.hasher.hashSize)
		if err != nil {
			return nil, err
		}
		if bytes.Equal(leaf.path, path) {
			return t.putLeaf(path, valueHash), nil
		}
		return t.split(nodeHash, leaf.path, path, valueHash, depth), nil

	case nodeInternal:
		n, err := decodeInternal(data, t.hasher.hashSize)
		if err != nil {
			return nil, err
		}
		nibble := nibbleAt(path, depth)
		child, err := t.insert(n.child(nibble), path, valueHash, depth+1)
		if err != nil {
			return nil, err
		}
		n = n.clone()
		n.setChild(nibble, child)
		return t.putInternal(n), nil
	}
	return nil, fmt.Errorf("%w: unknown node type %d", ErrCorruptedTree, data[0])
}

// split replaces an existing leaf at depth with the smallest subtree that
// holds both leaves.
func (t *Tree) split(existingHash, existingPath, path, valueHash []byte, depth int) []byte {
	common := commonNibbles(existingPath, path)
	n := &internalNode{}
	n.setChild(nibbleAt(existingPath, common), existingHash)
	n.setChild(nibbleAt(path, common), t.putLeaf(path, valueHash))
	h := t.putInternal(n)
	for d := common - 1; d >= depth; d-- {
		p := &internalNode{}
		p.setChild(nibbleAt(path, d), h)
		h = t.putInternal(p)
	}
	return h
}

func (t *Tree) putLeaf(path, valueHash []byte) []byte {
	h, enc := t.hasher.digestLeaf(path, valueHash)
	return t.putNode(h, enc)
}

func (t *Tree) putInternal(n *internalNode) []byte {
	h, enc := t.hasher.digestInternal(n)
	return t.putNode(h, enc)
}

// walk follows path from the root down to a leaf or an empty slot.
func (t *Tree) walk(path []byte, withSiblings bool) ([]byte, []*SiblingInfo, error) {
	var siblings []*SiblingInfo
	cur := t.root
	for depth := 0; !t.hasher.IsPlaceholder(cur); depth++ {
		if depth > t.hasher.MaxDepth() {
			return nil, nil, fmt.Errorf("%w: path deeper than %d nibbles", ErrCorruptedTree, t.hasher.MaxDepth())
		}
		data, err := t.node(cur)
		if err != nil {
			return nil, nil, err
		}
		switch typeOf(data) {
		case nodeLeaf:
			return data, siblings, nil
		case nodeInternal:
			n, err := decodeInternal(data, t.hasher.hashSize)
			if err != nil {
				return nil, nil, err
			}
			nibble := nibbleAt(path, depth)
			if withSiblings {
				siblings = append(siblings, t.hasher.extractSiblings(n, nibble))
			}
			cur = n.child(nibble)
		default:
			return nil, nil, fmt.Errorf("%w: unknown node type %d", ErrCorruptedTree, data[0])
		}
	}
	return nil, siblings, nil
}
