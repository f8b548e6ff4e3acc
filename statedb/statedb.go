// statedb/statedb.go
package statedb

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"rollup/config"
	"rollup/jmt"
	"rollup/keys"
	"rollup/kv"
	"rollup/logs"
	"rollup/types"
)

// ====== StateDB 主体 ======

// StateDB is the rollup ledger: the last consolidated batch, its roots and
// idx watermark, plus the history indexes used for lookups and rollback.
// Consolidate and RollbackToBatch are the only writers of the store.
type StateDB struct {
	db    kv.Store
	cfg   config.StateDBConfig
	cache *jmt.NodeCache

	// 并发保护: Consolidate / RollbackToBatch 持写锁
	mu        sync.RWMutex
	lastBatch uint64
	stateRoot []byte
	exitRoot  []byte
	lastIdx   uint64
}

type Option func(*openOptions)

type openOptions struct {
	nodeCacheSize int
}

// WithNodeCacheSize sets the shared tree node cache size. 0 disables it.
func WithNodeCacheSize(n int) Option {
	return func(o *openOptions) { o.nodeCacheSize = n }
}

// Open reads the master pointer. A missing pointer is the genesis state.
func Open(store kv.Store, cfg config.StateDBConfig, opts ...Option) (*StateDB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := openOptions{nodeCacheSize: 1 << 14}
	for _, opt := range opts {
		opt(&o)
	}
	cache, err := jmt.NewNodeCache(o.nodeCacheSize)
	if err != nil {
		return nil, err
	}
	s := &StateDB{
		db:        store,
		cfg:       cfg,
		cache:     cache,
		stateRoot: emptyRoot(),
		exitRoot:  emptyRoot(),
	}

	raw, err := store.Get(keys.Master())
	if errors.Is(err, kv.ErrNotFound) {
		logs.Info("[StateDB] opened at genesis")
		return s, nil
	}
	if err != nil {
		return nil, err
	}
	if len(raw) != 8 {
		return nil, fmt.Errorf("%w: master pointer length %d", ErrCorruptedState, len(raw))
	}
	n := binary.BigEndian.Uint64(raw)
	rec, idx, err := s.loadBatch(n)
	if err != nil {
		return nil, err
	}
	s.lastBatch, s.stateRoot, s.exitRoot, s.lastIdx = n, rec.StateRoot, rec.ExitRoot, idx
	logs.Info("[StateDB] opened at batch=%d idx=%d root=%x", n, idx, s.stateRoot)
	return s, nil
}

func emptyRoot() []byte { return make([]byte, 32) }

func u64Bytes(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

// loadBatch reads Batch(n) and InitialIdx(n).
func (s *StateDB) loadBatch(n uint64) (*types.BatchRecord, uint64, error) {
	if n == 0 {
		return &types.BatchRecord{StateRoot: emptyRoot(), ExitRoot: emptyRoot()}, 0, nil
	}
	raw, err := s.db.Get(keys.Batch(n))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, 0, fmt.Errorf("%w: no record for batch %d", ErrCorruptedState, n)
	}
	if err != nil {
		return nil, 0, err
	}
	rec, err := types.BatchRecordFromBytes(n, raw)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrCorruptedState, err)
	}
	raw, err = s.db.Get(keys.InitialIdx(n))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, 0, fmt.Errorf("%w: no idx watermark for batch %d", ErrCorruptedState, n)
	}
	if err != nil {
		return nil, 0, err
	}
	if len(raw) != 8 {
		return nil, 0, fmt.Errorf("%w: idx watermark length %d", ErrCorruptedState, len(raw))
	}
	return rec, binary.BigEndian.Uint64(raw), nil
}

// ====== 访问器 ======

func (s *StateDB) LastBatch() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastBatch
}

func (s *StateDB) StateRoot() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]byte(nil), s.stateRoot...)
}

func (s *StateDB) ExitRoot() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]byte(nil), s.exitRoot...)
}

// InitialIdx is the idx watermark after the last batch.
func (s *StateDB) InitialIdx() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastIdx
}

func (s *StateDB) Config() config.StateDBConfig { return s.cfg }

// BatchRecord returns the roots recorded for batch n.
func (s *StateDB) BatchRecord(n uint64) (*types.BatchRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n > s.lastBatch {
		return nil, fmt.Errorf("%w: %d > %d", ErrFutureBatch, n, s.lastBatch)
	}
	rec, _, err := s.loadBatch(n)
	return rec, err
}

func (s *StateDB) reader() *reader {
	return &reader{db: s.db, lastBatch: s.lastBatch}
}

// ====== 查询 ======
// All lookups return (nil, nil) when the key has no state.

func (s *StateDB) GetStateByIdx(idx uint64) (*types.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reader().stateByIdx(idx)
}

func (s *StateDB) GetStateByAxAy(ax, ay *big.Int) ([]*types.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reader().statesByAxAy(ax, ay)
}

func (s *StateDB) GetStateByEthAddr(addr common.Address) ([]*types.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reader().statesByEthAddr(addr)
}

// GetIdx returns the idx of the (coin, ax, ay) account, 0 if none.
func (s *StateDB) GetIdx(coin uint16, ax, ay *big.Int) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reader().getIdx(coin, ax, ay)
}

func (s *StateDB) GetStateByAccount(coin uint16, ax, ay *big.Int) (*types.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reader().stateByAccount(coin, ax, ay)
}

// ====== 批次 ======

// BuildBatch snapshots the store into a builder for lastBatch+1.
func (s *StateDB) BuildBatch() *BatchBuilder {
	return s.BuildBatchWith(s.cfg.MaxTx, s.cfg.NLevels)
}

func (s *StateDB) BuildBatchWith(maxTx, nLevels int) *BatchBuilder {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg := s.cfg
	cfg.MaxTx, cfg.NLevels = maxTx, nLevels
	if cfg.MaxOnChainTx > maxTx {
		cfg.MaxOnChainTx = maxTx
	}
	return newBatchBuilder(s, cfg)
}

// Consolidate builds bb if needed and commits it in one atomic write.
func (s *StateDB) Consolidate(bb *BatchBuilder) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if bb.owner != s || bb.batchNumber != s.lastBatch+1 {
		return fmt.Errorf("%w: builder for %d, store at %d", ErrWrongBatchNumber, bb.batchNumber, s.lastBatch)
	}
	if !bytes.Equal(bb.oldStateRoot, s.stateRoot) || bb.initialIdx != s.lastIdx {
		return fmt.Errorf("%w: builder snapshot is stale", ErrWrongBatchNumber)
	}
	if err := bb.Build(); err != nil {
		return err
	}
	res := bb.out
	n := bb.batchNumber

	rec := &types.BatchRecord{Number: n, StateRoot: res.stateRoot, ExitRoot: res.exitRoot}
	ins := res.overlay.Writes()
	ins = append(ins,
		kv.KV{Key: keys.Batch(n), Value: rec.Bytes()},
		kv.KV{Key: keys.InitialIdx(n), Value: u64Bytes(res.finalIdx)},
		kv.KV{Key: keys.Master(), Value: u64Bytes(n)},
	)
	if err := s.db.MultiIns(ins); err != nil {
		return fmt.Errorf("consolidate batch %d: %w", n, err)
	}

	s.lastBatch = n
	s.stateRoot = append([]byte(nil), res.stateRoot...)
	s.exitRoot = append([]byte(nil), res.exitRoot...)
	s.lastIdx = res.finalIdx
	logs.Info("[StateDB] consolidated batch=%d txs=%d/%d idx=%d root=%x",
		n, len(bb.onChain), len(bb.offChain), res.finalIdx, res.stateRoot)
	return nil
}

// RollbackToBatch truncates every history touched after numBatch and
// restores the ledger to the state right after numBatch was consolidated.
// All deletes and rewrites go out in a single write.
func (s *StateDB) RollbackToBatch(numBatch uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if numBatch > s.lastBatch {
		return fmt.Errorf("%w: target %d, last %d", ErrFutureRollback, numBatch, s.lastBatch)
	}
	if numBatch == s.lastBatch {
		return nil
	}

	r := s.reader()
	var (
		ins  []kv.KV
		dels [][]byte
	)
	purge := func(histKey []byte, pointer func(uint64) []byte) error {
		h, err := r.history(histKey)
		if err != nil {
			return err
		}
		kept := h.Purge(numBatch)
		for _, b := range h[len(kept):] {
			dels = append(dels, pointer(b))
		}
		switch {
		case len(kept) == 0 && len(h) > 0:
			dels = append(dels, histKey)
		case len(kept) != len(h):
			ins = append(ins, kv.KV{Key: histKey, Value: kept.Bytes()})
		}
		return nil
	}

	// a key touched in several rolled-back batches is purged once
	doneIdx := make(map[uint64]struct{})
	doneAxAy := make(map[string]struct{})
	doneEth := make(map[common.Address]struct{})
	for b := numBatch + 1; b <= s.lastBatch; b++ {
		t, err := loadTouched(r, b)
		if err != nil {
			return err
		}
		for _, idx := range t.idxs {
			if _, ok := doneIdx[idx]; ok {
				continue
			}
			doneIdx[idx] = struct{}{}
			idx := idx
			if err := purge(keys.Idx(idx), func(n uint64) []byte { return keys.IdxState(idx, n) }); err != nil {
				return err
			}
		}
		for _, pk := range t.pubKeys {
			id := pk.id()
			if _, ok := doneAxAy[id]; ok {
				continue
			}
			doneAxAy[id] = struct{}{}
			pk := pk
			if err := purge(keys.AxAy(pk.ax, pk.ay), func(n uint64) []byte { return keys.AxAyState(pk.ax, pk.ay, n) }); err != nil {
				return err
			}
		}
		for _, addr := range t.ethAddrs {
			if _, ok := doneEth[addr]; ok {
				continue
			}
			doneEth[addr] = struct{}{}
			addr := addr
			if err := purge(keys.EthAddr(addr), func(n uint64) []byte { return keys.EthAddrState(addr, n) }); err != nil {
				return err
			}
		}
		dels = append(dels,
			keys.NumBatchIdx(b), keys.NumBatchAxAy(b), keys.NumBatchEthAddr(b),
			keys.Batch(b), keys.InitialIdx(b),
		)
	}

	rec, idx, err := s.loadBatch(numBatch)
	if err != nil {
		return err
	}
	if numBatch == 0 {
		dels = append(dels, keys.Master())
	} else {
		ins = append(ins, kv.KV{Key: keys.Master(), Value: u64Bytes(numBatch)})
	}
	if err := s.db.Write(ins, dels); err != nil {
		return fmt.Errorf("rollback to %d: %w", numBatch, err)
	}

	logs.Info("[StateDB] rolled back batch=%d -> %d (accounts=%d pubkeys=%d ethAddrs=%d)",
		s.lastBatch, numBatch, len(doneIdx), len(doneAxAy), len(doneEth))
	s.lastBatch, s.stateRoot, s.exitRoot, s.lastIdx = numBatch, rec.StateRoot, rec.ExitRoot, idx
	return nil
}

// ====== Exit tree ======

// ExitInfo is a withdrawal proof against the exit root of one batch.
type ExitInfo struct {
	Found       bool
	BatchNumber uint64
	Idx         uint64
	ExitRoot    []byte
	Proof       *jmt.Proof
	// Siblings flattened for the circuit
	Siblings []*big.Int
	State    *types.Account
}

// GetExitTreeInfo proves the exit leaf of (coin, ax, ay) in batch numBatch.
// It reads through a view at that batch's exit root and writes nothing.
func (s *StateDB) GetExitTreeInfo(numBatch uint64, coin uint16, ax, ay *big.Int) (*ExitInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if numBatch > s.lastBatch {
		return nil, fmt.Errorf("%w: %d > %d", ErrFutureBatch, numBatch, s.lastBatch)
	}
	info := &ExitInfo{BatchNumber: numBatch}
	idx, err := s.reader().getIdx(coin, ax, ay)
	if err != nil {
		return nil, err
	}
	if idx == 0 {
		return info, nil
	}
	rec, _, err := s.loadBatch(numBatch)
	if err != nil {
		return nil, err
	}
	info.Idx, info.ExitRoot = idx, rec.ExitRoot

	view := jmt.NewTree(s.db, keys.NamespaceExitTree, rec.ExitRoot, jmt.WithCache(s.cache))
	proof, err := view.Prove(keys.TreeKey(idx))
	if err != nil {
		return nil, err
	}
	info.Proof = proof
	info.Siblings = flattenSiblings(proof)
	if proof.IsMembership() {
		if info.State, err = types.AccountFromBytes(idx, proof.Value); err != nil {
			return nil, err
		}
		info.Found = true
	}
	return info, nil
}
