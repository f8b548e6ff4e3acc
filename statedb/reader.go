package statedb

import (
	"errors"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"rollup/jmt"
	"rollup/keys"
	"rollup/kv"
	"rollup/types"
)

// ====== 历史索引读取 ======
// reader resolves keys to the leaf valid as of lastBatch.

type reader struct {
	db        kv.Reader
	lastBatch uint64
}

func (r *reader) get(key []byte) ([]byte, bool, error) {
	v, err := r.db.Get(key)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (r *reader) history(key []byte) (History, error) {
	raw, ok, err := r.get(key)
	if err != nil || !ok {
		return nil, err
	}
	return decodeHistory(raw)
}

// at returns the history entry in force at lastBatch.
func (r *reader) at(key []byte) (uint64, bool, error) {
	h, err := r.history(key)
	if err != nil {
		return 0, false, err
	}
	b, ok := h.LastAtOrBefore(r.lastBatch)
	return b, ok, nil
}

func (r *reader) stateByIdx(idx uint64) (*types.Account, error) {
	if idx == 0 {
		return nil, nil
	}
	b, ok, err := r.at(keys.Idx(idx))
	if err != nil || !ok {
		return nil, err
	}
	ptr, ok, err := r.get(keys.IdxState(idx, b))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: idx %d has no snapshot for batch %d", ErrCorruptedState, idx, b)
	}
	raw, ok, err := r.get(jmt.ValueKey(keys.NamespaceStateTree, ptr))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: missing leaf value for idx %d", ErrCorruptedState, idx)
	}
	return types.AccountFromBytes(idx, raw)
}

func (r *reader) idxList(histKey []byte, stateKey func(uint64) []byte) ([]uint64, error) {
	b, ok, err := r.at(histKey)
	if err != nil || !ok {
		return nil, err
	}
	raw, ok, err := r.get(stateKey(b))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: index snapshot missing for batch %d", ErrCorruptedState, b)
	}
	return decodeUint64s(raw)
}

func (r *reader) idxsByAxAy(ax, ay *big.Int) ([]uint64, error) {
	if types.IsExitIdentity(ax, ay) {
		return nil, nil
	}
	ax, ay = nz(ax), nz(ay)
	return r.idxList(keys.AxAy(ax, ay), func(b uint64) []byte { return keys.AxAyState(ax, ay, b) })
}

func (r *reader) idxsByEthAddr(addr common.Address) ([]uint64, error) {
	return r.idxList(keys.EthAddr(addr), func(b uint64) []byte { return keys.EthAddrState(addr, b) })
}

func (r *reader) states(idxs []uint64) ([]*types.Account, error) {
	out := make([]*types.Account, 0, len(idxs))
	for _, idx := range idxs {
		a, err := r.stateByIdx(idx)
		if err != nil {
			return nil, err
		}
		if a != nil {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *reader) statesByAxAy(ax, ay *big.Int) ([]*types.Account, error) {
	idxs, err := r.idxsByAxAy(ax, ay)
	if err != nil {
		return nil, err
	}
	return r.states(idxs)
}

func (r *reader) statesByEthAddr(addr common.Address) ([]*types.Account, error) {
	idxs, err := r.idxsByEthAddr(addr)
	if err != nil {
		return nil, err
	}
	return r.states(idxs)
}

// getIdx picks the account of (ax, ay) holding coin. 0 when none.
func (r *reader) getIdx(coin uint16, ax, ay *big.Int) (uint64, error) {
	accs, err := r.statesByAxAy(ax, ay)
	if err != nil {
		return 0, err
	}
	for _, a := range accs {
		if a.Coin == coin {
			return a.Idx, nil
		}
	}
	return 0, nil
}

func (r *reader) stateByAccount(coin uint16, ax, ay *big.Int) (*types.Account, error) {
	idx, err := r.getIdx(coin, ax, ay)
	if err != nil || idx == 0 {
		return nil, err
	}
	return r.stateByIdx(idx)
}

func mergeIdxs(a []uint64, extra ...uint64) []uint64 {
	seen := make(map[uint64]struct{}, len(a)+len(extra))
	out := make([]uint64, 0, len(a)+len(extra))
	for _, v := range append(append([]uint64(nil), a...), extra...) {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
