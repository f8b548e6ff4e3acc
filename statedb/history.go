package statedb

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// ====== 历史列表 ======
// A History is the ascending list of batch numbers at which a key's leaf
// changed. Stored as concatenated 8-byte big-endian values. The same
// encoding is used for idx lists.

type History []uint64

func encodeUint64s(vs []uint64) []byte {
	out := make([]byte, 8*len(vs))
	for i, v := range vs {
		binary.BigEndian.PutUint64(out[8*i:], v)
	}
	return out
}

func decodeUint64s(b []byte) ([]uint64, error) {
	if len(b)%8 != 0 {
		return nil, fmt.Errorf("%w: list length %d", ErrCorruptedState, len(b))
	}
	out := make([]uint64, len(b)/8)
	for i := range out {
		out[i] = binary.BigEndian.Uint64(b[8*i:])
	}
	return out, nil
}

func (h History) Bytes() []byte { return encodeUint64s(h) }

func decodeHistory(b []byte) (History, error) {
	vs, err := decodeUint64s(b)
	if err != nil {
		return nil, err
	}
	for i := 1; i < len(vs); i++ {
		if vs[i] <= vs[i-1] {
			return nil, fmt.Errorf("%w: history not ascending", ErrCorruptedState)
		}
	}
	return History(vs), nil
}

// LastAtOrBefore returns the greatest entry <= n.
func (h History) LastAtOrBefore(n uint64) (uint64, bool) {
	i := sort.Search(len(h), func(i int) bool { return h[i] > n })
	if i == 0 {
		return 0, false
	}
	return h[i-1], true
}

// Purge truncates the entries after n:
//  1. empty: unchanged
//  2. last <= n: unchanged
//  3. first > n: cleared
//  4. otherwise cut after the greatest entry <= n
func (h History) Purge(n uint64) History {
	if len(h) == 0 || h[len(h)-1] <= n {
		return h
	}
	if h[0] > n {
		return History{}
	}
	i := len(h) - 1
	for h[i] > n {
		i--
	}
	return h[:i+1]
}

// Append adds batch n, dropping anything at or after n first.
func (h History) Append(n uint64) History {
	var base History
	if n > 0 {
		base = h.Purge(n - 1)
	}
	out := make(History, len(base), len(base)+1)
	copy(out, base)
	return append(out, n)
}
