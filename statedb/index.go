package statedb

import (
	"bytes"
	"fmt"
	"math/big"
	"sort"

	"github.com/RoaringBitmap/roaring/roaring64"
	"github.com/ethereum/go-ethereum/common"

	"rollup/jmt"
	"rollup/keys"
	"rollup/kv"
)

type pubKey struct {
	ax, ay *big.Int
}

// id is the 64-byte ax|ay form, also the NumBatch_AxAy entry encoding.
func (p pubKey) id() string {
	b := make([]byte, 64)
	p.ax.FillBytes(b[:32])
	p.ay.FillBytes(b[32:])
	return string(b)
}

// touchedSet is what one batch changed, read back by rollback.
type touchedSet struct {
	idxs     []uint64
	pubKeys  []pubKey
	ethAddrs []common.Address
}

func loadTouched(r *reader, batch uint64) (*touchedSet, error) {
	t := &touchedSet{}
	raw, ok, err := r.get(keys.NumBatchIdx(batch))
	if err != nil {
		return nil, err
	}
	if ok {
		bm := roaring64.New()
		if err := bm.UnmarshalBinary(raw); err != nil {
			return nil, fmt.Errorf("%w: touched idx set of batch %d: %v", ErrCorruptedState, batch, err)
		}
		t.idxs = bm.ToArray()
	}

	raw, ok, err = r.get(keys.NumBatchAxAy(batch))
	if err != nil {
		return nil, err
	}
	if ok {
		if len(raw)%64 != 0 {
			return nil, fmt.Errorf("%w: touched pubkey set of batch %d", ErrCorruptedState, batch)
		}
		for off := 0; off < len(raw); off += 64 {
			t.pubKeys = append(t.pubKeys, pubKey{
				ax: new(big.Int).SetBytes(raw[off : off+32]),
				ay: new(big.Int).SetBytes(raw[off+32 : off+64]),
			})
		}
	}

	raw, ok, err = r.get(keys.NumBatchEthAddr(batch))
	if err != nil {
		return nil, err
	}
	if ok {
		if len(raw)%common.AddressLength != 0 {
			return nil, fmt.Errorf("%w: touched address set of batch %d", ErrCorruptedState, batch)
		}
		for off := 0; off < len(raw); off += common.AddressLength {
			t.ethAddrs = append(t.ethAddrs, common.BytesToAddress(raw[off:off+common.AddressLength]))
		}
	}
	return t, nil
}

// writeIndexes appends the batch to the history of every account, pubkey
// and address the batch changed, and records the touched sets.
func writeIndexes(o *kv.Overlay, base *reader, st *jmt.Tree, ws *workingState, batch uint64) (*touchedSet, error) {
	t := &touchedSet{}
	bm := roaring64.New()
	byPub := make(map[string][]uint64)
	pubs := make(map[string]pubKey)
	byEth := make(map[common.Address][]uint64)

	for _, idx := range ws.touchedIdxs() {
		acc := ws.accounts[idx]
		h, err := base.history(keys.Idx(idx))
		if err != nil {
			return nil, err
		}
		o.Put(keys.Idx(idx), h.Append(batch).Bytes())
		o.Put(keys.IdxState(idx, batch), st.ValueHash(acc.Bytes()))
		bm.Add(idx)
		t.idxs = append(t.idxs, idx)

		pk := pubKey{ax: acc.Ax, ay: acc.Ay}
		pubs[pk.id()] = pk
		byPub[pk.id()] = append(byPub[pk.id()], idx)
		byEth[acc.EthAddr] = append(byEth[acc.EthAddr], idx)
	}

	ids := make([]string, 0, len(pubs))
	for id := range pubs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var axay []byte
	for _, id := range ids {
		pk := pubs[id]
		prev, err := base.idxsByAxAy(pk.ax, pk.ay)
		if err != nil {
			return nil, err
		}
		h, err := base.history(keys.AxAy(pk.ax, pk.ay))
		if err != nil {
			return nil, err
		}
		o.Put(keys.AxAy(pk.ax, pk.ay), h.Append(batch).Bytes())
		o.Put(keys.AxAyState(pk.ax, pk.ay, batch), encodeUint64s(mergeIdxs(prev, byPub[id]...)))
		axay = append(axay, id...)
		t.pubKeys = append(t.pubKeys, pk)
	}

	addrs := make([]common.Address, 0, len(byEth))
	for a := range byEth {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool { return bytes.Compare(addrs[i][:], addrs[j][:]) < 0 })
	var eths []byte
	for _, a := range addrs {
		prev, err := base.idxsByEthAddr(a)
		if err != nil {
			return nil, err
		}
		h, err := base.history(keys.EthAddr(a))
		if err != nil {
			return nil, err
		}
		o.Put(keys.EthAddr(a), h.Append(batch).Bytes())
		o.Put(keys.EthAddrState(a, batch), encodeUint64s(mergeIdxs(prev, byEth[a]...)))
		eths = append(eths, a.Bytes()...)
		t.ethAddrs = append(t.ethAddrs, a)
	}

	bmBytes, err := bm.MarshalBinary()
	if err != nil {
		return nil, err
	}
	o.Put(keys.NumBatchIdx(batch), bmBytes)
	o.Put(keys.NumBatchAxAy(batch), axay)
	o.Put(keys.NumBatchEthAddr(batch), eths)
	return t, nil
}
