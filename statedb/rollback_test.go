package statedb

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rollup/keys"
	"rollup/kv"
	"rollup/types"
)

type snapshot struct {
	stateRoot []byte
	exitRoot  []byte
	lastIdx   uint64
	amounts   map[uint64]uint64
}

func takeSnapshot(t *testing.T, s *StateDB) snapshot {
	t.Helper()
	snap := snapshot{stateRoot: s.StateRoot(), exitRoot: s.ExitRoot(), lastIdx: s.InitialIdx(), amounts: map[uint64]uint64{}}
	for idx := uint64(1); idx <= snap.lastIdx; idx++ {
		snap.amounts[idx] = amountOf(t, s, idx)
	}
	return snap
}

func requireSnapshot(t *testing.T, s *StateDB, want snapshot) {
	t.Helper()
	require.Equal(t, want.stateRoot, s.StateRoot())
	require.Equal(t, want.exitRoot, s.ExitRoot())
	require.Equal(t, want.lastIdx, s.InitialIdx())
	for idx, amt := range want.amounts {
		require.Equal(t, amt, amountOf(t, s, idx), "idx %d", idx)
	}
	a, err := s.GetStateByIdx(want.lastIdx + 1)
	require.NoError(t, err)
	require.Nil(t, a)
}

// randomBatch fills a builder with whatever the generator manages to get
// accepted and returns the accepted txs.
func randomBatch(t *testing.T, s *StateDB, rng *rand.Rand, users int64) []types.RawTx {
	bb := s.BuildBatch()
	var out []types.RawTx
	for i := 0; i < 12; i++ {
		var tx types.RawTx
		switch rng.Intn(4) {
		case 0:
			tx = depositTx(rng.Int63n(users)+1, uint16(rng.Intn(2)+1), uint64(rng.Intn(1000)))
		case 1:
			tx = forceTransferTx(rng.Int63n(users)+1, rng.Int63n(users)+1, uint16(rng.Intn(2)+1), uint64(rng.Intn(300)))
		default:
			from := uint64(rng.Intn(int(users)*2)) + 1
			a, err := bb.ResolveStateByIdx(from)
			require.NoError(t, err)
			if a == nil {
				continue
			}
			to := uint64(rng.Intn(int(users)*2))
			tx = transferTx(from, to, a.Coin, uint64(rng.Intn(200)), a.Nonce, types.FeeSelector(rng.Intn(types.FeeTableSize)))
		}
		err := bb.AddTx(tx)
		if err == nil {
			out = append(out, tx)
			continue
		}
		if errors.Is(err, ErrBatchFull) || errors.Is(err, ErrOnChainFull) {
			break
		}
	}
	require.NoError(t, s.Consolidate(bb))
	return out
}

func TestRollbackRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	s, store := openTestDB(t)

	snaps := []snapshot{takeSnapshot(t, s)}
	var batches [][]types.RawTx
	for b := 0; b < 10; b++ {
		batches = append(batches, randomBatch(t, s, rng, 5))
		snaps = append(snaps, takeSnapshot(t, s))
	}

	for _, target := range []uint64{7, 3, 0} {
		require.NoError(t, s.RollbackToBatch(target))
		assert.Equal(t, target, s.LastBatch())
		requireSnapshot(t, s, snaps[target])

		reopened, err := Open(store, testConfig())
		require.NoError(t, err)
		requireSnapshot(t, reopened, snaps[target])

		// replaying the same batches lands on the same roots
		for b := target; b < uint64(len(batches)); b++ {
			consolidate(t, s, batches[b]...)
			requireSnapshot(t, s, snaps[b+1])
		}
	}
}

func TestRollbackReallocatesIdx(t *testing.T) {
	s, _ := openTestDB(t)
	consolidate(t, s, depositTx(1, 7, 10))
	consolidate(t, s, depositTx(2, 7, 20), depositTx(3, 7, 30))
	require.Equal(t, uint64(3), s.InitialIdx())

	require.NoError(t, s.RollbackToBatch(1))
	assert.Equal(t, uint64(1), s.InitialIdx())

	ax, ay := userKey(2)
	idx, err := s.GetIdx(7, ax, ay)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), idx)
	accs, err := s.GetStateByEthAddr(userAddr(3))
	require.NoError(t, err)
	assert.Empty(t, accs)

	// freed indexes are handed out again, in order
	consolidate(t, s, depositTx(4, 7, 40))
	a, err := s.GetStateByIdx(2)
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, uint64(40), a.Amount.Uint64())
	assert.Equal(t, uint64(2), s.InitialIdx())
}

func TestRollbackClearsBatchRecords(t *testing.T) {
	s, store := openTestDB(t)
	consolidate(t, s, depositTx(1, 7, 10))
	consolidate(t, s, depositTx(1, 7, 5))
	consolidate(t, s, depositTx(2, 7, 5))

	require.NoError(t, s.RollbackToBatch(1))
	for b := uint64(2); b <= 3; b++ {
		for _, k := range [][]byte{keys.Batch(b), keys.InitialIdx(b), keys.NumBatchIdx(b), keys.NumBatchAxAy(b), keys.NumBatchEthAddr(b)} {
			_, err := store.Get(k)
			assert.ErrorIs(t, err, kv.ErrNotFound)
		}
	}
	_, err := store.Get(keys.IdxState(1, 2))
	assert.ErrorIs(t, err, kv.ErrNotFound)

	h, err := s.reader().history(keys.Idx(1))
	require.NoError(t, err)
	assert.Equal(t, History{1}, h)

	require.NoError(t, s.RollbackToBatch(0))
	_, err = store.Get(keys.Master())
	assert.ErrorIs(t, err, kv.ErrNotFound)
	_, err = store.Get(keys.Idx(1))
	assert.ErrorIs(t, err, kv.ErrNotFound)
	assert.Equal(t, make([]byte, 32), s.StateRoot())

	// no-op
	require.NoError(t, s.RollbackToBatch(0))
}

func dumpStore(t *testing.T, store *kv.MemoryStore) map[string][]byte {
	t.Helper()
	out := make(map[string][]byte)
	require.NoError(t, store.IteratePrefix(nil, func(k, v []byte) error {
		out[string(k)] = v
		return nil
	}))
	return out
}

func TestRollbackCorruptionLeavesStore(t *testing.T) {
	cases := []struct {
		name string
		key  []byte
	}{
		{"touched idx set", keys.NumBatchIdx(4)},
		{"idx history", keys.Idx(2)},
		{"touched pubkey set", keys.NumBatchAxAy(3)},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			s, store := openTestDB(t)
			consolidate(t, s, depositTx(1, 7, 100), depositTx(2, 7, 100))
			consolidate(t, s, transferTx(1, 2, 7, 10, 0, types.Fee0))
			consolidate(t, s, depositTx(3, 7, 30))
			consolidate(t, s, transferTx(2, 1, 7, 5, 0, types.Fee0))

			require.NoError(t, store.MultiIns([]kv.KV{{Key: c.key, Value: []byte{1, 2, 3}}}))
			before := dumpStore(t, store)
			master, err := store.Get(keys.Master())
			require.NoError(t, err)
			root, exitRoot, lastIdx := s.StateRoot(), s.ExitRoot(), s.InitialIdx()

			err = s.RollbackToBatch(1)
			require.ErrorIs(t, err, ErrCorruptedState)

			assert.Equal(t, before, dumpStore(t, store))
			got, err := store.Get(keys.Master())
			require.NoError(t, err)
			assert.Equal(t, master, got)
			assert.Equal(t, uint64(4), s.LastBatch())
			assert.Equal(t, root, s.StateRoot())
			assert.Equal(t, exitRoot, s.ExitRoot())
			assert.Equal(t, lastIdx, s.InitialIdx())
			for idx := uint64(1); idx <= 3; idx++ {
				if string(keys.Idx(idx)) == string(c.key) {
					continue
				}
				a, err := s.GetStateByIdx(idx)
				require.NoError(t, err)
				require.NotNil(t, a)
			}
		})
	}
}
