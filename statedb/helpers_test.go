package statedb

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"rollup/config"
	"rollup/kv"
	"rollup/types"
)

func testConfig() config.StateDBConfig {
	return config.StateDBConfig{MaxTx: 8, MaxOnChainTx: 4, NLevels: 16, MaxFeeCoins: 2}
}

func openTestDB(t *testing.T) (*StateDB, *kv.MemoryStore) {
	t.Helper()
	store := kv.NewMemoryStore()
	s, err := Open(store, testConfig(), WithNodeCacheSize(0))
	require.NoError(t, err)
	return s, store
}

// user i owns the key (1000+i, 2000+i) and address i.
func userKey(i int64) (*big.Int, *big.Int) {
	return big.NewInt(1000 + i), big.NewInt(2000 + i)
}

func userAddr(i int64) common.Address {
	return common.BigToAddress(big.NewInt(i))
}

func depositTx(user int64, coin uint16, amount uint64) *types.OnChainTx {
	ax, ay := userKey(user)
	return &types.OnChainTx{
		Coin:        coin,
		LoadAmount:  uint256.NewInt(amount),
		FromAx:      ax,
		FromAy:      ay,
		FromEthAddr: userAddr(user),
	}
}

func forceTransferTx(from, to int64, coin uint16, amount uint64) *types.OnChainTx {
	tx := depositTx(from, coin, 0)
	tx.Amount = uint256.NewInt(amount)
	tx.ToAx, tx.ToAy = userKey(to)
	tx.ToEthAddr = userAddr(to)
	return tx
}

func forceExitTx(from int64, coin uint16, amount uint64) *types.OnChainTx {
	tx := depositTx(from, coin, 0)
	tx.Amount = uint256.NewInt(amount)
	return tx
}

func transferTx(from, to uint64, coin uint16, amount uint64, nonce uint32, fee types.FeeSelector) *types.OffChainTx {
	return &types.OffChainTx{
		FromIdx: from,
		ToIdx:   to,
		Coin:    coin,
		Amount:  uint256.NewInt(amount),
		Nonce:   nonce,
		Fee:     fee,
	}
}

func exitTx(from uint64, coin uint16, amount uint64, nonce uint32) *types.OffChainTx {
	return transferTx(from, 0, coin, amount, nonce, types.Fee0)
}

// consolidate runs one batch made of txs and fails the test on any error.
func consolidate(t *testing.T, s *StateDB, txs ...types.RawTx) *BatchBuilder {
	t.Helper()
	bb := s.BuildBatch()
	for _, tx := range txs {
		require.NoError(t, bb.AddTx(tx))
	}
	require.NoError(t, s.Consolidate(bb))
	return bb
}

func amountOf(t *testing.T, s *StateDB, idx uint64) uint64 {
	t.Helper()
	a, err := s.GetStateByIdx(idx)
	require.NoError(t, err)
	require.NotNil(t, a, "idx %d", idx)
	return a.Amount.Uint64()
}
