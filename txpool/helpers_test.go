package txpool

import (
	"math/big"
	"math/rand"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"rollup/config"
	"rollup/kv"
	"rollup/statedb"
	"rollup/types"
)

type user struct {
	key    *types.PrivateKey
	ax, ay *big.Int
	addr   common.Address
}

func newUser(t *testing.T, seed int64) *user {
	t.Helper()
	k, err := types.GenerateKey(rand.New(rand.NewSource(seed)))
	require.NoError(t, err)
	ax, ay := k.PublicKey()
	return &user{key: k, ax: ax, ay: ay, addr: common.BigToAddress(big.NewInt(seed))}
}

func (u *user) deposit(coin uint16, amount uint64) *types.OnChainTx {
	return &types.OnChainTx{
		Coin:        coin,
		LoadAmount:  uint256.NewInt(amount),
		FromAx:      u.ax,
		FromAy:      u.ay,
		FromEthAddr: u.addr,
	}
}

func (u *user) transfer(t *testing.T, from, to uint64, coin uint16, amount uint64, nonce uint32, fee types.FeeSelector) *types.OffChainTx {
	t.Helper()
	tx := &types.OffChainTx{
		FromIdx: from,
		ToIdx:   to,
		Coin:    coin,
		Amount:  uint256.NewInt(amount),
		Nonce:   nonce,
		Fee:     fee,
	}
	require.NoError(t, tx.Sign(u.key))
	return tx
}

// transferToKey addresses the receiver by key instead of idx.
func (u *user) transferToKey(t *testing.T, from uint64, to *user, coin uint16, amount uint64, nonce uint32, fee types.FeeSelector) *types.OffChainTx {
	t.Helper()
	tx := &types.OffChainTx{
		FromIdx:   from,
		ToAx:      to.ax,
		ToAy:      to.ay,
		ToEthAddr: to.addr,
		Coin:      coin,
		Amount:    uint256.NewInt(amount),
		Nonce:     nonce,
		Fee:       fee,
	}
	require.NoError(t, tx.Sign(u.key))
	return tx
}

func testStateConfig() config.StateDBConfig {
	return config.StateDBConfig{MaxTx: 8, MaxOnChainTx: 4, NLevels: 16, MaxFeeCoins: 2}
}

func testPoolConfig() config.TxPoolConfig {
	return config.TxPoolConfig{
		ExecutableSlots:    8,
		NonExecutableSlots: 4,
		MaxPendingDeposits: 4,
		MinNormalizedFee:   "0",
		ReferencePrices:    map[uint16]string{1: "1", 2: "10"},
		MessageQueueSize:   16,
	}
}

func openState(t *testing.T) *statedb.StateDB {
	t.Helper()
	s, err := statedb.Open(kv.NewMemoryStore(), testStateConfig(), statedb.WithNodeCacheSize(0))
	require.NoError(t, err)
	return s
}

func consolidate(t *testing.T, s *statedb.StateDB, txs ...types.RawTx) {
	t.Helper()
	bb := s.BuildBatch()
	for _, tx := range txs {
		require.NoError(t, bb.AddTx(tx))
	}
	require.NoError(t, s.Consolidate(bb))
}

func newPool(t *testing.T, s *statedb.StateDB, store kv.Store, cfg config.TxPoolConfig) *TxPool {
	t.Helper()
	p, err := New(s, store, cfg)
	require.NoError(t, err)
	return p
}

func amountOf(t *testing.T, s *statedb.StateDB, idx uint64) uint64 {
	t.Helper()
	a, err := s.GetStateByIdx(idx)
	require.NoError(t, err)
	require.NotNil(t, a)
	return a.Amount.Uint64()
}
