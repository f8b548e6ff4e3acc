package txpool

import (
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rollup/kv"
	"rollup/statedb"
	"rollup/types"
)

// three funded accounts: idx1 (a, coin 1), idx2 (b, coin 1), idx3 (c, coin 2)
type fixture struct {
	s       *statedb.StateDB
	store   *kv.MemoryStore
	a, b, c *user
}

func setup(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		s:     openState(t),
		store: kv.NewMemoryStore(),
		a:     newUser(t, 1),
		b:     newUser(t, 2),
		c:     newUser(t, 3),
	}
	consolidate(t, f.s, f.a.deposit(1, 10000), f.b.deposit(1, 10000), f.c.deposit(2, 10000))
	return f
}

func TestAddTxRejectsOnChainFlag(t *testing.T) {
	f := setup(t)
	p := newPool(t, f.s, f.store, testPoolConfig())

	tx := f.a.transfer(t, 1, 2, 1, 100, 0, types.Fee1Pct)
	tx.OnChain = true
	require.NoError(t, tx.Sign(f.a.key))

	assert.ErrorIs(t, p.AddTx(tx), ErrNotOffChain)
	assert.Equal(t, 0, p.Len())
}

func TestAddTxRejects(t *testing.T) {
	f := setup(t)
	p := newPool(t, f.s, f.store, testPoolConfig())

	cases := []struct {
		name string
		tx   func() *types.OffChainTx
		err  error
	}{
		{"unknown sender", func() *types.OffChainTx { return f.a.transfer(t, 9, 2, 1, 1, 0, types.Fee0) }, ErrAccountNotFound},
		{"coin mismatch", func() *types.OffChainTx { return f.a.transfer(t, 1, 2, 2, 1, 0, types.Fee0) }, statedb.ErrCoinMismatch},
		{"nonce", func() *types.OffChainTx { return f.a.transfer(t, 1, 2, 1, 1, 1, types.Fee0) }, statedb.ErrInvalidNonce},
		{"signature", func() *types.OffChainTx { return f.b.transfer(t, 1, 2, 1, 1, 0, types.Fee0) }, ErrInvalidSignature},
		{"balance", func() *types.OffChainTx { return f.a.transfer(t, 1, 2, 1, 10000, 0, types.Fee1Pct) }, statedb.ErrInsufficientBalance},
		{"destination", func() *types.OffChainTx { return f.a.transfer(t, 1, 9, 1, 1, 0, types.Fee0) }, statedb.ErrUnknownDestination},
		{"load amount", func() *types.OffChainTx {
			tx := f.a.transfer(t, 1, 2, 1, 1, 0, types.Fee0)
			tx.LoadAmount = uint256.NewInt(1)
			return tx
		}, statedb.ErrLoadAmountMustBeZero},
		{"new account", func() *types.OffChainTx {
			tx := f.a.transfer(t, 1, 2, 1, 1, 0, types.Fee0)
			tx.NewAccount = true
			return tx
		}, ErrNotOffChain},
		{"fee selector", func() *types.OffChainTx { return f.a.transfer(t, 1, 2, 1, 1, 0, types.FeeSelector(200)) }, types.ErrInvalidFeeSelector},
		{"half receiver key", func() *types.OffChainTx {
			tx := f.a.transferToKey(t, 1, f.b, 1, 1, 0, types.Fee0)
			tx.ToAy = nil
			require.NoError(t, tx.Sign(f.a.key))
			return tx
		}, statedb.ErrUnknownDestination},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			tx := c.tx()
			var err error
			require.NotPanics(t, func() { err = p.AddTx(tx) })
			assert.ErrorIs(t, err, c.err)
		})
	}
	assert.Equal(t, 0, p.Len())
	assert.Equal(t, 0, p.PendingDepositsLen())

	tx := f.a.transfer(t, 1, 2, 1, 1, 0, types.Fee0)
	require.NoError(t, p.AddTx(tx))
	assert.ErrorIs(t, p.AddTx(tx), ErrDuplicateTx)
	assert.True(t, p.Has(tx.IDHex()))
}

func TestMinNormalizedFee(t *testing.T) {
	f := setup(t)
	cfg := testPoolConfig()
	cfg.MinNormalizedFee = "10"
	p := newPool(t, f.s, f.store, cfg)

	// 1000 * 1% -> 9
	assert.ErrorIs(t, p.AddTx(f.a.transfer(t, 1, 2, 1, 1000, 0, types.Fee1Pct)), ErrFeeTooLow)
	require.NoError(t, p.AddTx(f.a.transfer(t, 1, 2, 1, 1000, 0, types.Fee5Pct)))
	// coin 2 is worth 10: fee 1 clears the bar
	require.NoError(t, p.AddTx(f.c.transfer(t, 3, 0, 2, 100, 0, types.Fee2Pct)))
}

func TestFillBatchByFee(t *testing.T) {
	f := setup(t)
	p := newPool(t, f.s, f.store, testPoolConfig())

	low := f.a.transfer(t, 1, 2, 1, 1000, 0, types.Fee1Pct)  // 9
	high := f.b.transfer(t, 2, 1, 1, 1000, 0, types.Fee5Pct) // 49
	mid := f.c.transfer(t, 3, 0, 2, 100, 0, types.Fee2Pct)   // 1 * 10
	for _, tx := range []*types.OffChainTx{low, high, mid} {
		require.NoError(t, p.AddTx(tx))
	}

	bb := f.s.BuildBatchWith(2, testStateConfig().NLevels)
	deposits, n, err := p.FillBatch(bb)
	require.NoError(t, err)
	assert.Equal(t, 0, deposits)
	assert.Equal(t, 2, n)

	got := bb.GetOffChainTxs()
	require.Len(t, got, 2)
	assert.Same(t, high, got[0].Raw())
	assert.Same(t, mid, got[1].Raw())

	assert.Equal(t, 1, p.Len())
	assert.True(t, p.Has(low.IDHex()))
	assert.False(t, p.Has(high.IDHex()))
	assert.False(t, p.Has(mid.IDHex()))
}

func TestFillBatchTieByAdmission(t *testing.T) {
	f := setup(t)
	p := newPool(t, f.s, f.store, testPoolConfig())

	first := f.b.transfer(t, 2, 1, 1, 1000, 0, types.Fee1Pct)
	second := f.a.transfer(t, 1, 2, 1, 1000, 0, types.Fee1Pct)
	require.NoError(t, p.AddTx(first))
	require.NoError(t, p.AddTx(second))

	bb := f.s.BuildBatchWith(1, testStateConfig().NLevels)
	_, n, err := p.FillBatch(bb)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Same(t, first, bb.GetOffChainTxs()[0].Raw())
}

func TestFillBatchKeepsRejected(t *testing.T) {
	f := setup(t)
	p := newPool(t, f.s, f.store, testPoolConfig())

	// same nonce twice: the builder takes one
	require.NoError(t, p.AddTx(f.a.transfer(t, 1, 2, 1, 100, 0, types.Fee2Pct)))
	require.NoError(t, p.AddTx(f.a.transfer(t, 1, 2, 1, 200, 0, types.Fee1Pct)))

	bb := f.s.BuildBatch()
	_, n, err := p.FillBatch(bb)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, p.Len())
	require.NoError(t, f.s.Consolidate(bb))

	dropped, err := p.Purge()
	require.NoError(t, err)
	assert.Equal(t, 1, dropped)
	assert.Equal(t, 0, p.Len())
	assert.Equal(t, uint64(10000-100-1), amountOf(t, f.s, 1))
}

func TestPendingDepositStage(t *testing.T) {
	f := setup(t)
	p := newPool(t, f.s, f.store, testPoolConfig())
	d := newUser(t, 4)

	require.NoError(t, p.AddTx(f.a.transferToKey(t, 1, d, 1, 300, 0, types.Fee1Pct)))
	require.NoError(t, p.AddTx(f.b.transferToKey(t, 2, d, 1, 200, 0, types.Fee2Pct)))
	assert.Equal(t, 2, p.Len())
	assert.Equal(t, 0, p.ExecutableLen())
	assert.Equal(t, 1, p.PendingDepositsLen())

	bb := f.s.BuildBatch()
	deposits, n, err := p.FillBatch(bb)
	require.NoError(t, err)
	assert.Equal(t, 1, deposits)
	assert.Equal(t, 2, n)
	require.Len(t, bb.GetDepositsOffChain(), 1)
	assert.Equal(t, 0, p.Len())
	assert.Equal(t, 0, p.PendingDepositsLen())

	require.NoError(t, f.s.Consolidate(bb))
	idx, err := f.s.GetIdx(1, d.ax, d.ay)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), idx)
	assert.Equal(t, uint64(500), amountOf(t, f.s, 4))

	raw, err := bb.GetDataAvailable()
	require.NoError(t, err)
	da, err := statedb.DecodeDataAvailability(raw)
	require.NoError(t, err)
	require.Len(t, da.Deposits, 1)
	assert.Equal(t, 0, da.Deposits[0].Ax.Cmp(d.ax))
}

func TestFillBatchDepositBudget(t *testing.T) {
	f := setup(t)
	p := newPool(t, f.s, f.store, testPoolConfig())
	for i, seed := range []int64{4, 5, 6} {
		to := newUser(t, seed)
		require.NoError(t, p.AddTx(f.a.transferToKey(t, 1, to, 1, uint64(100+i), 0, types.Fee1Pct)))
	}
	require.Equal(t, 3, p.PendingDepositsLen())

	// 4 free on-chain slots: at most 2 deposits
	bb := f.s.BuildBatch()
	deposits, _, err := p.FillBatch(bb)
	require.NoError(t, err)
	assert.Equal(t, 2, deposits)
	assert.Equal(t, 1, p.PendingDepositsLen())
}

func TestPurgeSettledDeposit(t *testing.T) {
	f := setup(t)
	p := newPool(t, f.s, f.store, testPoolConfig())
	d := newUser(t, 4)

	require.NoError(t, p.AddTx(f.a.transferToKey(t, 1, d, 1, 300, 0, types.Fee1Pct)))
	consolidate(t, f.s, d.deposit(1, 5))

	dropped, err := p.Purge()
	require.NoError(t, err)
	assert.Equal(t, 0, dropped)
	assert.Equal(t, 0, p.PendingDepositsLen())
	assert.Equal(t, 1, p.ExecutableLen())
}

func TestPurgeRestagesLostDeposit(t *testing.T) {
	f := setup(t)
	p := newPool(t, f.s, f.store, testPoolConfig())
	d := newUser(t, 4)
	require.NoError(t, p.AddTx(f.a.transferToKey(t, 1, d, 1, 300, 0, types.Fee1Pct)))

	// fee plan full: the deposit goes in, the transfer does not
	bb := f.s.BuildBatch()
	require.NoError(t, bb.AddCoin(5))
	require.NoError(t, bb.AddCoin(6))
	deposits, n, err := p.FillBatch(bb)
	require.NoError(t, err)
	assert.Equal(t, 1, deposits)
	assert.Equal(t, 0, n)
	assert.Equal(t, 1, p.ExecutableLen())

	// bb is discarded
	_, err = p.Purge()
	require.NoError(t, err)
	assert.Equal(t, 1, p.PendingDepositsLen())
	assert.Equal(t, 0, p.ExecutableLen())
}

func TestPoolFull(t *testing.T) {
	f := setup(t)
	cfg := testPoolConfig()
	cfg.ExecutableSlots = 2
	cfg.NonExecutableSlots = 3
	cfg.MaxPendingDeposits = 1
	p := newPool(t, f.s, f.store, cfg)

	require.NoError(t, p.AddTx(f.a.transfer(t, 1, 2, 1, 1, 0, types.Fee0)))
	require.NoError(t, p.AddTx(f.a.transfer(t, 1, 2, 1, 2, 0, types.Fee0)))
	assert.ErrorIs(t, p.AddTx(f.b.transfer(t, 2, 1, 1, 1, 0, types.Fee0)), ErrPoolFull)

	d, e := newUser(t, 4), newUser(t, 5)
	require.NoError(t, p.AddTx(f.a.transferToKey(t, 1, d, 1, 1, 0, types.Fee0)))
	// same staged account: no new deposit needed
	require.NoError(t, p.AddTx(f.b.transferToKey(t, 2, d, 1, 1, 0, types.Fee0)))
	assert.ErrorIs(t, p.AddTx(f.b.transferToKey(t, 2, e, 1, 2, 0, types.Fee0)), ErrPoolFull)
	assert.Equal(t, 4, p.Len())
	assert.Equal(t, 1, p.PendingDepositsLen())
}

func TestPoolPersistence(t *testing.T) {
	f := setup(t)
	p := newPool(t, f.s, f.store, testPoolConfig())
	d := newUser(t, 4)

	require.NoError(t, p.AddTx(f.a.transfer(t, 1, 2, 1, 1000, 0, types.Fee1Pct)))
	require.NoError(t, p.AddTx(f.b.transferToKey(t, 2, d, 1, 300, 0, types.Fee2Pct)))
	require.NoError(t, p.AddTx(f.c.transfer(t, 3, 0, 2, 100, 0, types.Fee2Pct)))

	reloaded := newPool(t, f.s, f.store, testPoolConfig())
	assert.Equal(t, 3, reloaded.Len())
	assert.Equal(t, 2, reloaded.ExecutableLen())
	assert.Equal(t, 1, reloaded.PendingDepositsLen())
	assert.Equal(t, ids(p.Pending()), ids(reloaded.Pending()))

	// signatures survive the round trip
	bb := f.s.BuildBatch()
	deposits, n, err := reloaded.FillBatch(bb)
	require.NoError(t, err)
	assert.Equal(t, 1, deposits)
	assert.Equal(t, 3, n)

	again := newPool(t, f.s, f.store, testPoolConfig())
	assert.Equal(t, 0, again.Len())
	assert.Equal(t, 0, again.PendingDepositsLen())

	// a new admission continues the sequence
	require.NoError(t, again.AddTx(f.a.transfer(t, 1, 2, 1, 5, 0, types.Fee0)))
	assert.Greater(t, again.seq, uint64(3))
}

func ids(txs []*types.OffChainTx) []string {
	out := make([]string, len(txs))
	for i, tx := range txs {
		out[i] = tx.IDHex()
	}
	return out
}

func TestSetPrice(t *testing.T) {
	f := setup(t)
	p := newPool(t, f.s, f.store, testPoolConfig())

	a := f.a.transfer(t, 1, 2, 1, 1000, 0, types.Fee1Pct) // 9 * 1
	c := f.c.transfer(t, 3, 0, 2, 100, 0, types.Fee2Pct)  // 1 * 10
	require.NoError(t, p.AddTx(a))
	require.NoError(t, p.AddTx(c))
	assert.Equal(t, []string{c.IDHex(), a.IDHex()}, ids(p.Pending()))

	require.NoError(t, p.SetPrice(2, "1"))
	assert.Equal(t, []string{a.IDHex(), c.IDHex()}, ids(p.Pending()))

	assert.Error(t, p.SetPrice(2, "-1"))
	assert.Error(t, p.SetPrice(2, "abc"))
}

func TestSubmitTx(t *testing.T) {
	f := setup(t)
	p := newPool(t, f.s, f.store, testPoolConfig())
	p.Start()
	defer p.Stop()

	results := make(chan error, 2)
	cb := func(_ string, err error) { results <- err }
	tx := f.a.transfer(t, 1, 2, 1, 10, 0, types.Fee0)
	require.NoError(t, p.SubmitTx(tx, cb))
	require.NoError(t, p.SubmitTx(tx, cb))

	for _, want := range []error{nil, ErrDuplicateTx} {
		select {
		case err := <-results:
			if want == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, want)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("submission not processed")
		}
	}
	assert.True(t, p.Has(tx.IDHex()))
	require.NoError(t, p.SubmitPurge())
}

func TestDecodeBadRecord(t *testing.T) {
	_, err := decodePoolTx([]byte("k"), []byte{0xff})
	assert.ErrorIs(t, err, ErrBadRecord)

	f := setup(t)
	pt := newPoolTx(f.a.transfer(t, 1, 2, 1, 10, 0, types.Fee0))
	_, err = decodePoolTx([]byte("other"), encodePoolTx(pt))
	assert.ErrorIs(t, err, ErrBadRecord)

	got, err := decodePoolTx(pt.key, encodePoolTx(pt))
	require.NoError(t, err)
	assert.Equal(t, pt.id, got.id)
	assert.True(t, got.tx.VerifySignature(f.a.ax, f.a.ay))
}
