package statedb

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"rollup/config"
	"rollup/jmt"
	"rollup/kv"
	"rollup/logs"
	"rollup/types"
)

// ====== BatchBuilder ======

// BatchBuilder assembles one batch on top of a snapshot of the store. It
// is single use: once consolidated or discarded it is done. AddTx checks
// every tx against the batch as Build will run it: on-chain txs first,
// then off-chain. Build re-runs the whole batch in that order and is the
// only place roots are computed.
type BatchBuilder struct {
	mu sync.Mutex

	owner        *StateDB
	cfg          config.StateDBConfig
	batchNumber  uint64
	oldStateRoot []byte
	initialIdx   uint64
	base         *reader
	cache        *jmt.NodeCache

	sim              *workingState
	onChain          []types.Tx
	offChain         []types.Tx
	depositsOffChain []*types.OnChainTx
	feePlan          []uint16
	beneficiary      common.Address

	built bool
	out   *buildResult
}

type buildResult struct {
	overlay      *kv.Overlay
	stateRoot    []byte
	exitRoot     []byte
	finalIdx     uint64
	onChainHash  *big.Int
	offChainHash *big.Int
	da           []byte
	input        *ZKInputs
	fees         map[uint16]*uint256.Int
	touched      *touchedSet
}

// caller holds s.mu (read)
func newBatchBuilder(s *StateDB, cfg config.StateDBConfig) *BatchBuilder {
	base := &reader{db: s.db, lastBatch: s.lastBatch}
	return &BatchBuilder{
		owner:        s,
		cfg:          cfg,
		batchNumber:  s.lastBatch + 1,
		oldStateRoot: append([]byte(nil), s.stateRoot...),
		initialIdx:   s.lastIdx,
		base:         base,
		cache:        s.cache,
		sim:          newWorkingState(base, s.lastIdx, cfg.NLevels),
	}
}

func (bb *BatchBuilder) BatchNumber() uint64 { return bb.batchNumber }

// OnChainFree is how many more on-chain txs fit.
func (bb *BatchBuilder) OnChainFree() int {
	bb.mu.Lock()
	defer bb.mu.Unlock()
	return bb.onChainFree()
}

func (bb *BatchBuilder) onChainFree() int {
	free := bb.cfg.MaxOnChainTx - len(bb.onChain)
	if total := bb.offChainFree(); total < free {
		free = total
	}
	if free < 0 {
		return 0
	}
	return free
}

// OffChainFree is how many more txs of any kind fit.
func (bb *BatchBuilder) OffChainFree() int {
	bb.mu.Lock()
	defer bb.mu.Unlock()
	return bb.offChainFree()
}

func (bb *BatchBuilder) offChainFree() int {
	free := bb.cfg.MaxTx - len(bb.onChain) - len(bb.offChain)
	if free < 0 {
		return 0
	}
	return free
}

// AddTx classifies tx and adds it to the batch.
func (bb *BatchBuilder) AddTx(tx types.RawTx) error {
	bb.mu.Lock()
	defer bb.mu.Unlock()
	if bb.built {
		return ErrAlreadyBuilt
	}
	switch t := tx.(type) {
	case *types.OnChainTx:
		return bb.addOnChain(t)
	case *types.OffChainTx:
		return bb.addOffChain(t)
	}
	return fmt.Errorf("statedb: unsupported tx type %T", tx)
}

// AddDepositOffChain adds a deposit the operator pays for on behalf of a
// pool user. It occupies an on-chain slot like any deposit and is also
// published in the data availability blob.
func (bb *BatchBuilder) AddDepositOffChain(tx *types.OnChainTx) error {
	bb.mu.Lock()
	defer bb.mu.Unlock()
	if bb.built {
		return ErrAlreadyBuilt
	}
	if tx.HasTransfer() {
		return fmt.Errorf("statedb: off-chain deposit carries a transfer amount")
	}
	if err := bb.addOnChain(tx); err != nil {
		return err
	}
	bb.depositsOffChain = append(bb.depositsOffChain, tx)
	return nil
}

func (bb *BatchBuilder) addOnChain(tx *types.OnChainTx) error {
	if len(bb.onChain) >= bb.cfg.MaxOnChainTx {
		return ErrOnChainFull
	}
	if bb.offChainFree() == 0 {
		return ErrBatchFull
	}
	if types.IsExitIdentity(tx.FromAx, tx.FromAy) {
		return fmt.Errorf("%w: sender is the exit identity", ErrUnknownSender)
	}
	fromIdx, err := bb.sim.findIdx(tx.Coin, tx.FromAx, tx.FromAy)
	if err != nil {
		return err
	}
	newFrom := fromIdx == 0
	if newFrom {
		if fromIdx, err = bb.sim.nextIdx(); err != nil {
			return err
		}
	}

	var ctx types.Tx
	switch {
	case !tx.HasTransfer() && newFrom:
		ctx = &types.Deposit{Idx: fromIdx, Src: tx}
	case !tx.HasTransfer():
		ctx = &types.DepositOnTop{Idx: fromIdx, Src: tx}
	case types.IsExitIdentity(tx.ToAx, tx.ToAy):
		ctx = &types.ForceExit{FromIdx: fromIdx, NewFrom: newFrom, Src: tx}
	default:
		toIdx, err := bb.sim.findIdx(tx.Coin, tx.ToAx, tx.ToAy)
		if err != nil {
			return err
		}
		ctx = &types.ForceTransfer{FromIdx: fromIdx, NewFrom: newFrom, ToIdx: toIdx, Src: tx}
	}
	if len(bb.offChain) > 0 {
		if err := bb.resimulate(ctx); err != nil {
			return err
		}
	} else {
		if _, err := bb.sim.apply(ctx); err != nil {
			return err
		}
		bb.onChain = append(bb.onChain, ctx)
	}
	logs.Trace("[BatchBuilder] batch=%d add %s from=%d", bb.batchNumber, ctx.Kind(), fromIdx)
	return nil
}

// resimulate replays the batch in slot order with ctx as the last on-chain
// tx. It fails, and leaves the builder as it was, when an off-chain tx
// added earlier no longer applies after ctx.
func (bb *BatchBuilder) resimulate(ctx types.Tx) error {
	sim := newWorkingState(bb.base, bb.initialIdx, bb.cfg.NLevels)
	onChain := append(append(make([]types.Tx, 0, len(bb.onChain)+1), bb.onChain...), ctx)
	for _, tx := range onChain {
		if _, err := sim.apply(tx); err != nil {
			return err
		}
	}
	for i, tx := range bb.offChain {
		if _, err := sim.apply(tx); err != nil {
			return fmt.Errorf("off-chain tx %d no longer applies: %w", i, err)
		}
	}
	bb.sim, bb.onChain = sim, onChain
	return nil
}

func (bb *BatchBuilder) addOffChain(tx *types.OffChainTx) error {
	if bb.offChainFree() == 0 {
		return ErrBatchFull
	}
	if tx.LoadAmount != nil && !tx.LoadAmount.IsZero() {
		return ErrLoadAmountMustBeZero
	}
	if tx.OnChain || tx.NewAccount {
		return ErrNotOffChain
	}
	if err := tx.Fee.Valid(); err != nil {
		return err
	}
	if u256(tx.Amount).BitLen() > 128 {
		return ErrAmountTooLarge
	}
	if tx.ToKeyIncomplete() {
		return fmt.Errorf("%w: incomplete receiver key", ErrUnknownDestination)
	}

	var ctx types.Tx
	switch {
	case tx.ToIdx != 0:
		ctx = &types.Transfer{FromIdx: tx.FromIdx, ToIdx: tx.ToIdx, Src: tx}
	case tx.HasToKey():
		toIdx, err := bb.sim.findIdx(tx.Coin, tx.ToAx, tx.ToAy)
		if err != nil {
			return err
		}
		if toIdx == 0 {
			return fmt.Errorf("%w: no coin %d account for key", ErrUnknownDestination, tx.Coin)
		}
		ctx = &types.Transfer{FromIdx: tx.FromIdx, ToIdx: toIdx, AuxToIdx: true, Src: tx}
	default:
		ctx = &types.Exit{FromIdx: tx.FromIdx, Src: tx}
	}

	inPlan := bb.inFeePlan(tx.Coin)
	if !inPlan && len(bb.feePlan) >= bb.cfg.MaxFeeCoins {
		return fmt.Errorf("%w: coin %d", ErrFeePlanFull, tx.Coin)
	}
	if _, err := bb.sim.apply(ctx); err != nil {
		return err
	}
	if !inPlan {
		bb.feePlan = append(bb.feePlan, tx.Coin)
	}
	bb.offChain = append(bb.offChain, ctx)
	return nil
}

func (bb *BatchBuilder) inFeePlan(coin uint16) bool {
	for _, c := range bb.feePlan {
		if c == coin {
			return true
		}
	}
	return false
}

// AddCoin reserves a fee plan slot for coin. Off-chain txs add their coin
// themselves.
func (bb *BatchBuilder) AddCoin(coin uint16) error {
	bb.mu.Lock()
	defer bb.mu.Unlock()
	if bb.built {
		return ErrAlreadyBuilt
	}
	if bb.inFeePlan(coin) {
		return nil
	}
	if len(bb.feePlan) >= bb.cfg.MaxFeeCoins {
		return fmt.Errorf("%w: coin %d", ErrFeePlanFull, coin)
	}
	bb.feePlan = append(bb.feePlan, coin)
	return nil
}

// AddBeneficiaryAddress sets who receives the batch fees.
func (bb *BatchBuilder) AddBeneficiaryAddress(addr common.Address) error {
	bb.mu.Lock()
	defer bb.mu.Unlock()
	if bb.built {
		return ErrAlreadyBuilt
	}
	bb.beneficiary = addr
	return nil
}

// ====== 模拟状态查询 ======
// Resolve* read the state as this batch has changed it so far.

func (bb *BatchBuilder) ResolveStateByIdx(idx uint64) (*types.Account, error) {
	bb.mu.Lock()
	defer bb.mu.Unlock()
	a, err := bb.sim.account(idx)
	if err != nil || a == nil {
		return nil, err
	}
	return a.Clone(), nil
}

func (bb *BatchBuilder) ResolveIdx(coin uint16, ax, ay *big.Int) (uint64, error) {
	bb.mu.Lock()
	defer bb.mu.Unlock()
	return bb.sim.findIdx(coin, ax, ay)
}

// ====== 结果访问 ======
// Valid after Build; zero values before.

func (bb *BatchBuilder) Built() bool {
	bb.mu.Lock()
	defer bb.mu.Unlock()
	return bb.built
}

func (bb *BatchBuilder) result() *buildResult {
	bb.mu.Lock()
	defer bb.mu.Unlock()
	return bb.out
}

func (bb *BatchBuilder) GetNewStateRoot() []byte {
	if r := bb.result(); r != nil {
		return append([]byte(nil), r.stateRoot...)
	}
	return nil
}

func (bb *BatchBuilder) GetNewExitRoot() []byte {
	if r := bb.result(); r != nil {
		return append([]byte(nil), r.exitRoot...)
	}
	return nil
}

func (bb *BatchBuilder) GetOnChainHash() *big.Int {
	if r := bb.result(); r != nil {
		return new(big.Int).Set(r.onChainHash)
	}
	return nil
}

func (bb *BatchBuilder) GetOffChainHash() *big.Int {
	if r := bb.result(); r != nil {
		return new(big.Int).Set(r.offChainHash)
	}
	return nil
}

func (bb *BatchBuilder) GetFinalIdx() uint64 {
	if r := bb.result(); r != nil {
		return r.finalIdx
	}
	return 0
}

func (bb *BatchBuilder) GetDataAvailable() ([]byte, error) {
	r := bb.result()
	if r == nil {
		return nil, ErrNotBuilt
	}
	return append([]byte(nil), r.da...), nil
}

func (bb *BatchBuilder) GetInput() (*ZKInputs, error) {
	r := bb.result()
	if r == nil {
		return nil, ErrNotBuilt
	}
	return r.input, nil
}

// GetCollectedFees is the recomputed fee total per fee plan coin.
func (bb *BatchBuilder) GetCollectedFees() map[uint16]*uint256.Int {
	r := bb.result()
	if r == nil {
		return nil
	}
	out := make(map[uint16]*uint256.Int, len(r.fees))
	for c, v := range r.fees {
		out[c] = new(uint256.Int).Set(v)
	}
	return out
}

func (bb *BatchBuilder) GetFeePlan() []uint16 {
	bb.mu.Lock()
	defer bb.mu.Unlock()
	return append([]uint16(nil), bb.feePlan...)
}

func (bb *BatchBuilder) GetOnChainTxs() []types.Tx {
	bb.mu.Lock()
	defer bb.mu.Unlock()
	return append([]types.Tx(nil), bb.onChain...)
}

func (bb *BatchBuilder) GetOffChainTxs() []types.Tx {
	bb.mu.Lock()
	defer bb.mu.Unlock()
	return append([]types.Tx(nil), bb.offChain...)
}

func (bb *BatchBuilder) GetDepositsOffChain() []*types.OnChainTx {
	bb.mu.Lock()
	defer bb.mu.Unlock()
	return append([]*types.OnChainTx(nil), bb.depositsOffChain...)
}
