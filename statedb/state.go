package statedb

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"rollup/types"
)

type accountKey struct {
	coin uint16
	pub  string
}

func newAccountKey(coin uint16, ax, ay *big.Int) accountKey {
	return accountKey{coin: coin, pub: pubKey{ax: nz(ax), ay: nz(ay)}.id()}
}

func nz(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

func u256(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v
}

// workingState is the account set a batch is applied to: committed
// leaves loaded on demand plus everything the batch changed so far. The
// builder keeps one for AddTx checks and builds a fresh one in Build.
type workingState struct {
	base     *reader
	accounts map[uint64]*types.Account
	created  map[accountKey]uint64
	exits    map[uint64]*types.Account
	touched  map[uint64]struct{}
	lastIdx  uint64
	maxIdx   uint64
	fees     map[uint16]*uint256.Int
}

func newWorkingState(base *reader, lastIdx uint64, nLevels int) *workingState {
	return &workingState{
		base:     base,
		accounts: make(map[uint64]*types.Account),
		created:  make(map[accountKey]uint64),
		exits:    make(map[uint64]*types.Account),
		touched:  make(map[uint64]struct{}),
		lastIdx:  lastIdx,
		maxIdx:   uint64(1)<<uint(nLevels) - 1,
		fees:     make(map[uint16]*uint256.Int),
	}
}

// account returns the live leaf for idx, nil when it does not exist.
func (w *workingState) account(idx uint64) (*types.Account, error) {
	if a, ok := w.accounts[idx]; ok {
		return a, nil
	}
	if idx == 0 || idx > w.lastIdx {
		return nil, nil
	}
	a, err := w.base.stateByIdx(idx)
	if err != nil || a == nil {
		return nil, err
	}
	w.accounts[idx] = a
	return a, nil
}

func (w *workingState) findIdx(coin uint16, ax, ay *big.Int) (uint64, error) {
	if types.IsExitIdentity(ax, ay) {
		return 0, nil
	}
	if idx, ok := w.created[newAccountKey(coin, ax, ay)]; ok {
		return idx, nil
	}
	return w.base.getIdx(coin, ax, ay)
}

func (w *workingState) nextIdx() (uint64, error) {
	if w.lastIdx >= w.maxIdx {
		return 0, fmt.Errorf("%w: max idx %d", ErrTreeFull, w.maxIdx)
	}
	return w.lastIdx + 1, nil
}

func (w *workingState) create(coin uint16, ax, ay *big.Int, eth common.Address) (*types.Account, error) {
	idx, err := w.nextIdx()
	if err != nil {
		return nil, err
	}
	w.lastIdx = idx
	a := &types.Account{
		Idx:     idx,
		Coin:    coin,
		Amount:  new(uint256.Int),
		Ax:      new(big.Int).Set(nz(ax)),
		Ay:      new(big.Int).Set(nz(ay)),
		EthAddr: eth,
	}
	w.accounts[idx] = a
	w.created[newAccountKey(coin, ax, ay)] = idx
	w.touch(idx)
	return a, nil
}

func (w *workingState) touch(idx uint64) { w.touched[idx] = struct{}{} }

func (w *workingState) touchedIdxs() []uint64 {
	out := make([]uint64, 0, len(w.touched))
	for idx := range w.touched {
		out = append(out, idx)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// exitLeaf returns the exit tree leaf of acc for this batch.
func (w *workingState) exitLeaf(acc *types.Account) *types.Account {
	if e, ok := w.exits[acc.Idx]; ok {
		return e
	}
	e := &types.Account{
		Idx:     acc.Idx,
		Coin:    acc.Coin,
		Amount:  new(uint256.Int),
		Ax:      acc.Ax,
		Ay:      acc.Ay,
		EthAddr: acc.EthAddr,
	}
	w.exits[acc.Idx] = e
	return e
}

// credit adds v to acc; an overflowing credit is dropped and 0 returned.
func credit(acc *types.Account, v *uint256.Int) *uint256.Int {
	sum, overflow := new(uint256.Int).AddOverflow(acc.Amount, u256(v))
	if overflow {
		return new(uint256.Int)
	}
	acc.Amount = sum
	return new(uint256.Int).Set(u256(v))
}

// effect is what one applied tx actually did.
type effect struct {
	fromIdx    uint64
	toIdx      uint64
	newAccount bool
	loadAmount *uint256.Int
	amount     *uint256.Int
	fee        *uint256.Int
	exit       bool
}

// apply executes tx. On-chain txs never fail on balance: a transfer or
// exit that cannot be honoured moves nothing. Off-chain txs are checked
// in full before anything is mutated.
func (w *workingState) apply(tx types.Tx) (*effect, error) {
	switch t := tx.(type) {
	case *types.Deposit:
		acc, err := w.create(t.Src.Coin, t.Src.FromAx, t.Src.FromAy, t.Src.FromEthAddr)
		if err != nil {
			return nil, err
		}
		if acc.Idx != t.Idx {
			return nil, fmt.Errorf("%w: deposit got idx %d, classified as %d", ErrCorruptedState, acc.Idx, t.Idx)
		}
		return &effect{fromIdx: acc.Idx, newAccount: true, loadAmount: credit(acc, t.Src.LoadAmount), amount: new(uint256.Int)}, nil

	case *types.DepositOnTop:
		acc, err := w.mustAccount(t.Idx)
		if err != nil {
			return nil, err
		}
		w.touch(acc.Idx)
		return &effect{fromIdx: acc.Idx, loadAmount: credit(acc, t.Src.LoadAmount), amount: new(uint256.Int)}, nil

	case *types.ForceTransfer:
		from, err := w.onChainSender(t.FromIdx, t.NewFrom, t.Src)
		if err != nil {
			return nil, err
		}
		e := &effect{fromIdx: from.Idx, toIdx: t.ToIdx, newAccount: t.NewFrom, loadAmount: credit(from, t.Src.LoadAmount), amount: new(uint256.Int)}
		var to *types.Account
		if t.ToIdx != 0 {
			if to, err = w.account(t.ToIdx); err != nil {
				return nil, err
			}
		}
		amount := u256(t.Src.Amount)
		if to == nil || to.Coin != t.Src.Coin || from.Amount.Lt(amount) {
			return e, nil
		}
		if to != from {
			if _, overflow := new(uint256.Int).AddOverflow(to.Amount, amount); overflow {
				return e, nil
			}
		}
		from.Amount = new(uint256.Int).Sub(from.Amount, amount)
		to.Amount = new(uint256.Int).Add(to.Amount, amount)
		w.touch(to.Idx)
		e.amount = new(uint256.Int).Set(amount)
		return e, nil

	case *types.ForceExit:
		from, err := w.onChainSender(t.FromIdx, t.NewFrom, t.Src)
		if err != nil {
			return nil, err
		}
		e := &effect{fromIdx: from.Idx, newAccount: t.NewFrom, loadAmount: credit(from, t.Src.LoadAmount), amount: new(uint256.Int)}
		amount := u256(t.Src.Amount)
		if from.Amount.Lt(amount) {
			return e, nil
		}
		leaf := w.exitLeaf(from)
		if _, overflow := new(uint256.Int).AddOverflow(leaf.Amount, amount); overflow {
			return e, nil
		}
		from.Amount = new(uint256.Int).Sub(from.Amount, amount)
		leaf.Amount = new(uint256.Int).Add(leaf.Amount, amount)
		e.amount, e.exit = new(uint256.Int).Set(amount), true
		return e, nil

	case *types.Transfer:
		from, to, fee, err := w.checkOffChain(t.Src, t.FromIdx, t.ToIdx)
		if err != nil {
			return nil, err
		}
		amount := u256(t.Src.Amount)
		from.Amount = new(uint256.Int).Sub(from.Amount, new(uint256.Int).Add(amount, fee))
		from.Nonce++
		to.Amount = new(uint256.Int).Add(to.Amount, amount)
		w.touch(from.Idx)
		w.touch(to.Idx)
		w.addFee(t.Src.Coin, fee)
		return &effect{fromIdx: from.Idx, toIdx: to.Idx, amount: new(uint256.Int).Set(amount), fee: fee, loadAmount: new(uint256.Int)}, nil

	case *types.Exit:
		from, _, fee, err := w.checkOffChain(t.Src, t.FromIdx, 0)
		if err != nil {
			return nil, err
		}
		amount := u256(t.Src.Amount)
		leaf := w.exitLeaf(from)
		from.Amount = new(uint256.Int).Sub(from.Amount, new(uint256.Int).Add(amount, fee))
		from.Nonce++
		leaf.Amount = new(uint256.Int).Add(leaf.Amount, amount)
		w.touch(from.Idx)
		w.addFee(t.Src.Coin, fee)
		return &effect{fromIdx: from.Idx, amount: new(uint256.Int).Set(amount), fee: fee, loadAmount: new(uint256.Int), exit: true}, nil
	}
	return nil, fmt.Errorf("statedb: unknown tx type %T", tx)
}

func (w *workingState) mustAccount(idx uint64) (*types.Account, error) {
	acc, err := w.account(idx)
	if err != nil {
		return nil, err
	}
	if acc == nil {
		return nil, fmt.Errorf("%w: classified account %d missing", ErrCorruptedState, idx)
	}
	return acc, nil
}

func (w *workingState) onChainSender(idx uint64, isNew bool, src *types.OnChainTx) (*types.Account, error) {
	if isNew {
		acc, err := w.create(src.Coin, src.FromAx, src.FromAy, src.FromEthAddr)
		if err != nil {
			return nil, err
		}
		if acc.Idx != idx {
			return nil, fmt.Errorf("%w: sender got idx %d, classified as %d", ErrCorruptedState, acc.Idx, idx)
		}
		return acc, nil
	}
	acc, err := w.mustAccount(idx)
	if err != nil {
		return nil, err
	}
	w.touch(idx)
	return acc, nil
}

// checkOffChain validates an off-chain tx against the live accounts and
// returns the sender, receiver (nil for exits) and fee.
func (w *workingState) checkOffChain(tx *types.OffChainTx, fromIdx, toIdx uint64) (from, to *types.Account, fee *uint256.Int, err error) {
	if from, err = w.account(fromIdx); err != nil {
		return nil, nil, nil, err
	}
	if from == nil {
		return nil, nil, nil, fmt.Errorf("%w: idx %d", ErrUnknownSender, fromIdx)
	}
	if from.Coin != tx.Coin {
		return nil, nil, nil, fmt.Errorf("%w: sender %d holds coin %d, tx coin %d", ErrCoinMismatch, fromIdx, from.Coin, tx.Coin)
	}
	if toIdx != 0 {
		if to, err = w.account(toIdx); err != nil {
			return nil, nil, nil, err
		}
		if to == nil {
			return nil, nil, nil, fmt.Errorf("%w: idx %d", ErrUnknownDestination, toIdx)
		}
		if to.Coin != tx.Coin {
			return nil, nil, nil, fmt.Errorf("%w: receiver %d holds coin %d, tx coin %d", ErrCoinMismatch, toIdx, to.Coin, tx.Coin)
		}
	}
	if tx.Nonce != from.Nonce {
		return nil, nil, nil, fmt.Errorf("%w: tx nonce %d, account nonce %d", ErrInvalidNonce, tx.Nonce, from.Nonce)
	}
	if fee, err = types.CalcFee(tx.Amount, tx.Fee); err != nil {
		return nil, nil, nil, err
	}
	amount := u256(tx.Amount)
	total, overflow := new(uint256.Int).AddOverflow(amount, fee)
	if overflow || from.Amount.Lt(total) {
		return nil, nil, nil, fmt.Errorf("%w: idx %d has %s, needs %s", ErrInsufficientBalance, fromIdx, from.Amount.Dec(), total.Dec())
	}
	if to != nil && to != from {
		if _, overflow := new(uint256.Int).AddOverflow(to.Amount, amount); overflow {
			return nil, nil, nil, fmt.Errorf("%w: idx %d", ErrBalanceOverflow, toIdx)
		}
	}
	if tx.ToIdx == 0 && toIdx == 0 {
		leaf, ok := w.exits[from.Idx]
		if ok {
			if _, overflow := new(uint256.Int).AddOverflow(leaf.Amount, amount); overflow {
				return nil, nil, nil, fmt.Errorf("%w: exit leaf %d", ErrBalanceOverflow, from.Idx)
			}
		}
	}
	return from, to, fee, nil
}

func (w *workingState) addFee(coin uint16, fee *uint256.Int) {
	cur, ok := w.fees[coin]
	if !ok {
		cur = new(uint256.Int)
	}
	w.fees[coin] = new(uint256.Int).Add(cur, fee)
}
