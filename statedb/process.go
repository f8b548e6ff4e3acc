package statedb

import (
	"fmt"
	"math/big"

	"github.com/holiman/uint256"

	"rollup/jmt"
	"rollup/keys"
	"rollup/kv"
	"rollup/logs"
	"rollup/types"
	"rollup/utils"
)

// Build runs the batch: on-chain txs first in insertion order, then
// off-chain txs, then no-op padding up to MaxTx. Any failure leaves the
// builder unbuilt. A second call after success does nothing.
func (bb *BatchBuilder) Build() error {
	bb.mu.Lock()
	defer bb.mu.Unlock()
	if bb.built {
		return nil
	}
	res, err := bb.build()
	if err != nil {
		logs.Warn("[BatchBuilder] build batch=%d failed: %v", bb.batchNumber, err)
		return err
	}
	bb.out, bb.built = res, true
	logs.Verbose("[BatchBuilder] built batch=%d onchain=%d offchain=%d finalIdx=%d root=%x",
		bb.batchNumber, len(bb.onChain), len(bb.offChain), res.finalIdx, res.stateRoot)
	return nil
}

func (bb *BatchBuilder) build() (*buildResult, error) {
	overlay := kv.NewOverlay(bb.base.db)
	st := jmt.NewMutableTree(overlay, keys.NamespaceStateTree, bb.oldStateRoot, jmt.WithCache(bb.cache))
	// exit tree starts empty every batch
	et := jmt.NewMutableTree(overlay, keys.NamespaceExitTree, nil, jmt.WithCache(bb.cache))
	ws := newWorkingState(bb.base, bb.initialIdx, bb.cfg.NLevels)

	zki := &ZKInputs{
		BatchNumber:    bb.batchNumber,
		OldStateRoot:   utils.BytesToBig(bb.oldStateRoot),
		InitialIdx:     bb.initialIdx,
		Beneficiary:    utils.BytesToBig(bb.beneficiary.Bytes()),
		FeeBeneficiary: utils.BytesToBig(bb.beneficiary.Bytes()),
		Slots:          make([]*ZKSlot, 0, bb.cfg.MaxTx),
	}

	onChainHash := new(big.Int)
	for _, tx := range bb.onChain {
		slot, err := processSlot(ws, st, et, tx)
		if err != nil {
			return nil, fmt.Errorf("on-chain slot %d: %w", len(zki.Slots), err)
		}
		zki.Slots = append(zki.Slots, slot)
		onChainHash = utils.MiMC(onChainHash, tx.Raw().Hash())
	}

	var daTxs []daTx
	for _, tx := range bb.offChain {
		slot, err := processSlot(ws, st, et, tx)
		if err != nil {
			return nil, fmt.Errorf("off-chain slot %d: %w", len(zki.Slots), err)
		}
		zki.Slots = append(zki.Slots, slot)
		src := tx.Raw().(*types.OffChainTx)
		daTxs = append(daTxs, daTx{from: slot.FromIdx, to: slot.ToIdx, amount: u256(src.Amount), fee: src.Fee})
	}
	for len(zki.Slots) < bb.cfg.MaxTx {
		zki.Slots = append(zki.Slots, nopSlot(st.Root(), et.Root()))
	}

	// declared (AddTx) vs recomputed (Build) fee totals
	for coin, got := range ws.fees {
		if !bb.inFeePlan(coin) {
			return nil, fmt.Errorf("%w: coin %d collected %s but not in fee plan", ErrFeeMismatch, coin, got.Dec())
		}
	}
	fees := make(map[uint16]*uint256.Int, len(bb.feePlan))
	for _, coin := range bb.feePlan {
		declared, got := u256(bb.sim.fees[coin]), u256(ws.fees[coin])
		if !declared.Eq(got) {
			return nil, fmt.Errorf("%w: coin %d declared %s, recomputed %s", ErrFeeMismatch, coin, declared.Dec(), got.Dec())
		}
		fees[coin] = new(uint256.Int).Set(got)
		zki.FeePlanCoins = append(zki.FeePlanCoins, coin)
		zki.FeeTotals = append(zki.FeeTotals, got.ToBig())
	}

	touched, err := writeIndexes(overlay, bb.base, st, ws, bb.batchNumber)
	if err != nil {
		return nil, err
	}

	da := encodeDataAvailability(bb.depositsOffChain, daTxs)
	res := &buildResult{
		overlay:      overlay,
		stateRoot:    st.Root(),
		exitRoot:     et.Root(),
		finalIdx:     ws.lastIdx,
		onChainHash:  onChainHash,
		offChainHash: utils.KeccakToField(da),
		da:           da,
		fees:         fees,
		touched:      touched,
	}
	zki.NewStateRoot = utils.BytesToBig(res.stateRoot)
	zki.NewExitRoot = utils.BytesToBig(res.exitRoot)
	zki.FinalIdx = res.finalIdx
	zki.OnChainHash = res.onChainHash
	zki.OffChainHash = res.offChainHash
	zki.GlobalInputsHash = zki.globalHash()
	res.input = zki
	return res, nil
}

// processSlot applies one tx to the working state and both trees and
// records what the circuit needs to re-check it.
func processSlot(ws *workingState, st, et *jmt.Tree, tx types.Tx) (*ZKSlot, error) {
	slot := newSlot(tx)

	fromIdx, toIdx := slotIdxs(tx)
	sender, err := ws.account(fromIdx)
	if err != nil {
		return nil, err
	}
	slot.Sender = zkLeaf(sender)
	p1, err := st.Prove(keys.TreeKey(fromIdx))
	if err != nil {
		return nil, err
	}
	slot.Siblings1 = flattenSiblings(p1)

	var receiverBefore *types.Account
	if toIdx != 0 && toIdx != fromIdx {
		r, err := ws.account(toIdx)
		if err != nil {
			return nil, err
		}
		if r != nil {
			receiverBefore = r.Clone()
		}
	}
	var exitBefore *types.Account
	if e, ok := ws.exits[fromIdx]; ok {
		exitBefore = e.Clone()
	}

	eff, err := ws.apply(tx)
	if err != nil {
		return nil, err
	}
	slot.FromIdx, slot.ToIdx, slot.NewAccount = eff.fromIdx, eff.toIdx, eff.newAccount
	slot.LoadAmount = eff.loadAmount.ToBig()
	slot.Amount = eff.amount.ToBig()
	if eff.fee != nil {
		slot.Fee = eff.fee.ToBig()
	}

	if _, err := st.Update(keys.TreeKey(eff.fromIdx), ws.accounts[eff.fromIdx].Bytes()); err != nil {
		return nil, err
	}
	if receiverBefore != nil {
		slot.Receiver = zkLeaf(receiverBefore)
		p2, err := st.Prove(keys.TreeKey(eff.toIdx))
		if err != nil {
			return nil, err
		}
		slot.Siblings2 = flattenSiblings(p2)
		if _, err := st.Update(keys.TreeKey(eff.toIdx), ws.accounts[eff.toIdx].Bytes()); err != nil {
			return nil, err
		}
	}
	if eff.exit {
		slot.ExitLeaf = zkLeaf(exitBefore)
		p3, err := et.Prove(keys.TreeKey(eff.fromIdx))
		if err != nil {
			return nil, err
		}
		slot.Siblings3 = flattenSiblings(p3)
		if _, err := et.Update(keys.TreeKey(eff.fromIdx), ws.exits[eff.fromIdx].Bytes()); err != nil {
			return nil, err
		}
	}
	slot.ImStateRoot = utils.BytesToBig(st.Root())
	slot.ImExitRoot = utils.BytesToBig(et.Root())
	return slot, nil
}

// slotIdxs returns the sender and receiver indexes as classified.
func slotIdxs(tx types.Tx) (from, to uint64) {
	switch t := tx.(type) {
	case *types.Deposit:
		return t.Idx, 0
	case *types.DepositOnTop:
		return t.Idx, 0
	case *types.ForceTransfer:
		return t.FromIdx, t.ToIdx
	case *types.ForceExit:
		return t.FromIdx, 0
	case *types.Transfer:
		return t.FromIdx, t.ToIdx
	case *types.Exit:
		return t.FromIdx, 0
	}
	return 0, 0
}
