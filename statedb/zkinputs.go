package statedb

import (
	"encoding/binary"
	"math/big"

	"rollup/jmt"
	"rollup/types"
	"rollup/utils"
)

// ZKInputs is the witness handed to the prover for one batch.
type ZKInputs struct {
	BatchNumber  uint64   `json:"batchNumber"`
	OldStateRoot *big.Int `json:"oldStateRoot"`
	NewStateRoot *big.Int `json:"newStateRoot"`
	NewExitRoot  *big.Int `json:"newExitRoot"`
	InitialIdx   uint64   `json:"initialIdx"`
	FinalIdx     uint64   `json:"finalIdx"`
	OnChainHash  *big.Int `json:"onChainHash"`
	OffChainHash *big.Int `json:"offChainHash"`
	Beneficiary  *big.Int `json:"beneficiary"`

	// private copy of Beneficiary, checked against the public one
	FeeBeneficiary *big.Int `json:"feeBeneficiary"`

	FeePlanCoins []uint16   `json:"feePlanCoins"`
	FeeTotals    []*big.Int `json:"feeTotals"`

	// public input commitment
	GlobalInputsHash *big.Int `json:"globalInputsHash"`

	Slots []*ZKSlot `json:"slots"`
}

// ZKLeaf is a state or exit leaf as the circuit sees it.
type ZKLeaf struct {
	Coin    *big.Int `json:"coin"`
	Nonce   *big.Int `json:"nonce"`
	Amount  *big.Int `json:"amount"`
	Ax      *big.Int `json:"ax"`
	Ay      *big.Int `json:"ay"`
	EthAddr *big.Int `json:"ethAddr"`
}

type ZKSlot struct {
	Kind       string `json:"kind"`
	OnChain    bool   `json:"onChain"`
	NewAccount bool   `json:"newAccount"`
	AuxToIdx   bool   `json:"auxToIdx"`
	FromIdx    uint64 `json:"fromIdx"`
	ToIdx      uint64 `json:"toIdx"`

	TxCompressedData *big.Int `json:"txCompressedData"`
	LoadAmount       *big.Int `json:"loadAmount"`
	Amount           *big.Int `json:"amount"`
	Fee              *big.Int `json:"fee"`
	FeeSelector      uint8    `json:"feeSelector"`
	Nonce            uint32   `json:"nonce"`

	FromAx      *big.Int `json:"fromAx"`
	FromAy      *big.Int `json:"fromAy"`
	FromEthAddr *big.Int `json:"fromEthAddr"`
	ToAx        *big.Int `json:"toAx"`
	ToAy        *big.Int `json:"toAy"`
	ToEthAddr   *big.Int `json:"toEthAddr"`

	R8x *big.Int `json:"r8x"`
	R8y *big.Int `json:"r8y"`
	S   *big.Int `json:"s"`

	// leaves before the slot ran
	Sender   *ZKLeaf `json:"sender"`
	Receiver *ZKLeaf `json:"receiver"`
	ExitLeaf *ZKLeaf `json:"exitLeaf"`

	Siblings1 []*big.Int `json:"siblings1"`
	Siblings2 []*big.Int `json:"siblings2"`
	Siblings3 []*big.Int `json:"siblings3"`

	ImStateRoot *big.Int `json:"imStateRoot"`
	ImExitRoot  *big.Int `json:"imExitRoot"`
}

func zero() *big.Int { return new(big.Int) }

func zkLeaf(a *types.Account) *ZKLeaf {
	if a == nil {
		return &ZKLeaf{Coin: zero(), Nonce: zero(), Amount: zero(), Ax: zero(), Ay: zero(), EthAddr: zero()}
	}
	return &ZKLeaf{
		Coin:    big.NewInt(int64(a.Coin)),
		Nonce:   big.NewInt(int64(a.Nonce)),
		Amount:  u256(a.Amount).ToBig(),
		Ax:      new(big.Int).Set(nz(a.Ax)),
		Ay:      new(big.Int).Set(nz(a.Ay)),
		EthAddr: utils.BytesToBig(a.EthAddr.Bytes()),
	}
}

func newSlot(tx types.Tx) *ZKSlot {
	s := &ZKSlot{
		Kind:             tx.Kind().String(),
		OnChain:          tx.Kind().OnChain(),
		TxCompressedData: zero(),
		Fee:              zero(),
		FromAx:           zero(), FromAy: zero(), FromEthAddr: zero(),
		ToAx: zero(), ToAy: zero(), ToEthAddr: zero(),
		R8x: zero(), R8y: zero(), S: zero(),
	}
	switch src := tx.Raw().(type) {
	case *types.OnChainTx:
		s.FromAx, s.FromAy = new(big.Int).Set(nz(src.FromAx)), new(big.Int).Set(nz(src.FromAy))
		s.FromEthAddr = utils.BytesToBig(src.FromEthAddr.Bytes())
		s.ToAx, s.ToAy = new(big.Int).Set(nz(src.ToAx)), new(big.Int).Set(nz(src.ToAy))
		s.ToEthAddr = utils.BytesToBig(src.ToEthAddr.Bytes())
	case *types.OffChainTx:
		s.TxCompressedData = src.CompressedData()
		s.FeeSelector = uint8(src.Fee)
		s.Nonce = src.Nonce
		s.ToAx, s.ToAy = new(big.Int).Set(nz(src.ToAx)), new(big.Int).Set(nz(src.ToAy))
		s.ToEthAddr = utils.BytesToBig(src.ToEthAddr.Bytes())
		if r8x, r8y, sig, err := types.DecodeSignature(src.Signature); err == nil {
			s.R8x, s.R8y, s.S = r8x, r8y, sig
		}
	}
	if t, ok := tx.(*types.Transfer); ok {
		s.AuxToIdx = t.AuxToIdx
	}
	return s
}

func nopSlot(stateRoot, exitRoot []byte) *ZKSlot {
	return &ZKSlot{
		Kind:             "nop",
		TxCompressedData: zero(),
		LoadAmount:       zero(), Amount: zero(), Fee: zero(),
		FromAx: zero(), FromAy: zero(), FromEthAddr: zero(),
		ToAx: zero(), ToAy: zero(), ToEthAddr: zero(),
		R8x: zero(), R8y: zero(), S: zero(),
		Sender:      zkLeaf(nil),
		ImStateRoot: utils.BytesToBig(stateRoot),
		ImExitRoot:  utils.BytesToBig(exitRoot),
	}
}

// flattenSiblings lays a proof out level by level: bitmap, then the
// sibling hashes of that level.
func flattenSiblings(p *jmt.Proof) []*big.Int {
	if p == nil {
		return nil
	}
	var out []*big.Int
	for _, s := range p.Siblings {
		out = append(out, big.NewInt(int64(s.Bitmap)))
		for _, h := range s.Siblings {
			out = append(out, utils.BytesToBig(h))
		}
	}
	return out
}

// globalHash commits to the public inputs:
// keccak(oldRoot | newRoot | exitRoot | onChainHash | offChainHash | initialIdx | finalIdx | beneficiary | batch)
func (z *ZKInputs) globalHash() *big.Int {
	var buf []byte
	for _, v := range []*big.Int{z.OldStateRoot, z.NewStateRoot, z.NewExitRoot, z.OnChainHash, z.OffChainHash} {
		b := make([]byte, 32)
		v.FillBytes(b)
		buf = append(buf, b...)
	}
	buf = binary.BigEndian.AppendUint64(buf, z.InitialIdx)
	buf = binary.BigEndian.AppendUint64(buf, z.FinalIdx)
	b := make([]byte, 20)
	z.Beneficiary.FillBytes(b)
	buf = append(buf, b...)
	buf = binary.BigEndian.AppendUint64(buf, z.BatchNumber)
	return utils.KeccakToField(buf)
}
