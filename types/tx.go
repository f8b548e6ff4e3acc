package types

import (
	"encoding/hex"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"rollup/utils"
)

// RawTx is a transaction as submitted, before the batch builder resolves
// its accounts.
type RawTx interface {
	IsOnChain() bool
	// Hash is the field element signed (off-chain) or chained into the
	// on-chain hash.
	Hash() *big.Int
}

// ============================================
// OffChainTx 链下交易
// ============================================

// OffChainTx moves funds between existing accounts or out to the exit
// tree. ToIdx == 0 with a non-zero To key addresses the receiver by
// (coin, ToAx, ToAy); ToIdx == 0 without one is an exit.
type OffChainTx struct {
	FromIdx    uint64
	ToIdx      uint64
	ToAx, ToAy *big.Int
	ToEthAddr  common.Address
	Coin       uint16
	Amount     *uint256.Int
	LoadAmount *uint256.Int // must be zero
	Nonce      uint32
	Fee        FeeSelector
	OnChain    bool // must be false
	NewAccount bool // must be false
	Signature  []byte
}

func (tx *OffChainTx) IsOnChain() bool { return false }

// HasToKey reports a receiver addressed by public key.
func (tx *OffChainTx) HasToKey() bool {
	return !IsExitIdentity(tx.ToAx, tx.ToAy)
}

// ToKeyIncomplete reports a receiver key with only one coordinate set.
// Such a tx names neither an account nor the exit identity.
func (tx *OffChainTx) ToKeyIncomplete() bool {
	return (tx.ToAx == nil) != (tx.ToAy == nil)
}

func (tx *OffChainTx) IsExit() bool {
	return tx.ToIdx == 0 && !tx.HasToKey()
}

// CompressedData packs the scalar fields into one element:
// fromIdx(48) | toIdx(48) | coin(16) | nonce(32) | fee(8) | onChain(1) | newAccount(1)
func (tx *OffChainTx) CompressedData() *big.Int {
	v := new(big.Int).SetUint64(tx.FromIdx & (1<<48 - 1))
	shl := func(bits uint, x uint64) {
		v.Lsh(v, bits)
		v.Or(v, new(big.Int).SetUint64(x))
	}
	shl(48, tx.ToIdx&(1<<48-1))
	shl(16, uint64(tx.Coin))
	shl(32, uint64(tx.Nonce))
	shl(8, uint64(tx.Fee))
	shl(1, boolBit(tx.OnChain))
	shl(1, boolBit(tx.NewAccount))
	return v
}

func boolBit(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

// Hash is the signed message: MiMC(compressed, amount, loadAmount, toAx, toAy, toEthAddr).
func (tx *OffChainTx) Hash() *big.Int {
	return utils.MiMC(
		tx.CompressedData(),
		u256OrZero(tx.Amount).ToBig(),
		u256OrZero(tx.LoadAmount).ToBig(),
		bigOrZero(tx.ToAx),
		bigOrZero(tx.ToAy),
		utils.BytesToBig(tx.ToEthAddr.Bytes()),
	)
}

// ID 交易唯一标识
func (tx *OffChainTx) ID() []byte {
	b := utils.FieldBytes(tx.Hash())
	return b[:]
}

func (tx *OffChainTx) IDHex() string { return hex.EncodeToString(tx.ID()) }

// Sign fills Signature.
func (tx *OffChainTx) Sign(k *PrivateKey) error {
	sig, err := k.SignHash(tx.Hash())
	if err != nil {
		return err
	}
	tx.Signature = sig
	return nil
}

func (tx *OffChainTx) VerifySignature(ax, ay *big.Int) bool {
	return VerifySignature(ax, ay, tx.Hash(), tx.Signature)
}

// ============================================
// OnChainTx 链上交易
// ============================================

// OnChainTx comes from the L1 contract queue, or from the pool as a
// deposit the operator pays for. The sender account is (Coin, FromAx,
// FromAy). LoadAmount is credited first; a non-zero Amount is then moved
// to (Coin, ToAx, ToAy), or to the exit tree when To is the exit key.
type OnChainTx struct {
	Coin           uint16
	LoadAmount     *uint256.Int
	Amount         *uint256.Int
	FromAx, FromAy *big.Int
	FromEthAddr    common.Address
	ToAx, ToAy     *big.Int
	ToEthAddr      common.Address
}

func (tx *OnChainTx) IsOnChain() bool { return true }

func (tx *OnChainTx) Hash() *big.Int {
	return utils.MiMC(
		new(big.Int).SetUint64(uint64(tx.Coin)),
		u256OrZero(tx.LoadAmount).ToBig(),
		u256OrZero(tx.Amount).ToBig(),
		bigOrZero(tx.FromAx),
		bigOrZero(tx.FromAy),
		utils.BytesToBig(tx.FromEthAddr.Bytes()),
		bigOrZero(tx.ToAx),
		bigOrZero(tx.ToAy),
		utils.BytesToBig(tx.ToEthAddr.Bytes()),
	)
}

// HasTransfer reports a non-zero Amount.
func (tx *OnChainTx) HasTransfer() bool {
	return tx.Amount != nil && !tx.Amount.IsZero()
}
