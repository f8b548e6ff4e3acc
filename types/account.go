package types

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"rollup/utils"
)

// 账户叶子编码长度: coin(2) nonce(4) amount(32) ax(32) ay(32) ethAddr(20)
const AccountBytesLen = 2 + 4 + 32 + 32 + 32 + common.AddressLength

var ErrAccountEncoding = errors.New("types: bad account encoding")

// Account is a leaf of the state tree. Idx is the tree key and is not part
// of the encoded leaf.
type Account struct {
	Idx     uint64
	Coin    uint16
	Nonce   uint32
	Amount  *uint256.Int
	Ax, Ay  *big.Int
	EthAddr common.Address
}

// IsExitIdentity reports whether (ax, ay) is the reserved exit key.
func IsExitIdentity(ax, ay *big.Int) bool {
	return (ax == nil || ax.Sign() == 0) && (ay == nil || ay.Sign() == 0)
}

func (a *Account) Clone() *Account {
	c := *a
	c.Amount = new(uint256.Int)
	if a.Amount != nil {
		c.Amount.Set(a.Amount)
	}
	c.Ax = bigOrZero(a.Ax)
	c.Ay = bigOrZero(a.Ay)
	return &c
}

func bigOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

func u256OrZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v
}

// Bytes 序列化叶子
func (a *Account) Bytes() []byte {
	buf := make([]byte, AccountBytesLen)
	buf[0], buf[1] = byte(a.Coin>>8), byte(a.Coin)
	buf[2], buf[3], buf[4], buf[5] = byte(a.Nonce>>24), byte(a.Nonce>>16), byte(a.Nonce>>8), byte(a.Nonce)
	amt := u256OrZero(a.Amount).Bytes32()
	copy(buf[6:38], amt[:])
	bigOrZero(a.Ax).FillBytes(buf[38:70])
	bigOrZero(a.Ay).FillBytes(buf[70:102])
	copy(buf[102:], a.EthAddr[:])
	return buf
}

// AccountFromBytes 反序列化叶子
func AccountFromBytes(idx uint64, b []byte) (*Account, error) {
	if len(b) != AccountBytesLen {
		return nil, fmt.Errorf("%w: length %d", ErrAccountEncoding, len(b))
	}
	a := &Account{
		Idx:    idx,
		Coin:   uint16(b[0])<<8 | uint16(b[1]),
		Nonce:  uint32(b[2])<<24 | uint32(b[3])<<16 | uint32(b[4])<<8 | uint32(b[5]),
		Amount: new(uint256.Int).SetBytes(b[6:38]),
		Ax:     new(big.Int).SetBytes(b[38:70]),
		Ay:     new(big.Int).SetBytes(b[70:102]),
	}
	copy(a.EthAddr[:], b[102:])
	return a, nil
}

// HashValue is the leaf hash the circuit recomputes:
// MiMC(coin | nonce<<16, amount, ax, ay, ethAddr).
func (a *Account) HashValue() *big.Int {
	packed := new(big.Int).SetUint64(uint64(a.Coin) | uint64(a.Nonce)<<16)
	return utils.MiMC(
		packed,
		u256OrZero(a.Amount).ToBig(),
		bigOrZero(a.Ax),
		bigOrZero(a.Ay),
		utils.BytesToBig(a.EthAddr.Bytes()),
	)
}

func (a *Account) String() string {
	return fmt.Sprintf("Account{idx:%d coin:%d nonce:%d amount:%s eth:%s}",
		a.Idx, a.Coin, a.Nonce, u256OrZero(a.Amount).Dec(), a.EthAddr.Hex())
}
