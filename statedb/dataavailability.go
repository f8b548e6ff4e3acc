package statedb

import (
	"encoding/binary"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"rollup/types"
)

// Data availability blob:
//
//	u16 n | n x deposit [coin(2) ax(32) ay(32) ethAddr(20)]
//	u16 m | m x tx      [fromIdx(6) toIdx(6) amount(16) fee(1)]
//
// Deposits are the ones the operator injected for pool users; regular
// on-chain txs are already on L1.
const (
	daIdxLen     = 6
	daAmountLen  = 16
	daTxLen      = 2*daIdxLen + daAmountLen + 1
	daDepositLen = 2 + 32 + 32 + common.AddressLength
)

var ErrBadDataAvailability = errors.New("statedb: bad data availability encoding")

type daTx struct {
	from, to uint64
	amount   *uint256.Int
	fee      types.FeeSelector
}

func putIdx(b []byte, v uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	copy(b, tmp[8-daIdxLen:])
}

func getIdx(b []byte) uint64 {
	var tmp [8]byte
	copy(tmp[8-daIdxLen:], b[:daIdxLen])
	return binary.BigEndian.Uint64(tmp[:])
}

func encodeDataAvailability(deposits []*types.OnChainTx, txs []daTx) []byte {
	out := make([]byte, 0, 4+len(deposits)*daDepositLen+len(txs)*daTxLen)
	out = binary.BigEndian.AppendUint16(out, uint16(len(deposits)))
	for _, d := range deposits {
		rec := make([]byte, daDepositLen)
		binary.BigEndian.PutUint16(rec, d.Coin)
		nz(d.FromAx).FillBytes(rec[2:34])
		nz(d.FromAy).FillBytes(rec[34:66])
		copy(rec[66:], d.FromEthAddr[:])
		out = append(out, rec...)
	}
	out = binary.BigEndian.AppendUint16(out, uint16(len(txs)))
	for _, t := range txs {
		rec := make([]byte, daTxLen)
		putIdx(rec[0:], t.from)
		putIdx(rec[daIdxLen:], t.to)
		amt := t.amount.Bytes32()
		copy(rec[2*daIdxLen:], amt[32-daAmountLen:])
		rec[daTxLen-1] = byte(t.fee)
		out = append(out, rec...)
	}
	return out
}

// DataAvailability is the decoded blob.
type DataAvailability struct {
	Deposits []DADeposit
	Txs      []DATx
}

type DADeposit struct {
	Coin    uint16
	Ax, Ay  *big.Int
	EthAddr common.Address
}

type DATx struct {
	FromIdx uint64
	ToIdx   uint64 // 0: exit
	Amount  *uint256.Int
	Fee     types.FeeSelector
}

func DecodeDataAvailability(b []byte) (*DataAvailability, error) {
	da := &DataAvailability{}
	if len(b) < 2 {
		return nil, ErrBadDataAvailability
	}
	n := int(binary.BigEndian.Uint16(b))
	b = b[2:]
	if len(b) < n*daDepositLen+2 {
		return nil, ErrBadDataAvailability
	}
	for i := 0; i < n; i++ {
		rec := b[i*daDepositLen : (i+1)*daDepositLen]
		da.Deposits = append(da.Deposits, DADeposit{
			Coin:    binary.BigEndian.Uint16(rec),
			Ax:      new(big.Int).SetBytes(rec[2:34]),
			Ay:      new(big.Int).SetBytes(rec[34:66]),
			EthAddr: common.BytesToAddress(rec[66:]),
		})
	}
	b = b[n*daDepositLen:]
	m := int(binary.BigEndian.Uint16(b))
	b = b[2:]
	if len(b) != m*daTxLen {
		return nil, ErrBadDataAvailability
	}
	for i := 0; i < m; i++ {
		rec := b[i*daTxLen : (i+1)*daTxLen]
		da.Txs = append(da.Txs, DATx{
			FromIdx: getIdx(rec),
			ToIdx:   getIdx(rec[daIdxLen:]),
			Amount:  new(uint256.Int).SetBytes(rec[2*daIdxLen : 2*daIdxLen+daAmountLen]),
			Fee:     types.FeeSelector(rec[daTxLen-1]),
		})
	}
	return da, nil
}
