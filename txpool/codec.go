package txpool

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"google.golang.org/protobuf/encoding/protowire"

	"rollup/types"
)

// 持久化记录用 protobuf wire 格式手写编码
//
// pooled tx:
//
//	1 fromIdx  2 toIdx  3 toAx  4 toAy  5 toEthAddr  6 coin  7 amount
//	8 nonce  9 fee  10 signature  11 seq  12 depositID
//
// staged deposit:
//
//	1 coin  2 ax  3 ay  4 ethAddr  5 amount  6 seq

var ErrBadRecord = errors.New("txpool: bad persisted record")

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

type record struct {
	varints map[protowire.Number]uint64
	bytes   map[protowire.Number][]byte
}

func parseRecord(b []byte) (*record, error) {
	r := &record{varints: map[protowire.Number]uint64{}, bytes: map[protowire.Number][]byte{}}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrBadRecord, protowire.ParseError(n))
		}
		b = b[n:]
		switch typ {
		case protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return nil, fmt.Errorf("%w: %v", ErrBadRecord, protowire.ParseError(m))
			}
			r.varints[num] = v
			n = m
		case protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return nil, fmt.Errorf("%w: %v", ErrBadRecord, protowire.ParseError(m))
			}
			r.bytes[num] = append([]byte(nil), v...)
			n = m
		default:
			// unknown field
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrBadRecord, protowire.ParseError(n))
			}
		}
		b = b[n:]
	}
	return r, nil
}

func (r *record) bigInt(num protowire.Number) *big.Int {
	return new(big.Int).SetBytes(r.bytes[num])
}

func (r *record) uint256At(num protowire.Number) *uint256.Int {
	return new(uint256.Int).SetBytes(r.bytes[num])
}

func encodePoolTx(p *poolTx) []byte {
	tx := p.tx
	var b []byte
	b = appendVarint(b, 1, tx.FromIdx)
	b = appendVarint(b, 2, tx.ToIdx)
	if tx.ToAx != nil {
		b = appendBytes(b, 3, tx.ToAx.Bytes())
	}
	if tx.ToAy != nil {
		b = appendBytes(b, 4, tx.ToAy.Bytes())
	}
	b = appendBytes(b, 5, tx.ToEthAddr.Bytes())
	b = appendVarint(b, 6, uint64(tx.Coin))
	b = appendBytes(b, 7, u256(tx.Amount).Bytes())
	b = appendVarint(b, 8, uint64(tx.Nonce))
	b = appendVarint(b, 9, uint64(tx.Fee))
	b = appendBytes(b, 10, tx.Signature)
	b = appendVarint(b, 11, p.seq)
	if p.depositID != "" {
		b = appendBytes(b, 12, []byte(p.depositID))
	}
	return b
}

func decodePoolTx(key, b []byte) (*poolTx, error) {
	r, err := parseRecord(b)
	if err != nil {
		return nil, err
	}
	if r.varints[6] > 0xffff || r.varints[8] > 0xffffffff || r.varints[9] > 0xff {
		return nil, fmt.Errorf("%w: field out of range", ErrBadRecord)
	}
	tx := &types.OffChainTx{
		FromIdx:   r.varints[1],
		ToIdx:     r.varints[2],
		ToAx:      r.bigInt(3),
		ToAy:      r.bigInt(4),
		ToEthAddr: common.BytesToAddress(r.bytes[5]),
		Coin:      uint16(r.varints[6]),
		Amount:    r.uint256At(7),
		Nonce:     uint32(r.varints[8]),
		Fee:       types.FeeSelector(r.varints[9]),
		Signature: r.bytes[10],
	}
	p := newPoolTx(tx)
	p.seq = r.varints[11]
	p.depositID = string(r.bytes[12])
	if string(p.key) != string(key) {
		return nil, fmt.Errorf("%w: tx id does not match its key", ErrBadRecord)
	}
	return p, nil
}

func encodeDeposit(d *pendingDeposit) []byte {
	var b []byte
	b = appendVarint(b, 1, uint64(d.coin))
	b = appendBytes(b, 2, d.ax.Bytes())
	b = appendBytes(b, 3, d.ay.Bytes())
	b = appendBytes(b, 4, d.ethAddr.Bytes())
	b = appendBytes(b, 5, d.amount.Bytes())
	b = appendVarint(b, 6, d.seq)
	return b
}

func decodeDeposit(b []byte) (*pendingDeposit, error) {
	r, err := parseRecord(b)
	if err != nil {
		return nil, err
	}
	if r.varints[1] > 0xffff {
		return nil, fmt.Errorf("%w: coin out of range", ErrBadRecord)
	}
	tx := &types.OffChainTx{
		Coin:      uint16(r.varints[1]),
		ToAx:      r.bigInt(2),
		ToAy:      r.bigInt(3),
		ToEthAddr: common.BytesToAddress(r.bytes[4]),
		Amount:    r.uint256At(5),
	}
	return newPendingDeposit(tx, decimal.Zero, r.varints[6]), nil
}
