// txpool/txpool_interface.go
package txpool

import (
	"math/big"

	"rollup/types"
)

// StateReader 交易池读取的已确认状态，*statedb.StateDB 实现
type StateReader interface {
	GetStateByIdx(idx uint64) (*types.Account, error)
	GetIdx(coin uint16, ax, ay *big.Int) (uint64, error)
}

// Builder 是 FillBatch 填充的批次，*statedb.BatchBuilder 实现
type Builder interface {
	OnChainFree() int
	OffChainFree() int
	AddTx(tx types.RawTx) error
	AddDepositOffChain(tx *types.OnChainTx) error
}
