// keys/keys.go
// 统一的 Key 定义包，statedb 与 txpool 共用
package keys

import (
	"encoding/binary"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"rollup/utils"
)

// ===================== 命名空间 =====================
// The first byte of every stored key.
const (
	NamespaceRecord    byte = 'r' // master pointer, batch records, histories
	NamespaceStateTree byte = 's' // state tree nodes and leaf values
	NamespaceExitTree  byte = 'e' // exit tree nodes and leaf values
	NamespacePool      byte = 'p' // tx pool persistence
)

// Domain separators, one per record kind. Each is the keccak of a label
// reduced into the field.
var (
	domainMaster          = domain("rollup/master")
	domainBatch           = domain("rollup/batch")
	domainInitialIdx      = domain("rollup/initial-idx")
	domainIdx             = domain("rollup/idx")
	domainAxAy            = domain("rollup/axay")
	domainEthAddr         = domain("rollup/ethaddr")
	domainIdxState        = domain("rollup/idx-state")
	domainAxAyState       = domain("rollup/axay-state")
	domainEthAddrState    = domain("rollup/ethaddr-state")
	domainNumBatchIdx     = domain("rollup/numbatch-idx")
	domainNumBatchAxAy    = domain("rollup/numbatch-axay")
	domainNumBatchEthAddr = domain("rollup/numbatch-ethaddr")
	domainPendingDeposit  = domain("rollup/pending-deposit")
)

func domain(label string) *big.Int {
	return utils.KeccakToField([]byte(label))
}

// record 产出 'r' + 32 字节 MiMC(domain, args...)
func record(d *big.Int, args ...*big.Int) []byte {
	h := utils.FieldBytes(utils.MiMC(append([]*big.Int{d}, args...)...))
	return append([]byte{NamespaceRecord}, h[:]...)
}

func u64(v uint64) *big.Int { return utils.Uint64ToBig(v) }

func addr(a common.Address) *big.Int { return utils.BytesToBig(a.Bytes()) }

// ===================== 批次 =====================

// Master 指向最新已确认的批次号
func Master() []byte { return record(domainMaster) }

// Batch 批次记录 [stateRoot, exitRoot]
func Batch(n uint64) []byte { return record(domainBatch, u64(n)) }

// InitialIdx 批次 n 结束时的 idx 水位
func InitialIdx(n uint64) []byte { return record(domainInitialIdx, u64(n)) }

// ===================== 历史索引 =====================

func Idx(idx uint64) []byte { return record(domainIdx, u64(idx)) }

func AxAy(ax, ay *big.Int) []byte { return record(domainAxAy, ax, ay) }

func EthAddr(a common.Address) []byte { return record(domainEthAddr, addr(a)) }

// IdxState points from (idx, batch) to the leaf value written in that batch.
func IdxState(idx, batch uint64) []byte { return record(domainIdxState, u64(idx), u64(batch)) }

func AxAyState(ax, ay *big.Int, batch uint64) []byte {
	return record(domainAxAyState, ax, ay, u64(batch))
}

func EthAddrState(a common.Address, batch uint64) []byte {
	return record(domainEthAddrState, addr(a), u64(batch))
}

// NumBatch* list what a batch touched, used by rollback.
func NumBatchIdx(batch uint64) []byte     { return record(domainNumBatchIdx, u64(batch)) }
func NumBatchAxAy(batch uint64) []byte    { return record(domainNumBatchAxAy, u64(batch)) }
func NumBatchEthAddr(batch uint64) []byte { return record(domainNumBatchEthAddr, u64(batch)) }

// ===================== 状态树 =====================

// TreeKey is the state/exit tree key of an account index.
func TreeKey(idx uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, idx)
	return b
}

// ===================== 交易池 =====================

// PendingDepositID identifies a staged deposit: MiMC(coin, ax, ay).
func PendingDepositID(coin uint16, ax, ay *big.Int) []byte {
	h := utils.FieldBytes(utils.MiMC(domainPendingDeposit, u64(uint64(coin)), ax, ay))
	return h[:]
}

var (
	poolTxPrefix      = []byte{NamespacePool, 't'}
	poolDepositPrefix = []byte{NamespacePool, 'd'}
	poolMetaKey       = []byte{NamespacePool, 'm'}
)

func PoolTxPrefix() []byte      { return append([]byte(nil), poolTxPrefix...) }
func PoolDepositPrefix() []byte { return append([]byte(nil), poolDepositPrefix...) }

// PoolTx 例：p t <txID>
func PoolTx(id []byte) []byte { return append(PoolTxPrefix(), id...) }

// PoolDeposit 例：p d <depositID>
func PoolDeposit(id []byte) []byte { return append(PoolDepositPrefix(), id...) }

// PoolMeta holds the admission sequence counter.
func PoolMeta() []byte { return append([]byte(nil), poolMetaKey...) }
