package txpool

import (
	"encoding/hex"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"rollup/keys"
	"rollup/types"
)

// ====== Pending-Deposit Stage ======
// A transfer addressed by key to a (coin, ax, ay) with no account yet
// waits here. FillBatch lets the operator create the account with a zero
// deposit, after which the waiting transfers become executable.

type pendingDeposit struct {
	key     []byte // keys.PendingDepositID
	id      string
	coin    uint16
	ax, ay  *big.Int
	ethAddr common.Address
	amount  *uint256.Int    // amount of the transfer that staged it
	normFee decimal.Decimal // highest fee among waiting transfers
	seq     uint64
}

func newPendingDeposit(tx *types.OffChainTx, normFee decimal.Decimal, seq uint64) *pendingDeposit {
	key := keys.PendingDepositID(tx.Coin, tx.ToAx, tx.ToAy)
	return &pendingDeposit{
		key:     key,
		id:      hex.EncodeToString(key),
		coin:    tx.Coin,
		ax:      new(big.Int).Set(tx.ToAx),
		ay:      new(big.Int).Set(tx.ToAy),
		ethAddr: tx.ToEthAddr,
		amount:  new(uint256.Int).Set(u256(tx.Amount)),
		normFee: normFee,
		seq:     seq,
	}
}

// depositID is the stage key a keyed transfer waits on.
func depositID(tx *types.OffChainTx) string {
	return hex.EncodeToString(keys.PendingDepositID(tx.Coin, tx.ToAx, tx.ToAy))
}

// onChainTx 生成运营方代付的零额存款
func (d *pendingDeposit) onChainTx() *types.OnChainTx {
	return &types.OnChainTx{
		Coin:        d.coin,
		LoadAmount:  new(uint256.Int),
		Amount:      new(uint256.Int),
		FromAx:      new(big.Int).Set(d.ax),
		FromAy:      new(big.Int).Set(d.ay),
		FromEthAddr: d.ethAddr,
	}
}

type depositStage struct {
	byID map[string]*pendingDeposit
}

func newDepositStage() *depositStage {
	return &depositStage{byID: make(map[string]*pendingDeposit)}
}

func (s *depositStage) get(id string) *pendingDeposit { return s.byID[id] }

func (s *depositStage) put(d *pendingDeposit) { s.byID[d.id] = d }

func (s *depositStage) remove(id string) { delete(s.byID, id) }

func (s *depositStage) len() int { return len(s.byID) }

// byPriority 按 normFee 降序，同价按入队顺序
func (s *depositStage) byPriority() []*pendingDeposit {
	out := make([]*pendingDeposit, 0, len(s.byID))
	for _, d := range s.byID {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].normFee.Cmp(out[j].normFee); c != 0 {
			return c > 0
		}
		return out[i].seq < out[j].seq
	})
	return out
}
