package main

import (
	"fmt"
	"math/big"
	mrand "math/rand"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"rollup/logs"
	"rollup/statedb"
	"rollup/txpool"
	"rollup/types"
)

const simCoin = 1

type simUser struct {
	key    *types.PrivateKey
	ax, ay *big.Int
	addr   common.Address
}

// simulator 本地模拟出块：链上存款 + 经交易池的链下转账
type simulator struct {
	sdb   *statedb.StateDB
	pool  *txpool.TxPool
	rng   *mrand.Rand
	users []*simUser
}

func newSimulator(sdb *statedb.StateDB, pool *txpool.TxPool, n int, seed int64) *simulator {
	return &simulator{sdb: sdb, pool: pool, rng: mrand.New(mrand.NewSource(seed)), users: make([]*simUser, 0, n)}
}

func (s *simulator) newUser() (*simUser, error) {
	k, err := types.GenerateKey(s.rng)
	if err != nil {
		return nil, err
	}
	ax, ay := k.PublicKey()
	var addr common.Address
	s.rng.Read(addr[:])
	return &simUser{key: k, ax: ax, ay: ay, addr: addr}, nil
}

func (s *simulator) run(batches int) error {
	for len(s.users) < cap(s.users) {
		u, err := s.newUser()
		if err != nil {
			return err
		}
		s.users = append(s.users, u)
	}
	for i := 0; i < batches; i++ {
		bb := s.sdb.BuildBatch()
		onChain := 0
		if i == 0 {
			for _, u := range s.users {
				dep := &types.OnChainTx{
					Coin:        simCoin,
					LoadAmount:  uint256.NewInt(1_000_000),
					FromAx:      u.ax,
					FromAy:      u.ay,
					FromEthAddr: u.addr,
				}
				if err := bb.AddTx(dep); err != nil {
					logs.Warn("Simulator: deposit skipped: %v", err)
					continue
				}
				onChain++
			}
		} else if err := s.submitTransfers(); err != nil {
			return err
		}

		deposits, txs, err := s.pool.FillBatch(bb)
		if err != nil {
			return err
		}
		if err := s.sdb.Consolidate(bb); err != nil {
			return fmt.Errorf("consolidate batch %d: %w", bb.BatchNumber(), err)
		}
		if _, err := s.pool.Purge(); err != nil {
			return err
		}
		fees := bb.GetCollectedFees()
		logs.Info("Simulator: batch=%d onChain=%d poolDeposits=%d offChain=%d fees=%v pooled=%d",
			bb.BatchNumber(), onChain, deposits, txs, fees, s.pool.Len())
	}
	return nil
}

// submitTransfers 每个已有账户的用户随机发一笔交易
func (s *simulator) submitTransfers() error {
	for _, u := range s.users {
		from, err := s.sdb.GetStateByAccount(simCoin, u.ax, u.ay)
		if err != nil {
			return err
		}
		if from == nil || from.Amount.Lt(uint256.NewInt(1000)) {
			continue
		}
		tx := &types.OffChainTx{
			FromIdx: from.Idx,
			Coin:    simCoin,
			Amount:  uint256.NewInt(uint64(s.rng.Intn(900) + 1)),
			Nonce:   from.Nonce,
			Fee:     types.FeeSelector(s.rng.Intn(4)),
		}
		switch r := s.rng.Intn(10); {
		case r < 6:
			to := s.users[s.rng.Intn(len(s.users))]
			if to == u {
				continue
			}
			idx, err := s.sdb.GetIdx(simCoin, to.ax, to.ay)
			if err != nil {
				return err
			}
			tx.ToIdx = idx
		case r < 8:
			// 新用户，走 pending deposit
			nu, err := s.newUser()
			if err != nil {
				return err
			}
			s.users = append(s.users, nu)
			tx.ToAx, tx.ToAy, tx.ToEthAddr = nu.ax, nu.ay, nu.addr
		default:
			// exit
		}
		if err := tx.Sign(u.key); err != nil {
			return err
		}
		if err := s.pool.AddTx(tx); err != nil {
			logs.Debug("Simulator: tx from %d rejected: %v", from.Idx, err)
		}
	}
	return nil
}
