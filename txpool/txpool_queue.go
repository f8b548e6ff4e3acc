package txpool

import (
	"errors"
	"fmt"

	"rollup/logs"
	"rollup/types"
)

var ErrQueueFull = errors.New("txpool: submission queue full")

// 内部消息类型
type txMsgType int

const (
	msgAddTx txMsgType = iota
	msgPurge
)

// OnTxAddedCallback 交易处理完成后回调，err 为 nil 表示已入池
type OnTxAddedCallback func(txID string, err error)

type txPoolMessage struct {
	Type    txMsgType
	Tx      *types.OffChainTx
	OnAdded OnTxAddedCallback
}

type txPoolQueue struct {
	pool    *TxPool
	MsgChan chan *txPoolMessage
}

func newTxPoolQueue(pool *TxPool, size int) *txPoolQueue {
	if size <= 0 {
		size = 1024
	}
	return &txPoolQueue{
		pool:    pool,
		MsgChan: make(chan *txPoolMessage, size),
	}
}

// Start 启动异步提交处理
func (p *TxPool) Start() {
	p.wg.Add(1)
	go p.queue.runLoop()
	logs.Info("[TxPool] Started")
}

// Stop drains nothing: messages still queued are dropped.
func (p *TxPool) Stop() {
	p.stopOnce.Do(func() { close(p.stopChan) })
	p.wg.Wait()
	logs.Info("[TxPool] Stopped")
}

// SubmitTx queues tx for admission. It does not block; onAdded, if set,
// runs on the queue goroutine with the admission result.
func (p *TxPool) SubmitTx(tx *types.OffChainTx, onAdded OnTxAddedCallback) error {
	if tx == nil {
		return fmt.Errorf("nil transaction")
	}
	return p.queue.push(&txPoolMessage{Type: msgAddTx, Tx: tx, OnAdded: onAdded})
}

// SubmitPurge queues a Purge behind the txs already submitted.
func (p *TxPool) SubmitPurge() error {
	return p.queue.push(&txPoolMessage{Type: msgPurge})
}

func (tq *txPoolQueue) push(msg *txPoolMessage) error {
	select {
	case tq.MsgChan <- msg:
		return nil
	default:
		return fmt.Errorf("%w (%d/%d)", ErrQueueFull, len(tq.MsgChan), cap(tq.MsgChan))
	}
}

func (tq *txPoolQueue) runLoop() {
	defer tq.pool.wg.Done()

	for {
		select {
		case <-tq.pool.stopChan:
			return
		case msg := <-tq.MsgChan:
			if msg == nil {
				continue
			}
			switch msg.Type {
			case msgAddTx:
				err := tq.pool.AddTx(msg.Tx)
				if msg.OnAdded != nil {
					msg.OnAdded(msg.Tx.IDHex(), err)
				}
			case msgPurge:
				if _, err := tq.pool.Purge(); err != nil {
					logs.Warn("[TxPoolQueue] purge failed: %v", err)
				}
			default:
				logs.Debug("[TxPoolQueue] unknown msg type: %d", msg.Type)
			}
		}
	}
}
