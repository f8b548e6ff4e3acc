package txpool

import (
	"container/heap"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"rollup/config"
	"rollup/keys"
	"rollup/kv"
	"rollup/logs"
	"rollup/statedb"
	"rollup/types"
)

var (
	ErrInvalidSignature = errors.New("txpool: invalid signature")
	ErrPoolFull         = errors.New("txpool: pool full")
	ErrAccountNotFound  = errors.New("txpool: sender account not found")
	ErrNotOffChain      = statedb.ErrNotOffChain
	ErrFeeTooLow        = errors.New("txpool: normalized fee below minimum")
	ErrDuplicateTx      = errors.New("txpool: duplicate tx")
)

func u256(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v
}

// poolTx 池中交易
type poolTx struct {
	tx      *types.OffChainTx
	key     []byte // tx.ID()
	id      string
	seq     uint64
	fee     *uint256.Int
	normFee decimal.Decimal
	// staged deposit this tx waits on, "" when executable
	depositID string
}

func newPoolTx(tx *types.OffChainTx) *poolTx {
	key := tx.ID()
	return &poolTx{tx: tx, key: key, id: hex.EncodeToString(key)}
}

func (p *poolTx) executable() bool { return p.depositID == "" }

// feeHeap 按 normFee 的最大堆，同价先入先出
type feeHeap []*poolTx

func (h feeHeap) Len() int { return len(h) }
func (h feeHeap) Less(i, j int) bool {
	if c := h[i].normFee.Cmp(h[j].normFee); c != 0 {
		return c > 0
	}
	return h[i].seq < h[j].seq
}
func (h feeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *feeHeap) Push(x interface{}) {
	*h = append(*h, x.(*poolTx))
}
func (h *feeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[0 : n-1]
	return item
}

// TxPool 链下交易池
type TxPool struct {
	sdb   StateReader
	store kv.Store
	cfg   config.TxPoolConfig

	mu       sync.Mutex
	txs      map[string]*poolTx
	deposits *depositStage
	prices   priceTable
	minFee   decimal.Decimal
	seq      uint64

	// 异步提交队列
	queue    *txPoolQueue
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New 创建交易池并从 store 恢复已持久化的交易。store 只给交易池自己用。
func New(sdb StateReader, store kv.Store, cfg config.TxPoolConfig) (*TxPool, error) {
	prices, err := newPriceTable(cfg.ReferencePrices)
	if err != nil {
		return nil, err
	}
	minFee := decimal.Zero
	if cfg.MinNormalizedFee != "" {
		if minFee, err = parsePrice(cfg.MinNormalizedFee); err != nil {
			return nil, fmt.Errorf("minNormalizedFee: %w", err)
		}
	}
	p := &TxPool{
		sdb:      sdb,
		store:    store,
		cfg:      cfg,
		txs:      make(map[string]*poolTx),
		deposits: newDepositStage(),
		prices:   prices,
		minFee:   minFee,
		stopChan: make(chan struct{}),
	}
	p.queue = newTxPoolQueue(p, cfg.MessageQueueSize)
	if err := p.Load(); err != nil {
		return nil, err
	}
	return p, nil
}

// ====== 准入 ======

// AddTx admits tx or returns why not. A rejection only concerns tx.
func (p *TxPool) AddTx(tx *types.OffChainTx) error {
	if tx == nil {
		return fmt.Errorf("nil transaction")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.addTx(tx); err != nil {
		logs.Debug("[TxPool] reject tx from=%d nonce=%d: %v", tx.FromIdx, tx.Nonce, err)
		return err
	}
	return nil
}

func (p *TxPool) addTx(tx *types.OffChainTx) error {
	if tx.OnChain || tx.NewAccount {
		return ErrNotOffChain
	}
	if tx.LoadAmount != nil && !tx.LoadAmount.IsZero() {
		return statedb.ErrLoadAmountMustBeZero
	}
	if err := tx.Fee.Valid(); err != nil {
		return err
	}
	if tx.ToKeyIncomplete() {
		return fmt.Errorf("%w: incomplete receiver key", statedb.ErrUnknownDestination)
	}
	pt := newPoolTx(tx)
	if _, ok := p.txs[pt.id]; ok {
		return ErrDuplicateTx
	}

	from, err := p.sdb.GetStateByIdx(tx.FromIdx)
	if err != nil {
		return err
	}
	if from == nil {
		return fmt.Errorf("%w: idx %d", ErrAccountNotFound, tx.FromIdx)
	}
	if from.Coin != tx.Coin {
		return fmt.Errorf("%w: sender %d holds coin %d", statedb.ErrCoinMismatch, tx.FromIdx, from.Coin)
	}
	if tx.Nonce != from.Nonce {
		return fmt.Errorf("%w: tx nonce %d, account nonce %d", statedb.ErrInvalidNonce, tx.Nonce, from.Nonce)
	}
	if !tx.VerifySignature(from.Ax, from.Ay) {
		return ErrInvalidSignature
	}
	if pt.fee, err = types.CalcFee(tx.Amount, tx.Fee); err != nil {
		return err
	}
	if !canPay(from, tx, pt.fee) {
		return fmt.Errorf("%w: idx %d has %s", statedb.ErrInsufficientBalance, tx.FromIdx, from.Amount.Dec())
	}
	pt.normFee = p.prices.normalize(tx.Coin, pt.fee)
	if pt.normFee.LessThan(p.minFee) {
		return fmt.Errorf("%w: %s < %s", ErrFeeTooLow, pt.normFee, p.minFee)
	}

	switch {
	case tx.ToIdx != 0:
		to, err := p.sdb.GetStateByIdx(tx.ToIdx)
		if err != nil {
			return err
		}
		if to == nil {
			return fmt.Errorf("%w: idx %d", statedb.ErrUnknownDestination, tx.ToIdx)
		}
		if to.Coin != tx.Coin {
			return fmt.Errorf("%w: receiver %d holds coin %d", statedb.ErrCoinMismatch, tx.ToIdx, to.Coin)
		}
	case tx.HasToKey():
		idx, err := p.sdb.GetIdx(tx.Coin, tx.ToAx, tx.ToAy)
		if err != nil {
			return err
		}
		if idx == 0 {
			pt.depositID = depositID(tx)
		}
	}

	exec, waiting := p.classLen()
	if pt.executable() && exec >= p.cfg.ExecutableSlots {
		return fmt.Errorf("%w: %d executable", ErrPoolFull, exec)
	}
	if !pt.executable() && waiting >= p.cfg.NonExecutableSlots {
		return fmt.Errorf("%w: %d waiting", ErrPoolFull, waiting)
	}

	seq := p.seq + 1
	pt.seq = seq
	ins := []kv.KV{
		{Key: keys.PoolTx(pt.key), Value: encodePoolTx(pt)},
		{Key: keys.PoolMeta(), Value: seqBytes(seq)},
	}
	var dep *pendingDeposit
	if !pt.executable() {
		if cur := p.deposits.get(pt.depositID); cur != nil {
			upd := *cur
			if pt.normFee.GreaterThan(upd.normFee) {
				upd.normFee = pt.normFee
			}
			dep = &upd
		} else {
			if p.deposits.len() >= p.cfg.MaxPendingDeposits {
				return fmt.Errorf("%w: %d staged deposits", ErrPoolFull, p.deposits.len())
			}
			dep = newPendingDeposit(tx, pt.normFee, seq)
			ins = append(ins, kv.KV{Key: keys.PoolDeposit(dep.key), Value: encodeDeposit(dep)})
		}
	}
	if err := p.store.MultiIns(ins); err != nil {
		return fmt.Errorf("persist tx %s: %w", pt.id, err)
	}

	p.seq = seq
	p.txs[pt.id] = pt
	if dep != nil {
		p.deposits.put(dep)
	}
	logs.Trace("[TxPool] admitted tx=%s from=%d fee=%s executable=%v", pt.id, tx.FromIdx, pt.normFee, pt.executable())
	return nil
}

func canPay(from *types.Account, tx *types.OffChainTx, fee *uint256.Int) bool {
	total, overflow := new(uint256.Int).AddOverflow(u256(tx.Amount), fee)
	return !overflow && !from.Amount.Lt(total)
}

func seqBytes(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

// caller holds p.mu
func (p *TxPool) classLen() (exec, waiting int) {
	for _, pt := range p.txs {
		if pt.executable() {
			exec++
		} else {
			waiting++
		}
	}
	return exec, waiting
}

// caller holds p.mu
func (p *TxPool) waitingOn(depID string) []*poolTx {
	var out []*poolTx
	for _, pt := range p.txs {
		if pt.depositID == depID {
			out = append(out, pt)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// caller holds p.mu
func (p *TxPool) bySeq() []*poolTx {
	out := make([]*poolTx, 0, len(p.txs))
	for _, pt := range p.txs {
		out = append(out, pt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// ====== 出池 ======

// FillBatch moves the best pooled work into bb. Staged deposits go first,
// at most half of the free on-chain slots, then executable txs by
// normalized fee. Txs bb accepts leave the pool; the rest stay.
func (p *TxPool) FillBatch(bb Builder) (deposits, txs int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var dels [][]byte
	promoted := make(map[string]*poolTx)

	budget := bb.OnChainFree() / 2
	for _, d := range p.deposits.byPriority() {
		if deposits >= budget {
			break
		}
		if err := bb.AddDepositOffChain(d.onChainTx()); err != nil {
			logs.Debug("[TxPool] deposit %s not injected: %v", d.id, err)
			continue
		}
		deposits++
		p.deposits.remove(d.id)
		dels = append(dels, keys.PoolDeposit(d.key))
		for _, pt := range p.waitingOn(d.id) {
			pt.depositID = ""
			promoted[pt.id] = pt
		}
	}

	h := make(feeHeap, 0, len(p.txs))
	for _, pt := range p.txs {
		if pt.executable() {
			h = append(h, pt)
		}
	}
	heap.Init(&h)
	for h.Len() > 0 && bb.OffChainFree() > 0 {
		pt := heap.Pop(&h).(*poolTx)
		if err := bb.AddTx(pt.tx); err != nil {
			logs.Debug("[TxPool] tx %s not added: %v", pt.id, err)
			continue
		}
		txs++
		delete(p.txs, pt.id)
		delete(promoted, pt.id)
		dels = append(dels, keys.PoolTx(pt.key))
	}

	ins := make([]kv.KV, 0, len(promoted))
	for _, pt := range promoted {
		ins = append(ins, kv.KV{Key: keys.PoolTx(pt.key), Value: encodePoolTx(pt)})
	}
	if err := p.store.Write(ins, dels); err != nil {
		return deposits, txs, fmt.Errorf("persist pool after fill: %w", err)
	}
	logs.Info("[TxPool] fillBatch deposits=%d txs=%d pooled=%d staged=%d", deposits, txs, len(p.txs), p.deposits.len())
	return deposits, txs, nil
}

// ====== 清理 ======

// Purge re-checks the pool against the consolidated state: settled
// deposits release their waiting txs, and txs that can no longer execute
// are dropped. The remaining set is written back. It returns how many txs
// were dropped.
func (p *TxPool) Purge() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var dels [][]byte
	for _, d := range p.deposits.byPriority() {
		idx, err := p.sdb.GetIdx(d.coin, d.ax, d.ay)
		if err != nil {
			return 0, err
		}
		if idx == 0 {
			continue
		}
		p.deposits.remove(d.id)
		dels = append(dels, keys.PoolDeposit(d.key))
		for _, pt := range p.waitingOn(d.id) {
			pt.depositID = ""
		}
	}

	dropped := 0
	for _, pt := range p.bySeq() {
		ok, err := p.stillValid(pt)
		if err != nil {
			return dropped, err
		}
		if !ok {
			delete(p.txs, pt.id)
			dels = append(dels, keys.PoolTx(pt.key))
			dropped++
			continue
		}
		if err := p.restage(pt); err != nil {
			return dropped, err
		}
	}

	// deposits nobody waits on any more
	for _, d := range p.deposits.byPriority() {
		if len(p.waitingOn(d.id)) == 0 {
			p.deposits.remove(d.id)
			dels = append(dels, keys.PoolDeposit(d.key))
		}
	}

	ins := make([]kv.KV, 0, len(p.txs)+p.deposits.len())
	for _, pt := range p.txs {
		ins = append(ins, kv.KV{Key: keys.PoolTx(pt.key), Value: encodePoolTx(pt)})
	}
	live := make(map[string]struct{}, p.deposits.len())
	for _, d := range p.deposits.byPriority() {
		live[string(keys.PoolDeposit(d.key))] = struct{}{}
		ins = append(ins, kv.KV{Key: keys.PoolDeposit(d.key), Value: encodeDeposit(d)})
	}
	final := dels[:0]
	for _, k := range dels {
		if _, ok := live[string(k)]; !ok {
			final = append(final, k)
		}
	}
	if err := p.store.Write(ins, final); err != nil {
		return dropped, fmt.Errorf("persist pool after purge: %w", err)
	}
	logs.Info("[TxPool] purge dropped=%d pooled=%d staged=%d", dropped, len(p.txs), p.deposits.len())
	return dropped, nil
}

// stillValid reports whether pt can still go into the next batch.
func (p *TxPool) stillValid(pt *poolTx) (bool, error) {
	tx := pt.tx
	from, err := p.sdb.GetStateByIdx(tx.FromIdx)
	if err != nil || from == nil {
		return false, err
	}
	if from.Coin != tx.Coin || from.Nonce != tx.Nonce || !canPay(from, tx, pt.fee) {
		return false, nil
	}
	if tx.ToIdx != 0 {
		to, err := p.sdb.GetStateByIdx(tx.ToIdx)
		if err != nil || to == nil {
			return false, err
		}
		return to.Coin == tx.Coin, nil
	}
	return true, nil
}

// restage puts an executable keyed tx back on a staged deposit when its
// account is gone, e.g. the batch that created it was never consolidated.
func (p *TxPool) restage(pt *poolTx) error {
	tx := pt.tx
	if tx.ToIdx != 0 || !tx.HasToKey() {
		return nil
	}
	idx, err := p.sdb.GetIdx(tx.Coin, tx.ToAx, tx.ToAy)
	if err != nil || idx != 0 {
		return err
	}
	id := depositID(tx)
	switch d := p.deposits.get(id); {
	case d != nil:
		if pt.normFee.GreaterThan(d.normFee) {
			d.normFee = pt.normFee
		}
	case p.deposits.len() < p.cfg.MaxPendingDeposits:
		p.deposits.put(newPendingDeposit(tx, pt.normFee, pt.seq))
	default:
		return nil
	}
	pt.depositID = id
	return nil
}

// ====== 价格 ======

// SetPrice updates the reference price of coin and re-ranks its txs.
func (p *TxPool) SetPrice(coin uint16, price string) error {
	v, err := parsePrice(price)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[coin] = v
	p.renormalize()
	return nil
}

// caller holds p.mu
func (p *TxPool) renormalize() {
	for _, pt := range p.txs {
		pt.normFee = p.prices.normalize(pt.tx.Coin, pt.fee)
	}
	for _, d := range p.deposits.byPriority() {
		d.normFee = decimal.Zero
		for _, pt := range p.waitingOn(d.id) {
			if pt.normFee.GreaterThan(d.normFee) {
				d.normFee = pt.normFee
			}
		}
	}
}

// ====== 持久化 ======

// Load replaces the in-memory pool with what the pool store holds.
func (p *TxPool) Load() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	txs := make(map[string]*poolTx)
	err := p.store.IteratePrefix(keys.PoolTxPrefix(), func(k, v []byte) error {
		pt, err := decodePoolTx(k[len(keys.PoolTxPrefix()):], v)
		if err != nil {
			return err
		}
		if pt.fee, err = types.CalcFee(pt.tx.Amount, pt.tx.Fee); err != nil {
			return fmt.Errorf("%w: %v", ErrBadRecord, err)
		}
		txs[pt.id] = pt
		return nil
	})
	if err != nil {
		return fmt.Errorf("load pooled txs: %w", err)
	}
	stage := newDepositStage()
	err = p.store.IteratePrefix(keys.PoolDepositPrefix(), func(_, v []byte) error {
		d, err := decodeDeposit(v)
		if err != nil {
			return err
		}
		stage.put(d)
		return nil
	})
	if err != nil {
		return fmt.Errorf("load staged deposits: %w", err)
	}
	var seq uint64
	raw, err := p.store.Get(keys.PoolMeta())
	switch {
	case err == nil && len(raw) == 8:
		seq = binary.BigEndian.Uint64(raw)
	case err == nil:
		return fmt.Errorf("%w: pool meta length %d", ErrBadRecord, len(raw))
	case !errors.Is(err, kv.ErrNotFound):
		return err
	}

	p.txs, p.deposits, p.seq = txs, stage, seq
	p.renormalize()
	if len(txs) > 0 || stage.len() > 0 {
		logs.Info("[TxPool] loaded %d txs, %d staged deposits", len(txs), stage.len())
	}
	return nil
}

// ====== 查询 ======

func (p *TxPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.txs)
}

// ExecutableLen counts txs not waiting on a staged deposit.
func (p *TxPool) ExecutableLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	exec, _ := p.classLen()
	return exec
}

func (p *TxPool) PendingDepositsLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.deposits.len()
}

// Has 按 hex id 查询
func (p *TxPool) Has(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.txs[id]
	return ok
}

// Pending returns the pooled txs in the order FillBatch would offer them,
// waiting ones last.
func (p *TxPool) Pending() []*types.OffChainTx {
	p.mu.Lock()
	defer p.mu.Unlock()
	all := p.bySeq()
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].executable() != all[j].executable() {
			return all[i].executable()
		}
		return feeHeap(all).Less(i, j)
	})
	out := make([]*types.OffChainTx, len(all))
	for i, pt := range all {
		out[i] = pt.tx
	}
	return out
}
