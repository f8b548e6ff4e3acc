package types

// ============================================
// 分类后的交易
// ============================================
// The batch builder turns each RawTx into exactly one of the types below.
// Each carries the resolved account indexes it needs and its source.

type TxKind uint8

const (
	KindDeposit TxKind = iota + 1
	KindDepositOnTop
	KindForceTransfer
	KindForceExit
	KindTransfer
	KindExit
)

func (k TxKind) String() string {
	switch k {
	case KindDeposit:
		return "deposit"
	case KindDepositOnTop:
		return "deposit-on-top"
	case KindForceTransfer:
		return "force-transfer"
	case KindForceExit:
		return "force-exit"
	case KindTransfer:
		return "transfer"
	case KindExit:
		return "exit"
	}
	return "unknown"
}

func (k TxKind) OnChain() bool { return k <= KindForceExit }

type Tx interface {
	Kind() TxKind
	Raw() RawTx
}

// Deposit creates account Idx for the sender key with LoadAmount.
type Deposit struct {
	Idx uint64
	Src *OnChainTx
}

// DepositOnTop credits LoadAmount to existing account Idx.
type DepositOnTop struct {
	Idx uint64
	Src *OnChainTx
}

// ForceTransfer loads then moves Amount from FromIdx to ToIdx. ToIdx is 0
// when the receiver does not exist; the transfer is then nullified.
type ForceTransfer struct {
	FromIdx uint64
	NewFrom bool
	ToIdx   uint64
	Src     *OnChainTx
}

// ForceExit loads then moves Amount from FromIdx to the exit tree.
type ForceExit struct {
	FromIdx uint64
	NewFrom bool
	Src     *OnChainTx
}

// Transfer is an off-chain transfer. AuxToIdx marks a receiver resolved
// from its public key.
type Transfer struct {
	FromIdx  uint64
	ToIdx    uint64
	AuxToIdx bool
	Src      *OffChainTx
}

// Exit is an off-chain withdrawal into the exit tree.
type Exit struct {
	FromIdx uint64
	Src     *OffChainTx
}

func (*Deposit) Kind() TxKind       { return KindDeposit }
func (*DepositOnTop) Kind() TxKind  { return KindDepositOnTop }
func (*ForceTransfer) Kind() TxKind { return KindForceTransfer }
func (*ForceExit) Kind() TxKind     { return KindForceExit }
func (*Transfer) Kind() TxKind      { return KindTransfer }
func (*Exit) Kind() TxKind          { return KindExit }

func (t *Deposit) Raw() RawTx       { return t.Src }
func (t *DepositOnTop) Raw() RawTx  { return t.Src }
func (t *ForceTransfer) Raw() RawTx { return t.Src }
func (t *ForceExit) Raw() RawTx     { return t.Src }
func (t *Transfer) Raw() RawTx      { return t.Src }
func (t *Exit) Raw() RawTx          { return t.Src }
