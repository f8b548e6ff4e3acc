package statedb

import "errors"

var (
	// store
	ErrWrongBatchNumber = errors.New("statedb: wrong batch number")
	ErrCorruptedState   = errors.New("statedb: corrupted state")
	ErrFutureRollback   = errors.New("statedb: rollback to a future batch")
	ErrFutureBatch      = errors.New("statedb: batch not consolidated yet")

	// builder
	ErrLoadAmountMustBeZero = errors.New("statedb: off-chain tx with non-zero load amount")
	ErrNotOffChain          = errors.New("statedb: off-chain tx flagged on-chain or new-account")
	ErrUnknownSender        = errors.New("statedb: unknown sender account")
	ErrUnknownDestination   = errors.New("statedb: unknown destination account")
	ErrCoinMismatch         = errors.New("statedb: coin does not match account")
	ErrInvalidNonce         = errors.New("statedb: invalid nonce")
	ErrInsufficientBalance  = errors.New("statedb: insufficient balance")
	ErrAmountTooLarge       = errors.New("statedb: amount does not fit in 128 bits")
	ErrBalanceOverflow      = errors.New("statedb: balance overflow")
	ErrFeeMismatch          = errors.New("statedb: fee mismatch")
	ErrBatchFull            = errors.New("statedb: batch full")
	ErrOnChainFull          = errors.New("statedb: on-chain slots full")
	ErrFeePlanFull          = errors.New("statedb: fee plan full")
	ErrTreeFull             = errors.New("statedb: account tree full")
	ErrAlreadyBuilt         = errors.New("statedb: batch already built")
	ErrNotBuilt             = errors.New("statedb: batch not built")
)
