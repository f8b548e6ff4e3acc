package types

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

var ErrInvalidFeeSelector = errors.New("types: invalid fee selector")

// FeeSelector indexes the fee table. fee = floor(amount * factor / 2^32).
type FeeSelector uint8

const (
	Fee0 FeeSelector = iota
	Fee1Pct
	Fee2Pct
	Fee3Pct
	Fee4Pct
	Fee5Pct
	Fee10Pct
	Fee15Pct
	Fee20Pct
	Fee25Pct
	Fee30Pct
	Fee35Pct
	Fee40Pct
	Fee45Pct
	Fee50Pct
	Fee75Pct

	FeeTableSize = 16
)

// feeFactors are percentages scaled by 2^32 and truncated.
var feeFactors = [FeeTableSize]uint64{
	0,
	42949672,   // 1%
	85899345,   // 2%
	128849018,  // 3%
	171798691,  // 4%
	214748364,  // 5%
	429496729,  // 10%
	644245094,  // 15%
	858993459,  // 20%
	1073741824, // 25%
	1288490188, // 30%
	1503238553, // 35%
	1717986918, // 40%
	1932735283, // 45%
	2147483648, // 50%
	3221225472, // 75%
}

func (s FeeSelector) Valid() error {
	if s >= FeeTableSize {
		return fmt.Errorf("%w: %d", ErrInvalidFeeSelector, s)
	}
	return nil
}

// Factor returns the 2^32-scaled multiplier.
func (s FeeSelector) Factor() uint64 {
	if s >= FeeTableSize {
		return 0
	}
	return feeFactors[s]
}

// CalcFee 计算手续费。amount*factor 在 512 位内计算，不会溢出
func CalcFee(amount *uint256.Int, s FeeSelector) (*uint256.Int, error) {
	if err := s.Valid(); err != nil {
		return nil, err
	}
	fee, _ := new(uint256.Int).MulDivOverflow(u256OrZero(amount), uint256.NewInt(feeFactors[s]), uint256.NewInt(1<<32))
	return fee, nil
}
