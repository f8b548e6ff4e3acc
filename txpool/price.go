package txpool

import (
	"fmt"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// priceTable 币种 -> 参考资产价格（每个最小单位）
// A coin without a price normalizes to zero.
type priceTable map[uint16]decimal.Decimal

func parsePrice(s string) (decimal.Decimal, error) {
	p, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("bad price %q: %w", s, err)
	}
	if p.IsNegative() {
		return decimal.Zero, fmt.Errorf("negative price %s", s)
	}
	return p, nil
}

func newPriceTable(cfg map[uint16]string) (priceTable, error) {
	pt := make(priceTable, len(cfg))
	for coin, s := range cfg {
		p, err := parsePrice(s)
		if err != nil {
			return nil, fmt.Errorf("coin %d: %w", coin, err)
		}
		pt[coin] = p
	}
	return pt, nil
}

// normalize 手续费折算成参考单位
func (pt priceTable) normalize(coin uint16, fee *uint256.Int) decimal.Decimal {
	p, ok := pt[coin]
	if !ok || fee == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(fee.ToBig(), 0).Mul(p)
}
