package settlement

import (
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/hypestock/params"
)

// Breakdown is the fee split of one fill's gross value. Amounts are exact; nothing is
// rounded, so the two conservation identities hold to the last digit.
type Breakdown struct {
	Gross     decimal.Decimal `json:"gross"`
	Total     decimal.Decimal `json:"fee_total"`
	Burn      decimal.Decimal `json:"fee_burned"`
	Creator   decimal.Decimal `json:"fee_to_creator"`
	Treasury  decimal.Decimal `json:"fee_to_treasury"`
	PayoutNet decimal.Decimal `json:"payout_net"`
}

// Split charges the maker fee on gross and divides it between burn, creator and treasury.
func Split(gross decimal.Decimal, fees params.Fees) Breakdown {
	total := bps(gross, fees.MakerFeeBps)
	burn := bps(total, fees.BurnShareBps)
	remaining := total.Sub(burn)
	creator := bps(remaining, fees.CreatorFeeShareBps)

	return Breakdown{
		Gross:     gross,
		Total:     total,
		Burn:      burn,
		Creator:   creator,
		Treasury:  remaining.Sub(creator),
		PayoutNet: gross.Sub(total),
	}
}

// Conserved reports payout_net + fee_total == gross and fee_total == burn + creator + treasury.
func (b Breakdown) Conserved() bool {
	return b.PayoutNet.Add(b.Total).Equal(b.Gross) &&
		b.Burn.Add(b.Creator).Add(b.Treasury).Equal(b.Total)
}

func bps(amount decimal.Decimal, points int64) decimal.Decimal {
	return amount.Mul(decimal.NewFromInt(points)).Shift(-4)
}
