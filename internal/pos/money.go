package pos

import "github.com/shopspring/decimal"

var (
	hundred = decimal.NewFromInt(100)
	two     = decimal.NewFromInt(2)
)

func round2(d decimal.Decimal) decimal.Decimal { return d.Round(2) }

// inclusiveTax extracts the tax already contained in a tax-inclusive amount:
// amount * rate / (100 + rate).
func inclusiveTax(amount, rate decimal.Decimal) decimal.Decimal {
	if rate.IsZero() || amount.IsZero() {
		return decimal.Zero
	}
	return round2(amount.Mul(rate).Div(hundred.Add(rate)))
}

// splitTax halves tax into central and state parts. Any odd paisa goes to the
// state part so the two always add back to tax.
func splitTax(tax decimal.Decimal) (cgst, sgst decimal.Decimal) {
	cgst = tax.Div(two).RoundDown(2)
	return cgst, tax.Sub(cgst)
}

// allocate spreads total across weights proportionally, rounding each share to
// two places. The last non-zero weight absorbs the rounding remainder.
func allocate(total decimal.Decimal, weights []decimal.Decimal) []decimal.Decimal {
	shares := make([]decimal.Decimal, len(weights))
	sum := decimal.Zero
	last := -1
	for i, w := range weights {
		sum = sum.Add(w)
		if !w.IsZero() {
			last = i
		}
	}
	for i := range shares {
		shares[i] = decimal.Zero
	}
	if total.IsZero() || sum.IsZero() {
		return shares
	}

	given := decimal.Zero
	for i, w := range weights {
		if i == last {
			shares[i] = total.Sub(given)
			break
		}
		shares[i] = round2(total.Mul(w).Div(sum))
		given = given.Add(shares[i])
	}
	return shares
}

func sumDecimals(ds ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, d := range ds {
		total = total.Add(d)
	}
	return total
}
