// Package finance holds the invoice arithmetic shared by purchases, sales and
// returns. Every function is pure and every money value it returns is rounded
// half-up to two places at the point it is computed.
package finance

import (
	"fmt"

	"github.com/shopspring/decimal"

	"pharmaledger/internal/domain"
)

const moneyPlaces = 2

var (
	hundred = decimal.NewFromInt(100)
	one     = decimal.NewFromInt(1)

	// PaidTolerance is the largest due amount still treated as settled.
	PaidTolerance = decimal.RequireFromString("0.01")
)

// Round rounds a money value half away from zero to two places.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(moneyPlaces)
}

type LineInput struct {
	UnitPrice       decimal.Decimal
	Quantity        int
	DiscountPercent decimal.Decimal
	TaxRate         decimal.Decimal
}

type Line struct {
	Gross    decimal.Decimal
	Discount decimal.Decimal
	Net      decimal.Decimal
	Taxable  decimal.Decimal
	Tax      decimal.Decimal
	Total    decimal.Decimal
}

// ComputeLine prices one invoice line under the given tax regime.
func ComputeLine(gst domain.GSTType, in LineInput) (Line, error) {
	if in.Quantity < 0 {
		return Line{}, fmt.Errorf("negative quantity %d", in.Quantity)
	}
	if in.UnitPrice.IsNegative() {
		return Line{}, fmt.Errorf("negative unit price %s", in.UnitPrice)
	}
	if in.DiscountPercent.IsNegative() || in.DiscountPercent.GreaterThan(hundred) {
		return Line{}, fmt.Errorf("discount percentage %s out of range", in.DiscountPercent)
	}
	if in.TaxRate.IsNegative() {
		return Line{}, fmt.Errorf("negative tax rate %s", in.TaxRate)
	}

	var line Line
	line.Gross = Round(in.UnitPrice.Mul(decimal.NewFromInt(int64(in.Quantity))))
	line.Discount = Round(line.Gross.Mul(in.DiscountPercent).Div(hundred))
	line.Net = line.Gross.Sub(line.Discount)

	taxable, tax, err := SplitTax(gst, line.Net, in.TaxRate)
	if err != nil {
		return Line{}, err
	}
	line.Taxable = taxable
	line.Tax = tax
	line.Total = line.Taxable.Add(line.Tax)
	return line, nil
}

// SplitTax divides a net amount into its taxable base and tax under a regime.
func SplitTax(gst domain.GSTType, net decimal.Decimal, rate decimal.Decimal) (taxable decimal.Decimal, tax decimal.Decimal, err error) {
	switch gst {
	case domain.GSTNone:
		return Round(net), decimal.Zero, nil
	case domain.GSTExclusive:
		return Round(net), Round(net.Mul(rate).Div(hundred)), nil
	case domain.GSTInclusive:
		divisor := one.Add(rate.Div(hundred))
		taxable = net.DivRound(divisor, moneyPlaces)
		return taxable, Round(net).Sub(taxable), nil
	default:
		return decimal.Zero, decimal.Zero, fmt.Errorf("unknown gst type %q", gst)
	}
}

type Totals struct {
	Gross            decimal.Decimal
	Discount         decimal.Decimal
	Taxable          decimal.Decimal
	Tax              decimal.Decimal
	Subtotal         decimal.Decimal
	AdjustmentAmount decimal.Decimal
	GrandTotal       decimal.Decimal
}

// Summarize aggregates priced lines and applies the invoice-level adjustment once.
func Summarize(lines []Line, adj *domain.Adjustment) (Totals, error) {
	var t Totals
	for _, l := range lines {
		t.Gross = t.Gross.Add(l.Gross)
		t.Discount = t.Discount.Add(l.Discount)
		t.Taxable = t.Taxable.Add(l.Taxable)
		t.Tax = t.Tax.Add(l.Tax)
	}
	t.Subtotal = t.Taxable.Add(t.Tax)

	amount, err := AdjustmentAmount(adj, t.Taxable)
	if err != nil {
		return Totals{}, err
	}
	t.AdjustmentAmount = amount
	t.GrandTotal = Round(t.Subtotal.Sub(amount))
	return t, nil
}

// AdjustmentAmount is the amount subtracted from the subtotal. Charges come
// back negative so that subtracting them raises the grand total.
func AdjustmentAmount(adj *domain.Adjustment, taxableSubtotal decimal.Decimal) (decimal.Decimal, error) {
	if adj == nil || adj.Type == "" {
		return decimal.Zero, nil
	}
	if adj.Value.IsNegative() {
		return decimal.Zero, fmt.Errorf("negative adjustment value %s", adj.Value)
	}
	switch adj.Type {
	case domain.AdjustmentPercentageDiscount:
		if adj.Value.GreaterThan(hundred) {
			return decimal.Zero, fmt.Errorf("percentage discount %s exceeds 100", adj.Value)
		}
		return Round(taxableSubtotal.Mul(adj.Value).Div(hundred)), nil
	case domain.AdjustmentFixedDiscount:
		return Round(adj.Value), nil
	case domain.AdjustmentAdditionalCharge:
		return Round(adj.Value).Neg(), nil
	default:
		return decimal.Zero, fmt.Errorf("unknown adjustment type %q", adj.Type)
	}
}

type Settlement struct {
	AmountPaid decimal.Decimal
	Due        decimal.Decimal
	Status     domain.PaymentStatus
}

// Settle derives the due amount and payment status for an invoice total.
func Settle(grandTotal decimal.Decimal, amountPaid decimal.Decimal) Settlement {
	paid := Round(amountPaid)
	due := Round(grandTotal.Sub(paid))
	return Settlement{AmountPaid: paid, Due: due, Status: StatusFor(due, paid)}
}

func StatusFor(due decimal.Decimal, paid decimal.Decimal) domain.PaymentStatus {
	switch {
	case due.LessThanOrEqual(PaidTolerance):
		return domain.PaymentPaid
	case paid.IsPositive():
		return domain.PaymentPartiallyPaid
	default:
		return domain.PaymentPending
	}
}

// Prorate returns round(total × part / whole), used to price partial returns
// off the original line's figures.
func Prorate(total decimal.Decimal, part int, whole int) (decimal.Decimal, error) {
	if whole <= 0 {
		return decimal.Zero, fmt.Errorf("cannot prorate over %d units", whole)
	}
	return total.Mul(decimal.NewFromInt(int64(part))).DivRound(decimal.NewFromInt(int64(whole)), moneyPlaces), nil
}
