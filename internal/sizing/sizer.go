// Package sizing computes a valid order quantity from a risk budget, a
// price and the exchange's precision constraints. Pure arithmetic: no
// network calls, no side effects.
package sizing

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Filter carries the exchange precision constraints for one symbol.
type Filter struct {
	StepSize    decimal.Decimal // minimum quantity increment
	MinQty      decimal.Decimal // minimum order quantity
	MinNotional decimal.Decimal // minimum quantity*price value
}

// ParseFilter builds a Filter from the string forms the exchange (and our
// configuration) use for these values. StepSize must be positive; MinQty
// and MinNotional may be zero to disable the respective check.
func ParseFilter(step, minQty, minNotional string) (Filter, error) {
	stepD, err := decimal.NewFromString(step)
	if err != nil {
		return Filter{}, fmt.Errorf("invalid step size %q: %w", step, err)
	}
	if stepD.Sign() <= 0 {
		return Filter{}, fmt.Errorf("step size must be positive, got %s", step)
	}
	minQtyD, err := decimal.NewFromString(minQty)
	if err != nil {
		return Filter{}, fmt.Errorf("invalid min quantity %q: %w", minQty, err)
	}
	minNotionalD, err := decimal.NewFromString(minNotional)
	if err != nil {
		return Filter{}, fmt.Errorf("invalid min notional %q: %w", minNotional, err)
	}
	return Filter{StepSize: stepD, MinQty: minQtyD, MinNotional: minNotionalD}, nil
}

// Quantity computes the order quantity for a fixed quote-currency risk
// budget at the given price, rounded down to the nearest valid step.
// It returns an error when the sized order would violate the exchange's
// minimum quantity or minimum notional constraints; callers must treat
// that as "do not trade", not as a value to adjust.
func Quantity(riskBudget, price float64, f Filter) (float64, error) {
	if riskBudget <= 0 {
		return 0, fmt.Errorf("risk budget must be positive, got %v", riskBudget)
	}
	if price <= 0 {
		return 0, fmt.Errorf("price must be positive, got %v", price)
	}

	budget := decimal.NewFromFloat(riskBudget)
	priceD := decimal.NewFromFloat(price)

	raw := budget.Div(priceD)
	// Floor to an exact multiple of the step: floor(raw/step)*step.
	steps := raw.Div(f.StepSize).Floor()
	qty := steps.Mul(f.StepSize)

	if qty.Sign() <= 0 {
		return 0, fmt.Errorf("budget %v at price %v rounds to zero quantity (step %s)", riskBudget, price, f.StepSize)
	}
	if f.MinQty.Sign() > 0 && qty.LessThan(f.MinQty) {
		return 0, fmt.Errorf("quantity %s below exchange minimum %s", qty, f.MinQty)
	}
	if f.MinNotional.Sign() > 0 {
		notional := qty.Mul(priceD)
		if notional.LessThan(f.MinNotional) {
			return 0, fmt.Errorf("notional %s below exchange minimum %s", notional, f.MinNotional)
		}
	}

	out, _ := qty.Float64()
	return out, nil
}

// FormatQuantity renders a quantity with exactly the precision of the step
// size, the form exchanges expect in order requests.
func FormatQuantity(qty float64, f Filter) string {
	places := int32(-f.StepSize.Exponent())
	if places < 0 {
		places = 0
	}
	return decimal.NewFromFloat(qty).Truncate(places).StringFixed(places)
}
