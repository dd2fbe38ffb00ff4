package engine

import "SynthLedger/internal/fixedpoint"

// HealthFactor measures an account's solvency: collateral value is first
// discounted to LiquidationThreshold percent, then divided by debt, all in
// wad scale. A result below MinHealthFactor (1.0) means the account is
// liquidatable. Zero debt is infinitely healthy.
func HealthFactor(collateralUSD, debt fixedpoint.Quantity) fixedpoint.Quantity {
	if debt.IsZero() {
		return fixedpoint.MaxHealthFactor
	}
	return collateralUSD.AdjustForThreshold().DivWad(debt)
}
