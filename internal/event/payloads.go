package event

// Payloads carry wad-scale amounts as decimal integer strings so records
// survive JSON round-trips without precision loss.

// DepositPayload records collateral entering the engine. Minted is set
// when the deposit and a mint committed as one operation.
type DepositPayload struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
	Minted string `json:"minted,omitempty"`
}

// RedeemPayload records collateral leaving the engine. Repaid is set when
// a debt repayment committed as part of the same operation.
type RedeemPayload struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
	To     string `json:"to"`
	Repaid string `json:"repaid,omitempty"`
}

// MintPayload records synthetic debt issued against existing collateral.
type MintPayload struct {
	Amount string `json:"amount"`
}

// BurnPayload records a voluntary debt repayment.
type BurnPayload struct {
	Amount string `json:"amount"`
	Payer  string `json:"payer"`
}

// LiquidationPayload records a third party covering an unhealthy
// account's debt in exchange for discounted collateral.
type LiquidationPayload struct {
	Borrower    string `json:"borrower"`
	Asset       string `json:"asset"`
	DebtCovered string `json:"debt_covered"`
	Seized      string `json:"seized"`
	Bonus       string `json:"bonus"`
	StartHealth string `json:"start_health"`
	EndHealth   string `json:"end_health"`
}
