package event

import (
	"time"

	"github.com/google/uuid"
)

// Kind discriminates operation records in the log.
type Kind int32

const (
	KindUnknown Kind = iota
	KindDeposit
	KindRedeem
	KindMint
	KindBurn
	KindLiquidation
)

func (k Kind) String() string {
	switch k {
	case KindDeposit:
		return "Deposit"
	case KindRedeem:
		return "Redeem"
	case KindMint:
		return "Mint"
	case KindBurn:
		return "Burn"
	case KindLiquidation:
		return "Liquidation"
	default:
		return "Unknown"
	}
}

// KindFromString parses the stored form produced by Kind.String.
func KindFromString(s string) Kind {
	switch s {
	case "Deposit":
		return KindDeposit
	case "Redeem":
		return KindRedeem
	case "Mint":
		return KindMint
	case "Burn":
		return KindBurn
	case "Liquidation":
		return KindLiquidation
	default:
		return KindUnknown
	}
}

// Envelope wraps every record in the operation log.
type Envelope struct {
	// Global monotonic sequence assigned by the engine
	Sequence int64

	// Unique id for this operation
	OperationID uuid.UUID

	// Record type discriminator
	Kind Kind

	// Account that initiated the operation (liquidator for liquidations)
	Account string

	// Wall-clock time the operation committed
	Timestamp time.Time

	// SHA-256 of state AFTER applying this operation
	StateHash [32]byte

	// Previous record's state hash (chain integrity)
	PrevHash [32]byte
}

// Record is an envelope plus its kind-specific payload.
type Record struct {
	Envelope
	Payload interface{}
}
