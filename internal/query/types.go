package query

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// OperationResponse is one applied operation from the log.
type OperationResponse struct {
	Sequence    int64           `json:"sequence"`
	Kind        string          `json:"kind"`
	OperationID uuid.UUID       `json:"operation_id"`
	Account     string          `json:"account"`
	Payload     json.RawMessage `json:"payload"`
	StateHash   []byte          `json:"state_hash"`
	PrevHash    []byte          `json:"prev_hash"`
	Timestamp   time.Time       `json:"timestamp"`
}

// IntegrityReport is the result of verifying the stored hash chain.
type IntegrityReport struct {
	IsHealthy       bool    `json:"is_healthy"`
	LatestSequence  int64   `json:"latest_sequence"`
	TipHash         []byte  `json:"tip_hash,omitempty"`
	HashChainBreaks []int64 `json:"hash_chain_breaks,omitempty"`
}
