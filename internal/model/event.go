package model

import (
	"encoding/json"
)

// Event statuses.
const (
	StatusApplied  = "applied"
	StatusRejected = "rejected"
)

// EngineEvent is the normalized outcome of one applied journal action.
// Rejected actions carry the machine-readable reason; applied ones carry the
// op-specific result fields.
type EngineEvent struct {
	Seq    uint64 `json:"seq"`
	At     uint64 `json:"at"`
	Op     string `json:"op"`
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`

	Pool   string `json:"pool,omitempty"`
	Trader string `json:"trader,omitempty"`

	Amount0    string `json:"amount0,omitempty"`
	Amount1    string `json:"amount1,omitempty"`
	DebtShares string `json:"debt_shares,omitempty"`
	Collateral string `json:"collateral,omitempty"`
	SqrtPrice  string `json:"sqrt_price,omitempty"`
	Tick       int    `json:"tick,omitempty"`
	Liquidity  string `json:"liquidity,omitempty"`

	RecordedAt string `json:"recorded_at"`
}

// MarshalJSON ensures EngineEvent is encoded with stable field names.
func (e EngineEvent) MarshalJSON() ([]byte, error) {
	type Alias EngineEvent
	return json.Marshal(Alias(e))
}

// UnmarshalJSON decodes an EngineEvent from JSON.
func (e *EngineEvent) UnmarshalJSON(data []byte) error {
	type Alias EngineEvent
	var a Alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*e = EngineEvent(a)
	return nil
}
