// Package signalstore implements the durable TradingSignal log (spec
// C7): every signal a strategy or webhook produces is appended here
// before SignalExecutor ever sees it, and its status only ever moves
// forward to a terminal state.
package signalstore

import (
	"encoding/json"
	"time"
)

// Kind is the tagged-variant discriminator for a signal's payload.
type Kind string

const (
	KindOrder      Kind = "ORDER"
	KindRebalance  Kind = "REBALANCE"
	KindAllocation Kind = "ALLOCATION"
)

// Status is a TradingSignal's lifecycle state. It transitions only
// PENDING -> one of {EXECUTED, FAILED, CANCELLED}; never backward.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusExecuted  Status = "EXECUTED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// OrderPayload is the typed shape of an ORDER signal.
type OrderPayload struct {
	Side   string   `json:"side"`
	Qty    float64  `json:"qty"`
	Price  *float64 `json:"price,omitempty"`
	Reason string   `json:"reason,omitempty"`
}

// RebalancePayload is the typed shape of a REBALANCE signal: exactly
// one of TargetWeights or TargetMV is populated.
type RebalancePayload struct {
	TargetWeights map[string]float64 `json:"target_weights,omitempty"`
	TargetMV      map[string]float64 `json:"target_mv,omitempty"`
}

// AllocationPayload is the typed shape of an ALLOCATION signal:
// weights across the whole account, sum <= 1.0 + epsilon.
type AllocationPayload struct {
	TargetWeights map[string]float64 `json:"target_weights"`
}

// TradingSignal is one durable row in the signal log.
type TradingSignal struct {
	ID         int64
	JobName    string
	Account    string
	Market     string
	Kind       Kind
	Symbol     string // empty for REBALANCE/ALLOCATION
	Payload    json.RawMessage
	Status     Status
	CreatedAt  time.Time
	TriggerAt  *time.Time
	ExecutedAt *time.Time
}

// DecodeOrder unmarshals Payload as an OrderPayload.
func (s TradingSignal) DecodeOrder() (OrderPayload, error) {
	var p OrderPayload
	err := json.Unmarshal(s.Payload, &p)
	return p, err
}

// DecodeRebalance unmarshals Payload as a RebalancePayload.
func (s TradingSignal) DecodeRebalance() (RebalancePayload, error) {
	var p RebalancePayload
	err := json.Unmarshal(s.Payload, &p)
	return p, err
}

// DecodeAllocation unmarshals Payload as an AllocationPayload.
func (s TradingSignal) DecodeAllocation() (AllocationPayload, error) {
	var p AllocationPayload
	err := json.Unmarshal(s.Payload, &p)
	return p, err
}

// Filters narrows list_signals/count_signals queries. Zero-value
// fields are not applied.
type Filters struct {
	Account  string
	Market   string
	Kind     Kind
	Status   Status
	DateFrom *time.Time
	DateTo   *time.Time
}
