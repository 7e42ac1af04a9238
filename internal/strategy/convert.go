package strategy

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/quantcore/platform/internal/signalstore"
)

// ConvertToSignals implements the §4.6 "Conversion to TradingSignal"
// algorithm: allocation/rebalance dicts become portfolio-level
// signals (symbol empty); everything else becomes an ORDER signal,
// with its market inferred from the symbol prefix when market is "".
func ConvertToSignals(dicts []SignalDict, jobName, account, market string, triggerAt *time.Time, createdAt time.Time) ([]signalstore.TradingSignal, error) {
	out := make([]signalstore.TradingSignal, 0, len(dicts))
	for _, dict := range dicts {
		sig, err := convertOne(dict, jobName, account, market, triggerAt, createdAt)
		if err != nil {
			return nil, err
		}
		out = append(out, sig)
	}
	return out, nil
}

func convertOne(dict SignalDict, jobName, account, market string, triggerAt *time.Time, createdAt time.Time) (signalstore.TradingSignal, error) {
	base := signalstore.TradingSignal{
		JobName: jobName, Account: account, Market: market,
		Status: signalstore.StatusPending, CreatedAt: createdAt, TriggerAt: triggerAt,
	}

	switch {
	case dict.Kind == "allocation" && len(dict.TargetWeights) > 0:
		payload, err := json.Marshal(signalstore.AllocationPayload{TargetWeights: dict.TargetWeights})
		if err != nil {
			return signalstore.TradingSignal{}, fmt.Errorf("strategy: marshal allocation: %w", err)
		}
		base.Kind = signalstore.KindAllocation
		base.Payload = payload
		return base, nil

	case dict.Kind == "rebalance" || len(dict.TargetWeights) > 0 || len(dict.TargetMV) > 0:
		payload, err := json.Marshal(signalstore.RebalancePayload{TargetWeights: dict.TargetWeights, TargetMV: dict.TargetMV})
		if err != nil {
			return signalstore.TradingSignal{}, fmt.Errorf("strategy: marshal rebalance: %w", err)
		}
		base.Kind = signalstore.KindRebalance
		base.Payload = payload
		return base, nil

	default:
		if base.Market == "" {
			base.Market = InferMarket(dict.Symbol)
		}
		var price *float64
		if dict.Price > 0 {
			p := dict.Price
			price = &p
		}
		payload, err := json.Marshal(signalstore.OrderPayload{Side: dict.Side, Qty: dict.Qty, Price: price})
		if err != nil {
			return signalstore.TradingSignal{}, fmt.Errorf("strategy: marshal order: %w", err)
		}
		base.Kind = signalstore.KindOrder
		base.Symbol = dict.Symbol
		base.Payload = payload
		return base, nil
	}
}
