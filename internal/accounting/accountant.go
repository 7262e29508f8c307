// Package accounting turns the raw usage object returned by an upstream model
// call into per-turn token counts and a cost figure. Upstream providers do not
// agree on field names, so the accountant normalizes the usage map before any
// arithmetic.
package accounting

import (
	"proxychat/internal/logger"
	"proxychat/pkg/agenttypes"
)

// Usage holds the normalized token counts extracted from one upstream call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int

	// Valid is false when the usage object was missing or carried no
	// recognizable token fields. Token counts are zero in that case and the
	// turn's cost is reported as unknown.
	Valid bool
}

// TurnAccounting is the full accounting result for one completed turn.
type TurnAccounting struct {
	Usage Usage

	// CurrentMessageTokens estimates the tokens attributable to this turn
	// alone: the growth of the prompt since the previous turn plus this
	// turn's completion. Prompt shrinkage (after compaction) clamps to zero
	// growth rather than going negative.
	CurrentMessageTokens int

	// Cost in the proxy's currency, nil when unknown.
	Cost *float64
}

// Accountant computes per-turn accounting using an injected price table.
type Accountant struct {
	prices agenttypes.PriceLookup
}

// NewAccountant creates an accountant. prices may be nil, in which case every
// cost is reported as unknown.
func NewAccountant(prices agenttypes.PriceLookup) *Accountant {
	return &Accountant{prices: prices}
}

// Account normalizes the raw usage map and computes the turn's token counts
// and cost. prevPromptTotal is the prompt_tokens total recorded on the
// previous turn of the same session, zero for the first turn.
func (a *Accountant) Account(model string, rawUsage map[string]any, prevPromptTotal int) TurnAccounting {
	usage := NormalizeUsage(rawUsage)

	growth := usage.PromptTokens - prevPromptTotal
	if growth < 0 {
		growth = 0
	}

	result := TurnAccounting{
		Usage:                usage,
		CurrentMessageTokens: growth + usage.CompletionTokens,
	}
	if usage.Valid {
		result.Cost = a.cost(model, usage)
	}
	return result
}

// NormalizeUsage extracts token counts from an upstream usage object. Both the
// chat-completions naming (prompt_tokens, completion_tokens, total_tokens) and
// the responses naming (input_tokens, output_tokens) are accepted; counts
// arrive as float64 after JSON decoding but integer values are handled too.
func NormalizeUsage(raw map[string]any) Usage {
	if raw == nil {
		return Usage{}
	}

	prompt, promptOK := intField(raw, "prompt_tokens", "input_tokens")
	completion, completionOK := intField(raw, "completion_tokens", "output_tokens")
	total, totalOK := intField(raw, "total_tokens")

	if !promptOK && !completionOK {
		logger.Debug("Usage object carried no recognizable token fields")
		return Usage{}
	}
	if !totalOK {
		total = prompt + completion
	}

	return Usage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      total,
		Valid:            true,
	}
}

// cost prices the call at per-million-token rates, nil when the model has no
// price entry.
func (a *Accountant) cost(model string, usage Usage) *float64 {
	if a.prices == nil {
		return nil
	}
	price, ok := a.prices.Price(model)
	if !ok {
		logger.Debug("No price entry for model", "model", model)
		return nil
	}

	cost := float64(usage.PromptTokens)/1e6*price.InputPerMillion +
		float64(usage.CompletionTokens)/1e6*price.OutputPerMillion
	return &cost
}

// intField returns the first of the named keys present in the map with a
// numeric value, as an int.
func intField(raw map[string]any, keys ...string) (int, bool) {
	for _, key := range keys {
		v, ok := raw[key]
		if !ok {
			continue
		}
		switch n := v.(type) {
		case float64:
			return int(n), true
		case int:
			return n, true
		case int64:
			return int(n), true
		}
	}
	return 0, false
}
