package events

import (
	"math"
	"strconv"
)

// Indicator names derived from behavioral payloads.
const (
	IndicatorHesitation    = "hesitation_ms"
	IndicatorTimeOnPage    = "time_on_page_ms"
	IndicatorScrollDepth   = "scroll_depth"
	IndicatorFieldChanges  = "field_changes"
	IndicatorReversal      = "reversal"
	IndicatorSnapshotNodes = "snapshot_nodes"
)

var copiedIndicators = []string{IndicatorHesitation, IndicatorTimeOnPage, IndicatorScrollDepth, IndicatorFieldChanges}

// DeriveIndicators extracts numeric psychological indicators from a raw
// UI payload. Non-numeric values are ignored.
func DeriveIndicators(actionType string, payload map[string]any) map[string]float64 {
	out := make(map[string]float64)
	for _, key := range copiedIndicators {
		if v, ok := number(payload[key]); ok {
			out[key] = v
		}
	}
	if _, ok := out[IndicatorHesitation]; !ok {
		if v, ok := number(payload["time_to_decide_ms"]); ok {
			out[IndicatorHesitation] = v
		}
	}
	switch actionType {
	case "uncheck", "back", "cancel", "decline":
		out[IndicatorReversal] = 1
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// number coerces JSON-decoded values. Payloads arrive as map[string]any
// so numbers are float64, but strings and ints show up from other callers.
// NaN and infinities are not numbers here.
func number(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case string:
		var err error
		if f, err = strconv.ParseFloat(n, 64); err != nil {
			return 0, false
		}
	default:
		return 0, false
	}
	return f, isFinite(f)
}

func isFinite(f float64) bool { return !math.IsNaN(f) && !math.IsInf(f, 0) }

// finitePayload reports whether every float in v, at any depth, is finite.
func finitePayload(v any) bool {
	switch n := v.(type) {
	case float64:
		return isFinite(n)
	case float32:
		return isFinite(float64(n))
	case map[string]any:
		for _, x := range n {
			if !finitePayload(x) {
				return false
			}
		}
	case []any:
		for _, x := range n {
			if !finitePayload(x) {
				return false
			}
		}
	}
	return true
}
