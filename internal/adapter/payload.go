package adapter

import "encoding/json"

// ExtractPayload pulls the prediction input out of a decoded request body.
// Precedence: a "data" key, then an "input" key, then the whole body.
// Extraction never rejects; NormalizePayload judges whether the result is
// an invocable shape.
func ExtractPayload(body any) any {
	if obj, ok := body.(map[string]any); ok {
		if v, ok := obj["data"]; ok {
			return v
		}
		if v, ok := obj["input"]; ok {
			return v
		}
	}
	return body
}

// NormalizePayload shapes the payload for the framework's batch convention.
// A flat number vector gains a leading batch dimension so a single sample
// can be posted without nesting. Already-batched input passes through.
func NormalizePayload(payload any) (any, error) {
	arr, ok := payload.([]any)
	if !ok {
		return nil, &PredictionError{Kind: KindPayloadError, Message: "payload must be an array"}
	}
	if len(arr) == 0 {
		return nil, &PredictionError{Kind: KindPayloadError, Message: "payload is empty"}
	}

	if isNumberVector(arr) {
		return []any{payload}, nil
	}
	for _, elem := range arr {
		if isNumeric(elem) {
			continue
		}
		if _, nested := elem.([]any); !nested {
			return nil, &PredictionError{Kind: KindPayloadError, Message: "payload elements must be numbers or arrays"}
		}
	}
	return payload, nil
}

func isNumberVector(arr []any) bool {
	for _, elem := range arr {
		if !isNumeric(elem) {
			return false
		}
	}
	return true
}

func isNumeric(v any) bool {
	switch v.(type) {
	case float64, json.Number:
		return true
	default:
		return false
	}
}
