package adapter

// Error kinds surfaced in the invocation error envelope. Clients branch on
// the kind; the message is for humans.
const (
	KindDecodeError  = "decode_error"
	KindPayloadError = "payload_error"
	KindLoadError    = "load_error"
	KindPredictError = "predict_error"
	KindBridgeError  = "bridge_error"
)

// PredictionError is an invocation failure attributable to the request or
// the model rather than the adapter process.
type PredictionError struct {
	Kind    string
	Message string
	Detail  string
}

func (e *PredictionError) Error() string {
	if e.Detail != "" {
		return e.Kind + ": " + e.Message + " (" + e.Detail + ")"
	}
	return e.Kind + ": " + e.Message
}
