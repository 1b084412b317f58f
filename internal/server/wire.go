package server

// Wire frames for the websocket session protocol. The client opens a
// socket, sends one AdmitFrame, confirms the admitted price with an
// AcceptFrame, and then reads ResultFrames until Done or Error is set.

// AdmitFrame is the first client message on a session socket.
type AdmitFrame struct {
	RequestID   string `json:"requestId"`
	ClientID    string `json:"clientId"`
	PairingCode string `json:"pairingCode"`
	Payload     []byte `json:"payload"`
}

// AdmitReplyFrame acknowledges or rejects the admission.
type AdmitReplyFrame struct {
	Admitted  bool   `json:"admitted"`
	SessionID string `json:"sessionId,omitempty"`
	Price     int64  `json:"price,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Admission rejection codes carried in AdmitReplyFrame.Error.
const (
	WireErrAuthenticationFailed = "authentication_failed"
	WireErrAtCapacity           = "at_capacity"
	WireErrServerDisabled       = "server_disabled"
	WireErrRateLimited          = "rate_limited"
)

// AcceptFrame confirms or declines the admitted price. Execution only
// starts after an accept, so a client can walk away from a price it never
// agreed to without being charged.
type AcceptFrame struct {
	Accept bool   `json:"accept"`
	Reason string `json:"reason,omitempty"`
}

// ResultFrame carries one chunk of inference output. Done marks the end of
// a successful stream; Error marks a failed one.
type ResultFrame struct {
	Chunk []byte `json:"chunk,omitempty"`
	Done  bool   `json:"done,omitempty"`
	Error string `json:"error,omitempty"`
}

// WireError maps an admission error onto its wire code.
func WireError(err error) string {
	switch {
	case err == nil:
		return ""
	case err == ErrAuthenticationFailed:
		return WireErrAuthenticationFailed
	case err == ErrAtCapacity:
		return WireErrAtCapacity
	case err == ErrRateLimited:
		return WireErrRateLimited
	default:
		return WireErrServerDisabled
	}
}
