package bridge

import "time"

// Direction tags which way a frame travels through the bridge.
type Direction string

const (
	// Inbound frames travel from the external client to the backend (keystrokes, resizes).
	Inbound Direction = "inbound"
	// Outbound frames travel from the backend to the external client (rendered output).
	Outbound Direction = "outbound"
)

// FrameKind identifies the framing of a relayed payload.
type FrameKind int

const (
	FrameHTTPBody FrameKind = iota
	FrameText
	FrameBinary
)

// String returns the string representation of the kind
func (k FrameKind) String() string {
	switch k {
	case FrameHTTPBody:
		return "http_body"
	case FrameText:
		return "text"
	case FrameBinary:
		return "binary"
	default:
		return "unknown"
	}
}

// StreamFrame is one unit of relayed payload. Frames are transient and are
// dropped together with the relay queue when the session's relay ends.
type StreamFrame struct {
	SessionID  string
	Direction  Direction
	Kind       FrameKind
	Payload    []byte
	ReceivedAt time.Time
}

// Len returns the payload size in bytes.
func (f StreamFrame) Len() int {
	return len(f.Payload)
}
