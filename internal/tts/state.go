package tts

import "fmt"

// StreamState is the lifecycle of one synthesis session.
//
//	Connecting -> Sending -> Receiving -> Ended | Aborted | Failed
//
// Terminal states are final.
type StreamState int32

const (
	StateIdle StreamState = iota
	StateConnecting
	StateSending
	StateReceiving
	StateEnded
	StateAborted
	StateFailed
)

var stateNames = [...]string{
	StateIdle:       "idle",
	StateConnecting: "connecting",
	StateSending:    "sending",
	StateReceiving:  "receiving",
	StateEnded:      "ended",
	StateAborted:    "aborted",
	StateFailed:     "failed",
}

func (s StreamState) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Terminal reports whether no further transition can happen.
func (s StreamState) Terminal() bool {
	return s == StateEnded || s == StateAborted || s == StateFailed
}

func (s StreamState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *StreamState) UnmarshalText(text []byte) error {
	for i, name := range stateNames {
		if name == string(text) {
			*s = StreamState(i)
			return nil
		}
	}
	return fmt.Errorf("unknown stream state %q", text)
}
