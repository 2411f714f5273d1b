package domain

// ConnState is the lifecycle state of the streaming connection.
type ConnState int

const (
	ConnDisconnected ConnState = iota
	ConnConnecting
	ConnConnected
)

func (s ConnState) String() string {
	switch s {
	case ConnConnecting:
		return "connecting"
	case ConnConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// ConnStatus is a point-in-time view of the connection manager.
type ConnStatus struct {
	State             ConnState `json:"-"`
	StateName         string    `json:"state"`
	ReconnectAttempts int       `json:"reconnect_attempts"`
	LastError         string    `json:"last_error,omitempty"`
}
