package connection

// Status is the public connection state. Reconnection after a transport
// failure is reported as StatusConnecting; there is no separate public
// reconnecting state.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
)

func statusValue(s Status) float64 {
	switch s {
	case StatusConnecting:
		return 1
	case StatusConnected:
		return 2
	default:
		return 0
	}
}
