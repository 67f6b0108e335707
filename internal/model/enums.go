package model

type SessionStatus string

const (
	SessionStatusPending   SessionStatus = "pending"
	SessionStatusActive    SessionStatus = "active"
	SessionStatusConnected SessionStatus = "connected"
	SessionStatusExpired   SessionStatus = "expired"
)

func (s SessionStatus) rank() int {
	switch s {
	case SessionStatusPending:
		return 0
	case SessionStatusActive:
		return 1
	case SessionStatusConnected:
		return 2
	case SessionStatusExpired:
		return 3
	default:
		return -1
	}
}

// CanTransitionTo reports whether moving from s to next keeps the status
// monotonic. Any live state may expire; nothing leaves expired.
func (s SessionStatus) CanTransitionTo(next SessionStatus) bool {
	if s == SessionStatusExpired || next.rank() < 0 || s.rank() < 0 {
		return false
	}
	if next == SessionStatusExpired {
		return true
	}
	return next.rank() > s.rank()
}

type ConnectionState string

const (
	ConnectionStateOpen  ConnectionState = "open"
	ConnectionStateClose ConnectionState = "close"
)

const (
	DefaultSessionName     = "pairing-session"
	DefaultSessionType     = "whatsapp"
	DefaultSecurityLevel   = "high"
	DefaultDeviceName      = "Unknown Device"
	SessionTypePairingCode = "pairing"
)
