package rentauth

import "github.com/MrEthical07/rentauth/session"

// State is the Manager's view of the process-level session.
type State int32

const (
	// StateAnonymous: no usable session.
	StateAnonymous State = iota
	// StateAuthenticated: a session with a fresh access token is stored.
	StateAuthenticated
	// StateRefreshing: a refresh call is in flight.
	StateRefreshing
	// StateExpired: a refresh failed and the session is being cleared. It is
	// always followed by StateAnonymous.
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateAuthenticated:
		return "authenticated"
	case StateRefreshing:
		return "refreshing"
	case StateExpired:
		return "expired"
	default:
		return "anonymous"
	}
}

// Change is delivered to subscribers whenever the state or the stored session
// changes.
type Change struct {
	State   State
	Session session.Session
	// Reason names the operation that caused the change, e.g. "login",
	// "refresh", "logout" or an invalidation reason from another instance.
	Reason string
}

const subscriberBuffer = 8

type subscriber struct {
	ch chan Change
}

// deliver never blocks: when the buffer is full the oldest change is dropped
// so the subscriber always ends on the latest one.
func (s *subscriber) deliver(c Change) {
	for {
		select {
		case s.ch <- c:
			return
		default:
		}
		select {
		case <-s.ch:
		default:
		}
	}
}
