package core

type Role int

const (
	RoleOfferer Role = iota
	RoleAnswerer
)

func (r Role) String() string {
	if r == RoleOfferer {
		return "offerer"
	}
	return "answerer"
}

type SessionState int

const (
	StateNegotiatingOffer SessionState = iota
	StateOfferSent
	StateAnswerPending
	StateAwaitingOffer
	StateOfferReceived
	StateAnswerSent
	StateConnected
	StateFailed
	StateClosed
)

var stateNames = [...]string{
	StateNegotiatingOffer: "negotiating-offer",
	StateOfferSent:        "offer-sent",
	StateAnswerPending:    "answer-pending",
	StateAwaitingOffer:    "awaiting-offer",
	StateOfferReceived:    "offer-received",
	StateAnswerSent:       "answer-sent",
	StateConnected:        "connected",
	StateFailed:           "failed",
	StateClosed:           "closed",
}

func (s SessionState) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Terminal reports whether no further transition is possible.
func (s SessionState) Terminal() bool {
	return s == StateFailed || s == StateClosed
}

func (s SessionState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func initialState(r Role) SessionState {
	if r == RoleOfferer {
		return StateNegotiatingOffer
	}
	return StateAwaitingOffer
}
