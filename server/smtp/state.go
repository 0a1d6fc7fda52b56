package smtp

// State is the protocol state of one session.
type State uint8

const (
	// StateNone exists only before the banner has been sent.
	StateNone State = iota
	StateGreet
	StateMail
	StateRcpt
	StateData
	StatePostData
	StateQuit
)

var stateNames = [...]string{
	StateNone:     "NONE",
	StateGreet:    "GREET",
	StateMail:     "MAIL",
	StateRcpt:     "RCPT",
	StateData:     "DATA",
	StatePostData: "POST_DATA",
	StateQuit:     "QUIT",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "UNKNOWN"
}
