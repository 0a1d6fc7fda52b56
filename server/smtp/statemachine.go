package smtp

import "strings"

// Outcome is the result of applying one input line: the state reached and,
// for rejected input, the error that explains why the state did not advance.
type Outcome struct {
	State State
	Err   error
}

// StateMachine holds the protocol state and envelope of one session. It is
// not safe for concurrent use; each session owns its own.
type StateMachine struct {
	state     State
	sender    string
	senderSet bool
	rcpts     []string

	body     strings.Builder
	bodySize int64
	maxSize  int64 // 0 means unlimited
	overflow bool
}

// NewStateMachine returns a machine in StateNone. Bodies larger than
// maxMessageSize bytes are rejected; 0 disables the limit.
func NewStateMachine(maxMessageSize int64) *StateMachine {
	return &StateMachine{maxSize: maxMessageSize}
}

// State returns the current state.
func (m *StateMachine) State() State {
	return m.state
}

// Begin records that the banner has been sent.
func (m *StateMachine) Begin() {
	if m.state == StateNone {
		m.state = StateGreet
	}
}

// Apply runs one command-mode transition.
func (m *StateMachine) Apply(cmd Command) Outcome {
	if m.state == StateNone || m.state == StateData {
		return Outcome{State: m.state, Err: protocolError(cmd.Verb, ErrBadSequence)}
	}

	switch cmd.Verb {
	case VerbHelo, VerbEhlo:
		m.state = StateGreet

	case VerbMail:
		switch m.state {
		case StateGreet, StateMail, StateRcpt:
		default:
			return Outcome{State: m.state, Err: protocolError(cmd.Verb, ErrBadSequence)}
		}
		m.sender = MailFrom(cmd.Arg)
		m.senderSet = true
		m.rcpts = nil
		m.state = StateMail

	case VerbRcpt:
		if !m.senderSet || (m.state != StateMail && m.state != StateRcpt) {
			return Outcome{State: m.state, Err: protocolError(cmd.Verb, ErrBadSequence)}
		}
		m.rcpts = append(m.rcpts, RcptTo(cmd.Arg))
		m.state = StateRcpt

	case VerbData:
		if m.state != StateRcpt || len(m.rcpts) == 0 {
			return Outcome{State: m.state, Err: protocolError(cmd.Verb, ErrBadSequence)}
		}
		m.body.Reset()
		m.bodySize = 0
		m.overflow = false
		m.state = StateData

	case VerbQuit:
		m.state = StateQuit

	default:
		return Outcome{State: m.state, Err: protocolError(cmd.Verb, ErrUnrecognizedCommand)}
	}

	return Outcome{State: m.state}
}

// AppendBodyLine consumes one line in body-capture mode. done is true when
// line was the terminator; the outcome then reports StatePostData, with
// ErrMessageTooLarge if the body exceeded the size limit. Call Reset after
// handling a finished body.
func (m *StateMachine) AppendBodyLine(line string) (o Outcome, done bool) {
	if m.state != StateData {
		return Outcome{State: m.state, Err: protocolError("DATA", ErrBadSequence)}, false
	}

	if line == "." {
		m.state = StatePostData
		if m.overflow {
			return Outcome{State: m.state, Err: protocolError("DATA", ErrMessageTooLarge)}, true
		}
		return Outcome{State: m.state}, true
	}

	if strings.HasPrefix(line, "..") {
		line = line[1:]
	}

	if m.overflow {
		return Outcome{State: StateData}, false
	}

	n := int64(len(line) + 2)
	if m.maxSize > 0 && m.bodySize+n > m.maxSize {
		m.overflow = true
		m.body.Reset()
		return Outcome{State: StateData}, false
	}

	m.body.WriteString(line)
	m.body.WriteString("\r\n")
	m.bodySize += n
	return Outcome{State: StateData}, false
}

// Envelope returns a copy of the current envelope contents.
func (m *StateMachine) Envelope() *Envelope {
	env := &Envelope{
		Sender: m.sender,
		Body:   m.body.String(),
	}
	if len(m.rcpts) > 0 {
		env.Recipients = append([]string(nil), m.rcpts...)
	}
	return env
}

// Reset discards the envelope and returns to StateGreet, ready for the
// next MAIL.
func (m *StateMachine) Reset() {
	m.sender = ""
	m.senderSet = false
	m.rcpts = nil
	m.body.Reset()
	m.bodySize = 0
	m.overflow = false
	m.state = StateGreet
}
