package smtp

import (
	"errors"
	"fmt"
)

// Reply is one single-line SMTP reply.
type Reply struct {
	Code int
	Text string
}

// String renders the reply in wire format, CRLF included.
func (r Reply) String() string {
	return fmt.Sprintf("%d %s\r\n", r.Code, r.Text)
}

// Responder maps outcomes to replies for one server domain.
type Responder struct {
	Domain string
}

func (r Responder) Banner() Reply {
	return Reply{220, r.Domain + " SMTP Ready"}
}

func (r Responder) TooManyConnections() Reply {
	return Reply{421, r.Domain + " Too many connections, try again later"}
}

func (r Responder) IdleTimeout() Reply {
	return Reply{421, r.Domain + " Idle timeout, closing connection"}
}

func (r Responder) ShuttingDown() Reply {
	return Reply{421, r.Domain + " Service shutting down"}
}

// Reply returns the reply for an outcome.
func (r Responder) Reply(o Outcome) Reply {
	if o.Err != nil {
		return r.errorReply(o.Err)
	}

	switch o.State {
	case StateNone:
		return r.Banner()
	case StateGreet:
		return Reply{250, r.Domain + " Hello"}
	case StateMail, StateRcpt:
		return Reply{250, "Ok"}
	case StateData:
		return Reply{354, "End data with <CR><LF>.<CR><LF>"}
	case StatePostData:
		return Reply{250, "Ok: message accepted"}
	case StateQuit:
		return Reply{221, "Bye"}
	default:
		return Reply{451, "Requested action aborted: local error in processing"}
	}
}

func (r Responder) errorReply(err error) Reply {
	switch {
	case errors.Is(err, ErrUnrecognizedCommand):
		return Reply{500, "Unrecognized command"}
	case errors.Is(err, ErrBadSequence):
		return Reply{503, "Bad sequence of commands"}
	case errors.Is(err, ErrLineTooLong):
		return Reply{500, "Line too long"}
	case errors.Is(err, ErrMessageTooLarge):
		return Reply{552, "Message size exceeds fixed maximum message size"}
	default:
		return Reply{451, "Requested action aborted: local error in processing"}
	}
}
