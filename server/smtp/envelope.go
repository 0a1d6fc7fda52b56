package smtp

import "time"

// Envelope is the sender, recipients and body of one delivery attempt,
// plus the connection metadata recorded when the body is complete.
type Envelope struct {
	Sender     string
	Recipients []string
	Body       string // CRLF line endings, unstuffed, without the terminator

	ID         string // queue ID assigned on acceptance
	Helo       string // argument of the most recent HELO/EHLO
	RemoteAddr string
	ReceivedAt time.Time
}

// Size returns the body length in bytes.
func (e *Envelope) Size() int {
	return len(e.Body)
}
