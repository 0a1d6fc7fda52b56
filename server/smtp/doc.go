// Package smtp implements a minimal inbound SMTP submission listener.
//
// A Server accepts TCP connections and runs one Session per connection in
// its own goroutine. Each Session drives a read, dispatch, reply loop:
//
//	FrameReader -> ParseCommand / body line -> StateMachine -> Responder -> conn
//
// # Supported commands
//
//   - HELO, EHLO: greet; valid in any state
//   - MAIL FROM:<value>: start a delivery attempt, clearing earlier recipients
//   - RCPT TO:<value>: add a recipient (requires MAIL first)
//   - DATA: enter body capture (requires at least one recipient)
//   - QUIT: reply 221 and close
//
// MAIL and RCPT values are opaque strings; no address syntax is checked.
// There is no AUTH, STARTTLS or extension negotiation.
//
// # Framing
//
// Lines end in CRLF; a bare LF is accepted. Lines may arrive split across
// reads or several to a read (pipelining). A line longer than the configured
// maximum is answered with 500 and the connection is closed.
//
// # Body capture
//
// After DATA every line is body content until a line consisting of exactly
// ".". A leading ".." is unstuffed to ".". The finished Envelope is passed to
// the configured Deliverer, then the session is ready for another MAIL.
//
// # Timeouts and limits
//
// Every read carries an idle deadline (command timeout) and every write a
// write deadline. Connections beyond the total or per-IP limit receive a 421
// reply and are closed before the banner.
package smtp
