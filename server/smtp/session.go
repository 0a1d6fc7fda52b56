package smtp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/migadu/submitd/pkg/metrics"
	serverPkg "github.com/migadu/submitd/server"
	"github.com/migadu/submitd/server/idgen"
)

const protocolLabel = "smtp"

// Session supervises one client connection.
type Session struct {
	*serverPkg.Session

	server  *Server
	conn    net.Conn
	frames  *FrameReader
	machine *StateMachine
	ctx     context.Context
	cancel  context.CancelFunc

	// mu serializes writes between the session loop and shutdown notices.
	mu     sync.Mutex
	writer *bufio.Writer
	closed bool

	helo        string
	releaseConn func()
	startTime   time.Time
	closeReason string
}

func newSession(s *Server, conn net.Conn, releaseConn func()) *Session {
	ctx, cancel := context.WithCancel(s.appCtx)
	return &Session{
		Session: &serverPkg.Session{
			Id:         idgen.New(),
			RemoteIP:   serverPkg.RemoteIP(conn.RemoteAddr()),
			RemoteAddr: conn.RemoteAddr().String(),
			HostName:   s.domain,
			ServerName: s.name,
			Protocol:   "SMTP",
			Stats:      s,
		},
		server:      s,
		conn:        conn,
		frames:      NewFrameReader(conn, s.maxLineLength),
		machine:     NewStateMachine(s.maxMessageSize),
		ctx:         ctx,
		cancel:      cancel,
		writer:      bufio.NewWriter(conn),
		releaseConn: releaseConn,
		startTime:   time.Now(),
		closeReason: "eof",
	}
}

func (s *Session) handleConnection() {
	defer s.close()

	if s.ctx.Err() != nil {
		s.reply(s.server.responder.ShuttingDown())
		s.closeReason = "shutdown"
		return
	}

	if !s.reply(s.server.responder.Banner()) {
		return
	}
	s.machine.Begin()
	s.DebugLog("connected")

	for {
		if s.server.commandTimeout > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(s.server.commandTimeout))
		}

		line, err := s.frames.ReadLine()
		if err != nil {
			s.handleReadError(err)
			return
		}

		if s.machine.State() == StateData {
			outcome, done := s.machine.AppendBodyLine(line)
			if !done {
				continue
			}
			outcome = s.finishMessage(outcome)
			if !s.reply(s.server.responder.Reply(outcome)) {
				return
			}
			continue
		}

		cmd := ParseCommand(line)
		outcome := s.machine.Apply(cmd)
		if outcome.Err != nil {
			s.DebugLog("rejected %s: %v", cmd.Verb, outcome.Err)
			metrics.ProtocolErrors.WithLabelValues(protocolLabel, KindOf(outcome.Err).String()).Inc()
		} else if cmd.Verb == VerbHelo || cmd.Verb == VerbEhlo {
			s.helo = cmd.Arg
		}

		reply := s.server.responder.Reply(outcome)
		metrics.CommandsTotal.WithLabelValues(protocolLabel, commandLabel(cmd), statusClass(reply.Code)).Inc()

		if !s.reply(reply) {
			return
		}

		if outcome.State == StateQuit {
			s.closeReason = "quit"
			s.DebugLog("client quit")
			return
		}
	}
}

// finishMessage hands a completed body to the deliverer and resets the
// machine for the next transaction.
func (s *Session) finishMessage(outcome Outcome) Outcome {
	defer s.machine.Reset()

	if outcome.Err != nil {
		metrics.MessagesRejected.WithLabelValues(protocolLabel, "too_large").Inc()
		metrics.ProtocolErrors.WithLabelValues(protocolLabel, KindOf(outcome.Err).String()).Inc()
		s.WarnLog("message rejected: %v", outcome.Err)
		return outcome
	}

	env := s.machine.Envelope()
	env.ID = idgen.QueueID()
	env.Helo = s.helo
	env.RemoteAddr = s.RemoteAddr
	env.ReceivedAt = time.Now()

	start := time.Now()
	err := s.server.deliverer.Deliver(s.ctx, env)
	status := "success"
	if err != nil {
		status = "failure"
	}
	metrics.DeliveryDuration.WithLabelValues(s.server.delivererName, status).Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.MessagesRejected.WithLabelValues(protocolLabel, "delivery_failed").Inc()
		s.WarnLog("delivery of %s failed: %v", env.ID, err)
		return Outcome{
			State: outcome.State,
			Err:   &Error{Kind: KindDelivery, Op: "deliver", Err: fmt.Errorf("%w: %v", ErrDeliveryFailed, err)},
		}
	}

	metrics.MessagesAccepted.WithLabelValues(protocolLabel).Inc()
	metrics.MessageSizeBytes.WithLabelValues(protocolLabel).Observe(float64(env.Size()))
	metrics.RecipientsPerMessage.WithLabelValues(protocolLabel).Observe(float64(len(env.Recipients)))
	s.Log("accepted id=%s from=%s rcpts=%d size=%d", env.ID, env.Sender, len(env.Recipients), env.Size())
	return outcome
}

func (s *Session) handleReadError(err error) {
	switch {
	case s.ctx.Err() != nil:
		s.closeReason = "shutdown"
		s.DebugLog("closed by server shutdown")

	case errors.Is(err, ErrLineTooLong):
		s.closeReason = "line_too_long"
		metrics.ProtocolErrors.WithLabelValues(protocolLabel, KindFraming.String()).Inc()
		s.WarnLog("line exceeds %d bytes, closing", s.frames.maxLine)
		s.reply(s.server.responder.Reply(Outcome{State: s.machine.State(), Err: err}))

	case serverPkg.IsTimeout(err):
		s.closeReason = "timeout"
		s.Log("idle timeout after %v", s.server.commandTimeout)
		s.reply(s.server.responder.IdleTimeout())

	case errors.Is(err, io.EOF):
		s.closeReason = "eof"
		if st := s.machine.State(); st != StateGreet {
			s.DebugLog("client disconnected in state %s", st)
		} else {
			s.DebugLog("client disconnected")
		}

	case serverPkg.IsConnectionError(err):
		s.closeReason = "connection_error"
		metrics.ProtocolErrors.WithLabelValues(protocolLabel, KindOf(err).String()).Inc()
		s.DebugLog("connection error: %v", err)

	default:
		s.closeReason = "error"
		metrics.ProtocolErrors.WithLabelValues(protocolLabel, KindOf(err).String()).Inc()
		s.WarnLog("read error: %v", err)
	}
}

// reply writes r and flushes it. It returns false if the session must end.
func (s *Session) reply(r Reply) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}

	if s.server.writeTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.server.writeTimeout))
	}
	_, err := s.writer.WriteString(r.String())
	if err == nil {
		err = s.writer.Flush()
	}
	if err != nil {
		s.writeFailed(err)
		return false
	}
	metrics.RepliesTotal.WithLabelValues(protocolLabel, strconv.Itoa(r.Code)).Inc()
	return true
}

func (s *Session) writeFailed(err error) {
	s.closeReason = "write_error"
	if serverPkg.IsConnectionError(err) {
		s.DebugLog("write failed: %v", err)
	} else {
		s.WarnLog("write failed: %v", ioError("write", err))
	}
}

// notifyShutdown sends a 421 and marks the session closed for writing.
// The caller closes the connection afterwards to unblock a pending read.
func (s *Session) notifyShutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_, _ = s.writer.WriteString(s.server.responder.ShuttingDown().String())
	_ = s.writer.Flush()
	s.closed = true
	s.cancel()
}

func (s *Session) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	_ = s.conn.Close()

	s.server.removeSession(s)
	if s.releaseConn != nil {
		s.releaseConn()
	}

	metrics.ConnectionsCurrent.WithLabelValues(protocolLabel).Dec()
	metrics.ConnectionDuration.WithLabelValues(protocolLabel).Observe(time.Since(s.startTime).Seconds())
	metrics.ConnectionsClosed.WithLabelValues(protocolLabel, s.closeReason).Inc()

	s.DebugLog("closed reason=%s duration=%s", s.closeReason, time.Since(s.startTime).Round(time.Millisecond))
}

func commandLabel(cmd Command) string {
	if cmd.Known() {
		return cmd.Verb
	}
	return "UNKNOWN"
}

func statusClass(code int) string {
	return strconv.Itoa(code/100) + "xx"
}
