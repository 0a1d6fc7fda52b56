package smtp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/migadu/submitd/logger"
	"github.com/migadu/submitd/pkg/metrics"
	serverPkg "github.com/migadu/submitd/server"
)

const (
	DefaultListenBacklog  = 1024
	DefaultCommandTimeout = 5 * time.Minute
	DefaultWriteTimeout   = time.Minute
	DefaultDrainTimeout   = 30 * time.Second
	DefaultShutdownGrace  = time.Second
)

type Server struct {
	addr   string
	name   string
	domain string
	appCtx context.Context
	cancel context.CancelFunc

	responder     Responder
	deliverer     Deliverer
	delivererName string

	limiter       *serverPkg.ConnectionLimiter
	listenBacklog int

	maxLineLength  int
	maxMessageSize int64
	commandTimeout time.Duration
	writeTimeout   time.Duration
	drainTimeout   time.Duration
	shutdownGrace  time.Duration

	listenerMu sync.Mutex
	listener   net.Listener

	totalConnections atomic.Int64

	// Active session tracking for graceful shutdown
	activeSessionsMutex sync.RWMutex
	activeSessions      map[*Session]struct{}
	closing             bool
	sessionsWg          sync.WaitGroup
}

type SMTPServerOptions struct {
	MaxConnections      int           // 0 = unlimited
	MaxConnectionsPerIP int           // 0 = unlimited
	MaxLineLength       int           // 0 = DefaultMaxLineLength
	MaxMessageSize      int64         // 0 = unlimited
	CommandTimeout      time.Duration // idle read timeout, 0 = DefaultCommandTimeout, < 0 disables
	WriteTimeout        time.Duration // 0 = DefaultWriteTimeout, < 0 disables
	ListenBacklog       int           // 0 = DefaultListenBacklog
	DrainTimeout        time.Duration // how long Close waits for sessions
	ShutdownGrace       time.Duration // pause between the 421 notice and closing sockets
	Deliverer           Deliverer     // nil discards accepted messages
}

// New creates an SMTP server bound to nothing yet; call Listen and Serve.
func New(appCtx context.Context, name, domain, addr string, options SMTPServerOptions) (*Server, error) {
	if domain == "" {
		return nil, fmt.Errorf("smtp server %q: domain is required", name)
	}
	if addr == "" {
		return nil, fmt.Errorf("smtp server %q: address is required", name)
	}

	serverCtx, serverCancel := context.WithCancel(appCtx)

	s := &Server{
		addr:           addr,
		name:           name,
		domain:         domain,
		appCtx:         serverCtx,
		cancel:         serverCancel,
		responder:      Responder{Domain: domain},
		deliverer:      options.Deliverer,
		limiter:        serverPkg.NewConnectionLimiter(protocolLabel, options.MaxConnections, options.MaxConnectionsPerIP),
		listenBacklog:  options.ListenBacklog,
		maxLineLength:  options.MaxLineLength,
		maxMessageSize: options.MaxMessageSize,
		commandTimeout: withDefault(options.CommandTimeout, DefaultCommandTimeout),
		writeTimeout:   withDefault(options.WriteTimeout, DefaultWriteTimeout),
		drainTimeout:   withDefault(options.DrainTimeout, DefaultDrainTimeout),
		shutdownGrace:  withDefault(options.ShutdownGrace, DefaultShutdownGrace),
		activeSessions: make(map[*Session]struct{}),
	}

	if s.deliverer == nil {
		s.deliverer = discard
		s.delivererName = "discard"
	} else {
		s.delivererName = delivererName(s.deliverer)
	}
	if s.listenBacklog == 0 {
		s.listenBacklog = DefaultListenBacklog
	}
	if s.maxLineLength <= 0 {
		s.maxLineLength = DefaultMaxLineLength
	}

	return s, nil
}

// withDefault maps 0 to def and negative values to 0 (disabled).
func withDefault(d, def time.Duration) time.Duration {
	switch {
	case d == 0:
		return def
	case d < 0:
		return 0
	default:
		return d
	}
}

func delivererName(d Deliverer) string {
	if n, ok := d.(interface{ Name() string }); ok {
		return n.Name()
	}
	t := reflect.TypeOf(d)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Name() == "" {
		return "custom"
	}
	return t.Name()
}

// Listen binds the listening socket. Errors here are startup errors.
func (s *Server) Listen() error {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()

	if s.listener != nil {
		return nil
	}

	ln, err := serverPkg.ListenWithBacklog(s.appCtx, "tcp", s.addr, s.listenBacklog)
	if err != nil {
		return fmt.Errorf("smtp server %q: %w", s.name, err)
	}
	s.listener = ln
	logger.Debug("SMTP: using custom listen backlog", "name", s.name, "backlog", s.listenBacklog)
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections until the server is closed. It binds first if
// Listen has not been called. A nil return means a graceful stop.
func (s *Server) Serve() error {
	if err := s.Listen(); err != nil {
		return err
	}

	s.listenerMu.Lock()
	listener := s.listener
	s.listenerMu.Unlock()
	defer listener.Close()

	logger.Info("SMTP server listening", "name", s.name, "addr", listener.Addr().String(), "domain", s.domain,
		"idle_timeout", s.commandTimeout, "max_message_size", s.maxMessageSize)

	go func() {
		<-s.appCtx.Done()
		logger.Debug("SMTP: stopping", "name", s.name)
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.appCtx.Done():
				logger.Info("SMTP server stopped gracefully", "name", s.name)
				return nil
			default:
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				logger.Warn("SMTP: accept timeout, retrying", "name", s.name, "error", err)
				time.Sleep(10 * time.Millisecond)
				continue
			}
			return fmt.Errorf("smtp server %q: accept: %w", s.name, err)
		}

		releaseConn, err := s.limiter.Accept(conn.RemoteAddr())
		if err != nil {
			s.reject(conn, err)
			continue
		}

		s.totalConnections.Add(1)
		metrics.ConnectionsTotal.WithLabelValues(protocolLabel).Inc()
		metrics.ConnectionsCurrent.WithLabelValues(protocolLabel).Inc()

		session := newSession(s, conn, releaseConn)
		if !s.addSession(session) {
			// Close has started; the session replies 421 and exits.
			session.cancel()
		}

		logger.Debug("SMTP: new connection", "name", s.name, "remote", session.RemoteAddr,
			"session", session.Id, "active", s.limiter.Active())

		go func() {
			defer s.sessionsWg.Done()
			session.handleConnection()
		}()
	}
}

// reject answers a connection over the limit with 421 and closes it.
func (s *Server) reject(conn net.Conn, cause error) {
	metrics.ConnectionsRejected.WithLabelValues(protocolLabel, serverPkg.Reason(cause)).Inc()
	logger.Debug("SMTP: connection rejected", "name", s.name, "remote", conn.RemoteAddr().String(), "error", cause)

	_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
	_, _ = conn.Write([]byte(s.responder.TooManyConnections().String()))
	_ = conn.Close()
}

// Close stops accepting, sends 421 to active sessions and waits for them
// to finish, up to the drain timeout.
func (s *Server) Close() {
	s.activeSessionsMutex.Lock()
	s.closing = true
	s.activeSessionsMutex.Unlock()

	if s.cancel != nil {
		s.cancel()
	}

	s.listenerMu.Lock()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.listenerMu.Unlock()

	s.sendGracefulShutdownMessage()
	s.waitForSessionsDrain(s.drainTimeout)
}

func (s *Server) waitForSessionsDrain(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		s.sessionsWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Debug("SMTP: all sessions drained gracefully", "name", s.name)
	case <-time.After(timeout):
		logger.Warn("SMTP: session drain timeout, forcing shutdown", "name", s.name, "timeout", timeout)
	}
}

// addSession registers a session for shutdown tracking. It always counts
// the session in the drain WaitGroup and reports false once Close has begun.
func (s *Server) addSession(session *Session) bool {
	s.activeSessionsMutex.Lock()
	defer s.activeSessionsMutex.Unlock()
	s.sessionsWg.Add(1)
	if s.closing {
		return false
	}
	s.activeSessions[session] = struct{}{}
	return true
}

func (s *Server) removeSession(session *Session) {
	s.activeSessionsMutex.Lock()
	defer s.activeSessionsMutex.Unlock()
	delete(s.activeSessions, session)
}

func (s *Server) sendGracefulShutdownMessage() {
	s.activeSessionsMutex.RLock()
	activeSessions := make([]*Session, 0, len(s.activeSessions))
	for session := range s.activeSessions {
		activeSessions = append(activeSessions, session)
	}
	s.activeSessionsMutex.RUnlock()

	if len(activeSessions) == 0 {
		return
	}

	logger.Info("SMTP: notifying active connections of shutdown", "name", s.name, "count", len(activeSessions))

	for _, session := range activeSessions {
		session.notifyShutdown()
	}

	// Give clients a moment to read the notice before the sockets go away.
	if s.shutdownGrace > 0 {
		time.Sleep(s.shutdownGrace)
	}

	for _, session := range activeSessions {
		_ = session.conn.Close()
	}
}

// Active returns the number of connections currently holding a slot.
func (s *Server) Active() int64 {
	return s.limiter.Active()
}

// TotalConnections returns the number of connections accepted since start.
func (s *Server) TotalConnections() int64 {
	return s.totalConnections.Load()
}

// Snapshot implements metrics.SnapshotProvider.
func (s *Server) Snapshot() metrics.ConnectionSnapshot {
	return s.limiter.Snapshot()
}

// Name returns the configured server name.
func (s *Server) Name() string {
	return s.name
}
