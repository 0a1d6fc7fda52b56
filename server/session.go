package server

import (
	"fmt"
	"log/slog"

	"github.com/migadu/submitd/logger"
)

// ConnectionStatsProvider reports live connection counts for log context.
type ConnectionStatsProvider interface {
	Active() int64
}

// Session carries the identity of one client connection for logging.
type Session struct {
	Id         string
	RemoteIP   string
	RemoteAddr string
	HostName   string
	ServerName string // Name of the server instance (e.g., "smtp", "submission-2")
	Protocol   string
	Stats      ConnectionStatsProvider
}

func (s *Session) protocolPrefix() string {
	if s.ServerName != "" && s.ServerName != s.Protocol {
		return fmt.Sprintf("%s-%s", s.Protocol, s.ServerName)
	}
	return s.Protocol
}

func (s *Session) log(level slog.Level, format string, args ...any) {
	attrs := []any{"protocol", s.protocolPrefix(), "remote", s.RemoteAddr, "session", s.Id}
	if s.Stats != nil {
		attrs = append(attrs, "conn_total", s.Stats.Active())
	}
	attrs = append(attrs, "msg", fmt.Sprintf(format, args...))

	switch level {
	case slog.LevelDebug:
		logger.Debug("Session", attrs...)
	case slog.LevelWarn:
		logger.Warn("Session", attrs...)
	case slog.LevelError:
		logger.Error("Session", attrs...)
	default:
		logger.Info("Session", attrs...)
	}
}

func (s *Session) Log(format string, args ...any) {
	s.log(slog.LevelInfo, format, args...)
}

func (s *Session) DebugLog(format string, args ...any) {
	s.log(slog.LevelDebug, format, args...)
}

func (s *Session) WarnLog(format string, args ...any) {
	s.log(slog.LevelWarn, format, args...)
}

func (s *Session) ErrorLog(format string, args ...any) {
	s.log(slog.LevelError, format, args...)
}
