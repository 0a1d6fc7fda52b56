package smtp

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ioTimeout = 5 * time.Second

type testServer struct {
	srv  *Server
	addr string
	done chan error

	once    sync.Once
	stopErr error
}

func startServer(t *testing.T, opts SMTPServerOptions) *testServer {
	t.Helper()
	if opts.ShutdownGrace == 0 {
		opts.ShutdownGrace = 20 * time.Millisecond
	}
	if opts.DrainTimeout == 0 {
		opts.DrainTimeout = 2 * time.Second
	}

	srv, err := New(context.Background(), "test", "example.test", "127.0.0.1:0", opts)
	require.NoError(t, err)
	require.NoError(t, srv.Listen())

	ts := &testServer{srv: srv, addr: srv.Addr().String(), done: make(chan error, 1)}
	go func() { ts.done <- srv.Serve() }()

	t.Cleanup(func() {
		assert.NoError(t, ts.stop())
	})
	return ts
}

// stop closes the server once and returns what Serve returned.
func (ts *testServer) stop() error {
	ts.once.Do(func() {
		ts.srv.Close()
		select {
		case ts.stopErr = <-ts.done:
		case <-time.After(ioTimeout):
			ts.stopErr = errors.New("Serve did not return")
		}
	})
	return ts.stopErr
}

// captureDeliverer records every delivered envelope.
type captureDeliverer struct {
	ch chan *Envelope
}

func newCapture() *captureDeliverer {
	return &captureDeliverer{ch: make(chan *Envelope, 16)}
}

func (d *captureDeliverer) Deliver(_ context.Context, env *Envelope) error {
	d.ch <- env
	return nil
}

func (d *captureDeliverer) next(t *testing.T) *Envelope {
	t.Helper()
	select {
	case env := <-d.ch:
		return env
	case <-time.After(ioTimeout):
		t.Fatal("no envelope delivered")
		return nil
	}
}

type client struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func dial(t *testing.T, addr string) *client {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, ioTimeout)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &client{t: t, conn: conn, r: bufio.NewReader(conn)}
}

func (c *client) send(s string) {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetWriteDeadline(time.Now().Add(ioTimeout)))
	_, err := c.conn.Write([]byte(s))
	require.NoError(c.t, err)
}

func (c *client) readLine() string {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(ioTimeout)))
	line, err := c.r.ReadString('\n')
	require.NoError(c.t, err, "partial line %q", line)
	return line
}

func (c *client) expect(want string) {
	c.t.Helper()
	assert.Equal(c.t, want+"\r\n", c.readLine())
}

func (c *client) expectCode(code string) string {
	c.t.Helper()
	line := c.readLine()
	assert.True(c.t, strings.HasPrefix(line, code+" "), "want %s, got %q", code, line)
	return line
}

func (c *client) expectClosed() {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(ioTimeout)))
	_, err := c.r.ReadByte()
	require.Error(c.t, err)
	var netErr net.Error
	if errors.As(err, &netErr) {
		assert.False(c.t, netErr.Timeout(), "connection still open")
	}
}

// transaction runs one envelope up to the 354 reply.
func (c *client) transaction(from string, rcpts ...string) {
	c.t.Helper()
	c.send("MAIL FROM:" + from + "\r\n")
	c.expect("250 Ok")
	for _, rcpt := range rcpts {
		c.send("RCPT TO:" + rcpt + "\r\n")
		c.expect("250 Ok")
	}
	c.send("DATA\r\n")
	c.expectCode("354")
}

func TestNewValidation(t *testing.T) {
	_, err := New(context.Background(), "test", "", "127.0.0.1:0", SMTPServerOptions{})
	assert.Error(t, err)
	_, err = New(context.Background(), "test", "example.test", "", SMTPServerOptions{})
	assert.Error(t, err)

	srv, err := New(context.Background(), "test", "example.test", "127.0.0.1:0", SMTPServerOptions{})
	require.NoError(t, err)
	assert.Nil(t, srv.Addr())
	assert.Equal(t, "test", srv.Name())
	assert.Equal(t, "discard", srv.delivererName)
	assert.Equal(t, DefaultCommandTimeout, srv.commandTimeout)
	assert.Equal(t, DefaultMaxLineLength, srv.maxLineLength)
}

func TestTimeoutDefaults(t *testing.T) {
	assert.Equal(t, time.Minute, withDefault(0, time.Minute))
	assert.Equal(t, time.Duration(0), withDefault(-1, time.Minute))
	assert.Equal(t, time.Second, withDefault(time.Second, time.Minute))
}

func TestListenInvalidAddress(t *testing.T) {
	srv, err := New(context.Background(), "test", "example.test", "256.0.0.1:99999", SMTPServerOptions{})
	require.NoError(t, err)
	assert.Error(t, srv.Listen())
}

func TestSubmissionScenario(t *testing.T) {
	capture := newCapture()
	ts := startServer(t, SMTPServerOptions{Deliverer: capture})
	c := dial(t, ts.addr)

	c.expect("220 example.test SMTP Ready")
	c.send("EHLO client\r\n")
	c.expect("250 example.test Hello")
	c.send("MAIL FROM:<a@x>\r\n")
	c.expect("250 Ok")
	c.send("RCPT TO:<b@y>\r\n")
	c.expect("250 Ok")
	c.send("DATA\r\n")
	c.expectCode("354")
	c.send("Hello\r\n.\r\n")
	c.expect("250 Ok: message accepted")
	c.send("QUIT\r\n")
	c.expect("221 Bye")
	c.expectClosed()

	env := capture.next(t)
	assert.Equal(t, "<a@x>", env.Sender)
	assert.Equal(t, []string{"<b@y>"}, env.Recipients)
	assert.Equal(t, "Hello\r\n", env.Body)
	assert.Equal(t, "client", env.Helo)
	assert.Len(t, env.ID, 15)
	assert.Equal(t, c.conn.LocalAddr().String(), env.RemoteAddr)
	assert.False(t, env.ReceivedAt.IsZero())
}

func TestRecipientsKeepSubmissionOrder(t *testing.T) {
	capture := newCapture()
	ts := startServer(t, SMTPServerOptions{Deliverer: capture})
	c := dial(t, ts.addr)
	c.expectCode("220")

	c.transaction("<s@x>", "<r1@y>", "<r2@y>", "<r3@y>")
	c.send(".\r\n")
	c.expect("250 Ok: message accepted")

	env := capture.next(t)
	assert.Equal(t, []string{"<r1@y>", "<r2@y>", "<r3@y>"}, env.Recipients)
	assert.Empty(t, env.Body)
}

func TestPipelinedCommands(t *testing.T) {
	ts := startServer(t, SMTPServerOptions{})
	c := dial(t, ts.addr)
	c.expectCode("220")

	c.send("HELO c\r\nMAIL FROM:<a>\r\nRCPT TO:<b>\r\n")
	c.expect("250 example.test Hello")
	c.expect("250 Ok")
	c.expect("250 Ok")
}

func TestPipelinedBodyAndQuit(t *testing.T) {
	capture := newCapture()
	ts := startServer(t, SMTPServerOptions{Deliverer: capture})
	c := dial(t, ts.addr)
	c.expectCode("220")

	c.send("MAIL FROM:<a>\r\nRCPT TO:<b>\r\nDATA\r\nline one\r\n..dot\r\n.\r\nQUIT\r\n")
	c.expect("250 Ok")
	c.expect("250 Ok")
	c.expectCode("354")
	c.expect("250 Ok: message accepted")
	c.expect("221 Bye")

	assert.Equal(t, "line one\r\n.dot\r\n", capture.next(t).Body)
}

func TestTerminatorSplitAcrossWrites(t *testing.T) {
	capture := newCapture()
	ts := startServer(t, SMTPServerOptions{Deliverer: capture})
	c := dial(t, ts.addr)
	c.expectCode("220")
	c.transaction("<a>", "<b>")

	c.send("Hello\r\n.\r")
	time.Sleep(50 * time.Millisecond)
	c.send("\n")
	c.expect("250 Ok: message accepted")

	assert.Equal(t, "Hello\r\n", capture.next(t).Body)
}

func TestUnknownCommandRecovers(t *testing.T) {
	ts := startServer(t, SMTPServerOptions{})
	c := dial(t, ts.addr)
	c.expectCode("220")

	c.send("FOO\r\n")
	c.expect("500 Unrecognized command")
	c.send("HELO c\r\n")
	c.expect("250 example.test Hello")
	c.send("MAIL FROM:<a>\r\n")
	c.expect("250 Ok")
}

func TestBadSequenceReplies(t *testing.T) {
	ts := startServer(t, SMTPServerOptions{})
	c := dial(t, ts.addr)
	c.expectCode("220")

	c.send("RCPT TO:<b>\r\n")
	c.expect("503 Bad sequence of commands")
	c.send("DATA\r\n")
	c.expect("503 Bad sequence of commands")
	c.send("MAIL FROM:<a>\r\n")
	c.expect("250 Ok")
	c.send("DATA\r\n")
	c.expect("503 Bad sequence of commands")
	c.send("RCPT TO:<b>\r\n")
	c.expect("250 Ok")
	c.send("DATA\r\n")
	c.expectCode("354")
}

func TestMultipleMessagesPerSession(t *testing.T) {
	capture := newCapture()
	ts := startServer(t, SMTPServerOptions{Deliverer: capture})
	c := dial(t, ts.addr)
	c.expectCode("220")

	c.transaction("<a>", "<b>")
	c.send("first\r\n.\r\n")
	c.expect("250 Ok: message accepted")

	c.send("RCPT TO:<c>\r\n")
	c.expect("503 Bad sequence of commands")

	c.transaction("<d>", "<e>")
	c.send("second\r\n.\r\n")
	c.expect("250 Ok: message accepted")

	first, second := capture.next(t), capture.next(t)
	assert.Equal(t, "first\r\n", first.Body)
	assert.Equal(t, "<d>", second.Sender)
	assert.Equal(t, []string{"<e>"}, second.Recipients)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestLineTooLongClosesSession(t *testing.T) {
	ts := startServer(t, SMTPServerOptions{MaxLineLength: 64})
	c := dial(t, ts.addr)
	c.expectCode("220")

	c.send("HELO " + strings.Repeat("a", 100) + "\r\n")
	c.expect("500 Line too long")
	c.expectClosed()
}

func TestMessageTooLarge(t *testing.T) {
	capture := newCapture()
	ts := startServer(t, SMTPServerOptions{MaxMessageSize: 16, Deliverer: capture})
	c := dial(t, ts.addr)
	c.expectCode("220")

	c.transaction("<a>", "<b>")
	c.send(strings.Repeat("x", 40) + "\r\n.\r\n")
	c.expectCode("552")

	c.transaction("<a>", "<b>")
	c.send("small\r\n.\r\n")
	c.expect("250 Ok: message accepted")
	assert.Equal(t, "small\r\n", capture.next(t).Body)
}

func TestDelivererErrorReplies451(t *testing.T) {
	var calls int
	failing := DelivererFunc(func(context.Context, *Envelope) error {
		calls++
		if calls == 1 {
			return errors.New("queue unavailable")
		}
		return nil
	})
	ts := startServer(t, SMTPServerOptions{Deliverer: failing})
	c := dial(t, ts.addr)
	c.expectCode("220")

	c.transaction("<a>", "<b>")
	c.send("body\r\n.\r\n")
	c.expectCode("451")

	c.transaction("<a>", "<b>")
	c.send("body\r\n.\r\n")
	c.expect("250 Ok: message accepted")
}

func TestConnectionLimit(t *testing.T) {
	ts := startServer(t, SMTPServerOptions{MaxConnections: 1})

	first := dial(t, ts.addr)
	first.expectCode("220")

	second := dial(t, ts.addr)
	second.expectCode("421")
	second.expectClosed()

	first.send("QUIT\r\n")
	first.expect("221 Bye")
	first.expectClosed()

	require.Eventually(t, func() bool { return ts.srv.Active() == 0 }, ioTimeout, 10*time.Millisecond)

	third := dial(t, ts.addr)
	third.expectCode("220")
}

func TestConnectionLimitPerIP(t *testing.T) {
	ts := startServer(t, SMTPServerOptions{MaxConnectionsPerIP: 1})

	first := dial(t, ts.addr)
	first.expectCode("220")

	second := dial(t, ts.addr)
	second.expectCode("421")

	snap := ts.srv.Snapshot()
	assert.Equal(t, int64(1), snap.Active)
	assert.Equal(t, 1, snap.UniqueIPs)
}

func TestIdleTimeout(t *testing.T) {
	ts := startServer(t, SMTPServerOptions{CommandTimeout: 100 * time.Millisecond})
	c := dial(t, ts.addr)
	c.expectCode("220")

	c.expect("421 example.test Idle timeout, closing connection")
	c.expectClosed()
}

func TestGracefulShutdown(t *testing.T) {
	ts := startServer(t, SMTPServerOptions{})
	c := dial(t, ts.addr)
	c.expectCode("220")
	c.send("MAIL FROM:<a>\r\n")
	c.expect("250 Ok")

	stopped := make(chan error, 1)
	go func() { stopped <- ts.stop() }()

	c.expect("421 example.test Service shutting down")
	c.expectClosed()

	select {
	case err := <-stopped:
		assert.NoError(t, err)
	case <-time.After(ioTimeout):
		t.Fatal("Close did not return")
	}
	assert.Zero(t, ts.srv.Active())

	_, err := net.DialTimeout("tcp", ts.addr, 200*time.Millisecond)
	assert.Error(t, err)
}

func TestServeStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	srv, err := New(ctx, "test", "example.test", "127.0.0.1:0", SMTPServerOptions{})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- srv.Serve() }()

	require.Eventually(t, func() bool { return srv.Addr() != nil }, ioTimeout, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(ioTimeout):
		t.Fatal("Serve did not return")
	}
}

func TestTotalConnections(t *testing.T) {
	ts := startServer(t, SMTPServerOptions{})
	for i := 0; i < 3; i++ {
		c := dial(t, ts.addr)
		c.expectCode("220")
		c.send("QUIT\r\n")
		c.expect("221 Bye")
	}
	assert.Equal(t, int64(3), ts.srv.TotalConnections())
}
