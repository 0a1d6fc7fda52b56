package smtp

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func started(maxSize int64) *StateMachine {
	m := NewStateMachine(maxSize)
	m.Begin()
	return m
}

func apply(t *testing.T, m *StateMachine, line string) Outcome {
	t.Helper()
	return m.Apply(ParseCommand(line))
}

func mustApply(t *testing.T, m *StateMachine, line string, want State) {
	t.Helper()
	o := apply(t, m, line)
	require.NoError(t, o.Err, line)
	require.Equal(t, want, o.State, line)
}

func body(t *testing.T, m *StateMachine, lines ...string) Outcome {
	t.Helper()
	for i, line := range lines {
		o, done := m.AppendBodyLine(line)
		if done {
			require.Equal(t, len(lines)-1, i, "terminator before the last line")
			return o
		}
	}
	t.Fatal("body not terminated")
	return Outcome{}
}

func TestStateMachineBegin(t *testing.T) {
	m := NewStateMachine(0)
	assert.Equal(t, StateNone, m.State())

	o := m.Apply(Command{Verb: VerbHelo, Arg: "x"})
	assert.ErrorIs(t, o.Err, ErrBadSequence)

	m.Begin()
	assert.Equal(t, StateGreet, m.State())
	m.Begin()
	assert.Equal(t, StateGreet, m.State())
}

func TestStateMachineFullTransaction(t *testing.T) {
	m := started(0)

	mustApply(t, m, "EHLO client", StateGreet)
	mustApply(t, m, "MAIL FROM:<a@x>", StateMail)
	mustApply(t, m, "RCPT TO:<b@y>", StateRcpt)
	mustApply(t, m, "RCPT TO:<c@z>", StateRcpt)
	mustApply(t, m, "DATA", StateData)

	o := body(t, m, "Subject: hi", "", "Hello", ".")
	require.NoError(t, o.Err)
	assert.Equal(t, StatePostData, o.State)

	env := m.Envelope()
	assert.Equal(t, "<a@x>", env.Sender)
	assert.Equal(t, []string{"<b@y>", "<c@z>"}, env.Recipients)
	assert.Equal(t, "Subject: hi\r\n\r\nHello\r\n", env.Body)

	m.Reset()
	assert.Equal(t, StateGreet, m.State())
	assert.Empty(t, m.Envelope().Recipients)

	mustApply(t, m, "QUIT", StateQuit)
}

func TestStateMachineMailWithoutHelo(t *testing.T) {
	m := started(0)
	mustApply(t, m, "MAIL FROM:<a@x>", StateMail)
}

func TestStateMachineRcptBeforeMail(t *testing.T) {
	for _, prefix := range [][]string{nil, {"HELO c"}} {
		m := started(0)
		for _, line := range prefix {
			mustApply(t, m, line, StateGreet)
		}

		o := apply(t, m, "RCPT TO:<b@y>")
		require.ErrorIs(t, o.Err, ErrBadSequence)
		assert.Equal(t, KindProtocol, KindOf(o.Err))
		assert.Equal(t, StateGreet, o.State)
		assert.Empty(t, m.Envelope().Recipients)
	}
}

func TestStateMachineDataWithoutRecipients(t *testing.T) {
	m := started(0)

	o := apply(t, m, "DATA")
	require.ErrorIs(t, o.Err, ErrBadSequence)
	assert.Equal(t, StateGreet, m.State())

	mustApply(t, m, "MAIL FROM:<a@x>", StateMail)
	o = apply(t, m, "DATA")
	require.ErrorIs(t, o.Err, ErrBadSequence)
	assert.Equal(t, StateMail, m.State())
	assert.NotEqual(t, StateData, m.State())
}

func TestStateMachineMailResetsRecipients(t *testing.T) {
	m := started(0)
	mustApply(t, m, "MAIL FROM:<a@x>", StateMail)
	mustApply(t, m, "RCPT TO:<b@y>", StateRcpt)
	mustApply(t, m, "MAIL FROM:<c@z>", StateMail)

	env := m.Envelope()
	assert.Equal(t, "<c@z>", env.Sender)
	assert.Empty(t, env.Recipients)
}

func TestStateMachineHeloKeepsEnvelope(t *testing.T) {
	m := started(0)
	mustApply(t, m, "MAIL FROM:<a@x>", StateMail)
	mustApply(t, m, "RCPT TO:<b@y>", StateRcpt)
	mustApply(t, m, "HELO again", StateGreet)

	o := apply(t, m, "RCPT TO:<c@z>")
	assert.ErrorIs(t, o.Err, ErrBadSequence)
	assert.Equal(t, []string{"<b@y>"}, m.Envelope().Recipients)
}

func TestStateMachineUnknownVerb(t *testing.T) {
	m := started(0)
	mustApply(t, m, "MAIL FROM:<a@x>", StateMail)

	o := apply(t, m, "FOO")
	require.ErrorIs(t, o.Err, ErrUnrecognizedCommand)
	assert.False(t, IsFatal(o.Err))
	assert.Equal(t, StateMail, o.State)

	mustApply(t, m, "RCPT TO:<b@y>", StateRcpt)
}

func TestStateMachineApplyDuringData(t *testing.T) {
	m := started(0)
	mustApply(t, m, "MAIL FROM:<a@x>", StateMail)
	mustApply(t, m, "RCPT TO:<b@y>", StateRcpt)
	mustApply(t, m, "DATA", StateData)

	o := apply(t, m, "QUIT")
	assert.ErrorIs(t, o.Err, ErrBadSequence)
	assert.Equal(t, StateData, m.State())
}

func TestStateMachineAppendOutsideData(t *testing.T) {
	m := started(0)
	o, done := m.AppendBodyLine("text")
	assert.False(t, done)
	assert.ErrorIs(t, o.Err, ErrBadSequence)
}

func TestStateMachineDotUnstuffing(t *testing.T) {
	tests := []struct {
		name  string
		lines []string
		want  string
	}{
		{"leading dot", []string{"..hidden", "."}, ".hidden\r\n"},
		{"double dot only", []string{"..", "."}, ".\r\n"},
		{"triple dot", []string{"...", "."}, "..\r\n"},
		{"dot inside", []string{"a.b", ".x", "."}, "a.b\r\n.x\r\n"},
		{"empty body", []string{"."}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := started(0)
			mustApply(t, m, "MAIL FROM:<a@x>", StateMail)
			mustApply(t, m, "RCPT TO:<b@y>", StateRcpt)
			mustApply(t, m, "DATA", StateData)

			o := body(t, m, tt.lines...)
			require.NoError(t, o.Err)
			assert.Equal(t, tt.want, m.Envelope().Body)
		})
	}
}

func TestStateMachineDotStuffingRoundTrip(t *testing.T) {
	original := []string{".", "..", ".leading", "plain", ""}
	var stuffed []string
	for _, line := range original {
		if strings.HasPrefix(line, ".") {
			line = "." + line
		}
		stuffed = append(stuffed, line)
	}

	m := started(0)
	mustApply(t, m, "MAIL FROM:<a@x>", StateMail)
	mustApply(t, m, "RCPT TO:<b@y>", StateRcpt)
	mustApply(t, m, "DATA", StateData)
	o := body(t, m, append(stuffed, ".")...)
	require.NoError(t, o.Err)

	assert.Equal(t, strings.Join(original, "\r\n")+"\r\n", m.Envelope().Body)
}

func TestStateMachineMessageTooLarge(t *testing.T) {
	m := started(10)
	mustApply(t, m, "MAIL FROM:<a@x>", StateMail)
	mustApply(t, m, "RCPT TO:<b@y>", StateRcpt)
	mustApply(t, m, "DATA", StateData)

	o := body(t, m, "12345678", "more", ".")
	require.ErrorIs(t, o.Err, ErrMessageTooLarge)
	assert.Equal(t, StatePostData, o.State)
	assert.Empty(t, m.Envelope().Body)

	m.Reset()
	mustApply(t, m, "MAIL FROM:<a@x>", StateMail)
	mustApply(t, m, "RCPT TO:<b@y>", StateRcpt)
	mustApply(t, m, "DATA", StateData)
	o = body(t, m, "12345678", ".")
	require.NoError(t, o.Err)
	assert.Equal(t, "12345678\r\n", m.Envelope().Body)
}

func TestStateMachineEnvelopeIsCopy(t *testing.T) {
	m := started(0)
	mustApply(t, m, "MAIL FROM:<a@x>", StateMail)
	mustApply(t, m, "RCPT TO:<b@y>", StateRcpt)

	env := m.Envelope()
	env.Recipients[0] = "changed"
	assert.Equal(t, []string{"<b@y>"}, m.Envelope().Recipients)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "GREET", StateGreet.String())
	assert.Equal(t, "POST_DATA", StatePostData.String())
	assert.Equal(t, "QUIT", StateQuit.String())
}
