package smtp

import "strings"

const (
	VerbHelo = "HELO"
	VerbEhlo = "EHLO"
	VerbMail = "MAIL"
	VerbRcpt = "RCPT"
	VerbData = "DATA"
	VerbQuit = "QUIT"
)

// Command is one parsed command line.
type Command struct {
	Verb string // upper case
	Arg  string // raw remainder, may be empty
}

// Known reports whether the verb is one this server implements.
func (c Command) Known() bool {
	switch c.Verb {
	case VerbHelo, VerbEhlo, VerbMail, VerbRcpt, VerbData, VerbQuit:
		return true
	}
	return false
}

// ParseCommand splits a line on its first run of blanks into an upper-cased
// verb and the remaining argument.
func ParseCommand(line string) Command {
	line = strings.TrimLeft(line, " \t")
	i := strings.IndexAny(line, " \t")
	if i < 0 {
		return Command{Verb: strings.ToUpper(line)}
	}
	return Command{
		Verb: strings.ToUpper(line[:i]),
		Arg:  strings.TrimLeft(line[i:], " \t"),
	}
}

// MailFrom strips a case-insensitive "FROM:" prefix from a MAIL argument.
// An argument without the prefix is returned unchanged.
func MailFrom(arg string) string {
	return stripPrefix(arg, "FROM:")
}

// RcptTo strips a case-insensitive "TO:" prefix from a RCPT argument.
// An argument without the prefix is returned unchanged.
func RcptTo(arg string) string {
	return stripPrefix(arg, "TO:")
}

func stripPrefix(arg, prefix string) string {
	if len(arg) >= len(prefix) && strings.EqualFold(arg[:len(prefix)], prefix) {
		return strings.TrimLeft(arg[len(prefix):], " ")
	}
	return arg
}
