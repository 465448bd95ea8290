package codec

import (
	"errors"
	"strings"
	"unicode"
)

// MaxLineLength is the maximum permitted length of a single command line,
// per RFC 5321 §4.5.3.1.4.
const MaxLineLength = 1000

// ErrLineTooLong is returned by LineReader, not by ParseCommand itself
// (the reader enforces the byte limit before a line ever reaches the
// parser), but is exposed here since it's part of the codec's error
// vocabulary.
var ErrLineTooLong = errors.New("codec: command line exceeds maximum length")

// ErrEmptyLine is returned when ParseCommand is given a blank line.
var ErrEmptyLine = errors.New("codec: empty command line")

// ErrNonASCIIVerb is returned when the verb contains non-ASCII bytes.
var ErrNonASCIIVerb = errors.New("codec: non-ASCII verb")

// Command is a single parsed SMTP command line.
type Command struct {
	Verb string // upper-cased, e.g. "MAIL"
	Arg  string // everything after the verb, trimmed, case preserved
}

// ParseCommand splits a CRLF-stripped command line into an upper-cased
// verb and its argument. The verb is the leading run of non-space
// characters; everything else, trimmed of leading space, is the
// argument.
func ParseCommand(line string) (Command, error) {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return Command{}, ErrEmptyLine
	}

	verb := line
	arg := ""
	if i := strings.IndexByte(line, ' '); i >= 0 {
		verb = line[:i]
		arg = strings.TrimLeft(line[i+1:], " ")
	}

	for _, r := range verb {
		if r > unicode.MaxASCII {
			return Command{}, ErrNonASCIIVerb
		}
	}

	return Command{Verb: strings.ToUpper(verb), Arg: arg}, nil
}

// Params is the KEY=VALUE (and bare KEY) parameter set trailing a
// MAIL/RCPT path, e.g. "SIZE=1024 BODY=8BITMIME".
type Params map[string]string

// ParseMailRcptParams splits the remainder of a MAIL/RCPT argument
// after the closing '>' of the path into its space-separated
// KEY=VALUE/KEY parameters. Keys are upper-cased; values keep their
// original case. rest should be everything following the path,
// trimmed of leading space.
func ParseMailRcptParams(rest string) Params {
	p := Params{}
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return p
	}
	for _, field := range strings.Fields(rest) {
		if i := strings.IndexByte(field, '='); i >= 0 {
			p[strings.ToUpper(field[:i])] = field[i+1:]
		} else {
			p[strings.ToUpper(field)] = ""
		}
	}
	return p
}

// SplitPath extracts the bracketed path (e.g. "<user@example.com>") from
// the front of a MAIL/RCPT argument, returning the address without
// brackets and the unparsed remainder (parameters). It tolerates
// clients that omit the brackets entirely.
func SplitPath(arg string) (addr, rest string) {
	arg = strings.TrimSpace(arg)
	if strings.HasPrefix(arg, "<") {
		if i := strings.IndexByte(arg, '>'); i >= 0 {
			return arg[1:i], strings.TrimSpace(arg[i+1:])
		}
		return strings.TrimPrefix(arg, "<"), ""
	}
	if i := strings.IndexByte(arg, ' '); i >= 0 {
		return arg[:i], strings.TrimSpace(arg[i+1:])
	}
	return arg, ""
}
