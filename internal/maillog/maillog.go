// Package maillog implements a dedicated, line-oriented log for mail
// events (auth attempts, rejections, accepted messages), separate from
// the general application log.
package maillog

import (
	"fmt"
	"io"
	"io/ioutil"
	"log/syslog"
	"net"
	"sync"
	"time"

	"blitiri.com.ar/go/log"

	"github.com/postwarden/smtpd/internal/trace"
)

// Global event log, surfaced on the tracing endpoint alongside
// per-session traces.
var authLog = trace.NewEventLog("Authentication", "Incoming SMTP")

// A writer that prepends timing information.
type timedWriter struct {
	w io.Writer
}

func (t timedWriter) Write(b []byte) (int, error) {
	fmt.Fprintf(t.w, "%s  ", time.Now().Format("2006-01-02 15:04:05.000000"))
	return t.w.Write(b)
}

// Logger writes mail events to a backend writer, such as a file or
// syslog.
type Logger struct {
	w    io.Writer
	once sync.Once
}

// New creates a Logger that writes to w.
func New(w io.Writer) *Logger {
	return &Logger{w: timedWriter{w}}
}

// NewSyslog creates a Logger that writes to syslog.
func NewSyslog() (*Logger, error) {
	w, err := syslog.New(syslog.LOG_INFO|syslog.LOG_MAIL, "postwarden")
	if err != nil {
		return nil, err
	}
	return &Logger{w: w}, nil
}

func (l *Logger) printf(format string, args ...interface{}) {
	_, err := fmt.Fprintf(l.w, format, args...)
	if err != nil {
		l.once.Do(func() {
			log.Errorf("failed to write to maillog: %v", err)
			log.Errorf("(will not report this again)")
		})
	}
}

// Listening logs that the server is listening on the given address.
func (l *Logger) Listening(a string) {
	l.printf("daemon listening on %s\n", a)
}

// Auth logs an authentication attempt.
func (l *Logger) Auth(netAddr net.Addr, user string, successful bool) {
	res := "succeeded"
	if !successful {
		res = "failed"
	}
	msg := fmt.Sprintf("%s auth %s for %s\n", netAddr, res, user)
	l.printf(msg)
	authLog.Debugf(msg)
}

// Rejected logs that a transaction, or part of it, was rejected by a
// hook (mailbox filter, size limit, rate limiter).
func (l *Logger) Rejected(netAddr net.Addr, from string, to []string, err string) {
	if from != "" {
		from = fmt.Sprintf(" from=%s", from)
	}
	toStr := ""
	if len(to) > 0 {
		toStr = fmt.Sprintf(" to=%v", to)
	}
	l.printf("%s rejected%s%s - %v\n", netAddr, from, toStr, err)
}

// Accepted logs that a message was accepted and handed to the store.
func (l *Logger) Accepted(netAddr net.Addr, from string, to []string, id string) {
	l.printf("%s from=%s accepted ip=%s to=%v\n", id, from, netAddr, to)
}

// Default logger, discards by default until the embedder installs one.
var Default = New(ioutil.Discard)

// Listening logs that the server is listening on the given address.
func Listening(a string) { Default.Listening(a) }

// Auth logs an authentication attempt.
func Auth(netAddr net.Addr, user string, successful bool) { Default.Auth(netAddr, user, successful) }

// Rejected logs that a transaction was rejected.
func Rejected(netAddr net.Addr, from string, to []string, err string) {
	Default.Rejected(netAddr, from, to, err)
}

// Accepted logs that a message was accepted.
func Accepted(netAddr net.Addr, from string, to []string, id string) {
	Default.Accepted(netAddr, from, to, id)
}
