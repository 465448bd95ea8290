// Package session implements the per-connection SMTP protocol state
// machine: command dispatch, capability negotiation, the AUTH and
// STARTTLS sub-protocols, transaction bookkeeping, and the DATA body
// hand-off to the pluggable storage and filtering hooks.
package session

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/postwarden/smtpd/internal/auth"
	"github.com/postwarden/smtpd/internal/codec"
	"github.com/postwarden/smtpd/internal/dotreader"
	"github.com/postwarden/smtpd/internal/envelope"
	"github.com/postwarden/smtpd/internal/expvarom"
	"github.com/postwarden/smtpd/internal/haproxy"
	"github.com/postwarden/smtpd/internal/maillog"
	"github.com/postwarden/smtpd/internal/normalize"
	"github.com/postwarden/smtpd/internal/tlsconst"
	"github.com/postwarden/smtpd/internal/trace"
)

var (
	commandCount = expvarom.NewMap("smtpd/session/commandCount",
		"command", "count of SMTP commands received, by verb")
	responseCodeCount = expvarom.NewMap("smtpd/session/responseCodeCount",
		"code", "response codes returned to SMTP commands")
	tlsCount = expvarom.NewMap("smtpd/session/tlsCount",
		"status", "count of message bodies received, by TLS status")
)

// phase is the session's explicit state, per the state table: a
// command is legal only if it appears in the current phase's
// accepting set. phaseReceivingData and phaseAuthenticating are
// driven by their own nested read loops (cmdDATA, cmdAUTH/runMechanism)
// rather than the main dispatch switch.
type phase int

const (
	phaseConnected phase = iota
	phaseAwaitingGreeting
	phaseReady
	phaseInTransaction
	phaseReceivingData
	phaseAuthenticating
	phaseClosing
)

func (p phase) String() string {
	switch p {
	case phaseConnected:
		return "connected"
	case phaseAwaitingGreeting:
		return "awaiting-greeting"
	case phaseReady:
		return "ready"
	case phaseInTransaction:
		return "in-transaction"
	case phaseReceivingData:
		return "receiving-data"
	case phaseAuthenticating:
		return "authenticating"
	case phaseClosing:
		return "closing"
	default:
		return "unknown"
	}
}

var allVerbs = map[string]bool{
	"HELO": true, "EHLO": true, "MAIL": true, "RCPT": true, "DATA": true,
	"STARTTLS": true, "AUTH": true, "RSET": true, "NOOP": true, "QUIT": true,
	"VRFY": true, "HELP": true,
}

var phaseAllowed = map[phase]map[string]bool{
	phaseAwaitingGreeting: {
		"HELO": true, "EHLO": true, "QUIT": true, "NOOP": true, "RSET": true,
	},
	phaseReady: {
		"MAIL": true, "STARTTLS": true, "AUTH": true, "HELO": true, "EHLO": true,
		"NOOP": true, "QUIT": true, "RSET": true, "VRFY": true, "HELP": true,
	},
	phaseInTransaction: {
		"RCPT": true, "DATA": true, "RSET": true, "NOOP": true, "QUIT": true,
		"HELO": true, "EHLO": true,
	},
}

// transaction holds the envelope state between an accepted MAIL and
// the end of the following DATA (commit or abort). It is owned by the
// connection goroutine and never shared.
type transaction struct {
	mailFrom     string
	rcptTo       []string
	declaredSize int64
	eightBitMIME bool
}

// Conn owns one accepted SMTP connection and drives it through the
// protocol state machine until QUIT, a fatal error, a timeout, or
// cooperative shutdown closes it.
type Conn struct {
	cfg *Config

	netConn net.Conn
	reader  *bufio.Reader
	lines   *codec.LineReader
	writer  *bufio.Writer
	tr      *trace.Trace

	store     MessageStore
	filter    MailboxFilter
	stats     StatisticsCollector
	observers []Observer

	ctx  context.Context
	view *SessionView

	ph       phase
	txn      *transaction
	errCount int
	isESMTP  bool

	tlsConnState *tls.ConnectionState

	// pending holds command lines the client sent ahead of a response,
	// read opportunistically in nextLine when pipelining is enabled.
	pending []string
}

// NewConn constructs a Conn around an accepted connection. ctx should
// be derived from the server's shutdown signal; every collaborator
// call made on behalf of this session carries it (or
// context.Background if nil). The returned Conn is not yet running;
// call Handle to drive it.
func NewConn(netConn net.Conn, cfg *Config, store MessageStore, filter MailboxFilter, stats StatisticsCollector, observers []Observer, ctx context.Context) *Conn {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Conn{
		cfg:       cfg,
		netConn:   netConn,
		store:     store,
		filter:    filter,
		stats:     stats,
		observers: observers,
		ctx:       ctx,
		view: &SessionView{
			ID:              <-newID,
			LocalAddr:       netConn.LocalAddr(),
			StartTime:       time.Now(),
			MaxMessageBytes: cfg.MaxMessageBytes,
		},
	}
}

// Handle runs the protocol loop to completion: banner, command
// dispatch, and close. It blocks until the session ends, by any path.
func (c *Conn) Handle() {
	defer c.finish()

	c.tr = trace.New("SMTP.Conn", c.netConn.RemoteAddr().String())
	defer c.tr.Finish()
	c.tr.Debugf("connected")

	connDeadline := time.Now().Add(c.cfg.ConnectionTimeout)
	c.netConn.SetDeadline(time.Now().Add(c.cfg.CommandTimeout))

	if tc, ok := c.netConn.(*tls.Conn); ok {
		if err := tc.Handshake(); err != nil {
			c.tr.Errorf("TLS handshake: %v", err)
			return
		}
		cstate := tc.ConnectionState()
		c.onTLSEstablished(&cstate)
	}

	c.reader = bufio.NewReaderSize(c.netConn, c.cfg.ReadBufferSize)
	c.lines = codec.NewLineReader(c.reader, c.cfg.MaxCommandLineLength)
	c.writer = bufio.NewWriterSize(c.netConn, c.cfg.WriteBufferSize)

	c.view.RemoteAddr = c.netConn.RemoteAddr()
	if c.cfg.HAProxyEnabled {
		src, dst, err := haproxy.Handshake(c.reader)
		if err != nil {
			c.tr.Errorf("haproxy handshake: %v", err)
			return
		}
		c.view.RemoteAddr = src
		c.tr.Debugf("haproxy handshake: %v -> %v", src, dst)
	}

	c.fireSessionCreated()

	if err := c.reply(codec.Replyf(codec.CodeServiceReady, "%s %s", c.cfg.ServerName, c.cfg.Banner)); err != nil {
		return
	}
	c.ph = phaseAwaitingGreeting

	for c.ph != phaseClosing {
		if time.Now().After(connDeadline) {
			c.tr.Errorf("connection lifetime exceeded")
			_ = c.reply(codec.Reply(codec.CodeServiceNotAvailable, "4.4.2 Connection timed out"))
			return
		}
		c.netConn.SetDeadline(time.Now().Add(c.cfg.CommandTimeout))

		line, err := c.nextLine()
		if err != nil {
			if errors.Is(err, codec.ErrLineTooLong) {
				c.errCount++
				if c.tooManyErrors() {
					return
				}
				if e := c.reply(codec.Reply(codec.CodeSyntaxError, "5.5.2 Line too long")); e != nil {
					return
				}
				continue
			}
			c.handleTransportError(err)
			return
		}

		cmd, perr := codec.ParseCommand(line)
		if perr != nil {
			c.errCount++
			if c.tooManyErrors() {
				return
			}
			_ = c.reply(codec.Reply(codec.CodeSyntaxError, "5.5.2 "+perr.Error()))
			continue
		}

		c.dispatch(cmd)
		if c.tooManyErrors() {
			return
		}
	}

	_ = c.writer.Flush()
}

func (c *Conn) tooManyErrors() bool {
	if c.errCount <= c.cfg.MaxRetryCount {
		return false
	}
	c.tr.Errorf("too many errors, closing")
	_ = c.reply(codec.Reply(codec.CodeServiceNotAvailable, "4.5.0 Too many errors, bye"))
	return true
}

func (c *Conn) handleTransportError(err error) {
	if err == io.EOF {
		c.tr.Debugf("client closed the connection")
		return
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		c.tr.Errorf("idle timeout: %v", err)
		_ = c.reply(codec.Reply(codec.CodeServiceNotAvailable, "4.4.2 Idle timeout"))
		return
	}
	c.tr.Errorf("read error: %v", err)
	c.fireErrorOccurred(err)
}

// dispatch runs one already-parsed command through the phase gate and
// the verb handlers, then writes its response and updates the error
// budget. A Response with Code 0 means the handler already wrote its
// own reply (STARTTLS, and the sub-protocol prompts in AUTH).
func (c *Conn) dispatch(cmd codec.Command) {
	if cmd.Verb == "AUTH" {
		c.tr.Debugf("-> AUTH <redacted>")
	} else {
		c.tr.Debugf("-> %s %s", cmd.Verb, cmd.Arg)
	}
	commandCount.Add(cmd.Verb, 1)

	var resp codec.Response
	switch {
	case !allVerbs[cmd.Verb]:
		resp = codec.Replyf(codec.CodeSyntaxError, "5.5.1 Unknown command %.12q", cmd.Verb)
	case !phaseAllowed[c.ph][cmd.Verb]:
		resp = codec.Reply(codec.CodeBadSequence, "5.5.1 Command not allowed in this state")
	default:
		resp = c.run(cmd)
	}

	if resp.Code == 0 {
		return
	}

	responseCodeCount.Add(strconv.Itoa(resp.Code), 1)
	if resp.IsError() {
		c.errCount++
		c.fireErrorOccurred(fmt.Errorf("%s: %s", cmd.Verb, resp.String()))
		if c.errCount > c.cfg.MaxRetryCount {
			// Handle's tooManyErrors check answers with 421 in place
			// of this response.
			return
		}
	} else {
		c.errCount = 0
	}

	if err := c.reply(resp); err != nil {
		c.ph = phaseClosing
	}
}

func (c *Conn) run(cmd codec.Command) codec.Response {
	switch cmd.Verb {
	case "HELO":
		return c.cmdHELO(cmd.Arg)
	case "EHLO":
		return c.cmdEHLO(cmd.Arg)
	case "MAIL":
		return c.cmdMAIL(cmd.Arg)
	case "RCPT":
		return c.cmdRCPT(cmd.Arg)
	case "DATA":
		return c.cmdDATA(cmd.Arg)
	case "STARTTLS":
		return c.cmdSTARTTLS(cmd.Arg)
	case "AUTH":
		return c.cmdAUTH(cmd.Arg)
	case "RSET":
		return c.cmdRSET()
	case "NOOP":
		return codec.Reply(codec.CodeOK, "2.0.0 OK")
	case "QUIT":
		c.ph = phaseClosing
		return codec.Reply(codec.CodeClosing, "2.0.0 Bye")
	case "VRFY":
		return codec.Reply(codec.CodeCannotVerify, "2.5.0 Cannot VRFY; just try sending a message")
	case "HELP":
		return codec.Reply(codec.CodeHelp, "2.0.0 See RFC 5321")
	default:
		return codec.Replyf(codec.CodeSyntaxError, "5.5.1 Unknown command %q", cmd.Verb)
	}
}

// cmdHELO and cmdEHLO both replace ClientDomain and discard any
// in-flight Transaction, per §4.2's greeting rule.
func (c *Conn) cmdHELO(arg string) codec.Response {
	arg = strings.TrimSpace(arg)
	if arg == "" {
		return codec.Reply(codec.CodeSyntaxErrorParam, "5.5.4 Domain required")
	}
	c.view.ClientDomain = strings.Fields(arg)[0]
	c.isESMTP = false
	c.resetTransaction()
	return codec.Replyf(codec.CodeOK, "%s", c.cfg.ServerName)
}

func (c *Conn) cmdEHLO(arg string) codec.Response {
	arg = strings.TrimSpace(arg)
	if arg == "" {
		return codec.Reply(codec.CodeSyntaxErrorParam, "5.5.4 Domain required")
	}
	c.view.ClientDomain = strings.Fields(arg)[0]
	c.isESMTP = true
	c.resetTransaction()

	c.view.PipeliningOn = c.cfg.EnablePipelining
	c.view.EightBitOn = c.cfg.Enable8BitMIME
	c.view.SMTPUTF8On = c.cfg.EnableSMTPUTF8

	lines := []string{c.cfg.ServerName}
	if c.cfg.EnablePipelining {
		lines = append(lines, "PIPELINING")
	}
	if c.cfg.Enable8BitMIME {
		lines = append(lines, "8BITMIME")
	}
	if c.cfg.EnableSMTPUTF8 {
		lines = append(lines, "SMTPUTF8")
	}
	lines = append(lines, fmt.Sprintf("SIZE %d", c.cfg.MaxMessageBytes))
	if c.cfg.TLSConfig != nil && !c.view.Secure {
		lines = append(lines, "STARTTLS")
	}
	if c.cfg.EnableAuth && (c.view.Secure || c.cfg.AllowPlaintextAuth) {
		if mechs := c.cfg.Mechanisms.Names(); len(mechs) > 0 {
			lines = append(lines, "AUTH "+strings.Join(mechs, " "))
		}
	}
	lines = append(lines, "HELP")
	return codec.MultiReply(codec.CodeOK, lines...)
}

// resetTransaction discards any in-flight Transaction and returns the
// session to Ready, per the RSET/HELO/EHLO/DATA-completion rules.
func (c *Conn) resetTransaction() {
	c.txn = nil
	c.ph = phaseReady
}

func (c *Conn) cmdRSET() codec.Response {
	c.resetTransaction()
	return codec.Reply(codec.CodeOK, "2.0.0 OK")
}

func (c *Conn) cmdMAIL(arg string) codec.Response {
	if !strings.HasPrefix(strings.ToUpper(arg), "FROM:") {
		return codec.Reply(codec.CodeSyntaxError, "5.5.2 Syntax: MAIL FROM:<address>")
	}
	if c.cfg.RequireAuthentication && !c.view.Authenticated {
		return codec.Reply(codec.CodeAuthRequired, "5.7.0 Authentication required")
	}

	addr, rest := codec.SplitPath(arg[len("FROM:"):])
	params := codec.ParseMailRcptParams(rest)

	var declaredSize int64
	if s, ok := params["SIZE"]; ok {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil || n < 0 {
			return codec.Reply(codec.CodeSyntaxErrorParam, "5.5.4 Malformed SIZE parameter")
		}
		declaredSize = n
		if declaredSize > c.cfg.MaxMessageBytes {
			return codec.Reply(codec.CodeExceededStorage, "5.3.4 Message size exceeds maximum")
		}
	}

	sender := addr
	if sender != "" {
		if norm, err := normalize.Addr(sender); err == nil {
			sender = norm
		}
	}

	if c.filter != nil {
		switch c.filter.CanAcceptFrom(c.ctx, c.view, sender, declaredSize) {
		case DenyPermanent:
			maillog.Rejected(c.view.RemoteAddr, sender, nil, "rejected by filter")
			return codec.Reply(codec.CodeMailboxUnavail550, "5.7.1 Sender rejected")
		case DenyTransient:
			return codec.Reply(codec.CodeMailboxUnavailable, "4.7.1 Sender temporarily rejected")
		}
	}

	c.txn = &transaction{
		mailFrom:     sender,
		declaredSize: declaredSize,
		eightBitMIME: strings.EqualFold(params["BODY"], "8BITMIME"),
	}
	c.ph = phaseInTransaction
	return codec.Reply(codec.CodeOK, "2.1.0 OK")
}

func (c *Conn) cmdRCPT(arg string) codec.Response {
	if !strings.HasPrefix(strings.ToUpper(arg), "TO:") {
		return codec.Reply(codec.CodeSyntaxError, "5.5.2 Syntax: RCPT TO:<address>")
	}

	addr, _ := codec.SplitPath(arg[len("TO:"):])
	if addr == "" {
		return codec.Reply(codec.CodeSyntaxErrorParam, "5.1.3 Malformed recipient address")
	}
	if len(c.txn.rcptTo) >= c.cfg.MaxRecipients {
		return codec.Reply(codec.CodeInsufficientStorage, "4.5.3 Too many recipients")
	}

	rcpt, err := normalize.Addr(addr)
	if err != nil {
		return codec.Reply(codec.CodeSyntaxErrorParam, "5.1.3 Malformed recipient address")
	}

	if c.filter != nil {
		switch c.filter.CanDeliverTo(c.ctx, c.view, rcpt, c.txn.mailFrom) {
		case DenyPermanent:
			maillog.Rejected(c.view.RemoteAddr, c.txn.mailFrom, []string{rcpt}, "rejected by filter")
			return codec.Reply(codec.CodeMailboxUnavail550, "5.1.1 Recipient rejected")
		case DenyTransient:
			return codec.Reply(codec.CodeMailboxUnavailable, "4.1.1 Recipient temporarily rejected")
		}
	}

	for _, existing := range c.txn.rcptTo {
		if existing == rcpt {
			return codec.Reply(codec.CodeOK, "2.1.5 OK")
		}
	}
	c.txn.rcptTo = append(c.txn.rcptTo, rcpt)
	return codec.Reply(codec.CodeOK, "2.1.5 OK")
}

func (c *Conn) cmdDATA(arg string) codec.Response {
	if c.txn == nil || len(c.txn.rcptTo) == 0 {
		return codec.Reply(codec.CodeBadSequence, "5.5.1 Need MAIL and RCPT first")
	}

	if err := c.reply(codec.Reply(codec.CodeStartMailInput, "Start mail input; end with <CRLF>.<CRLF>")); err != nil {
		c.ph = phaseClosing
		return codec.Response{}
	}

	// DATA is a pipeline barrier: anything the client queued alongside
	// it must not be read as body content or as further commands.
	c.discardPipeline()

	c.ph = phaseReceivingData
	c.netConn.SetDeadline(time.Now().Add(c.cfg.DataTimeout))
	if c.view.Secure {
		tlsCount.Add("tls", 1)
	} else {
		tlsCount.Add("plain", 1)
	}

	eightBitOK := c.cfg.Enable8BitMIME || c.txn.eightBitMIME
	body, err := dotreader.Read(c.reader, c.cfg.MaxMessageBytes, eightBitOK)

	var netErr net.Error
	switch {
	case errors.Is(err, dotreader.ErrTooLarge):
		c.resetTransaction()
		return codec.Reply(codec.CodeExceededStorage, "5.3.4 Message too big")
	case errors.Is(err, dotreader.ErrInvalidOctet):
		c.resetTransaction()
		return codec.Reply(codec.CodeSyntaxError, "5.6.0 Invalid 8-bit octet in a 7bit body")
	case errors.Is(err, dotreader.ErrInvalidLineEnding):
		c.resetTransaction()
		return codec.Reply(codec.CodeSyntaxError, "5.5.2 Invalid line ending in message body")
	case errors.As(err, &netErr) && netErr.Timeout():
		c.ph = phaseClosing
		return codec.Reply(codec.CodeLocalError, "4.4.2 Data timeout")
	case err != nil:
		c.ph = phaseClosing
		return codec.Replyf(codec.CodeTransactionFailed, "4.4.0 Error reading message: %v", err)
	}

	body = c.addReceivedHeader(body)
	resp := c.commitData(body)
	c.resetTransaction()
	return resp
}

// commitData implements §4.5: generate a queue id, build the Message,
// fan out to observers (any of which may cancel acceptance by
// returning a Response), then hand off to the store.
func (c *Conn) commitData(raw []byte) codec.Response {
	id := <-newID

	msg := &Message{
		ID:       id,
		From:     c.txn.mailFrom,
		To:       append([]string(nil), c.txn.rcptTo...),
		Raw:      raw,
		Size:     int64(len(raw)),
		Received: time.Now(),
	}

	for _, obs := range c.observers {
		if obs.MessageReceived == nil {
			continue
		}
		if resp := obs.MessageReceived(c.view, msg); resp != nil {
			return *resp
		}
	}

	if c.store != nil {
		if err := c.store.Save(c.ctx, c.view, msg); err != nil {
			c.tr.Errorf("store.Save: %v", err)
			maillog.Rejected(c.view.RemoteAddr, msg.From, msg.To, err.Error())
			c.fireErrorOccurred(err)
			return codec.Replyf(codec.CodeTransactionFailed, "5.5.0 Error storing message: %v", err)
		}
	}

	c.view.MessageCount++
	maillog.Accepted(c.view.RemoteAddr, msg.From, msg.To, id)
	if c.stats != nil {
		c.stats.RecordMessage(msg)
	}
	return codec.Replyf(codec.CodeOK, "2.0.0 OK queued as %s", id)
}

// addReceivedHeader synthesizes a Received header the way a real
// relay would, so stores and downstream tooling can trace the
// message's path without re-deriving it from transport state that
// won't exist after this connection closes.
func (c *Conn) addReceivedHeader(data []byte) []byte {
	// Lines are CRLF-separated and the last one is left unterminated:
	// AddHeader indents after each embedded "\n" and ends the header
	// with CRLF itself, so Raw keeps CRLF line endings throughout.
	var v string
	if c.view.Authenticated {
		v += fmt.Sprintf("from %s\r\n", c.view.ClientDomain)
	} else {
		v += fmt.Sprintf("from %s (%s)\r\n", addrLiteral(c.view.RemoteAddr), c.view.ClientDomain)
	}

	v += fmt.Sprintf("by %s (postwarden) ", c.cfg.ServerName)

	with := "SMTP"
	if c.isESMTP {
		with = "ESMTP"
	}
	if c.view.Secure {
		with += "S"
	}
	if c.view.Authenticated {
		with += "A"
	}
	v += fmt.Sprintf("with %s\r\n", with)

	if c.tlsConnState != nil {
		v += fmt.Sprintf("tls %s\r\n", tlsconst.CipherSuiteName(c.tlsConnState.CipherSuite))
	}

	v += "(over "
	if c.tlsConnState != nil {
		v += tlsconst.VersionName(c.tlsConnState.Version) + ", "
	} else {
		v += "plain text, "
	}
	v += fmt.Sprintf("envelope from %q)\r\n", c.txn.mailFrom)
	v += fmt.Sprintf("; %s", time.Now().Format(time.RFC1123Z))

	return envelope.AddHeader(data, "Received", v)
}

func addrLiteral(addr net.Addr) string {
	if addr == nil {
		return "unknown"
	}
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return addr.String()
	}
	s := tcp.IP.String()
	if strings.Contains(s, ":") {
		return "IPv6:" + s
	}
	return s
}

func (c *Conn) cmdSTARTTLS(arg string) codec.Response {
	if c.view.Secure {
		return codec.Reply(codec.CodeBadSequence, "5.5.1 Already using TLS")
	}
	if c.cfg.TLSConfig == nil {
		return codec.Reply(codec.CodeNotImplemented, "5.5.1 TLS not available")
	}

	if err := c.reply(codec.Reply(codec.CodeServiceReady, "2.0.0 Ready to start TLS")); err != nil {
		c.ph = phaseClosing
		return codec.Response{}
	}

	// A barrier: anything pipelined alongside STARTTLS must not have
	// assumed the handshake already happened.
	c.discardPipeline()

	server := tls.Server(c.netConn, c.cfg.TLSConfig)
	if err := server.Handshake(); err != nil {
		c.tr.Errorf("TLS handshake failed: %v", err)
		c.ph = phaseClosing
		return codec.Response{}
	}

	c.netConn = server
	c.reader = bufio.NewReaderSize(c.netConn, c.cfg.ReadBufferSize)
	c.lines = codec.NewLineReader(c.reader, c.cfg.MaxCommandLineLength)
	c.writer = bufio.NewWriterSize(c.netConn, c.cfg.WriteBufferSize)

	cstate := server.ConnectionState()
	c.onTLSEstablished(&cstate)

	// A fresh EHLO/HELO is mandatory after the upgrade.
	c.resetTransaction()
	c.ph = phaseAwaitingGreeting
	c.view.ClientDomain = ""

	return codec.Response{}
}

func (c *Conn) onTLSEstablished(cs *tls.ConnectionState) {
	c.tlsConnState = cs
	c.view.Secure = true
	c.view.TLSVersion = cs.Version
	c.view.TLSCipherSuite = cs.CipherSuite
}

func (c *Conn) cmdAUTH(arg string) codec.Response {
	if !c.cfg.EnableAuth {
		return codec.Reply(codec.CodeNotImplemented, "5.5.1 AUTH not supported")
	}
	if c.view.Authenticated {
		// https://tools.ietf.org/html/rfc4954#section-4
		return codec.Reply(codec.CodeBadSequence, "5.5.1 Already authenticated")
	}
	if !c.view.Secure && !c.cfg.AllowPlaintextAuth {
		return codec.Reply(codec.CodeEncryptionRequired, "5.7.10 Must issue STARTTLS first")
	}

	fields := strings.SplitN(strings.TrimSpace(arg), " ", 2)
	if len(fields) == 0 || fields[0] == "" {
		return codec.Reply(codec.CodeSyntaxErrorParam, "5.5.4 Syntax: AUTH mechanism")
	}
	mechName := strings.ToUpper(fields[0])

	mech, ok := c.cfg.Mechanisms.New(mechName, c.cfg.AuthenticationCallback)
	if !ok {
		return codec.Reply(codec.CodeSyntaxErrorParam, "5.5.4 Unrecognized authentication mechanism")
	}

	var initial []byte
	haveInitial := len(fields) == 2
	if haveInitial {
		b, err := auth.DecodeLine(fields[1])
		if err != nil {
			return codec.Reply(codec.CodeSyntaxErrorParam, "5.5.2 Invalid base64 in initial response")
		}
		initial = b
	}

	// AUTH is a pipeline barrier: the sub-protocol reads its own lines
	// directly, so anything already queued would otherwise be
	// misinterpreted as a SASL response.
	c.discardPipeline()

	prevPhase := c.ph
	c.ph = phaseAuthenticating
	resp := c.runMechanism(mech, initial, haveInitial)
	if c.ph != phaseClosing {
		c.ph = prevPhase
	}
	return resp
}

func (c *Conn) runMechanism(mech auth.Mechanism, response []byte, haveInitial bool) codec.Response {
	input := response
	if !haveInitial {
		input = nil
	}

	for {
		challenge, done, result, err := mech.Step(c.ctx, input)
		if err != nil {
			if errors.Is(err, auth.ErrAborted) {
				return codec.Reply(codec.CodeSyntaxErrorParam, "5.5.1 Authentication aborted")
			}
			maillog.Auth(c.view.RemoteAddr, mech.Name(), false)
			return codec.Replyf(codec.CodeAuthFailed, "5.7.8 %v", err)
		}
		if done {
			if result.OK {
				c.view.Authenticated = true
				c.view.Identity = result.Identity
				maillog.Auth(c.view.RemoteAddr, result.Identity, true)
				return codec.Reply(codec.CodeAuthSuccess, "2.7.0 Authentication successful")
			}
			maillog.Auth(c.view.RemoteAddr, mech.Name(), false)
			return codec.Reply(codec.CodeAuthFailed, "5.7.8 Authentication failed")
		}

		if err := c.reply(codec.Reply(codec.CodeAuthContinue, auth.EncodeChallenge(challenge))); err != nil {
			c.ph = phaseClosing
			return codec.Response{}
		}

		line, rerr := c.readLine()
		if rerr != nil {
			c.ph = phaseClosing
			return codec.Response{}
		}
		var derr error
		input, derr = auth.DecodeLine(line)
		if derr != nil {
			if errors.Is(derr, auth.ErrAborted) {
				return codec.Reply(codec.CodeSyntaxErrorParam, "5.5.1 Authentication aborted")
			}
			return codec.Reply(codec.CodeSyntaxErrorParam, "5.5.2 Invalid base64 response")
		}
	}
}

// nextLine returns the next command line, either from the pipelined
// read-ahead queue or a fresh blocking read, topping up the queue
// with whatever else the client already sent without waiting.
func (c *Conn) nextLine() (string, error) {
	if len(c.pending) > 0 {
		line := c.pending[0]
		c.pending = c.pending[1:]
		return line, nil
	}
	line, err := c.readLine()
	if err != nil {
		return "", err
	}
	if c.cfg.EnablePipelining {
		c.fillPipeline()
	}
	return line, nil
}

// fillPipeline opportunistically drains any additional complete lines
// already sitting in the read buffer, so a barrier command can reject
// them instead of misreading them as body or sub-protocol input.
func (c *Conn) fillPipeline() {
	for c.reader.Buffered() > 0 {
		line, err := c.readLine()
		if err != nil {
			return
		}
		c.pending = append(c.pending, line)
	}
}

// discardPipeline rejects any commands queued behind a barrier
// command (STARTTLS/AUTH/DATA) that arrived pipelined alongside it.
func (c *Conn) discardPipeline() {
	for _, line := range c.pending {
		cmd, _ := codec.ParseCommand(line)
		c.tr.Errorf("rejecting %s queued before a pipeline barrier cleared", cmd.Verb)
		c.errCount++
		_ = c.reply(codec.Reply(codec.CodeBadSequence, "5.5.0 Command sent before barrier cleared"))
	}
	c.pending = nil
}

func (c *Conn) readLine() (string, error) {
	return c.lines.ReadLine()
}

func (c *Conn) reply(r codec.Response) error {
	defer c.writer.Flush()
	_, err := r.WriteTo(c.writer)
	return err
}

func (c *Conn) fireSessionCreated() {
	if c.stats != nil {
		c.stats.RecordSession()
	}
	for _, obs := range c.observers {
		if obs.SessionCreated != nil {
			obs.SessionCreated(c.view)
		}
	}
}

func (c *Conn) fireErrorOccurred(err error) {
	if c.stats != nil {
		c.stats.RecordError(err)
	}
	for _, obs := range c.observers {
		if obs.ErrorOccurred != nil {
			obs.ErrorOccurred(c.view, err)
		}
	}
}

// finish runs exactly once per connection, on every exit path, so
// SessionCompleted fires exactly once regardless of how the session
// ended (QUIT, error, timeout, or cooperative shutdown).
func (c *Conn) finish() {
	for _, obs := range c.observers {
		if obs.SessionCompleted != nil {
			obs.SessionCompleted(c.view)
		}
	}
	c.netConn.Close()
}
