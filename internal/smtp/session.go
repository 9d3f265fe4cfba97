package smtp

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/shineum/inbound-reply/internal/email"
	"github.com/shineum/inbound-reply/internal/parser"
)

// state is the position of a session in the SMTP dialogue.
type state int

const (
	stateConnected state = iota
	stateGreeted
	stateAuthOK
	stateMailFrom
	stateRcptTo
)

func (s state) String() string {
	switch s {
	case stateConnected:
		return "connected"
	case stateGreeted:
		return "greeted"
	case stateAuthOK:
		return "authenticated"
	case stateMailFrom:
		return "mail"
	case stateRcptTo:
		return "rcpt"
	}
	return "state(" + strconv.Itoa(int(s)) + ")"
}

// idleTimeout is the maximum time a session can remain idle before being closed.
const idleTimeout = 60 * time.Second

const (
	// defaultMaxMessageSize is used when no limit is configured (10 MB).
	defaultMaxMessageSize = 10 * 1024 * 1024
	// defaultMaxRecipients follows the RFC 5321 minimum buffer size.
	defaultMaxRecipients = 100
)

// SessionConfig holds the settings shared by every session of a server.
type SessionConfig struct {
	Hostname string

	// Records configures the record built from each accepted message.
	Records email.Config

	// MaxMessageSize bounds the DATA payload in bytes. Zero selects 10 MB.
	MaxMessageSize int64

	// MaxRecipients bounds RCPT TO per transaction. Zero selects 100.
	MaxRecipients int

	// AcceptDomains lists the recipient domains this listener serves.
	// Empty accepts any domain.
	AcceptDomains []string

	// TLSConfig enables STARTTLS when set.
	TLSConfig *tls.Config
}

func (c *SessionConfig) applyDefaults() {
	if c.Hostname == "" {
		c.Hostname = "localhost"
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = defaultMaxMessageSize
	}
	if c.MaxRecipients <= 0 {
		c.MaxRecipients = defaultMaxRecipients
	}
}

// accepts reports whether mail for addr is taken by this listener.
func (c *SessionConfig) accepts(addr string) bool {
	if len(c.AcceptDomains) == 0 {
		return true
	}
	at := strings.LastIndexByte(addr, '@')
	if at < 0 {
		return false
	}
	domain := addr[at+1:]
	for _, d := range c.AcceptDomains {
		if strings.EqualFold(d, domain) {
			return true
		}
	}
	return false
}

// Session is one SMTP client connection. Each message accepted over it is
// normalized into an email.Record and handed to the configured processor.
type Session struct {
	log    *slog.Logger
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	state  state
	auth   *Authenticator
	cfg    SessionConfig

	tlsActive bool

	// current transaction
	mailFrom string
	rcptTo   []string
}

// NewSession creates a session for conn. Zero values in cfg take defaults.
func NewSession(conn net.Conn, auth *Authenticator, cfg SessionConfig) *Session {
	cfg.applyDefaults()
	id := uuid.NewString()
	return &Session{
		log:    slog.With("session_id", id, "remote", conn.RemoteAddr().String()),
		conn:   conn,
		reader: bufio.NewReader(conn),
		writer: bufio.NewWriter(conn),
		state:  stateConnected,
		auth:   auth,
		cfg:    cfg,
	}
}

// Handle runs the dialogue until the client quits, the connection fails or
// ctx is cancelled. The connection is closed on return.
func (s *Session) Handle(ctx context.Context) {
	defer s.conn.Close()

	s.reply(220, "", "%s ESMTP replyd", s.cfg.Hostname)

	for {
		select {
		case <-ctx.Done():
			s.reply(421, "4.3.2", "Service shutting down")
			return
		default:
		}

		if err := s.conn.SetDeadline(time.Now().Add(idleTimeout)); err != nil {
			s.log.Error("failed to set connection deadline", "error", err)
			return
		}

		line, err := s.reader.ReadString('\n')
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Debug("connection read error", "error", err)
			}
			return
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		cmd, arg := parseCommand(line)
		if quit := s.dispatch(ctx, cmd, arg); quit {
			return
		}
	}
}

// dispatch runs one command and reports whether the session should end.
func (s *Session) dispatch(ctx context.Context, cmd, arg string) bool {
	switch cmd {
	case "EHLO", "HELO":
		s.hello(cmd, arg)
	case "STARTTLS":
		s.startTLS()
	case "AUTH":
		s.authenticate(arg)
	case "MAIL":
		s.mail(arg)
	case "RCPT":
		s.rcpt(arg)
	case "DATA":
		s.data(ctx)
	case "RSET":
		s.resetTransaction()
		s.reply(250, "2.0.0", "OK")
	case "NOOP":
		s.reply(250, "2.0.0", "OK")
	case "QUIT":
		s.reply(221, "2.0.0", "Bye")
		return true
	default:
		s.log.Debug("unrecognized command", "command", cmd, "state", s.state)
		s.reply(500, "5.5.2", "Unrecognized command")
	}
	return false
}

func (s *Session) hello(cmd, arg string) {
	if arg == "" {
		s.reply(501, "5.5.4", "Syntax: %s hostname", cmd)
		return
	}

	if s.state < stateGreeted {
		s.state = stateGreeted
	}
	s.resetTransaction()
	if cmd == "HELO" {
		s.reply(250, "", "%s Hello %s", s.cfg.Hostname, arg)
		return
	}

	lines := []string{fmt.Sprintf("%s Hello %s", s.cfg.Hostname, arg)}
	if s.cfg.TLSConfig != nil && !s.tlsActive {
		lines = append(lines, "STARTTLS")
	}
	if s.auth.Enabled() {
		lines = append(lines, "AUTH PLAIN LOGIN")
	}
	lines = append(lines,
		fmt.Sprintf("SIZE %d", s.cfg.MaxMessageSize),
		"8BITMIME",
		"ENHANCEDSTATUSCODES",
	)
	s.replyLines(250, lines)
}

func (s *Session) startTLS() {
	switch {
	case s.cfg.TLSConfig == nil:
		s.reply(454, "4.7.0", "TLS not available")
		return
	case s.tlsActive:
		s.reply(503, "5.5.1", "TLS already active")
		return
	}

	s.reply(220, "2.0.0", "Ready to start TLS")

	tlsConn := tls.Server(s.conn, s.cfg.TLSConfig)
	if err := tlsConn.Handshake(); err != nil {
		s.log.Error("TLS handshake failed", "error", err)
		return
	}

	// RFC 3207: the client must greet again over the protected channel.
	s.conn = tlsConn
	s.reader = bufio.NewReader(tlsConn)
	s.writer = bufio.NewWriter(tlsConn)
	s.tlsActive = true
	s.state = stateConnected
	s.resetTransaction()
}

func (s *Session) authenticate(arg string) {
	switch {
	case s.state < stateGreeted:
		s.reply(503, "5.5.1", "Send EHLO/HELO first")
		return
	case !s.auth.Enabled():
		s.reply(503, "5.5.1", "AUTH not available")
		return
	case s.state >= stateAuthOK:
		s.reply(503, "5.5.1", "Already authenticated")
		return
	}

	mechanism, initial, _ := strings.Cut(arg, " ")

	var err error
	switch strings.ToUpper(mechanism) {
	case "PLAIN":
		err = s.authPlain(initial)
	case "LOGIN":
		err = s.authLogin()
	default:
		s.reply(504, "5.5.4", "Unrecognized authentication type")
		return
	}

	switch {
	case errors.Is(err, errAuthCancelled):
		s.reply(501, "5.0.0", "Authentication cancelled")
	case errors.Is(err, ErrAuthMalformed):
		s.reply(501, "5.5.2", "Cannot decode response")
	case err != nil:
		s.log.Warn("authentication failed", "mechanism", mechanism, "error", err)
		s.reply(535, "5.7.8", "Authentication failed")
	default:
		s.state = stateAuthOK
		s.reply(235, "2.7.0", "Authentication successful")
	}
}

var errAuthCancelled = errors.New("authentication cancelled")

// challenge sends a 334 prompt and returns the client's answer.
func (s *Session) challenge(prompt string) (string, error) {
	s.reply(334, "", "%s", prompt)
	line, err := s.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	answer := strings.TrimRight(line, "\r\n")
	if answer == "*" {
		return "", errAuthCancelled
	}
	return answer, nil
}

func (s *Session) authPlain(initial string) error {
	if initial == "" {
		var err error
		if initial, err = s.challenge(""); err != nil {
			return err
		}
	}
	return s.auth.VerifyPlain(initial)
}

func (s *Session) authLogin() error {
	// base64 "Username:" and "Password:"
	user, err := s.challenge("VXNlcm5hbWU6")
	if err != nil {
		return err
	}
	pass, err := s.challenge("UGFzc3dvcmQ6")
	if err != nil {
		return err
	}
	return s.auth.VerifyLogin(user, pass)
}

func (s *Session) mail(arg string) {
	switch {
	case s.state < stateGreeted:
		s.reply(503, "5.5.1", "Send EHLO/HELO first")
		return
	case s.auth.Enabled() && s.state < stateAuthOK:
		s.reply(530, "5.7.0", "Authentication required")
		return
	case s.state >= stateMailFrom:
		s.reply(503, "5.5.1", "Nested MAIL command")
		return
	}

	path, ok := cutPrefixFold(arg, "FROM:")
	if !ok {
		s.reply(501, "5.5.4", "Syntax: MAIL FROM:<address>")
		return
	}
	addr, params := splitPath(path)
	if addr == "" && !strings.Contains(path, "<>") {
		s.reply(501, "5.5.4", "Syntax: MAIL FROM:<address>")
		return
	}
	if size, ok := params["SIZE"]; ok {
		n, err := strconv.ParseInt(size, 10, 64)
		if err != nil {
			s.reply(501, "5.5.4", "Invalid SIZE parameter")
			return
		}
		if n > s.cfg.MaxMessageSize {
			s.reply(552, "5.3.4", "Message size exceeds fixed maximum message size")
			return
		}
	}

	s.mailFrom = addr
	s.rcptTo = nil
	s.state = stateMailFrom
	s.reply(250, "2.1.0", "OK")
}

func (s *Session) rcpt(arg string) {
	if s.state < stateMailFrom {
		s.reply(503, "5.5.1", "Send MAIL FROM first")
		return
	}

	path, ok := cutPrefixFold(arg, "TO:")
	if !ok {
		s.reply(501, "5.5.4", "Syntax: RCPT TO:<address>")
		return
	}
	addr, _ := splitPath(path)
	switch {
	case addr == "":
		s.reply(501, "5.5.4", "Syntax: RCPT TO:<address>")
		return
	case !s.cfg.accepts(addr):
		s.log.Info("rejected recipient", "rcpt", addr)
		s.reply(550, "5.7.1", "Relaying denied")
		return
	case len(s.rcptTo) >= s.cfg.MaxRecipients:
		s.reply(452, "4.5.3", "Too many recipients")
		return
	}

	s.rcptTo = append(s.rcptTo, addr)
	s.state = stateRcptTo
	s.reply(250, "2.1.5", "OK")
}

// data reads the message, normalizes it into a record and hands the record
// to the configured processor.
func (s *Session) data(ctx context.Context) {
	if s.state < stateRcptTo {
		s.reply(503, "5.5.1", "Send RCPT TO first")
		return
	}
	defer s.resetTransaction()

	s.reply(354, "", "Start mail input; end with <CRLF>.<CRLF>")

	raw, size, err := s.readData()
	if err != nil {
		s.log.Error("error reading DATA", "error", err)
		return
	}
	if size > s.cfg.MaxMessageSize {
		s.log.Warn("message exceeds size limit", "size", size, "limit", s.cfg.MaxMessageSize)
		s.reply(552, "5.3.4", "Message size exceeds fixed maximum message size")
		return
	}

	s.deliver(ctx, raw)
}

// readData reads up to the terminating dot line, undoing dot-stuffing.
// Content past the size limit is read and discarded; the returned size is
// the full payload size.
func (s *Session) readData() ([]byte, int64, error) {
	var (
		buf  []byte
		size int64
	)
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			return nil, 0, err
		}

		if strings.TrimRight(line, "\r\n") == "." {
			return buf, size, nil
		}
		if strings.HasPrefix(line, "..") {
			line = line[1:]
		}

		size += int64(len(line))
		if size <= s.cfg.MaxMessageSize {
			buf = append(buf, line...)
		}
	}
}

// deliver turns one message into a record and reports the outcome to the
// client. Missing From or To headers fall back to the envelope.
func (s *Session) deliver(ctx context.Context, raw []byte) {
	msg, err := parser.Parse(raw)
	if err != nil {
		s.log.Error("failed to parse message", "error", err)
		s.reply(550, "5.6.0", "Message could not be parsed")
		return
	}

	params := msg.Params()
	if msg.From == "" {
		params[email.FieldFrom] = s.mailFrom
	}
	if msg.To == "" && len(s.rcptTo) > 0 {
		params[email.FieldTo] = s.rcptTo[0]
	}

	rec := email.New(params, s.cfg.Records)
	log := s.log.With("record_id", rec.ID.String(), "message_id", msg.MessageID)

	_, err = rec.Process(ctx)
	switch {
	case errors.Is(err, email.ErrBodyNotFound):
		log.Warn("message has no body", "error", err)
		s.reply(550, "5.6.0", "Message has no text or HTML body")
	case err != nil:
		log.Error("record processing failed", "error", err)
		s.reply(451, "4.3.0", "Temporary failure, please try again later")
	default:
		log.Info("reply processed",
			"format", rec.Format,
			"rule", rec.Rule,
			"to", rec.To().String(),
			"attachments", len(msg.Attachments),
		)
		s.reply(250, "2.0.0", "OK record %s", rec.ID)
	}
}

// resetTransaction clears the mail transaction, keeping greeting and auth.
func (s *Session) resetTransaction() {
	s.mailFrom = ""
	s.rcptTo = nil

	switch {
	case s.state < stateGreeted:
	case s.auth.Enabled() && s.state >= stateAuthOK:
		s.state = stateAuthOK
	default:
		s.state = stateGreeted
	}
}

// reply writes a single-line response. status is the RFC 3463 enhanced
// code and may be empty.
func (s *Session) reply(code int, status, format string, args ...any) {
	text := fmt.Sprintf(format, args...)
	if status != "" {
		text = status + " " + text
	}
	s.write(fmt.Sprintf("%d %s", code, text))
}

// replyLines writes a multi-line response.
func (s *Session) replyLines(code int, lines []string) {
	for i, l := range lines {
		sep := "-"
		if i == len(lines)-1 {
			sep = " "
		}
		s.write(fmt.Sprintf("%d%s%s", code, sep, l))
	}
}

func (s *Session) write(line string) {
	if _, err := s.writer.WriteString(line + "\r\n"); err != nil {
		s.log.Error("failed to write to client", "error", err)
		return
	}
	if err := s.writer.Flush(); err != nil {
		s.log.Error("failed to flush to client", "error", err)
	}
}

// parseCommand splits an SMTP command line into the command verb and its argument.
func parseCommand(line string) (string, string) {
	cmd, arg, _ := strings.Cut(line, " ")
	return strings.ToUpper(cmd), arg
}

// cutPrefixFold is strings.CutPrefix with ASCII case folding.
func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || !strings.EqualFold(s[:len(prefix)], prefix) {
		return s, false
	}
	return s[len(prefix):], true
}

// splitPath separates a MAIL/RCPT path from its ESMTP parameters. Both the
// bracketed and bare forms are accepted. Parameter keys are upper-cased.
func splitPath(s string) (string, map[string]string) {
	s = strings.TrimSpace(s)

	var addr, rest string
	if strings.HasPrefix(s, "<") {
		end := strings.IndexByte(s, '>')
		if end < 0 {
			return "", nil
		}
		addr, rest = s[1:end], s[end+1:]
	} else {
		addr, rest, _ = strings.Cut(s, " ")
	}

	params := map[string]string{}
	for _, f := range strings.Fields(rest) {
		k, v, _ := strings.Cut(f, "=")
		params[strings.ToUpper(k)] = v
	}
	return strings.TrimSpace(addr), params
}
