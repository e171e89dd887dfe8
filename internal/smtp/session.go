package smtp

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"

	"github.com/maillaser/maillaser/internal/email"
	"github.com/maillaser/maillaser/internal/parser"
)

// Session states for the SMTP state machine. The greeting moves a fresh
// connection straight to stateGreeted; stateInitial is re-entered after a
// STARTTLS handshake, when the client must greet again.
type sessionState int

const (
	stateInitial sessionState = iota
	stateGreeted
	stateMailFrom
	stateRcptTo
	stateData
)

// maxLineLength caps a single command or body line.
const maxLineLength = 8 * 1024

// maxDataSize caps the accumulated DATA payload (25 MiB). A var so tests
// can exercise the overflow path without shipping megabytes.
var maxDataSize = 25 * 1024 * 1024

var errLineTooLong = errors.New("line exceeds maximum length")

// Forwarder accepts extracted messages for asynchronous delivery. The
// session never waits on the result; acknowledgement to the SMTP client is
// decoupled from webhook health.
type Forwarder interface {
	Enqueue(p *email.Payload)
}

// Session drives a single client connection from greeting to termination.
type Session struct {
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	state  sessionState
	id     string

	targets        []string
	headerPrefixes []string
	forwarder      Forwarder
	tlsConfig      *tls.Config
	tlsActive      bool

	// Current transaction
	sender    string
	recipient string
	data      bytes.Buffer
}

// NewSession creates a session for an accepted connection. id is a unique
// identifier carried on every log line for the connection.
func NewSession(conn net.Conn, id string, cfg ServerConfig) *Session {
	return &Session{
		conn:           conn,
		reader:         bufio.NewReaderSize(conn, maxLineLength),
		writer:         bufio.NewWriter(conn),
		state:          stateInitial,
		id:             id,
		targets:        cfg.Targets,
		headerPrefixes: cfg.HeaderPrefixes,
		forwarder:      cfg.Forwarder,
		tlsConfig:      cfg.TLSConfig,
	}
}

// Handle runs the session until the client quits, the connection breaks, or
// the context is cancelled. Cancellation is observed between lines so an
// in-flight command always gets its response.
func (s *Session) Handle(ctx context.Context) {
	defer s.conn.Close()

	s.writeLine("220 MailLaser SMTP Server Ready")
	s.state = stateGreeted

	for {
		select {
		case <-ctx.Done():
			s.writeLine("421 Service shutting down")
			return
		default:
		}

		line, err := s.readLine()
		if err != nil {
			if errors.Is(err, errLineTooLong) {
				s.writeLine("500 Line too long")
				return
			}
			if err != io.EOF {
				slog.Warn("connection read error", "session", s.id, "error", err)
			}
			return
		}

		if s.state == stateData {
			s.handleDataLine(line)
			continue
		}

		if line == "" {
			continue
		}

		cmd, arg := parseCommand(line)
		if done := s.handleCommand(cmd, arg); done {
			return
		}
	}
}

// handleCommand processes one command outside the DATA phase and reports
// whether the session should end.
func (s *Session) handleCommand(cmd, arg string) bool {
	switch cmd {
	case "EHLO":
		s.handleEHLO(arg)
	case "HELO":
		s.handleHELO()
	case "STARTTLS":
		return s.handleSTARTTLS()
	case "MAIL":
		s.handleMAIL(arg)
	case "RCPT":
		s.handleRCPT(arg)
	case "DATA":
		s.handleDATA()
	case "RSET":
		s.resetTransaction()
		s.state = stateGreeted
		s.writeLine("250 OK")
	case "NOOP":
		s.writeLine("250 OK")
	case "QUIT":
		s.writeLine("221 Bye")
		return true
	default:
		s.writeLine("502 Command not implemented")
	}
	return false
}

// handleEHLO greets the client and advertises STARTTLS while the connection
// is still plaintext.
func (s *Session) handleEHLO(arg string) {
	if s.state != stateInitial && s.state != stateGreeted {
		s.writeLine("503 Bad sequence of commands")
		return
	}
	domain := arg
	if domain == "" {
		domain = "client"
	}
	if s.tlsConfig != nil && !s.tlsActive {
		s.writeLine("250-MailLaser greets %s", domain)
		s.writeLine("250 STARTTLS")
	} else {
		s.writeLine("250 MailLaser greets %s", domain)
	}
	s.state = stateGreeted
}

func (s *Session) handleHELO() {
	if s.state != stateInitial && s.state != stateGreeted {
		s.writeLine("503 Bad sequence of commands")
		return
	}
	s.writeLine("250 MailLaser")
	s.state = stateGreeted
}

// handleSTARTTLS upgrades the connection. After a successful handshake the
// session forgets its greeting; the client must re-issue EHLO. A handshake
// failure ends the session.
func (s *Session) handleSTARTTLS() bool {
	if s.tlsActive {
		s.writeLine("503 STARTTLS already active")
		return false
	}
	if s.state != stateGreeted {
		s.writeLine("503 Bad sequence of commands")
		return false
	}
	if s.tlsConfig == nil {
		s.writeLine("454 TLS not available")
		return false
	}

	s.writeLine("220 Go ahead")

	tlsConn := tls.Server(s.conn, s.tlsConfig)
	if err := tlsConn.Handshake(); err != nil {
		slog.Warn("tls handshake failed", "session", s.id, "error", err)
		return true
	}

	s.conn = tlsConn
	s.reader = bufio.NewReaderSize(tlsConn, maxLineLength)
	s.writer = bufio.NewWriter(tlsConn)
	s.tlsActive = true
	s.state = stateInitial
	s.resetTransaction()
	slog.Debug("connection upgraded to tls", "session", s.id)
	return false
}

// handleMAIL records the reverse path. The null reverse path MAIL FROM:<>
// is accepted and stored as the empty string.
func (s *Session) handleMAIL(arg string) {
	if s.state != stateGreeted {
		s.writeLine("503 Bad sequence of commands")
		return
	}
	rest, ok := cutPrefixFold(arg, "FROM:")
	if !ok {
		s.writeLine("501 Syntax error in MAIL FROM parameters")
		return
	}
	addr, ok := extractAddress(rest)
	if !ok {
		s.writeLine("501 Syntax error in MAIL FROM parameters")
		return
	}
	s.sender = addr
	s.recipient = ""
	s.data.Reset()
	s.state = stateMailFrom
	s.writeLine("250 OK")
}

// handleRCPT matches the forward path against the allow-list. The first
// match is kept; later matches still reply 250 but do not replace it. A
// non-matching address clears the stored recipient and leaves the protocol
// state as it was.
func (s *Session) handleRCPT(arg string) {
	if s.state != stateMailFrom && s.state != stateRcptTo {
		s.writeLine("503 Bad sequence of commands")
		return
	}
	rest, ok := cutPrefixFold(arg, "TO:")
	if !ok {
		s.writeLine("501 Syntax error in RCPT TO parameters")
		return
	}
	addr, ok := extractAddress(rest)
	if !ok || addr == "" {
		s.writeLine("501 Syntax error in RCPT TO parameters")
		return
	}

	target, matched := s.matchTarget(addr)
	if !matched {
		slog.Debug("recipient rejected", "session", s.id, "recipient", addr)
		s.recipient = ""
		s.writeLine("550 No such user here")
		return
	}
	if s.recipient == "" {
		s.recipient = target
	}
	s.state = stateRcptTo
	s.writeLine("250 OK")
}

// matchTarget compares addr against the allow-list under ASCII case folding
// and returns the configured entry so the payload preserves its case.
func (s *Session) matchTarget(addr string) (string, bool) {
	for _, target := range s.targets {
		if strings.EqualFold(addr, target) {
			return target, true
		}
	}
	return "", false
}

func (s *Session) handleDATA() {
	if s.state != stateRcptTo || s.recipient == "" {
		s.writeLine("503 Bad sequence of commands")
		return
	}
	s.data.Reset()
	s.state = stateData
	s.writeLine("354 Start mail input; end with <CRLF>.<CRLF>")
}

// handleDataLine accumulates one body line or, on the lone-dot terminator,
// finishes the transaction. In the DATA phase every line except the
// terminator is content, including lines that look like commands.
func (s *Session) handleDataLine(line string) {
	if line == "." {
		s.finishData()
		return
	}
	// Dot-unstuffing: a leading dot was added by the client for lines
	// starting with one.
	line = strings.TrimPrefix(line, ".")

	if s.data.Len()+len(line)+2 > maxDataSize {
		slog.Warn("message too large", "session", s.id, "sender", s.sender)
		s.writeLine("552 Message too large")
		s.resetTransaction()
		s.state = stateGreeted
		return
	}
	s.data.WriteString(line)
	s.data.WriteString("\r\n")
}

// finishData extracts the payload, hands it to the forwarder without
// waiting, and acknowledges the message. The same connection may then start
// another transaction.
func (s *Session) finishData() {
	payload, err := parser.Extract(s.data.Bytes(), s.sender, s.recipient, s.headerPrefixes)
	if err != nil {
		// Unreachable today: Extract falls back to a plain-text read on
		// malformed MIME instead of failing. Kept so an extractor that can
		// fail surfaces as 451 rather than a dropped message.
		slog.Warn("extraction failed", "session", s.id, "sender", s.sender, "error", err)
		s.writeLine("451 Local error in processing")
		s.resetTransaction()
		s.state = stateGreeted
		return
	}

	slog.Info("message accepted",
		"session", s.id,
		"sender", payload.Sender,
		"recipient", payload.Recipient,
		"subject", payload.Subject,
	)
	s.forwarder.Enqueue(payload)

	s.writeLine("250 OK: Message accepted for delivery")
	s.resetTransaction()
	s.state = stateGreeted
}

// resetTransaction clears the envelope and accumulator without touching the
// protocol state.
func (s *Session) resetTransaction() {
	s.sender = ""
	s.recipient = ""
	s.data.Reset()
}

// readLine reads one CRLF-terminated line, enforcing maxLineLength. The
// reader's buffer is the cap: a line that overflows it is a protocol
// violation, not a resize trigger.
func (s *Session) readLine() (string, error) {
	raw, err := s.reader.ReadSlice('\n')
	if err != nil {
		if errors.Is(err, bufio.ErrBufferFull) {
			return "", errLineTooLong
		}
		if len(raw) == 0 && err == io.EOF {
			return "", io.EOF
		}
		if err != io.EOF {
			return "", err
		}
	}
	return strings.TrimRight(string(raw), "\r\n"), nil
}

// writeLine writes a formatted response line followed by CRLF and flushes.
func (s *Session) writeLine(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	if _, err := s.writer.WriteString(line + "\r\n"); err != nil {
		slog.Warn("failed to write to client", "session", s.id, "error", err)
		return
	}
	if err := s.writer.Flush(); err != nil {
		slog.Warn("failed to flush to client", "session", s.id, "error", err)
	}
}

// parseCommand splits a command line into the uppercased verb and its
// argument.
func parseCommand(line string) (string, string) {
	parts := strings.SplitN(line, " ", 2)
	cmd := strings.ToUpper(parts[0])
	arg := ""
	if len(parts) > 1 {
		arg = strings.TrimSpace(parts[1])
	}
	return cmd, arg
}

// cutPrefixFold removes a case-insensitive prefix, reporting whether it was
// present.
func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || !strings.EqualFold(s[:len(prefix)], prefix) {
		return s, false
	}
	return s[len(prefix):], true
}

// extractAddress pulls the address out of a MAIL FROM / RCPT TO argument.
// The address is the substring between the first '<' and the last '>'; with
// no angle brackets the whole trimmed argument is used. The second return is
// false only for malformed bracket syntax or a bare empty argument; an empty
// address inside brackets (the null reverse path) is valid.
func extractAddress(arg string) (string, bool) {
	arg = strings.TrimSpace(arg)

	start := strings.Index(arg, "<")
	end := strings.LastIndex(arg, ">")
	if start >= 0 || end >= 0 {
		if start < 0 || end < 0 || end < start {
			return "", false
		}
		return strings.TrimSpace(arg[start+1 : end]), true
	}

	if arg == "" {
		return "", false
	}
	return arg, true
}
