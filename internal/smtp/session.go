package smtp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/shineum/ghostmail/internal/email"
	"github.com/shineum/ghostmail/internal/metrics"
	"github.com/shineum/ghostmail/internal/notify"
	"github.com/shineum/ghostmail/internal/parser"
)

// Session states for the SMTP state machine.
const (
	stateConnected = iota
	stateGreeted
	stateAuthenticated
	stateMail
	stateRcpt
)

// DefaultIdleTimeout bounds every read from the client.
const DefaultIdleTimeout = 5 * time.Minute

// errQuit ends the session after a QUIT reply.
var errQuit = errors.New("client quit")

// MessageStore persists committed messages.
type MessageStore interface {
	Append(ctx context.Context, msg *email.Message) error
}

// envelope is the sender and recipients of the transaction in progress.
type envelope struct {
	from string
	to   []string
}

// Session represents a single SMTP client connection and manages the
// SMTP protocol state machine.
type Session struct {
	conn     net.Conn
	reader   *bufio.Reader
	writer   *bufio.Writer
	state    int
	identity Identity
	env      *envelope

	auth        *Authenticator
	store       MessageStore
	notifier    notify.Notifier
	domain      string
	idleTimeout time.Duration
}

// NewSession creates a new SMTP session for the given connection.
func NewSession(conn net.Conn, cfg Config) *Session {
	cfg = cfg.withDefaults()
	return &Session{
		conn:        conn,
		reader:      bufio.NewReader(conn),
		writer:      bufio.NewWriter(conn),
		state:       stateConnected,
		auth:        cfg.Auth,
		store:       cfg.Store,
		notifier:    cfg.Notifier,
		domain:      cfg.Domain,
		idleTimeout: cfg.IdleTimeout,
	}
}

// Handle runs the SMTP session, processing commands until the client
// disconnects, quits, stays idle too long or ctx is cancelled.
func (s *Session) Handle(ctx context.Context) {
	defer s.conn.Close()

	remote := s.conn.RemoteAddr().String()
	slog.Debug("session started", "remote", remote)
	defer slog.Debug("session ended", "remote", remote)

	s.writeLine("220 %s ESMTP ghostmail", s.domain)

	for {
		if ctx.Err() != nil {
			s.writeLine("421 %s Service shutting down", s.domain)
			return
		}

		line, err := s.readLine()
		if err != nil {
			s.endOnError(err, remote)
			return
		}
		if line == "" {
			continue
		}

		cmd, arg := parseCommand(line)
		if err := s.handleCommand(ctx, cmd, arg); err != nil {
			if !errors.Is(err, errQuit) {
				s.endOnError(err, remote)
			}
			return
		}
	}
}

// endOnError reports why the connection is being dropped. An idle timeout
// gets a 421 reply; other failures mean the client is gone.
func (s *Session) endOnError(err error, remote string) {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		slog.Info("closing idle session", "remote", remote)
		s.writeLine("421 %s Idle timeout, closing connection", s.domain)
		return
	}
	if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
		slog.Debug("connection read error", "remote", remote, "error", err)
	}
}

// handleCommand processes a single SMTP command. A non-nil error ends the
// session.
func (s *Session) handleCommand(ctx context.Context, cmd, arg string) error {
	switch cmd {
	case "EHLO", "HELO":
		s.handleEHLO(cmd, arg)
	case "STARTTLS":
		s.writeLine("502 STARTTLS not supported")
	case "AUTH":
		return s.handleAUTH(arg)
	case "MAIL":
		s.handleMAIL(arg)
	case "RCPT":
		s.handleRCPT(arg)
	case "DATA":
		return s.handleDATA(ctx)
	case "RSET":
		s.resetEnvelope()
		s.writeLine("250 OK")
	case "NOOP":
		s.writeLine("250 OK")
	case "VRFY":
		s.writeLine("252 Cannot VRFY user, but will accept message")
	case "QUIT":
		s.writeLine("221 %s Bye", s.domain)
		return errQuit
	default:
		s.writeLine("500 Unrecognized command")
	}
	return nil
}

// handleEHLO processes EHLO/HELO commands. A repeated greeting aborts the
// open transaction but keeps the session authenticated.
func (s *Session) handleEHLO(cmd, arg string) {
	if arg == "" {
		s.writeLine("501 Syntax: %s hostname", cmd)
		return
	}

	s.resetEnvelope()
	if s.state == stateConnected {
		s.state = stateGreeted
	}

	if cmd == "HELO" {
		s.writeLine("250 %s Hello %s", s.domain, arg)
		return
	}

	s.writeLine("250-%s Hello %s", s.domain, arg)
	s.writeLine("250-PIPELINING")
	s.writeLine("250-8BITMIME")
	s.writeLine("250 AUTH %s", strings.Join(s.auth.Mechanisms(), " "))
}

// handleAUTH drives a SASL exchange. Only a lost connection ends the session.
func (s *Session) handleAUTH(arg string) error {
	if s.state < stateGreeted {
		s.writeLine("503 Send EHLO/HELO first")
		return nil
	}
	if s.state >= stateAuthenticated {
		s.writeLine("503 Already authenticated")
		return nil
	}

	mechanism, initial, _ := strings.Cut(strings.TrimSpace(arg), " ")
	mechanism = strings.ToUpper(mechanism)

	var granted *Identity
	server := s.auth.SASLServer(mechanism, func(id Identity) { granted = &id })
	if server == nil {
		metrics.AuthInc(mechanism, "badmech")
		s.writeLine("504 Unrecognized authentication type")
		return nil
	}

	var response []byte
	if initial = strings.TrimSpace(initial); initial != "" {
		if initial == "*" {
			metrics.AuthInc(mechanism, "aborted")
			s.writeLine("501 Authentication cancelled")
			return nil
		}
		decoded, err := decodeSASL(initial)
		if err != nil {
			metrics.AuthInc(mechanism, "aborted")
			s.writeLine("501 Invalid base64 data")
			return nil
		}
		response = decoded
	}

	for {
		challenge, done, err := server.Next(response)
		if err != nil {
			if errors.Is(err, ErrInvalidCredentials) {
				slog.Info("authentication failed", "remote", s.conn.RemoteAddr().String(), "mechanism", mechanism)
				metrics.AuthInc(mechanism, "badcreds")
				s.writeLine("535 Authentication credentials invalid")
			} else {
				metrics.AuthInc(mechanism, "aborted")
				s.writeLine("501 Malformed authentication response")
			}
			return nil
		}
		if done {
			break
		}

		s.writeLine("334 %s", base64.StdEncoding.EncodeToString(challenge))
		line, err := s.readLine()
		if err != nil {
			return err
		}
		if line == "*" {
			metrics.AuthInc(mechanism, "aborted")
			s.writeLine("501 Authentication cancelled")
			return nil
		}
		if response, err = decodeSASL(line); err != nil {
			metrics.AuthInc(mechanism, "aborted")
			s.writeLine("501 Invalid base64 data")
			return nil
		}
	}

	if granted == nil {
		// A SASL server that finishes without calling the authenticator.
		s.writeLine("535 Authentication credentials invalid")
		return nil
	}

	s.identity = *granted
	s.state = stateAuthenticated
	metrics.AuthInc(mechanism, "ok")
	s.writeLine("235 Authentication successful")
	return nil
}

// decodeSASL decodes a base64 client response. A lone "=" is an empty
// response.
func decodeSASL(s string) ([]byte, error) {
	if s == "=" {
		return []byte{}, nil
	}
	return base64.StdEncoding.DecodeString(s)
}

// handleMAIL processes the MAIL FROM command. It opens a new envelope and
// discards any uncommitted one.
func (s *Session) handleMAIL(arg string) {
	if s.state < stateAuthenticated {
		s.writeLine("530 Authentication required")
		return
	}

	if !strings.HasPrefix(strings.ToUpper(arg), "FROM:") {
		s.writeLine("501 Syntax: MAIL FROM:<address>")
		return
	}

	s.env = &envelope{from: extractAddress(arg[5:])}
	s.state = stateMail
	s.writeLine("250 OK")
}

// handleRCPT processes the RCPT TO command.
func (s *Session) handleRCPT(arg string) {
	if s.state < stateAuthenticated {
		s.writeLine("530 Authentication required")
		return
	}
	if s.state < stateMail {
		s.writeLine("503 Send MAIL FROM first")
		return
	}

	if !strings.HasPrefix(strings.ToUpper(arg), "TO:") {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}

	addr := extractAddress(arg[3:])
	if addr == "" {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}

	s.env.to = append(s.env.to, addr)
	s.state = stateRcpt
	s.writeLine("250 OK")
}

// handleDATA receives the message, decodes it and commits it to the store.
// A read failure during the transfer aborts the transaction and ends the
// session.
func (s *Session) handleDATA(ctx context.Context) error {
	if s.state < stateAuthenticated {
		s.writeLine("530 Authentication required")
		return nil
	}
	if s.state < stateMail {
		s.writeLine("503 Send MAIL FROM first")
		return nil
	}
	if len(s.env.to) == 0 {
		metrics.DeliveryInc(metrics.DeliveryRejected)
		s.writeLine("554 No valid recipients")
		return nil
	}

	s.writeLine("354 Start mail input; end with <CRLF>.<CRLF>")

	raw, err := s.readData()
	if err != nil {
		slog.Warn("DATA transfer aborted", "remote", s.conn.RemoteAddr().String(), "error", err)
		s.resetEnvelope()
		return err
	}

	env := s.env
	s.resetEnvelope()

	draft, err := parser.Parse(raw, time.Now())
	if err != nil {
		slog.Warn("failed to decode message", "remote", s.conn.RemoteAddr().String(), "error", err)
		metrics.DeliveryInc(metrics.DeliveryDecodeError)
		s.writeLine("451 Requested action aborted: message could not be decoded")
		return nil
	}
	draft.EnvelopeFrom = env.from
	draft.To = env.to

	msg := email.New(*draft)
	if err := s.store.Append(ctx, msg); err != nil {
		slog.Error("failed to store message", "id", msg.ID, "error", err)
		metrics.DeliveryInc(metrics.DeliveryStoreError)
		s.writeLine("451 Requested action aborted: local error in processing")
		return nil
	}

	slog.Info("message captured",
		"id", msg.ID,
		"from", msg.From,
		"to", msg.To,
		"subject", msg.Subject,
		"user", s.identity.Username,
	)
	metrics.DeliveryInc(metrics.DeliveryStored)
	s.writeLine("250 OK: queued as %s", msg.ID)

	if s.notifier != nil {
		if err := s.notifier.Notify(ctx, msg); err != nil {
			slog.Warn("notification failed", "notifier", s.notifier.Name(), "id", msg.ID, "error", err)
		}
	}
	return nil
}

// readData reads the message up to the terminating "." line and undoes
// dot-stuffing. Line endings are kept as sent.
func (s *Session) readData() ([]byte, error) {
	var buf bytes.Buffer
	for {
		if err := s.conn.SetReadDeadline(time.Now().Add(s.idleTimeout)); err != nil {
			return nil, err
		}
		line, err := s.reader.ReadString('\n')
		if err != nil {
			return nil, err
		}

		if strings.TrimRight(line, "\r\n") == "." {
			return buf.Bytes(), nil
		}
		if strings.HasPrefix(line, ".") {
			line = line[1:]
		}
		buf.WriteString(line)
	}
}

// resetEnvelope discards the open transaction without affecting the
// greeting or authentication.
func (s *Session) resetEnvelope() {
	s.env = nil
	if s.state > stateAuthenticated {
		s.state = stateAuthenticated
	}
}

// readLine reads one command line, bounded by the idle timeout.
func (s *Session) readLine() (string, error) {
	if err := s.conn.SetReadDeadline(time.Now().Add(s.idleTimeout)); err != nil {
		return "", err
	}
	line, err := s.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// writeLine writes a formatted line to the client, followed by \r\n.
func (s *Session) writeLine(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	if _, err := s.writer.WriteString(line + "\r\n"); err != nil {
		slog.Debug("failed to write to client", "error", err)
		return
	}
	if err := s.writer.Flush(); err != nil {
		slog.Debug("failed to flush to client", "error", err)
	}
}

// parseCommand splits an SMTP command line into the command verb and its argument.
func parseCommand(line string) (string, string) {
	parts := strings.SplitN(line, " ", 2)
	cmd := strings.ToUpper(parts[0])
	arg := ""
	if len(parts) > 1 {
		arg = strings.TrimSpace(parts[1])
	}
	return cmd, arg
}

// extractAddress extracts the path from a MAIL or RCPT argument. Angle
// brackets are stripped and ESMTP parameters after the path are dropped.
// The address itself is not validated.
func extractAddress(s string) string {
	s = strings.TrimSpace(s)

	if strings.HasPrefix(s, "<") {
		if end := strings.Index(s, ">"); end >= 0 {
			return strings.TrimSpace(s[1:end])
		}
		s = s[1:]
	}

	if fields := strings.Fields(s); len(fields) > 0 {
		return fields[0]
	}
	return ""
}
