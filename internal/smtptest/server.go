// Package smtptest runs an in-process SMTP server for exercising mail senders.
// It speaks enough ESMTP for real clients: EHLO, STARTTLS or implicit TLS,
// AUTH PLAIN/LOGIN, MAIL, RCPT, DATA, RSET, NOOP and QUIT. Accepted messages
// are recorded, and the first deliveries can be rejected with a transient
// error to drive retry logic.
package smtptest

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shineum/smtp-send-lite/internal/email"
	"github.com/shineum/smtp-send-lite/internal/parser"
	sendtls "github.com/shineum/smtp-send-lite/internal/tls"
)

const shutdownTimeout = 5 * time.Second

// Config controls the behaviour of a test server.
type Config struct {
	// Hostname is used in the greeting and EHLO response.
	Hostname string

	// Username and Password enable SMTP AUTH. Leave both empty to accept
	// unauthenticated mail.
	Username string
	Password string

	// AuthMechanisms lists the advertised AUTH mechanisms. Only PLAIN and
	// LOGIN are implemented. Defaults to both.
	AuthMechanisms []string

	// STARTTLS advertises the STARTTLS extension.
	STARTTLS bool

	// ImplicitTLS wraps every connection in TLS from the first byte.
	ImplicitTLS bool

	// CertFile and KeyFile hold the TLS key pair. When either is empty a
	// self-signed certificate for localhost and 127.0.0.1 is generated.
	CertFile string
	KeyFile  string

	// FailDeliveries rejects the first n DATA transactions with 451.
	FailDeliveries int
}

// Message is a mail transaction accepted by the server.
type Message struct {
	From  string
	To    []string
	Data  []byte
	Email *email.Email
}

// Server is a running test SMTP server listening on 127.0.0.1.
type Server struct {
	config   Config
	creds    credentials
	cert     *tls.Certificate
	tlsCfg   *tls.Config
	listener net.Listener

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	attempts int
	messages []Message
}

// NewServer starts a server on an ephemeral loopback port. The caller must
// call Close.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}

	s := &Server{
		config: cfg,
		creds:  credentials{username: cfg.Username, password: cfg.Password},
		conns:  make(map[net.Conn]struct{}),
	}

	if cfg.STARTTLS || cfg.ImplicitTLS {
		tlsCfg, err := sendtls.ServerConfig(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, err
		}
		s.tlsCfg = tlsCfg
		s.cert = &tlsCfg.Certificates[0]
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}
	if cfg.ImplicitTLS {
		ln = tls.NewListener(ln, s.tlsCfg)
	}
	s.listener = ln

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.serve(ctx)
	}()

	return s, nil
}

func (s *Server) serve(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Debug("smtptest accept error", "error", err)
			continue
		}

		s.track(conn, true)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.track(conn, false)
			sess := newSession(conn, s)
			sess.handle(ctx)
		}()
	}
}

func (s *Server) track(conn net.Conn, open bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if open {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

// Close stops accepting connections, drops clients that are still connected
// and waits briefly for their sessions to end.
func (s *Server) Close() {
	s.cancel()
	_ = s.listener.Close()

	s.mu.Lock()
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		slog.Warn("smtptest shutdown timeout reached")
	}
}

// Addr returns host:port of the listener.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Host returns the listening IP.
func (s *Server) Host() string {
	host, _, _ := net.SplitHostPort(s.Addr())
	return host
}

// Port returns the listening port.
func (s *Server) Port() int {
	_, port, _ := net.SplitHostPort(s.Addr())
	n, _ := strconv.Atoi(port)
	return n
}

// Certificate returns the server certificate, or nil when TLS is disabled.
func (s *Server) Certificate() *tls.Certificate {
	return s.cert
}

// RootCAs returns a pool that trusts the server certificate.
func (s *Server) RootCAs() *x509.CertPool {
	if s.cert == nil {
		return nil
	}
	pool, err := sendtls.CertPool(s.cert)
	if err != nil {
		return nil
	}
	return pool
}

// mechanisms returns the AUTH mechanisms to advertise, upper-cased.
func (s *Server) mechanisms() []string {
	if len(s.config.AuthMechanisms) == 0 {
		return []string{"PLAIN", "LOGIN"}
	}
	out := make([]string, 0, len(s.config.AuthMechanisms))
	for _, m := range s.config.AuthMechanisms {
		out = append(out, strings.ToUpper(m))
	}
	return out
}

// Attempts returns the number of DATA transactions received, including
// rejected ones.
func (s *Server) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Messages returns the accepted messages in arrival order.
func (s *Server) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// deliver records a completed DATA transaction. It returns an error for the
// transactions configured to fail.
func (s *Server) deliver(from string, to []string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.attempts++
	if s.attempts <= s.config.FailDeliveries {
		return fmt.Errorf("injected failure %d of %d", s.attempts, s.config.FailDeliveries)
	}

	parsed, err := parser.Parse(data)
	if err != nil {
		slog.Warn("smtptest could not parse message", "error", err)
	}
	s.messages = append(s.messages, Message{
		From:  from,
		To:    append([]string(nil), to...),
		Data:  data,
		Email: parsed,
	})
	return nil
}
