package smtptest

import (
	"bufio"
	"crypto/tls"
	"net"
	"net/smtp"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	sendtls "github.com/shineum/smtp-send-lite/internal/tls"
)

func startServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	t.Cleanup(srv.Close)
	return srv
}

type client struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
}

func dial(t *testing.T, srv *Server) *client {
	t.Helper()
	conn, err := net.DialTimeout("tcp", srv.Addr(), 5*time.Second)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))
	c := &client{t: t, conn: conn, reader: bufio.NewReader(conn)}
	if greeting := c.readLine(); !strings.HasPrefix(greeting, "220 ") {
		t.Fatalf("greeting: got %q, want 220", greeting)
	}
	return c
}

func (c *client) readLine() string {
	c.t.Helper()
	line, err := c.reader.ReadString('\n')
	if err != nil {
		c.t.Fatalf("failed to read line: %v", err)
	}
	return strings.TrimRight(line, "\r\n")
}

// cmd sends a command and returns the final line of the reply.
func (c *client) cmd(line string) string {
	c.t.Helper()
	if _, err := c.conn.Write([]byte(line + "\r\n")); err != nil {
		c.t.Fatalf("failed to write command: %v", err)
	}
	for {
		reply := c.readLine()
		if len(reply) < 4 || reply[3] != '-' {
			return reply
		}
	}
}

func (c *client) ehlo() []string {
	c.t.Helper()
	if _, err := c.conn.Write([]byte("EHLO client.example.com\r\n")); err != nil {
		c.t.Fatalf("failed to write EHLO: %v", err)
	}
	var lines []string
	for {
		reply := c.readLine()
		lines = append(lines, reply)
		if len(reply) < 4 || reply[3] != '-' {
			return lines
		}
	}
}

func expectCode(t *testing.T, reply, code string) {
	t.Helper()
	if !strings.HasPrefix(reply, code) {
		t.Fatalf("reply: got %q, want %s", reply, code)
	}
}

func TestServer_Transaction(t *testing.T) {
	t.Parallel()

	srv := startServer(t, Config{})
	c := dial(t, srv)

	c.ehlo()
	expectCode(t, c.cmd("MAIL FROM:<bot@example.com> BODY=8BITMIME"), "250")
	expectCode(t, c.cmd("RCPT TO:<a@example.com>"), "250")
	expectCode(t, c.cmd("DATA"), "354")
	body := strings.Join([]string{
		"From: bot@example.com",
		"To: a@example.com",
		"Subject: Hi",
		"Content-Type: text/html; charset=UTF-8",
		"",
		"<p>hello</p>",
		"..dotted",
		".",
	}, "\r\n")
	expectCode(t, c.cmd(body), "250")
	expectCode(t, c.cmd("QUIT"), "221")

	msgs := srv.Messages()
	if len(msgs) != 1 {
		t.Fatalf("messages: got %d, want 1", len(msgs))
	}
	msg := msgs[0]
	if msg.From != "bot@example.com" {
		t.Errorf("From: got %q, want %q", msg.From, "bot@example.com")
	}
	if len(msg.To) != 1 || msg.To[0] != "a@example.com" {
		t.Errorf("To: got %v, want [a@example.com]", msg.To)
	}
	if !strings.Contains(string(msg.Data), "\r\n.dotted") {
		t.Errorf("data should be un-dot-stuffed: %q", msg.Data)
	}
	if msg.Email == nil || msg.Email.Subject != "Hi" {
		t.Errorf("parsed email: got %+v, want subject Hi", msg.Email)
	}
	if srv.Attempts() != 1 {
		t.Errorf("Attempts(): got %d, want 1", srv.Attempts())
	}
}

func TestServer_Capabilities(t *testing.T) {
	t.Parallel()

	srv := startServer(t, Config{Username: "u", Password: "p", STARTTLS: true})
	c := dial(t, srv)

	caps := strings.Join(c.ehlo(), "\n")
	for _, want := range []string{"STARTTLS", "AUTH PLAIN LOGIN", "SIZE"} {
		if !strings.Contains(caps, want) {
			t.Errorf("EHLO reply missing %q: %s", want, caps)
		}
	}
}

func TestServer_CommandOrdering(t *testing.T) {
	t.Parallel()

	srv := startServer(t, Config{})
	c := dial(t, srv)

	expectCode(t, c.cmd("MAIL FROM:<a@example.com>"), "503")
	expectCode(t, c.cmd("HELO client"), "250")
	expectCode(t, c.cmd("RCPT TO:<a@example.com>"), "503")
	expectCode(t, c.cmd("DATA"), "503")
	expectCode(t, c.cmd("MAIL TO:<a@example.com>"), "501")
	expectCode(t, c.cmd("BOGUS"), "500")
	expectCode(t, c.cmd("NOOP"), "250")
	expectCode(t, c.cmd("RSET"), "250")
}

func TestServer_AuthRequired(t *testing.T) {
	t.Parallel()

	srv := startServer(t, Config{Username: "testuser", Password: "testpass"})
	c := dial(t, srv)

	c.ehlo()
	expectCode(t, c.cmd("MAIL FROM:<a@example.com>"), "530")
	expectCode(t, c.cmd("AUTH PLAIN "+b64("\x00testuser\x00wrong")), "535")
	expectCode(t, c.cmd("AUTH CRAM-MD5"), "504")
	expectCode(t, c.cmd("AUTH PLAIN "+b64("\x00testuser\x00testpass")), "235")
	expectCode(t, c.cmd("MAIL FROM:<a@example.com>"), "250")
}

func TestServer_AuthLogin(t *testing.T) {
	t.Parallel()

	srv := startServer(t, Config{Username: "testuser", Password: "testpass"})
	c := dial(t, srv)

	c.ehlo()
	expectCode(t, c.cmd("AUTH LOGIN"), "334")
	expectCode(t, c.cmd(b64("testuser")), "334")
	expectCode(t, c.cmd(b64("testpass")), "235")
}

func TestServer_AuthMechanisms(t *testing.T) {
	t.Parallel()

	srv := startServer(t, Config{Username: "testuser", Password: "testpass", AuthMechanisms: []string{"login"}})
	c := dial(t, srv)

	caps := strings.Join(c.ehlo(), "\n")
	if !strings.Contains(caps, "AUTH LOGIN") || strings.Contains(caps, "PLAIN") {
		t.Errorf("EHLO reply should advertise only LOGIN: %s", caps)
	}
	expectCode(t, c.cmd("AUTH PLAIN "+b64("\x00testuser\x00testpass")), "504")
	expectCode(t, c.cmd("AUTH LOGIN"), "334")
	expectCode(t, c.cmd(b64("testuser")), "334")
	expectCode(t, c.cmd(b64("testpass")), "235")
}

func TestServer_FailDeliveries(t *testing.T) {
	t.Parallel()

	srv := startServer(t, Config{FailDeliveries: 1})
	c := dial(t, srv)

	send := func() string {
		expectCode(t, c.cmd("MAIL FROM:<bot@example.com>"), "250")
		expectCode(t, c.cmd("RCPT TO:<a@example.com>"), "250")
		expectCode(t, c.cmd("DATA"), "354")
		return c.cmd("Subject: x\r\n\r\nbody\r\n.")
	}

	c.ehlo()
	expectCode(t, send(), "451")
	expectCode(t, send(), "250")

	if srv.Attempts() != 2 {
		t.Errorf("Attempts(): got %d, want 2", srv.Attempts())
	}
	if len(srv.Messages()) != 1 {
		t.Errorf("Messages(): got %d, want 1", len(srv.Messages()))
	}
}

func TestServer_STARTTLSWithNetSMTP(t *testing.T) {
	t.Parallel()

	srv := startServer(t, Config{Username: "testuser", Password: "testpass", STARTTLS: true})

	c, err := smtp.Dial(srv.Addr())
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	defer c.Close()

	if err := c.StartTLS(&tls.Config{ServerName: srv.Host(), RootCAs: srv.RootCAs()}); err != nil {
		t.Fatalf("STARTTLS failed: %v", err)
	}
	if err := c.Auth(smtp.PlainAuth("", "testuser", "testpass", srv.Host())); err != nil {
		t.Fatalf("AUTH failed: %v", err)
	}
	if err := c.Mail("bot@example.com"); err != nil {
		t.Fatalf("MAIL failed: %v", err)
	}
	if err := c.Rcpt("a@example.com"); err != nil {
		t.Fatalf("RCPT failed: %v", err)
	}
	w, err := c.Data()
	if err != nil {
		t.Fatalf("DATA failed: %v", err)
	}
	if _, err := w.Write([]byte("Subject: secure\r\n\r\nbody\r\n")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("DATA close failed: %v", err)
	}
	if err := c.Quit(); err != nil {
		t.Fatalf("QUIT failed: %v", err)
	}

	msgs := srv.Messages()
	if len(msgs) != 1 || msgs[0].Email == nil || msgs[0].Email.Subject != "secure" {
		t.Errorf("messages: got %+v, want one with subject secure", msgs)
	}
}

func TestServer_ImplicitTLS(t *testing.T) {
	t.Parallel()

	srv := startServer(t, Config{ImplicitTLS: true})

	conn, err := tls.Dial("tcp", srv.Addr(), &tls.Config{ServerName: srv.Host(), RootCAs: srv.RootCAs()})
	if err != nil {
		t.Fatalf("TLS dial failed: %v", err)
	}
	defer conn.Close()

	c := &client{t: t, conn: conn, reader: bufio.NewReader(conn)}
	expectCode(t, c.readLine(), "220")
	caps := strings.Join(c.ehlo(), "\n")
	if strings.Contains(caps, "STARTTLS") {
		t.Errorf("STARTTLS should not be offered on a TLS connection: %s", caps)
	}
}

func TestServer_CertificateFiles(t *testing.T) {
	t.Parallel()

	cert, err := sendtls.GenerateSelfSignedCert()
	if err != nil {
		t.Fatalf("failed to generate certificate: %v", err)
	}
	certPEM, err := sendtls.CertPEM(cert)
	if err != nil {
		t.Fatalf("failed to encode certificate: %v", err)
	}
	keyPEM, err := sendtls.KeyPEM(cert)
	if err != nil {
		t.Fatalf("failed to encode key: %v", err)
	}
	dir := t.TempDir()
	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")
	if err := os.WriteFile(certFile, certPEM, 0o600); err != nil {
		t.Fatalf("failed to write cert: %v", err)
	}
	if err := os.WriteFile(keyFile, keyPEM, 0o600); err != nil {
		t.Fatalf("failed to write key: %v", err)
	}

	srv := startServer(t, Config{ImplicitTLS: true, CertFile: certFile, KeyFile: keyFile})

	pool, err := sendtls.CertPool(cert)
	if err != nil {
		t.Fatalf("failed to build pool: %v", err)
	}
	conn, err := tls.Dial("tcp", srv.Addr(), &tls.Config{ServerName: srv.Host(), RootCAs: pool})
	if err != nil {
		t.Fatalf("TLS dial with the file certificate failed: %v", err)
	}
	defer conn.Close()

	c := &client{t: t, conn: conn, reader: bufio.NewReader(conn)}
	expectCode(t, c.readLine(), "220")
}

func TestNewServer_BadCertificateFiles(t *testing.T) {
	t.Parallel()

	if _, err := NewServer(Config{STARTTLS: true, CertFile: "/nonexistent/cert.pem", KeyFile: "/nonexistent/key.pem"}); err == nil {
		t.Fatal("expected error for missing key pair, got nil")
	}
}

func TestServer_CloseDropsIdleClients(t *testing.T) {
	t.Parallel()

	srv, err := NewServer(Config{})
	if err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	c := dial(t, srv)
	c.ehlo()

	done := make(chan struct{})
	go func() {
		srv.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Close did not return while a client was idle")
	}
}

func TestExtractAddress(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{in: "<a@example.com>", want: "a@example.com"},
		{in: " <a@example.com> SIZE=100", want: "a@example.com"},
		{in: "a@example.com", want: "a@example.com"},
		{in: "a@example.com BODY=8BITMIME", want: "a@example.com"},
		{in: "<broken", want: ""},
	}

	for _, tt := range tests {
		if got := extractAddress(tt.in); got != tt.want {
			t.Errorf("extractAddress(%q): got %q, want %q", tt.in, got, tt.want)
		}
	}
}
