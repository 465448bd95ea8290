package smtpd_test

import (
	"bufio"
	"context"
	"crypto/tls"
	"net"
	"net/smtp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/postwarden/smtpd"
	"github.com/postwarden/smtpd/internal/testlib"
)

// generateTestCert writes a fresh self-signed cert/key pair to a temp
// directory and loads it back as a server-side tls.Certificate.
func generateTestCert(t *testing.T) tls.Certificate {
	t.Helper()
	dir := testlib.MustTempDir(t)
	t.Cleanup(func() { testlib.RemoveIfOk(t, dir) })

	if _, err := testlib.GenerateCert(dir); err != nil {
		t.Fatalf("GenerateCert: %v", err)
	}

	cert, err := tls.LoadX509KeyPair(dir+"/cert.pem", dir+"/key.pem")
	if err != nil {
		t.Fatalf("LoadX509KeyPair: %v", err)
	}
	return cert
}

// memStore is a minimal MessageStore used only by these tests.
type memStore struct {
	mu    sync.Mutex
	saved []*smtpd.Message
}

func (m *memStore) Save(ctx context.Context, sv *smtpd.SessionView, msg *smtpd.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = append(m.saved, msg)
	return nil
}

func (m *memStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.saved)
}

func startTestServer(t *testing.T, addr string) (*smtpd.Server, *memStore) {
	t.Helper()

	cert := generateTestCert(t)

	cfg, err := smtpd.NewConfigBuilder().
		ServerName("localhost").
		TLSConfig(&tls.Config{Certificates: []tls.Certificate{cert}, ServerName: "localhost"}).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	store := &memStore{}
	srv := smtpd.NewServer(cfg, store, nil, nil, nil)
	srv.AddAddr(addr, false)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != smtpd.ErrServerClosed {
			t.Errorf("ListenAndServe: %v", err)
		}
	}()

	waitForServer(t, addr)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})

	return srv, store
}

func waitForServer(t *testing.T, addr string) {
	t.Helper()
	up := testlib.WaitFor(func() bool {
		c, err := smtp.Dial(addr)
		if err != nil {
			return false
		}
		c.Close()
		return true
	}, 5*time.Second)
	if !up {
		t.Fatalf("server at %s never came up", addr)
	}
}

func sendTestEmail(t *testing.T, c *smtp.Client) {
	t.Helper()
	if err := c.Mail("sender@example.com"); err != nil {
		t.Fatalf("Mail: %v", err)
	}
	if err := c.Rcpt("rcpt@example.com"); err != nil {
		t.Fatalf("Rcpt: %v", err)
	}
	w, err := c.Data()
	if err != nil {
		t.Fatalf("Data: %v", err)
	}
	if _, err := w.Write([]byte("Subject: hi\r\n\r\nbody\r\n")); err != nil {
		t.Fatalf("Data write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Data close: %v", err)
	}
}

func TestServerEndToEnd(t *testing.T) {
	addr := "127.0.0.1:14125"
	_, store := startTestServer(t, addr)

	c, err := smtp.Dial(addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	if err := c.Hello("client.example"); err != nil {
		t.Fatalf("Hello: %v", err)
	}
	sendTestEmail(t, c)

	if got := store.count(); got != 1 {
		t.Fatalf("store has %d messages, want 1", got)
	}

	if err := c.Quit(); err != nil {
		t.Fatalf("Quit: %v", err)
	}
}

func TestServerRejectsOverConnectionLimitWith421(t *testing.T) {
	addr := "127.0.0.1:14128"
	cert := generateTestCert(t)
	cfg, err := smtpd.NewConfigBuilder().
		TLSConfig(&tls.Config{Certificates: []tls.Certificate{cert}}).
		MaxConnectionsPerIP(1).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	srv := smtpd.NewServer(cfg, &memStore{}, nil, nil, nil)
	srv.AddAddr(addr, false)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != smtpd.ErrServerClosed {
			t.Errorf("ListenAndServe: %v", err)
		}
	}()
	waitForServer(t, addr)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})

	// Occupy the one permitted slot for this IP and leave it open.
	held, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer held.Close()

	// A second connection from the same IP must be rejected with a 421
	// reply, not a bare TCP close.
	rejected, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer rejected.Close()

	rejected.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := bufio.NewReader(rejected).ReadString('\n')
	if err != nil {
		t.Fatalf("reading rejection reply: %v", err)
	}
	if !strings.HasPrefix(line, "421") {
		t.Fatalf("got %q, want a 421 reply", line)
	}
}

func TestServerSTARTTLS(t *testing.T) {
	addr := "127.0.0.1:14126"
	startTestServer(t, addr)

	c, err := smtp.Dial(addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	if err := c.Hello("client.example"); err != nil {
		t.Fatalf("Hello: %v", err)
	}
	if ok, _ := c.Extension("STARTTLS"); !ok {
		t.Fatalf("STARTTLS not advertised")
	}
	if err := c.StartTLS(&tls.Config{InsecureSkipVerify: true}); err != nil {
		t.Fatalf("StartTLS: %v", err)
	}
	sendTestEmail(t, c)
}

func TestServerShutdownStopsNewConnections(t *testing.T) {
	addr := "127.0.0.1:14127"
	cert := generateTestCert(t)
	cfg, err := smtpd.NewConfigBuilder().
		TLSConfig(&tls.Config{Certificates: []tls.Certificate{cert}}).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	srv := smtpd.NewServer(cfg, &memStore{}, nil, nil, nil)
	srv.AddAddr(addr, false)

	go srv.ListenAndServe()
	waitForServer(t, addr)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	if _, err := smtp.Dial(addr); err == nil {
		t.Fatalf("expected Dial to fail after Shutdown")
	}
}
