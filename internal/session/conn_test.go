package session

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/postwarden/smtpd/internal/auth"
)

// fakeStore records every message it is asked to save.
type fakeStore struct {
	saved []*Message
	err   error
}

func (s *fakeStore) Save(ctx context.Context, sv *SessionView, msg *Message) error {
	if s.err != nil {
		return s.err
	}
	s.saved = append(s.saved, msg)
	return nil
}

// fakeFilter accepts everything unless told otherwise.
type fakeFilter struct {
	denyFrom FilterDecision
	denyTo   FilterDecision
}

func (f *fakeFilter) CanAcceptFrom(ctx context.Context, sv *SessionView, sender string, size int64) FilterDecision {
	return f.denyFrom
}

func (f *fakeFilter) CanDeliverTo(ctx context.Context, sv *SessionView, rcpt, sender string) FilterDecision {
	return f.denyTo
}

func testConfig(t *testing.T) *Config {
	t.Helper()
	cfg, err := NewConfigBuilder().
		ServerName("mx.example.test").
		Banner("test server ready").
		MaxMessageBytes(1024).
		MaxRecipients(2).
		MaxRetryCount(2).
		IdleTimeout(time.Second).
		CommandTimeout(2 * time.Second).
		DataTimeout(2 * time.Second).
		ConnectionTimeout(5 * time.Second).
		AllowPlaintextAuth(true).
		EnableAuth(true).
		AuthenticationCallback(func(ctx context.Context, user, pass string) (auth.Result, error) {
			if user == "alice" && pass == "wonderland" {
				return auth.Result{OK: true, Identity: user}, nil
			}
			return auth.Result{OK: false}, nil
		}).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return cfg
}

// harness drives a Conn over an in-process pipe, acting as the client.
type harness struct {
	t      *testing.T
	client net.Conn
	r      *bufio.Reader
	store  *fakeStore
	filter *fakeFilter
	done   chan struct{}
}

func newHarness(t *testing.T, cfg *Config) *harness {
	t.Helper()
	serverSide, clientSide := net.Pipe()

	store := &fakeStore{}
	filter := &fakeFilter{}

	c := NewConn(serverSide, cfg, store, filter, nil, nil, context.Background())

	h := &harness{
		t:      t,
		client: clientSide,
		r:      bufio.NewReader(clientSide),
		store:  store,
		filter: filter,
		done:   make(chan struct{}),
	}

	go func() {
		c.Handle()
		close(h.done)
	}()

	return h
}

func (h *harness) close() {
	h.client.Close()
	<-h.done
}

// readReply reads one full (possibly multi-line) response and returns
// its code and the final line's text.
func (h *harness) readReply() (int, string) {
	h.t.Helper()
	var code int
	var last string
	for {
		line, err := h.r.ReadString('\n')
		if err != nil {
			h.t.Fatalf("readReply: %v", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if len(line) < 4 {
			h.t.Fatalf("malformed reply line %q", line)
		}
		var c int
		fscanCode(line[:3], &c)
		code = c
		last = line[4:]
		if line[3] == ' ' {
			break
		}
	}
	return code, last
}

func fscanCode(s string, out *int) {
	n := 0
	for _, r := range s {
		n = n*10 + int(r-'0')
	}
	*out = n
}

func (h *harness) send(line string) {
	h.t.Helper()
	if _, err := h.client.Write([]byte(line + "\r\n")); err != nil {
		h.t.Fatalf("send(%q): %v", line, err)
	}
}

func (h *harness) expect(line string, wantCode int) {
	h.t.Helper()
	h.send(line)
	code, text := h.readReply()
	if code != wantCode {
		h.t.Fatalf("%s: got %d %q, want code %d", line, code, text, wantCode)
	}
}

func TestGreetingAndEHLOCapabilities(t *testing.T) {
	h := newHarness(t, testConfig(t))
	defer h.close()

	code, _ := h.readReply()
	if code != 220 {
		t.Fatalf("banner: got %d, want 220", code)
	}

	h.send("EHLO client.example")
	// Read the full multi-line capability block.
	var lines []string
	for {
		line, err := h.r.ReadString('\n')
		if err != nil {
			t.Fatalf("EHLO read: %v", err)
		}
		line = strings.TrimRight(line, "\r\n")
		lines = append(lines, line)
		if len(line) >= 4 && line[3] == ' ' {
			break
		}
	}
	joined := strings.Join(lines, "\n")
	for _, want := range []string{"PIPELINING", "8BITMIME", "SMTPUTF8", "SIZE 1024", "AUTH"} {
		if !strings.Contains(joined, want) {
			t.Errorf("EHLO response missing %q:\n%s", want, joined)
		}
	}
}

func TestFullTransactionWithDotStuffing(t *testing.T) {
	h := newHarness(t, testConfig(t))
	defer h.close()

	h.readReply() // banner
	h.expect("EHLO client.example", 250)
	h.expect("MAIL FROM:<sender@example.com>", 250)
	h.expect("RCPT TO:<rcpt@example.com>", 250)

	h.send("DATA")
	code, _ := h.readReply()
	if code != 354 {
		t.Fatalf("DATA: got %d, want 354", code)
	}

	body := "Subject: hi\r\n\r\n..leading dot line\r\nplain line\r\n.\r\n"
	if _, err := h.client.Write([]byte(body)); err != nil {
		t.Fatalf("write body: %v", err)
	}

	code, _ = h.readReply()
	if code != 250 {
		t.Fatalf("post-DATA: got %d, want 250", code)
	}

	if len(h.store.saved) != 1 {
		t.Fatalf("expected 1 saved message, got %d", len(h.store.saved))
	}
	msg := h.store.saved[0]
	if !strings.Contains(string(msg.Raw), ".leading dot line") {
		t.Errorf("dot-stuffing not undone: %q", msg.Raw)
	}
	if !strings.Contains(string(msg.Raw), "Received:") {
		t.Errorf("missing synthesized Received header: %q", msg.Raw)
	}

	h.expect("QUIT", 221)
}

func TestMailSizeRejected(t *testing.T) {
	h := newHarness(t, testConfig(t))
	defer h.close()

	h.readReply()
	h.expect("EHLO client.example", 250)
	h.expect("MAIL FROM:<sender@example.com> SIZE=999999", 552)
}

func TestPhaseViolationsYield503(t *testing.T) {
	h := newHarness(t, testConfig(t))
	defer h.close()

	h.readReply()
	h.expect("EHLO client.example", 250)
	// RCPT before MAIL: not in Ready's accepting set.
	h.expect("RCPT TO:<x@example.com>", 503)
	// DATA without a transaction.
	h.expect("DATA", 503)
}

func TestErrorBudgetClosesConnection(t *testing.T) {
	h := newHarness(t, testConfig(t)) // MaxRetryCount == 2
	defer h.close()

	h.readReply()
	h.expect("EHLO client.example", 250)
	h.expect("RCPT TO:<x@example.com>", 503) // error 1
	h.expect("RCPT TO:<x@example.com>", 503) // error 2

	h.send("RCPT TO:<x@example.com>") // error 3: exceeds MaxRetryCount
	code, _ := h.readReply()
	if code != 421 {
		t.Fatalf("got %d, want 421 after exceeding error budget", code)
	}
}

func TestRsetClearsTransaction(t *testing.T) {
	h := newHarness(t, testConfig(t))
	defer h.close()

	h.readReply()
	h.expect("EHLO client.example", 250)
	h.expect("MAIL FROM:<sender@example.com>", 250)
	h.expect("RSET", 250)
	// Back in Ready: RCPT alone (no MAIL) is now invalid again.
	h.expect("RCPT TO:<x@example.com>", 503)
}

func TestAuthPlainSuccessAndFailure(t *testing.T) {
	h := newHarness(t, testConfig(t))
	defer h.close()

	h.readReply()
	h.expect("EHLO client.example", 250)

	// "\0alice\0wrongpass"
	h.expect("AUTH PLAIN AGFsaWNlAHdyb25ncGFzcw==", 535)

	// "\0alice\0wonderland"
	h.expect("AUTH PLAIN AGFsaWNlAHdvbmRlcmxhbmQ=", 235)

	// A second AUTH attempt is rejected once authenticated.
	h.expect("AUTH PLAIN AGFsaWNlAHdvbmRlcmxhbmQ=", 503)
}

func TestStoreErrorYields554(t *testing.T) {
	cfg := testConfig(t)
	h := newHarness(t, cfg)
	defer h.close()
	h.store.err = errFakeStoreFailure

	h.readReply()
	h.expect("EHLO client.example", 250)
	h.expect("MAIL FROM:<sender@example.com>", 250)
	h.expect("RCPT TO:<rcpt@example.com>", 250)

	h.send("DATA")
	code, _ := h.readReply()
	if code != 354 {
		t.Fatalf("DATA: got %d, want 354", code)
	}
	h.client.Write([]byte("hello\r\n.\r\n"))

	code, _ = h.readReply()
	if code != 554 {
		t.Fatalf("post-DATA: got %d, want 554", code)
	}
}

var errFakeStoreFailure = &storeError{"disk full"}

type storeError struct{ msg string }

func (e *storeError) Error() string { return e.msg }
