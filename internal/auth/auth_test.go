package auth

import (
	"context"
	"encoding/base64"
	"testing"
)

func TestDecodeInitialResponse(t *testing.T) {
	cases := []struct {
		raw      string // raw bytes before base64
		identity string
		passwd   string
	}{
		{"u\x00u\x00pass", "u", "pass"},
		{"u\x00\x00pass", "u", "pass"},
		{"\x00u\x00pass", "u", "pass"},
	}
	for _, c := range cases {
		id, pw, err := DecodeInitialResponse([]byte(c.raw))
		if err != nil {
			t.Errorf("case %q: unexpected error %v", c.raw, err)
			continue
		}
		if id != c.identity || pw != c.passwd {
			t.Errorf("case %q: got (%q, %q), want (%q, %q)", c.raw, id, pw, c.identity, c.passwd)
		}
	}

	failing := []string{
		"", "\x00", "\x00\x00", "\x00\x00\x00",
		"a\x00b\x00c\x00d",
		"a\x00b\x00pass", // authzid != authcid, both non-empty
	}
	for _, raw := range failing {
		if _, _, err := DecodeInitialResponse([]byte(raw)); err == nil {
			t.Errorf("expected case %q to fail, but succeeded", raw)
		}
	}
}

func TestDecodeLine(t *testing.T) {
	if _, err := DecodeLine("*"); err != ErrAborted {
		t.Errorf("expected ErrAborted, got %v", err)
	}
	if _, err := DecodeLine("not base64!!"); err != ErrInvalidBase64 {
		t.Errorf("expected ErrInvalidBase64, got %v", err)
	}
	got, err := DecodeLine(base64.StdEncoding.EncodeToString([]byte("hello")))
	if err != nil || string(got) != "hello" {
		t.Errorf("DecodeLine roundtrip failed: %q, %v", got, err)
	}
}

func testCallback(wantUser, wantPass string) Callback {
	return func(ctx context.Context, user, password string) (Result, error) {
		if user == wantUser && password == wantPass {
			return Result{OK: true, Identity: user}, nil
		}
		return Result{OK: false}, nil
	}
}

func TestPlainMechanismWithInitialResponse(t *testing.T) {
	cb := testCallback("user", "pass")
	m := NewPlain(cb)

	resp := []byte("user\x00user\x00pass")
	_, done, res, err := m.Step(context.Background(), resp)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !done || !res.OK || res.Identity != "user" {
		t.Errorf("got done=%v res=%+v", done, res)
	}
}

func TestPlainMechanismSolicited(t *testing.T) {
	cb := testCallback("user", "pass")
	m := NewPlain(cb)

	challenge, done, _, err := m.Step(context.Background(), nil)
	if err != nil || done || challenge == nil {
		t.Fatalf("expected a challenge prompting for the response, got %v %v %v", challenge, done, err)
	}

	_, done, res, err := m.Step(context.Background(), []byte("user\x00user\x00pass"))
	if err != nil || !done || !res.OK {
		t.Errorf("got done=%v res=%+v err=%v", done, res, err)
	}
}

func TestLoginMechanism(t *testing.T) {
	cb := testCallback("user", "pass")
	m := NewLogin(cb)

	challenge, done, _, err := m.Step(context.Background(), nil)
	if err != nil || done || string(challenge) != "Username:" {
		t.Fatalf("step 0: got %q %v %v", challenge, done, err)
	}

	challenge, done, _, err = m.Step(context.Background(), []byte("user"))
	if err != nil || done || string(challenge) != "Password:" {
		t.Fatalf("step 1: got %q %v %v", challenge, done, err)
	}

	_, done, res, err := m.Step(context.Background(), []byte("pass"))
	if err != nil || !done || !res.OK || res.Identity != "user" {
		t.Errorf("step 2: got done=%v res=%+v err=%v", done, res, err)
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	names := r.Names()
	if len(names) != 2 || names[0] != "LOGIN" || names[1] != "PLAIN" {
		t.Errorf("Names() = %v, want [LOGIN PLAIN]", names)
	}

	cb := testCallback("user", "pass")
	if _, ok := r.New("PLAIN", cb); !ok {
		t.Error("expected PLAIN to be registered")
	}
	if _, ok := r.New("CRAM-MD5", cb); ok {
		t.Error("expected CRAM-MD5 to be unregistered")
	}

	r.Register("CRAM-MD5", NewPlain) // any factory works for this test
	if _, ok := r.New("CRAM-MD5", cb); !ok {
		t.Error("expected CRAM-MD5 to be registered after Register")
	}
}
