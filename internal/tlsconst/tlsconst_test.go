package tlsconst

import "testing"

func TestVersionName(t *testing.T) {
	cases := []struct {
		ver      uint16
		expected string
	}{
		{0x0302, "TLS-1.1"},
		{0x0304, "TLS-1.3"},
		{0x1234, "TLS-0x1234"},
	}
	for _, c := range cases {
		got := VersionName(c.ver)
		if got != c.expected {
			t.Errorf("VersionName(%x) = %q, expected %q",
				c.ver, got, c.expected)
		}
	}
}

func TestCipherSuiteName(t *testing.T) {
	// 0xc02f is TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256, a suite the
	// standard library always knows about.
	got := CipherSuiteName(0xc02f)
	if got != "TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256" {
		t.Errorf("CipherSuiteName(0xc02f) = %q", got)
	}

	// An unassigned value falls back to the library's numeric form.
	got = CipherSuiteName(0xffff)
	if got == "" {
		t.Errorf("CipherSuiteName(0xffff) returned empty string")
	}
}
