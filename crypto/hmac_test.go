package crypto

import (
	"strings"
	"testing"
)

func TestSignKnownVector(t *testing.T) {
	// Independently computed HMAC-SHA256 vectors.
	testCases := []struct {
		name     string
		payload  string
		key      string
		expected string
	}{
		{
			name:     "webhook payload",
			payload:  `{"event":"SCREENSHOT_COMPLETED","timestamp":"2025-01-01T00:00:00Z","data":{"jobId":"j1"}}`,
			key:      "abc",
			expected: "22644f117c7a12622c81494e0039fc11f496b1ef3c4f4fb718c1680a592bac21",
		},
		{
			name:     "plain text",
			payload:  "hello world",
			key:      "test-secret",
			expected: "046e2496e13e0bfd8dbef84244dd188311a48086646355161bc4ad0769a49cf4",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := Sign([]byte(tc.payload), []byte(tc.key))
			if got != tc.expected {
				t.Errorf("Sign() = %q, want %q", got, tc.expected)
			}
		})
	}
}

func TestSignDeterminism(t *testing.T) {
	payload := []byte(`{"event":"SCREENSHOT_FAILED","data":{}}`)
	key := []byte("secret-key")
	if Sign(payload, key) != Sign(payload, key) {
		t.Error("Sign() is not deterministic for identical inputs")
	}
}

func TestVerify(t *testing.T) {
	payload := []byte("payload bytes")
	key := []byte("key")
	sig := Sign(payload, key)

	t.Run("valid", func(t *testing.T) {
		if !Verify(payload, key, sig) {
			t.Error("Verify() = false for a signature produced by Sign()")
		}
	})

	t.Run("wrong key", func(t *testing.T) {
		if Verify(payload, []byte("other"), sig) {
			t.Error("Verify() = true with the wrong key")
		}
	})

	t.Run("tampered payload", func(t *testing.T) {
		if Verify([]byte("payload bytez"), key, sig) {
			t.Error("Verify() = true for a tampered payload")
		}
	})

	t.Run("not hex", func(t *testing.T) {
		if Verify(payload, key, "zz"+sig[2:]) {
			t.Error("Verify() = true for a non-hex signature")
		}
	})

	t.Run("uppercase accepted", func(t *testing.T) {
		// Signatures are emitted lowercase; case-insensitive matching would
		// still be correct hex, so uppercase must verify too.
		if !Verify(payload, key, strings.ToUpper(sig)) {
			t.Error("Verify() = false for uppercase hex of a valid signature")
		}
	})
}
