package crypto

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestNewPackageLogger(t *testing.T) {
	tests := []struct {
		name     string
		pkg      string
		function string
	}{
		{"crypto default", "crypto", "Encrypt"},
		{"other package", "channel", "DecryptFromChannel"},
		{"empty function", "protocol", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := NewPackageLogger(tt.pkg, tt.function)
			if logger.pkg != tt.pkg || logger.fields["package"] != tt.pkg {
				t.Errorf("pkg = %v, want %v", logger.pkg, tt.pkg)
			}
			if logger.function != tt.function || logger.fields["function"] != tt.function {
				t.Errorf("function = %v, want %v", logger.function, tt.function)
			}
		})
	}

	if NewLogger("X").pkg != "crypto" {
		t.Error("NewLogger should default to the crypto package")
	}
}

func TestLoggerHelperFields(t *testing.T) {
	uid, _ := GenerateUID(nil)
	logger := NewLogger("Test").
		WithField("a", 1).
		WithFields(logrus.Fields{"b": 2}).
		WithUID("device", uid).
		WithError(errors.New("boom"), "decrypt").
		Security()

	want := map[string]interface{}{
		"a":         1,
		"b":         2,
		"device":    uid.Short(),
		"error":     "boom",
		"operation": "decrypt",
		"security":  true,
	}
	for k, v := range want {
		if logger.fields[k] != v {
			t.Errorf("field %s = %v, want %v", k, logger.fields[k], v)
		}
	}
}

func TestLoggerHelperOutput(t *testing.T) {
	var buf bytes.Buffer
	orig := logrus.StandardLogger().Out
	origLevel := logrus.GetLevel()
	logrus.SetOutput(&buf)
	logrus.SetLevel(logrus.DebugLevel)
	defer func() {
		logrus.SetOutput(orig)
		logrus.SetLevel(origLevel)
	}()

	NewPackageLogger("channel", "Create").WithField("status", "provisional").Info("channel created")

	out := buf.String()
	for _, s := range []string{"channel created", "package=channel", "function=Create", "status=provisional"} {
		if !strings.Contains(out, s) {
			t.Errorf("log output %q missing %q", out, s)
		}
	}
}

func TestSecureFieldHash(t *testing.T) {
	tests := []struct {
		name        string
		data        []byte
		wantPreview string
	}{
		{"nil", nil, "nil"},
		{"short", []byte{0xAB, 0xCD}, "abcd"},
		{"long", bytes.Repeat([]byte{0x11}, 32), "1111111111111111..."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fields := SecureFieldHash(tt.data, "key")
			if fields["key_preview"] != tt.wantPreview {
				t.Errorf("preview = %v, want %v", fields["key_preview"], tt.wantPreview)
			}
			if fields["key_size"] != len(tt.data) {
				t.Errorf("size = %v, want %d", fields["key_size"], len(tt.data))
			}
		})
	}
}

func TestSharedSecretLogsOnlyKeyPreview(t *testing.T) {
	var buf bytes.Buffer
	orig := logrus.StandardLogger().Out
	origLevel := logrus.GetLevel()
	logrus.SetOutput(&buf)
	logrus.SetLevel(logrus.DebugLevel)
	defer func() {
		logrus.SetOutput(orig)
		logrus.SetLevel(origLevel)
	}()

	a, err := GenerateKeyPair(nil)
	if err != nil {
		t.Fatal(err)
	}
	b, err := GenerateKeyPair(nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := DeriveSharedSecret(b.Public, a.Private); err != nil {
		t.Fatal(err)
	}

	out := buf.String()
	preview := fmt.Sprintf("%x...", b.Public[:8])
	for _, s := range []string{"function=DeriveSharedSecret", "package=crypto", "peer_key_preview=" + preview, "peer_key_size=32"} {
		if !strings.Contains(out, s) {
			t.Errorf("log output %q missing %q", out, s)
		}
	}
	if strings.Contains(out, fmt.Sprintf("%x", b.Public[:])) {
		t.Error("log output contains the full peer key")
	}
}
