package checksum

import (
	"errors"
	"io"
	"strings"
	"testing"
)

// sha256("hello")
const helloSHA = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"

func TestCalculateSHA256(t *testing.T) {
	got, err := CalculateSHA256(strings.NewReader("hello"))
	if err != nil {
		t.Fatalf("CalculateSHA256() error: %v", err)
	}
	if got != helloSHA {
		t.Errorf("CalculateSHA256(hello) = %q, want %q", got, helloSHA)
	}

	if _, err := CalculateSHA256(errReader{}); err == nil {
		t.Error("CalculateSHA256() expected error from failing reader, got nil")
	}
}

func TestVerifySHA256(t *testing.T) {
	ok, err := VerifySHA256(strings.NewReader("hello"), strings.ToUpper(helloSHA))
	if err != nil || !ok {
		t.Errorf("VerifySHA256() = %v, %v; want true for matching checksum in any case", ok, err)
	}
	ok, err = VerifySHA256(strings.NewReader("hello"), strings.Repeat("0", 64))
	if err != nil || ok {
		t.Errorf("VerifySHA256() = %v, %v; want false for mismatched checksum", ok, err)
	}
}

func TestSum(t *testing.T) {
	d, err := Sum([]byte("hello"))
	if err != nil {
		t.Fatalf("Sum() error: %v", err)
	}
	if d.SHA256 != helloSHA {
		t.Errorf("Sum().SHA256 = %q, want %q", d.SHA256, helloSHA)
	}
	// CIDv1, raw codec, sha2-256, base32
	if !strings.HasPrefix(d.CID, "bafkrei") {
		t.Errorf("Sum().CID = %q, want raw sha2-256 CIDv1", d.CID)
	}
}

func TestNormalize(t *testing.T) {
	d, err := Sum([]byte("hello"))
	if err != nil {
		t.Fatalf("Sum() error: %v", err)
	}

	tests := []struct {
		name    string
		ref     string
		want    string
		wantErr bool
	}{
		{"hex", helloSHA, helloSHA, false},
		{"uppercase hex", strings.ToUpper(helloSHA), helloSHA, false},
		{"cid", d.CID, helloSHA, false},
		{"garbage", "not-a-reference", "", true},
		{"short hex", helloSHA[:10], "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(tt.ref)
			if tt.wantErr {
				if !errors.Is(err, ErrUnsupportedRef) {
					t.Errorf("Normalize(%q) error = %v, want ErrUnsupportedRef", tt.ref, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Normalize(%q) error: %v", tt.ref, err)
			}
			if got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.ref, got, tt.want)
			}
		})
	}
}

// errReader is an io.Reader that always returns an error.
type errReader struct{}

func (errReader) Read(_ []byte) (int, error) {
	return 0, io.ErrUnexpectedEOF
}
