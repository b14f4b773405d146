package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"

	json "github.com/goccy/go-json"
)

func TestWrapUnwrapPKCS8RoundTrip(t *testing.T) {
	var seed [32]byte
	if _, err := rand.Read(seed[:]); err != nil {
		t.Fatal(err)
	}

	der := WrapSeedPKCS8(seed)
	got, err := UnwrapSeedPKCS8(der)
	if err != nil {
		t.Fatal(err)
	}
	if got != seed {
		t.Fatalf("seed mismatch after round trip: got %x want %x", got, seed)
	}
}

func TestUnwrapSeedPKCS8RejectsBadHeader(t *testing.T) {
	der := WrapSeedPKCS8([32]byte{})
	der[0] ^= 0xff

	if _, err := UnwrapSeedPKCS8(der); err == nil {
		t.Fatal("expected error for corrupted header")
	}
}

func TestUnwrapSeedPKCS8RejectsBadLength(t *testing.T) {
	if _, err := UnwrapSeedPKCS8([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for short input")
	}
}

func TestGenerateCertificateProducesClientAuthCert(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	var kp Keypair
	copy(kp.Seed[:], priv.Seed())
	copy(kp.Pubkey[:], pub)

	cert, err := GenerateCertificate(kp)
	if err != nil {
		t.Fatal(err)
	}
	if len(cert.Certificate) != 1 {
		t.Fatalf("expected exactly one DER certificate, got %d", len(cert.Certificate))
	}
	if _, ok := cert.PrivateKey.(ed25519.PrivateKey); !ok {
		t.Fatalf("expected ed25519.PrivateKey, got %T", cert.PrivateKey)
	}
}

func TestLoadKeypairFile(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	full := make([]byte, 0, 64)
	full = append(full, priv.Seed()...)
	full = append(full, pub...)

	body, err := json.Marshal(full)
	if err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "id.json")
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatal(err)
	}

	kp, err := LoadKeypairFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(kp.Seed[:]) != string(priv.Seed()) {
		t.Fatal("seed mismatch")
	}
	if string(kp.Pubkey[:]) != string(pub) {
		t.Fatal("pubkey mismatch")
	}
}

func TestLoadKeypairFileRejectsWrongLength(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "id.json")
	if err := os.WriteFile(path, []byte("[1,2,3]"), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadKeypairFile(path); err == nil {
		t.Fatal("expected error for short keypair array")
	}
}

func TestValidatorIdStringParseRoundTrip(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	var v ValidatorId
	copy(v[:], pub)

	parsed, err := ParseValidatorId(v.String())
	if err != nil {
		t.Fatal(err)
	}
	if parsed != v {
		t.Fatalf("round trip mismatch: got %x want %x", parsed, v)
	}
}

func TestParseValidatorIdRejectsWrongLength(t *testing.T) {
	if _, err := ParseValidatorId("2NEpo7TZRzxmvZHuJV25XYjAyW2n"); err == nil {
		t.Fatal("expected error for short base58 payload")
	}
}
