// Package identity handles the core's external identity contract: loading a
// validator-style Ed25519 keypair from disk and turning it into the
// self-signed TLS client certificate the QUIC engine presents to a
// validator's TPU.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net/netip"
	"os"
	"time"

	json "github.com/goccy/go-json"
	"github.com/mr-tron/base58"
	"github.com/pkg/errors"
)

// Keypair is the 32-byte Ed25519 seed and public key the core receives from
// the external collaborator that manages key material.
type Keypair struct {
	Seed   [32]byte
	Pubkey [32]byte
}

// ValidatorId is a validator's Ed25519 public key, the identity Cartographer,
// Shield and the QUIC engine key all of their per-validator state on.
type ValidatorId [32]byte

// TpuEndpoint is the UDP socket address of a validator's QUIC TPU port, as
// resolved from a getClusterNodes entry's tpuQuic field.
type TpuEndpoint = netip.AddrPort

// String renders the id in the base58 encoding Solana tooling and RPC
// responses use for public keys.
func (v ValidatorId) String() string {
	return base58.Encode(v[:])
}

// ParseValidatorId decodes a base58-encoded public key as returned by
// getClusterNodes/getLeaderSchedule.
func ParseValidatorId(s string) (ValidatorId, error) {
	var v ValidatorId
	decoded, err := base58.Decode(s)
	if err != nil {
		return v, errors.Wrapf(err, "decoding validator id %q", s)
	}
	if len(decoded) != 32 {
		return v, errors.Errorf("validator id %q: expected 32 bytes, got %d", s, len(decoded))
	}
	copy(v[:], decoded)
	return v, nil
}

// ed25519PKCS8Header is the fixed ASN.1 prefix Go (and every other
// conformant PKCS#8 encoder) emits ahead of a raw 32-byte Ed25519 seed:
//
//	SEQUENCE {
//	  INTEGER 0
//	  SEQUENCE { OID 1.3.101.112 }
//	  OCTET STRING { OCTET STRING <32-byte seed> }
//	}
var ed25519PKCS8Header = []byte{
	0x30, 0x2e, 0x02, 0x01, 0x00, 0x30, 0x05, 0x06, 0x03, 0x2b, 0x65, 0x70, 0x04, 0x22, 0x04, 0x20,
}

// WrapSeedPKCS8 wraps a raw Ed25519 seed in a PKCS#8 private-key envelope.
func WrapSeedPKCS8(seed [32]byte) []byte {
	out := make([]byte, 0, len(ed25519PKCS8Header)+32)
	out = append(out, ed25519PKCS8Header...)
	out = append(out, seed[:]...)
	return out
}

// UnwrapSeedPKCS8 recovers the raw seed from a PKCS#8 envelope produced by
// WrapSeedPKCS8 (or by any standard PKCS#8 Ed25519 encoder, since the prefix
// is fixed for a 32-byte key).
func UnwrapSeedPKCS8(der []byte) ([32]byte, error) {
	var seed [32]byte
	if len(der) != len(ed25519PKCS8Header)+32 {
		return seed, errors.Errorf("pkcs8: unexpected length %d", len(der))
	}
	prefix := der[:len(ed25519PKCS8Header)]
	for i, b := range ed25519PKCS8Header {
		if prefix[i] != b {
			return seed, errors.New("pkcs8: unrecognized ed25519 header")
		}
	}
	copy(seed[:], der[len(ed25519PKCS8Header):])
	return seed, nil
}

// LoadKeypairFile reads a Solana-CLI-style keypair file: a JSON array of 64
// bytes, the first 32 of which are the Ed25519 seed and the last 32 the
// public key.
func LoadKeypairFile(path string) (Keypair, error) {
	var kp Keypair

	raw, err := os.ReadFile(path)
	if err != nil {
		return kp, errors.Wrapf(err, "reading keypair file %s", path)
	}

	var bytes []byte
	if err := json.Unmarshal(raw, &bytes); err != nil {
		return kp, errors.Wrapf(err, "parsing keypair file %s as json byte array", path)
	}
	if len(bytes) != 64 {
		return kp, errors.Errorf("keypair file %s: expected 64 bytes, got %d", path, len(bytes))
	}

	copy(kp.Seed[:], bytes[:32])
	copy(kp.Pubkey[:], bytes[32:64])
	return kp, nil
}

// GenerateCertificate builds the self-signed X.509 certificate the QUIC
// engine presents as its TLS client certificate, wrapping the caller's
// Ed25519 seed in a PKCS#8 envelope first (see WrapSeedPKCS8) and round
// tripping it through the standard library's PKCS#8 parser, mirroring how
// the original Rust implementation hands its rcgen keypair a PKCS#8 DER
// blob rather than a raw seed.
func GenerateCertificate(kp Keypair) (tls.Certificate, error) {
	der := WrapSeedPKCS8(kp.Seed)

	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return tls.Certificate{}, errors.Wrap(err, "parsing wrapped pkcs8 ed25519 key")
	}
	priv, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return tls.Certificate{}, fmt.Errorf("identity: unexpected key type %T", parsed)
	}
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return tls.Certificate{}, errors.New("identity: could not derive ed25519 public key")
	}

	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "scramjet-tpu-client"},
		NotBefore:             time.Now().Add(-1 * time.Hour),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}

	derCert, err := x509.CreateCertificate(rand.Reader, &template, &template, pub, priv)
	if err != nil {
		return tls.Certificate{}, errors.Wrap(err, "creating self-signed certificate")
	}

	return tls.Certificate{
		Certificate: [][]byte{derCert},
		PrivateKey:  priv,
	}, nil
}
