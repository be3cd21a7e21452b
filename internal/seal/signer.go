package seal

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/roach88/vgomini/internal/ir"
)

// SignatureDomain prefixes every signed message.
const SignatureDomain = "vgomini/seal-signature/v1"

// Signature algorithms.
const (
	AlgDemoHMAC = "demo-hmac-sha256"
	AlgEd25519  = "ed25519"
)

// ErrBadSignature is returned when a seal signature does not verify.
var ErrBadSignature = errors.New("seal signature does not verify")

// Signer signs and verifies seal hashes.
type Signer interface {
	Sign(sealHash string) (ir.SealSignature, error)
	Verify(sig ir.SealSignature, sealHash string) error
}

func signedMessage(domain, sealHash string) []byte {
	msg := make([]byte, 0, len(domain)+len(sealHash))
	msg = append(msg, domain...)
	return append(msg, sealHash...)
}

// DemoSigner is a keyed hash over domain || sealHash.
//
// It is a demonstration scheme: anyone holding the key can forge a
// signature, and nothing about it is asymmetric. Use Ed25519Signer wherever a
// signature has to mean something to a third party.
type DemoSigner struct {
	ID  string
	Key []byte
}

// NewDemoSigner returns a DemoSigner with the given id and key.
func NewDemoSigner(id string, key []byte) *DemoSigner {
	return &DemoSigner{ID: id, Key: key}
}

func (s *DemoSigner) mac(sealHash string) []byte {
	m := hmac.New(sha256.New, s.Key)
	m.Write(signedMessage(SignatureDomain, sealHash))
	return m.Sum(nil)
}

// Sign implements Signer.
func (s *DemoSigner) Sign(sealHash string) (ir.SealSignature, error) {
	if len(s.Key) == 0 {
		return ir.SealSignature{}, fmt.Errorf("demo signer %q: empty key", s.ID)
	}
	return ir.SealSignature{
		SignerID:  s.ID,
		Alg:       AlgDemoHMAC,
		Domain:    SignatureDomain,
		Signature: hex.EncodeToString(s.mac(sealHash)),
	}, nil
}

// Verify implements Signer.
func (s *DemoSigner) Verify(sig ir.SealSignature, sealHash string) error {
	if sig.Alg != AlgDemoHMAC || sig.Domain != SignatureDomain || sig.SignerID != s.ID {
		return fmt.Errorf("%w: signer %q alg %q", ErrBadSignature, sig.SignerID, sig.Alg)
	}
	got, err := hex.DecodeString(sig.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if !hmac.Equal(got, s.mac(sealHash)) {
		return ErrBadSignature
	}
	return nil
}

// Ed25519Signer signs with a key derived from an operator secret.
type Ed25519Signer struct {
	ID   string
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// NewEd25519Signer derives an Ed25519 key pair from secret with HKDF-SHA256,
// using the signer id as context. The same secret and id always yield the
// same key.
func NewEd25519Signer(id string, secret []byte) (*Ed25519Signer, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("ed25519 signer %q: empty secret", id)
	}
	r := hkdf.New(sha256.New, secret, []byte("vgomini-seal-kdf"), []byte(id))
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(r, seed); err != nil {
		return nil, fmt.Errorf("HKDF derivation failed: %w", err)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Ed25519Signer{ID: id, priv: priv, pub: priv.Public().(ed25519.PublicKey)}, nil
}

// PublicKey returns the hex public key.
func (s *Ed25519Signer) PublicKey() string {
	return hex.EncodeToString(s.pub)
}

// Sign implements Signer.
func (s *Ed25519Signer) Sign(sealHash string) (ir.SealSignature, error) {
	sig := ed25519.Sign(s.priv, signedMessage(SignatureDomain, sealHash))
	return ir.SealSignature{
		SignerID:  s.ID,
		Alg:       AlgEd25519,
		Domain:    SignatureDomain,
		Signature: hex.EncodeToString(sig),
		PublicKey: s.PublicKey(),
	}, nil
}

// Verify implements Signer. The signature must name this signer's public
// key; a self-consistent signature under a different key is rejected.
func (s *Ed25519Signer) Verify(sig ir.SealSignature, sealHash string) error {
	if sig.Alg != AlgEd25519 || sig.Domain != SignatureDomain || sig.PublicKey != s.PublicKey() {
		return fmt.Errorf("%w: signer %q alg %q", ErrBadSignature, sig.SignerID, sig.Alg)
	}
	return VerifyEd25519(sig.PublicKey, sig.Signature, sealHash)
}

// VerifyEd25519 checks a hex signature over a seal hash against a hex public
// key.
func VerifyEd25519(pubKeyHex, sigHex, sealHash string) error {
	pub, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return fmt.Errorf("invalid public key hex: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("invalid public key size")
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return fmt.Errorf("invalid signature hex: %w", err)
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), signedMessage(SignatureDomain, sealHash), sig) {
		return ErrBadSignature
	}
	return nil
}
