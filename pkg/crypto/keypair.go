// Package crypto holds the relay's single RSA keypair. One keypair is
// generated per server process and handed verbatim to every authenticated
// client, so any participant can decrypt any other participant's traffic.
// Confidentiality holds against outside observers only.
package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
)

const (
	// DefaultBits is the modulus size used when no frame size is configured.
	DefaultBits = 2048

	// MinBits is the smallest modulus accepted by Generate.
	MinBits = 1024

	pemPublic  = "RSA PUBLIC KEY"
	pemPrivate = "RSA PRIVATE KEY"
)

var (
	ErrDecryption        = errors.New("decryption failed")
	ErrPlaintextTooLarge = errors.New("plaintext exceeds single-message capacity")
	ErrInvalidKey        = errors.New("invalid key material")
	ErrKeyMismatch       = errors.New("public and private key do not match")
)

// Keypair is immutable after construction and safe for concurrent use.
type Keypair struct {
	Public  *rsa.PublicKey
	Private *rsa.PrivateKey
}

// Generate creates a keypair with the given modulus size in bits.
func Generate(bits int) (*Keypair, error) {
	if bits < MinBits {
		return nil, fmt.Errorf("%w: %d bits is below the %d bit minimum", ErrInvalidKey, bits, MinBits)
	}
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("generate %d bit key: %w", bits, err)
	}
	return &Keypair{Public: &priv.PublicKey, Private: priv}, nil
}

// Bits returns the modulus size.
func (k *Keypair) Bits() int {
	return k.Public.N.BitLen()
}

// MaxPlaintext is the largest message Encrypt accepts: k - 2*hLen - 2 for
// OAEP with SHA-256.
func (k *Keypair) MaxPlaintext() int {
	return k.Public.Size() - 2*sha256.Size - 2
}

// Encrypt encrypts one message under the shared public key.
func (k *Keypair) Encrypt(plaintext []byte) ([]byte, error) {
	if len(plaintext) > k.MaxPlaintext() {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrPlaintextTooLarge, len(plaintext), k.MaxPlaintext())
	}
	ct, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, k.Public, plaintext, nil)
	if err != nil {
		return nil, fmt.Errorf("encrypt: %w", err)
	}
	return ct, nil
}

// EncryptString is Encrypt for text bodies.
func (k *Keypair) EncryptString(text string) ([]byte, error) {
	return k.Encrypt([]byte(text))
}

// Decrypt fails with ErrDecryption for malformed ciphertext or ciphertext
// produced under other key material.
func (k *Keypair) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) != k.Public.Size() {
		return nil, fmt.Errorf("%w: ciphertext is %d bytes, want %d", ErrDecryption, len(ciphertext), k.Public.Size())
	}
	pt, err := rsa.DecryptOAEP(sha256.New(), nil, k.Private, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	return pt, nil
}

// MarshalPublicPEM encodes the public half as PKCS#1 PEM.
func (k *Keypair) MarshalPublicPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{
		Type:  pemPublic,
		Bytes: x509.MarshalPKCS1PublicKey(k.Public),
	})
}

// MarshalPrivatePEM encodes the private half as PKCS#1 PEM.
func (k *Keypair) MarshalPrivatePEM() []byte {
	return pem.EncodeToMemory(&pem.Block{
		Type:  pemPrivate,
		Bytes: x509.MarshalPKCS1PrivateKey(k.Private),
	})
}

// ParseKeypair rebuilds a keypair from the two distributed PEM blobs.
func ParseKeypair(publicPEM, privatePEM []byte) (*Keypair, error) {
	pubBlock, _ := pem.Decode(publicPEM)
	if pubBlock == nil || pubBlock.Type != pemPublic {
		return nil, fmt.Errorf("%w: public key is not %s PEM", ErrInvalidKey, pemPublic)
	}
	pub, err := x509.ParsePKCS1PublicKey(pubBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	privBlock, _ := pem.Decode(privatePEM)
	if privBlock == nil || privBlock.Type != pemPrivate {
		return nil, fmt.Errorf("%w: private key is not %s PEM", ErrInvalidKey, pemPrivate)
	}
	priv, err := x509.ParsePKCS1PrivateKey(privBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	if !priv.PublicKey.Equal(pub) {
		return nil, ErrKeyMismatch
	}
	return &Keypair{Public: pub, Private: priv}, nil
}
