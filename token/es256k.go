package token

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/golang-jwt/jwt/v5"
)

// SigningMethodES256K signs with ECDSA over secp256k1 and SHA-256 (RFC 8812).
// The signature is the 64 byte r || s concatenation.
var SigningMethodES256K = &signingMethodES256K{}

func init() {
	jwt.RegisterSigningMethod(SigningMethodES256K.Alg(), func() jwt.SigningMethod {
		return SigningMethodES256K
	})
}

var errES256KVerification = errors.New("token: ES256K signature is invalid")

type signingMethodES256K struct{}

func (m *signingMethodES256K) Alg() string { return "ES256K" }

// Sign expects a *secp256k1.PrivateKey.
func (m *signingMethodES256K) Sign(signingString string, key any) ([]byte, error) {
	priv, ok := key.(*secp256k1.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: ES256K sign expects *secp256k1.PrivateKey", jwt.ErrInvalidKeyType)
	}
	digest := sha256.Sum256([]byte(signingString))

	// [recovery flag, r(32), s(32)]; RFC6979 nonces, low S.
	compact := ecdsa.SignCompact(priv, digest[:], false)
	return compact[1:65], nil
}

// Verify expects a *secp256k1.PublicKey.
func (m *signingMethodES256K) Verify(signingString string, sig []byte, key any) error {
	pub, ok := key.(*secp256k1.PublicKey)
	if !ok {
		return fmt.Errorf("%w: ES256K verify expects *secp256k1.PublicKey", jwt.ErrInvalidKeyType)
	}
	if len(sig) != 64 {
		return errES256KVerification
	}

	var r, s secp256k1.ModNScalar
	if overflow := r.SetByteSlice(sig[:32]); overflow || r.IsZero() {
		return errES256KVerification
	}
	if overflow := s.SetByteSlice(sig[32:]); overflow || s.IsZero() {
		return errES256KVerification
	}

	digest := sha256.Sum256([]byte(signingString))
	if !ecdsa.NewSignature(&r, &s).Verify(digest[:], pub) {
		return errES256KVerification
	}
	return nil
}

// ParsePrivateKey decodes a hex encoded secp256k1 private key. A 0x prefix is accepted.
func ParsePrivateKey(hexKey string) (*secp256k1.PrivateKey, error) {
	hexKey = strings.TrimPrefix(hexKey, "0x")
	hexKey = strings.TrimPrefix(hexKey, "0X")

	keyBytes, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("token: invalid private key hex: %w", err)
	}
	if len(keyBytes) != 32 {
		return nil, fmt.Errorf("token: private key must be 32 bytes, got %d", len(keyBytes))
	}

	priv := secp256k1.PrivKeyFromBytes(keyBytes)
	if priv.Key.IsZero() {
		return nil, fmt.Errorf("token: private key is zero")
	}
	return priv, nil
}

// ParsePublicKey decodes a hex encoded compressed or uncompressed secp256k1 public key.
func ParsePublicKey(hexKey string) (*secp256k1.PublicKey, error) {
	keyBytes, err := hex.DecodeString(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("token: invalid public key hex: %w", err)
	}
	pub, err := secp256k1.ParsePubKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("token: invalid public key: %w", err)
	}
	return pub, nil
}
