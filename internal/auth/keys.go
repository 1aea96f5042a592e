package auth

import (
	"crypto"
	"fmt"
	"os"

	"github.com/golang-jwt/jwt/v5"
)

// ParsePublicKey parses a PEM-encoded ECDSA or RSA public key.
func ParsePublicKey(pemBytes []byte) (crypto.PublicKey, error) {
	if key, err := jwt.ParseECPublicKeyFromPEM(pemBytes); err == nil {
		return key, nil
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key PEM: %w", err)
	}
	return key, nil
}

// LoadPublicKey reads and parses the token-verification key. value is either
// the PEM itself or a path to a PEM file.
func LoadPublicKey(value string) (crypto.PublicKey, error) {
	pemBytes := []byte(value)
	if _, err := os.Stat(value); err == nil {
		pemBytes, err = os.ReadFile(value)
		if err != nil {
			return nil, fmt.Errorf("failed to read public key file: %w", err)
		}
	}
	return ParsePublicKey(pemBytes)
}
