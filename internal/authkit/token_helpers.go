package authkit

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
)

const (
	sessionTokenByteLength = 32
	oauthStateByteLength   = 32
)

var tokenRandomSource io.Reader = rand.Reader

func generateOpaque(byteLength int) (string, error) {
	randomBytes := make([]byte, byteLength)
	if _, err := io.ReadFull(tokenRandomSource, randomBytes); err != nil {
		return "", fmt.Errorf("token.random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(randomBytes), nil
}

func generateSessionToken() (string, string, error) {
	opaque, err := generateOpaque(sessionTokenByteLength)
	if err != nil {
		return "", "", err
	}
	return opaque, hashOpaque(opaque), nil
}

func hashOpaque(opaque string) string {
	sum := sha256.Sum256([]byte(opaque))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
