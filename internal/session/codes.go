// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package session

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const (
	codeLetters   = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	codeDigits    = "0123456789"
	tokenAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

	// CodeLength is letters + digits + letters (ABC123DEF).
	CodeLength = 9
	// TokenLength is the length of the opaque session token.
	TokenLength = 32
)

// GenerateCode produces a random verification code in the three letters,
// three digits, three letters format.
func GenerateCode() (string, error) {
	letters, err := randomFrom(codeLetters, 6)
	if err != nil {
		return "", err
	}
	digits, err := randomFrom(codeDigits, 3)
	if err != nil {
		return "", err
	}
	return letters[:3] + digits + letters[3:], nil
}

// GenerateToken produces a random opaque session token.
func GenerateToken() (string, error) {
	return randomFrom(tokenAlphabet, TokenLength)
}

func randomFrom(alphabet string, length int) (string, error) {
	// Rejection sampling: bytes past the largest multiple of the alphabet
	// size are discarded, otherwise the modulo would skew low characters.
	limit := byte(256 - 256%len(alphabet))

	out := make([]byte, 0, length)
	buf := make([]byte, length)
	for len(out) < length {
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if b >= limit {
				continue
			}
			out = append(out, alphabet[int(b)%len(alphabet)])
			if len(out) == length {
				break
			}
		}
	}

	return string(out), nil
}

// NormalizeCode uppercases a user-supplied code for comparison.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ValidCodeFormat reports whether a normalized code has the expected shape.
func ValidCodeFormat(code string) bool {
	if len(code) != CodeLength {
		return false
	}
	for i, c := range code {
		if i >= 3 && i < 6 {
			if !strings.ContainsRune(codeDigits, c) {
				return false
			}
		} else if !strings.ContainsRune(codeLetters, c) {
			return false
		}
	}
	return true
}

// ValidTokenFormat reports whether a token has the expected shape.
func ValidTokenFormat(token string) bool {
	if len(token) != TokenLength {
		return false
	}
	for _, c := range token {
		if !strings.ContainsRune(tokenAlphabet, c) {
			return false
		}
	}
	return true
}

// HashCode computes the SHA256 hash of a code. Codes are stored hashed so a
// leaked session record cannot be replayed.
func HashCode(code string) string {
	hash := sha256.Sum256([]byte(code))
	return hex.EncodeToString(hash[:])
}
