// Package tokens generates and checks the format of gateway bearer tokens:
// a versioned prefix followed by base58(entropy + checksum). The checksum
// lets the gateway reject mistyped or truncated tokens without a database
// lookup.
package tokens

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"math/big"
	"strings"
)

const (
	// TokenPrefix is the prefix for all gateway-issued tokens
	TokenPrefix = "fusion_v1_"

	// EntropyBytes is the number of random bytes (128 bits)
	EntropyBytes = 16

	// ChecksumBytes is the number of checksum bytes to include
	ChecksumBytes = 2

	// Base58Alphabet excludes the look-alikes 0, O, I and l.
	Base58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"
)

var base58Index = func() [256]int {
	var idx [256]int
	for i := range idx {
		idx[i] = -1
	}
	for i, c := range []byte(Base58Alphabet) {
		idx[c] = i
	}
	return idx
}()

// Generate creates a new random token.
func Generate() (string, error) {
	entropy := make([]byte, EntropyBytes)
	if _, err := rand.Read(entropy); err != nil {
		return "", fmt.Errorf("failed to generate random entropy: %w", err)
	}
	return FromEntropy(entropy)
}

// FromEntropy builds the token for the given entropy.
func FromEntropy(entropy []byte) (string, error) {
	if len(entropy) != EntropyBytes {
		return "", fmt.Errorf("entropy must be exactly %d bytes", EntropyBytes)
	}

	data := make([]byte, 0, EntropyBytes+ChecksumBytes)
	data = append(data, entropy...)
	data = append(data, checksum(entropy)...)
	return TokenPrefix + encode(data), nil
}

// Valid reports whether token has the gateway format and an intact
// checksum. A valid token may still be unknown or revoked.
func Valid(token string) bool {
	_, err := Entropy(token)
	return err == nil
}

// Entropy returns the random part of a well-formed token.
func Entropy(token string) ([]byte, error) {
	suffix, ok := strings.CutPrefix(token, TokenPrefix)
	if !ok || suffix == "" {
		return nil, fmt.Errorf("missing %q prefix", TokenPrefix)
	}

	data, err := decode(suffix)
	if err != nil {
		return nil, err
	}
	if len(data) != EntropyBytes+ChecksumBytes {
		return nil, fmt.Errorf("invalid token length: %d bytes", len(data))
	}

	entropy, sum := data[:EntropyBytes], data[EntropyBytes:]
	if subtle.ConstantTimeCompare(sum, checksum(entropy)) != 1 {
		return nil, fmt.Errorf("token checksum mismatch")
	}
	return entropy, nil
}

// Equal compares two tokens in constant time.
func Equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Display shortens a token for listings.
func Display(token string) string {
	const n = len(TokenPrefix) + 4
	if len(token) <= n {
		return token
	}
	return token[:n] + "..."
}

func checksum(entropy []byte) []byte {
	sum := sha256.Sum256(entropy)
	return sum[:ChecksumBytes]
}

func encode(input []byte) string {
	num := new(big.Int).SetBytes(input)
	base := big.NewInt(58)
	mod := new(big.Int)

	var out []byte
	for num.Sign() > 0 {
		num.DivMod(num, base, mod)
		out = append(out, Base58Alphabet[mod.Int64()])
	}
	// leading zero bytes encode as '1'
	for _, b := range input {
		if b != 0 {
			break
		}
		out = append(out, Base58Alphabet[0])
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return string(out)
}

func decode(input string) ([]byte, error) {
	num := new(big.Int)
	base := big.NewInt(58)
	for _, c := range []byte(input) {
		v := base58Index[c]
		if v < 0 {
			return nil, fmt.Errorf("invalid base58 character: %q", c)
		}
		num.Mul(num, base)
		num.Add(num, big.NewInt(int64(v)))
	}

	out := num.Bytes()
	zeros := 0
	for zeros < len(input) && input[zeros] == Base58Alphabet[0] {
		zeros++
	}
	return append(make([]byte, zeros), out...), nil
}
