package certificates

import (
	"crypto/rand"
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/blake2b"
)

const (
	numberPrefix = "PC-"
	tokenBytes   = 16
	tokenChars   = 26
	NumberLength = len(numberPrefix) + tokenChars
	decoyNumber  = numberPrefix + "AAAAAAAAAAAAAAAAAAAAAAAAAA"
)

var tokenEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// newNumber draws 128 random bits and encodes them as PC-XXXXXXXXXXXXXXXXXXXXXXXXXX.
func newNumber(r io.Reader) (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("failed to read random token: %w", err)
	}
	return numberPrefix + tokenEncoding.EncodeToString(buf), nil
}

// normalizeNumber upper-cases the input and reports whether it is a
// canonical certificate number.
func normalizeNumber(raw string) (string, bool) {
	n := strings.ToUpper(strings.TrimSpace(raw))
	if len(n) != NumberLength || !strings.HasPrefix(n, numberPrefix) {
		return n, false
	}
	token := n[len(numberPrefix):]
	decoded, err := tokenEncoding.DecodeString(token)
	if err != nil || len(decoded) != tokenBytes {
		return n, false
	}
	return n, tokenEncoding.EncodeToString(decoded) == token
}

func digest(number string) string {
	sum := blake2b.Sum256([]byte(number))
	return hex.EncodeToString(sum[:])
}

var defaultRand io.Reader = rand.Reader
