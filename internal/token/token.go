// Package token mints and normalizes pickup tokens.
package token

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"io"
	"strings"
)

const (
	entropyBytes = 20 // 160 bits
	groupSize    = 4
)

var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Issuer mints unguessable one-time pickup tokens. It keeps no state.
type Issuer struct {
	rand io.Reader
}

func NewIssuer() *Issuer {
	return &Issuer{rand: rand.Reader}
}

// NewIssuerWithSource is for tests that need a deterministic source.
func NewIssuerWithSource(r io.Reader) *Issuer {
	return &Issuer{rand: r}
}

// Mint returns a grouped token such as "ABCD-EFGH-...".
func (i *Issuer) Mint() (string, error) {
	buf := make([]byte, entropyBytes)
	if _, err := io.ReadFull(i.rand, buf); err != nil {
		return "", fmt.Errorf("read token entropy: %w", err)
	}
	raw := encoding.EncodeToString(buf)

	var b strings.Builder
	for idx, r := range raw {
		if idx > 0 && idx%groupSize == 0 {
			b.WriteByte('-')
		}
		b.WriteRune(r)
	}
	return b.String(), nil
}

// Normalize turns scanner or hand-typed input into the canonical form used
// as a lookup key. It does not check that the token exists.
func Normalize(in string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r == '-' || r == ' ' || r == '\t' || r == '\n' || r == '\r':
			return -1
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		}
		return r
	}, in)

	var b strings.Builder
	for idx, r := range cleaned {
		if idx > 0 && idx%groupSize == 0 {
			b.WriteByte('-')
		}
		b.WriteRune(r)
	}
	return b.String()
}
