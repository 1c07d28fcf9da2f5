// Package referralcode generates and validates human-typeable referral codes.
package referralcode

import (
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	mrand "math/rand"
	"strings"
)

const (
	// DefaultPrefix is prepended to every issued code. Its characters are
	// drawn from Alphabet so the whole code stays unambiguous.
	DefaultPrefix = "TAR"
	// DefaultLength is the number of random characters after the prefix.
	DefaultLength = 6
	// Alphabet excludes 0, O, 1, I and L.
	Alphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"
)

// Codec produces codes of the form prefix + length characters of Alphabet.
type Codec struct {
	prefix string
	length int
}

// NewCodec returns a Codec with the given prefix and body length.
func NewCodec(prefix string, length int) Codec {
	if length <= 0 {
		length = DefaultLength
	}
	return Codec{prefix: prefix, length: length}
}

// Default returns the production codec.
func Default() Codec {
	return NewCodec(DefaultPrefix, DefaultLength)
}

// Prefix returns the fixed code prefix.
func (c Codec) Prefix() string { return c.prefix }

// Generate returns the code for seed. The same seed always yields the same code.
func (c Codec) Generate(seed int64) string {
	rng := mrand.New(mrand.NewSource(seed))
	var b strings.Builder
	b.Grow(len(c.prefix) + c.length)
	b.WriteString(c.prefix)
	for i := 0; i < c.length; i++ {
		b.WriteByte(Alphabet[rng.Intn(len(Alphabet))])
	}
	return b.String()
}

// Random returns a code drawn from crypto/rand.
func (c Codec) Random() (string, error) {
	var b strings.Builder
	b.Grow(len(c.prefix) + c.length)
	b.WriteString(c.prefix)
	limit := big.NewInt(int64(len(Alphabet)))
	for i := 0; i < c.length; i++ {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("read random: %w", err)
		}
		b.WriteByte(Alphabet[n.Int64()])
	}
	return b.String(), nil
}

// IsValidFormat checks prefix, length and alphabet. It does not consult storage.
func (c Codec) IsValidFormat(code string) bool {
	if len(code) != len(c.prefix)+c.length || !strings.HasPrefix(code, c.prefix) {
		return false
	}
	for _, r := range code[len(c.prefix):] {
		if !strings.ContainsRune(Alphabet, r) {
			return false
		}
	}
	return true
}

// Normalize trims and upper-cases user input.
func Normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// TotalCombinations is len(Alphabet)^length.
func (c Codec) TotalCombinations() float64 {
	return math.Pow(float64(len(Alphabet)), float64(c.length))
}

// EstimateCollisionProbability approximates the chance that at least two of
// issued uniformly random codes coincide.
func (c Codec) EstimateCollisionProbability(issued int) float64 {
	total := c.TotalCombinations()
	n := float64(issued)
	switch {
	case issued <= 1:
		return 0
	case n >= total:
		return 1
	}
	p := 1 - math.Exp(-n*(n-1)/(2*total))
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}
