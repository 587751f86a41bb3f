package policy

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// PIN length bounds accepted by the supported lock platforms.
const (
	MinPINLength = 4
	MaxPINLength = 10
)

// ErrInvalidPIN is returned for codes a lock would reject.
var ErrInvalidPIN = errors.New("policy: invalid PIN")

// ValidatePIN checks that pin is all digits within the length bounds. An
// all-zero code is refused because locks report cleared slots that way.
func ValidatePIN(pin string) error {
	if len(pin) < MinPINLength {
		return fmt.Errorf("%w: must be at least %d digits", ErrInvalidPIN, MinPINLength)
	}
	if len(pin) > MaxPINLength {
		return fmt.Errorf("%w: must be at most %d digits", ErrInvalidPIN, MaxPINLength)
	}
	for _, c := range pin {
		if c < '0' || c > '9' {
			return fmt.Errorf("%w: must contain only digits", ErrInvalidPIN)
		}
	}
	if IsCleared(pin) {
		return fmt.Errorf("%w: must not be all zeros", ErrInvalidPIN)
	}
	return nil
}

// Generator produces random PIN codes.
type Generator struct {
	length int
}

// NewGenerator creates a generator for codes of the given length, clamped to
// the accepted bounds.
func NewGenerator(length int) *Generator {
	length = max(length, MinPINLength)
	length = min(length, MaxPINLength)
	return &Generator{length: length}
}

const generateAttempts = 100

// Generate returns a random code that is not trivially guessable and for
// which taken returns false. taken may be nil.
func (g *Generator) Generate(taken func(pin string) bool) (string, error) {
	limit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(g.length)), nil)

	for i := 0; i < generateAttempts; i++ {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("reading random: %w", err)
		}
		pin := fmt.Sprintf("%0*d", g.length, n.Int64())

		if isTrivial(pin) || ValidatePIN(pin) != nil {
			continue
		}
		if taken != nil && taken(pin) {
			continue
		}
		return pin, nil
	}

	return "", errors.New("policy: no free PIN found")
}

// isTrivial rejects repeated digits and straight ascending or descending runs.
func isTrivial(pin string) bool {
	if strings.Count(pin, pin[:1]) == len(pin) {
		return true
	}

	asc, desc := true, true
	for i := 1; i < len(pin); i++ {
		d := int(pin[i]) - int(pin[i-1])
		if d != 1 {
			asc = false
		}
		if d != -1 {
			desc = false
		}
	}
	return asc || desc
}
