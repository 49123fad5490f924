package crypto

import (
	"errors"
	"fmt"
	"regexp"
	"unicode/utf8"
)

// Passphrase advisory limits.
const (
	MinPassphraseLength         = 8
	RecommendedPassphraseLength = 12
)

// ErrEmptyPassphrase is returned when no passphrase was supplied.
var ErrEmptyPassphrase = errors.New("crypto: passphrase must not be empty")

// Strength represents the estimated strength of a passphrase
type Strength int

const (
	StrengthWeak Strength = iota
	StrengthFair
	StrengthGood
	StrengthStrong
)

// String returns a human-readable representation of passphrase strength
func (s Strength) String() string {
	switch s {
	case StrengthWeak:
		return "weak"
	case StrengthFair:
		return "fair"
	case StrengthGood:
		return "good"
	case StrengthStrong:
		return "strong"
	default:
		return "unknown"
	}
}

// PassphraseCheck contains the result of CheckPassphrase
type PassphraseCheck struct {
	Strength Strength
	Warnings []string // Suggestions for improvement (not errors)
}

var (
	upperRe   = regexp.MustCompile(`[A-Z]`)
	lowerRe   = regexp.MustCompile(`[a-z]`)
	digitRe   = regexp.MustCompile(`\d`)
	specialRe = regexp.MustCompile(`[^A-Za-z0-9]`)
)

// CheckPassphrase rates a passphrase and returns advisory warnings. It never
// rejects a passphrase; existing caches must stay readable whatever was
// chosen when they were created.
func CheckPassphrase(passphrase string) *PassphraseCheck {
	result := &PassphraseCheck{Strength: StrengthFair}
	length := utf8.RuneCountInString(passphrase)

	complexity := 0
	for _, re := range []*regexp.Regexp{upperRe, lowerRe, digitRe, specialRe} {
		if re.MatchString(passphrase) {
			complexity++
		}
	}

	if length < MinPassphraseLength {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("Passphrase is shorter than %d characters", MinPassphraseLength))
	} else if length < RecommendedPassphraseLength {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("Longer passphrases (%d+ characters) are more secure", RecommendedPassphraseLength))
	}
	if complexity < 2 {
		result.Warnings = append(result.Warnings,
			"Consider using a mix of uppercase, lowercase, numbers, and symbols")
	}

	switch {
	case length < MinPassphraseLength:
		result.Strength = StrengthWeak
	case complexity >= 3 && length >= 16:
		result.Strength = StrengthStrong
	case complexity >= 2 && length >= RecommendedPassphraseLength:
		result.Strength = StrengthGood
	case complexity >= 2 || length >= RecommendedPassphraseLength:
		result.Strength = StrengthFair
	default:
		result.Strength = StrengthWeak
	}

	return result
}
