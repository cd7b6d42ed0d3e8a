// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package auth

import (
	"fmt"
	"math"
	"strings"
	"unicode"
)

// PasswordPolicy gates the strength new management-API and proxy-auth
// passwords must meet before Store.Add accepts them.
type PasswordPolicy struct {
	MinLength  int     // minimum character count
	MinEntropy float64 // minimum bits of estimated entropy
}

// DefaultPasswordPolicy is the policy applied when none is configured.
func DefaultPasswordPolicy() PasswordPolicy {
	return PasswordPolicy{
		MinLength:  12,
		MinEntropy: 60.0,
	}
}

// PasswordStrength is the result of scoring a candidate password.
type PasswordStrength struct {
	Score       int      // 0 (worst) to 4 (best)
	Length      int      // password length in bytes
	Entropy     float64  // estimated bits of entropy after penalties
	CharsetSize int      // size of the character pool the password draws from
	Complexity  int      // number of distinct character classes used
	MeetsPolicy bool     // not set by CalculateStrength or ValidatePassword
	Feedback    []string // human-readable reasons for a low score
}

// ValidatePassword rejects password if it scores too low against the
// entropy-based strength check, or if it is shorter than policy.MinLength
// characters or estimated below policy.MinEntropy bits. username, if
// given, is checked so a password containing the account's own name is
// always rejected regardless of its raw entropy.
func ValidatePassword(password string, policy PasswordPolicy, username ...string) error {
	if password == "" {
		return fmt.Errorf("password cannot be empty")
	}

	strength := CalculateStrength(password, username...)
	if strength.Score < 2 {
		return fmt.Errorf("password is too weak (score=%d/4)", strength.Score)
	}
	if len([]rune(password)) < policy.MinLength {
		return fmt.Errorf("password is too weak (shorter than %d characters)", policy.MinLength)
	}
	if strength.Entropy < policy.MinEntropy {
		return fmt.Errorf("password is too weak (%.0f bits of entropy, need %.0f)", strength.Entropy, policy.MinEntropy)
	}

	return nil
}

// CalculateStrength scores password by estimated entropy: pool size and
// length set a raw entropy figure, then common passwords, username
// containment, repeated runs, and sequential runs each knock it down.
func CalculateStrength(password string, username ...string) PasswordStrength {
	strength := PasswordStrength{
		Length:   len(password),
		Feedback: make([]string, 0),
	}

	// Pool size and complexity: which character classes appear at all.
	poolSize := 0
	complexity := 0
	hasLower := false
	hasUpper := false
	hasDigit := false
	hasSymbol := false

	for _, char := range password {
		switch {
		case unicode.IsLower(char):
			hasLower = true
		case unicode.IsUpper(char):
			hasUpper = true
		case unicode.IsDigit(char):
			hasDigit = true
		case unicode.IsPunct(char) || unicode.IsSymbol(char):
			hasSymbol = true
		}
	}

	if hasLower {
		poolSize += 26
		complexity++
	}
	if hasUpper {
		poolSize += 26
		complexity++
	}
	if hasDigit {
		poolSize += 10
		complexity++
	}
	if hasSymbol {
		poolSize += 33
		complexity++
	}
	if poolSize == 0 {
		poolSize = 26 // empty password: avoid log2(0)
	}

	strength.Complexity = complexity
	strength.CharsetSize = poolSize

	entropy := float64(len(password)) * math.Log2(float64(poolSize))

	lower := strings.ToLower(password)

	// A handful of known-bad passwords and username-containment zero out
	// entropy outright rather than just discounting it: these aren't
	// "weaker", they're guessable on the first attempt.
	if lower == "password" || password == "12345678" {
		entropy = 0
		strength.Feedback = append(strength.Feedback, "Password is too common")
	}
	if len(username) > 0 && username[0] != "" {
		if strings.Contains(strings.ToLower(password), strings.ToLower(username[0])) {
			entropy = 0
			strength.Feedback = append(strength.Feedback, "Password contains username")
		}
	}

	if hasRepetition(password) {
		entropy -= 15
		strength.Feedback = append(strength.Feedback, "Avoid repeated characters")
	}
	if hasSequential(password) {
		entropy -= 15
		strength.Feedback = append(strength.Feedback, "Avoid sequential patterns")
	}

	if entropy < 0 {
		entropy = 0
	}
	strength.Entropy = entropy

	if entropy < 40 {
		strength.Score = 1
	} else if entropy < 70 {
		strength.Score = 2
	} else {
		strength.Score = 4
	}

	return strength
}

// hasRepetition reports whether s contains any run of 3 identical
// characters in a row, e.g. "aaa" or "111".
func hasRepetition(s string) bool {
	if len(s) < 3 {
		return false
	}
	for i := 0; i < len(s)-2; i++ {
		if s[i] == s[i+1] && s[i] == s[i+2] {
			return true
		}
	}
	return false
}

// hasSequential reports whether s contains any run of 3 consecutive
// characters from the alphabet or digits, forward or reversed, e.g.
// "abc", "cba", "789", or "987".
func hasSequential(s string) bool {
	if len(s) < 3 {
		return false
	}
	lower := strings.ToLower(s)
	seq := "abcdefghijklmnopqrstuvwxyz0123456789"
	revSeq := "zyxwvutsrqponmlkjihgfedcba9876543210"

	for i := 0; i < len(s)-2; i++ {
		sub := lower[i : i+3]
		if strings.Contains(seq, sub) || strings.Contains(revSeq, sub) {
			return true
		}
	}
	return false
}
