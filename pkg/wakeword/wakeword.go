// Package wakeword decides whether a transcribed turn is addressed to the
// agent. The check runs once per completed turn, after transcription, never
// on partial results.
package wakeword

import (
	"strings"
	"unicode"
)

// Gate matches configured wake phrases against transcripts.
type Gate struct {
	phrases [][]string
}

// NewGate creates a gate for the given wake phrases. Phrases are matched
// case-insensitively and on whole-word boundaries: "hey agent" matches
// "Hey Agent, what time is it" but not "hey agentive text".
func NewGate(phrases ...string) *Gate {
	g := &Gate{}
	for _, p := range phrases {
		words := tokenize(p)
		if len(words) > 0 {
			g.phrases = append(g.phrases, words)
		}
	}
	return g
}

// IsAddressed reports whether the transcript contains any wake phrase.
// Empty or whitespace-only transcripts are never addressed.
func (g *Gate) IsAddressed(transcript string) bool {
	words := tokenize(transcript)
	if len(words) == 0 {
		return false
	}

	for _, phrase := range g.phrases {
		if containsSequence(words, phrase) {
			return true
		}
	}
	return false
}

// Phrases returns the configured wake phrases, normalized.
func (g *Gate) Phrases() []string {
	out := make([]string, 0, len(g.phrases))
	for _, p := range g.phrases {
		out = append(out, strings.Join(p, " "))
	}
	return out
}

// tokenize lowercases and splits on anything that is not a letter or digit,
// so punctuation never hides a wake phrase.
func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// containsSequence reports whether needle appears as a contiguous run of
// whole words inside haystack.
func containsSequence(haystack, needle []string) bool {
	if len(needle) == 0 || len(needle) > len(haystack) {
		return false
	}
outer:
	for i := 0; i+len(needle) <= len(haystack); i++ {
		for j, w := range needle {
			if haystack[i+j] != w {
				continue outer
			}
		}
		return true
	}
	return false
}
