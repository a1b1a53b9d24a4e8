package wakeword

import "testing"

func TestIsAddressed(t *testing.T) {
	gate := NewGate("Hey Agent", "hello agent")

	tests := []struct {
		name       string
		transcript string
		want       bool
	}{
		{"exact phrase with trailing question", "Hey Agent, what time is it", true},
		{"lowercase with punctuation", "hey agent! hello", true},
		{"second configured phrase", "Hello Agent how are you", true},
		{"phrase mid-sentence", "I said hey agent can you hear me", true},
		{"prefix of a longer word", "hey agentive text", false},
		{"words present but split", "hey there agent", false},
		{"no wake phrase", "what's the weather", false},
		{"empty transcript", "", false},
		{"whitespace only", "   \t  ", false},
		{"punctuation only", "?!.", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := gate.IsAddressed(tt.transcript); got != tt.want {
				t.Errorf("IsAddressed(%q) = %v, want %v", tt.transcript, got, tt.want)
			}
		})
	}
}

func TestGateNormalizesPhrases(t *testing.T) {
	gate := NewGate("  Hey,  AGENT  ", "")

	phrases := gate.Phrases()
	if len(phrases) != 1 || phrases[0] != "hey agent" {
		t.Errorf("Phrases() = %v, want [hey agent]", phrases)
	}

	if !gate.IsAddressed("hey agent") {
		t.Error("normalized phrase did not match")
	}
}

func TestGateWithNoPhrases(t *testing.T) {
	gate := NewGate()
	if gate.IsAddressed("hey agent") {
		t.Error("gate with no phrases should never match")
	}
}
