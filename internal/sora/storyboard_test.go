package sora

import (
	"strings"
	"testing"
)

func TestIsStoryboardPrompt(t *testing.T) {
	tests := []struct {
		prompt string
		want   bool
	}{
		{"", false},
		{"a plain prompt", false},
		{"[5.0s]cat jumps", true},
		{"[5s]cat jumps [10.5s]cat lands", true},
		{"intro text [3s]scene", true},
		{"[s]not a marker", false},
		{"[5m]wrong unit", false},
	}
	for _, tt := range tests {
		if got := IsStoryboardPrompt(tt.prompt); got != tt.want {
			t.Errorf("IsStoryboardPrompt(%q) = %v, want %v", tt.prompt, got, tt.want)
		}
	}
}

func TestFormatStoryboardPrompt(t *testing.T) {
	got := FormatStoryboardPrompt("猫猫的奇妙冒险 [5.0s]跳伞 [5.0s]降落")

	if !strings.Contains(got, "Shot 1:\nduration: 5.0sec\nScene: 跳伞") {
		t.Errorf("missing first shot:\n%s", got)
	}
	if !strings.Contains(got, "Shot 2:\nduration: 5.0sec\nScene: 降落") {
		t.Errorf("missing second shot:\n%s", got)
	}
	if !strings.HasPrefix(got, "current timeline:\n") {
		t.Errorf("missing timeline header:\n%s", got)
	}
	if !strings.HasSuffix(got, "instructions:\n猫猫的奇妙冒险") {
		t.Errorf("missing instructions block:\n%s", got)
	}
}

func TestFormatStoryboardPromptNoInstructions(t *testing.T) {
	got := FormatStoryboardPrompt("[2s]first [3s]second")

	if strings.Contains(got, "instructions") {
		t.Errorf("unexpected instructions block:\n%s", got)
	}
	if !strings.HasPrefix(got, "Shot 1:") {
		t.Errorf("timeline should start with the first shot:\n%s", got)
	}
	if !strings.Contains(got, "duration: 2sec") || !strings.Contains(got, "duration: 3sec") {
		t.Errorf("durations not preserved:\n%s", got)
	}
}

func TestFormatStoryboardPromptPassthrough(t *testing.T) {
	prompt := "no markers at all"
	if got := FormatStoryboardPrompt(prompt); got != prompt {
		t.Errorf("prompt without markers must pass through, got %q", got)
	}
}
