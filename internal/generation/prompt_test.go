package generation

import (
	"regexp"
	"strings"
	"testing"
)

func TestExtractStyle(t *testing.T) {
	tests := []struct {
		name       string
		prompt     string
		wantPrompt string
		wantStyle  string
	}{
		{
			name:       "no marker",
			prompt:     "a cat surfing at sunset",
			wantPrompt: "a cat surfing at sunset",
			wantStyle:  "",
		},
		{
			name:       "marker mid prompt",
			prompt:     "a cat {anime} surfing",
			wantPrompt: "a cat surfing",
			wantStyle:  "anime",
		},
		{
			name:       "first marker wins, all removed",
			prompt:     "{festive} a cat {noir} surfing",
			wantPrompt: "a cat surfing",
			wantStyle:  "festive",
		},
		{
			name:       "marker content trimmed",
			prompt:     "a cat { film noir } surfing",
			wantPrompt: "a cat surfing",
			wantStyle:  "film noir",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotPrompt, gotStyle := ExtractStyle(tt.prompt)
			if gotPrompt != tt.wantPrompt || gotStyle != tt.wantStyle {
				t.Errorf("ExtractStyle(%q) = (%q, %q), want (%q, %q)",
					tt.prompt, gotPrompt, gotStyle, tt.wantPrompt, tt.wantStyle)
			}
		})
	}
}

func TestStripRemixLinks(t *testing.T) {
	id := "s_0123456789abcdef0123456789abcdef"
	tests := []struct {
		name   string
		prompt string
		want   string
	}{
		{
			name:   "share link removed",
			prompt: "make it snow https://sora.chatgpt.com/p/" + id + " please",
			want:   "make it snow please",
		},
		{
			name:   "bare id removed",
			prompt: id + " make it snow",
			want:   "make it snow",
		},
		{
			name:   "empty prompt unchanged",
			prompt: "",
			want:   "",
		},
		{
			name:   "prompt without link unchanged",
			prompt: "make it snow",
			want:   "make it snow",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StripRemixLinks(tt.prompt); got != tt.want {
				t.Errorf("StripRemixLinks(%q) = %q, want %q", tt.prompt, got, tt.want)
			}
		})
	}
}

func TestExtractRemixID(t *testing.T) {
	id := "s_0123456789abcdef0123456789abcdef"

	if got := ExtractRemixID("remix https://sora.chatgpt.com/p/" + id + " with snow"); got != id {
		t.Errorf("ExtractRemixID from link = %q, want %q", got, id)
	}
	if got := ExtractRemixID("remix " + id + " with snow"); got != id {
		t.Errorf("ExtractRemixID from bare id = %q, want %q", got, id)
	}
	if got := ExtractRemixID("no id here"); got != "" {
		t.Errorf("ExtractRemixID = %q, want empty", got)
	}
	// Uppercase hex is not a valid post id.
	if got := ExtractRemixID("s_0123456789ABCDEF0123456789ABCDEF"); got != "" {
		t.Errorf("ExtractRemixID matched uppercase id: %q", got)
	}
}

func TestCharacterUsername(t *testing.T) {
	suffixed := regexp.MustCompile(`^[a-z]+[0-9]{3}$`)

	got := characterUsername("sora.someuser")
	if !strings.HasPrefix(got, "someuser") || !suffixed.MatchString(got) {
		t.Errorf("characterUsername(sora.someuser) = %q, want someuserNNN", got)
	}

	got = characterUsername("")
	if !strings.HasPrefix(got, "character") || !suffixed.MatchString(got) {
		t.Errorf("characterUsername(\"\") = %q, want characterNNN", got)
	}

	// Only the last namespace segment survives.
	got = characterUsername("a.b.handle")
	if !strings.HasPrefix(got, "handle") {
		t.Errorf("characterUsername(a.b.handle) = %q, want handleNNN", got)
	}
}
