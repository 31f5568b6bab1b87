package sora

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	storyboardMarker = regexp.MustCompile(`\[\d+(?:\.\d+)?s\]`)
	storyboardShot   = regexp.MustCompile(`\[(\d+(?:\.\d+)?)s\]\s*([^\[]+)`)
)

// IsStoryboardPrompt reports whether the prompt uses shot markers like
// "[5.0s]cat jumps". One marker is enough to switch to storyboard mode.
func IsStoryboardPrompt(prompt string) bool {
	if prompt == "" {
		return false
	}
	return storyboardMarker.MatchString(prompt)
}

// FormatStoryboardPrompt converts marker syntax into the shot timeline the
// storyboard endpoint expects. Text before the first marker becomes the
// instructions block.
func FormatStoryboardPrompt(prompt string) string {
	matches := storyboardShot.FindAllStringSubmatch(prompt, -1)
	if len(matches) == 0 {
		return prompt
	}

	instructions := ""
	if idx := strings.Index(prompt, "["); idx > 0 {
		instructions = strings.TrimSpace(prompt[:idx])
	}

	shots := make([]string, 0, len(matches))
	for i, m := range matches {
		scene := strings.TrimSpace(m[2])
		shots = append(shots, fmt.Sprintf("Shot %d:\nduration: %ssec\nScene: %s", i+1, m[1], scene))
	}
	timeline := strings.Join(shots, "\n\n")

	if instructions != "" {
		return fmt.Sprintf("current timeline:\n%s\n\ninstructions:\n%s", timeline, instructions)
	}
	return timeline
}
