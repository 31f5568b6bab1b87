package generation

import (
	"fmt"
	"math/rand"
	"regexp"
	"strings"
)

var (
	styleRe      = regexp.MustCompile(`\{([^}]+)\}`)
	remixShareRe = regexp.MustCompile(`https://sora\.chatgpt\.com/p/s_[a-f0-9]{32}`)
	remixIDRe    = regexp.MustCompile(`s_[a-f0-9]{32}`)
)

// ExtractStyle pulls a style marker like "{anime}" out of a prompt. The first
// marker names the style; all markers are removed from the returned prompt.
// Prompts without a marker come back unchanged.
func ExtractStyle(prompt string) (string, string) {
	m := styleRe.FindStringSubmatch(prompt)
	if m == nil {
		return prompt, ""
	}
	style := strings.TrimSpace(m[1])
	return collapseSpace(styleRe.ReplaceAllString(prompt, "")), style
}

// ExtractRemixID returns the first shared-post id found in text, either as a
// full share link or a bare id. Empty when the text carries none.
func ExtractRemixID(text string) string {
	return remixIDRe.FindString(text)
}

// StripRemixLinks removes share links and bare post ids from a remix prompt
// so the id does not leak into the generation text.
func StripRemixLinks(prompt string) string {
	if prompt == "" {
		return prompt
	}
	clean := remixShareRe.ReplaceAllString(prompt, "")
	clean = remixIDRe.ReplaceAllString(clean, "")
	return collapseSpace(clean)
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// characterUsername derives a handle from the upstream's username hint. The
// hint arrives namespaced ("owner.handle"); the prefix is dropped and three
// random digits are appended so repeated creations do not collide.
func characterUsername(hint string) string {
	if hint == "" {
		hint = "character"
	}
	parts := strings.Split(hint, ".")
	return fmt.Sprintf("%s%d", parts[len(parts)-1], 100+rand.Intn(900))
}
