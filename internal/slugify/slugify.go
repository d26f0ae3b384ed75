// Package slugify converts human-readable titles to and from stable
// ASCII key components used to address topics and subtopics.
package slugify

import (
	"regexp"
	"strings"
)

var (
	nonAlnum  = regexp.MustCompile(`[^a-z0-9]+`)
	multiHyph = regexp.MustCompile(`-{2,}`)
)

// Slugify lowercases title, replaces runs of non-alphanumeric characters
// with a single hyphen, and trims leading/trailing hyphens. The result
// matches [a-z0-9-]+ and is idempotent: Slugify(Slugify(x)) == Slugify(x).
func Slugify(title string) string {
	s := strings.ToLower(strings.TrimSpace(title))
	s = nonAlnum.ReplaceAllString(s, "-")
	s = multiHyph.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

// Deslugify produces a title-cased form of slug for display fallbacks —
// it is not a true inverse of Slugify (hyphen vs. space information, case,
// and punctuation are already lost by the time Slugify runs).
func Deslugify(slug string) string {
	words := strings.Split(slug, "-")
	for i, w := range words {
		if w == "" {
			continue
		}
		r := []rune(w)
		r[0] = []rune(strings.ToUpper(string(r[0])))[0]
		words[i] = string(r)
	}
	return strings.Join(words, " ")
}
