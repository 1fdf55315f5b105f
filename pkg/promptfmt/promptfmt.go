// Package promptfmt assembles plain-text/markdown prompt payloads from
// declarative sections. The spawner's context capsule is rendered with
// it; checkpoint.BuildRestorationPrompt builds its markdown directly and
// does not use this package.
package promptfmt

import "strings"

// Section is one named block of a rendered prompt. Body is written,
// with surrounding whitespace trimmed, under a "## Title" heading; empty
// Bodies are skipped.
type Section struct {
	Title string
	Body  string
}

// Bullets formats items as a markdown bullet list, one per line.
func Bullets(items []string) string {
	if len(items) == 0 {
		return ""
	}
	var b strings.Builder
	for _, item := range items {
		b.WriteString("- ")
		b.WriteString(item)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// Build renders sections in order, separating each with a blank line and
// skipping sections whose Body is empty after trimming.
func Build(title string, sections []Section) string {
	var b strings.Builder
	if title != "" {
		b.WriteString("# ")
		b.WriteString(title)
		b.WriteString("\n\n")
	}
	first := true
	for _, s := range sections {
		body := strings.TrimSpace(s.Body)
		if body == "" {
			continue
		}
		if !first {
			b.WriteString("\n\n")
		}
		first = false
		if s.Title != "" {
			b.WriteString("## ")
			b.WriteString(s.Title)
			b.WriteString("\n\n")
		}
		b.WriteString(body)
	}
	b.WriteString("\n")
	return b.String()
}
